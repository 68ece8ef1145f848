package cardinality

import "fmt"

// Mode selects the membership set used for first-sighting detection.
type Mode int

const (
	// ModeBloom uses a Bloom filter; a small share of new names may go
	// unreported (false positives).
	ModeBloom Mode = iota
	// ModeExact uses a map.
	ModeExact
)

func (m Mode) String() string {
	switch m {
	case ModeBloom:
		return "bloom"
	case ModeExact:
		return "exact"
	default:
		return "unknown"
	}
}

// ParseMode parses a field_tracking.mode setting.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "bloom":
		return ModeBloom, nil
	case "exact":
		return ModeExact, nil
	default:
		return ModeBloom, fmt.Errorf("unknown field tracking mode: %q", s)
	}
}

// Config holds field tracking settings.
type Config struct {
	Mode Mode
	// ExpectedItems sizes the Bloom filter.
	ExpectedItems     uint
	FalsePositiveRate float64
	// WarnThreshold is the distinct field estimate that triggers a warning.
	// Zero disables the warning.
	WarnThreshold int64
}

// DefaultConfig returns defaults sized for table schemas.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeBloom,
		ExpectedItems:     10000,
		FalsePositiveRate: 0.001,
		WarnThreshold:     1000,
	}
}
