package tdclient

import (
	"fmt"
)

const (
	minNameLen = 3
	maxNameLen = 255
)

// ValidateDatabaseName checks a database name against the API naming policy.
func ValidateDatabaseName(name string) error {
	return validateName("database", name)
}

// ValidateTableName checks a table name against the API naming policy.
func ValidateTableName(name string) error {
	return validateName("table", name)
}

func validateName(kind, name string) error {
	if len(name) < minNameLen || len(name) > maxNameLen {
		return fmt.Errorf("invalid %s name %q: must be %d to %d characters", kind, name, minNameLen, maxNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			continue
		}
		return fmt.Errorf("invalid %s name %q: only lowercase letters, digits and '_' are allowed", kind, name)
	}
	return nil
}
