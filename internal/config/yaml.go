package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig is the configuration file layout.
type YAMLConfig struct {
	APIKey         string   `yaml:"apikey"`
	APIKeyFile     string   `yaml:"apikey_file"`
	Endpoint       string   `yaml:"endpoint"`
	UseSSL         *bool    `yaml:"use_ssl"`
	HTTPProxy      string   `yaml:"http_proxy"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	SendTimeout    Duration `yaml:"send_timeout"`

	TLS   TLSClientYAMLConfig `yaml:"tls"`
	Retry RetryYAMLConfig     `yaml:"retry"`

	Database         string   `yaml:"database"`
	Table            string   `yaml:"table"`
	AutoCreateTable  *bool    `yaml:"auto_create_table"`
	FlushSize        int      `yaml:"flush_size"`
	FlushInterval    Duration `yaml:"flush_interval"`
	MaxPending       int      `yaml:"max_pending"`
	FullBufferPolicy string   `yaml:"full_buffer_policy"`
	TokenReuse       string   `yaml:"token_reuse"`
	CompressionLevel int      `yaml:"compression_level"`

	RetryQueue RetryQueueYAMLConfig `yaml:"retry_queue"`
	Receiver   ReceiverYAMLConfig   `yaml:"receiver"`

	FieldTracking      FieldTrackingYAMLConfig `yaml:"field_tracking"`
	FieldWarnThreshold int64                   `yaml:"field_warn_threshold"`

	StatsAddr        string  `yaml:"stats_addr"`
	LogLevel         string  `yaml:"log_level"`
	MemoryLimitRatio float64 `yaml:"memory_limit_ratio"`

	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
}

// TLSClientYAMLConfig holds API client TLS settings.
type TLSClientYAMLConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
	MinVersion         string `yaml:"min_version"`
}

// RetryYAMLConfig holds per-call API retry settings.
type RetryYAMLConfig struct {
	MaxTries        int      `yaml:"max_tries"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	MaxElapsedTime  Duration `yaml:"max_elapsed_time"`
}

// RetryQueueYAMLConfig holds the failover queue settings.
type RetryQueueYAMLConfig struct {
	Enabled    *bool    `yaml:"enabled"`
	MaxBatches int      `yaml:"max_batches"`
	MaxBytes   ByteSize `yaml:"max_bytes"`
	Interval   Duration `yaml:"interval"`
}

// ReceiverYAMLConfig holds the inbound sources.
type ReceiverYAMLConfig struct {
	HTTP  HTTPReceiverYAMLConfig  `yaml:"http"`
	Redis RedisReceiverYAMLConfig `yaml:"redis"`
}

// HTTPReceiverYAMLConfig holds the HTTP receiver settings. Address "-"
// disables the receiver.
type HTTPReceiverYAMLConfig struct {
	Address            string              `yaml:"address"`
	MaxRequestBodySize ByteSize            `yaml:"max_request_body_size"`
	ReadTimeout        Duration            `yaml:"read_timeout"`
	ReadHeaderTimeout  Duration            `yaml:"read_header_timeout"`
	WriteTimeout       Duration            `yaml:"write_timeout"`
	IdleTimeout        Duration            `yaml:"idle_timeout"`
	TLS                TLSServerYAMLConfig `yaml:"tls"`
}

// TLSServerYAMLConfig holds receiver TLS settings.
type TLSServerYAMLConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ClientAuth bool   `yaml:"client_auth"`
}

// RedisReceiverYAMLConfig holds the Redis list source settings.
type RedisReceiverYAMLConfig struct {
	URL        string   `yaml:"url"`
	Key        string   `yaml:"key"`
	PopTimeout Duration `yaml:"pop_timeout"`
}

// FieldTrackingYAMLConfig holds field cardinality settings.
type FieldTrackingYAMLConfig struct {
	Mode              string  `yaml:"mode"`
	ExpectedItems     uint    `yaml:"expected_items"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// TelemetryYAMLConfig holds OTLP self telemetry settings.
type TelemetryYAMLConfig struct {
	Endpoint        string            `yaml:"endpoint"`
	Protocol        string            `yaml:"protocol"`
	Insecure        bool              `yaml:"insecure"`
	Timeout         Duration          `yaml:"timeout"`
	PushInterval    Duration          `yaml:"push_interval"`
	Compression     string            `yaml:"compression"`
	Headers         map[string]string `yaml:"headers"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a byte count written as an integer or with a Ki, Mi, Gi or
// Ti suffix.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// ParseByteSize parses "512", "64Mi" or "1.5Gi".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	suffixes := []struct {
		name string
		mult int64
	}{
		{"Ti", 1 << 40},
		{"Gi", 1 << 30},
		{"Mi", 1 << 20},
		{"Ki", 1 << 10},
	}
	for _, sf := range suffixes {
		if num, ok := strings.CutSuffix(s, sf.name); ok {
			var f float64
			if _, err := fmt.Sscanf(strings.TrimSpace(num), "%g", &f); err != nil || f < 0 {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// LoadYAML reads and parses a configuration file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses configuration bytes. Unknown keys are errors.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ToConfig overlays the file values on DefaultConfig. Zero values keep
// the defaults.
func (y *YAMLConfig) ToConfig() *Config {
	cfg := DefaultConfig()

	setString(&cfg.APIKey, y.APIKey)
	setString(&cfg.APIKeyFile, y.APIKeyFile)
	setString(&cfg.Endpoint, y.Endpoint)
	if y.UseSSL != nil {
		cfg.UseSSL = *y.UseSSL
	}
	setString(&cfg.HTTPProxy, y.HTTPProxy)
	setDuration(&cfg.ConnectTimeout, y.ConnectTimeout)
	setDuration(&cfg.ReadTimeout, y.ReadTimeout)
	setDuration(&cfg.SendTimeout, y.SendTimeout)

	setString(&cfg.TLSCAFile, y.TLS.CAFile)
	setString(&cfg.TLSCertFile, y.TLS.CertFile)
	setString(&cfg.TLSKeyFile, y.TLS.KeyFile)
	cfg.TLSInsecureSkipVerify = y.TLS.InsecureSkipVerify
	setString(&cfg.TLSServerName, y.TLS.ServerName)
	setString(&cfg.TLSMinVersion, y.TLS.MinVersion)

	setInt(&cfg.RetryMaxTries, y.Retry.MaxTries)
	setDuration(&cfg.RetryInitialInterval, y.Retry.InitialInterval)
	setDuration(&cfg.RetryMaxInterval, y.Retry.MaxInterval)
	setDuration(&cfg.RetryMaxElapsedTime, y.Retry.MaxElapsedTime)

	setString(&cfg.Database, y.Database)
	setString(&cfg.Table, y.Table)
	if y.AutoCreateTable != nil {
		cfg.AutoCreateTable = *y.AutoCreateTable
	}
	setInt(&cfg.FlushSize, y.FlushSize)
	setDuration(&cfg.FlushInterval, y.FlushInterval)
	setInt(&cfg.MaxPending, y.MaxPending)
	setString(&cfg.FullBufferPolicy, y.FullBufferPolicy)
	setString(&cfg.TokenReuse, y.TokenReuse)
	setInt(&cfg.CompressionLevel, y.CompressionLevel)

	if y.RetryQueue.Enabled != nil {
		cfg.RetryQueueEnabled = *y.RetryQueue.Enabled
	}
	setInt(&cfg.RetryQueueMaxBatches, y.RetryQueue.MaxBatches)
	if y.RetryQueue.MaxBytes != 0 {
		cfg.RetryQueueMaxBytes = int64(y.RetryQueue.MaxBytes)
	}
	setDuration(&cfg.RetryQueueInterval, y.RetryQueue.Interval)

	hr := y.Receiver.HTTP
	switch hr.Address {
	case "":
	case "-":
		cfg.HTTPListenAddr = ""
	default:
		cfg.HTTPListenAddr = hr.Address
	}
	if hr.MaxRequestBodySize != 0 {
		cfg.HTTPMaxRequestBodySize = int64(hr.MaxRequestBodySize)
	}
	setDuration(&cfg.HTTPReadTimeout, hr.ReadTimeout)
	setDuration(&cfg.HTTPReadHeaderTimeout, hr.ReadHeaderTimeout)
	setDuration(&cfg.HTTPWriteTimeout, hr.WriteTimeout)
	setDuration(&cfg.HTTPIdleTimeout, hr.IdleTimeout)
	cfg.HTTPTLSEnabled = hr.TLS.Enabled
	setString(&cfg.HTTPTLSCertFile, hr.TLS.CertFile)
	setString(&cfg.HTTPTLSKeyFile, hr.TLS.KeyFile)
	setString(&cfg.HTTPTLSCAFile, hr.TLS.CAFile)
	cfg.HTTPTLSClientAuth = hr.TLS.ClientAuth

	setString(&cfg.RedisURL, y.Receiver.Redis.URL)
	setString(&cfg.RedisKey, y.Receiver.Redis.Key)
	setDuration(&cfg.RedisPopTimeout, y.Receiver.Redis.PopTimeout)

	setString(&cfg.FieldTracking, y.FieldTracking.Mode)
	if y.FieldTracking.ExpectedItems != 0 {
		cfg.FieldExpectedItems = y.FieldTracking.ExpectedItems
	}
	if y.FieldTracking.FalsePositiveRate != 0 {
		cfg.FieldFalsePositiveRate = y.FieldTracking.FalsePositiveRate
	}
	if y.FieldWarnThreshold != 0 {
		cfg.FieldWarnThreshold = y.FieldWarnThreshold
	}

	setString(&cfg.StatsAddr, y.StatsAddr)
	setString(&cfg.LogLevel, y.LogLevel)
	if y.MemoryLimitRatio != 0 {
		cfg.MemoryLimitRatio = y.MemoryLimitRatio
	}

	t := y.Telemetry
	setString(&cfg.TelemetryEndpoint, t.Endpoint)
	setString(&cfg.TelemetryProtocol, t.Protocol)
	cfg.TelemetryInsecure = t.Insecure
	setDuration(&cfg.TelemetryTimeout, t.Timeout)
	setDuration(&cfg.TelemetryPushInterval, t.PushInterval)
	cfg.TelemetryGzip = t.Compression == "gzip"
	if len(t.Headers) > 0 {
		cfg.TelemetryHeaders = t.Headers
	}
	setDuration(&cfg.TelemetryShutdownTimeout, t.ShutdownTimeout)

	return cfg
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
