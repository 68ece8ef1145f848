package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/szibis/td-shipper/internal/buffer"
	"github.com/szibis/td-shipper/internal/cardinality"
	"github.com/szibis/td-shipper/internal/chunk"
	"github.com/szibis/td-shipper/internal/logging"
	"github.com/szibis/td-shipper/internal/tdclient"
	"github.com/szibis/td-shipper/internal/telemetry"
)

const validationPrefix = "configuration validation failed:\n  - "

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if err := tdclient.ValidateDatabaseName(c.Database); err != nil {
		add("%v", err)
	}
	if err := tdclient.ValidateTableName(c.Table); err != nil {
		add("%v", err)
	}
	if c.APIKey == "" && c.APIKeyFile == "" {
		add("apikey must be set (apikey, apikey_file or %s)", APIKeyEnv)
	}
	if c.Endpoint == "" {
		add("endpoint must not be empty")
	}

	if c.FlushSize <= 0 {
		add("flush_size must be positive, got %d", c.FlushSize)
	}
	if c.FlushInterval <= 0 {
		add("flush_interval must be positive, got %s", c.FlushInterval)
	}
	if c.MaxPending < 0 {
		add("max_pending must not be negative, got %d", c.MaxPending)
	}
	if _, err := buffer.ParsePolicy(c.FullBufferPolicy); err != nil {
		add("full_buffer_policy must be block or reject, got %q", c.FullBufferPolicy)
	}
	if _, err := chunk.ParseTokenMode(c.TokenReuse); err != nil {
		add("token_reuse must be explicit or inferred, got %q", c.TokenReuse)
	}
	if c.CompressionLevel < -2 || c.CompressionLevel > 9 {
		add("compression_level must be between -2 and 9, got %d", c.CompressionLevel)
	}
	if c.RetryMaxTries < 1 {
		add("retry.max_tries must be at least 1, got %d", c.RetryMaxTries)
	}

	if c.RetryQueueEnabled {
		if c.RetryQueueMaxBatches <= 0 {
			add("retry_queue.max_batches must be positive, got %d", c.RetryQueueMaxBatches)
		}
		if c.RetryQueueMaxBytes <= 0 {
			add("retry_queue.max_bytes must be positive, got %d", c.RetryQueueMaxBytes)
		}
		if c.RetryQueueInterval <= 0 {
			add("retry_queue.interval must be positive, got %s", c.RetryQueueInterval)
		}
	}

	if c.HTTPListenAddr != "" && c.HTTPMaxRequestBodySize <= 0 {
		add("receiver.http.max_request_body_size must be positive, got %d", c.HTTPMaxRequestBodySize)
	}
	if c.HTTPTLSEnabled && (c.HTTPTLSCertFile == "" || c.HTTPTLSKeyFile == "") {
		add("receiver.http.tls requires cert_file and key_file")
	}
	if c.RedisURL != "" && c.RedisKey == "" {
		add("receiver.redis.key must be set when receiver.redis.url is")
	}

	if c.FieldTracking != "off" {
		if _, err := cardinality.ParseMode(c.FieldTracking); err != nil {
			add("field_tracking.mode must be bloom, exact or off, got %q", c.FieldTracking)
		}
		if c.FieldFalsePositiveRate <= 0 || c.FieldFalsePositiveRate >= 1 {
			add("field_tracking.false_positive_rate must be between 0 and 1, got %g", c.FieldFalsePositiveRate)
		}
	}

	if c.StatsAddr == "" {
		add("stats_addr must not be empty")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		add("memory_limit_ratio must be between 0.0 and 1.0, got %g", c.MemoryLimitRatio)
	}
	if _, err := telemetry.ParseProtocol(c.TelemetryProtocol); err != nil {
		add("telemetry.protocol must be grpc or http, got %q", c.TelemetryProtocol)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s%s", validationPrefix, strings.Join(errs, "\n  - "))
}

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning is reported but does not prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult is the output of -validate.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file,omitempty"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the result as indented JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// Check validates cfg and collects warnings for settings that work but
// are likely mistakes.
func Check(cfg *Config) *ValidationResult {
	result := &ValidationResult{Valid: true, File: cfg.ConfigFile}

	if err := cfg.Validate(); err != nil {
		result.Valid = false
		for _, item := range strings.Split(strings.TrimPrefix(err.Error(), validationPrefix), "\n  - ") {
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityError,
				Field:    fieldOf(item),
				Message:  item,
			})
		}
	}

	addWarnings(cfg, result)
	return result
}

// ValidateFile loads path over the defaults and checks it.
func ValidateFile(path string) *ValidationResult {
	y, err := LoadYAML(path)
	if err != nil {
		return &ValidationResult{
			File: path,
			Issues: []ValidationIssue{{
				Severity: SeverityError,
				Field:    "file",
				Message:  err.Error(),
			}},
		}
	}
	cfg := y.ToConfig()
	cfg.ConfigFile = path
	if cfg.APIKey == "" && cfg.APIKeyFile == "" {
		cfg.APIKey = os.Getenv(APIKeyEnv)
	}
	return Check(cfg)
}

// fieldOf extracts the leading key from "key must ..." messages.
func fieldOf(s string) string {
	for _, sep := range []string{" must ", " requires ", " is "} {
		if idx := strings.Index(s, sep); idx > 0 && !strings.Contains(s[:idx], " ") {
			return s[:idx]
		}
	}
	for _, field := range []string{"database", "table"} {
		if strings.HasPrefix(s, "invalid "+field+" name") {
			return field
		}
	}
	return "config"
}

func addWarnings(cfg *Config, result *ValidationResult) {
	warn := func(field, format string, args ...interface{}) {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if cfg.APIKey != "" && cfg.ConfigFile != "" && cfg.APIKeyFile == "" && os.Getenv(APIKeyEnv) != cfg.APIKey {
		warn("apikey", "API key stored in the config file; prefer apikey_file or %s", APIKeyEnv)
	}
	if !cfg.UseSSL && !strings.HasPrefix(cfg.Endpoint, "https://") {
		warn("use_ssl", "API key is sent in plaintext to %q", cfg.Endpoint)
	}
	if cfg.TLSInsecureSkipVerify {
		warn("tls.insecure_skip_verify", "API server certificate is not verified")
	}
	if cfg.FlushInterval > 0 && cfg.FlushInterval < time.Second {
		warn("flush_interval", "very short flush interval (%s) produces many small chunks", cfg.FlushInterval)
	}
	if cfg.MaxPending > 0 && cfg.MaxPending < cfg.FlushSize {
		warn("max_pending", "max_pending (%d) is below flush_size (%d) and is raised to it", cfg.MaxPending, cfg.FlushSize)
	}
	if !cfg.AutoCreateTable {
		warn("auto_create_table", "a missing target table fails every flush")
	}
	checkFileWarning(cfg.APIKeyFile, "apikey_file", result)
	checkFileWarning(cfg.TLSCAFile, "tls.ca_file", result)
	if cfg.HTTPTLSEnabled {
		checkFileWarning(cfg.HTTPTLSCertFile, "receiver.http.tls.cert_file", result)
		checkFileWarning(cfg.HTTPTLSKeyFile, "receiver.http.tls.key_file", result)
		checkFileWarning(cfg.HTTPTLSCAFile, "receiver.http.tls.ca_file", result)
	}
}

func checkFileWarning(path, field string, result *ValidationResult) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    field,
			Message:  fmt.Sprintf("file not found: %s", path),
		})
	}
}
