// Package config loads td-shipper settings from defaults, an optional YAML
// file and command line flags, in increasing order of precedence.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/szibis/td-shipper/internal/buffer"
	"github.com/szibis/td-shipper/internal/cardinality"
	"github.com/szibis/td-shipper/internal/chunk"
	"github.com/szibis/td-shipper/internal/compression"
	"github.com/szibis/td-shipper/internal/receiver"
	"github.com/szibis/td-shipper/internal/shipper"
	"github.com/szibis/td-shipper/internal/tdclient"
	"github.com/szibis/td-shipper/internal/telemetry"
	tlspkg "github.com/szibis/td-shipper/internal/tls"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// APIKeyEnv is read when neither apikey nor apikey_file is configured.
const APIKeyEnv = "TD_API_KEY"

// Config holds the resolved td-shipper configuration.
type Config struct {
	ConfigFile string

	// Remote API
	APIKey         string
	APIKeyFile     string
	Endpoint       string
	UseSSL         bool
	HTTPProxy      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	SendTimeout    time.Duration

	// Remote API TLS
	TLSCAFile             string
	TLSCertFile           string
	TLSKeyFile            string
	TLSInsecureSkipVerify bool
	TLSServerName         string
	TLSMinVersion         string

	// Remote API retries
	RetryMaxTries        int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsedTime  time.Duration

	// Target
	Database        string
	Table           string
	AutoCreateTable bool

	// Buffer
	FlushSize        int
	FlushInterval    time.Duration
	MaxPending       int
	FullBufferPolicy string
	TokenReuse       string
	CompressionLevel int

	// Failover queue for failed flushes
	RetryQueueEnabled    bool
	RetryQueueMaxBatches int
	RetryQueueMaxBytes   int64
	RetryQueueInterval   time.Duration

	// HTTP receiver; an empty address disables it.
	HTTPListenAddr         string
	HTTPMaxRequestBodySize int64
	HTTPReadTimeout        time.Duration
	HTTPReadHeaderTimeout  time.Duration
	HTTPWriteTimeout       time.Duration
	HTTPIdleTimeout        time.Duration
	HTTPTLSEnabled         bool
	HTTPTLSCertFile        string
	HTTPTLSKeyFile         string
	HTTPTLSCAFile          string
	HTTPTLSClientAuth      bool

	// Redis list source; an empty URL disables it.
	RedisURL        string
	RedisKey        string
	RedisPopTimeout time.Duration

	// Field tracking: "bloom", "exact" or "off".
	FieldTracking          string
	FieldExpectedItems     uint
	FieldFalsePositiveRate float64
	FieldWarnThreshold     int64

	// Process
	StatsAddr        string
	LogLevel         string
	MemoryLimitRatio float64

	// Self telemetry; an empty endpoint disables it.
	TelemetryEndpoint        string
	TelemetryProtocol        string
	TelemetryInsecure        bool
	TelemetryTimeout         time.Duration
	TelemetryPushInterval    time.Duration
	TelemetryGzip            bool
	TelemetryHeaders         map[string]string
	TelemetryShutdownTimeout time.Duration

	ValidateOnly bool
	ShowHelp     bool
	ShowVersion  bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	client := tdclient.DefaultConfig()
	fields := cardinality.DefaultConfig()
	return &Config{
		Endpoint:       client.Endpoint,
		UseSSL:         client.UseSSL,
		ConnectTimeout: client.ConnectTimeout,
		ReadTimeout:    client.ReadTimeout,
		SendTimeout:    client.SendTimeout,

		RetryMaxTries:        int(client.MaxTries),
		RetryInitialInterval: client.RetryInitialInterval,
		RetryMaxInterval:     client.RetryMaxInterval,
		RetryMaxElapsedTime:  client.RetryMaxElapsedTime,

		AutoCreateTable:  true,
		FlushSize:        10000,
		FlushInterval:    5 * time.Minute,
		FullBufferPolicy: string(buffer.PolicyBlock),
		TokenReuse:       string(chunk.TokenExplicit),

		RetryQueueEnabled:    true,
		RetryQueueMaxBatches: 100,
		RetryQueueMaxBytes:   256 * 1024 * 1024,
		RetryQueueInterval:   30 * time.Second,

		HTTPListenAddr:         ":8080",
		HTTPMaxRequestBodySize: 16 * 1024 * 1024,
		HTTPReadHeaderTimeout:  1 * time.Minute,
		HTTPWriteTimeout:       30 * time.Second,
		HTTPIdleTimeout:        1 * time.Minute,

		RedisPopTimeout: time.Second,

		FieldTracking:          cardinality.ModeBloom.String(),
		FieldExpectedItems:     fields.ExpectedItems,
		FieldFalsePositiveRate: fields.FalsePositiveRate,
		FieldWarnThreshold:     fields.WarnThreshold,

		StatsAddr:        ":9090",
		LogLevel:         "info",
		MemoryLimitRatio: 0.9,

		TelemetryProtocol:        string(telemetry.ProtocolGRPC),
		TelemetryPushInterval:    30 * time.Second,
		TelemetryShutdownTimeout: 5 * time.Second,
	}
}

// Parse builds a Config from args (without the program name). A -config
// file is applied over the defaults and explicitly set flags over both.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("td-shipper", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	flagged := DefaultConfig()
	var configFile string
	fs.StringVar(&configFile, "config", "", "Path to YAML configuration file")
	bindFlags(fs, flagged)

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &Config{ShowHelp: true}, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if configFile != "" {
		y, err := LoadYAML(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
		cfg = y.ToConfig()
		cfg.ConfigFile = configFile
	}

	applyFlagOverrides(fs, cfg, flagged)

	if cfg.APIKey == "" && cfg.APIKeyFile == "" {
		cfg.APIKey = os.Getenv(APIKeyEnv)
	}
	return cfg, nil
}

func bindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.APIKey, "apikey", cfg.APIKey, "API key (prefer -apikey-file or "+APIKeyEnv+")")
	fs.StringVar(&cfg.APIKeyFile, "apikey-file", cfg.APIKeyFile, "File holding the API key; reloaded on change")
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "API endpoint host or URL")
	fs.BoolVar(&cfg.UseSSL, "use-ssl", cfg.UseSSL, "Use HTTPS when the endpoint has no scheme")
	fs.StringVar(&cfg.HTTPProxy, "http-proxy", cfg.HTTPProxy, "HTTP proxy URL")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "API connect timeout")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "API response header timeout")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "API request timeout")

	fs.StringVar(&cfg.TLSCAFile, "tls-ca-file", cfg.TLSCAFile, "CA bundle for API server verification")
	fs.BoolVar(&cfg.TLSInsecureSkipVerify, "tls-insecure-skip-verify", cfg.TLSInsecureSkipVerify, "Skip API certificate verification")

	fs.StringVar(&cfg.Database, "database", cfg.Database, "Target database")
	fs.StringVar(&cfg.Table, "table", cfg.Table, "Target table")
	fs.BoolVar(&cfg.AutoCreateTable, "auto-create-table", cfg.AutoCreateTable, "Create database and table on first miss")

	fs.IntVar(&cfg.FlushSize, "flush-size", cfg.FlushSize, "Rows per chunk (count trigger)")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "Maximum time between flushes")
	fs.IntVar(&cfg.MaxPending, "max-pending", cfg.MaxPending, "Buffered row limit (0 = 4x flush-size)")
	fs.StringVar(&cfg.FullBufferPolicy, "full-buffer-policy", cfg.FullBufferPolicy, "Behavior at max-pending: block or reject")
	fs.StringVar(&cfg.TokenReuse, "token-reuse", cfg.TokenReuse, "Token reuse on retry: explicit or inferred")

	fs.BoolVar(&cfg.RetryQueueEnabled, "retry-queue-enabled", cfg.RetryQueueEnabled, "Keep failed chunks in memory for later retries")
	fs.IntVar(&cfg.RetryQueueMaxBatches, "retry-queue-max-batches", cfg.RetryQueueMaxBatches, "Retry queue batch limit")
	fs.Int64Var(&cfg.RetryQueueMaxBytes, "retry-queue-max-bytes", cfg.RetryQueueMaxBytes, "Retry queue byte limit")
	fs.DurationVar(&cfg.RetryQueueInterval, "retry-queue-interval", cfg.RetryQueueInterval, "Retry queue drain interval")

	fs.StringVar(&cfg.HTTPListenAddr, "http-listen", cfg.HTTPListenAddr, "HTTP receiver address (empty disables)")
	fs.Int64Var(&cfg.HTTPMaxRequestBodySize, "http-max-request-body-size", cfg.HTTPMaxRequestBodySize, "HTTP receiver body limit in bytes")

	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the list source (empty disables)")
	fs.StringVar(&cfg.RedisKey, "redis-key", cfg.RedisKey, "Redis list key")

	fs.StringVar(&cfg.FieldTracking, "field-tracking", cfg.FieldTracking, "Field tracking: bloom, exact or off")
	fs.Int64Var(&cfg.FieldWarnThreshold, "field-warn-threshold", cfg.FieldWarnThreshold, "Distinct field estimate that triggers a warning")

	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Metrics and health listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "GOMEMLIMIT as a share of the container limit (0 disables)")

	fs.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", cfg.TelemetryEndpoint, "OTLP endpoint for self telemetry")
	fs.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", cfg.TelemetryProtocol, "OTLP protocol: grpc or http")
	fs.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", cfg.TelemetryInsecure, "Plaintext OTLP connection")

	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "Validate the configuration and exit")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version")
}

// applyFlagOverrides copies flags that were explicitly set from flagged.
func applyFlagOverrides(fs *flag.FlagSet, cfg, flagged *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "apikey":
			cfg.APIKey = flagged.APIKey
		case "apikey-file":
			cfg.APIKeyFile = flagged.APIKeyFile
		case "endpoint":
			cfg.Endpoint = flagged.Endpoint
		case "use-ssl":
			cfg.UseSSL = flagged.UseSSL
		case "http-proxy":
			cfg.HTTPProxy = flagged.HTTPProxy
		case "connect-timeout":
			cfg.ConnectTimeout = flagged.ConnectTimeout
		case "read-timeout":
			cfg.ReadTimeout = flagged.ReadTimeout
		case "send-timeout":
			cfg.SendTimeout = flagged.SendTimeout
		case "tls-ca-file":
			cfg.TLSCAFile = flagged.TLSCAFile
		case "tls-insecure-skip-verify":
			cfg.TLSInsecureSkipVerify = flagged.TLSInsecureSkipVerify
		case "database":
			cfg.Database = flagged.Database
		case "table":
			cfg.Table = flagged.Table
		case "auto-create-table":
			cfg.AutoCreateTable = flagged.AutoCreateTable
		case "flush-size":
			cfg.FlushSize = flagged.FlushSize
		case "flush-interval":
			cfg.FlushInterval = flagged.FlushInterval
		case "max-pending":
			cfg.MaxPending = flagged.MaxPending
		case "full-buffer-policy":
			cfg.FullBufferPolicy = flagged.FullBufferPolicy
		case "token-reuse":
			cfg.TokenReuse = flagged.TokenReuse
		case "retry-queue-enabled":
			cfg.RetryQueueEnabled = flagged.RetryQueueEnabled
		case "retry-queue-max-batches":
			cfg.RetryQueueMaxBatches = flagged.RetryQueueMaxBatches
		case "retry-queue-max-bytes":
			cfg.RetryQueueMaxBytes = flagged.RetryQueueMaxBytes
		case "retry-queue-interval":
			cfg.RetryQueueInterval = flagged.RetryQueueInterval
		case "http-listen":
			cfg.HTTPListenAddr = flagged.HTTPListenAddr
		case "http-max-request-body-size":
			cfg.HTTPMaxRequestBodySize = flagged.HTTPMaxRequestBodySize
		case "redis-url":
			cfg.RedisURL = flagged.RedisURL
		case "redis-key":
			cfg.RedisKey = flagged.RedisKey
		case "field-tracking":
			cfg.FieldTracking = flagged.FieldTracking
		case "field-warn-threshold":
			cfg.FieldWarnThreshold = flagged.FieldWarnThreshold
		case "stats-addr":
			cfg.StatsAddr = flagged.StatsAddr
		case "log-level":
			cfg.LogLevel = flagged.LogLevel
		case "memory-limit-ratio":
			cfg.MemoryLimitRatio = flagged.MemoryLimitRatio
		case "telemetry-endpoint":
			cfg.TelemetryEndpoint = flagged.TelemetryEndpoint
		case "telemetry-protocol":
			cfg.TelemetryProtocol = flagged.TelemetryProtocol
		case "telemetry-insecure":
			cfg.TelemetryInsecure = flagged.TelemetryInsecure
		case "validate":
			cfg.ValidateOnly = flagged.ValidateOnly
		case "help", "h":
			cfg.ShowHelp = flagged.ShowHelp
		case "version", "v":
			cfg.ShowVersion = flagged.ShowVersion
		}
	})
}

// TDClientConfig returns the remote client settings. The API key is
// resolved separately by ResolveAPIKey.
func (c *Config) TDClientConfig(apiKey string) tdclient.Config {
	tries := c.RetryMaxTries
	if tries < 1 {
		tries = 1
	}
	return tdclient.Config{
		APIKey:         apiKey,
		Endpoint:       c.Endpoint,
		UseSSL:         c.UseSSL,
		HTTPProxy:      c.HTTPProxy,
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		SendTimeout:    c.SendTimeout,
		TLS: tlspkg.ClientConfig{
			Enabled:            c.TLSCAFile != "" || c.TLSCertFile != "" || c.TLSInsecureSkipVerify || c.TLSServerName != "" || c.TLSMinVersion != "",
			CertFile:           c.TLSCertFile,
			KeyFile:            c.TLSKeyFile,
			CAFile:             c.TLSCAFile,
			InsecureSkipVerify: c.TLSInsecureSkipVerify,
			ServerName:         c.TLSServerName,
			MinVersion:         c.TLSMinVersion,
		},
		Version:              version,
		MaxTries:             uint(tries),
		RetryInitialInterval: c.RetryInitialInterval,
		RetryMaxInterval:     c.RetryMaxInterval,
		RetryMaxElapsedTime:  c.RetryMaxElapsedTime,
	}
}

// ShipperConfig returns the output settings. Callbacks are left unset.
func (c *Config) ShipperConfig() (shipper.Config, error) {
	policy, err := buffer.ParsePolicy(c.FullBufferPolicy)
	if err != nil {
		return shipper.Config{}, err
	}
	tokens, err := chunk.ParseTokenMode(c.TokenReuse)
	if err != nil {
		return shipper.Config{}, err
	}
	fields, err := c.FieldConfig()
	if err != nil {
		return shipper.Config{}, err
	}
	return shipper.Config{
		Database:         c.Database,
		Table:            c.Table,
		AutoCreateTable:  c.AutoCreateTable,
		FlushSize:        c.FlushSize,
		FlushInterval:    c.FlushInterval,
		MaxPending:       c.MaxPending,
		FullBufferPolicy: policy,
		TokenReuse:       tokens,
		Compression:      compression.Level(c.CompressionLevel),
		RetryQueue: shipper.RetryQueueConfig{
			Enabled:    c.RetryQueueEnabled,
			MaxBatches: c.RetryQueueMaxBatches,
			MaxBytes:   c.RetryQueueMaxBytes,
			Interval:   c.RetryQueueInterval,
		},
		Fields: fields,
	}, nil
}

// FieldConfig returns the field tracking settings, or nil when tracking is off.
func (c *Config) FieldConfig() (*cardinality.Config, error) {
	if c.FieldTracking == "off" {
		return nil, nil
	}
	mode, err := cardinality.ParseMode(c.FieldTracking)
	if err != nil {
		return nil, err
	}
	return &cardinality.Config{
		Mode:              mode,
		ExpectedItems:     c.FieldExpectedItems,
		FalsePositiveRate: c.FieldFalsePositiveRate,
		WarnThreshold:     c.FieldWarnThreshold,
	}, nil
}

// HTTPReceiverConfig returns the HTTP receiver settings.
func (c *Config) HTTPReceiverConfig() receiver.HTTPConfig {
	return receiver.HTTPConfig{
		Addr: c.HTTPListenAddr,
		TLS: tlspkg.ServerConfig{
			Enabled:    c.HTTPTLSEnabled,
			CertFile:   c.HTTPTLSCertFile,
			KeyFile:    c.HTTPTLSKeyFile,
			CAFile:     c.HTTPTLSCAFile,
			ClientAuth: c.HTTPTLSClientAuth,
		},
		Server: receiver.HTTPServerConfig{
			MaxRequestBodySize: c.HTTPMaxRequestBodySize,
			ReadTimeout:        c.HTTPReadTimeout,
			ReadHeaderTimeout:  c.HTTPReadHeaderTimeout,
			WriteTimeout:       c.HTTPWriteTimeout,
			IdleTimeout:        c.HTTPIdleTimeout,
		},
	}
}

// RedisConfig returns the Redis list source settings.
func (c *Config) RedisConfig() receiver.RedisConfig {
	return receiver.RedisConfig{
		URL:        c.RedisURL,
		Key:        c.RedisKey,
		PopTimeout: c.RedisPopTimeout,
	}
}

// TelemetryConfig returns the OTLP self telemetry settings.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Endpoint:        c.TelemetryEndpoint,
		Protocol:        telemetry.Protocol(c.TelemetryProtocol),
		Insecure:        c.TelemetryInsecure,
		Timeout:         c.TelemetryTimeout,
		PushInterval:    c.TelemetryPushInterval,
		Gzip:            c.TelemetryGzip,
		Headers:         c.TelemetryHeaders,
		ShutdownTimeout: c.TelemetryShutdownTimeout,
	}
}

// PrintUsage prints the flag summary to w.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, `td-shipper - buffered batch shipper for the Treasure Data import API

USAGE:
    td-shipper -database <db> -table <table> [OPTIONS]

DESCRIPTION:
    Receives records over HTTP (POST %s) and from a Redis list, buffers
    them and imports gzip-compressed msgpack chunks with an idempotency
    token. Missing targets are created once when auto-create is enabled.

OPTIONS:
`, receiver.RecordsPath)
	fs := flag.NewFlagSet("td-shipper", flag.ContinueOnError)
	fs.String("config", "", "Path to YAML configuration file (flags override it)")
	bindFlags(fs, DefaultConfig())
	fs.SetOutput(w)
	fs.PrintDefaults()
}

// PrintVersion prints the version to w.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "td-shipper version %s\n", version)
}
