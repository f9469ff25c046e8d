package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jessevdk/go-flags"
)

// DefaultListenerPort is the local port the Logs API pushes to
const DefaultListenerPort = 1060

type Config struct {
	// Lambda control plane (host:port)
	RuntimeAPI string

	// Local Logs API listener
	ListenerPort int

	// Process logging
	LogLevel    string
	AppName     string
	Environment string

	// Loki endpoint (required)
	LokiEndpoint string

	// Authentication
	LokiUsername string
	LokiPassword string
	LokiAPIKey   string
	LokiTenantID string

	// Batching
	BatchSize           int
	MaxBatchSizeBytes   int // 0 = no limit
	FlushIntervalMs     int
	IdleFlushMultiplier int

	// Reliability
	MaxRetries           int
	CriticalFlushRetries int // shutdown and runtimeDone flushes
	EnableGzip           bool
	CompressionThreshold int // bytes

	// Custom labels
	Labels map[string]string

	// Buffer capacity (0 = unbounded)
	BufferSize int

	// Max bytes per log line (0 = no limit)
	MaxLineSize int

	// Embed the invocation request id into shipped lines
	ExtractRequestID bool
}

// options maps flags and environment variables onto Config. Boolean
// settings that default to true are strings because go-flags booleans can
// only be switched on.
type options struct {
	RuntimeAPI   string `long:"runtime-api" env:"AWS_LAMBDA_RUNTIME_API" default:"127.0.0.1:9001" description:"Lambda runtime API host:port"`
	ListenerPort int    `long:"listener-port" env:"LOGS_LISTENER_PORT" default:"1060" description:"port the Logs API pushes batches to"`
	LogLevel     string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"log level"`
	AppName      string `long:"app-name" env:"APP_NAME" description:"application name attached to extension logs"`
	ServiceName  string `long:"service-name" env:"SERVICE_NAME" description:"service name label"`
	Environment  string `long:"environment" env:"NODE_ENV" default:"unknown" description:"deployment environment"`

	LokiEndpoint string `long:"loki-url" env:"LOKI_URL" description:"Loki push endpoint"`
	LokiUsername string `long:"loki-username" env:"LOKI_USERNAME"`
	LokiPassword string `long:"loki-password" env:"LOKI_PASSWORD"`
	LokiAPIKey   string `long:"loki-api-key" env:"LOKI_API_KEY"`
	LokiTenantID string `long:"loki-tenant-id" env:"LOKI_TENANT_ID"`
	LokiLabels   string `long:"loki-labels" env:"LOKI_LABELS" description:"JSON object of extra stream labels"`

	BatchSize           int `long:"loki-batch-size" env:"LOKI_BATCH_SIZE" default:"100"`
	MaxBatchSizeBytes   int `long:"loki-max-batch-size-bytes" env:"LOKI_MAX_BATCH_SIZE_BYTES" default:"5242880"`
	FlushIntervalMs     int `long:"loki-flush-interval-ms" env:"LOKI_FLUSH_INTERVAL_MS" default:"1000"`
	IdleFlushMultiplier int `long:"loki-idle-flush-multiplier" env:"LOKI_IDLE_FLUSH_MULTIPLIER" default:"3"`

	MaxRetries           int    `long:"loki-max-retries" env:"LOKI_MAX_RETRIES" default:"3"`
	CriticalFlushRetries int    `long:"loki-critical-flush-retries" env:"LOKI_CRITICAL_FLUSH_RETRIES" default:"5"`
	EnableGzip           string `long:"loki-enable-gzip" env:"LOKI_ENABLE_GZIP" default:"true"`
	CompressionThreshold int    `long:"loki-compression-threshold" env:"LOKI_COMPRESSION_THRESHOLD" default:"1024"`

	BufferSize       int    `long:"buffer-size" env:"BUFFER_SIZE" default:"0"`
	MaxLineSize      int    `long:"loki-max-line-size" env:"LOKI_MAX_LINE_SIZE" default:"204800"`
	ExtractRequestID string `long:"loki-extract-request-id" env:"LOKI_EXTRACT_REQUEST_ID" default:"true"`
}

// Load reads configuration from command line arguments and the environment.
// Unknown arguments are ignored.
func Load(args []string) (*Config, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Config{
		RuntimeAPI:           opts.RuntimeAPI,
		ListenerPort:         opts.ListenerPort,
		LogLevel:             opts.LogLevel,
		AppName:              opts.AppName,
		Environment:          opts.Environment,
		LokiEndpoint:         opts.LokiEndpoint,
		LokiUsername:         opts.LokiUsername,
		LokiPassword:         opts.LokiPassword,
		LokiAPIKey:           opts.LokiAPIKey,
		LokiTenantID:         opts.LokiTenantID,
		BatchSize:            opts.BatchSize,
		MaxBatchSizeBytes:    opts.MaxBatchSizeBytes,
		FlushIntervalMs:      opts.FlushIntervalMs,
		IdleFlushMultiplier:  opts.IdleFlushMultiplier,
		MaxRetries:           opts.MaxRetries,
		CriticalFlushRetries: opts.CriticalFlushRetries,
		EnableGzip:           parseBool(opts.EnableGzip, true),
		CompressionThreshold: opts.CompressionThreshold,
		BufferSize:           opts.BufferSize,
		MaxLineSize:          opts.MaxLineSize,
		ExtractRequestID:     parseBool(opts.ExtractRequestID, true),
		Labels:               make(map[string]string),
	}

	if cfg.AppName == "" {
		cfg.AppName = opts.ServiceName
	}

	// Parse custom labels from JSON
	if opts.LokiLabels != "" {
		if err := json.Unmarshal([]byte(opts.LokiLabels), &cfg.Labels); err != nil {
			return nil, fmt.Errorf("invalid LOKI_LABELS: %w", err)
		}
	}

	if opts.ServiceName != "" {
		cfg.Labels["service_name"] = opts.ServiceName
	}

	return cfg, nil
}

// Validate checks the settings the extension cannot run without
func (c *Config) Validate() error {
	if c.LokiEndpoint == "" {
		return errors.New("LOKI_URL environment variable is required")
	}
	if c.ListenerPort <= 0 || c.ListenerPort > 65535 {
		return fmt.Errorf("invalid listener port %d", c.ListenerPort)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("LOKI_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.FlushIntervalMs <= 0 {
		return fmt.Errorf("LOKI_FLUSH_INTERVAL_MS must be positive, got %d", c.FlushIntervalMs)
	}
	if c.IdleFlushMultiplier <= 0 {
		return fmt.Errorf("LOKI_IDLE_FLUSH_MULTIPLIER must be positive, got %d", c.IdleFlushMultiplier)
	}
	return nil
}

func parseBool(val string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return defaultVal
}
