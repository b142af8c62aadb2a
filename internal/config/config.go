// Package config provides centralized configuration for the ingestion
// service. Settings come from environment variables with struct-tag
// defaults and are validated on startup so misconfiguration fails fast.
package config

import "time"

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Blob     BlobConfig
	Ingest   IngestConfig
	Dispatch DispatchConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request body
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing a response
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// IdleTimeout is the keep-alive timeout
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including draining
	// in-flight ingestion runs
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds job store connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of pooled connections
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections kept open
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime closes connections idle longer than this
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// BlobConfig holds object storage settings for uploads and spilled
// partitions.
type BlobConfig struct {
	// Endpoint is the S3-compatible endpoint host:port (required)
	Endpoint string `env:"BLOB_ENDPOINT" required:"true"`

	// AccessKey / SecretKey authenticate against the endpoint
	AccessKey string `env:"BLOB_ACCESS_KEY" required:"true"`
	SecretKey string `env:"BLOB_SECRET_KEY" required:"true"`

	// Bucket is the bucket holding uploads and partitions
	Bucket string `env:"BLOB_BUCKET" default:"ingest"`

	// UseSSL enables TLS towards the endpoint
	UseSSL bool `env:"BLOB_USE_SSL" default:"false"`
}

// IngestConfig holds the pipeline limits.
type IngestConfig struct {
	// MaxFileSize rejects uploads larger than this before parsing (default: 50MB)
	MaxFileSize int64 `env:"INGEST_MAX_FILE_SIZE" default:"52428800"`

	// BatchSize is records per atomic write group; stays under the job
	// store's atomic-write-group limit
	BatchSize int `env:"INGEST_BATCH_SIZE" default:"400"`

	// PartitionSize is rows per partition when a job is split
	PartitionSize int `env:"INGEST_PARTITION_SIZE" default:"2000"`

	// PartitionThreshold is the row count above which a job is partitioned
	PartitionThreshold int `env:"INGEST_PARTITION_THRESHOLD" default:"5000"`

	// ProgressInterval is rows between progress writes
	ProgressInterval int `env:"INGEST_PROGRESS_INTERVAL" default:"100"`

	// MaxConcurrent bounds simultaneous ingestion runs
	MaxConcurrent int `env:"INGEST_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long a new run waits for a slot
	MaxWaitTime time.Duration `env:"INGEST_MAX_WAIT_TIME" default:"30s"`

	// ExecutionCeiling is the hard per-run time limit
	ExecutionCeiling time.Duration `env:"INGEST_EXECUTION_CEILING" default:"9m"`

	// WarnThreshold is when a running validation stops consuming rows and
	// falls back to partitioning the remainder
	WarnThreshold time.Duration `env:"INGEST_WARN_THRESHOLD" default:"8m"`
}

// DispatchConfig holds partition task dispatch settings.
type DispatchConfig struct {
	// WorkerURL is where partition tasks are POSTed (required)
	WorkerURL string `env:"DISPATCH_WORKER_URL" required:"true"`

	// Timeout bounds one dispatch call
	Timeout time.Duration `env:"DISPATCH_TIMEOUT" default:"30s"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
