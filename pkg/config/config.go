// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Worker, Postgres, Kafka, Redis, ClickHouse, ObjectStorage, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Worker        WorkerConfig        `yaml:"worker"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Redis         RedisConfig         `yaml:"redis"`
	ClickHouse    ClickHouseConfig    `yaml:"clickhouse"`
	ObjectStorage ObjectStorageConfig `yaml:"objectStorage"`
	JobQueue      JobQueueConfig      `yaml:"jobQueue"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// WorkerConfig holds the ingestion worker's HTTP (health) server settings.
type WorkerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker, topic, and producer batching settings.
type KafkaConfig struct {
	Brokers            []string      `yaml:"brokers"`
	ConsumerGroup      string        `yaml:"consumerGroup"`
	Topics             KafkaTopics   `yaml:"topics"`
	ProducerBatchSize  int           `yaml:"producerBatchSize"`
	ProducerFlushEvery time.Duration `yaml:"producerFlushEvery"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	RawEvents              string `yaml:"rawEvents"`
	Events                 string `yaml:"events"`
	SessionRecordingEvents string `yaml:"sessionRecordingEvents"`
	IngestionWarnings      string `yaml:"ingestionWarnings"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"poolSize"`
	MinIdleConns   int           `yaml:"minIdleConns"`
	TenantCacheTTL time.Duration `yaml:"tenantCacheTTL"`
}

// ClickHouseConfig holds the columnar analytical store connection parameters.
// The store is written to by downstream consumers of the events topics; the
// worker only holds a client for liveness probing and health checks.
type ClickHouseConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Database    string        `yaml:"database"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// ObjectStorageConfig holds the S3-compatible object storage probe settings.
// Object storage is optional; an unreachable bucket degrades the worker's
// health report instead of failing startup.
type ObjectStorageConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// JobQueueConfig controls the Postgres-backed job queue producer. When
// Optional is false a failed connection at startup is fatal.
type JobQueueConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Optional bool   `yaml:"optional"`
	Table    string `yaml:"table"`
}

// PipelineConfig controls per-event processing behavior.
type PipelineConfig struct {
	WatchdogTimeout  time.Duration `yaml:"watchdogTimeout"`
	WarningsInterval time.Duration `yaml:"warningsInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "tidewave",
			User:            "tidewave",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "tidewave-ingestion",
			Topics: KafkaTopics{
				RawEvents:              "raw_events",
				Events:                 "events_json",
				SessionRecordingEvents: "session_recording_events",
				IngestionWarnings:      "ingestion_warnings",
			},
			ProducerBatchSize:  100,
			ProducerFlushEvery: 500 * time.Millisecond,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			Password:       "",
			DB:             0,
			PoolSize:       10,
			MinIdleConns:   2,
			TenantCacheTTL: 2 * time.Minute,
		},
		ClickHouse: ClickHouseConfig{
			Enabled:     true,
			Addr:        "localhost:9000",
			Database:    "default",
			User:        "default",
			Password:    "",
			DialTimeout: 5 * time.Second,
		},
		ObjectStorage: ObjectStorageConfig{
			Enabled: false,
			Bucket:  "tidewave-assets",
			Region:  "us-east-1",
		},
		JobQueue: JobQueueConfig{
			Enabled:  true,
			Optional: false,
			Table:    "job_queue",
		},
		Pipeline: PipelineConfig{
			WatchdogTimeout:  30 * time.Second,
			WarningsInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads TW_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TW_WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Port = port
		}
	}
	if v := os.Getenv("TW_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("TW_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("TW_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("TW_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("TW_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("TW_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("TW_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("TW_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("TW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TW_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TW_CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = v
	}
	if v := os.Getenv("TW_CLICKHOUSE_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.ClickHouse.Enabled = enabled
		}
	}
	if v := os.Getenv("TW_OBJECT_STORAGE_BUCKET"); v != "" {
		cfg.ObjectStorage.Bucket = v
		cfg.ObjectStorage.Enabled = true
	}
	if v := os.Getenv("TW_OBJECT_STORAGE_ENDPOINT"); v != "" {
		cfg.ObjectStorage.Endpoint = v
	}
	if v := os.Getenv("TW_JOB_QUEUE_OPTIONAL"); v != "" {
		if optional, err := strconv.ParseBool(v); err == nil {
			cfg.JobQueue.Optional = optional
		}
	}
	if v := os.Getenv("TW_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TW_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("TW_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
