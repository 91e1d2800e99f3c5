package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "RBE_REPORTER_"

// ConfigPathEnv names the variable holding the default config file path.
const ConfigPathEnv = EnvPrefix + "CONFIG"

type Config struct {
	Worker  WorkerConfig  `yaml:"worker" envPrefix:"WORKER_"`
	Digest  DigestConfig  `yaml:"digest" envPrefix:"DIGEST_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Upload  UploadConfig  `yaml:"upload" envPrefix:"UPLOAD_"`
	Lease   LeaseConfig   `yaml:"lease" envPrefix:"LEASE_"`
	Journal JournalConfig `yaml:"journal" envPrefix:"JOURNAL_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

type WorkerConfig struct {
	ID         string `yaml:"id" env:"ID"` // generated when empty
	Slots      int    `yaml:"slots" env:"SLOTS"`
	QueueSize  int    `yaml:"queue_size" env:"QUEUE_SIZE"`
	StageLabel string `yaml:"stage_label" env:"STAGE_LABEL"`
}

type DigestConfig struct {
	Function string `yaml:"function" env:"FUNCTION"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend" env:"BACKEND"` // local | mem | gcs | s3
	LocalDir    string `yaml:"local_dir" env:"LOCAL_DIR"`
	GCSBucket   string `yaml:"gcs_bucket" env:"GCS_BUCKET"`
	S3Bucket    string `yaml:"s3_bucket" env:"S3_BUCKET"`
	S3Endpoint  string `yaml:"s3_endpoint" env:"S3_ENDPOINT"`
	S3Region    string `yaml:"s3_region" env:"S3_REGION"`
	Prefix      string `yaml:"prefix" env:"PREFIX"`
	Compression string `yaml:"compression" env:"COMPRESSION"` // none | zstd
}

type UploadConfig struct {
	Concurrency    int           `yaml:"concurrency" env:"CONCURRENCY"`
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type LeaseConfig struct {
	Backend       string        `yaml:"backend" env:"BACKEND"` // none | redis
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	KeyPrefix     string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	Period        time.Duration `yaml:"period" env:"PERIOD"`
	Deadline      time.Duration `yaml:"deadline" env:"DEADLINE"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
}

type JournalConfig struct {
	Backend     string `yaml:"backend" env:"BACKEND"` // none | file | postgres | http
	Dir         string `yaml:"dir" env:"DIR"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
}

type LoggingConfig struct {
	Format string `yaml:"format" env:"FORMAT"`
	Level  string `yaml:"level" env:"LEVEL"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Address   string `yaml:"address" env:"ADDRESS"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			Slots:      4,
			QueueSize:  16,
			StageLabel: "ReportResultStage",
		},
		Digest: DigestConfig{Function: "sha256"},
		Storage: StorageConfig{
			Backend:     "local",
			LocalDir:    "./cas",
			Compression: "none",
		},
		Upload: UploadConfig{
			Concurrency:    8,
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Timeout:        5 * time.Minute,
		},
		Lease: LeaseConfig{
			Backend:   "none",
			RedisAddr: "localhost:6379",
			KeyPrefix: "rbe:lease:",
			Period:    10 * time.Second,
			Deadline:  60 * time.Second,
			TTL:       30 * time.Second,
		},
		Journal: JournalConfig{
			Backend: "none",
			Dir:     "./journal",
		},
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Metrics: MetricsConfig{Address: ":9090", Namespace: "rbe_reporter"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then the environment.
func Load(path string, environ []string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
		Prefix:      EnvPrefix,
	})
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can work with.
func (c Config) Validate() error {
	var errs []error

	if c.Worker.Slots < 1 {
		errs = append(errs, fmt.Errorf("worker.slots must be positive, got %d", c.Worker.Slots))
	}
	if c.Worker.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("worker.queue_size must not be negative, got %d", c.Worker.QueueSize))
	}
	switch c.Storage.Backend {
	case "local", "mem", "gcs", "s3":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Lease.Backend {
	case "none", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown lease backend %q", c.Lease.Backend))
	}
	if c.Lease.Period <= 0 {
		errs = append(errs, fmt.Errorf("lease.period must be positive"))
	}
	if c.Lease.Deadline < c.Lease.Period {
		errs = append(errs, fmt.Errorf("lease.deadline (%s) must not be shorter than lease.period (%s)", c.Lease.Deadline, c.Lease.Period))
	}
	switch c.Journal.Backend {
	case "none", "file":
	case "postgres":
		if c.Journal.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("journal.postgres_dsn required for postgres journal"))
		}
	case "http":
		if c.Journal.Endpoint == "" {
			errs = append(errs, fmt.Errorf("journal.endpoint required for http journal"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal backend %q", c.Journal.Backend))
	}

	return errors.Join(errs...)
}

// MustLoad loads the configuration from the file at path (if any) and the
// process environment, exiting on error.
func MustLoad(path string) Config {
	log.Printf("[config] loading %s", path)

	cfg, err := Load(path, os.Environ())
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}
