package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "config/config.yml"

	StorageLocal    = "local"
	StorageS3       = "s3"
	StoragePostgres = "postgres"

	LockNone  = "none"
	LockFile  = "file"
	LockRedis = "redis"

	AckArchive = "archive"
	AckDelete  = "delete"
)

type Config struct {
	Cryptometrics AppConfig       `yaml:"cryptometrics"`
	Pipeline      PipelineConfig  `yaml:"pipeline"`
	Filter        FilterConfig    `yaml:"filter"`
	Snapshots     SnapshotsConfig `yaml:"snapshots"`
	Storage       StorageConfig   `yaml:"storage"`
	Lock          LockConfig      `yaml:"lock"`
	Collector     CollectorConfig `yaml:"collector"`
	Metrics       MetricsConfig   `yaml:"metrics"`
	Logging       LoggingConfig   `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type PipelineConfig struct {
	Window             time.Duration `yaml:"window"`
	RetentionHorizon   time.Duration `yaml:"retention_horizon"`
	MinResultThreshold int           `yaml:"min_result_threshold"`
	ValueField         string        `yaml:"value_field"`
	AckMode            string        `yaml:"ack_mode"`
	CycleTimeout       time.Duration `yaml:"cycle_timeout"`
	Schedule           string        `yaml:"schedule"`
}

// FilterConfig holds glob patterns (path.Match syntax) applied to the parsed
// key components. An empty pattern matches everything.
type FilterConfig struct {
	Market   string `yaml:"market"`
	Exchange string `yaml:"exchange"`
	Asset    string `yaml:"asset"`
}

type SnapshotsConfig struct {
	IngestPrefix  string `yaml:"ingest_prefix"`
	ArchivePrefix string `yaml:"archive_prefix"`
}

type StorageConfig struct {
	Backend      string         `yaml:"backend"`
	Local        LocalConfig    `yaml:"local"`
	S3           S3Config       `yaml:"s3"`
	Postgres     PostgresConfig `yaml:"postgres"`
	Parquet      ParquetConfig  `yaml:"parquet"`
	TablePrefix  string         `yaml:"table_prefix"`
	KeepVersions int            `yaml:"keep_versions"`
}

type LocalConfig struct {
	Root string `yaml:"root"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	Table        string `yaml:"table"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
}

type LockConfig struct {
	Backend string        `yaml:"backend"`
	Key     string        `yaml:"key"`
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CollectorConfig struct {
	Endpoints         []string      `yaml:"endpoints"`
	APIKey            string        `yaml:"api_key"`
	MinResults        int           `yaml:"min_results"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	ListenAddr string           `yaml:"listen_addr"`
	// History bounds the recent metric events and log lines kept for the
	// status endpoints.
	History int `yaml:"history"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for any value the YAML file omits.
func Default() Config {
	return Config{
		Cryptometrics: AppConfig{Name: "cryptometrics", Version: "dev"},
		Pipeline: PipelineConfig{
			Window:             24 * time.Hour,
			MinResultThreshold: 1,
			ValueField:         "price_last",
			AckMode:            AckArchive,
			CycleTimeout:       5 * time.Minute,
			Schedule:           "@every 5m",
		},
		Filter: FilterConfig{
			Market:   "market",
			Exchange: "binance*",
			Asset:    "*usd",
		},
		Snapshots: SnapshotsConfig{
			IngestPrefix:  "ingest/",
			ArchivePrefix: "archive/",
		},
		Storage: StorageConfig{
			Backend:      StorageLocal,
			Local:        LocalConfig{Root: "data"},
			Postgres:     PostgresConfig{Table: "asset_metrics", MaxOpenConns: 4},
			Parquet:      ParquetConfig{Compression: "snappy"},
			TablePrefix:  "metrics/",
			KeepVersions: 3,
		},
		Lock: LockConfig{
			Backend: LockFile,
			Key:     "cryptometrics:pipeline",
			TTL:     10 * time.Minute,
		},
		Collector: CollectorConfig{
			Endpoints:         []string{"https://api.cryptowat.ch/markets/summaries"},
			MinResults:        100,
			Timeout:           30 * time.Second,
			RequestsPerSecond: 1,
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "CryptoMetrics"},
			History:    200,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Snapshots.IngestPrefix = normalizePrefix(config.Snapshots.IngestPrefix)
	config.Snapshots.ArchivePrefix = normalizePrefix(config.Snapshots.ArchivePrefix)
	config.Storage.TablePrefix = normalizePrefix(config.Storage.TablePrefix)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if config.Storage.Backend == StorageS3 {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Lock.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Lock.Redis.Password = v
	}
	if v := os.Getenv("CRYPTOWATCH_API_KEY"); v != "" {
		config.Collector.APIKey = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Cryptometrics.Name == "" {
		return fmt.Errorf("cryptometrics.name is required")
	}

	if cfg.Pipeline.Window <= 0 {
		return fmt.Errorf("pipeline.window must be greater than 0")
	}
	if cfg.Pipeline.RetentionHorizon < 0 {
		return fmt.Errorf("pipeline.retention_horizon must not be negative")
	}
	if cfg.Pipeline.RetentionHorizon > 0 && cfg.Pipeline.RetentionHorizon < cfg.Pipeline.Window {
		return fmt.Errorf("pipeline.retention_horizon must cover pipeline.window")
	}
	if cfg.Pipeline.MinResultThreshold < 0 {
		return fmt.Errorf("pipeline.min_result_threshold must not be negative")
	}
	if cfg.Pipeline.ValueField == "" {
		return fmt.Errorf("pipeline.value_field is required")
	}
	switch cfg.Pipeline.AckMode {
	case AckArchive, AckDelete:
	default:
		return fmt.Errorf("pipeline.ack_mode '%s' is invalid", cfg.Pipeline.AckMode)
	}
	if cfg.Pipeline.CycleTimeout <= 0 {
		return fmt.Errorf("pipeline.cycle_timeout must be greater than 0")
	}

	if cfg.Snapshots.IngestPrefix == "" {
		return fmt.Errorf("snapshots.ingest_prefix is required")
	}
	if cfg.Pipeline.AckMode == AckArchive && cfg.Snapshots.ArchivePrefix == cfg.Snapshots.IngestPrefix {
		return fmt.Errorf("snapshots.archive_prefix must differ from snapshots.ingest_prefix")
	}

	switch cfg.Storage.Backend {
	case StorageLocal:
		if cfg.Storage.Local.Root == "" {
			return fmt.Errorf("storage.local.root is required for the local backend")
		}
	case StorageS3:
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required for the s3 backend")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	case StoragePostgres:
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
		if !isValidIdentifier(cfg.Storage.Postgres.Table) {
			return fmt.Errorf("storage.postgres.table '%s' is invalid", cfg.Storage.Postgres.Table)
		}
		// raw snapshots still live on local disk
		if cfg.Storage.Local.Root == "" {
			return fmt.Errorf("storage.local.root is required for snapshots when using postgres")
		}
	default:
		return fmt.Errorf("storage.backend '%s' is invalid", cfg.Storage.Backend)
	}
	if cfg.Storage.KeepVersions < 1 {
		return fmt.Errorf("storage.keep_versions must be at least 1")
	}

	switch cfg.Lock.Backend {
	case LockNone, LockFile:
	case LockRedis:
		if cfg.Lock.Redis.Addr == "" {
			return fmt.Errorf("lock.redis.addr is required for the redis lock")
		}
	default:
		return fmt.Errorf("lock.backend '%s' is invalid", cfg.Lock.Backend)
	}
	if cfg.Lock.Backend != LockNone && cfg.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be greater than 0")
	}
	// a file lock only excludes runs on one host, a shared bucket needs more
	if cfg.Storage.Backend == StorageS3 && cfg.Lock.Backend != LockRedis {
		return fmt.Errorf("lock.backend '%s' cannot guard the s3 backend, use redis", cfg.Lock.Backend)
	}
	// the lock must not expire while its holder is still inside a cycle
	if cfg.Lock.Backend != LockNone && cfg.Lock.TTL <= cfg.Pipeline.CycleTimeout {
		return fmt.Errorf("lock.ttl (%s) must exceed pipeline.cycle_timeout (%s)", cfg.Lock.TTL, cfg.Pipeline.CycleTimeout)
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Namespace == "" {
		return fmt.Errorf("metrics.cloudwatch.namespace is required when CloudWatch is enabled")
	}

	return nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

var identifierRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func isValidIdentifier(name string) bool {
	return identifierRegexp.MatchString(name)
}
