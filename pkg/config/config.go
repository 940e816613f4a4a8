// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem consumed by the indexer worker.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as
// human-readable strings ("5s", "250ms") or raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level application configuration.
type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	Stream  StreamConfig  `yaml:"stream"`
	Indexer IndexerConfig `yaml:"indexer"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RedisConfig holds broker connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// StreamConfig names the input and dead-letter streams and the consumer
// group identity of this process.
type StreamConfig struct {
	In            string `yaml:"in"`
	Group         string `yaml:"group"`
	Consumer      string `yaml:"consumer"`
	DeadLetter    string `yaml:"deadLetter"`
	DeadLetterCap int64  `yaml:"deadLetterCap"`
}

// IndexerConfig controls batching, recovery timing, and the on-disk sink
// and idempotency-ledger locations.
type IndexerConfig struct {
	BatchSize       int      `yaml:"batchSize"`
	BlockTimeout    Duration `yaml:"blockTimeout"`
	MinIdle         Duration `yaml:"minIdle"`
	DrainHistory    bool     `yaml:"drainHistory"`
	SinkPath        string   `yaml:"sinkPath"`
	LedgerPath      string   `yaml:"ledgerPath"`
	EnrichFromFiles bool     `yaml:"enrichFromFiles"`
}

// LoggingConfig controls structured logging level, format, and file output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

// MetricsConfig controls the Prometheus metrics and health server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values. A consumer identity is derived when none is configured, so
// multiple processes in the same group do not collide.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if cfg.Stream.Consumer == "" {
		cfg.Stream.Consumer = "ix-" + uuid.NewString()[:8]
	}
	return cfg, nil
}

// defaultConfig mirrors the stream and path layout used by the rest of the
// vision pipeline.
func defaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Stream: StreamConfig{
			In:            "frames.ingested",
			Group:         "indexer-worker",
			Consumer:      "",
			DeadLetter:    "frames.indexer.dlq",
			DeadLetterCap: 20000,
		},
		Indexer: IndexerConfig{
			BatchSize:       32,
			BlockTimeout:    Duration(5 * time.Second),
			MinIdle:         Duration(5 * time.Second),
			DrainHistory:    true,
			SinkPath:        "data/index/frames.ndjson",
			LedgerPath:      "data/index/.seen_ids.txt",
			EnrichFromFiles: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Dir:    "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads VP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VP_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("VP_STREAM_IN"); v != "" {
		cfg.Stream.In = v
	}
	if v := os.Getenv("VP_STREAM_GROUP"); v != "" {
		cfg.Stream.Group = v
	}
	if v := os.Getenv("VP_STREAM_CONSUMER"); v != "" {
		cfg.Stream.Consumer = v
	}
	if v := os.Getenv("VP_STREAM_DEAD_LETTER"); v != "" {
		cfg.Stream.DeadLetter = v
	}
	if v := os.Getenv("VP_INDEXER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.BatchSize = n
		}
	}
	if v := os.Getenv("VP_INDEXER_BLOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Indexer.BlockTimeout = Duration(d)
		}
	}
	if v := os.Getenv("VP_INDEXER_MIN_IDLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Indexer.MinIdle = Duration(d)
		}
	}
	if v := os.Getenv("VP_INDEXER_DRAIN_HISTORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Indexer.DrainHistory = b
		}
	}
	if v := os.Getenv("VP_INDEXER_SINK_PATH"); v != "" {
		cfg.Indexer.SinkPath = v
	}
	if v := os.Getenv("VP_INDEXER_LEDGER_PATH"); v != "" {
		cfg.Indexer.LedgerPath = v
	}
	if v := os.Getenv("VP_INDEXER_ENRICH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Indexer.EnrichFromFiles = b
		}
	}
	if v := os.Getenv("VP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("VP_LOGGING_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("VP_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
