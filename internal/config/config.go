package config

import (
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Ledger  Ledger  `yaml:"ledger"`
	Events  Events  `yaml:"events"`
	Log     Log     `yaml:"log"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Storage struct {
	Driver string `yaml:"driver"`
	// DSN is a postgres connection string or a sqlite file path.
	DSN string `yaml:"dsn"`
}

type Ledger struct {
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	LockRetries   int           `yaml:"lock_retries"`
	RetryMinDelay time.Duration `yaml:"retry_min_delay"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

type Events struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// OutboxDir enables the WAL outbox when set.
	OutboxDir string `yaml:"outbox_dir"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		Server: Server{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Storage: Storage{
			Driver: DriverMemory,
		},
		Ledger: Ledger{
			LockTimeout:   2 * time.Second,
			LockRetries:   3,
			RetryMinDelay: 10 * time.Millisecond,
			RetryMaxDelay: 250 * time.Millisecond,
		},
		Events: Events{Topic: "transaction_completed"},
		Log:    Log{Level: "info"},
	}
}

// Load builds the configuration from defaults, a .env file in the working
// directory, the YAML file at path (skipped when empty) and finally LEDGER_*
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load .env")
	}

	if path == "" {
		path = os.Getenv("LEDGER_CONFIG")
	}
	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(f, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("LEDGER_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LEDGER_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("LEDGER_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LEDGER_KAFKA_BROKERS"); v != "" {
		cfg.Events.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("LEDGER_KAFKA_TOPIC"); v != "" {
		cfg.Events.Topic = v
	}
	if v := os.Getenv("LEDGER_OUTBOX_DIR"); v != "" {
		cfg.Events.OutboxDir = v
	}
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LEDGER_LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "invalid LEDGER_LOCK_TIMEOUT %q", v)
		}
		cfg.Ledger.LockTimeout = d
	}
	if v := os.Getenv("LEDGER_LOCK_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid LEDGER_LOCK_RETRIES %q", v)
		}
		cfg.Ledger.LockRetries = n
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Storage.DSN == "" {
			return errors.Errorf("storage driver %s requires a dsn", c.Storage.Driver)
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Ledger.LockTimeout <= 0 {
		return errors.Errorf("lock_timeout must be > 0, got %s", c.Ledger.LockTimeout)
	}
	if c.Ledger.LockRetries < 0 {
		return errors.Errorf("lock_retries must be >= 0, got %d", c.Ledger.LockRetries)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	return nil
}

// NewLogger builds the zap logger described by the log section.
func (l Log) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
