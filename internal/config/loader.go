package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "costgate.yaml"

// DefaultEnvFile is the optional dotenv file loaded before reading the environment.
const DefaultEnvFile = ".env"

// Load returns a Config using the hierarchy: defaults < YAML < .env < ENV.
// Both files are optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < .env < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadDotEnv(DefaultEnvFile); err != nil {
		return nil, fmt.Errorf("config dotenv: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadDotEnv populates the process environment from a dotenv file.
// Variables already set in the environment win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "COSTGATE_PORT")
	setString(&cfg.Server.CORSOrigin, "COSTGATE_CORS_ORIGIN")
	setString(&cfg.Server.AdminRole, "COSTGATE_ADMIN_ROLE")
	setDuration(&cfg.Server.RequestTimeout, "COSTGATE_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "COSTGATE_SHUTDOWN_TIMEOUT")

	setString(&cfg.Storage.Backend, "COSTGATE_STORAGE_BACKEND")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "COSTGATE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "COSTGATE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "COSTGATE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "COSTGATE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "COSTGATE_PG_HEALTH_CHECK")
	setString(&cfg.SQLite.Path, "COSTGATE_SQLITE_PATH")
	setDuration(&cfg.SQLite.BusyTimeout, "COSTGATE_SQLITE_BUSY_TIMEOUT")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COSTGATE_REDIS_DB")
	setString(&cfg.Redis.KeyPrefix, "COSTGATE_REDIS_PREFIX")
	setString(&cfg.NATS.URL, "NATS_URL")

	// Cache
	setDuration(&cfg.Cache.TTL, "COSTGATE_CACHE_TTL")
	setDuration(&cfg.Cache.RoleTTL, "COSTGATE_CACHE_ROLE_TTL")
	setInt64(&cfg.Cache.L1MaxSizeMB, "COSTGATE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "COSTGATE_CACHE_L2_BUCKET")

	// Quota policy
	setBool(&cfg.Quota.FailOpen, "COSTGATE_FAIL_OPEN")
	setFloat64(&cfg.Quota.WarnThreshold, "COSTGATE_WARN_THRESHOLD")
	setStrings(&cfg.Quota.WarnActions, "COSTGATE_WARN_ACTIONS")
	setDuration(&cfg.Quota.WarnCooldown, "COSTGATE_WARN_COOLDOWN")

	setString(&cfg.Ledger.Backend, "COSTGATE_LEDGER_BACKEND")
	setString(&cfg.Rollup.Dispatch, "COSTGATE_ROLLUP_DISPATCH")
	setString(&cfg.Rollup.Group, "COSTGATE_ROLLUP_GROUP")
	setInt(&cfg.Worker.Workers, "COSTGATE_WORKERS")
	setInt(&cfg.Worker.QueueSize, "COSTGATE_WORKER_QUEUE")
	setInt(&cfg.Breaker.MaxFailures, "COSTGATE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "COSTGATE_BREAKER_TIMEOUT")

	setString(&cfg.Logging.Level, "COSTGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "COSTGATE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "COSTGATE_LOG_ASYNC")

	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "COSTGATE_OTEL_INSECURE")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setFloat64(&cfg.OTEL.SampleRate, "COSTGATE_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Storage.Backend {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "sqlite":
		if cfg.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	default:
		return fmt.Errorf("storage.backend must be sqlite or postgres, got %q", cfg.Storage.Backend)
	}
	switch cfg.Ledger.Backend {
	case "store":
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr is required for ledger.backend=redis")
		}
	default:
		return fmt.Errorf("ledger.backend must be store or redis, got %q", cfg.Ledger.Backend)
	}
	switch cfg.Rollup.Dispatch {
	case "local":
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required for rollup.dispatch=nats")
		}
		if cfg.Rollup.Group == "" {
			return errors.New("rollup.group is required for rollup.dispatch=nats")
		}
	default:
		return fmt.Errorf("rollup.dispatch must be local or nats, got %q", cfg.Rollup.Dispatch)
	}
	if cfg.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be > 0")
	}
	if cfg.Cache.RoleTTL < 0 || cfg.Cache.RoleTTL > cfg.Cache.TTL {
		return errors.New("cache.role_ttl must be between 0 and cache.ttl")
	}
	if cfg.Cache.L1MaxSizeMB < 1 {
		return errors.New("cache.l1_max_size_mb must be >= 1")
	}
	if cfg.Quota.WarnThreshold <= 0 || cfg.Quota.WarnThreshold > 1 {
		return errors.New("quota.warn_threshold must be in (0, 1]")
	}
	if cfg.Worker.Workers < 1 {
		return errors.New("worker.workers must be >= 1")
	}
	if cfg.Worker.QueueSize < 1 {
		return errors.New("worker.queue_size must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setStrings parses a comma-separated list.
func setStrings(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Overrides holds values supplied on the command line. Nil fields are unset.
// They take precedence over every other source.
type Overrides struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	Storage    *string
}

// LoadWithOverrides loads the hierarchy from the override config path (or
// DefaultConfigFile), then applies o. It returns the YAML path it used.
func LoadWithOverrides(o Overrides) (*Config, string, error) {
	path := DefaultConfigFile
	if o.ConfigPath != nil && *o.ConfigPath != "" {
		path = *o.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}
	if err := loadDotEnv(DefaultEnvFile); err != nil {
		return nil, "", fmt.Errorf("config dotenv: %w", err)
	}
	loadEnv(&cfg)
	applyOverrides(&cfg, o)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Port != nil {
		cfg.Server.Port = *o.Port
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.DSN != nil {
		cfg.Postgres.DSN = *o.DSN
	}
	if o.NatsURL != nil {
		cfg.NATS.URL = *o.NatsURL
	}
	if o.Storage != nil {
		cfg.Storage.Backend = *o.Storage
	}
}
