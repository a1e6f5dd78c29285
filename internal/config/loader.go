package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "deskrelay.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path may be overridden with DESKRELAY_CONFIG.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("DESKRELAY_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
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
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
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

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "DESKRELAY_PORT")
	setString(&cfg.Server.CORSOrigin, "DESKRELAY_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "DESKRELAY_SHUTDOWN_TIMEOUT")
	setString(&cfg.Server.IngestKeyHash, "DESKRELAY_INGEST_KEY_HASH")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "DESKRELAY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "DESKRELAY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "DESKRELAY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "DESKRELAY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "DESKRELAY_PG_HEALTH_CHECK")
	setBool(&cfg.Postgres.AutoMigrate, "DESKRELAY_PG_AUTO_MIGRATE")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "DESKRELAY_NATS_STREAM")

	setString(&cfg.Auth.JWTSecret, "SECRET_KEY")
	setString(&cfg.Auth.JWTSecret, "DESKRELAY_JWT_SECRET")
	setString(&cfg.Auth.Issuer, "DESKRELAY_JWT_ISSUER")
	setDuration(&cfg.Auth.Leeway, "DESKRELAY_JWT_LEEWAY")
	setDuration(&cfg.Auth.DevTokenTTL, "DESKRELAY_DEV_TOKEN_TTL")

	setInt(&cfg.Gateway.SendBuffer, "DESKRELAY_SEND_BUFFER")
	setInt(&cfg.Gateway.DispatchBuffer, "DESKRELAY_DISPATCH_BUFFER")
	setDuration(&cfg.Gateway.WriteTimeout, "DESKRELAY_WRITE_TIMEOUT")
	setDuration(&cfg.Gateway.PingInterval, "DESKRELAY_PING_INTERVAL")
	setInt64(&cfg.Gateway.MaxMessageBytes, "DESKRELAY_MAX_MESSAGE_BYTES")
	setList(&cfg.Gateway.AllowedOrigins, "DESKRELAY_ALLOWED_ORIGINS")

	setInt64(&cfg.Cache.L1MaxSizeMB, "DESKRELAY_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "DESKRELAY_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.TTL, "DESKRELAY_CACHE_TTL")

	setInt(&cfg.Breaker.MaxFailures, "DESKRELAY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "DESKRELAY_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.FramesPerSecond, "DESKRELAY_RATE_FPS")
	setInt(&cfg.Rate.Burst, "DESKRELAY_RATE_BURST")
	setFloat64(&cfg.Rate.RequestsPerSecond, "DESKRELAY_RATE_RPS")
	setInt(&cfg.Rate.RequestBurst, "DESKRELAY_RATE_REQUEST_BURST")

	setString(&cfg.Logging.Level, "DESKRELAY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DESKRELAY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "DESKRELAY_LOG_ASYNC")

	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Otel.Insecure, "DESKRELAY_OTEL_INSECURE")
	setFloat64(&cfg.Otel.SampleRatio, "DESKRELAY_OTEL_SAMPLE_RATIO")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if cfg.Gateway.SendBuffer < 1 {
		return errors.New("gateway.send_buffer must be >= 1")
	}
	if cfg.Gateway.DispatchBuffer < 1 {
		return errors.New("gateway.dispatch_buffer must be >= 1")
	}
	if cfg.Gateway.MaxMessageBytes < 1024 {
		return errors.New("gateway.max_message_bytes must be >= 1024")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.FramesPerSecond <= 0 {
		return errors.New("rate.frames_per_second must be > 0")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Rate.RequestsPerSecond <= 0 || cfg.Rate.RequestBurst < 1 {
		return errors.New("rate.requests_per_second must be > 0 and rate.request_burst >= 1")
	}
	if cfg.Otel.SampleRatio < 0 || cfg.Otel.SampleRatio > 1 {
		return errors.New("otel.sample_ratio must be within [0, 1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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
