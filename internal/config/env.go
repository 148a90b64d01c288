package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv applies environment overrides. Secrets in particular are
// expected to arrive this way rather than sitting in the YAML file.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("FLEETWATCH_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if port := os.Getenv("FLEETWATCH_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.MetricsPort = p
		}
	}
	if level := os.Getenv("FLEETWATCH_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}
	if timeout := os.Getenv("FLEETWATCH_PROBE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Probe.Timeout = d
		}
	}
	if interval := os.Getenv("FLEETWATCH_POLL_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Probe.Interval = d
		}
	}
	if pw := os.Getenv("FLEETWATCH_MYSQL_PASSWORD"); pw != "" {
		cfg.Probe.MySQL.Password = pw
	}
	if pw := os.Getenv("FLEETWATCH_REDIS_PASSWORD"); pw != "" {
		cfg.Probe.Redis.Password = pw
	}
	if pw := os.Getenv("FLEETWATCH_POSTGRES_PASSWORD"); pw != "" {
		cfg.Probe.Patroni.Postgres.Password = pw
	}
	if dir := os.Getenv("FLEETWATCH_BACKUP_DIR"); dir != "" {
		cfg.Backup.Dir = dir
	}
}

// GetEnvOrDefault returns an environment variable or a fallback value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
