package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairhold/fleetwatch/internal/cluster"
)

// Config is the full daemon configuration, loaded from YAML with
// environment overrides applied on top.
type Config struct {
	Cluster   cluster.Spec    `yaml:"cluster"`
	Server    ServerConfig    `yaml:"server"`
	Probe     ProbeConfig     `yaml:"probe"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Backup    BackupConfig    `yaml:"backup"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
}

type ProbeConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
	MySQL    MySQLConfig   `yaml:"mysql"`
	Redis    RedisConfig   `yaml:"redis"`
	Patroni  PatroniConfig `yaml:"patroni"`
}

type MySQLConfig struct {
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type RedisConfig struct {
	Port         int    `yaml:"port"`
	SentinelPort int    `yaml:"sentinel_port"`
	MasterName   string `yaml:"master_name"`
	Password     string `yaml:"password"`
}

type PatroniConfig struct {
	APIPort  int            `yaml:"api_port"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type ExecutorConfig struct {
	RetryBudget         int           `yaml:"retry_budget"`
	ConvergenceInterval time.Duration `yaml:"convergence_interval"`
	AuditPath           string        `yaml:"audit_path"`
}

type BackupConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	MaxBackups    int    `yaml:"max_backups"`
}

type DiscoveryConfig struct {
	HostsFile     string `yaml:"hosts_file"`
	LocalHostname string `yaml:"local_hostname"`
}

// Default returns the config defaults applied before the YAML layer.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8400,
			MetricsPort: 9400,
			LogLevel:    "info",
		},
		Probe: ProbeConfig{
			Timeout:  5 * time.Second,
			Interval: 15 * time.Second,
			MySQL:    MySQLConfig{Port: 3306},
			Redis:    RedisConfig{Port: 6379, SentinelPort: 26379, MasterName: "mymaster"},
			Patroni:  PatroniConfig{APIPort: 8008, Postgres: PostgresConfig{Port: 5432, Database: "postgres"}},
		},
		Executor: ExecutorConfig{
			RetryBudget:         10,
			ConvergenceInterval: 10 * time.Second,
			AuditPath:           "/var/lib/fleetwatch/audit.log",
		},
		Backup: BackupConfig{
			Dir:           "/var/lib/fleetwatch/backups",
			RetentionDays: 30,
			MaxBackups:    14,
		},
		Discovery: DiscoveryConfig{
			HostsFile: "/etc/hosts.d/fleetwatch",
		},
	}
}

// Load reads a YAML config file, layers it over the defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	LoadFromEnv(cfg)
	if err := cfg.Cluster.Validate(); err != nil {
		return nil, fmt.Errorf("cluster spec: %w", err)
	}
	return cfg, nil
}
