package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Verify      VerifyConfig      `mapstructure:"verify"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type NodeConfig struct {
	ID        string `mapstructure:"id"`
	StatePath string `mapstructure:"state_path"`
}

type PersistenceConfig struct {
	AutoSnapshotThreshold int    `mapstructure:"auto_snapshot_threshold"`
	WALRetention          uint64 `mapstructure:"wal_retention"`
	SnapshotKeep          int    `mapstructure:"snapshot_keep"`
	SyncWrites            bool   `mapstructure:"sync_writes"`
	Ledger                bool   `mapstructure:"ledger"`
	RecoverOnStart        bool   `mapstructure:"recover_on_start"`
}

type VerifyConfig struct {
	Interval string `mapstructure:"interval"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type AuditConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

const (
	DefaultAutoSnapshotThreshold = 100
	DefaultWALRetention          = 1000
	DefaultSnapshotKeep          = 10
	DefaultVerifyInterval        = "30s"
	DefaultMetricsAddr           = ":9464"
	DefaultLogLevel              = "info"
)

var defaults = map[string]any{
	"node.id":                             "sovereign-1",
	"node.state_path":                     "./data",
	"persistence.auto_snapshot_threshold": DefaultAutoSnapshotThreshold,
	"persistence.wal_retention":           DefaultWALRetention,
	"persistence.snapshot_keep":           DefaultSnapshotKeep,
	"persistence.sync_writes":             true,
	"persistence.ledger":                  true,
	"persistence.recover_on_start":        true,
	"verify.interval":                     DefaultVerifyInterval,
	"alerts.enabled":                      false,
	"alerts.slack_webhook":                "",
	"audit.driver":                        "none",
	"audit.dsn":                           "",
	"metrics.enabled":                     false,
	"metrics.addr":                        DefaultMetricsAddr,
	"logging.level":                       DefaultLogLevel,
	"logging.json":                        false,
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := load(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}

// Load reads configPath as YAML. Every key can be overridden from the
// environment as SOVEREIGN_<SECTION>_<KEY>, and ${VAR} references in values
// are expanded. An empty path loads defaults plus environment.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return load(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("sovereign")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func load(v *viper.Viper) (*Config, error) {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.StatePath == "" {
		return fmt.Errorf("node.state_path is required")
	}

	if c.Persistence.AutoSnapshotThreshold == 0 {
		c.Persistence.AutoSnapshotThreshold = DefaultAutoSnapshotThreshold
	}
	if c.Persistence.AutoSnapshotThreshold < 0 {
		return fmt.Errorf("persistence.auto_snapshot_threshold must be positive")
	}
	if c.Persistence.WALRetention == 0 {
		c.Persistence.WALRetention = DefaultWALRetention
	}
	if c.Persistence.SnapshotKeep == 0 {
		c.Persistence.SnapshotKeep = DefaultSnapshotKeep
	}
	if c.Persistence.SnapshotKeep < 0 {
		return fmt.Errorf("persistence.snapshot_keep must be positive")
	}

	if c.Verify.Interval == "" {
		c.Verify.Interval = DefaultVerifyInterval
	}
	if _, err := time.ParseDuration(c.Verify.Interval); err != nil {
		return fmt.Errorf("invalid verify.interval: %w", err)
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	c.Audit.Driver = strings.ToLower(c.Audit.Driver)
	switch c.Audit.Driver {
	case "", "none":
		c.Audit.Driver = "none"
	case "sqlite":
		if c.Audit.DSN == "" {
			c.Audit.DSN = filepath.Join(c.Node.StatePath, "audit.db")
		}
	case "postgres":
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid audit driver: %s (valid options: none, sqlite, postgres)", c.Audit.Driver)
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"off":   true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid options: trace, debug, info, warn, error, off)", c.Logging.Level)
	}

	return nil
}

func (c *Config) VerifyInterval() time.Duration {
	d, err := time.ParseDuration(c.Verify.Interval)
	if err != nil {
		return 0
	}
	return d
}

func (c *Config) WALPath() string {
	return filepath.Join(c.Node.StatePath, "wal.log")
}

func (c *Config) SnapshotDir() string {
	return filepath.Join(c.Node.StatePath, "snapshots")
}

func (c *Config) LedgerPath() string {
	return filepath.Join(c.Node.StatePath, "ledger.db")
}
