package config

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen          = "127.0.0.1:8080"
	DefaultDataDir         = "/var/lib/fleetctl"
	DefaultDatabaseName    = "fleet.db"
	DefaultMetricsPath     = "/metrics"
	DefaultMonitorInterval = 10 * time.Second
	DefaultConnectTimeout  = 5 * time.Second
	DefaultSyncTimeout     = 30 * time.Second
	DefaultUsageInterval   = 30 * time.Second
	DefaultFetchTimeout    = 10 * time.Second
	DefaultBucketWidth     = 5 * time.Minute
	DefaultDeviceCacheSize = 4096
)

// Config is the control plane configuration file.
type Config struct {
	Controller *ControllerConfig `yaml:"controller,omitempty"`
}

// ControllerConfig is used by the serve process.
type ControllerConfig struct {
	Listen      string `yaml:"listen"`
	DataDir     string `yaml:"data_dir"`
	Database    string `yaml:"database"`
	MetricsPath string `yaml:"metrics_path"`

	// Client certificate presented to nodes. Both empty means plaintext.
	ClientCertFile string `yaml:"client_cert_file,omitempty"`
	ClientKeyFile  string `yaml:"client_key_file,omitempty"`

	MonitorInterval time.Duration `yaml:"monitor_interval"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
	UsageInterval   time.Duration `yaml:"usage_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	BucketWidth     time.Duration `yaml:"bucket_width"`

	EnforceDeviceLimits bool `yaml:"enforce_device_limits"`
	DeviceCacheSize     int  `yaml:"device_cache_size"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, xerrors.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	c := cfg.Controller
	if c == nil {
		return xerrors.New("config must contain a controller section")
	}
	if c.Listen == "" {
		return xerrors.New("controller.listen is required")
	}
	if c.Database == "" {
		return xerrors.New("controller.database is required")
	}
	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		return xerrors.New("controller.client_cert_file and controller.client_key_file must be set together")
	}
	if c.BucketWidth < time.Minute || time.Hour%c.BucketWidth != 0 {
		return xerrors.Errorf("controller.bucket_width must divide an hour and be at least 1m, got %s", c.BucketWidth)
	}
	if c.UsageInterval < time.Second {
		return xerrors.Errorf("controller.usage_interval too short: %s", c.UsageInterval)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	c := cfg.Controller
	if c == nil {
		return
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, DefaultDatabaseName)
	}
	if c.MetricsPath == "" {
		c.MetricsPath = DefaultMetricsPath
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.UsageInterval == 0 {
		c.UsageInterval = DefaultUsageInterval
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.BucketWidth == 0 {
		c.BucketWidth = DefaultBucketWidth
	}
	if c.DeviceCacheSize == 0 {
		c.DeviceCacheSize = DefaultDeviceCacheSize
	}
}
