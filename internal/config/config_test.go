package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyDefaults_Controller(t *testing.T) {
	t.Parallel()

	cfg := Config{Controller: &ControllerConfig{DataDir: "/srv/fleet"}}
	ApplyDefaults(&cfg)

	c := cfg.Controller
	if c.Database != "/srv/fleet/fleet.db" {
		t.Fatalf("database=%q", c.Database)
	}
	if c.MonitorInterval != DefaultMonitorInterval || c.ConnectTimeout != DefaultConnectTimeout {
		t.Fatalf("timing defaults not set: %+v", c)
	}
	if c.BucketWidth != 5*time.Minute {
		t.Fatalf("bucket_width=%s", c.BucketWidth)
	}
	if c.DeviceCacheSize != DefaultDeviceCacheSize {
		t.Fatalf("device_cache_size=%d", c.DeviceCacheSize)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}

	cfg := Config{Controller: &ControllerConfig{ClientCertFile: "node.pem"}}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for cert without key")
	}

	cfg.Controller.ClientKeyFile = "node.key"
	cfg.Controller.BucketWidth = 7 * time.Minute
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for bucket width not dividing an hour")
	}

	cfg.Controller.BucketWidth = 15 * time.Minute
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestLoad_ParsesDurations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fleetctl.yaml")
	data := []byte(`controller:
  listen: 0.0.0.0:9000
  database: /tmp/fleet.db
  monitor_interval: 3s
  usage_interval: 1m
  enforce_device_limits: true
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := cfg.Controller
	if c.Listen != "0.0.0.0:9000" || c.Database != "/tmp/fleet.db" {
		t.Fatalf("unexpected controller: %+v", c)
	}
	if c.MonitorInterval != 3*time.Second || c.UsageInterval != time.Minute {
		t.Fatalf("durations: monitor=%s usage=%s", c.MonitorInterval, c.UsageInterval)
	}
	if !c.EnforceDeviceLimits {
		t.Fatalf("enforce_device_limits not parsed")
	}
	if c.FetchTimeout != DefaultFetchTimeout {
		t.Fatalf("fetch_timeout=%s", c.FetchTimeout)
	}
}

func TestSave_Writes0600(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "conf", "fleetctl.yaml")
	cfg := Config{Controller: &ControllerConfig{Listen: "127.0.0.1:8080"}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.Controller.SyncTimeout != DefaultSyncTimeout {
		t.Fatalf("sync_timeout=%s", back.Controller.SyncTimeout)
	}
}
