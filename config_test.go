package habitkit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Sync.RemoteTimeout != 10*time.Second {
		t.Errorf("expected 10s remote timeout, got %v", cfg.Sync.RemoteTimeout)
	}
	if cfg.Sync.DailyRecordLimit != 30 {
		t.Errorf("expected daily record limit 30, got %d", cfg.Sync.DailyRecordLimit)
	}
	if cfg.Queue.MaxSize != 0 {
		t.Errorf("expected unbounded queue, got %d", cfg.Queue.MaxSize)
	}
	if !cfg.Connectivity.InitialOnline {
		t.Errorf("expected initial online status")
	}
	if cfg.Backup != nil || cfg.Telemetry != nil {
		t.Errorf("backup and telemetry must default to disabled")
	}
}

func TestLoadConfigFile(t *testing.T) {
	content := `
sync:
  remote_timeout: 3s
  daily_record_limit: 7
queue:
  max_size: 100
telemetry:
  enabled: true
  endpoint: http://localhost:9090/api/v1/write
backup:
  bucket: my-backups
  region: eu-west-1
  compress: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.RemoteTimeout != 3*time.Second {
		t.Errorf("expected 3s timeout, got %v", cfg.Sync.RemoteTimeout)
	}
	if cfg.Sync.DailyRecordLimit != 7 {
		t.Errorf("expected limit 7, got %d", cfg.Sync.DailyRecordLimit)
	}
	if cfg.Queue.MaxSize != 100 {
		t.Errorf("expected queue max 100, got %d", cfg.Queue.MaxSize)
	}
	if cfg.Telemetry == nil || !cfg.Telemetry.Enabled {
		t.Fatalf("expected telemetry enabled")
	}
	// Unset telemetry fields pick up defaults.
	if cfg.Telemetry.PushInterval != 30*time.Second || cfg.Telemetry.Job != "habitkit" {
		t.Errorf("expected telemetry defaults applied, got %+v", cfg.Telemetry)
	}
	if cfg.Backup == nil || cfg.Backup.Bucket != "my-backups" || cfg.Backup.Region != "eu-west-1" {
		t.Errorf("unexpected backup config: %+v", cfg.Backup)
	}
	// Probe settings were omitted entirely and fall back to defaults.
	if cfg.Connectivity.ProbeInterval != 15*time.Second {
		t.Errorf("expected probe interval default, got %v", cfg.Connectivity.ProbeInterval)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("sync: ["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfigFile(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
