package habitkit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines sync service configuration.
type Config struct {
	// Sync holds core sync layer settings.
	Sync SyncConfig `yaml:"sync"`

	// Queue configures the retry queue.
	Queue QueueConfig `yaml:"queue"`

	// Connectivity configures the connectivity observer probe loop.
	Connectivity ConnectivityConfig `yaml:"connectivity"`

	// Backup configures cloud backup of export envelopes.
	// If nil or Bucket is empty, cloud backup is disabled.
	Backup *BackupConfig `yaml:"backup"`

	// Telemetry configures the Prometheus remote-write exporter.
	// If nil or Enabled is false, telemetry export is disabled.
	Telemetry *TelemetryConfig `yaml:"telemetry"`
}

// SyncConfig groups core sync settings.
type SyncConfig struct {
	// RemoteTimeout bounds each remote store call. Expiry is treated as a
	// retryable remote failure: the caller gets the local fallback and the
	// write is queued. Default: 10s.
	RemoteTimeout time.Duration `yaml:"remote_timeout"`

	// DailyRecordLimit is the default number of daily records returned by
	// history queries when the caller passes no limit. Default: 30.
	DailyRecordLimit int `yaml:"daily_record_limit"`
}

// TelemetryConfig configures counter export over Prometheus remote write.
type TelemetryConfig struct {
	// Enabled turns the exporter on.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the remote-write URL.
	Endpoint string `yaml:"endpoint"`

	// PushInterval is how often counters are pushed. Default: 30s.
	PushInterval time.Duration `yaml:"push_interval"`

	// Job labels every exported series. Default: "habitkit".
	Job string `yaml:"job"`
}

// UnmarshalYAML decodes sync settings, accepting Go duration strings
// ("10s", "1m30s") for timeouts. Unset fields keep their current values so
// decoding over DefaultConfig fills the gaps.
func (c *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		RemoteTimeout    string `yaml:"remote_timeout"`
		DailyRecordLimit int    `yaml:"daily_record_limit"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.RemoteTimeout != "" {
		d, err := time.ParseDuration(raw.RemoteTimeout)
		if err != nil {
			return fmt.Errorf("remote_timeout: %w", err)
		}
		c.RemoteTimeout = d
	}
	if raw.DailyRecordLimit != 0 {
		c.DailyRecordLimit = raw.DailyRecordLimit
	}
	return nil
}

// UnmarshalYAML decodes connectivity settings with duration strings.
func (c *ConnectivityConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ProbeInterval string `yaml:"probe_interval"`
		ProbeTimeout  string `yaml:"probe_timeout"`
		InitialOnline *bool  `yaml:"initial_online"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.ProbeInterval != "" {
		d, err := time.ParseDuration(raw.ProbeInterval)
		if err != nil {
			return fmt.Errorf("probe_interval: %w", err)
		}
		c.ProbeInterval = d
	}
	if raw.ProbeTimeout != "" {
		d, err := time.ParseDuration(raw.ProbeTimeout)
		if err != nil {
			return fmt.Errorf("probe_timeout: %w", err)
		}
		c.ProbeTimeout = d
	}
	if raw.InitialOnline != nil {
		c.InitialOnline = *raw.InitialOnline
	}
	return nil
}

// UnmarshalYAML decodes telemetry settings with duration strings.
func (c *TelemetryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled      bool   `yaml:"enabled"`
		Endpoint     string `yaml:"endpoint"`
		PushInterval string `yaml:"push_interval"`
		Job          string `yaml:"job"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Enabled = raw.Enabled
	c.Endpoint = raw.Endpoint
	c.Job = raw.Job
	if raw.PushInterval != "" {
		d, err := time.ParseDuration(raw.PushInterval)
		if err != nil {
			return fmt.Errorf("push_interval: %w", err)
		}
		c.PushInterval = d
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Sync: SyncConfig{
			RemoteTimeout:    10 * time.Second,
			DailyRecordLimit: 30,
		},
		Queue:        DefaultQueueConfig(),
		Connectivity: DefaultConnectivityConfig(),
		Backup:       nil,
		Telemetry:    nil,
	}
}

// normalize fills zero-valued fields with defaults.
func (c *Config) normalize() {
	if c.Sync.RemoteTimeout <= 0 {
		c.Sync.RemoteTimeout = 10 * time.Second
	}
	if c.Sync.DailyRecordLimit <= 0 {
		c.Sync.DailyRecordLimit = 30
	}
	if c.Connectivity.ProbeInterval <= 0 {
		c.Connectivity.ProbeInterval = 15 * time.Second
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		c.Connectivity.ProbeTimeout = 5 * time.Second
	}
	if c.Telemetry != nil {
		if c.Telemetry.PushInterval <= 0 {
			c.Telemetry.PushInterval = 30 * time.Second
		}
		if c.Telemetry.Job == "" {
			c.Telemetry.Job = "habitkit"
		}
	}
}

// LoadConfigFile reads a YAML configuration file and applies defaults for
// unset fields.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}
