package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "2m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AgentConfig is the configuration for a classroom capture agent, loaded
// from a YAML file installed next to the binary during device provisioning.
type AgentConfig struct {
	// ClassroomID identifies the room this device serves. Required.
	ClassroomID string `yaml:"classroom_id"`

	// StorePath is the SQLite database file for the local event store.
	StorePath string `yaml:"store_path"`

	// ListenAddress is where the loopback capture API binds. Empty uses
	// the device API default.
	ListenAddress string `yaml:"listen_address"`

	LogLevel string `yaml:"log_level"`

	Endpoint AgentEndpointConfig `yaml:"endpoint"`
	Sync     AgentSyncConfig     `yaml:"sync"`
	Capture  AgentCaptureConfig  `yaml:"capture"`
	Prune    AgentPruneConfig    `yaml:"prune"`
}

// AgentEndpointConfig points the agent at the ingestion endpoint.
type AgentEndpointConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// AgentSyncConfig controls batch formation and upload cadence.
type AgentSyncConfig struct {
	// Interval between sync passes.
	Interval Duration `yaml:"interval"`

	// MaxBatchEvents caps how many events one batch carries.
	MaxBatchEvents int `yaml:"max_batch_events"`

	// MaxAttempts is the retry budget before a batch is marked failed.
	MaxAttempts int `yaml:"max_attempts"`
}

// AgentCaptureConfig bounds the local event store.
type AgentCaptureConfig struct {
	// MaxUnsyncedEvents caps local accumulation during long offline
	// stretches. Oldest unsynced events are dropped past the cap.
	MaxUnsyncedEvents int `yaml:"max_unsynced_events"`
}

// AgentPruneConfig controls local cleanup of synced data.
type AgentPruneConfig struct {
	// SyncedEventDays is how long synced events stay on the device.
	SyncedEventDays int `yaml:"synced_event_days"`

	// CompletedBatchDays is how long completed batch records stay.
	CompletedBatchDays int `yaml:"completed_batch_days"`
}

// LoadAgent reads and validates an agent configuration file.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := defaultAgentConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func defaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		StorePath: "sproutly-agent.db",
		LogLevel:  "info",
		Endpoint: AgentEndpointConfig{
			Timeout: Duration(15 * time.Second),
		},
		Sync: AgentSyncConfig{
			Interval:       Duration(30 * time.Second),
			MaxBatchEvents: 200,
			MaxAttempts:    3,
		},
		Capture: AgentCaptureConfig{
			MaxUnsyncedEvents: 50000,
		},
		Prune: AgentPruneConfig{
			SyncedEventDays:    14,
			CompletedBatchDays: 7,
		},
	}
}

// Validate checks the agent configuration for required fields and sane
// bounds.
func (c *AgentConfig) Validate() error {
	if c.ClassroomID == "" {
		return fmt.Errorf("classroom_id is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if c.Endpoint.BaseURL == "" {
		return fmt.Errorf("endpoint.base_url is required")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.MaxBatchEvents <= 0 {
		return fmt.Errorf("sync.max_batch_events must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.Capture.MaxUnsyncedEvents <= 0 {
		return fmt.Errorf("capture.max_unsynced_events must be positive")
	}
	if c.Prune.SyncedEventDays <= 0 {
		return fmt.Errorf("prune.synced_event_days must be positive")
	}
	if c.Prune.CompletedBatchDays <= 0 {
		return fmt.Errorf("prune.completed_batch_days must be positive")
	}
	return nil
}
