// Package config loads and validates the zonesync YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/zonesync/internal/adapter"
	"github.com/njoerd114/zonesync/internal/model"
)

// Defaults and limits applied by [Load].
const (
	DefaultBatchSize       = 200
	MaxBatchSize           = 400
	DefaultMaxUploadPasses = 5
	DefaultZoneConcurrency = 4
	DefaultPollInterval    = 30 * time.Second
	MinPollInterval        = 10 * time.Second
	MaxPollInterval        = time.Hour
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Container names the remote container. It namespaces the data directory
	// and the stored database token.
	Container string `yaml:"container"`

	// Scope is "private" (default) or "shared".
	Scope string `yaml:"scope,omitempty"`

	// DataDir holds the bookkeeping databases and the token file. Defaults to
	// ~/.local/share/zonesync/<container>.
	DataDir string `yaml:"data_dir,omitempty"`

	// Zones lists the record zones synced in the private scope. The shared
	// scope discovers its zones and ignores this list.
	Zones []string `yaml:"zones,omitempty"`

	// MergePolicy is "server" (default), "client" or "custom".
	MergePolicy string `yaml:"merge_policy,omitempty"`

	// BatchSize caps the records per upload request. Default 200, maximum 400.
	BatchSize int `yaml:"batch_size"`

	// CompatibilityVersion is stamped on every uploaded record. Records from
	// a newer version stop the sync until this client is upgraded.
	CompatibilityVersion int64 `yaml:"compatibility_version,omitempty"`

	// MaxUploadPasses bounds conflict resolution rounds per zone. Default 5.
	MaxUploadPasses int `yaml:"max_upload_passes"`

	// ZoneConcurrency is how many zones are fetched or uploaded in parallel.
	ZoneConcurrency int `yaml:"zone_concurrency"`

	// PollInterval controls how often the daemon syncs without local changes.
	// Minimum 10s, maximum 1h. Defaults to 30s if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`

	scope  model.Scope
	policy adapter.MergePolicy
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "zonesync".
	ServiceName string `yaml:"service_name"`

	// Headers are sent as gRPC metadata on every OTLP request, e.g.
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/zonesync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "zonesync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates c and saves it to path, creating parent directories.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// ParsedScope returns the validated scope.
func (c *Config) ParsedScope() model.Scope { return c.scope }

// ParsedMergePolicy returns the validated merge policy.
func (c *Config) ParsedMergePolicy() adapter.MergePolicy { return c.policy }

// TokenFile is the key-value file holding the database change token.
func (c *Config) TokenFile() string {
	return filepath.Join(c.DataDir, c.scope.String()+"-tokens.yaml")
}

// ZonesDir is the directory whose zones/ subdirectory holds one bookkeeping
// store per zone.
func (c *Config) ZonesDir() string {
	return filepath.Join(c.DataDir, c.scope.String())
}

// validate checks that all required fields are present and fills defaults.
func (c *Config) validate() error {
	if c.Container == "" {
		return fmt.Errorf("container is required")
	}

	scope, err := model.ParseScope(c.Scope)
	if err != nil {
		return fmt.Errorf("scope: %w", err)
	}
	c.scope = scope

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory for data_dir: %w", err)
		}
		c.DataDir = filepath.Join(home, ".local", "share", "zonesync", c.Container)
	}

	if scope == model.ScopePrivate && len(c.Zones) == 0 {
		return fmt.Errorf("zones must contain at least one entry in the private scope")
	}
	seen := make(map[string]bool, len(c.Zones))
	for _, z := range c.Zones {
		if z == "" {
			return fmt.Errorf("zones contains an empty zone name")
		}
		if seen[z] {
			return fmt.Errorf("zone %q is listed twice", z)
		}
		seen[z] = true
	}

	policy, err := adapter.ParseMergePolicy(c.MergePolicy)
	if err != nil {
		return fmt.Errorf("merge_policy: %w", err)
	}
	c.policy = policy

	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch_size %d is out of range (1..%d)", c.BatchSize, MaxBatchSize)
	}

	if c.CompatibilityVersion < 0 {
		return fmt.Errorf("compatibility_version %d must not be negative", c.CompatibilityVersion)
	}

	if c.MaxUploadPasses == 0 {
		c.MaxUploadPasses = DefaultMaxUploadPasses
	}
	if c.MaxUploadPasses < 1 {
		return fmt.Errorf("max_upload_passes %d must be positive", c.MaxUploadPasses)
	}

	if c.ZoneConcurrency == 0 {
		c.ZoneConcurrency = DefaultZoneConcurrency
	}
	if c.ZoneConcurrency < 1 {
		return fmt.Errorf("zone_concurrency %d must be positive", c.ZoneConcurrency)
	}

	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > MaxPollInterval {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
