// Package config loads the ProxySharing dispatcher's YAML configuration:
// per-spec sharing extensions and the wait-loop tunables, decoded into
// a single yaml.v3 struct plus a handful of defaulting helpers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/seatshare/internal/model"
	"github.com/basket/seatshare/internal/specvalidate"
)

// SharingConfig holds the Dispatcher's configuration hooks.
type SharingConfig struct {
	WaitUnitSeconds int `yaml:"wait-unit-seconds"`
	MaxAttempts int `yaml:"max-attempts"`
	PendingTTLSecs int `yaml:"pending-ttl-seconds"`
}

// SpecConfig is one entry of proxy.specs in the YAML file, decoded into
// a model.ProxySpec plus its sharing extension.
type SpecConfig struct {
	ID string `yaml:"id"`
	Containers []model.ContainerSpec `yaml:"containers"`
	Sharing struct {
		MinimumSeatsAvailable *int `yaml:"minimum-seats-available" json:"minimumSeatsAvailable"`
	} `yaml:"sharing"`
}

// RateLimitConfig configures the admission API's per-key token bucket.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	RequestsPerMinute int `yaml:"requests-per-minute"`
	BurstSize int `yaml:"burst-size"`
}

// CORSConfig configures the admission API's cross-origin headers.
type CORSConfig struct {
	Enabled bool `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed-origins"`
	AllowedMethods []string `yaml:"allowed-methods"`
	AllowedHeaders []string `yaml:"allowed-headers"`
	MaxAge int `yaml:"max-age"`
}

// ServerConfig holds the admission API / event-stream server's settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	AuthToken string `yaml:"auth-token"`
	RateLimit RateLimitConfig `yaml:"rate-limit"`
	CORS CORSConfig `yaml:"cors"`
}

// TelegramConfig configures the optional ops notifier.
type TelegramConfig struct {
	Enabled bool `yaml:"enabled"`
	Token string `yaml:"token"`
	ChatID int64 `yaml:"chat-id"`
}

// TelemetryConfig configures the OpenTelemetry tracer/meter providers.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
	ServiceName string `yaml:"service-name"`
	SampleRate float64 `yaml:"sample-rate"`
}

// ReaperConfig configures the orphan-seat sweep cron job.
type ReaperConfig struct {
	Enabled bool `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// DockerConfig configures the DelegateProxyStore's container-runtime lookup.
type DockerConfig struct {
	Host string `yaml:"host"`
	Label string `yaml:"label"`
}

// Config is the top-level document: `proxy.sharing.*` tunables plus the
// list of specs known to this dispatcher fleet, plus the ambient
// server/telegram/reaper/docker settings.
type Config struct {
	Proxy struct {
		Sharing SharingConfig `yaml:"sharing"`
		Specs []SpecConfig `yaml:"specs"`
	} `yaml:"proxy"`

	Server ServerConfig `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Telegram TelegramConfig `yaml:"telegram"`
	Reaper ReaperConfig `yaml:"reaper"`
	Docker DockerConfig `yaml:"docker"`
}

// DefaultSharingConfig returns the dispatcher's default wait-loop tunables.
func DefaultSharingConfig() SharingConfig {
	return SharingConfig{
		WaitUnitSeconds: 3,
		MaxAttempts: 600,
		PendingTTLSecs: 600,
	}
}

// Load reads and parses the YAML config at path, filling in defaults
// for any omitted sharing tunable.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validateSharingExtensions(); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// validateSharingExtensions schema-checks every spec's sharing block
// (catching e.g. a negative minimumSeatsAvailable) before the config is
// accepted, rather than letting a malformed value surface later as an
// opaque dispatcher misbehavior.
func (c *Config) validateSharingExtensions() error {
	validator, err := specvalidate.Default()
	if err != nil {
		return fmt.Errorf("build sharing extension validator: %w", err)
	}
	for _, sc := range c.Proxy.Specs {
		raw, err := json.Marshal(sc.Sharing)
		if err != nil {
			return fmt.Errorf("spec %q: encode sharing extension: %w", sc.ID, err)
		}
		if err := validator.ValidateSharingExtension(raw); err != nil {
			return fmt.Errorf("spec %q: %w", sc.ID, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultSharingConfig()
	if c.Proxy.Sharing.WaitUnitSeconds <= 0 {
		c.Proxy.Sharing.WaitUnitSeconds = def.WaitUnitSeconds
	}
	if c.Proxy.Sharing.MaxAttempts <= 0 {
		c.Proxy.Sharing.MaxAttempts = def.MaxAttempts
	}
	if c.Proxy.Sharing.PendingTTLSecs <= 0 {
		c.Proxy.Sharing.PendingTTLSecs = def.PendingTTLSecs
	}
	if c.Reaper.Schedule == "" {
		c.Reaper.Schedule = "@every 1m"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
}

// WaitUnit returns the configured per-attempt wait as a time.Duration.
func (s SharingConfig) WaitUnit() time.Duration {
	return time.Duration(s.WaitUnitSeconds) * time.Second
}

// PendingTTL returns the configured pending-claim TTL as a time.Duration.
func (s SharingConfig) PendingTTL() time.Duration {
	return time.Duration(s.PendingTTLSecs) * time.Second
}

// ProxySpecs decodes every configured spec entry into a model.ProxySpec.
func (c *Config) ProxySpecs() []model.ProxySpec {
	specs := make([]model.ProxySpec, 0, len(c.Proxy.Specs))
	for _, sc := range c.Proxy.Specs {
		spec := model.ProxySpec{ID: sc.ID, Containers: sc.Containers}
		spec.Sharing.MinimumSeatsAvailable = sc.Sharing.MinimumSeatsAvailable
		specs = append(specs, spec)
	}
	return specs
}
