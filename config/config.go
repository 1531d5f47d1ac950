// Package config provides configuration loading and management for semreply.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semreply/constraint"
	"github.com/c360studio/semreply/discovery"
	"github.com/c360studio/semreply/events"
	"github.com/c360studio/semreply/knowledge"
	"github.com/c360studio/semreply/llm"
	"github.com/c360studio/semreply/model"
	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/platform/bluesky"
	"github.com/c360studio/semreply/platform/telegram"
	"github.com/c360studio/semreply/reaper"
	"github.com/c360studio/semreply/response"
	"github.com/c360studio/semreply/scheduler"
	"github.com/c360studio/semreply/storage"
)

// Config represents the complete semreply configuration
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Constraints constraint.Table  `yaml:"constraints"`
	LLM         LLMConfig         `yaml:"llm"`
	Knowledge   knowledge.Config  `yaml:"knowledge"`
	Scheduler   scheduler.Config  `yaml:"scheduler"`
	NATS        events.NATSConfig `yaml:"nats"`
	HTTP        HTTPConfig        `yaml:"http"`
	Platforms   PlatformsConfig   `yaml:"platforms"`
	Accounts    []AccountConfig   `yaml:"accounts"`
}

// StorageConfig selects the document store.
type StorageConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite3 or a connection string for postgres.
	DSN string `yaml:"dsn"`
}

// ScoringConfig configures how opportunities are scored and filtered.
type ScoringConfig struct {
	// Profile names a weight profile ("default" or "fresh"). Ignored when
	// Weights is set.
	Profile string `yaml:"profile"`
	// Weights overrides the profile.
	Weights *opportunity.Weights `yaml:"weights,omitempty"`
	// Threshold is the minimum total score kept by discovery.
	Threshold int `yaml:"threshold"`
}

// LifecycleConfig holds opportunity lifetimes and cleanup cadence.
type LifecycleConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	FallbackLookback time.Duration `yaml:"fallback_lookback"`
	DismissedGrace   time.Duration `yaml:"dismissed_grace"`
	ReaperInterval   time.Duration `yaml:"reaper_interval"`
}

// LLMConfig configures model routing and the response stages.
type LLMConfig struct {
	model.RegistryConfig `yaml:",inline"`

	Retry             llm.RetryConfig `yaml:"retry"`
	AnalysisTimeout   time.Duration   `yaml:"analysis_timeout"`
	GenerationTimeout time.Duration   `yaml:"generation_timeout"`
	PostTimeout       time.Duration   `yaml:"post_timeout"`
	Temperature       *float64        `yaml:"temperature,omitempty"`
	Marker            string          `yaml:"marker,omitempty"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `yaml:"addr"`
}

// PlatformsConfig holds per-platform adapter settings. A nil section
// disables the platform.
type PlatformsConfig struct {
	Bluesky  *bluesky.Config  `yaml:"bluesky,omitempty"`
	Telegram *telegram.Config `yaml:"telegram,omitempty"`
}

// AccountConfig declares one account and its schedule set.
type AccountConfig struct {
	ID         string                    `yaml:"id"`
	Platform   string                    `yaml:"platform"`
	Handle     string                    `yaml:"handle"`
	Status     opportunity.AccountStatus `yaml:"status,omitempty"`
	Keywords   []string                  `yaml:"keywords,omitempty"`
	Principles string                    `yaml:"principles,omitempty"`
	Voice      string                    `yaml:"voice,omitempty"`
	Schedules  []opportunity.Schedule    `yaml:"schedules,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	disc := discovery.DefaultConfig()
	reap := reaper.DefaultConfig()
	resp := response.DefaultConfig()
	bsky := bluesky.DefaultConfig()

	return &Config{
		Storage: StorageConfig{
			Driver: storage.DriverSQLite,
			DSN:    "semreply.db",
		},
		Scoring: ScoringConfig{
			Profile:   "default",
			Threshold: disc.Threshold,
		},
		Lifecycle: LifecycleConfig{
			TTL:              disc.TTL,
			FallbackLookback: disc.FallbackLookback,
			DismissedGrace:   reap.DismissedGrace,
			ReaperInterval:   reap.Interval,
		},
		Constraints: constraint.DefaultTable(),
		LLM: LLMConfig{
			Retry:             llm.DefaultRetryConfig(),
			AnalysisTimeout:   resp.AnalysisTimeout,
			GenerationTimeout: resp.GenerationTimeout,
			PostTimeout:       resp.PostTimeout,
		},
		Knowledge: knowledge.Config{
			Debounce: 500 * time.Millisecond,
		},
		Scheduler: scheduler.Config{
			RunTimeout: 5 * time.Minute,
		},
		NATS: events.NATSConfig{
			Stream: events.DefaultStream,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Platforms: PlatformsConfig{
			Bluesky: &bsky,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", storage.DriverSQLite, storage.DriverPostgres, c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	if _, err := c.Weights(); err != nil {
		return err
	}
	if err := c.DiscoveryConfig().Validate(); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	reap := c.ReaperConfig()
	if err := reap.Validate(); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	if err := c.ResponseConfig().Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.LLM.RegistryConfig.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if c.LLM.Retry.MaxAttempts < 1 {
		return fmt.Errorf("llm.retry.max_attempts must be at least 1")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if err := c.validateAccount(a); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

func (c *Config) validateAccount(a AccountConfig) error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.Platform == "" {
		return fmt.Errorf("platform is required")
	}
	if !c.PlatformEnabled(a.Platform) {
		return fmt.Errorf("platform %q is not configured", a.Platform)
	}
	switch a.Status {
	case "", opportunity.AccountActive, opportunity.AccountPaused, opportunity.AccountError:
	default:
		return fmt.Errorf("unknown status %q", a.Status)
	}

	types := make(map[opportunity.DiscoveryType]bool)
	for _, s := range a.Schedules {
		if !s.Type.IsValid() {
			return fmt.Errorf("unknown schedule type %q", s.Type)
		}
		if types[s.Type] {
			return fmt.Errorf("duplicate schedule type %q", s.Type)
		}
		types[s.Type] = true
		if _, err := cron.ParseStandard(s.Cadence); err != nil {
			return fmt.Errorf("schedule %s: invalid cadence %q: %w", s.Type, s.Cadence, err)
		}
	}
	return nil
}

// PlatformEnabled reports whether an adapter is configured for platform.
func (c *Config) PlatformEnabled(name string) bool {
	switch name {
	case bluesky.Platform:
		return c.Platforms.Bluesky != nil
	case telegram.Platform:
		return c.Platforms.Telegram != nil
	}
	return false
}

// Weights returns the effective scoring weights.
func (c *Config) Weights() (opportunity.Weights, error) {
	if c.Scoring.Weights != nil {
		if err := c.Scoring.Weights.Validate(); err != nil {
			return opportunity.Weights{}, fmt.Errorf("scoring.weights: %w", err)
		}
		return *c.Scoring.Weights, nil
	}
	w, ok := opportunity.WeightsForProfile(c.Scoring.Profile)
	if !ok {
		return opportunity.Weights{}, fmt.Errorf("scoring.profile: unknown profile %q", c.Scoring.Profile)
	}
	return w, nil
}

// DiscoveryConfig returns the discovery settings.
func (c *Config) DiscoveryConfig() discovery.Config {
	w, err := c.Weights()
	if err != nil {
		w = opportunity.DefaultWeights
	}
	return discovery.Config{
		Threshold:        c.Scoring.Threshold,
		TTL:              c.Lifecycle.TTL,
		FallbackLookback: c.Lifecycle.FallbackLookback,
		Weights:          w,
	}
}

// ReaperConfig returns the cleanup settings.
func (c *Config) ReaperConfig() reaper.Config {
	return reaper.Config{
		Interval:       c.Lifecycle.ReaperInterval,
		DismissedGrace: c.Lifecycle.DismissedGrace,
	}
}

// ResponseConfig returns the response service settings.
func (c *Config) ResponseConfig() response.Config {
	return response.Config{
		AnalysisTimeout:       c.LLM.AnalysisTimeout,
		GenerationTimeout:     c.LLM.GenerationTimeout,
		PostTimeout:           c.LLM.PostTimeout,
		Marker:                c.LLM.Marker,
		GenerationTemperature: c.LLM.Temperature,
	}
}

// ModelRegistry builds the model registry. An empty llm section yields the
// default routing.
func (c *Config) ModelRegistry() *model.Registry {
	return model.FromConfig(&c.LLM.RegistryConfig)
}

// AccountList converts the declared accounts to domain accounts. Missing
// status means active.
func (c *Config) AccountList() []*opportunity.Account {
	out := make([]*opportunity.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		status := a.Status
		if status == "" {
			status = opportunity.AccountActive
		}
		out = append(out, &opportunity.Account{
			ID:         a.ID,
			Platform:   a.Platform,
			Handle:     a.Handle,
			Status:     status,
			Keywords:   append([]string(nil), a.Keywords...),
			Principles: a.Principles,
			Voice:      a.Voice,
			Schedules:  append(opportunity.ScheduleSet(nil), a.Schedules...),
		})
	}
	return out
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// decodeFile decodes a YAML file into config, keeping fields the file does
// not set.
func decodeFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Storage
	if other.Storage.Driver != "" {
		c.Storage.Driver = other.Storage.Driver
	}
	if other.Storage.DSN != "" {
		c.Storage.DSN = other.Storage.DSN
	}

	// Scoring
	if other.Scoring.Profile != "" {
		c.Scoring.Profile = other.Scoring.Profile
	}
	if other.Scoring.Weights != nil {
		w := *other.Scoring.Weights
		c.Scoring.Weights = &w
	}
	if other.Scoring.Threshold != 0 {
		c.Scoring.Threshold = other.Scoring.Threshold
	}

	// Lifecycle
	mergeDuration(&c.Lifecycle.TTL, other.Lifecycle.TTL)
	mergeDuration(&c.Lifecycle.FallbackLookback, other.Lifecycle.FallbackLookback)
	mergeDuration(&c.Lifecycle.DismissedGrace, other.Lifecycle.DismissedGrace)
	mergeDuration(&c.Lifecycle.ReaperInterval, other.Lifecycle.ReaperInterval)

	// Constraints
	if len(other.Constraints) > 0 {
		if c.Constraints == nil {
			c.Constraints = constraint.Table{}
		}
		for name, limits := range other.Constraints {
			c.Constraints[name] = limits
		}
	}

	// LLM
	mergeRegistry(&c.LLM.RegistryConfig, &other.LLM.RegistryConfig)
	if other.LLM.Retry.MaxAttempts != 0 {
		c.LLM.Retry = other.LLM.Retry
	}
	mergeDuration(&c.LLM.AnalysisTimeout, other.LLM.AnalysisTimeout)
	mergeDuration(&c.LLM.GenerationTimeout, other.LLM.GenerationTimeout)
	mergeDuration(&c.LLM.PostTimeout, other.LLM.PostTimeout)
	if other.LLM.Temperature != nil {
		t := *other.LLM.Temperature
		c.LLM.Temperature = &t
	}
	if other.LLM.Marker != "" {
		c.LLM.Marker = other.LLM.Marker
	}

	// Knowledge
	if len(other.Knowledge.Paths) > 0 {
		c.Knowledge.Paths = other.Knowledge.Paths
	}
	if other.Knowledge.IndexPath != "" {
		c.Knowledge.IndexPath = other.Knowledge.IndexPath
	}
	if other.Knowledge.Watch {
		c.Knowledge.Watch = true
	}
	mergeDuration(&c.Knowledge.Debounce, other.Knowledge.Debounce)

	// Scheduler
	mergeDuration(&c.Scheduler.RunTimeout, other.Scheduler.RunTimeout)

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Stream != "" {
		c.NATS.Stream = other.NATS.Stream
	}
	mergeDuration(&c.NATS.MaxAge, other.NATS.MaxAge)

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}

	// Platforms
	if other.Platforms.Bluesky != nil {
		b := *other.Platforms.Bluesky
		c.Platforms.Bluesky = &b
	}
	if other.Platforms.Telegram != nil {
		t := *other.Platforms.Telegram
		c.Platforms.Telegram = &t
	}

	// Accounts are replaced as a whole: a layer that declares accounts owns
	// the account list.
	if len(other.Accounts) > 0 {
		c.Accounts = append([]AccountConfig(nil), other.Accounts...)
	}
}

func mergeDuration(dst *time.Duration, src time.Duration) {
	if src != 0 {
		*dst = src
	}
}

func mergeRegistry(dst, src *model.RegistryConfig) {
	if len(src.Capabilities) > 0 {
		if dst.Capabilities == nil {
			dst.Capabilities = make(map[string]*model.CapabilityConfig)
		}
		for name, cfg := range src.Capabilities {
			dst.Capabilities[name] = cfg
		}
	}
	if len(src.Endpoints) > 0 {
		if dst.Endpoints == nil {
			dst.Endpoints = make(map[string]*model.EndpointConfig)
		}
		for name, ep := range src.Endpoints {
			dst.Endpoints[name] = ep
		}
	}
	if src.Defaults != nil {
		dst.Defaults = src.Defaults
	}
}
