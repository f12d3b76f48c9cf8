package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"portalsync/internal/domain"
)

// Config models portalsync.yml.
type Config struct {
	Orchestrator Orchestrator      `yaml:"orchestrator"`
	Credentials  Credentials       `yaml:"credentials"`
	Metrics      Metrics           `yaml:"metrics"`
	Portals      map[string]Portal `yaml:"portals"`
	Webhooks     []Webhook         `yaml:"webhooks"`
}

type Orchestrator struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	RateLimitBackoff  time.Duration `yaml:"rate_limit_backoff"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	Workers           int           `yaml:"workers"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// StaleAfter fails jobs left in validating or publishing by a crashed worker.
	StaleAfter time.Duration `yaml:"stale_after"`
	Queue      string        `yaml:"queue"`
	// JobCacheTTL bounds how long the API keeps a job list without reloading it.
	JobCacheTTL time.Duration `yaml:"job_cache_ttl"`
}

type Credentials struct {
	Skew           time.Duration `yaml:"skew"`
	StateTTL       time.Duration `yaml:"state_ttl"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

type Metrics struct {
	Schedule    string `yaml:"schedule"`
	Concurrency int    `yaml:"concurrency"`
}

type Portal struct {
	Type            string        `yaml:"type"`
	BaseURL         string        `yaml:"base_url"`
	AuthURL         string        `yaml:"auth_url"`
	TokenURL        string        `yaml:"token_url"`
	ClientID        string        `yaml:"client_id"`
	ClientSecretEnv string        `yaml:"client_secret_env"`
	RedirectURL     string        `yaml:"redirect_url"`
	Scopes          []string      `yaml:"scopes"`
	ListingTTL      time.Duration `yaml:"listing_ttl"`
	// Requirements overrides the adapter schema's requirement level per field.
	Requirements map[string]domain.Requirement `yaml:"requirements"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// OAuth returns the oauth2 client configuration for the portal.
func (p Portal) OAuth() *oauth2.Config {
	secret := ""
	if p.ClientSecretEnv != "" {
		secret = os.Getenv(p.ClientSecretEnv)
	}
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: secret,
		RedirectURL:  p.RedirectURL,
		Scopes:       p.Scopes,
		Endpoint:     oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
	}
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with psync config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be at least 1")
	}
	if o.BackoffBase <= 0 || o.BackoffMax < o.BackoffBase {
		return fmt.Errorf("orchestrator.backoff_base must be positive and not exceed backoff_max")
	}
	if o.CallTimeout <= 0 {
		return fmt.Errorf("orchestrator.call_timeout must be positive")
	}
	if o.Workers < 1 {
		return fmt.Errorf("orchestrator.workers must be at least 1")
	}
	if o.ReconcileInterval <= 0 {
		return fmt.Errorf("orchestrator.reconcile_interval must be positive")
	}
	if o.JobCacheTTL < 0 {
		return fmt.Errorf("orchestrator.job_cache_ttl must not be negative")
	}
	switch o.Queue {
	case "memory", "redis":
	default:
		return fmt.Errorf("orchestrator.queue must be memory or redis, got %q", o.Queue)
	}
	if c.Credentials.Skew < 0 || c.Credentials.StateTTL <= 0 {
		return fmt.Errorf("credentials.skew must be >= 0 and credentials.state_ttl positive")
	}
	if _, err := cron.ParseStandard(c.Metrics.Schedule); err != nil {
		return fmt.Errorf("metrics.schedule: %w", err)
	}
	if c.Metrics.Concurrency < 1 {
		return fmt.Errorf("metrics.concurrency must be at least 1")
	}
	for id, p := range c.Portals {
		if id == "" {
			return fmt.Errorf("portals contains empty id")
		}
		if p.Type != "scout" {
			return fmt.Errorf("portal %s has unsupported type %q", id, p.Type)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("portal %s: base_url is required", id)
		}
		if p.TokenURL == "" || p.ClientID == "" {
			return fmt.Errorf("portal %s: token_url and client_id are required", id)
		}
		for field, req := range p.Requirements {
			switch req {
			case domain.Required, domain.Recommended, domain.Optional:
			default:
				return fmt.Errorf("portal %s: field %s has invalid requirement %q", id, field, req)
			}
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "portalsync.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `orchestrator:
  max_attempts: 3
  backoff_base: 2s
  backoff_max: 5m
  rate_limit_backoff: 1m
  call_timeout: 30s
  workers: 4
  reconcile_interval: 15s
  stale_after: 10m
  queue: memory
  job_cache_ttl: 1m

credentials:
  skew: 2m
  state_ttl: 10m
  refresh_timeout: 30s

metrics:
  schedule: "@every 5m"
  concurrency: 4

portals: {}
#  scout:
#    type: scout
#    base_url: https://api.scout.example/v1
#    auth_url: https://auth.scout.example/oauth/authorize
#    token_url: https://auth.scout.example/oauth/token
#    client_id: portalsync
#    client_secret_env: SCOUT_CLIENT_SECRET
#    redirect_url: https://dashboard.example/portals/scout/callback
#    scopes: [listings, statistics]
#    listing_ttl: 720h
#    requirements:
#      energy_class: required

webhooks: []
#  - url: https://dashboard.example/hooks/portalsync
#    secret: change-me
#    events: [job.transition]
#    timeout_seconds: 5
`
