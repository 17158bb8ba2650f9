package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models jorbline.yml.
type Config struct {
	Policy   Policy                   `yaml:"policy" json:"policy"`
	Debounce map[string]time.Duration `yaml:"debounce" json:"debounce"`
	Context  ContextReset             `yaml:"context" json:"context"`
	Runner   Runner                   `yaml:"runner" json:"runner"`
	Oracle   Oracle                   `yaml:"oracle" json:"oracle"`
	Channels map[string]ChannelConfig `yaml:"channels" json:"channels"`
	Server   Server                   `yaml:"server" json:"server"`
}

// Policy is the process-wide approval and guardrail configuration.
type Policy struct {
	MaxSpendWithoutApproval       float64              `yaml:"max_spend_without_approval" json:"max_spend_without_approval"`
	RequireApprovalFor            []string             `yaml:"require_approval_for" json:"require_approval_for"`
	RequireApprovalForNewContacts bool                 `yaml:"require_approval_for_new_contacts" json:"require_approval_for_new_contacts"`
	RateLimits                    map[string]RateLimit `yaml:"rate_limits" json:"rate_limits"`
	StaleAfterHours               int                  `yaml:"stale_after_hours" json:"stale_after_hours"`
	MaxDurationDays               int                  `yaml:"max_duration_days" json:"max_duration_days"`
}

type RateLimit struct {
	PerHour int `yaml:"per_hour" json:"per_hour"`
}

type ContextReset struct {
	ResetAfterDays int           `yaml:"reset_after_days" json:"reset_after_days"`
	SweepInterval  time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	WindowMessages int           `yaml:"window_messages" json:"window_messages"`
	WindowChars    int           `yaml:"window_chars" json:"window_chars"`
	Concurrency    int           `yaml:"concurrency" json:"concurrency"`
	ProgressLog    string        `yaml:"progress_log" json:"progress_log"`
}

type Runner struct {
	OracleTimeout          time.Duration `yaml:"oracle_timeout" json:"oracle_timeout"`
	InvalidDecisionRetries int           `yaml:"invalid_decision_retries" json:"invalid_decision_retries"`
	DeliveryAttempts       int           `yaml:"delivery_attempts" json:"delivery_attempts"`
	DeliveryBackoff        time.Duration `yaml:"delivery_backoff" json:"delivery_backoff"`
	MaintenanceInterval    time.Duration `yaml:"maintenance_interval" json:"maintenance_interval"`
}

type Oracle struct {
	Provider         string  `yaml:"provider" json:"provider"`
	Model            string  `yaml:"model" json:"model"`
	RouterModel      string  `yaml:"router_model" json:"router_model"`
	PriceInputPer1K  float64 `yaml:"price_input_per_1k" json:"price_input_per_1k"`
	PriceOutputPer1K float64 `yaml:"price_output_per_1k" json:"price_output_per_1k"`
	UseForRouting    bool    `yaml:"use_for_routing" json:"use_for_routing"`
}

// ChannelConfig points a channel at an outbound relay. Channels without
// a webhook_url log messages instead of sending them.
type ChannelConfig struct {
	WebhookURL string        `yaml:"webhook_url" json:"webhook_url"`
	Secret     string        `yaml:"secret" json:"secret,omitempty"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

type Server struct {
	Addr     string `yaml:"addr" json:"addr"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with jorb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Policy.MaxSpendWithoutApproval < 0 {
		return fmt.Errorf("config.policy.max_spend_without_approval must not be negative")
	}
	for _, cat := range c.Policy.RequireApprovalFor {
		if strings.TrimSpace(cat) == "" {
			return fmt.Errorf("config.policy.require_approval_for contains an empty category")
		}
	}
	for ch, rl := range c.Policy.RateLimits {
		if !knownChannel(ch) {
			return fmt.Errorf("config.policy.rate_limits has unknown channel %s", ch)
		}
		if rl.PerHour < 0 {
			return fmt.Errorf("rate limit for %s must not be negative", ch)
		}
	}
	for ch, d := range c.Debounce {
		if !knownChannel(ch) {
			return fmt.Errorf("config.debounce has unknown channel %s", ch)
		}
		if d < 0 {
			return fmt.Errorf("debounce for %s must not be negative", ch)
		}
	}
	for ch := range c.Channels {
		if !knownChannel(ch) {
			return fmt.Errorf("config.channels has unknown channel %s", ch)
		}
	}
	if c.Context.ResetAfterDays <= 0 {
		return fmt.Errorf("config.context.reset_after_days must be positive")
	}
	if c.Context.SweepInterval <= 0 {
		return fmt.Errorf("config.context.sweep_interval must be positive")
	}
	if c.Context.WindowMessages <= 0 {
		return fmt.Errorf("config.context.window_messages must be positive")
	}
	if c.Runner.OracleTimeout <= 0 {
		return fmt.Errorf("config.runner.oracle_timeout must be positive")
	}
	if c.Runner.DeliveryAttempts <= 0 {
		return fmt.Errorf("config.runner.delivery_attempts must be positive")
	}
	if c.Runner.InvalidDecisionRetries < 0 {
		return fmt.Errorf("config.runner.invalid_decision_retries must not be negative")
	}
	switch c.Oracle.Provider {
	case "", "genai", "none":
	default:
		return fmt.Errorf("config.oracle.provider %q not supported", c.Oracle.Provider)
	}
	return nil
}

// DebounceFor returns the coalescing window for channel.
func (c *Config) DebounceFor(channel string) time.Duration {
	if d, ok := c.Debounce[channel]; ok {
		return d
	}
	return 0
}

func knownChannel(ch string) bool {
	switch ch {
	case "chat", "sms", "email":
		return true
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jorbline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections fall back to defaults.
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

const defaultTemplate = `policy:
  max_spend_without_approval: 100
  require_approval_for: [purchase, commit, cancel, share_info]
  require_approval_for_new_contacts: false
  rate_limits:
    chat:
      per_hour: 20
    sms:
      per_hour: 20
    email:
      per_hour: 10
  stale_after_hours: 72
  max_duration_days: 30

debounce:
  chat: 60s
  sms: 30s
  email: 0s

context:
  reset_after_days: 3
  sweep_interval: 24h
  window_messages: 20
  window_chars: 12000
  concurrency: 4
  progress_log: jorbs_progress.md

runner:
  oracle_timeout: 90s
  invalid_decision_retries: 1
  delivery_attempts: 3
  delivery_backoff: 2s
  maintenance_interval: 1h

oracle:
  provider: genai
  model: gemini-2.5-flash
  router_model: gemini-2.5-flash
  price_input_per_1k: 0.01
  price_output_per_1k: 0.03
  use_for_routing: true

channels: {}

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
