package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config models facet.yml.
type Config struct {
	Granularity struct {
		Max int `yaml:"max"`
	} `yaml:"granularity"`
	Tasks struct {
		TimeoutMinutes int `yaml:"timeout_minutes"`
	} `yaml:"tasks"`
	Scheduler struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"scheduler"`
	Rewards struct {
		Threshold int `yaml:"threshold"`
	} `yaml:"rewards"`
	Prompts struct {
		Negative string `yaml:"negative"`
	} `yaml:"prompts"`
	Metrics struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"metrics"`
	Scripts struct {
		Allowed []string `yaml:"allowed"`
	} `yaml:"scripts"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Granularity.Max < 1 {
		return fmt.Errorf("config.granularity.max must be >= 1")
	}
	if c.Tasks.TimeoutMinutes < 1 {
		return fmt.Errorf("config.tasks.timeout_minutes must be >= 1")
	}
	if c.Scheduler.IntervalSeconds < 1 {
		return fmt.Errorf("config.scheduler.interval_seconds must be >= 1")
	}
	if c.Rewards.Threshold < 1 {
		return fmt.Errorf("config.rewards.threshold must be >= 1")
	}
	for name := range c.Metrics.Catalog {
		if name == "" {
			return fmt.Errorf("config.metrics.catalog contains empty metric name")
		}
	}
	for _, h := range c.Scripts.Allowed {
		if !hexHash.MatchString(h) {
			return fmt.Errorf("config.scripts.allowed entry %q is not a sha256 hex digest", h)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "facet.yml")
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with 'facet config init'", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML document.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `granularity:
  max: 3

tasks:
  timeout_minutes: 5

scheduler:
  interval_seconds: 10

rewards:
  threshold: 5

prompts:
  negative: >-
    Do not include markdown fences, commentary, apologies or any text outside
    the requested JSON. Do not invent facts that are not supported by the
    issue statement.

metrics:
  catalog:
    complexity:
      description: "How intricate the issue is: number of moving parts, coupling, unknowns (1-100)"
    scope:
      description: "How broad the blast radius is: people, systems and processes affected (1-100)"

scripts:
  allowed: []

webhooks: []
`
