package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models reqline.yml.
type Config struct {
	Sessions struct {
		Path       string `yaml:"path" json:"path"`
		Persist    bool   `yaml:"persist" json:"persist"`
		StrictLoad bool   `yaml:"strict_load" json:"strict_load"`
	} `yaml:"sessions" json:"sessions"`
	Detection struct {
		ActionMatch string `yaml:"action_match" json:"action_match"`
	} `yaml:"detection" json:"detection"`
	Scenarios struct {
		Dir        string `yaml:"dir" json:"dir"`
		ResultsDir string `yaml:"results_dir" json:"results_dir"`
	} `yaml:"scenarios" json:"scenarios"`
	Server struct {
		Addr        string   `yaml:"addr" json:"addr"`
		BasePath    string   `yaml:"base_path" json:"base_path"`
		CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
	} `yaml:"server" json:"server"`
	Auth struct {
		Required  bool   `yaml:"required" json:"required"`
		JWTSecret string `yaml:"jwt_secret" json:"-"`
	} `yaml:"auth" json:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Sessions.Path) == "" {
		return fmt.Errorf("config.sessions.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Detection.ActionMatch)) {
	case "", "substring", "token":
	default:
		return fmt.Errorf("config.detection.action_match must be 'substring' or 'token'")
	}
	if c.Scenarios.Dir == "" || c.Scenarios.ResultsDir == "" {
		return fmt.Errorf("config.scenarios.dir and config.scenarios.results_dir are required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
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
	return filepath.Join(workspace, "reqline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or defaults when no file exists.
func LoadOrDefault(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
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

// Resolve returns p joined onto workspace unless p is absolute.
func Resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

const defaultTemplate = `sessions:
  path: .reqline/session_store.json
  persist: true
  strict_load: false

detection:
  # substring matches action words inside longer words; token requires whole words
  action_match: substring

scenarios:
  dir: tests/scenarios
  results_dir: tests/results

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  cors_origins: ["*"]

auth:
  required: false
  jwt_secret: ""

webhooks: []
`
