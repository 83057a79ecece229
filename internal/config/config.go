package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the resolution scheduler. The interval keeps retry
// traffic bounded; the timeout gives the mesh two days to propagate an
// identity before a contact is written off.
const (
	DefaultResolveInterval = 15 * time.Minute
	DefaultResolveTimeout  = 48 * time.Hour
)

// Config models meshline.yml.
type Config struct {
	Node struct {
		Name    string   `yaml:"name"`
		Aspects []string `yaml:"aspects"`
	} `yaml:"node"`
	Resolver struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"resolver"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// ResolveInterval returns the configured pass interval or the default.
func (c *Config) ResolveInterval() time.Duration {
	if c.Resolver.Interval == "" {
		return DefaultResolveInterval
	}
	d, err := time.ParseDuration(c.Resolver.Interval)
	if err != nil {
		return DefaultResolveInterval
	}
	return d
}

// ResolveTimeout returns the configured contact lifetime or the default.
func (c *Config) ResolveTimeout() time.Duration {
	if c.Resolver.Timeout == "" {
		return DefaultResolveTimeout
	}
	d, err := time.ParseDuration(c.Resolver.Timeout)
	if err != nil {
		return DefaultResolveTimeout
	}
	return d
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("config.node.name is required")
	}
	if len(c.Node.Aspects) == 0 {
		return fmt.Errorf("config.node.aspects must list at least one announce aspect")
	}
	for _, a := range c.Node.Aspects {
		if a == "" {
			return fmt.Errorf("config.node.aspects contains an empty aspect")
		}
	}
	if c.Resolver.Interval != "" {
		if d, err := time.ParseDuration(c.Resolver.Interval); err != nil || d <= 0 {
			return fmt.Errorf("config.resolver.interval %q is not a positive duration", c.Resolver.Interval)
		}
	}
	if c.Resolver.Timeout != "" {
		if d, err := time.ParseDuration(c.Resolver.Timeout); err != nil || d <= 0 {
			return fmt.Errorf("config.resolver.timeout %q is not a positive duration", c.Resolver.Timeout)
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "meshline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ml config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("meshline-node"), nil
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

// Default returns the default Config struct for a node.
func Default(nodeName string) *Config {
	var cfg Config
	cfg.Node.Name = nodeName
	cfg.Node.Aspects = []string{
		"lxmf.delivery",
		"lxmf.propagation",
		"call.audio",
		"nomadnetwork.node",
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(nodeName string) string {
	return fmt.Sprintf(defaultTemplate, nodeName)
}

const defaultTemplate = `node:
  name: %s
  aspects:
    - lxmf.delivery
    - lxmf.propagation
    - call.audio
    - nomadnetwork.node

resolver:
  interval: 15m
  timeout: 48h

log:
  level: info
`
