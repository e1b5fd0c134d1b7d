// Package config loads the pagetrace daemon configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pagetrace/host/rodhost"
	"github.com/hazyhaar/pagetrace/session"
)

// Config is the top-level pagetrace configuration.
type Config struct {
	Session session.Config `yaml:"session"`
	Browser rodhost.Config `yaml:"browser"`
	Sinks   []SinkConfig   `yaml:"sinks"`
	Diag    DiagConfig     `yaml:"diag"`

	// Pages are URLs opened in instrumented tabs at startup.
	Pages []string `yaml:"pages"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | sqlite
	Path string `yaml:"path"` // database path for sqlite
}

// DiagConfig controls the diagnostics HTTP listener.
type DiagConfig struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	for _, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "sqlite":
			if s.Path == "" {
				return fmt.Errorf("config: sqlite sink requires a path")
			}
		default:
			return fmt.Errorf("config: unknown sink type %q", s.Type)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
}
