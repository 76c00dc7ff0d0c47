package project

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the per-project configuration directory.
	ConfigDir = ".hoc"
	// ConfigFile is the spawn configuration file inside ConfigDir.
	ConfigFile = "config.yaml"
)

// Preset is a named bundle of spawn defaults: extra command line
// arguments, environment overrides, terminal geometry, and an
// optional prompt typed into the agent right after launch.
type Preset struct {
	Name          string            `yaml:"name"`
	Args          []string          `yaml:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	InitialPrompt string            `yaml:"initial_prompt,omitempty"`
	Cols          int               `yaml:"cols,omitempty"`
	Rows          int               `yaml:"rows,omitempty"`
}

// Config is the per-project spawn configuration loaded from
// .hoc/config.yaml in the project directory.
type Config struct {
	Presets       []Preset `yaml:"presets,omitempty"`
	DefaultPreset string   `yaml:"default_preset,omitempty"`
}

// Load reads the project config under projectPath. A missing file is
// not an error; it yields an empty config.
func Load(projectPath string) (*Config, error) {
	path := filepath.Join(projectPath, ConfigDir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read project config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse project config: %w", err)
	}
	return cfg, nil
}

// Preset looks up a preset by name.
func (c *Config) Preset(name string) (Preset, bool) {
	for _, p := range c.Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Resolve returns the preset for name, or the default preset when
// name is empty. The second return is false when nothing matched.
func (c *Config) Resolve(name string) (Preset, bool) {
	if name == "" {
		if c.DefaultPreset == "" {
			return Preset{}, false
		}
		return c.Preset(c.DefaultPreset)
	}
	return c.Preset(name)
}
