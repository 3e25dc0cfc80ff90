package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultLookbackHours = 24

var ErrConfigNotFound = errors.New("configuration not found")

// Config is the user configuration written by the setup step.
type Config struct {
	User      UserConfig                `json:"user" yaml:"user"`
	Platforms map[string]PlatformConfig `json:"platforms" yaml:"platforms"`
	Linear    LinearConfig              `json:"linear" yaml:"linear"`
	Analysis  AnalysisConfig            `json:"analysis" yaml:"analysis"`
}

type UserConfig struct {
	Name string `json:"name" yaml:"name"`
	Role string `json:"role" yaml:"role"`
	// Context is either free text or a mapping of labelled facts.
	Context any `json:"context,omitempty" yaml:"context,omitempty"`
}

type PlatformConfig struct {
	Enabled       bool `json:"enabled" yaml:"enabled"`
	LookbackHours int  `json:"lookback_hours,omitempty" yaml:"lookback_hours,omitempty"`
}

type LinearConfig struct {
	TeamID string `json:"team_id" yaml:"team_id"`
}

type AnalysisConfig struct {
	AutoCloseResponded *bool `json:"auto_close_responded,omitempty" yaml:"auto_close_responded,omitempty"`
}

// LoadConfig reads a .json, .yaml or .yml config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w at %s", ErrConfigNotFound, path)
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, filepath.Ext(path))
}

// ParseConfig decodes data according to ext, which defaults to JSON.
func ParseConfig(data []byte, ext string) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config: %w", err)
		}
	}
	if cfg.Platforms == nil {
		cfg.Platforms = map[string]PlatformConfig{}
	}
	return cfg, nil
}

// EnabledPlatforms returns the names of enabled platforms in sorted order.
func (c Config) EnabledPlatforms() []string {
	out := make([]string, 0, len(c.Platforms))
	for name, platform := range c.Platforms {
		if platform.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (c Config) LookbackHours(platform string) int {
	if hours := c.Platforms[platform].LookbackHours; hours > 0 {
		return hours
	}
	return defaultLookbackHours
}

func (c Config) AutoCloseResponded() bool {
	if c.Analysis.AutoCloseResponded == nil {
		return true
	}
	return *c.Analysis.AutoCloseResponded
}

// AnalysisContext renders the user's role and context as bullet lines.
func (c Config) AnalysisContext() string {
	var lines []string
	if role := strings.TrimSpace(c.User.Role); role != "" {
		lines = append(lines, "- Role: "+role)
	}
	switch typed := c.User.Context.(type) {
	case string:
		if strings.TrimSpace(typed) != "" {
			lines = append(lines, "- "+typed)
		}
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			lines = append(lines, fmt.Sprintf("- %s: %v", key, typed[key]))
		}
	}
	if len(lines) == 0 {
		return "No specific context provided"
	}
	return strings.Join(lines, "\n")
}
