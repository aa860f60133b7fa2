package jobs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config declares one background job. It is built once at startup and handed
// to the scheduler; jobs hold no shared mutable registration state.
type Config struct {
	Name      string
	Schedule  string
	LeaseTTL  time.Duration
	BatchSize int
	ExtraDims map[string]string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("job name is required")
	}
	if c.LeaseTTL < 0 {
		return fmt.Errorf("job %s: lease_ttl must be >= 0", c.Name)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("job %s: batch_size must be >= 0", c.Name)
	}
	return nil
}

// UnmarshalYAML parses lease_ttl from a duration string ("15m").
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Name      string            `yaml:"name"`
		Schedule  string            `yaml:"schedule"`
		LeaseTTL  string            `yaml:"lease_ttl"`
		BatchSize int               `yaml:"batch_size"`
		ExtraDims map[string]string `yaml:"extra_dims"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	c.Name = aux.Name
	c.Schedule = aux.Schedule
	c.BatchSize = aux.BatchSize
	c.ExtraDims = aux.ExtraDims
	c.LeaseTTL = 0
	if strings.TrimSpace(aux.LeaseTTL) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(aux.LeaseTTL))
		if err != nil {
			return fmt.Errorf("job %s: parse lease_ttl: %w", aux.Name, err)
		}
		c.LeaseTTL = d
	}
	return nil
}

type configFile struct {
	Jobs []Config `yaml:"jobs"`
}

// LoadFile reads the jobs YAML and returns configs keyed by job name.
// A missing path yields an empty map so every job falls back to its defaults.
func LoadFile(path string) (map[string]Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return map[string]Config{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Config{}, nil
		}
		return nil, fmt.Errorf("read jobs config: %w", err)
	}
	var file configFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse jobs config: %w", err)
	}
	out := make(map[string]Config, len(file.Jobs))
	for _, cfg := range file.Jobs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate job config %q", cfg.Name)
		}
		out[cfg.Name] = cfg
	}
	return out, nil
}

// Merge overlays a file config onto compiled-in defaults.
func Merge(def Config, override Config, ok bool) Config {
	if !ok {
		return def
	}
	out := def
	if strings.TrimSpace(override.Schedule) != "" {
		out.Schedule = override.Schedule
	}
	if override.LeaseTTL > 0 {
		out.LeaseTTL = override.LeaseTTL
	}
	if override.BatchSize > 0 {
		out.BatchSize = override.BatchSize
	}
	if len(override.ExtraDims) > 0 {
		dims := make(map[string]string, len(def.ExtraDims)+len(override.ExtraDims))
		for k, v := range def.ExtraDims {
			dims[k] = v
		}
		for k, v := range override.ExtraDims {
			dims[k] = v
		}
		out.ExtraDims = dims
	}
	return out
}
