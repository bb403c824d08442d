package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StartupTab is a page to open once the browser is attached.
type StartupTab struct {
	URL        string `yaml:"url"`
	Background bool   `yaml:"background"`
}

// Startup lists tabs opened when the daemon starts.
type Startup struct {
	Tabs []StartupTab `yaml:"tabs"`
}

// LoadStartup reads the startup YAML file. A missing file yields an
// os.ErrNotExist-wrapped error; callers skip in that case.
func LoadStartup(path string) (*Startup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("startup config: %w", err)
	}
	var cfg Startup
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("startup config: %w", err)
	}
	for i, t := range cfg.Tabs {
		if t.URL == "" {
			return nil, fmt.Errorf("startup config: tabs[%d] missing url", i)
		}
	}
	return &cfg, nil
}
