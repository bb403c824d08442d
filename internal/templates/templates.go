// Package templates is the built-in catalogue of starter userscripts.
package templates

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Template is one starter script.
type Template struct {
	Name        string `yaml:"name" json:"name"`
	Category    string `yaml:"category" json:"category"`
	Description string `yaml:"description" json:"description"`
	Source      string `yaml:"source" json:"source"`
}

type catalog struct {
	Templates []Template `yaml:"templates"`
}

var (
	loadOnce sync.Once
	loaded   []Template
	loadErr  error
)

// Parse reads a catalogue document and validates every entry.
func Parse(data []byte) ([]Template, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("templates catalog: %w", err)
	}
	if len(c.Templates) == 0 {
		return nil, fmt.Errorf("templates catalog: at least one template is required")
	}
	seen := make(map[string]bool, len(c.Templates))
	for i, t := range c.Templates {
		if t.Name == "" {
			return nil, fmt.Errorf("templates catalog: templates[%d] missing name", i)
		}
		if strings.TrimSpace(t.Source) == "" {
			return nil, fmt.Errorf("templates catalog: %q has no source", t.Name)
		}
		key := strings.ToLower(t.Name)
		if seen[key] {
			return nil, fmt.Errorf("templates catalog: duplicate template %q", t.Name)
		}
		seen[key] = true
	}
	return c.Templates, nil
}

func builtin() ([]Template, error) {
	loadOnce.Do(func() {
		loaded, loadErr = Parse(catalogYAML)
	})
	return loaded, loadErr
}

// List returns the built-in templates in catalogue order.
func List() ([]Template, error) {
	all, err := builtin()
	if err != nil {
		return nil, err
	}
	return append([]Template(nil), all...), nil
}

// Get finds a template by name, ignoring case.
func Get(name string) (Template, error) {
	all, err := builtin()
	if err != nil {
		return Template{}, err
	}
	for _, t := range all {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return Template{}, apperr.NotFound("template not found: " + name)
}

// ByCategory groups template names by category, names in catalogue order.
func ByCategory() (map[string][]string, []string, error) {
	all, err := builtin()
	if err != nil {
		return nil, nil, err
	}
	groups := make(map[string][]string)
	for _, t := range all {
		groups[t.Category] = append(groups[t.Category], t.Name)
	}
	cats := make([]string, 0, len(groups))
	for c := range groups {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return groups, cats, nil
}
