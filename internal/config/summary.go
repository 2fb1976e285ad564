package config

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrNoGroups is returned by Summary for an empty document.
var ErrNoGroups = errors.New("no groups configured")

// DryRunSummary is the re-serializable view printed by --dry-run.
type DryRunSummary struct {
	MaxParallelGroups int            `yaml:"max_parallel_groups" json:"max_parallel_groups"`
	Headless          bool           `yaml:"headless" json:"headless"`
	AIEnabled         bool           `yaml:"ai_enabled" json:"ai_enabled"`
	FallbackEnabled   bool           `yaml:"fallback_enabled" json:"fallback_enabled"`
	Groups            []GroupSummary `yaml:"groups" json:"groups"`
}

// GroupSummary describes one configured group.
type GroupSummary struct {
	Name           string `yaml:"name" json:"name"`
	Priority       string `yaml:"priority" json:"priority"`
	ScrapeInterval int    `yaml:"scrape_interval" json:"scrape_interval"`
	SaveFile       string `yaml:"save_file" json:"save_file"`
}

// Summary builds the dry-run view, preserving group order.
func (c Config) Summary() (DryRunSummary, error) {
	groups := c.GroupConfigs()
	if len(groups) == 0 {
		return DryRunSummary{}, ErrNoGroups
	}
	out := DryRunSummary{
		MaxParallelGroups: c.Scraper.MaxParallelGroups,
		Headless:          c.Scraper.Headless,
		AIEnabled:         c.AI.Enabled,
		FallbackEnabled:   c.Fallback.Enabled,
		Groups:            make([]GroupSummary, 0, len(groups)),
	}
	for _, g := range groups {
		out.Groups = append(out.Groups, GroupSummary{
			Name:           g.Name,
			Priority:       string(g.Priority),
			ScrapeInterval: g.ScrapeInterval,
			SaveFile:       g.SaveFile,
		})
	}
	return out, nil
}

// MarshalDocument renders the summary as YAML.
func (s DryRunSummary) MarshalDocument() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	return data, nil
}
