package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed routing.yaml
var DefaultRoutingYAML []byte

const (
	fallbackPath = "direct_qa"
	fallbackTier = "economy"
)

// Route is one row of the intent routing table.
type Route struct {
	Path  string   `yaml:"path"`
	Tier  string   `yaml:"tier"`
	Tools []string `yaml:"tools"`
}

// ToolTrigger lists the phrases that make the planner select a tool for a query clause.
type ToolTrigger struct {
	Tool     string   `yaml:"tool"`
	Patterns []string `yaml:"patterns"`
}

// RoutingTable is loaded once at startup and passed explicitly to the router and planner.
type RoutingTable struct {
	Routes       map[string]Route    `yaml:"routes"`
	Fallback     Route               `yaml:"fallback"`
	Modes        map[string]string   `yaml:"modes"`
	Triggers     []ToolTrigger       `yaml:"triggers"`
	Dependencies map[string][]string `yaml:"dependencies"`
}

// LoadRoutingTable reads the routing table from path, or the embedded default when path is empty.
func LoadRoutingTable(path string) (*RoutingTable, error) {
	data := DefaultRoutingYAML
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading routing file: %w", err)
		}
		data = raw
	}
	return ParseRoutingTable(data)
}

func ParseRoutingTable(data []byte) (*RoutingTable, error) {
	var table RoutingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing routing table: %w", err)
	}
	if table.Fallback.Path == "" {
		return nil, fmt.Errorf("routing table has no fallback route")
	}
	// unknown intents must never cost more than a cheap direct answer
	if table.Fallback.Path != fallbackPath || table.Fallback.Tier != fallbackTier {
		return nil, fmt.Errorf("fallback route must be %s on the %s tier, got %s on %q",
			fallbackPath, fallbackTier, table.Fallback.Path, table.Fallback.Tier)
	}
	for intent, route := range table.Routes {
		if route.Path == "" {
			return nil, fmt.Errorf("route %q has no path", intent)
		}
	}
	return &table, nil
}
