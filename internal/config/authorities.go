package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed authorities.yaml
var DefaultAuthoritiesYAML []byte

//go:embed narrators.yaml
var DefaultNarratorsYAML []byte

// Authority describes how to reach one authoritative ruling source.
type Authority struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"` // api | scrape
	Endpoint string `yaml:"endpoint"`

	// api
	AnswerField string `yaml:"answer_field"`
	TitleField  string `yaml:"title_field"`
	URLField    string `yaml:"url_field"`

	// scrape
	ResultSelector  string   `yaml:"result_selector"`
	ContentSelector string   `yaml:"content_selector"`
	AllowedDomains  []string `yaml:"allowed_domains"`

	CacheTTL  time.Duration `yaml:"cache_ttl"`
	RateLimit float64       `yaml:"rate_limit"` // requests per second
	Burst     int           `yaml:"burst"`
}

type AuthorityRegistry struct {
	Default     string      `yaml:"default"`
	Authorities []Authority `yaml:"authorities"`
}

func (registry *AuthorityRegistry) Get(id string) (Authority, bool) {
	if id == "" {
		id = registry.Default
	}
	for _, authority := range registry.Authorities {
		if authority.ID == id {
			return authority, true
		}
	}
	return Authority{}, false
}

func (registry *AuthorityRegistry) IDs() []string {
	ids := make([]string, 0, len(registry.Authorities))
	for _, authority := range registry.Authorities {
		ids = append(ids, authority.ID)
	}
	return ids
}

func LoadAuthorityRegistry(path string) (*AuthorityRegistry, error) {
	data := DefaultAuthoritiesYAML
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading authorities file: %w", err)
		}
		data = raw
	}

	var registry AuthorityRegistry
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("parsing authorities: %w", err)
	}

	for i := range registry.Authorities {
		authority := &registry.Authorities[i]
		if authority.ID == "" || authority.Endpoint == "" {
			return nil, fmt.Errorf("authority #%d needs an id and an endpoint", i)
		}
		if authority.Kind != "api" && authority.Kind != "scrape" {
			return nil, fmt.Errorf("authority %s: unknown kind %q", authority.ID, authority.Kind)
		}
		if authority.CacheTTL <= 0 {
			authority.CacheTTL = 24 * time.Hour
		}
		if authority.RateLimit <= 0 {
			authority.RateLimit = 1
		}
		if authority.Burst <= 0 {
			authority.Burst = 1
		}
	}

	if _, ok := registry.Get(registry.Default); !ok && len(registry.Authorities) > 0 {
		registry.Default = registry.Authorities[0].ID
	}
	return &registry, nil
}

// Narrator is one entry of the transmitter directory.
type Narrator struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Aliases     []string `yaml:"aliases"`
	Reliability float64  `yaml:"reliability"`
	Grade       string   `yaml:"grade"`
}

type NarratorDirectory struct {
	UnknownReliability float64    `yaml:"unknown_reliability"`
	Narrators          []Narrator `yaml:"narrators"`
}

func LoadNarratorDirectory(path string) (*NarratorDirectory, error) {
	data := DefaultNarratorsYAML
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading narrators file: %w", err)
		}
		data = raw
	}

	var directory NarratorDirectory
	if err := yaml.Unmarshal(data, &directory); err != nil {
		return nil, fmt.Errorf("parsing narrators: %w", err)
	}
	if directory.UnknownReliability < 0 || directory.UnknownReliability > 1 {
		return nil, fmt.Errorf("unknown_reliability must be within [0,1], got %v", directory.UnknownReliability)
	}
	return &directory, nil
}
