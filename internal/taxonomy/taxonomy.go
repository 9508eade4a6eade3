// Package taxonomy holds the operator-maintained tables used to interpret
// free-text calendar entries: sports, genders, squads, teams, competitions,
// venues, broadcasters and link heuristics.
//
// Tables are plain data. Order matters wherever a list is declared as a
// priority list (sports, squads, rounds): the first matching entry wins.
package taxonomy

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultTaxonomy []byte

// Club identifies the club whose calendar is ingested.
type Club struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// KeywordRule maps a set of keywords (matched on word boundaries against
// folded text) and/or regex patterns to a value.
type KeywordRule struct {
	ID       string   `yaml:"id"`
	Label    string   `yaml:"label,omitempty"`
	Keywords []string `yaml:"keywords,omitempty"`
	Patterns []string `yaml:"patterns,omitempty"`
}

// Team is a known team or squad name.
type Team struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases,omitempty"`
	Gender  string   `yaml:"gender,omitempty"`
	Squad   string   `yaml:"squad,omitempty"`
	Own     bool     `yaml:"own,omitempty"`
}

// Competition is a canonical competition with its aliases.
type Competition struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases,omitempty"`
	Sport   string   `yaml:"sport,omitempty"`
	Cup     bool     `yaml:"cup,omitempty"`
}

// Venue maps raw location strings to a canonical venue. Club names the team
// that plays home there when it is not the own club.
type Venue struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases,omitempty"`
	Home    bool     `yaml:"home,omitempty"`
	Club    string   `yaml:"club,omitempty"`
}

// LinkRule classifies a URL by domain suffix or adjacent keyword.
type LinkRule struct {
	Type     string   `yaml:"type"`
	Domains  []string `yaml:"domains,omitempty"`
	Keywords []string `yaml:"keywords,omitempty"`
}

// Taxonomy is the full, versioned table set.
type Taxonomy struct {
	Version string `yaml:"version"`
	Club    Club   `yaml:"club"`

	Kinds        []KeywordRule `yaml:"kinds"`
	Sports       []KeywordRule `yaml:"sports"`
	Genders      []KeywordRule `yaml:"genders"`
	Squads       []KeywordRule `yaml:"squads"`
	Rounds       []KeywordRule `yaml:"rounds"`
	Broadcasters []KeywordRule `yaml:"broadcasters"`

	Teams        []Team        `yaml:"teams"`
	Competitions []Competition `yaml:"competitions"`
	Venues       []Venue       `yaml:"venues"`
	Links        []LinkRule    `yaml:"links"`
}

// Default returns the embedded taxonomy.
func Default() (*Taxonomy, error) {
	return Parse(defaultTaxonomy)
}

// Load reads a taxonomy file; an empty path yields the embedded default.
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a taxonomy document. Unknown fields are
// rejected so typos in operator files surface immediately.
func Parse(data []byte) (*Taxonomy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t Taxonomy
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("taxonomy: decode: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the invariants the classifier relies on.
func (t *Taxonomy) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Version) == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if len(t.Club.Aliases) == 0 && t.Club.Name == "" {
		errs = append(errs, errors.New("club name or aliases are required"))
	}
	check := func(section string, rules []KeywordRule) {
		seen := make(map[string]bool, len(rules))
		for i, r := range rules {
			if r.ID == "" {
				errs = append(errs, fmt.Errorf("%s[%d]: id is required", section, i))
			}
			if seen[r.ID] {
				errs = append(errs, fmt.Errorf("%s[%d]: duplicate id %q", section, i, r.ID))
			}
			seen[r.ID] = true
			if len(r.Keywords) == 0 && len(r.Patterns) == 0 {
				errs = append(errs, fmt.Errorf("%s[%d]: keywords or patterns required", section, i))
			}
			for _, p := range r.Patterns {
				if _, err := regexp.Compile(p); err != nil {
					errs = append(errs, fmt.Errorf("%s[%d]: pattern %q: %w", section, i, p, err))
				}
			}
		}
	}
	check("kinds", t.Kinds)
	check("sports", t.Sports)
	check("genders", t.Genders)
	check("squads", t.Squads)
	check("rounds", t.Rounds)
	check("broadcasters", t.Broadcasters)

	for i, c := range t.Competitions {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("competitions[%d]: name is required", i))
		}
	}
	for i, v := range t.Venues {
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("venues[%d]: name is required", i))
		}
	}
	for i, l := range t.Links {
		switch l.Type {
		case "tickets", "broadcast", "info", "generic":
		default:
			errs = append(errs, fmt.Errorf("links[%d]: unknown type %q", i, l.Type))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("taxonomy: %w", errors.Join(errs...))
	}
	return nil
}

// ClubNames returns the own-club name set (name + aliases).
func (t *Taxonomy) ClubNames() []string {
	out := make([]string, 0, len(t.Club.Aliases)+1)
	if t.Club.Name != "" {
		out = append(out, t.Club.Name)
	}
	return append(out, t.Club.Aliases...)
}
