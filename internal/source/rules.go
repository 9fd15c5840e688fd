package source

import (
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Rules filters the scanned file set with doublestar globs matched
// against slash-separated relative paths. An empty include list allows
// everything; exclude patterns win over include patterns.
type Rules struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// LoadRules reads a YAML rules file. All patterns are validated at load
// time so a bad glob fails the run up front instead of silently
// matching nothing.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	for _, pat := range append(append([]string{}, r.Include...), r.Exclude...) {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid glob pattern %q in %s", pat, path)
		}
	}

	return &r, nil
}

// Allow reports whether the given relative path passes the rules.
// A nil Rules allows every path.
func (r *Rules) Allow(relPath string) bool {
	if r == nil {
		return true
	}

	for _, pat := range r.Exclude {
		if match, _ := doublestar.Match(pat, relPath); match {
			return false
		}
	}

	if len(r.Include) == 0 {
		return true
	}

	for _, pat := range r.Include {
		if match, _ := doublestar.Match(pat, relPath); match {
			return true
		}
	}

	return false
}
