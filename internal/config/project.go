package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProjectFile is the per-project settings file name.
const ProjectFile = ".lucidcoder.yml"

// Automation is the effective goal automation configuration for one project.
type Automation struct {
	ScopeReflection        bool  `json:"scopeReflection"`
	DefaultTestsNeeded     bool  `json:"defaultTestsNeeded"`
	TestsAttempts          []int `json:"testsAttempts"`
	ImplementationAttempts []int `json:"implementationAttempts"`
	ImplementAfterTests    bool  `json:"implementAfterTests"`
}

// ProjectSettings mirrors .lucidcoder.yml. Unset fields fall back to process defaults.
type ProjectSettings struct {
	Automation struct {
		ScopeReflection        *bool `yaml:"scopeReflection,omitempty"`
		DefaultTestsNeeded     *bool `yaml:"defaultTestsNeeded,omitempty"`
		TestsAttempts          []int `yaml:"testsAttempts,omitempty"`
		ImplementationAttempts []int `yaml:"implementationAttempts,omitempty"`
		ImplementAfterTests    *bool `yaml:"implementAfterTests,omitempty"`
	} `yaml:"automation,omitempty"`
	Styles struct {
		Patterns []string `yaml:"patterns,omitempty"`
	} `yaml:"styles,omitempty"`
	Commands Commands `yaml:"commands,omitempty"`
}

// Commands are the shell commands a project uses for its jobs.
type Commands struct {
	Install string `yaml:"install,omitempty" json:"install"`
	Lint    string `yaml:"lint,omitempty" json:"lint"`
	Test    string `yaml:"test,omitempty" json:"test"`
}

// LoadProjectSettings reads dir/.lucidcoder.yml. A missing file yields empty settings.
func LoadProjectSettings(dir string) (*ProjectSettings, error) {
	var s ProjectSettings
	data, err := os.ReadFile(filepath.Join(dir, ProjectFile))
	if errors.Is(err, os.ErrNotExist) {
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ProjectFile, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ProjectFile, err)
	}
	for _, seq := range [][]int{s.Automation.TestsAttempts, s.Automation.ImplementationAttempts} {
		for _, n := range seq {
			if n < 1 {
				return nil, fmt.Errorf("parsing %s: invalid attempt %d", ProjectFile, n)
			}
		}
	}
	return &s, nil
}

// SaveProjectSettings writes s to dir/.lucidcoder.yml.
func SaveProjectSettings(dir string, s *ProjectSettings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ProjectFile, err)
	}
	return os.WriteFile(filepath.Join(dir, ProjectFile), data, 0o644)
}

// Apply overlays project settings on top of base.
func (s *ProjectSettings) Apply(base Automation) Automation {
	out := base
	a := s.Automation
	if a.ScopeReflection != nil {
		out.ScopeReflection = *a.ScopeReflection
	}
	if a.DefaultTestsNeeded != nil {
		out.DefaultTestsNeeded = *a.DefaultTestsNeeded
	}
	if a.TestsAttempts != nil {
		out.TestsAttempts = a.TestsAttempts
	}
	if a.ImplementationAttempts != nil {
		out.ImplementationAttempts = a.ImplementationAttempts
	}
	if a.ImplementAfterTests != nil {
		out.ImplementAfterTests = *a.ImplementAfterTests
	}
	return out
}

// Resolver merges process defaults with each project's settings file.
type Resolver struct {
	cfg *Config
}

// NewResolver creates a Resolver over cfg.
func NewResolver(cfg *Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Automation returns the effective automation settings for a project directory.
func (r *Resolver) Automation(dir string) (Automation, error) {
	base, err := r.cfg.Automation()
	if err != nil {
		return Automation{}, err
	}
	s, err := LoadProjectSettings(dir)
	if err != nil {
		return base, err
	}
	return s.Apply(base), nil
}

// StylePatterns returns the stylesheet globs for a project directory.
func (r *Resolver) StylePatterns(dir string) []string {
	if s, err := LoadProjectSettings(dir); err == nil && len(s.Styles.Patterns) > 0 {
		return s.Styles.Patterns
	}
	return r.cfg.StylePatternList()
}

// Commands returns commands declared in the settings file, if any.
func (r *Resolver) Commands(dir string) Commands {
	s, err := LoadProjectSettings(dir)
	if err != nil {
		return Commands{}
	}
	return s.Commands
}
