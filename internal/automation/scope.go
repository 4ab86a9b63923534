package automation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/lucidcoder/lucidcoder/internal/edits"
	"github.com/lucidcoder/lucidcoder/internal/workspace"
)

// Stage names used in prompts, errors and metrics.
const (
	StageReflection     = "scope-reflection"
	StageTests          = "tests"
	StageImplementation = "implementation"
)

var defaultTestPatterns = []string{
	"**.test.*",
	"**.spec.*",
	"**_test.go",
	"**__tests__/**",
	"test/**",
	"tests/**",
	"**/test/**",
	"**/tests/**",
	"test_*.py",
	"**/test_*.py",
}

// Reflection is the LLM's answer to the scope reflection prompt.
type Reflection struct {
	TestsNeeded  *bool    `json:"testsNeeded"`
	Allowed      []string `json:"allowedPaths"`
	Forbidden    []string `json:"forbiddenPaths"`
	ScopeWarning string   `json:"scopeWarning"`
	Summary      string   `json:"summary"`
}

var reflectionFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ParseReflection extracts a Reflection from raw LLM text.
func ParseReflection(raw string) (*Reflection, error) {
	body := strings.TrimSpace(raw)
	if m := reflectionFenceRe.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	}
	var r Reflection
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("parse reflection: %w", err)
	}
	return &r, nil
}

type compiled struct {
	pattern string
	g       glob.Glob
}

func compileAll(patterns []string) []compiled {
	out := make([]compiled, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			continue
		}
		out = append(out, compiled{pattern: p, g: g})
	}
	return out
}

func matchAny(list []compiled, rel string) (string, bool) {
	for _, c := range list {
		if c.g.Match(rel) {
			return c.pattern, true
		}
	}
	return "", false
}

// Scope is the boundary edits must stay within.
type Scope struct {
	allowed   []compiled
	forbidden []compiled
	tests     []compiled
	warning   string
}

// NewScope builds a Scope. Invalid patterns are ignored. An empty allowed
// list permits every path not forbidden.
func NewScope(allowed, forbidden []string, warning string) *Scope {
	return &Scope{
		allowed:   compileAll(allowed),
		forbidden: compileAll(forbidden),
		tests:     compileAll(defaultTestPatterns),
		warning:   strings.TrimSpace(warning),
	}
}

// ScopeFromReflection builds the scope a reflection established.
func ScopeFromReflection(r *Reflection) *Scope {
	if r == nil {
		return NewScope(nil, nil, "")
	}
	return NewScope(r.Allowed, r.Forbidden, r.ScopeWarning)
}

// Warning returns the reflection's scope note, if any.
func (s *Scope) Warning() string { return s.warning }

// IsTestFile reports whether rel looks like a test file.
func (s *Scope) IsTestFile(rel string) bool {
	_, ok := matchAny(s.tests, strings.ToLower(rel))
	return ok
}

// Check validates one path for stage.
func (s *Scope) Check(stage, raw string) error {
	rel, err := workspace.NormalizePath(raw)
	if err != nil {
		return &edits.ScopeViolationError{
			Path:         raw,
			Message:      fmt.Sprintf("Edit path %q is not a valid project path", raw),
			ScopeWarning: s.warningOr("Only edit files inside the project directory."),
		}
	}
	if p, ok := matchAny(s.forbidden, rel); ok {
		return &edits.ScopeViolationError{
			Path:         rel,
			Message:      fmt.Sprintf("Edit to %s matches forbidden scope %s", rel, p),
			ScopeWarning: s.warning,
		}
	}
	if len(s.allowed) > 0 {
		if _, ok := matchAny(s.allowed, rel); !ok {
			return &edits.ScopeViolationError{
				Path:         rel,
				Message:      fmt.Sprintf("Edit to %s is outside the goal scope", rel),
				ScopeWarning: s.warning,
			}
		}
	}
	if stage == StageTests && !s.IsTestFile(rel) {
		return &edits.ScopeViolationError{
			Path:         rel,
			Message:      fmt.Sprintf("Tests stage may only modify test files, %s is not a test file", rel),
			ScopeWarning: s.warningOr("Write or update tests only. Implementation changes belong to the implementation stage."),
		}
	}
	return nil
}

// Validate checks every edit's path for stage and returns the first violation.
func (s *Scope) Validate(stage string, list []edits.Edit) error {
	for _, e := range list {
		if err := s.Check(stage, e.Path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scope) warningOr(fallback string) string {
	if s.warning != "" {
		return s.warning
	}
	return fallback
}
