package branch

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

// DefaultStylePatterns match stylesheet files anywhere in a project.
var DefaultStylePatterns = []string{"**.css", "**.scss", "**.sass", "**.less"}

// StyleMatcher decides whether paths are stylesheet-only changes.
type StyleMatcher struct {
	globs []glob.Glob
}

// NewStyleMatcher compiles patterns. Invalid patterns are logged and skipped.
func NewStyleMatcher(patterns []string, logger zerolog.Logger) *StyleMatcher {
	if len(patterns) == 0 {
		patterns = DefaultStylePatterns
	}
	m := &StyleMatcher{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			logger.Warn().Err(err).Str("pattern", p).Msg("ignoring invalid style pattern")
			continue
		}
		m.globs = append(m.globs, g)
	}
	return m
}

// Match reports whether path is a style file.
func (m *StyleMatcher) Match(path string) bool {
	p := strings.ToLower(strings.TrimPrefix(path, "./"))
	for _, g := range m.globs {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// AllMatch reports whether paths is non-empty and every entry is a style file.
func (m *StyleMatcher) AllMatch(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !m.Match(p) {
			return false
		}
	}
	return true
}
