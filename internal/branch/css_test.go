package branch

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestStyleMatcher_Defaults(t *testing.T) {
	m := NewStyleMatcher(nil, zerolog.Nop())

	tests := []struct {
		path string
		want bool
	}{
		{"App.css", true},
		{"src/styles/main.scss", true},
		{"./legacy/old.LESS", true},
		{"theme.sass", true},
		{"App.tsx", false},
		{"css/readme.md", false},
		{"style.css.map", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path))
		})
	}
}

func TestStyleMatcher_AllMatch(t *testing.T) {
	m := NewStyleMatcher(nil, zerolog.Nop())

	assert.False(t, m.AllMatch(nil))
	assert.True(t, m.AllMatch([]string{"a.css", "b/c.scss"}))
	assert.False(t, m.AllMatch([]string{"a.css", "b.js"}))
}

func TestStyleMatcher_InvalidPatternSkipped(t *testing.T) {
	m := NewStyleMatcher([]string{"[", "**.styl"}, zerolog.Nop())

	assert.True(t, m.Match("x/y.styl"))
	assert.False(t, m.Match("x/y.css"))
}
