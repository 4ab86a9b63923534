package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Summary
	}{
		{
			name:   "jest",
			output: "PASS src/a.test.js\nTests:       1 failed, 2 skipped, 5 passed, 8 total\nTime: 1s",
			want:   Summary{Total: 8, Passed: 5, Failed: 1, Skipped: 2},
		},
		{
			name:   "jest without total",
			output: "Tests: 3 passed",
			want:   Summary{Total: 3, Passed: 3},
		},
		{
			name:   "vitest",
			output: " Test Files  2 passed (2)\n      Tests  3 passed | 1 failed (4)\n",
			want:   Summary{Total: 4, Passed: 3, Failed: 1},
		},
		{
			name:   "vitest with colors",
			output: "\x1b[2m      Tests \x1b[22m \x1b[1m\x1b[32m6 passed\x1b[39m\x1b[22m\x1b[90m (6)\x1b[39m",
			want:   Summary{Total: 6, Passed: 6},
		},
		{
			name:   "go test",
			output: "=== RUN   TestA\n--- PASS: TestA (0.00s)\n--- FAIL: TestB (0.00s)\n    --- SKIP: TestB/sub (0.00s)\nFAIL",
			want:   Summary{Total: 3, Passed: 1, Failed: 1, Skipped: 1},
		},
		{
			name:   "unknown",
			output: "all good",
			want:   Summary{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSummary(tt.output))
		})
	}
}
