package jobs

import (
	"regexp"
	"strconv"
	"strings"
)

// Summary holds test counts parsed from runner output.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

var (
	// Tests:       1 failed, 2 skipped, 5 passed, 8 total
	jestLine = regexp.MustCompile(`(?m)^\s*Tests:\s+(.+)$`)
	jestPart = regexp.MustCompile(`(\d+)\s+(failed|passed|skipped|todo|pending|total)`)
	// Tests  3 passed | 1 failed (4)
	vitestLine = regexp.MustCompile(`(?m)^\s*Tests\s+(.+?)\s*\((\d+)\)\s*$`)
	goResult   = regexp.MustCompile(`(?m)^\s*--- (PASS|FAIL|SKIP):`)
	ansi       = regexp.MustCompile("\x1b\\[[0-9;]*m")
)

// ParseSummary extracts test counts from jest, vitest or go test output.
// Unrecognised output yields a zero summary.
func ParseSummary(output string) Summary {
	output = ansi.ReplaceAllString(output, "")

	if m := vitestLine.FindStringSubmatch(output); m != nil {
		s := countParts(m[1])
		s.Total, _ = strconv.Atoi(m[2])
		return s
	}
	if m := jestLine.FindStringSubmatch(output); m != nil {
		s := countParts(m[1])
		if s.Total == 0 {
			s.Total = s.Passed + s.Failed + s.Skipped
		}
		return s
	}

	var s Summary
	for _, m := range goResult.FindAllStringSubmatch(output, -1) {
		switch m[1] {
		case "PASS":
			s.Passed++
		case "FAIL":
			s.Failed++
		case "SKIP":
			s.Skipped++
		}
	}
	s.Total = s.Passed + s.Failed + s.Skipped
	return s
}

func countParts(line string) Summary {
	var s Summary
	for _, m := range jestPart.FindAllStringSubmatch(strings.ToLower(line), -1) {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "failed":
			s.Failed = n
		case "passed":
			s.Passed = n
		case "skipped", "todo", "pending":
			s.Skipped += n
		case "total":
			s.Total = n
		}
	}
	return s
}
