// Package automation turns a goal prompt into applied, staged edits by
// driving an LLM through scope reflection, a tests stage and an
// implementation stage, each with a bounded attempt sequence.
package automation

import (
	"regexp"
	"strings"
)

// SkipReason explains why a goal finished without calling the LLM.
type SkipReason string

const (
	SkipBranchOnly SkipReason = "branch-only"
	SkipStageOnly  SkipReason = "stage-only"
)

var (
	branchInstructionRe = regexp.MustCompile(`(?i)\b(create|make|start|open|switch(\s+to)?|check\s*out|checkout|use|new)\b[^.?!\n]*?\bbranch(es)?\b(\s+(called|named)\s+\S+|\s+[\w./-]+)?(\s*$|\s*[,.;:!?]|\s+(for|to|from|off|and|then|so|before|first|please)\b)`)
	stageInstructionRe  = regexp.MustCompile(`(?i)\b(stage|staging)\b[^.?!\n]*?\b(files?|changes?|edits?|everything|it|them|work)\b`)
	actionableRe        = regexp.MustCompile(`(?i)\b(add|adds|adding|implement|fix|update|change|modify|refactor|write|build|remove|delete|rename|replace|create|make|style|restyle|test|tests|convert|migrate|improve|optimi[sz]e|support|render|display|show|hide|move)\b`)
)

// Classify reports whether prompt only asks for branch or staging work that
// needs no code change. An empty result means the prompt needs the LLM.
func Classify(prompt string) SkipReason {
	text := strings.TrimSpace(prompt)
	if text == "" {
		return ""
	}
	if rest, ok := strip(text, branchInstructionRe); ok {
		if rest2, ok := strip(rest, stageInstructionRe); ok {
			rest = rest2
		}
		if !actionableRe.MatchString(rest) {
			return SkipBranchOnly
		}
		return ""
	}
	if rest, ok := strip(text, stageInstructionRe); ok && !actionableRe.MatchString(rest) {
		return SkipStageOnly
	}
	return ""
}

func strip(text string, re *regexp.Regexp) (string, bool) {
	if !re.MatchString(text) {
		return text, false
	}
	return re.ReplaceAllString(text, " "), true
}
