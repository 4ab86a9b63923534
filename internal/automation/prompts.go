package automation

import (
	"fmt"
	"strings"

	"github.com/lucidcoder/lucidcoder/internal/branch"
	"github.com/lucidcoder/lucidcoder/internal/goal"
)

const reflectionSystemPrompt = `You review coding requests before any file is edited.
Decide whether the request needs new or updated automated tests, and which project paths the change may touch.

Respond ONLY with JSON:
{"testsNeeded": true, "allowedPaths": ["src/**"], "forbiddenPaths": ["package-lock.json"], "scopeWarning": "<one sentence for the editor>", "summary": "<one sentence>"}

Use glob patterns relative to the project root. Leave allowedPaths empty when any path may change.`

const editSystemPrompt = `You edit files in a software project. Respond ONLY with JSON:
{"edits": [
  {"type": "modify", "path": "src/App.jsx", "replacements": [{"search": "<exact existing text>", "replace": "<new text>"}]},
  {"type": "upsert", "path": "src/new.js", "content": "<full file content>"},
  {"type": "delete", "path": "src/old.js"}
]}

Rules:
- Paths are relative to the project root.
- Every search string must appear exactly once in the current file.
- Return an empty edits list only if nothing needs to change.`

type promptInput struct {
	goal     *goal.Goal
	stage    string
	attempt  int
	scope    *Scope
	overview *branch.Overview
	retry    *RetryContext
}

func reflectionPrompt(g *goal.Goal, ov *branch.Overview) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n", g.Prompt)
	writeBranchState(&b, ov)
	return b.String()
}

func stagePrompt(in promptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s (attempt %d)\n\n", in.stage, in.attempt)
	fmt.Fprintf(&b, "Goal:\n%s\n", in.goal.Prompt)

	switch in.stage {
	case StageTests:
		b.WriteString("\nWrite or update automated tests that capture the goal. Edit test files only.\n")
	case StageImplementation:
		b.WriteString("\nImplement the goal so the tests pass.\n")
	}

	if in.scope != nil && in.scope.Warning() != "" {
		fmt.Fprintf(&b, "\nScope: %s\n", in.scope.Warning())
	}
	writeBranchState(&b, in.overview)

	if rc := in.retry; rc != nil {
		b.WriteString("\nThe previous attempt failed.\n")
		switch rc.Kind {
		case FailureScopeViolation:
			fmt.Fprintf(&b, "Scope violation at %s: %s\n", rc.Path, rc.Message)
			if rc.ScopeWarning != "" {
				fmt.Fprintf(&b, "Scope warning: %s\n", rc.ScopeWarning)
			}
		case FailureReplacement:
			fmt.Fprintf(&b, "A replacement in %s could not be applied: %s\n", rc.Path, rc.Message)
			if rc.Search != "" {
				fmt.Fprintf(&b, "Search text that failed:\n%s\n", rc.Search)
			}
			b.WriteString("Copy search text exactly from the current file or replace the whole file with an upsert.\n")
		default:
			fmt.Fprintf(&b, "%s\n", rc.Message)
		}
		if rc.Latest == FailureEmptyEdits {
			b.WriteString("The last response contained no usable edits. Return at least one edit.\n")
		}
	}
	return b.String()
}

func writeBranchState(b *strings.Builder, ov *branch.Overview) {
	if ov == nil {
		return
	}
	fmt.Fprintf(b, "\nCurrent branch: %s\n", ov.Current)
	for _, wb := range ov.WorkingBranches {
		if wb.Name != ov.Current || len(wb.StagedFiles) == 0 {
			continue
		}
		b.WriteString("Staged files:\n")
		for _, f := range wb.StagedFiles {
			fmt.Fprintf(b, "- %s\n", f.Path)
		}
	}
}
