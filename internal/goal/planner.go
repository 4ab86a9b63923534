package goal

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lucidcoder/lucidcoder/internal/llm"
)

const maxPlannedGoals = 8

var planningPrompt = `You are a planning engine for a coding assistant. Break the user's request into a short ordered list of independent, testable goals.

Respond ONLY with valid JSON (no markdown, no explanation):
{
  "goals": [
    {"title": "<short imperative title>", "prompt": "<self-contained instruction for this goal>"}
  ]
}

Rules:
- Between 1 and 8 goals.
- Each prompt must make sense without reading the others.
- Do not include goals for creating branches, staging or committing.`

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// PlannedGoal is one child goal proposed by the planner.
type PlannedGoal struct {
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
}

// Planner decomposes a prompt into child goals with an LLM.
type Planner struct {
	provider llm.Provider
	logger   zerolog.Logger
}

// NewPlanner creates a Planner backed by provider.
func NewPlanner(provider llm.Provider, logger zerolog.Logger) *Planner {
	return &Planner{
		provider: provider,
		logger:   logger.With().Str("component", "goal.planner").Logger(),
	}
}

// Decompose asks the LLM for child goals. Unparsable output falls back to a
// single child carrying the original prompt. LLM failures are returned as
// llm errors so callers can decide how to fall back.
func (p *Planner) Decompose(ctx context.Context, prompt string) ([]PlannedGoal, bool, error) {
	text, err := llm.Complete(ctx, p.provider, planningPrompt, "Request: "+prompt)
	if err != nil {
		return nil, false, err
	}

	planned, ok := parsePlan(text)
	if !ok {
		p.logger.Warn().Str("text", truncate(text, 200)).Msg("plan parse failed, fallback single goal")
		return fallbackPlan(prompt), true, nil
	}
	return planned, false, nil
}

func parsePlan(text string) ([]PlannedGoal, bool) {
	body := strings.TrimSpace(text)
	if m := jsonFenceRe.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	}

	var parsed struct {
		Goals []PlannedGoal `json:"goals"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, false
	}
	out := make([]PlannedGoal, 0, len(parsed.Goals))
	for _, g := range parsed.Goals {
		g.Prompt = strings.TrimSpace(g.Prompt)
		g.Title = strings.TrimSpace(g.Title)
		if g.Prompt == "" {
			continue
		}
		if g.Title == "" {
			g.Title = titleFrom(g.Prompt)
		}
		out = append(out, g)
		if len(out) == maxPlannedGoals {
			break
		}
	}
	return out, len(out) > 0
}

func fallbackPlan(prompt string) []PlannedGoal {
	return []PlannedGoal{{Title: titleFrom(prompt), Prompt: prompt}}
}

func titleFrom(prompt string) string {
	line := strings.TrimSpace(prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	return truncate(line, 80)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
