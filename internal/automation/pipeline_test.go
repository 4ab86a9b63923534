package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidcoder/lucidcoder/internal/config"
	"github.com/lucidcoder/lucidcoder/internal/edits"
	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/goal"
	"github.com/lucidcoder/lucidcoder/internal/llm"
)

type fakeGoals struct {
	mu       sync.Mutex
	goals    map[string]*goal.Goal
	advances int
	states   []goal.State
}

func newFakeGoals(prompt string) *fakeGoals {
	return &fakeGoals{goals: map[string]*goal.Goal{
		"g1": {ID: "g1", ProjectID: "p1", Title: "t", Prompt: prompt, Phase: goal.PhasePlanning, State: goal.StatePending},
	}}
}

func (f *fakeGoals) Get(_ context.Context, id string) (*goal.Goal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[id]
	if !ok {
		return nil, perrors.NotFound("goal %q not found", id)
	}
	c := *g
	return &c, nil
}

func (f *fakeGoals) AdvancePhase(_ context.Context, id string) (*goal.Goal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.goals[id]
	next, ok := g.Phase.Next()
	if !ok {
		return nil, perrors.Transition("already ready")
	}
	g.Phase = next
	f.advances++
	c := *g
	return &c, nil
}

func (f *fakeGoals) SetState(_ context.Context, id, state, message string) (*goal.Goal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.goals[id]
	to := goal.State(state)
	if !goal.CanTransition(g.State, to) {
		return nil, perrors.Transition("bad transition")
	}
	g.State = to
	g.Error = nil
	if message != "" {
		g.Error = &message
	}
	f.states = append(f.states, to)
	c := *g
	return &c, nil
}

// scriptedLLM answers calls in order and records every prompt.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	errs      map[int]error
	prompts   []string
}

func (s *scriptedLLM) Name() string    { return "scripted" }
func (s *scriptedLLM) ModelID() string { return "scripted-1" }

func (s *scriptedLLM) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.prompts)
	s.prompts = append(s.prompts, req.Messages[0].Content)
	if err := s.errs[i]; err != nil {
		return nil, err
	}
	if i >= len(s.responses) {
		return &llm.CompletionResponse{Text: "{}"}, nil
	}
	return &llm.CompletionResponse{Text: s.responses[i]}, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

type scriptedApplier struct {
	mu    sync.Mutex
	errs  []error
	calls [][]edits.Edit
}

func (a *scriptedApplier) Apply(_ context.Context, _ string, list []edits.Edit, _ edits.ApplyOptions) (*edits.ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := len(a.calls)
	a.calls = append(a.calls, list)
	if i < len(a.errs) && a.errs[i] != nil {
		return nil, a.errs[i]
	}
	res := &edits.ApplyResult{}
	for _, e := range list {
		res.Files = append(res.Files, edits.FileChange{Path: e.Path, Type: e.Type})
	}
	return res, nil
}

type countingRecorder struct {
	mu       sync.Mutex
	attempts map[string]int
	results  map[string]int
}

func (c *countingRecorder) PipelineAttempt(stage, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempts == nil {
		c.attempts = map[string]int{}
	}
	c.attempts[stage+"/"+outcome]++
}

func (c *countingRecorder) PipelineResult(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = map[string]int{}
	}
	c.results[result]++
}

type fixedSettings struct {
	a   config.Automation
	err error
}

func (f fixedSettings) Automation(string) (config.Automation, error) { return f.a, f.err }

type staticWorkspace struct{}

func (staticWorkspace) Workspace(context.Context, string) (string, error) { return "/tmp/p1", nil }

const (
	testEdit = "```json\n{\"edits\":[{\"type\":\"upsert\",\"path\":\"src/App.test.jsx\",\"content\":\"test('x', () => {})\"}]}\n```"
	implEdit = `{"edits":[{"type":"modify","path":"src/App.jsx","replacements":[{"search":"old","replace":"new"}]}]}`
)

func settings(reflection, testsNeeded bool, tests, impl []int) config.Automation {
	return config.Automation{
		ScopeReflection:        reflection,
		DefaultTestsNeeded:     testsNeeded,
		TestsAttempts:          tests,
		ImplementationAttempts: impl,
		ImplementAfterTests:    true,
	}
}

type pipelineHarness struct {
	p        *Pipeline
	goals    *fakeGoals
	llm      *scriptedLLM
	applier  *scriptedApplier
	recorder *countingRecorder
}

func newPipelineHarness(prompt string, a config.Automation, responses ...string) *pipelineHarness {
	h := &pipelineHarness{
		goals:    newFakeGoals(prompt),
		llm:      &scriptedLLM{responses: responses, errs: map[int]error{}},
		applier:  &scriptedApplier{},
		recorder: &countingRecorder{},
	}
	h.p = NewPipeline(h.goals, h.llm, h.applier, zerolog.Nop(),
		WithWorkspace(staticWorkspace{}),
		WithSettings(fixedSettings{a: a}),
		WithRecorder(h.recorder),
	)
	return h
}

func (h *pipelineHarness) goal() *goal.Goal {
	g, _ := h.goals.Get(context.Background(), "g1")
	return g
}

func TestProcessGoal_BranchOnlySkipsLLM(t *testing.T) {
	h := newPipelineHarness("Please create a branch for QA validation", DefaultAutomation())

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, SkipBranchOnly, res.SkippedReason)
	assert.Equal(t, 0, h.llm.calls())
	assert.Empty(t, h.applier.calls)
	assert.Equal(t, 4, h.goals.advances)
	assert.Equal(t, goal.PhaseReady, h.goal().Phase)
	assert.Equal(t, goal.StateCompleted, h.goal().State)
	assert.Equal(t, 1, h.recorder.results["branch-only"])
}

func TestProcessGoal_StageOnly(t *testing.T) {
	h := newPipelineHarness("Stage the edited files", DefaultAutomation())
	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, SkipStageOnly, res.SkippedReason)
	assert.Equal(t, 0, h.llm.calls())
}

func TestProcessGoal_ScopeViolationRetriedWithContext(t *testing.T) {
	h := newPipelineHarness("Add a dark mode toggle", settings(false, true, []int{1, 2}, []int{1}),
		testEdit, testEdit, implEdit)
	h.applier.errs = []error{&edits.ScopeViolationError{
		Path:         "src/App.test.jsx",
		Message:      "Edit to src/App.test.jsx touches a protected fixture",
		ScopeWarning: "Keep fixtures untouched",
	}}

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	require.Equal(t, 3, h.llm.calls())
	second := h.llm.prompts[1]
	assert.Contains(t, second, "src/App.test.jsx")
	assert.Contains(t, second, "touches a protected fixture")
	assert.Contains(t, second, "Keep fixtures untouched")
	assert.NotContains(t, h.llm.prompts[0], "previous attempt failed")

	require.Len(t, res.Stages, 2)
	assert.Equal(t, StageTests, res.Stages[0].Stage)
	require.Len(t, res.Stages[0].Attempts, 2)
	assert.Equal(t, string(FailureScopeViolation), res.Stages[0].Attempts[0].Outcome)
	assert.Equal(t, "applied", res.Stages[0].Attempts[1].Outcome)
	assert.ElementsMatch(t, []string{"src/App.test.jsx", "src/App.jsx"}, res.Files)

	assert.Equal(t, 4, h.goals.advances)
	assert.Equal(t, goal.StateCompleted, h.goal().State)
	assert.Equal(t, 1, h.recorder.attempts["tests/scope_violation"])
	assert.Equal(t, 1, h.recorder.results["success"])
}

func TestProcessGoal_ImplementationEmptyEditsFails(t *testing.T) {
	h := newPipelineHarness("Refactor the header", settings(false, false, []int{1, 2, 3}, []int{1}),
		"I could not find anything to change.")

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "implementation stage")
	assert.Empty(t, h.applier.calls)
	assert.Equal(t, 1, h.llm.calls())

	g := h.goal()
	assert.Equal(t, goal.StateFailed, g.State)
	require.NotNil(t, g.Error)
	assert.Contains(t, *g.Error, "implementation stage")
	assert.Equal(t, 1, h.recorder.results["failure"])
}

func TestProcessGoal_ScopeContextSurvivesEmptyEdits(t *testing.T) {
	// attempt 1 edits a non-test file in the tests stage, attempt 2 returns nothing
	h := newPipelineHarness("Add a footer", settings(false, true, []int{1, 2, 3}, []int{}),
		implEdit, "nothing to do", testEdit)

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	third := h.llm.prompts[2]
	assert.Contains(t, third, "Scope violation at src/App.jsx")
	assert.Contains(t, third, "no usable edits")
	assert.Len(t, h.applier.calls, 1)
}

func TestProcessGoal_ReplacementErrorRetries(t *testing.T) {
	h := newPipelineHarness("Rename the button", settings(false, false, nil, []int{1, 2}), implEdit, implEdit)
	h.applier.errs = []error{&edits.ReplacementError{Path: "src/App.jsx", Search: "old", Reason: "search text not found"}}

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, h.llm.prompts[1], "could not be applied")
	assert.Contains(t, h.llm.prompts[1], "old")
}

func TestProcessGoal_ExhaustedScopeViolationSurfacesMessage(t *testing.T) {
	h := newPipelineHarness("Add tests", settings(false, true, []int{1, 2}, []int{1}), implEdit, implEdit)

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Tests stage may only modify test files")
	assert.Equal(t, 2, h.llm.calls())
	assert.Empty(t, h.applier.calls)
}

func TestProcessGoal_ApplyFailureIsFatal(t *testing.T) {
	h := newPipelineHarness("Change colors", settings(false, false, nil, []int{1, 2, 3}), implEdit)
	h.applier.errs = []error{errors.New("disk full")}

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "disk full", res.Error)
	assert.Equal(t, 1, h.llm.calls(), "non-recoverable errors are not retried")
}

func TestProcessGoal_ReflectionDecidesTests(t *testing.T) {
	h := newPipelineHarness("Tweak padding", settings(true, true, []int{1}, []int{1}),
		`{"testsNeeded": false, "allowedPaths": ["src/**"], "scopeWarning": "styles only"}`, implEdit)

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.False(t, res.TestsNeeded)
	require.Len(t, res.Stages, 2)
	assert.True(t, res.Stages[0].Skipped)
	assert.Contains(t, h.llm.prompts[1], "styles only")
	assert.Equal(t, 4, h.goals.advances)
}

func TestProcessGoal_ReflectionFailureIsNotFatal(t *testing.T) {
	h := newPipelineHarness("Add a chart", settings(true, true, []int{1}, []int{1}), "", testEdit, implEdit)
	h.llm.errs[0] = errors.New("connection refused")

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.True(t, res.TestsNeeded)
	assert.Equal(t, 3, h.llm.calls())
	assert.Equal(t, 1, h.recorder.attempts["scope-reflection/llm_error"])
}

func TestProcessGoal_StageLLMErrorFails(t *testing.T) {
	h := newPipelineHarness("Add a chart", settings(false, false, nil, []int{1, 2}))
	h.llm.errs[0] = errors.New("connection refused")

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Error, "implementation stage"))
	assert.Equal(t, 1, h.llm.calls())
}

func TestProcessGoal_ImplementAfterTestsDisabled(t *testing.T) {
	a := settings(false, true, []int{1}, []int{1})
	a.ImplementAfterTests = false
	h := newPipelineHarness("Add a chart", a, testEdit)

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, h.llm.calls())
	assert.True(t, res.Stages[1].Skipped)
}

func TestProcessGoal_Preconditions(t *testing.T) {
	h := newPipelineHarness("x", DefaultAutomation())
	_, err := h.p.ProcessGoal(context.Background(), "missing")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	h.goals.goals["g1"].State = goal.StateCompleted
	_, err = h.p.ProcessGoal(context.Background(), "g1")
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
}

func TestProcessGoal_RetryAfterFailure(t *testing.T) {
	h := newPipelineHarness("Refactor the header", settings(false, false, nil, []int{1}), "nothing", implEdit)

	res, err := h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	require.False(t, res.Success)

	res, err = h.p.ProcessGoal(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, goal.StateCompleted, h.goal().State)
	assert.Equal(t, goal.PhaseReady, h.goal().Phase)
}

func TestProcessGoal_SerializesPerProject(t *testing.T) {
	h := newPipelineHarness("Refactor", settings(false, false, nil, []int{1}), implEdit, implEdit)
	h.goals.goals["g2"] = &goal.Goal{ID: "g2", ProjectID: "p1", Prompt: "Refactor more", Phase: goal.PhasePlanning, State: goal.StatePending}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i, id := range []string{"g1", "g2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], _ = h.p.ProcessGoal(context.Background(), id)
		}(i, id)
	}
	wg.Wait()
	for _, r := range results {
		require.NotNil(t, r)
		assert.True(t, r.Success, r.Error)
	}
	assert.Equal(t, 2, h.llm.calls())
}
