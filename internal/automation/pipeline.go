package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lucidcoder/lucidcoder/internal/branch"
	"github.com/lucidcoder/lucidcoder/internal/config"
	"github.com/lucidcoder/lucidcoder/internal/edits"
	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/goal"
	"github.com/lucidcoder/lucidcoder/internal/llm"
)

// EventStatus carries human-readable progress messages for a goal.
const EventStatus = "automation.status"

// Goals is the slice of the goal service the pipeline drives.
type Goals interface {
	Get(ctx context.Context, id string) (*goal.Goal, error)
	AdvancePhase(ctx context.Context, id string) (*goal.Goal, error)
	SetState(ctx context.Context, id, state, message string) (*goal.Goal, error)
}

// Applier writes and stages edits.
type Applier interface {
	Apply(ctx context.Context, projectID string, list []edits.Edit, opts edits.ApplyOptions) (*edits.ApplyResult, error)
}

// Overviews supplies branch state for prompts.
type Overviews interface {
	Overview(ctx context.Context, projectID string) (*branch.Overview, error)
}

// Workspace resolves a project's directory.
type Workspace interface {
	Workspace(ctx context.Context, projectID string) (string, error)
}

// Settings returns per-project automation settings.
type Settings interface {
	Automation(dir string) (config.Automation, error)
}

// Notifier publishes status events.
type Notifier interface {
	Notify(projectID, eventType string, payload any)
}

// Recorder counts attempts and pipeline outcomes.
type Recorder interface {
	PipelineAttempt(stage, outcome string)
	PipelineResult(result string)
}

// DefaultAutomation is used when no Settings source is configured.
func DefaultAutomation() config.Automation {
	return config.Automation{
		ScopeReflection:        true,
		DefaultTestsNeeded:     true,
		TestsAttempts:          []int{1, 2, 3},
		ImplementationAttempts: []int{1, 2, 3},
		ImplementAfterTests:    true,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithOverviews sets where branch overviews for prompts come from.
func WithOverviews(o Overviews) Option { return func(p *Pipeline) { p.overviews = o } }

// WithWorkspace sets how project directories are resolved.
func WithWorkspace(w Workspace) Option { return func(p *Pipeline) { p.workspace = w } }

// WithSettings sets the per-project automation settings source.
func WithSettings(s Settings) Option { return func(p *Pipeline) { p.settings = s } }

// WithNotifier sets the change event sink.
func WithNotifier(n Notifier) Option { return func(p *Pipeline) { p.notifier = n } }

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option { return func(p *Pipeline) { p.recorder = r } }

// WithDefaults sets the automation settings used when no Settings source
// is configured.
func WithDefaults(a config.Automation) Option {
	return func(p *Pipeline) { p.defaults = a }
}

// AttemptReport describes one attempt within a stage.
type AttemptReport struct {
	Attempt int           `json:"attempt"`
	Outcome string        `json:"outcome"`
	Retry   *RetryContext `json:"retry,omitempty"`
	Files   []string      `json:"files,omitempty"`
}

// StageReport describes one stage of a run.
type StageReport struct {
	Stage    string          `json:"stage"`
	Skipped  bool            `json:"skipped,omitempty"`
	Attempts []AttemptReport `json:"attempts,omitempty"`
}

// Result is the outcome of ProcessGoal.
type Result struct {
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	SkippedReason SkipReason    `json:"skippedReason,omitempty"`
	TestsNeeded   bool          `json:"testsNeeded"`
	Files         []string      `json:"files,omitempty"`
	Stages        []StageReport `json:"stages,omitempty"`
}

// Pipeline processes goals one project at a time.
type Pipeline struct {
	goals     Goals
	llm       llm.Provider
	applier   Applier
	overviews Overviews
	workspace Workspace
	settings  Settings
	notifier  Notifier
	recorder  Recorder
	defaults  config.Automation

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	logger zerolog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(goals Goals, provider llm.Provider, applier Applier, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		goals:    goals,
		llm:      provider,
		applier:  applier,
		defaults: DefaultAutomation(),
		locks:    make(map[string]*sync.Mutex),
		logger:   logger.With().Str("component", "automation.pipeline").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) lock(projectID string) func() {
	p.mu.Lock()
	l, ok := p.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[projectID] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// run holds the state of one ProcessGoal call.
type run struct {
	goal        *goal.Goal
	settings    config.Automation
	scope       *Scope
	testsNeeded bool
	result      *Result
	log         zerolog.Logger
}

// ProcessGoal runs the automation pipeline for one goal. Pipeline failures
// are reported through Result; the error return is reserved for a missing
// goal or one that can no longer be processed.
func (p *Pipeline) ProcessGoal(ctx context.Context, goalID string) (*Result, error) {
	g, err := p.goals.Get(ctx, goalID)
	if err != nil {
		return nil, err
	}
	switch g.State {
	case goal.StateCompleted, goal.StateCancelled:
		return nil, perrors.Transition("goal is already %s", g.State)
	}

	unlock := p.lock(g.ProjectID)
	defer unlock()

	r := &run{
		goal:   g,
		result: &Result{},
		log:    p.logger.With().Str("project_id", g.ProjectID).Str("goal_id", g.ID).Logger(),
	}
	if g.State != goal.StateInProgress {
		if g, err = p.goals.SetState(ctx, g.ID, string(goal.StateInProgress), ""); err != nil {
			return nil, err
		}
		r.goal = g
	}

	if reason := Classify(g.Prompt); reason != "" {
		return p.skip(ctx, r, reason), nil
	}

	p.loadSettings(ctx, r)
	p.reflect(ctx, r)

	testsRan := false
	if r.testsNeeded && len(r.settings.TestsAttempts) > 0 {
		if err := p.advanceTo(ctx, r, goal.PhaseTesting); err != nil {
			return p.fail(ctx, r, err), nil
		}
		if err := p.runStage(ctx, r, StageTests, r.settings.TestsAttempts); err != nil {
			return p.fail(ctx, r, err), nil
		}
		testsRan = true
	} else {
		r.result.Stages = append(r.result.Stages, StageReport{Stage: StageTests, Skipped: true})
	}

	if (!testsRan || r.settings.ImplementAfterTests) && len(r.settings.ImplementationAttempts) > 0 {
		if err := p.advanceTo(ctx, r, goal.PhaseImplementing); err != nil {
			return p.fail(ctx, r, err), nil
		}
		if err := p.runStage(ctx, r, StageImplementation, r.settings.ImplementationAttempts); err != nil {
			return p.fail(ctx, r, err), nil
		}
	} else {
		r.result.Stages = append(r.result.Stages, StageReport{Stage: StageImplementation, Skipped: true})
	}

	if err := p.advanceTo(ctx, r, goal.PhaseReady); err != nil {
		return p.fail(ctx, r, err), nil
	}
	if _, err := p.goals.SetState(ctx, g.ID, string(goal.StateCompleted), ""); err != nil {
		return p.fail(ctx, r, err), nil
	}

	r.result.Success = true
	p.status(r, "Goal completed")
	p.finish("success")
	r.log.Info().Int("files", len(r.result.Files)).Bool("tests_needed", r.testsNeeded).Msg("goal processed")
	return r.result, nil
}

func (p *Pipeline) skip(ctx context.Context, r *run, reason SkipReason) *Result {
	if err := p.advanceTo(ctx, r, goal.PhaseReady); err != nil {
		return p.fail(ctx, r, err)
	}
	if _, err := p.goals.SetState(ctx, r.goal.ID, string(goal.StateCompleted), ""); err != nil {
		return p.fail(ctx, r, err)
	}
	r.result.Success = true
	r.result.SkippedReason = reason
	p.status(r, fmt.Sprintf("No code changes needed (%s instruction)", reason))
	p.finish(string(reason))
	r.log.Info().Str("skipped_reason", string(reason)).Msg("goal skipped")
	return r.result
}

func (p *Pipeline) fail(ctx context.Context, r *run, err error) *Result {
	msg := err.Error()
	if _, serr := p.goals.SetState(ctx, r.goal.ID, string(goal.StateFailed), msg); serr != nil {
		r.log.Warn().Err(serr).Msg("failed to mark goal failed")
	}
	r.result.Success = false
	r.result.Error = msg
	p.status(r, "Goal failed: "+msg)
	p.finish("failure")
	r.log.Warn().Err(err).Msg("goal failed")
	return r.result
}

func (p *Pipeline) loadSettings(ctx context.Context, r *run) {
	r.settings = p.defaults
	if p.settings == nil || p.workspace == nil {
		return
	}
	dir, err := p.workspace.Workspace(ctx, r.goal.ProjectID)
	if err != nil {
		r.log.Warn().Err(err).Msg("workspace lookup failed, using default automation settings")
		return
	}
	s, err := p.settings.Automation(dir)
	if err != nil {
		r.log.Warn().Err(err).Msg("project settings unreadable, using defaults")
	}
	if s.TestsAttempts != nil || s.ImplementationAttempts != nil {
		r.settings = s
	}
}

// reflect runs scope reflection. Failures are not fatal.
func (p *Pipeline) reflect(ctx context.Context, r *run) {
	r.testsNeeded = r.settings.DefaultTestsNeeded
	r.scope = NewScope(nil, nil, "")
	r.result.TestsNeeded = r.testsNeeded
	if !r.settings.ScopeReflection {
		return
	}

	raw, err := llm.Complete(ctx, p.llm, reflectionSystemPrompt, reflectionPrompt(r.goal, p.overview(ctx, r)))
	if err != nil {
		r.log.Warn().Err(err).Msg("scope reflection failed, using defaults")
		p.attempt(StageReflection, "llm_error")
		return
	}
	ref, err := ParseReflection(raw)
	if err != nil {
		r.log.Warn().Err(err).Msg("scope reflection unparsable, using defaults")
		p.attempt(StageReflection, "unparsable")
		return
	}
	if ref.TestsNeeded != nil {
		r.testsNeeded = *ref.TestsNeeded
	}
	r.scope = ScopeFromReflection(ref)
	r.result.TestsNeeded = r.testsNeeded
	p.attempt(StageReflection, "ok")
}

// runStage walks the attempt sequence. A successful apply ends the stage;
// recoverable failures feed the next attempt's prompt until the sequence
// is exhausted.
func (p *Pipeline) runStage(ctx context.Context, r *run, stage string, attempts []int) error {
	report := StageReport{Stage: stage}
	defer func() { r.result.Stages = append(r.result.Stages, report) }()

	var retry *RetryContext
	for i, attempt := range attempts {
		last := i == len(attempts)-1
		p.status(r, fmt.Sprintf("Running %s stage (attempt %d)", stage, attempt))

		prompt := stagePrompt(promptInput{
			goal:     r.goal,
			stage:    stage,
			attempt:  attempt,
			scope:    r.scope,
			overview: p.overview(ctx, r),
			retry:    retry,
		})
		raw, err := llm.Complete(ctx, p.llm, editSystemPrompt, prompt)
		if err != nil {
			p.attempt(stage, "llm_error")
			report.Attempts = append(report.Attempts, AttemptReport{Attempt: attempt, Outcome: "llm_error"})
			return fmt.Errorf("%s stage: %w", stage, err)
		}

		files, err := p.tryEdits(ctx, r, stage, raw)
		if err == nil {
			p.attempt(stage, "applied")
			report.Attempts = append(report.Attempts, AttemptReport{Attempt: attempt, Outcome: "applied", Files: files})
			r.result.Files = appendUnique(r.result.Files, files...)
			return nil
		}

		next, ok := ContextFor(stage, attempt, err)
		if !ok {
			p.attempt(stage, "error")
			report.Attempts = append(report.Attempts, AttemptReport{Attempt: attempt, Outcome: "error"})
			return err
		}
		retry = MergeRetryContext(retry, next)
		p.attempt(stage, string(next.Kind))
		report.Attempts = append(report.Attempts, AttemptReport{Attempt: attempt, Outcome: string(next.Kind), Retry: retry})
		r.log.Info().Str("stage", stage).Int("attempt", attempt).Str("kind", string(next.Kind)).Str("path", next.Path).Msg("attempt failed")

		if last {
			return finalError(err)
		}
	}
	return nil
}

func (p *Pipeline) tryEdits(ctx context.Context, r *run, stage, raw string) ([]string, error) {
	parsed := edits.Parse(raw)
	if len(parsed) == 0 {
		return nil, &edits.EmptyEditsError{Stage: stage}
	}
	if err := r.scope.Validate(stage, parsed); err != nil {
		return nil, err
	}
	res, err := p.applier.Apply(ctx, r.goal.ProjectID, parsed, edits.ApplyOptions{
		Stage:       stage,
		Source:      branch.SourceAI,
		Description: r.goal.Title,
	})
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		files = append(files, f.Path)
	}
	return files, nil
}

// finalError surfaces the last failure as the goal's error.
func finalError(err error) error {
	var empty *edits.EmptyEditsError
	if errors.As(err, &empty) {
		return fmt.Errorf("LLM returned no edits for the %s stage", empty.Stage)
	}
	return err
}

func (p *Pipeline) advanceTo(ctx context.Context, r *run, target goal.Phase) error {
	for r.goal.Phase != target && phaseIndex(r.goal.Phase) < phaseIndex(target) {
		g, err := p.goals.AdvancePhase(ctx, r.goal.ID)
		if err != nil {
			return err
		}
		r.goal = g
	}
	return nil
}

func phaseIndex(ph goal.Phase) int {
	i := 0
	for p := goal.PhasePlanning; p != ph; i++ {
		next, ok := p.Next()
		if !ok {
			return -1
		}
		p = next
	}
	return i
}

func (p *Pipeline) overview(ctx context.Context, r *run) *branch.Overview {
	if p.overviews == nil {
		return nil
	}
	ov, err := p.overviews.Overview(ctx, r.goal.ProjectID)
	if err != nil {
		r.log.Debug().Err(err).Msg("overview unavailable for prompt")
		return nil
	}
	return ov
}

func (p *Pipeline) status(r *run, msg string) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(r.goal.ProjectID, EventStatus, map[string]string{"goalId": r.goal.ID, "message": msg})
}

func (p *Pipeline) attempt(stage, outcome string) {
	if p.recorder != nil {
		p.recorder.PipelineAttempt(stage, outcome)
	}
}

func (p *Pipeline) finish(result string) {
	if p.recorder != nil {
		p.recorder.PipelineResult(result)
	}
}

func appendUnique(dst []string, src ...string) []string {
	for _, s := range src {
		dup := false
		for _, d := range dst {
			if d == s {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}
