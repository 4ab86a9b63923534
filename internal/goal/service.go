package goal

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/store"
)

// Notifier receives goal change events.
type Notifier interface {
	Notify(projectID, eventType string, payload any)
}

// Option configures a Service.
type Option func(*Service)

// WithPlanner enables LLM decomposition in Plan.
func WithPlanner(p *Planner) Option { return func(s *Service) { s.planner = p } }

// WithNotifier publishes goals.updated events.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service manages goals.
type Service struct {
	store    *Store
	planner  *Planner
	notifier Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates a goal service.
func NewService(ds *store.Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  NewStore(ds),
		now:    time.Now,
		logger: logger.With().Str("component", "goal.service").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) newGoal(projectID string, parentID *string, title, prompt string) *Goal {
	now := s.now().UTC()
	if title == "" {
		title = titleFrom(prompt)
	}
	return &Goal{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		ParentID:  parentID,
		Title:     title,
		Prompt:    prompt,
		Phase:     PhasePlanning,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) checkProject(ctx context.Context, projectID string) error {
	ok, err := s.store.ProjectExists(ctx, projectID)
	if err != nil {
		return err
	}
	if !ok {
		return perrors.NotFound("project %q not found", projectID)
	}
	return nil
}

func (s *Service) notify(projectID string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(projectID, EventGoalsUpdated, payload)
	}
}

// Create stores a new root or child goal.
func (s *Service) Create(ctx context.Context, projectID string, req CreateRequest) (*Goal, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, perrors.Invalid("prompt is required")
	}
	if err := s.checkProject(ctx, projectID); err != nil {
		return nil, err
	}

	var parentID *string
	if req.ParentID != "" {
		parent, err := s.store.Get(ctx, req.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.ProjectID != projectID {
			return nil, perrors.Invalid("parent goal belongs to another project")
		}
		parentID = &parent.ID
	}

	g := s.newGoal(projectID, parentID, strings.TrimSpace(req.Title), prompt)
	if err := s.store.Insert(ctx, g); err != nil {
		return nil, err
	}
	s.logger.Info().Str("project_id", projectID).Str("goal_id", g.ID).Msg("goal created")
	s.notify(projectID, g)
	return g, nil
}

// Plan creates a parent goal for prompt and child goals from the planner.
// Without a planner, or when the LLM call fails, one child carries the
// whole prompt and the result is marked as a fallback.
func (s *Service) Plan(ctx context.Context, projectID, prompt string) (*PlanResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, perrors.Invalid("prompt is required")
	}
	if err := s.checkProject(ctx, projectID); err != nil {
		return nil, err
	}

	planned, fallback := fallbackPlan(prompt), true
	if s.planner != nil {
		p, fb, err := s.planner.Decompose(ctx, prompt)
		if err != nil {
			s.logger.Warn().Err(err).Str("project_id", projectID).Msg("planning failed, using single goal")
		} else {
			planned, fallback = p, fb
		}
	}

	parent := s.newGoal(projectID, nil, "", prompt)
	children := make([]*Goal, 0, len(planned))
	for i, pg := range planned {
		c := s.newGoal(projectID, &parent.ID, pg.Title, pg.Prompt)
		// keep sibling order stable when the clock does not advance
		c.CreatedAt = c.CreatedAt.Add(time.Duration(i+1) * time.Millisecond)
		c.UpdatedAt = c.CreatedAt
		children = append(children, c)
	}

	if err := s.store.Insert(ctx, append([]*Goal{parent}, children...)...); err != nil {
		return nil, err
	}
	parent.Children = children

	s.logger.Info().
		Str("project_id", projectID).
		Str("goal_id", parent.ID).
		Int("children", len(children)).
		Bool("fallback", fallback).
		Msg("goal planned")
	s.notify(projectID, parent)
	return &PlanResult{Parent: parent, Children: children, Fallback: fallback}, nil
}

// Get returns a goal with its descendants.
func (s *Service) Get(ctx context.Context, id string) (*Goal, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListByProject(ctx, g.ProjectID)
	if err != nil {
		return nil, err
	}
	for _, root := range buildTree(all) {
		if found := find(root, id); found != nil {
			return found, nil
		}
	}
	return g, nil
}

// List returns a project's goals as a forest of root goals.
func (s *Service) List(ctx context.Context, projectID string) ([]*Goal, error) {
	if err := s.checkProject(ctx, projectID); err != nil {
		return nil, err
	}
	all, err := s.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return buildTree(all), nil
}

func buildTree(all []*Goal) []*Goal {
	byID := make(map[string]*Goal, len(all))
	for _, g := range all {
		byID[g.ID] = g
	}
	roots := make([]*Goal, 0)
	for _, g := range all {
		if g.ParentID != nil {
			if parent, ok := byID[*g.ParentID]; ok {
				parent.Children = append(parent.Children, g)
				continue
			}
		}
		roots = append(roots, g)
	}
	return roots
}

func find(g *Goal, id string) *Goal {
	if g.ID == id {
		return g
	}
	for _, c := range g.Children {
		if f := find(c, id); f != nil {
			return f
		}
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(g *Goal) error) (*Goal, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(g); err != nil {
		return nil, err
	}
	g.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, g); err != nil {
		return nil, err
	}
	s.notify(g.ProjectID, g)
	return g, nil
}

// AdvancePhase moves a goal to the next phase.
func (s *Service) AdvancePhase(ctx context.Context, id string) (*Goal, error) {
	return s.mutate(ctx, id, func(g *Goal) error {
		next, ok := g.Phase.Next()
		if !ok {
			return perrors.Transition("goal is already in phase %s", g.Phase)
		}
		g.Phase = next
		return nil
	})
}

// SetPhase moves a goal forward by exactly one phase or resets it to planning.
func (s *Service) SetPhase(ctx context.Context, id, phase string) (*Goal, error) {
	target, err := ParsePhase(phase)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(g *Goal) error {
		if target == PhasePlanning {
			g.Phase = target
			return nil
		}
		if next, ok := g.Phase.Next(); !ok || next != target {
			return perrors.Transition("cannot move goal from phase %s to %s", g.Phase, target)
		}
		g.Phase = target
		return nil
	})
}

// SetState applies a state transition. message is recorded as the goal's
// error when moving to failed and cleared on any other transition.
func (s *Service) SetState(ctx context.Context, id, state, message string) (*Goal, error) {
	target, err := ParseState(state)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(g *Goal) error {
		if err := checkTransition(g.State, target); err != nil {
			return err
		}
		g.State = target
		g.Error = nil
		if target == StateFailed && message != "" {
			g.Error = &message
		}
		return nil
	})
}

// Delete removes a goal and its descendants.
func (s *Service) Delete(ctx context.Context, id string) error {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("project_id", g.ProjectID).Str("goal_id", id).Msg("goal deleted")
	s.notify(g.ProjectID, map[string]string{"deleted": id})
	return nil
}
