package edits

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/lucidcoder/lucidcoder/internal/branch"
	"github.com/lucidcoder/lucidcoder/internal/workspace"
)

// Workspace resolves a project ID to its directory.
type Workspace interface {
	Workspace(ctx context.Context, projectID string) (string, error)
}

// Stager records changed files on the branch workflow.
type Stager interface {
	StageFile(ctx context.Context, projectID string, req branch.StageRequest) (*branch.BranchResult, error)
}

// PathChecker vetoes paths an edit may not touch. Returning a
// *ScopeViolationError marks the veto as retryable.
type PathChecker interface {
	Check(rel string) error
}

// ApplyOptions controls one Apply call.
type ApplyOptions struct {
	Stage       string
	Source      branch.Source
	Description string
	BranchName  string
	Scope       PathChecker
}

// FileChange describes one written file.
type FileChange struct {
	Path    string `json:"path"`
	Type    Type   `json:"type"`
	Patch   string `json:"patch"`
	Created bool   `json:"created,omitempty"`
}

// ApplyResult is the outcome of a successful Apply.
type ApplyResult struct {
	Files    []FileChange     `json:"files"`
	Overview *branch.Overview `json:"overview,omitempty"`
}

// Applier writes edits into a project workspace and stages them.
type Applier struct {
	ws     Workspace
	stager Stager
	dmp    *diffmatchpatch.DiffMatchPatch
	logger zerolog.Logger
}

// NewApplier creates an Applier.
func NewApplier(ws Workspace, stager Stager, logger zerolog.Logger) *Applier {
	return &Applier{
		ws:     ws,
		stager: stager,
		dmp:    diffmatchpatch.New(),
		logger: logger.With().Str("component", "edits.applier").Logger(),
	}
}

type plannedWrite struct {
	edit    Edit
	abs     string
	rel     string
	before  string
	after   string
	existed bool
	perm    fs.FileMode
}

// Apply validates every edit before writing any of them, so a rejected
// batch leaves the workspace untouched. Edits that would not change a file
// are skipped; a batch of only such edits fails with EmptyEditsError.
func (a *Applier) Apply(ctx context.Context, projectID string, list []Edit, opts ApplyOptions) (*ApplyResult, error) {
	if len(list) == 0 {
		return nil, &EmptyEditsError{Stage: opts.Stage}
	}
	dir, err := a.ws.Workspace(ctx, projectID)
	if err != nil {
		return nil, err
	}
	guard, err := workspace.NewGuard(dir)
	if err != nil {
		return nil, err
	}

	var plan []plannedWrite
	seen := make(map[string]int)
	for _, e := range list {
		w, err := a.resolve(guard, e, opts)
		if err != nil {
			return nil, err
		}
		// later edits to the same file build on earlier ones
		i, dup := seen[w.rel]
		var current string
		var present bool
		if dup {
			prev := plan[i]
			w.before, w.existed, w.perm = prev.before, prev.existed, prev.perm
			current, present = prev.after, prev.edit.Type != TypeDelete
		} else if err := w.load(); err != nil {
			return nil, err
		} else {
			current, present = w.before, w.existed
		}
		if w.after, err = transform(w.rel, e, current, present); err != nil {
			return nil, err
		}
		if dup {
			plan[i] = w
			continue
		}
		seen[w.rel] = len(plan)
		plan = append(plan, w)
	}

	changed := plan[:0]
	for _, w := range plan {
		if w.edit.Type == TypeDelete && !w.existed {
			continue
		}
		if w.edit.Type != TypeDelete && w.existed && w.before == w.after {
			continue
		}
		changed = append(changed, w)
	}
	if len(changed) == 0 {
		return nil, &EmptyEditsError{Stage: opts.Stage}
	}

	source := opts.Source
	if source == "" {
		source = branch.SourceAI
	}
	res := &ApplyResult{Files: make([]FileChange, 0, len(changed))}
	for _, w := range changed {
		if err := a.write(w); err != nil {
			return res, err
		}
		fc := FileChange{
			Path:    w.rel,
			Type:    w.edit.Type,
			Patch:   a.patch(w.before, w.after),
			Created: !w.existed,
		}
		res.Files = append(res.Files, fc)

		if a.stager == nil {
			continue
		}
		staged, err := a.stager.StageFile(ctx, projectID, branch.StageRequest{
			FilePath:    w.rel,
			Source:      source,
			Description: opts.Description,
			BranchName:  opts.BranchName,
		})
		if err != nil {
			return res, fmt.Errorf("staging %s: %w", w.rel, err)
		}
		res.Overview = staged.Overview
		// the first staged file may auto-create the branch the rest must follow
		if opts.BranchName == "" && staged.Branch != nil {
			opts.BranchName = staged.Branch.Name
		}
	}

	a.logger.Info().
		Str("project_id", projectID).
		Str("stage", opts.Stage).
		Int("files", len(res.Files)).
		Msg("edits applied")
	return res, nil
}

func (a *Applier) resolve(guard *workspace.Guard, e Edit, opts ApplyOptions) (plannedWrite, error) {
	if !e.Type.Valid() {
		return plannedWrite{}, fmt.Errorf("unknown edit type %q for %s", e.Type, e.Path)
	}
	abs, rel, err := guard.Resolve(e.Path)
	if err != nil {
		if workspace.IsTraversal(err) {
			return plannedWrite{}, &ScopeViolationError{
				Path:         e.Path,
				Message:      fmt.Sprintf("Edit path %s is outside the project workspace", e.Path),
				ScopeWarning: "Only edit files inside the project directory.",
			}
		}
		return plannedWrite{}, err
	}
	if opts.Scope != nil {
		if err := opts.Scope.Check(rel); err != nil {
			return plannedWrite{}, err
		}
	}
	return plannedWrite{edit: e, abs: abs, rel: rel, perm: 0o644}, nil
}

func (w *plannedWrite) load() error {
	info, err := os.Stat(w.abs)
	switch {
	case err == nil && info.IsDir():
		return fmt.Errorf("%s is a directory", w.rel)
	case err == nil:
		data, err := os.ReadFile(w.abs)
		if err != nil {
			return fmt.Errorf("reading %s: %w", w.rel, err)
		}
		w.before, w.existed, w.perm = string(data), true, info.Mode().Perm()
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("stat %s: %w", w.rel, err)
	}
}

func transform(rel string, e Edit, current string, present bool) (string, error) {
	switch e.Type {
	case TypeDelete:
		return "", nil
	case TypeModify:
		if len(e.Replacements) == 0 {
			return e.Content, nil
		}
		if !present {
			return "", &ReplacementError{Path: rel, Search: e.Replacements[0].Search, Reason: "file does not exist"}
		}
		return replaceAll(rel, current, e.Replacements)
	default:
		return e.Content, nil
	}
}

func replaceAll(rel, content string, reps []Replacement) (string, error) {
	for _, r := range reps {
		if r.Search == "" {
			return "", &ReplacementError{Path: rel, Reason: "search text is empty"}
		}
		switch n := strings.Count(content, r.Search); n {
		case 0:
			return "", &ReplacementError{Path: rel, Search: r.Search, Reason: "search text not found"}
		case 1:
			content = strings.Replace(content, r.Search, r.Replace, 1)
		default:
			return "", &ReplacementError{Path: rel, Search: r.Search, Reason: fmt.Sprintf("search text matches %d locations", n)}
		}
	}
	return content, nil
}

func (a *Applier) write(w plannedWrite) error {
	if w.edit.Type == TypeDelete {
		if err := os.Remove(w.abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("deleting %s: %w", w.rel, err)
		}
		return nil
	}
	if err := workspace.WriteFileAtomic(w.abs, []byte(w.after), w.perm); err != nil {
		return fmt.Errorf("writing %s: %w", w.rel, err)
	}
	return nil
}

func (a *Applier) patch(before, after string) string {
	return a.dmp.PatchToText(a.dmp.PatchMake(before, after))
}
