package goal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/store"
)

// Store persists goals.
type Store struct {
	ds *store.Store
}

// NewStore creates a goal store over the shared database.
func NewStore(ds *store.Store) *Store {
	return &Store{ds: ds}
}

const goalColumns = `id, project_id, parent_id, title, prompt, phase, state, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (*Goal, error) {
	g := &Goal{}
	var (
		parent, errMsg       sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&g.ID, &g.ProjectID, &parent, &g.Title, &g.Prompt, &g.Phase, &g.State, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		g.ParentID = &parent.String
	}
	if errMsg.Valid {
		g.Error = &errMsg.String
	}
	g.CreatedAt = time.UnixMilli(createdAt).UTC()
	g.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return g, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// ProjectExists reports whether a project row exists.
func (s *Store) ProjectExists(ctx context.Context, projectID string) (bool, error) {
	var one int
	err := s.ds.DB().QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, projectID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up project: %w", err)
	}
	return true, nil
}

// Insert stores new goals in one transaction.
func (s *Store) Insert(ctx context.Context, goals ...*Goal) error {
	return s.ds.Tx(ctx, func(tx *sql.Tx) error {
		for _, g := range goals {
			_, err := tx.ExecContext(ctx, `INSERT INTO goals (`+goalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				g.ID, g.ProjectID, nullable(g.ParentID), g.Title, g.Prompt, string(g.Phase), string(g.State),
				nullable(g.Error), g.CreatedAt.UnixMilli(), g.UpdatedAt.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to insert goal: %w", err)
			}
		}
		return nil
	})
}

// Update writes a goal's phase, state and error.
func (s *Store) Update(ctx context.Context, g *Goal) error {
	res, err := s.ds.DB().ExecContext(ctx,
		`UPDATE goals SET phase = ?, state = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(g.Phase), string(g.State), nullable(g.Error), g.UpdatedAt.UnixMilli(), g.ID)
	if err != nil {
		return fmt.Errorf("failed to update goal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return perrors.NotFound("goal %q not found", g.ID)
	}
	return nil
}

// Get loads one goal without its children.
func (s *Store) Get(ctx context.Context, id string) (*Goal, error) {
	g, err := scanGoal(s.ds.DB().QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, perrors.NotFound("goal %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get goal: %w", err)
	}
	return g, nil
}

// ListByProject returns every goal of a project, oldest first.
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]*Goal, error) {
	rows, err := s.ds.DB().QueryContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE project_id = ? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	defer rows.Close()

	var out []*Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Delete removes a goal and all of its descendants, returning how many rows went.
func (s *Store) Delete(ctx context.Context, id string) (int64, error) {
	res, err := s.ds.DB().ExecContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM goals WHERE id = ?
			UNION ALL
			SELECT g.id FROM goals g JOIN subtree t ON g.parent_id = t.id
		)
		DELETE FROM goals WHERE id IN (SELECT id FROM subtree)`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete goal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, perrors.NotFound("goal %q not found", id)
	}
	return n, nil
}
