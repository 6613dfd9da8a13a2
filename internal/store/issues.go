package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Issue operations

// CreateIssue creates a new issue, assigning the next per-project issue number.
func (s *Store) CreateIssue(ctx context.Context, issue *Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	if issue.Status == "" {
		issue.Status = IssueStatusTodo
	}
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Sequential numbering per project. The single writer connection makes
	// this read-then-insert safe without a retry loop.
	if issue.IssueNumber == 0 {
		var next int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(issue_number), 0) + 1 FROM issues WHERE project_id = ?
		`, issue.ProjectID).Scan(&next); err != nil {
			return err
		}
		issue.IssueNumber = next
	}
	if issue.SortOrder == 0 {
		issue.SortOrder = float64(issue.IssueNumber)
	}

	useWorktree := 0
	if issue.UseWorktree {
		useWorktree = 1
	}
	devMode := 0
	if issue.DevMode {
		devMode = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO issues (id, project_id, issue_number, title, description, status, priority, sort_order,
			parent_issue_id, dev_mode, engine_type, session_status, prompt, external_session_id, model,
			base_commit_hash, use_worktree, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, issue.ID, issue.ProjectID, issue.IssueNumber, issue.Title, issue.Description, string(issue.Status),
		issue.Priority, issue.SortOrder, issue.ParentIssueID, devMode, issue.EngineType, string(issue.SessionStatus),
		issue.Prompt, issue.ExternalSessionID, issue.Model, issue.BaseCommitHash, useWorktree, issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

const issueColumns = `id, project_id, issue_number, title, description, status, priority, sort_order,
	parent_issue_id, dev_mode, engine_type, session_status, prompt, external_session_id, model,
	base_commit_hash, use_worktree, is_deleted, created_at, updated_at`

// GetIssue retrieves an issue by ID
func (s *Store) GetIssue(ctx context.Context, id string) (*Issue, error) {
	issue := &Issue{}
	err := s.reader().GetContext(ctx, issue, `SELECT `+issueColumns+` FROM issues WHERE id = ? AND is_deleted = 0`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return issue, nil
}

// GetIssueByNumber retrieves an issue by project and issue number.
func (s *Store) GetIssueByNumber(ctx context.Context, projectID string, number int) (*Issue, error) {
	issue := &Issue{}
	err := s.reader().GetContext(ctx, issue, `
		SELECT `+issueColumns+` FROM issues WHERE project_id = ? AND issue_number = ? AND is_deleted = 0
	`, projectID, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue #%d in project %s: %w", number, projectID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return issue, nil
}

// ListIssues returns all issues for a project ordered by sort order.
func (s *Store) ListIssues(ctx context.Context, projectID string) ([]*Issue, error) {
	var issues []*Issue
	err := s.reader().SelectContext(ctx, &issues, `
		SELECT `+issueColumns+` FROM issues WHERE project_id = ? AND is_deleted = 0
		ORDER BY sort_order ASC, issue_number ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	return issues, nil
}

// ListIssuesBySessionStatus returns issues whose session status matches any of
// the given values, across all projects.
func (s *Store) ListIssuesBySessionStatus(ctx context.Context, statuses ...SessionStatus) ([]*Issue, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := `SELECT ` + issueColumns + ` FROM issues WHERE is_deleted = 0 AND session_status IN (?`
	args := []interface{}{string(statuses[0])}
	for _, st := range statuses[1:] {
		query += ", ?"
		args = append(args, string(st))
	}
	query += `)`

	var issues []*Issue
	if err := s.reader().SelectContext(ctx, &issues, query, args...); err != nil {
		return nil, err
	}
	return issues, nil
}

// ListWorkingIssues returns non-deleted issues whose kanban status is "working".
func (s *Store) ListWorkingIssues(ctx context.Context) ([]*Issue, error) {
	var issues []*Issue
	err := s.reader().SelectContext(ctx, &issues, `
		SELECT `+issueColumns+` FROM issues WHERE status = ? AND is_deleted = 0
	`, string(IssueStatusWorking))
	if err != nil {
		return nil, err
	}
	return issues, nil
}

// UpdateIssue updates mutable issue fields (not session state).
func (s *Store) UpdateIssue(ctx context.Context, issue *Issue) error {
	issue.UpdatedAt = time.Now().UTC()

	useWorktree := 0
	if issue.UseWorktree {
		useWorktree = 1
	}
	devMode := 0
	if issue.DevMode {
		devMode = 1
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET title = ?, description = ?, status = ?, priority = ?, sort_order = ?,
			parent_issue_id = ?, use_worktree = ?, dev_mode = ?, updated_at = ?
		WHERE id = ?
	`, issue.Title, issue.Description, string(issue.Status), issue.Priority, issue.SortOrder,
		issue.ParentIssueID, useWorktree, devMode, issue.UpdatedAt, issue.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue %s: %w", issue.ID, ErrNotFound)
	}
	return nil
}

// UpdateIssueStatus moves an issue to another kanban column.
func (s *Store) UpdateIssueStatus(ctx context.Context, id string, status IssueStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateIssueSession records the engine, session status, prompt and model of
// the current run.
func (s *Store) UpdateIssueSession(ctx context.Context, id string, engineType string, status SessionStatus, prompt, model string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET engine_type = ?, session_status = ?, prompt = ?, model = ?, updated_at = ? WHERE id = ?
	`, engineType, string(status), prompt, model, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateSessionStatus updates only the session status of an issue.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET session_status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetExternalSessionID stores the engine-assigned session identifier used for resume.
func (s *Store) SetExternalSessionID(ctx context.Context, id, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues SET external_session_id = ?, updated_at = ? WHERE id = ?
	`, sessionID, time.Now().UTC(), id)
	return err
}

// ClearExternalSessionID drops a stale session identifier so the next spawn
// starts a fresh conversation.
func (s *Store) ClearExternalSessionID(ctx context.Context, id string) error {
	return s.SetExternalSessionID(ctx, id, "")
}

// SetBaseCommitHash records the commit the execution started from.
func (s *Store) SetBaseCommitHash(ctx context.Context, id, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues SET base_commit_hash = ?, updated_at = ? WHERE id = ?
	`, hash, time.Now().UTC(), id)
	return err
}

// DeleteIssue soft-deletes an issue. Logs are kept for audit.
func (s *Store) DeleteIssue(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0
	`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return nil
}
