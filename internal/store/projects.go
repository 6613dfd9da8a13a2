package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Project operations

// CreateProject creates a new project
func (s *Store) CreateProject(ctx context.Context, project *Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.Alias == "" {
		project.Alias = project.ID
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, alias, name, description, directory, repository_url, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, project.ID, project.Alias, project.Name, project.Description, project.Directory, project.RepositoryURL, project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID or alias.
func (s *Store) GetProject(ctx context.Context, idOrAlias string) (*Project, error) {
	project := &Project{}
	err := s.reader().GetContext(ctx, project, `
		SELECT id, alias, name, description, directory, repository_url, is_deleted, created_at, updated_at
		FROM projects WHERE (id = ? OR alias = ?) AND is_deleted = 0
	`, idOrAlias, idOrAlias)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", idOrAlias, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns all non-deleted projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	var projects []*Project
	err := s.reader().SelectContext(ctx, &projects, `
		SELECT id, alias, name, description, directory, repository_url, is_deleted, created_at, updated_at
		FROM projects WHERE is_deleted = 0 ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// UpdateProject updates mutable project fields.
func (s *Store) UpdateProject(ctx context.Context, project *Project) error {
	project.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET alias = ?, name = ?, description = ?, directory = ?, repository_url = ?, updated_at = ?
		WHERE id = ?
	`, project.Alias, project.Name, project.Description, project.Directory, project.RepositoryURL, project.UpdatedAt, project.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("project %s: %w", project.ID, ErrNotFound)
	}
	return nil
}

// DeleteProject soft-deletes a project and its issues. Logs are kept for audit.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE issues SET is_deleted = 1, updated_at = ? WHERE project_id = ? AND is_deleted = 0
	`, now, id); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE projects SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0
	`, now, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}
