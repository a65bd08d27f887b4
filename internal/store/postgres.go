package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cadstudio/api/internal/rbac"
	"cadstudio/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users (the local mirror of the external directory)

// EnsureUserByEmail finds a user by email, creating the row on first login.
// The upstream identity provider has already authenticated the address.
func (s *PostgresStore) EnsureUserByEmail(ctx context.Context, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, created_at FROM users WHERE email = $1`,
		email,
	).Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	displayName := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		displayName = email[:at]
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, display_name, created_at
	`, util.NewID("usr"), email, displayName).Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// FindUserByEmail backs the directory oracle. Missing addresses are a
// normal outcome, reported as ErrNotFound.
func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, created_at FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user by email: %w", err)
	}
	return user, nil
}

// ---------------------------------------------------------------------------
// Projects

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, owner_id)
		VALUES ($1, $2, $3, $4)
	`, project.ID, project.Name, project.Description, project.OwnerID)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, created_at, updated_at
		FROM projects WHERE id = $1
	`, projectID).Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ProjectExists(ctx context.Context, projectID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`,
		projectID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("project exists: %w", err)
	}
	return exists, nil
}

// ListProjectsForSubject returns the projects the subject holds a direct
// grant on, newest first.
func (s *PostgresStore) ListProjectsForSubject(ctx context.Context, subjectID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.description, p.owner_id, p.created_at, p.updated_at
		FROM projects p
		JOIN grants g ON g.project_id = p.id
		WHERE g.subject_id = $1
		ORDER BY p.created_at DESC
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes the project row; grants go with it via the
// foreign key cascade, but DeleteProjectGrants exists for stores without
// one.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Grants

func (s *PostgresStore) FindGrant(ctx context.Context, subjectID, projectID string) (Grant, error) {
	var g Grant
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_id, project_id, role, granted_at
		FROM grants WHERE subject_id = $1 AND project_id = $2
	`, subjectID, projectID).Scan(&g.SubjectID, &g.ProjectID, &g.Role, &g.GrantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, ErrNotFound
	}
	if err != nil {
		return Grant{}, fmt.Errorf("find grant: %w", err)
	}
	return g, nil
}

// UpsertGrant inserts a grant or overwrites the role for an existing
// (subject, project) pair. The single-row upsert is atomic in Postgres.
func (s *PostgresStore) UpsertGrant(ctx context.Context, subjectID, projectID string, role rbac.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grants (subject_id, project_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject_id, project_id) DO UPDATE SET role = EXCLUDED.role, granted_at = NOW()
	`, subjectID, projectID, string(role))
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, subjectID, projectID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM grants WHERE subject_id = $1 AND project_id = $2`,
		subjectID, projectID,
	)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListGrants(ctx context.Context, projectID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id, project_id, role, granted_at
		FROM grants WHERE project_id = $1
		ORDER BY granted_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.SubjectID, &g.ProjectID, &g.Role, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *PostgresStore) DeleteProjectGrants(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("delete project grants: %w", err)
	}
	return nil
}
