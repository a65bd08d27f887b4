// Package access decides whether a subject may reach a project. Access is
// gated on grant existence: any direct grant, or the public sentinel grant,
// admits the subject. Callers that need a specific privilege level compare
// the resolved role with rbac.AtLeast.
package access

import (
	"context"
	"errors"

	"cadstudio/api/internal/rbac"
	"cadstudio/api/internal/store"
)

var (
	// ErrForbidden means the project exists but the subject holds no grant.
	ErrForbidden = errors.New("access: forbidden")
	// ErrNotFound means the project does not exist at all. Kept distinct
	// from ErrForbidden so the boundary can answer 404 vs 403.
	ErrNotFound = errors.New("access: project not found")
)

// Decision is the outcome of a diagnostic evaluation.
type Decision int

const (
	DecisionAllowed Decision = iota
	DecisionForbidden
	DecisionNotFound
)

// GrantStore is the slice of the grant store the evaluator reads. It never
// mutates anything.
type GrantStore interface {
	FindGrant(ctx context.Context, subjectID, projectID string) (store.Grant, error)
	ProjectExists(ctx context.Context, projectID string) (bool, error)
}

type Evaluator struct {
	grants GrantStore
}

func New(grants GrantStore) *Evaluator {
	return &Evaluator{grants: grants}
}

// DirectRole resolves the subject's own grant on the project, ignoring the
// public sentinel. The second return is false when no direct grant exists.
func (e *Evaluator) DirectRole(ctx context.Context, projectID, subjectID string) (rbac.Role, bool, error) {
	if projectID == "" || subjectID == "" {
		return "", false, nil
	}
	grant, err := e.grants.FindGrant(ctx, subjectID, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rbac.Role(grant.Role), true, nil
}

// RoleFor resolves the subject's effective role: the direct grant if one
// exists, otherwise the public sentinel grant.
func (e *Evaluator) RoleFor(ctx context.Context, projectID, subjectID string) (rbac.Role, bool, error) {
	role, ok, err := e.DirectRole(ctx, projectID, subjectID)
	if err != nil || ok {
		return role, ok, err
	}
	return e.DirectRole(ctx, projectID, rbac.PublicSubject)
}

// HasAccess reports whether the subject may reach the project. Existence of
// a grant gates access; the role's rank does not matter here.
func (e *Evaluator) HasAccess(ctx context.Context, projectID, subjectID string) (bool, error) {
	_, ok, err := e.RoleFor(ctx, projectID, subjectID)
	return ok, err
}

// Evaluate is resolution with diagnostics: it checks the project exists
// before looking at grants, so "missing" and "hidden" stay distinguishable.
func (e *Evaluator) Evaluate(ctx context.Context, projectID, subjectID string) (Decision, error) {
	exists, err := e.grants.ProjectExists(ctx, projectID)
	if err != nil {
		return DecisionForbidden, err
	}
	if !exists {
		return DecisionNotFound, nil
	}
	ok, err := e.HasAccess(ctx, projectID, subjectID)
	if err != nil {
		return DecisionForbidden, err
	}
	if !ok {
		return DecisionForbidden, nil
	}
	return DecisionAllowed, nil
}

// Require is Evaluate collapsed to an error: nil on access, ErrNotFound or
// ErrForbidden otherwise.
func (e *Evaluator) Require(ctx context.Context, projectID, subjectID string) error {
	decision, err := e.Evaluate(ctx, projectID, subjectID)
	if err != nil {
		return err
	}
	switch decision {
	case DecisionAllowed:
		return nil
	case DecisionNotFound:
		return ErrNotFound
	default:
		return ErrForbidden
	}
}
