// Package sharing reconciles a project's grant rows against a requested
// sharing state: a set of per-email roles plus a public/private toggle.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"cadstudio/api/internal/access"
	"cadstudio/api/internal/directory"
	"cadstudio/api/internal/rbac"
)

// GrantWriter is the mutating slice of the grant store the reconciler uses.
type GrantWriter interface {
	UpsertGrant(ctx context.Context, subjectID, projectID string, role rbac.Role) error
}

// Request is the desired sharing state for one project. Emails are
// processed in order; Roles maps each email to its requested role.
type Request struct {
	Emails     []string          `json:"emails"`
	Roles      map[string]string `json:"roles"`
	Public     bool              `json:"isPublic"`
	PublicRole string            `json:"publicRole"`
	ActorID    string            `json:"-"`
}

// Result reports the outcome per email, in request order. Grants applied
// before a later email fails are kept; there is no rollback.
type Result struct {
	Success    bool     `json:"success"`
	SharedWith []string `json:"sharedWith"`
	NotFound   []string `json:"notFound"`
}

type Service struct {
	grants    GrantWriter
	directory directory.Lookup
	access    *access.Evaluator
}

func New(grants GrantWriter, dir directory.Lookup, evaluator *access.Evaluator) *Service {
	return &Service{grants: grants, directory: dir, access: evaluator}
}

// Share applies the request to the project's grants.
//
// The gate deliberately mirrors the long-standing behavior: holding *any*
// direct grant on the project passes, even a viewer grant, so a viewer can
// re-share. Tightening this to owner-only is a policy change, not a bug
// fix, and must not happen silently here.
//
// Turning Public off likewise does not remove an existing public grant;
// revoking the sentinel subject's grant is the explicit un-publish path.
func (s *Service) Share(ctx context.Context, projectID string, req Request) (Result, error) {
	_, ok, err := s.access.DirectRole(ctx, projectID, req.ActorID)
	if err != nil {
		return Result{}, fmt.Errorf("share gate: %w", err)
	}
	if !ok {
		return Result{}, access.ErrForbidden
	}

	if req.Public {
		role := rbac.Normalize(req.PublicRole)
		if err := s.grants.UpsertGrant(ctx, rbac.PublicSubject, projectID, role); err != nil {
			return Result{}, fmt.Errorf("publish project: %w", err)
		}
	}

	result := Result{Success: true, SharedWith: []string{}, NotFound: []string{}}
	for _, email := range req.Emails {
		role := rbac.Normalize(req.Roles[email])

		subjectID, err := s.directory.FindSubjectByEmail(ctx, email)
		if err != nil {
			// Unresolvable and failed lookups report the same way; the
			// rest of the batch still runs.
			if !errors.Is(err, directory.ErrNotFound) {
				log.Printf("sharing: resolve %s on %s: %v", email, projectID, err)
			}
			result.NotFound = append(result.NotFound, email)
			continue
		}

		if err := s.grants.UpsertGrant(ctx, subjectID, projectID, role); err != nil {
			log.Printf("sharing: grant %s on %s: %v", email, projectID, err)
			result.NotFound = append(result.NotFound, email)
			continue
		}
		result.SharedWith = append(result.SharedWith, email)
	}

	return result, nil
}
