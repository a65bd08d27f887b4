package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"cadstudio/api/internal/access"
	"cadstudio/api/internal/auth"
	"cadstudio/api/internal/config"
	"cadstudio/api/internal/directory"
	"cadstudio/api/internal/email"
	"cadstudio/api/internal/handoff"
	"cadstudio/api/internal/rbac"
	"cadstudio/api/internal/search"
	"cadstudio/api/internal/session"
	"cadstudio/api/internal/sharing"
	"cadstudio/api/internal/store"
	"cadstudio/api/internal/util"
)

// Session identifies an authenticated subject for the life of one request.
type Session struct {
	Token     string
	UserID    string
	Email     string
	Name      string
	JTI       string
	ExpiresAt time.Time
}

// dataStore is everything the service needs from the row store. Tests
// supply a fake; production supplies *store.PostgresStore.
type dataStore interface {
	Ping(ctx context.Context) error

	EnsureUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)

	InsertProject(ctx context.Context, project store.Project) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ProjectExists(ctx context.Context, projectID string) (bool, error)
	ListProjectsForSubject(ctx context.Context, subjectID string) ([]store.Project, error)
	DeleteProject(ctx context.Context, projectID string) error

	FindGrant(ctx context.Context, subjectID, projectID string) (store.Grant, error)
	UpsertGrant(ctx context.Context, subjectID, projectID string, role rbac.Role) error
	DeleteGrant(ctx context.Context, subjectID, projectID string) error
	ListGrants(ctx context.Context, projectID string) ([]store.Grant, error)
	DeleteProjectGrants(ctx context.Context, projectID string) error
}

// assetStore is the slice of the object store the service touches.
type assetStore interface {
	CopyProject(ctx context.Context, srcProjectID, dstProjectID string) error
	PurgeProject(ctx context.Context, projectID string) error
}

type Service struct {
	cfg     config.Config
	store   dataStore
	access  *access.Evaluator
	sharing *sharing.Service
	handoff *handoff.Codec
	cookies *session.Codec
	search  *search.Service
	assets  assetStore
	email   *email.Service
}

// New wires the service. search, assets, and mail may be nil; the related
// features degrade to no-ops.
func New(cfg config.Config, dataStore dataStore, dir directory.Lookup, searchService *search.Service, assetService assetStore, mail *email.Service) *Service {
	evaluator := access.New(dataStore)
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		access:  evaluator,
		sharing: sharing.New(dataStore, dir, evaluator),
		handoff: handoff.NewCodec(cfg.HandoffSecret),
		cookies: session.NewCodec(cfg.Production()),
		search:  searchService,
		assets:  assetService,
		email:   mail,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Cookies exposes the session cookie codec to the HTTP layer.
func (s *Service) Cookies() *session.Codec {
	return s.cookies
}

// ---------------------------------------------------------------------------
// Subject authentication

// Login ensures the user row for an already-authenticated address and
// issues a bearer token for it.
func (s *Service) Login(ctx context.Context, emailAddr string) (Session, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a valid email is required", nil)
	}

	user, err := s.store.EnsureUserByEmail(ctx, emailAddr)
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}

	jti := util.NewID("")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Name:      user.DisplayName,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken verifies a bearer token into a Session.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Email:     claims.Email,
		Name:      claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// ---------------------------------------------------------------------------
// Project lifecycle

func (s *Service) CreateProject(ctx context.Context, subjectID, name, description string) (store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		Description: strings.TrimSpace(description),
		OwnerID:     subjectID,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, fmt.Errorf("create project: %w", err)
	}
	if err := s.store.UpsertGrant(ctx, subjectID, project.ID, rbac.RoleOwner); err != nil {
		return store.Project{}, fmt.Errorf("grant owner: %w", err)
	}

	s.indexProject(project)
	return project, nil
}

func (s *Service) ListProjects(ctx context.Context, subjectID string) ([]store.Project, error) {
	projects, err := s.store.ListProjectsForSubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	if projects == nil {
		projects = []store.Project{}
	}
	return projects, nil
}

func (s *Service) GetProject(ctx context.Context, projectID, subjectID string) (store.Project, error) {
	if err := s.requireAccess(ctx, projectID, subjectID); err != nil {
		return store.Project{}, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// DuplicateProject copies the project row and its assets. The duplicating
// subject becomes owner of the copy regardless of their role on the
// original.
func (s *Service) DuplicateProject(ctx context.Context, projectID, subjectID string) (store.Project, error) {
	if err := s.requireAccess(ctx, projectID, subjectID); err != nil {
		return store.Project{}, err
	}
	src, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, fmt.Errorf("get source project: %w", err)
	}

	duplicate := store.Project{
		ID:          util.NewID("prj"),
		Name:        src.Name + " (copy)",
		Description: src.Description,
		OwnerID:     subjectID,
	}
	if err := s.store.InsertProject(ctx, duplicate); err != nil {
		return store.Project{}, fmt.Errorf("insert duplicate: %w", err)
	}
	if err := s.store.UpsertGrant(ctx, subjectID, duplicate.ID, rbac.RoleOwner); err != nil {
		return store.Project{}, fmt.Errorf("grant owner on duplicate: %w", err)
	}

	if s.assets != nil {
		if err := s.assets.CopyProject(ctx, src.ID, duplicate.ID); err != nil {
			// The duplicate row and grant stand; assets can be re-copied.
			log.Printf("app: copy assets %s -> %s: %v", src.ID, duplicate.ID, err)
		}
	}
	s.indexProject(duplicate)
	return duplicate, nil
}

// DeleteProject removes the project, its grants, its assets, and its
// search entry. Owner rank is required.
func (s *Service) DeleteProject(ctx context.Context, projectID, subjectID string) error {
	if err := s.requireRank(ctx, projectID, subjectID, rbac.RoleOwner); err != nil {
		return err
	}

	if err := s.store.DeleteProjectGrants(ctx, projectID); err != nil {
		return fmt.Errorf("delete grants: %w", err)
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete project: %w", err)
	}

	if s.assets != nil {
		if err := s.assets.PurgeProject(ctx, projectID); err != nil {
			log.Printf("app: purge assets %s: %v", projectID, err)
		}
	}
	if s.search != nil {
		s.search.DeleteProject(projectID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Handoff

// MintProjectToken checks access and mints the handoff token the client
// view consumes.
func (s *Service) MintProjectToken(ctx context.Context, projectID, subjectID string) (string, error) {
	if err := s.requireAccess(ctx, projectID, subjectID); err != nil {
		return "", err
	}
	token, err := s.handoff.Mint(projectID, subjectID)
	if err != nil {
		return "", fmt.Errorf("mint handoff token: %w", err)
	}
	return token, nil
}

// OpenHandoff resolves a handoff token to its claims. Invalid or expired
// tokens surface as 401; the access decision was made at mint time and is
// not re-evaluated.
func (s *Service) OpenHandoff(token string) (handoff.Claims, error) {
	claims, ok := s.handoff.Open(token)
	if !ok {
		return handoff.Claims{}, domainError(http.StatusUnauthorized, "TOKEN_INVALID", "Handoff token invalid or expired", nil)
	}
	return claims, nil
}

// ProjectFromClaims loads the project a validated claim set points at. The
// project may have been deleted since mint; that is a 404.
func (s *Service) ProjectFromClaims(ctx context.Context, claims handoff.Claims) (store.Project, error) {
	project, err := s.store.GetProject(ctx, claims.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Project{}, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	if err != nil {
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// ---------------------------------------------------------------------------
// Sharing

// Share reconciles grants to the request and notifies newly granted
// addresses when mail is configured.
func (s *Service) Share(ctx context.Context, projectID string, session Session, req sharing.Request) (sharing.Result, error) {
	exists, err := s.store.ProjectExists(ctx, projectID)
	if err != nil {
		return sharing.Result{}, fmt.Errorf("share: %w", err)
	}
	if !exists {
		return sharing.Result{}, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}

	req.ActorID = session.UserID
	result, err := s.sharing.Share(ctx, projectID, req)
	if errors.Is(err, access.ErrForbidden) {
		return sharing.Result{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only subjects with a grant may share", nil)
	}
	if err != nil {
		return sharing.Result{}, err
	}

	s.notifyShared(ctx, projectID, session, req, result)
	return result, nil
}

func (s *Service) notifyShared(ctx context.Context, projectID string, session Session, req sharing.Request, result sharing.Result) {
	if s.email == nil || !s.email.IsConfigured() || len(result.SharedWith) == 0 {
		return
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		log.Printf("app: share mail skipped, load project %s: %v", projectID, err)
		return
	}

	actorName := session.Name
	if actorName == "" {
		actorName = session.Email
	}
	for _, addr := range result.SharedWith {
		notification := email.ShareNotification{
			To:          addr,
			ActorName:   actorName,
			ProjectName: project.Name,
			Role:        string(rbac.Normalize(req.Roles[addr])),
		}
		go func(n email.ShareNotification) {
			if err := s.email.SendShareNotification(n); err != nil {
				log.Printf("app: share mail to %s: %v", n.To, err)
			}
		}(notification)
	}
}

func (s *Service) ListGrants(ctx context.Context, projectID, subjectID string) ([]store.Grant, error) {
	if err := s.requireAccess(ctx, projectID, subjectID); err != nil {
		return nil, err
	}
	grants, err := s.store.ListGrants(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	if grants == nil {
		grants = []store.Grant{}
	}
	return grants, nil
}

// RevokeGrant removes one subject's grant. Unlike the share gate, revoking
// requires owner rank: taking access away is not re-sharing.
func (s *Service) RevokeGrant(ctx context.Context, projectID, actorID, targetSubjectID string) error {
	if err := s.requireRank(ctx, projectID, actorID, rbac.RoleOwner); err != nil {
		return err
	}
	err := s.store.DeleteGrant(ctx, targetSubjectID, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Grant not found", nil)
	}
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Search

// SearchProjects runs the dashboard search and drops hits the subject
// cannot access.
func (s *Service) SearchProjects(ctx context.Context, subjectID string, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	response := s.search.Search(q)

	visible := make([]search.Result, 0, len(response.Results))
	for _, hit := range response.Results {
		ok, err := s.access.HasAccess(ctx, hit.ID, subjectID)
		if err != nil {
			return search.Response{}, fmt.Errorf("filter search results: %w", err)
		}
		if ok {
			visible = append(visible, hit)
		}
	}
	response.Results = visible
	response.Total = len(visible)
	return response, nil
}

// ---------------------------------------------------------------------------
// helpers

func (s *Service) requireAccess(ctx context.Context, projectID, subjectID string) error {
	err := s.access.Require(ctx, projectID, subjectID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, access.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	case errors.Is(err, access.ErrForbidden):
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	default:
		return err
	}
}

func (s *Service) requireRank(ctx context.Context, projectID, subjectID string, min rbac.Role) error {
	if err := s.requireAccess(ctx, projectID, subjectID); err != nil {
		return err
	}
	role, ok, err := s.access.DirectRole(ctx, projectID, subjectID)
	if err != nil {
		return err
	}
	if !ok || !rbac.AtLeast(role, min) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) indexProject(project store.Project) {
	if s.search == nil {
		return
	}
	s.search.IndexProject(search.ProjectRecord{
		ID:          project.ID,
		Name:        project.Name,
		Description: project.Description,
		OwnerID:     project.OwnerID,
	})
}
