package sharing

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"cadstudio/api/internal/access"
	"cadstudio/api/internal/directory"
	"cadstudio/api/internal/rbac"
	"cadstudio/api/internal/store"
)

// fakeGrantStore backs both the evaluator and the reconciler in one map.
type fakeGrantStore struct {
	grants    map[[2]string]store.Grant
	projects  map[string]bool
	upsertErr map[string]error // subjectID -> error
	upserts   int
}

func newFakeGrantStore() *fakeGrantStore {
	return &fakeGrantStore{
		grants:    map[[2]string]store.Grant{},
		projects:  map[string]bool{},
		upsertErr: map[string]error{},
	}
}

func (f *fakeGrantStore) add(subjectID, projectID string, role rbac.Role) {
	f.grants[[2]string{subjectID, projectID}] = store.Grant{
		SubjectID: subjectID, ProjectID: projectID, Role: string(role),
	}
	f.projects[projectID] = true
}

func (f *fakeGrantStore) FindGrant(_ context.Context, subjectID, projectID string) (store.Grant, error) {
	grant, ok := f.grants[[2]string{subjectID, projectID}]
	if !ok {
		return store.Grant{}, store.ErrNotFound
	}
	return grant, nil
}

func (f *fakeGrantStore) ProjectExists(_ context.Context, projectID string) (bool, error) {
	return f.projects[projectID], nil
}

func (f *fakeGrantStore) UpsertGrant(_ context.Context, subjectID, projectID string, role rbac.Role) error {
	f.upserts++
	if err := f.upsertErr[subjectID]; err != nil {
		return err
	}
	f.add(subjectID, projectID, role)
	return nil
}

type mapDirectory map[string]string

func (m mapDirectory) FindSubjectByEmail(_ context.Context, email string) (string, error) {
	id, ok := m[email]
	if !ok {
		return "", directory.ErrNotFound
	}
	return id, nil
}

func newService(grants *fakeGrantStore, dir directory.Lookup) *Service {
	return New(grants, dir, access.New(grants))
}

func TestShareGrantsResolvedEmails(t *testing.T) {
	grants := newFakeGrantStore()
	grants.add("u1", "p1", rbac.RoleOwner)
	svc := newService(grants, mapDirectory{"a@x.com": "u2", "b@x.com": "u3"})

	result, err := svc.Share(context.Background(), "p1", Request{
		Emails:  []string{"a@x.com", "b@x.com"},
		Roles:   map[string]string{"a@x.com": "editor", "b@x.com": "viewer"},
		ActorID: "u1",
	})
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success")
	}
	if !reflect.DeepEqual(result.SharedWith, []string{"a@x.com", "b@x.com"}) {
		t.Errorf("sharedWith = %v", result.SharedWith)
	}
	if len(result.NotFound) != 0 {
		t.Errorf("notFound = %v", result.NotFound)
	}
	if g := grants.grants[[2]string{"u2", "p1"}]; g.Role != "editor" {
		t.Errorf("u2 role = %q, want editor", g.Role)
	}
	if g := grants.grants[[2]string{"u3", "p1"}]; g.Role != "viewer" {
		t.Errorf("u3 role = %q, want viewer", g.Role)
	}
}

func TestShareDeniedWithoutActorGrant(t *testing.T) {
	grants := newFakeGrantStore()
	grants.projects["p1"] = true
	svc := newService(grants, mapDirectory{"a@x.com": "u2"})

	_, err := svc.Share(context.Background(), "p1", Request{
		Emails:  []string{"a@x.com"},
		Roles:   map[string]string{"a@x.com": "viewer"},
		Public:  true,
		ActorID: "u1",
	})
	if !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if grants.upserts != 0 {
		t.Fatalf("gate failure must precede any mutation, saw %d upserts", grants.upserts)
	}
}

func TestShareViewerGrantPassesGate(t *testing.T) {
	// Long-standing looseness, kept on purpose: any direct grant passes
	// the gate, even viewer.
	grants := newFakeGrantStore()
	grants.add("u1", "p1", rbac.RoleViewer)
	svc := newService(grants, mapDirectory{"a@x.com": "u2"})

	result, err := svc.Share(context.Background(), "p1", Request{
		Emails:  []string{"a@x.com"},
		Roles:   map[string]string{"a@x.com": "editor"},
		ActorID: "u1",
	})
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if !reflect.DeepEqual(result.SharedWith, []string{"a@x.com"}) {
		t.Errorf("sharedWith = %v", result.SharedWith)
	}
}

func TestSharePublicGrantDoesNotPassGate(t *testing.T) {
	// The gate wants a grant of the actor's own; a public project is not
	// re-shareable by strangers.
	grants := newFakeGrantStore()
	grants.add(rbac.PublicSubject, "p1", rbac.RoleViewer)
	svc := newService(grants, mapDirectory{})

	_, err := svc.Share(context.Background(), "p1", Request{ActorID: "stranger"})
	if !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSharePartialFailureIsolation(t *testing.T) {
	grants := newFakeGrantStore()
	grants.add("u1", "p1", rbac.RoleOwner)
	svc := newService(grants, mapDirectory{"known@x.com": "u2"})

	result, err := svc.Share(context.Background(), "p1", Request{
		Emails:  []string{"known@x.com", "unknown@x.com"},
		Roles:   map[string]string{"known@x.com": "viewer", "unknown@x.com": "viewer"},
		ActorID: "u1",
	})
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if !reflect.DeepEqual(result.SharedWith, []string{"known@x.com"}) {
		t.Errorf("sharedWith = %v", result.SharedWith)
	}
	if !reflect.DeepEqual(result.NotFound, []string{"unknown@x.com"}) {
		t.Errorf("notFound = %v", result.NotFound)
	}
	if _, ok := grants.grants[[2]string{"u2", "p1"}]; !ok {
		t.Errorf("the resolvable email must still be granted")
	}
}

func TestShareStorageErrorDowngradesPerEmail(t *testing.T) {
	grants := newFakeGrantStore()
	grants.add("u1", "p1", rbac.RoleOwner)
	grants.upsertErr["u2"] = errors.New("connection reset")
	svc := newService(grants, mapDirectory{"a@x.com": "u2", "b@x.com": "u3"})

	result, err := svc.Share(context.Background(), "p1", Request{
		Emails:  []string{"a@x.com", "b@x.com"},
		Roles:   map[string]string{"a@x.com": "editor", "b@x.com": "editor"},
		ActorID: "u1",
	})
	if err != nil {
		t.Fatalf("a per-email storage failure must not fail the call: %v", err)
	}
	if !reflect.DeepEqual(result.NotFound, []string{"a@x.com"}) {
		t.Errorf("notFound = %v", result.NotFound)
	}
	if !reflect.DeepEqual(result.SharedWith, []string{"b@x.com"}) {
		t.Errorf("later emails must still be processed, sharedWith = %v", result.SharedWith)
	}
}

func TestShareIdempotent(t *testing.T) {
	grants := newFakeGrantStore()
	grants.add("u1", "p1", rbac.RoleOwner)
	svc := newService(grants, mapDirectory{"e1@x.com": "u2"})
	req := Request{
		Emails:  []string{"e1@x.com"},
		Roles:   map[string]string{"e1@x.com": "editor"},
		ActorID: "u1",
	}

	first, err := svc.Share(context.Background(), "p1", req)
	if err != nil {
		t.Fatalf("first Share: %v", err)
	}
	second, err := svc.Share(context.Background(), "p1", req)
	if err != nil {
		t.Fatalf("second Share: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}

	var grantCount int
	for key := range grants.grants {
		if key[0] == "u2" && key[1] == "p1" {
			grantCount++
		}
	}
	if grantCount != 1 {
		t.Errorf("expected exactly one grant for u2 on p1, got %d", grantCount)
	}
	if g := grants.grants[[2]string{"u2", "p1"}]; g.Role != "editor" {
		t.Errorf("role = %q, want editor", g.Role)
	}
}

func TestSharePublicToggle(t *testing.T) {
	grants := newFakeGrantStore()
	grants.add("u1", "p1", rbac.RoleOwner)
	svc := newService(grants, mapDirectory{})

	if _, err := svc.Share(context.Background(), "p1", Request{Public: true, PublicRole: "viewer", ActorID: "u1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if g, ok := grants.grants[[2]string{rbac.PublicSubject, "p1"}]; !ok || g.Role != "viewer" {
		t.Fatalf("expected public viewer grant, got %+v ok=%v", g, ok)
	}

	// Public=false leaves the sentinel grant alone (observed behavior,
	// kept deliberately).
	if _, err := svc.Share(context.Background(), "p1", Request{Public: false, ActorID: "u1"}); err != nil {
		t.Fatalf("unpublish request: %v", err)
	}
	if _, ok := grants.grants[[2]string{rbac.PublicSubject, "p1"}]; !ok {
		t.Fatalf("public grant must survive Public=false")
	}
}

func TestShareRoleOverwrittenByReshare(t *testing.T) {
	grants := newFakeGrantStore()
	grants.add("u1", "p1", rbac.RoleOwner)
	svc := newService(grants, mapDirectory{"a@x.com": "u2"})
	ctx := context.Background()

	if _, err := svc.Share(ctx, "p1", Request{
		Emails: []string{"a@x.com"}, Roles: map[string]string{"a@x.com": "viewer"}, ActorID: "u1",
	}); err != nil {
		t.Fatalf("first share: %v", err)
	}
	if _, err := svc.Share(ctx, "p1", Request{
		Emails: []string{"a@x.com"}, Roles: map[string]string{"a@x.com": "owner"}, ActorID: "u1",
	}); err != nil {
		t.Fatalf("re-share: %v", err)
	}
	if g := grants.grants[[2]string{"u2", "p1"}]; g.Role != "owner" {
		t.Errorf("re-share must overwrite the role, got %q", g.Role)
	}
}

func TestShareUnknownRoleDefaultsToViewer(t *testing.T) {
	grants := newFakeGrantStore()
	grants.add("u1", "p1", rbac.RoleOwner)
	svc := newService(grants, mapDirectory{"a@x.com": "u2"})

	if _, err := svc.Share(context.Background(), "p1", Request{
		Emails: []string{"a@x.com"}, Roles: map[string]string{"a@x.com": "superuser"}, ActorID: "u1",
	}); err != nil {
		t.Fatalf("Share: %v", err)
	}
	if g := grants.grants[[2]string{"u2", "p1"}]; g.Role != "viewer" {
		t.Errorf("unknown role must normalize to viewer, got %q", g.Role)
	}
}
