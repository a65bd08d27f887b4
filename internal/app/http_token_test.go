package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"cadstudio/api/internal/rbac"
	"cadstudio/api/internal/session"
	"cadstudio/api/internal/store"
)

func newTestServer(t *testing.T, fake *fakeStore, dir *fakeDirectory) (*HTTPServer, *Service) {
	t.Helper()
	service := newTestService(fake, dir)
	return NewHTTPServer(service, "*"), service
}

func loginFor(t *testing.T, service *Service, email string) Session {
	t.Helper()
	sess, err := service.Login(context.Background(), email)
	if err != nil {
		t.Fatalf("Login(%q): %v", email, err)
	}
	return sess
}

func doJSON(t *testing.T, server *HTTPServer, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestMintTokenEndpointRequiresBearer(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, nil)

	recorder := doJSON(t, server, http.MethodPost, "/api/projects/prj_1/token", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestMintTokenEndpointMissingProject(t *testing.T) {
	fake := &fakeStore{
		ensureUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_1", Email: email}, nil
		},
	}
	server, service := newTestServer(t, fake, nil)
	sess := loginFor(t, service, "ada@example.com")

	recorder := doJSON(t, server, http.MethodPost, "/api/projects/prj_gone/token", sess.Token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestMintTokenEndpointWithoutGrant(t *testing.T) {
	fake := &fakeStore{
		projectExistsFn: func(context.Context, string) (bool, error) { return true, nil },
		ensureUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_stranger", Email: email}, nil
		},
	}
	server, service := newTestServer(t, fake, nil)
	sess := loginFor(t, service, "stranger@example.com")

	recorder := doJSON(t, server, http.MethodPost, "/api/projects/prj_1/token", sess.Token, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", recorder.Code)
	}
}

func TestMintTokenEndpointIssuesTokenAndCookie(t *testing.T) {
	fake := &fakeStore{
		projectExistsFn: func(context.Context, string) (bool, error) { return true, nil },
		ensureUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_1", Email: email}, nil
		},
	}
	grantTable(fake, map[[2]string]rbac.Role{
		{"usr_1", "prj_1"}: rbac.RoleViewer,
	})
	server, service := newTestServer(t, fake, nil)
	sess := loginFor(t, service, "ada@example.com")

	recorder := doJSON(t, server, http.MethodPost, "/api/projects/prj_1/token", sess.Token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(recorder.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	claims, err := service.OpenHandoff(payload.Token)
	if err != nil {
		t.Fatalf("issued token does not open: %v", err)
	}
	if claims.ProjectID != "prj_1" || claims.SubjectID != "usr_1" {
		t.Fatalf("claims = %+v", claims)
	}

	var found bool
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == session.CookieName {
			found = true
			if !cookie.HttpOnly {
				t.Error("session cookie is not httpOnly")
			}
		}
	}
	if !found {
		t.Fatalf("response did not set the %s cookie", session.CookieName)
	}
}

func TestOpenProjectEndpointWithToken(t *testing.T) {
	fake := &fakeStore{
		projectExistsFn: func(context.Context, string) (bool, error) { return true, nil },
		getProjectFn: func(_ context.Context, projectID string) (store.Project, error) {
			return store.Project{ID: projectID, Name: "Turbine"}, nil
		},
	}
	grantTable(fake, map[[2]string]rbac.Role{
		{"usr_1", "prj_1"}: rbac.RoleViewer,
	})
	server, service := newTestServer(t, fake, nil)

	token, err := service.MintProjectToken(context.Background(), "prj_1", "usr_1")
	if err != nil {
		t.Fatalf("MintProjectToken: %v", err)
	}

	recorder := doJSON(t, server, http.MethodPost, "/api/projects/open", "", map[string]string{"token": token})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		Project   store.Project `json:"project"`
		SubjectID string        `json:"subjectId"`
	}
	if err := json.NewDecoder(recorder.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Project.ID != "prj_1" || payload.SubjectID != "usr_1" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestOpenProjectEndpointFallsBackToCookie(t *testing.T) {
	fake := &fakeStore{
		getProjectFn: func(_ context.Context, projectID string) (store.Project, error) {
			return store.Project{ID: projectID, Name: "Turbine"}, nil
		},
	}
	server, service := newTestServer(t, fake, nil)

	cookieRecorder := httptest.NewRecorder()
	service.Cookies().Set(cookieRecorder, "prj_1", "usr_1")
	cookies := cookieRecorder.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie written")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/projects/open", bytes.NewBufferString("{}"))
	req.AddCookie(cookies[0])
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
}

func TestOpenProjectEndpointRejectsGarbageWithoutCookie(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, nil)

	recorder := doJSON(t, server, http.MethodPost, "/api/projects/open", "", map[string]string{"token": "junk"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestLoginEndpointContract(t *testing.T) {
	fake := &fakeStore{
		ensureUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_1", Email: email, DisplayName: "Ada"}, nil
		},
	}
	server, service := newTestServer(t, fake, nil)

	recorder := doJSON(t, server, http.MethodPost, "/api/session/login", "", map[string]string{"email": "ada@example.com"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		Token     string `json:"token"`
		SubjectID string `json:"subjectId"`
	}
	if err := json.NewDecoder(recorder.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.SubjectID != "usr_1" {
		t.Fatalf("subjectId = %q", payload.SubjectID)
	}
	if _, err := service.SessionFromToken(payload.Token); err != nil {
		t.Fatalf("returned token does not verify: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, nil)

	recorder := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
}

func TestShareEndpointMapsForbidden(t *testing.T) {
	fake := &fakeStore{
		projectExistsFn: func(context.Context, string) (bool, error) { return true, nil },
		ensureUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_stranger", Email: email}, nil
		},
	}
	server, service := newTestServer(t, fake, nil)
	sess := loginFor(t, service, "stranger@example.com")

	recorder := doJSON(t, server, http.MethodPost, "/api/projects/prj_1/share", sess.Token, map[string]any{
		"emails": []string{"a@example.com"},
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", recorder.Code)
	}
}
