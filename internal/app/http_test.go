package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vibeyard/internal/githubapi"
	"vibeyard/internal/store"
)

func newTestServer(fs *fakeStore) *HTTPServer {
	return NewHTTPServer(newTestService(fs), "*")
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response
}

func sessionToken(t *testing.T, server *HTTPServer) string {
	t.Helper()
	sess, err := server.service.issueSession(context.Background(), store.User{ID: "usr_1", GithubUsername: "octocat"})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return sess.Token
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{})
	rr := doRequest(t, server, http.MethodGet, "/api/health", "", "")

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if response := decodeResponse(t, rr); response["ok"] != true {
		t.Errorf("expected ok=true, got %v", response["ok"])
	}
}

func TestReadyEndpointFailsWhenDatabaseDown(t *testing.T) {
	fs := &fakeStore{
		pingFn: func(context.Context) error { return errors.New("connection refused") },
	}
	server := newTestServer(fs)
	rr := doRequest(t, server, http.MethodGet, "/api/ready", "", "")

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	if response := decodeResponse(t, rr); response["status"] != "not_ready" {
		t.Errorf("expected not_ready, got %v", response["status"])
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server := newTestServer(&fakeStore{})
	rr := doRequest(t, server, http.MethodGet, "/api/nonsense", "", "")

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
	if response := decodeResponse(t, rr); response["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %v", response["code"])
	}
}

func TestMutationsRequireSession(t *testing.T) {
	server := newTestServer(&fakeStore{})
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/repositories"},
		{http.MethodPost, "/api/repositories/repo_1/vote"},
		{http.MethodPost, "/api/repositories/repo_1/follow"},
		{http.MethodPost, "/api/repositories/repo_1/comments"},
		{http.MethodDelete, "/api/comments/cmt_1"},
		{http.MethodPatch, "/api/suggestions/sug_1"},
		{http.MethodPatch, "/api/collaboration-requests/clr_1"},
		{http.MethodGet, "/api/notifications"},
		{http.MethodGet, "/api/workbench/stats"},
	}
	for _, p := range paths {
		rr := doRequest(t, server, p.method, p.path, "", "{}")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", p.method, p.path, rr.Code)
		}
	}
}

func TestListRepositoriesIsPublic(t *testing.T) {
	fs := &fakeStore{
		listRepositoriesFn: func(_ context.Context, filter store.RepositoryFilter) ([]store.Repository, error) {
			if filter.Language != "go" || filter.Limit != 5 {
				t.Errorf("unexpected filter %+v", filter)
			}
			return []store.Repository{ownedRepo()}, nil
		},
	}
	server := newTestServer(fs)
	rr := doRequest(t, server, http.MethodGet, "/api/repositories?language=go&limit=5", "", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	repos, ok := response["repositories"].([]any)
	if !ok || len(repos) != 1 {
		t.Fatalf("expected one repository, got %v", response["repositories"])
	}
}

func TestGetRepositoryDetailIncludesCompleteness(t *testing.T) {
	repo := ownedRepo()
	repo.CompletenessScore.Int32 = 100
	repo.CompletenessScore.Valid = true
	repo.CommitCount.Int32 = 50
	repo.CommitCount.Valid = true
	repo.ContributorCount.Int32 = 5
	repo.ContributorCount.Valid = true

	fs := &fakeStore{
		getRepositoryFn: func(context.Context, string) (store.Repository, error) {
			return repo, nil
		},
		incrementRepositoryViewsFn: func(context.Context, string) (int, error) {
			return 8, nil
		},
	}
	server := newTestServer(fs)
	rr := doRequest(t, server, http.MethodGet, "/api/repositories/repo_1", "", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["viewsCount"] != float64(8) {
		t.Errorf("expected post-increment views 8, got %v", response["viewsCount"])
	}
	completeness, ok := response["completeness"].(map[string]any)
	if !ok {
		t.Fatalf("expected completeness breakdown, got %v", response["completeness"])
	}
	if completeness["score"] != float64(100) || completeness["hasData"] != true {
		t.Errorf("unexpected completeness %+v", completeness)
	}
	categories, ok := completeness["categories"].([]any)
	if !ok || len(categories) != 9 {
		t.Fatalf("expected 9 categories, got %v", completeness["categories"])
	}
}

func TestGetRepositoryNotFound(t *testing.T) {
	server := newTestServer(&fakeStore{})
	rr := doRequest(t, server, http.MethodGet, "/api/repositories/repo_missing", "", "")

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestCreateRepositoryReturns201(t *testing.T) {
	server := newTestServer(&fakeStore{})
	server.service.github = func(string) GithubClient {
		return &fakeGithub{repo: githubapi.RepoInfo{Owner: "octocat", Name: "hello", FullName: "octocat/hello"}}
	}
	token := sessionToken(t, server)
	rr := doRequest(t, server, http.MethodPost, "/api/repositories", token, `{"owner":"octocat","name":"hello"}`)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if response := decodeResponse(t, rr); response["fullName"] != "octocat/hello" {
		t.Errorf("unexpected payload %+v", response)
	}
}

func TestVoteEndpointRoundtrip(t *testing.T) {
	fs := &fakeStore{
		getRepositoryFn: func(context.Context, string) (store.Repository, error) {
			return ownedRepo(), nil
		},
		toggleVoteFn: func(context.Context, string, string, *store.Activity, *store.Notification) (bool, int, error) {
			return true, 4, nil
		},
	}
	server := newTestServer(fs)
	token := sessionToken(t, server)
	rr := doRequest(t, server, http.MethodPost, "/api/repositories/repo_1/vote", token, "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["voted"] != true || response["votesCount"] != float64(4) {
		t.Errorf("unexpected payload %+v", response)
	}
}

func TestMarkNotificationReadNotOwned(t *testing.T) {
	// The store surfaces sql.ErrNoRows when the notification does not
	// belong to the caller; mapError turns that into 404.
	fs := &fakeStore{
		markNotificationReadFn: func(context.Context, string, string) error {
			return sql.ErrNoRows
		},
	}
	server := newTestServer(fs)
	token := sessionToken(t, server)
	rr := doRequest(t, server, http.MethodPost, "/api/notifications/ntf_1/read", token, "")

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a notification owned by someone else, got %d", rr.Code)
	}
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	server := newTestServer(&fakeStore{})
	rr := doRequest(t, server, http.MethodGet, "/api/health", "", "")

	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin header")
	}
}
