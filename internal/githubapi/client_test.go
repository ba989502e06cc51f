package githubapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gh, err := github.NewClient(server.Client()).WithEnterpriseURLs(server.URL, server.URL)
	require.NoError(t, err)
	return &Client{gh: gh, logger: slog.Default()}
}

func TestAuthenticatedUser(t *testing.T) {
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/user", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": 42, "login": "octocat", "name": "The Octocat", "avatar_url": "https://example.com/a.png", "email": "octo@example.com"}`)
	}))

	profile, err := client.AuthenticatedUser(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(42), profile.GithubID)
	assert.Equal(t, "octocat", profile.Login)
	assert.Equal(t, "The Octocat", profile.Name)
	assert.Equal(t, "octo@example.com", profile.Email)
}

func TestGetRepository(t *testing.T) {
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/repos/octocat/hello-world", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"name": "hello-world",
			"full_name": "octocat/hello-world",
			"owner": {"login": "octocat"},
			"description": "My first repo",
			"html_url": "https://github.com/octocat/hello-world",
			"clone_url": "https://github.com/octocat/hello-world.git",
			"default_branch": "main",
			"language": "Go",
			"stargazers_count": 7,
			"private": false
		}`)
	}))

	info, err := client.GetRepository(t.Context(), "octocat", "hello-world")
	require.NoError(t, err)
	assert.Equal(t, "octocat/hello-world", info.FullName)
	assert.Equal(t, "main", info.DefaultBranch)
	assert.Equal(t, "Go", info.Language)
	assert.Equal(t, 7, info.StarsCount)
	assert.False(t, info.Private)
}

func TestGetRepositoryNotFound(t *testing.T) {
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	}))

	_, err := client.GetRepository(t.Context(), "nobody", "missing")
	assert.Error(t, err)
}

func TestCommitCountUsesLastPage(t *testing.T) {
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("per_page"))
		w.Header().Set("Link", fmt.Sprintf(`<%s?per_page=1&page=2>; rel="next", <%s?per_page=1&page=137>; rel="last"`, r.URL.Path, r.URL.Path))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"sha": "abc123"}]`)
	}))

	count, err := client.CommitCount(t.Context(), "octocat", "hello-world")
	require.NoError(t, err)
	assert.Equal(t, 137, count)
}

func TestCommitCountSinglePage(t *testing.T) {
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"sha": "abc123"}]`)
	}))

	count, err := client.CommitCount(t.Context(), "octocat", "hello-world")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestContributorCountUsesLastPage(t *testing.T) {
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", fmt.Sprintf(`<%s?per_page=1&page=2>; rel="next", <%s?per_page=1&page=9>; rel="last"`, r.URL.Path, r.URL.Path))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"login": "octocat"}]`)
	}))

	count, err := client.ContributorCount(t.Context(), "octocat", "hello-world")
	require.NoError(t, err)
	assert.Equal(t, 9, count)
}
