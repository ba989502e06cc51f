// Package githubapi wraps the go-github client for the two flows vibeyard
// needs: the OAuth login exchange and authenticated repository reads on
// behalf of a connected user.
package githubapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

// Profile is the subset of the GitHub user we persist.
type Profile struct {
	GithubID  int64
	Login     string
	Name      string
	AvatarURL string
	Email     string
}

// RepoInfo is the subset of repository metadata vibeyard catalogues.
type RepoInfo struct {
	Owner         string
	Name          string
	FullName      string
	Description   string
	HTMLURL       string
	CloneURL      string
	DefaultBranch string
	Language      string
	StarsCount    int
	Private       bool
}

// OAuth drives the GitHub authorization-code flow.
type OAuth struct {
	config *oauth2.Config
}

func NewOAuth(clientID, clientSecret, redirectURL string) *OAuth {
	return &OAuth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"read:user", "user:email", "repo"},
			Endpoint:     githuboauth.Endpoint,
		},
	}
}

// AuthCodeURL returns the GitHub authorization page URL for a state value.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for an access token.
func (o *OAuth) Exchange(ctx context.Context, code string) (string, error) {
	token, err := o.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange oauth code: %w", err)
	}
	return token.AccessToken, nil
}

// Client is an authenticated GitHub API client for a single user token.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient builds a GitHub client. An empty token yields an anonymous
// client, good enough for public repositories.
func NewClient(token string, logger *slog.Logger) *Client {
	if token == "" {
		return &Client{gh: github.NewClient(nil), logger: logger}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return &Client{gh: github.NewClient(tc), logger: logger}
}

// AuthenticatedUser fetches the profile of the token's owner.
func (c *Client) AuthenticatedUser(ctx context.Context) (Profile, error) {
	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return Profile{}, fmt.Errorf("fetch authenticated user: %w", err)
	}
	return Profile{
		GithubID:  user.GetID(),
		Login:     user.GetLogin(),
		Name:      user.GetName(),
		AvatarURL: user.GetAvatarURL(),
		Email:     user.GetEmail(),
	}, nil
}

// GetRepository fetches repository metadata.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (RepoInfo, error) {
	repo, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return RepoInfo{}, fmt.Errorf("fetch repository %s/%s: %w", owner, name, err)
	}
	return RepoInfo{
		Owner:         repo.GetOwner().GetLogin(),
		Name:          repo.GetName(),
		FullName:      repo.GetFullName(),
		Description:   repo.GetDescription(),
		HTMLURL:       repo.GetHTMLURL(),
		CloneURL:      repo.GetCloneURL(),
		DefaultBranch: repo.GetDefaultBranch(),
		Language:      repo.GetLanguage(),
		StarsCount:    repo.GetStargazersCount(),
		Private:       repo.GetPrivate(),
	}, nil
}

// CommitCount counts commits on the default branch. Requesting one commit
// per page makes the Link header's last page equal the total count, so a
// single round trip suffices for any history length.
func (c *Client) CommitCount(ctx context.Context, owner, name string) (int, error) {
	opts := &github.CommitsListOptions{ListOptions: github.ListOptions{PerPage: 1}}
	commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
	if err != nil {
		return 0, fmt.Errorf("count commits for %s/%s: %w", owner, name, err)
	}
	if resp.LastPage > 0 {
		return resp.LastPage, nil
	}
	return len(commits), nil
}

// ContributorCount counts contributors with the same last-page trick.
func (c *Client) ContributorCount(ctx context.Context, owner, name string) (int, error) {
	opts := &github.ListContributorsOptions{ListOptions: github.ListOptions{PerPage: 1}}
	contributors, resp, err := c.gh.Repositories.ListContributors(ctx, owner, name, opts)
	if err != nil {
		return 0, fmt.Errorf("count contributors for %s/%s: %w", owner, name, err)
	}
	if resp.LastPage > 0 {
		return resp.LastPage, nil
	}
	return len(contributors), nil
}
