package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"vibeyard/internal/analyzer"
	"vibeyard/internal/auth"
	"vibeyard/internal/config"
	"vibeyard/internal/githubapi"
	"vibeyard/internal/search"
	"vibeyard/internal/store"
	"vibeyard/internal/util"
	"vibeyard/internal/worker"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Login        string
	JTI          string
	ExpiresAt    time.Time
}

type CreateRepositoryInput struct {
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	AIProvider string `json:"aiProvider"`
	IsPublic   *bool  `json:"isPublic"`
}

type CreateCommentInput struct {
	Content  string `json:"content"`
	ParentID string `json:"parentId"`
}

type CreateCollabRequestInput struct {
	CollaborationType string `json:"collaborationType"`
	Message           string `json:"message"`
}

type TransitionCollabRequestInput struct {
	Action          string `json:"action"`
	ResponseMessage string `json:"responseMessage"`
}

type CreateSuggestionInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
}

type UpdateSuggestionInput struct {
	Status        string `json:"status"`
	OwnerResponse string `json:"ownerResponse"`
}

var allowedSuggestionCategories = map[string]struct{}{
	"code_quality":  {},
	"documentation": {},
	"testing":       {},
	"performance":   {},
	"security":      {},
	"feature":       {},
	"ux":            {},
	"other":         {},
}

var allowedSuggestionPriorities = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
}

var allowedSuggestionStatuses = map[string]struct{}{
	store.SuggestionOpen:         {},
	store.SuggestionAcknowledged: {},
	store.SuggestionImplemented:  {},
	store.SuggestionClosed:       {},
}

var allowedCollabActions = map[string]struct{}{
	"accept":   {},
	"decline":  {},
	"withdraw": {},
	"complete": {},
}

type dataStore interface {
	Ping(ctx context.Context) error

	UpsertGithubUser(context.Context, store.User) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserAccessTokenCipher(context.Context, string) (string, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertRepository(context.Context, store.Repository) error
	GetRepository(context.Context, string) (store.Repository, error)
	GetRepositoryByFullName(context.Context, string) (store.Repository, error)
	ListRepositories(context.Context, store.RepositoryFilter) ([]store.Repository, error)
	LatestPublicRepositories(context.Context, int) ([]store.Repository, error)
	IncrementRepositoryViews(context.Context, string) (int, error)
	UpdateRepositoryOwner(context.Context, string, string) error
	SetAnalysisStatus(context.Context, string, string) error
	ToggleVote(context.Context, string, string, *store.Activity, *store.Notification) (bool, int, error)
	ToggleFollow(context.Context, string, string, *store.Activity, *store.Notification) (bool, int, error)

	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListCommentsByRepository(context.Context, string) ([]store.Comment, error)
	SoftDeleteComment(context.Context, string) (store.Comment, error)
	ToggleCommentVote(context.Context, string, string) (bool, int, error)

	InsertCollaborationRequest(context.Context, store.CollaborationRequest, *store.Notification) error
	GetCollaborationRequest(context.Context, string) (store.CollaborationRequest, error)
	ListCollaborationRequestsByRepository(context.Context, string) ([]store.CollaborationRequest, error)
	TransitionCollaborationRequest(context.Context, string, string, string, string, *store.Notification) (bool, error)
	PendingCollaborationRequestExists(context.Context, string, string) (bool, error)

	InsertSuggestion(context.Context, store.ImprovementSuggestion, *store.Notification) error
	GetSuggestion(context.Context, string) (store.ImprovementSuggestion, error)
	ActiveSuggestionExists(context.Context, string, string, string) (bool, error)
	ListSuggestions(context.Context, string, store.SuggestionFilter) ([]store.ImprovementSuggestion, error)
	UpdateSuggestionStatus(context.Context, string, string, string, *store.Notification) error
	ToggleSuggestionUpvote(context.Context, string, string) (bool, int, error)

	InsertNotification(context.Context, store.Notification) error
	ListNotifications(context.Context, string, bool, int, int) ([]store.Notification, error)
	UnreadNotificationCount(context.Context, string) (int, error)
	MarkNotificationRead(context.Context, string, string) error
	MarkAllNotificationsRead(context.Context, string) (int, error)
	ListFollowedRepositories(context.Context, string) ([]store.FollowedRepository, error)
	GetWorkbenchStats(context.Context, string) (store.WorkbenchStats, error)
}

// refreshStore holds refresh sessions. Redis in production, with the
// Postgres store as a drop-in fallback when redis is not configured.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type oauthExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

// GithubClient is the slice of the GitHub API the service touches. The
// factory form lets each call use the caller's own access token.
type GithubClient interface {
	AuthenticatedUser(ctx context.Context) (githubapi.Profile, error)
	GetRepository(ctx context.Context, owner, name string) (githubapi.RepoInfo, error)
}

type tokenVault interface {
	Seal(plaintext string) (string, error)
	Open(encoded string) (string, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexRepository(rec search.RepositoryRecord)
	DeleteRepository(id string)
}

type taskQueue interface {
	EnqueueAnalysis(ctx context.Context, payload worker.AnalysisPayload) error
	EnqueueEmail(ctx context.Context, payload worker.EmailPayload) error
}

const oauthStateTTL = 10 * time.Minute

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	oauth    oauthExchanger
	github   func(token string) GithubClient
	vault    tokenVault
	search   searchService
	queue    taskQueue
	logger   *slog.Logger

	stateMu sync.Mutex
	states  map[string]time.Time
}

func New(cfg config.Config, dataStore dataStore, sessions refreshStore, oauth oauthExchanger,
	github func(token string) GithubClient, vault tokenVault, searchSvc searchService,
	queue *worker.Queue, logger *slog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		oauth:    oauth,
		github:   github,
		vault:    vault,
		search:   searchSvc,
		logger:   logger,
		states:   make(map[string]time.Time),
	}
	if queue != nil {
		s.queue = queue
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── Sessions ──

// LoginURL returns the GitHub authorization URL with a fresh anti-CSRF state.
func (s *Service) LoginURL() (url, state string) {
	state = util.NewID("st")
	s.stateMu.Lock()
	now := time.Now()
	for key, issued := range s.states {
		if now.Sub(issued) > oauthStateTTL {
			delete(s.states, key)
		}
	}
	s.states[state] = now
	s.stateMu.Unlock()
	return s.oauth.AuthCodeURL(state), state
}

func (s *Service) consumeState(state string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	issued, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return time.Since(issued) <= oauthStateTTL
}

// HandleCallback finishes the OAuth flow: exchanges the code, fetches the
// GitHub profile, stores the user with the access token sealed at rest, and
// issues a session.
func (s *Service) HandleCallback(ctx context.Context, state, code string) (Session, error) {
	if !s.consumeState(state) {
		return Session{}, domainError(401, "INVALID_STATE", "OAuth state is invalid or expired", nil)
	}
	accessToken, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return Session{}, domainError(401, "OAUTH_FAILED", "Could not exchange authorization code", nil)
	}

	profile, err := s.github(accessToken).AuthenticatedUser(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("fetch github profile: %w", err)
	}

	cipher, err := s.vault.Seal(accessToken)
	if err != nil {
		return Session{}, fmt.Errorf("seal access token: %w", err)
	}

	user, err := s.store.UpsertGithubUser(ctx, store.User{
		ID:                util.NewID("usr"),
		GithubID:          profile.GithubID,
		GithubUsername:    profile.Login,
		DisplayName:       profile.Name,
		AvatarURL:         profile.AvatarURL,
		Email:             profile.Email,
		AccessTokenCipher: sql.NullString{String: cipher, Valid: true},
	})
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:   user.ID,
		Login: user.GithubUsername,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Login:        user.GithubUsername,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Login:     claims.Login,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ── Repositories ──

func (s *Service) ImportRepository(ctx context.Context, session Session, input CreateRepositoryInput) (map[string]any, error) {
	owner := strings.TrimSpace(input.Owner)
	name := strings.TrimSpace(input.Name)
	if owner == "" || name == "" {
		return nil, domainError(400, "VALIDATION_ERROR", "owner and name are required", nil)
	}

	fullName := owner + "/" + name
	if _, err := s.store.GetRepositoryByFullName(ctx, fullName); err == nil {
		return nil, domainError(409, "REPO_EXISTS", "Repository is already catalogued", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	token, err := s.userToken(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	info, err := s.github(token).GetRepository(ctx, owner, name)
	if err != nil {
		return nil, domainError(404, "GITHUB_REPO_NOT_FOUND", "Repository not found on GitHub", nil)
	}

	isPublic := !info.Private
	if input.IsPublic != nil {
		isPublic = *input.IsPublic && !info.Private
	}

	repo := store.Repository{
		ID:             util.NewID("repo"),
		UserID:         session.UserID,
		Owner:          info.Owner,
		Name:           info.Name,
		FullName:       info.FullName,
		Description:    info.Description,
		HTMLURL:        info.HTMLURL,
		CloneURL:       info.CloneURL,
		DefaultBranch:  info.DefaultBranch,
		Language:       info.Language,
		AIProvider:     strings.TrimSpace(input.AIProvider),
		IsPublic:       isPublic,
		StarsCount:     info.StarsCount,
		AnalysisStatus: store.AnalysisPending,
	}
	if err := s.store.InsertRepository(ctx, repo); err != nil {
		return nil, err
	}

	s.indexRepository(repo)

	if s.queue != nil {
		if err := s.queue.EnqueueAnalysis(ctx, worker.AnalysisPayload{
			RepositoryID: repo.ID,
			Owner:        repo.Owner,
			Name:         repo.Name,
			UserID:       session.UserID,
		}); err != nil {
			s.logger.Warn("enqueue analysis failed", "repositoryId", repo.ID, "error", err)
		}
	}

	return repositoryPayload(repo), nil
}

func (s *Service) GetRepositoryDetail(ctx context.Context, repositoryID string) (map[string]any, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	views, err := s.store.IncrementRepositoryViews(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	repo.ViewsCount = views

	payload := repositoryPayload(repo)
	payload["completeness"] = completenessPayload(repo)
	return payload, nil
}

func (s *Service) ListRepositories(ctx context.Context, filter store.RepositoryFilter) (map[string]any, error) {
	repos, err := s.store.ListRepositories(ctx, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(repos))
	for _, repo := range repos {
		items = append(items, repositoryPayload(repo))
	}
	return map[string]any{"repositories": items}, nil
}

func (s *Service) Search(ctx context.Context, text, language, aiProvider string, limit, offset int) (search.Response, error) {
	return s.search.Search(search.Query{
		Text:       text,
		Language:   language,
		AIProvider: aiProvider,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

func (s *Service) ToggleRepositoryVote(ctx context.Context, session Session, repositoryID string) (map[string]any, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	activity := &store.Activity{
		ID:         util.NewID("act"),
		ActorID:    session.UserID,
		Type:       "repository_voted",
		EntityType: "repository",
		EntityID:   repo.ID,
	}
	var notification *store.Notification
	if repo.UserID != session.UserID {
		notification = &store.Notification{
			ID:              util.NewID("ntf"),
			RecipientUserID: repo.UserID,
			Type:            "new_vote",
			Title:           "New vote",
			Message:         fmt.Sprintf("%s voted for %s", session.Login, repo.FullName),
			RepositoryID:    sql.NullString{String: repo.ID, Valid: true},
		}
	}

	voted, votesCount, err := s.store.ToggleVote(ctx, session.UserID, repo.ID, activity, notification)
	if err != nil {
		return nil, err
	}
	return map[string]any{"voted": voted, "votesCount": votesCount}, nil
}

func (s *Service) ToggleRepositoryFollow(ctx context.Context, session Session, repositoryID string) (map[string]any, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	activity := &store.Activity{
		ID:         util.NewID("act"),
		ActorID:    session.UserID,
		Type:       "repository_followed",
		EntityType: "repository",
		EntityID:   repo.ID,
	}
	var notification *store.Notification
	if repo.UserID != session.UserID {
		notification = &store.Notification{
			ID:              util.NewID("ntf"),
			RecipientUserID: repo.UserID,
			Type:            "new_follower",
			Title:           "New follower",
			Message:         fmt.Sprintf("%s is now following %s", session.Login, repo.FullName),
			RepositoryID:    sql.NullString{String: repo.ID, Valid: true},
		}
	}

	following, followersCount, err := s.store.ToggleFollow(ctx, session.UserID, repo.ID, activity, notification)
	if err != nil {
		return nil, err
	}
	return map[string]any{"following": following, "followersCount": followersCount}, nil
}

// ClaimRepository transfers ownership to the caller when their GitHub login
// matches the repository owner, compared case-insensitively.
func (s *Service) ClaimRepository(ctx context.Context, session Session, repositoryID string) (map[string]any, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(user.GithubUsername, repo.Owner) {
		return nil, domainError(403, "CLAIM_DENIED", "Your GitHub username does not match the repository owner", nil)
	}
	if err := s.store.UpdateRepositoryOwner(ctx, repo.ID, session.UserID); err != nil {
		return nil, err
	}
	repo.UserID = session.UserID
	s.indexRepository(repo)
	return map[string]any{"id": repo.ID, "userId": session.UserID, "claimed": true}, nil
}

// RequestAnalysis re-queues analysis, the user-triggered retry after a
// failed run.
func (s *Service) RequestAnalysis(ctx context.Context, session Session, repositoryID string) (map[string]any, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo.UserID != session.UserID {
		return nil, domainError(403, "FORBIDDEN", "Only the repository owner can request analysis", nil)
	}
	if repo.AnalysisStatus == store.AnalysisProcessing {
		return nil, domainError(400, "VALIDATION_ERROR", "Analysis is already running", nil)
	}
	if err := s.store.SetAnalysisStatus(ctx, repo.ID, store.AnalysisPending); err != nil {
		return nil, err
	}
	if s.queue != nil {
		if err := s.queue.EnqueueAnalysis(ctx, worker.AnalysisPayload{
			RepositoryID: repo.ID,
			Owner:        repo.Owner,
			Name:         repo.Name,
			UserID:       session.UserID,
		}); err != nil {
			return nil, err
		}
	}
	return map[string]any{"id": repo.ID, "analysisStatus": store.AnalysisPending}, nil
}

// ── Comments ──

// maxCommentDepth bounds reply nesting; replies below the cap attach at the
// cap so the thread stays flat past that point.
const maxCommentDepth = 5

func (s *Service) CreateComment(ctx context.Context, session Session, repositoryID string, input CreateCommentInput) (map[string]any, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, domainError(400, "VALIDATION_ERROR", "content is required", nil)
	}
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	comment := store.Comment{
		ID:           util.NewID("cmt"),
		RepositoryID: repo.ID,
		UserID:       session.UserID,
		Content:      content,
	}
	if parentID := strings.TrimSpace(input.ParentID); parentID != "" {
		parent, err := s.store.GetComment(ctx, parentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(400, "VALIDATION_ERROR", "parent comment does not exist", nil)
			}
			return nil, err
		}
		if parent.RepositoryID != repo.ID {
			return nil, domainError(400, "VALIDATION_ERROR", "parent comment belongs to another repository", nil)
		}
		comment.ParentID = sql.NullString{String: parent.ID, Valid: true}
		comment.Depth = parent.Depth + 1
		if comment.Depth > maxCommentDepth {
			comment.Depth = maxCommentDepth
		}
	}

	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	return commentPayload(comment), nil
}

func (s *Service) ListComments(ctx context.Context, repositoryID string) (map[string]any, error) {
	if _, err := s.store.GetRepository(ctx, repositoryID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListCommentsByRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return map[string]any{"comments": items}, nil
}

func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) (map[string]any, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if comment.UserID != session.UserID {
		return nil, domainError(403, "FORBIDDEN", "Only the author can delete a comment", nil)
	}
	deleted, err := s.store.SoftDeleteComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": deleted.ID, "isDeleted": deleted.IsDeleted, "content": deleted.Content}, nil
}

func (s *Service) ToggleCommentVote(ctx context.Context, session Session, commentID string) (map[string]any, error) {
	if _, err := s.store.GetComment(ctx, commentID); err != nil {
		return nil, err
	}
	hasVoted, votesCount, err := s.store.ToggleCommentVote(ctx, session.UserID, commentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hasVoted": hasVoted, "votesCount": votesCount}, nil
}

// ── Collaboration requests ──

func (s *Service) CreateCollaborationRequest(ctx context.Context, session Session, repositoryID string, input CreateCollabRequestInput) (map[string]any, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo.UserID == session.UserID {
		return nil, domainError(400, "VALIDATION_ERROR", "You cannot request collaboration on your own repository", nil)
	}
	if !repo.IsAcceptingCollaborators {
		return nil, domainError(400, "NOT_ACCEPTING", "Repository is not accepting collaborators", nil)
	}
	exists, err := s.store.PendingCollaborationRequestExists(ctx, session.UserID, repo.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, domainError(409, "DUPLICATE_REQUEST", "You already have a pending request for this repository", nil)
	}

	request := store.CollaborationRequest{
		ID:                util.NewID("clr"),
		RequestorID:       session.UserID,
		TargetOwnerID:     repo.UserID,
		RepositoryID:      repo.ID,
		CollaborationType: strings.TrimSpace(input.CollaborationType),
		Message:           strings.TrimSpace(input.Message),
		Status:            store.RequestPending,
	}
	notification := &store.Notification{
		ID:              util.NewID("ntf"),
		RecipientUserID: repo.UserID,
		Type:            "new_collaboration_request",
		Title:           "New collaboration request",
		Message:         fmt.Sprintf("%s wants to collaborate on %s", session.Login, repo.FullName),
		RepositoryID:    sql.NullString{String: repo.ID, Valid: true},
		EntityID:        sql.NullString{String: request.ID, Valid: true},
	}
	if err := s.store.InsertCollaborationRequest(ctx, request, notification); err != nil {
		return nil, err
	}

	s.enqueueOwnerEmail(ctx, repo, fmt.Sprintf("%s wants to collaborate on %s", session.Login, repo.FullName))

	return collabRequestPayload(request), nil
}

func (s *Service) ListCollaborationRequests(ctx context.Context, session Session, repositoryID string) (map[string]any, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo.UserID != session.UserID {
		return nil, domainError(403, "FORBIDDEN", "Only the repository owner can list collaboration requests", nil)
	}
	requests, err := s.store.ListCollaborationRequestsByRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(requests))
	for _, request := range requests {
		items = append(items, collabRequestPayload(request))
	}
	return map[string]any{"requests": items}, nil
}

// TransitionCollaborationRequest applies one lifecycle action. Wrong actor
// yields 403, wrong current status 400; the status check runs again inside
// the conditional UPDATE so a concurrent transition loses cleanly.
func (s *Service) TransitionCollaborationRequest(ctx context.Context, session Session, requestID string, input TransitionCollabRequestInput) (map[string]any, error) {
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if _, ok := allowedCollabActions[action]; !ok {
		return nil, domainError(400, "VALIDATION_ERROR", "action must be accept, decline, withdraw or complete", nil)
	}

	request, err := s.store.GetCollaborationRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	repo, err := s.store.GetRepository(ctx, request.RepositoryID)
	if err != nil {
		return nil, err
	}

	var fromStatus, toStatus string
	var notification *store.Notification
	switch action {
	case "accept", "decline":
		if session.UserID != request.TargetOwnerID {
			return nil, domainError(403, "FORBIDDEN", "Only the repository owner can respond to this request", nil)
		}
		fromStatus = store.RequestPending
		toStatus = store.RequestAccepted
		verb := "accepted"
		if action == "decline" {
			toStatus = store.RequestDeclined
			verb = "declined"
		}
		if request.RequestorID != session.UserID {
			notification = &store.Notification{
				ID:              util.NewID("ntf"),
				RecipientUserID: request.RequestorID,
				Type:            "collaboration_request_" + verb,
				Title:           "Collaboration request " + verb,
				Message:         fmt.Sprintf("Your collaboration request for %s was %s", repo.FullName, verb),
				RepositoryID:    sql.NullString{String: repo.ID, Valid: true},
				EntityID:        sql.NullString{String: request.ID, Valid: true},
			}
		}
	case "withdraw":
		if session.UserID != request.RequestorID {
			return nil, domainError(403, "FORBIDDEN", "Only the requestor can withdraw this request", nil)
		}
		fromStatus = store.RequestPending
		toStatus = store.RequestWithdrawn
	case "complete":
		if session.UserID != request.RequestorID && session.UserID != request.TargetOwnerID {
			return nil, domainError(403, "FORBIDDEN", "Only a participant can complete this request", nil)
		}
		fromStatus = store.RequestAccepted
		toStatus = store.RequestCompleted
	}

	if request.Status != fromStatus {
		return nil, domainError(400, "INVALID_STATE", fmt.Sprintf("Request is %s, not %s", request.Status, fromStatus), nil)
	}

	ok, err := s.store.TransitionCollaborationRequest(ctx, request.ID, fromStatus, toStatus, strings.TrimSpace(input.ResponseMessage), notification)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(400, "INVALID_STATE", "Request status changed concurrently", nil)
	}

	updated, err := s.store.GetCollaborationRequest(ctx, request.ID)
	if err != nil {
		return nil, err
	}
	return collabRequestPayload(updated), nil
}

// ── Improvement suggestions ──

func (s *Service) CreateSuggestion(ctx context.Context, session Session, repositoryID string, input CreateSuggestionInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	description := strings.TrimSpace(input.Description)
	category := strings.ToLower(strings.TrimSpace(input.Category))
	priority := strings.ToLower(strings.TrimSpace(input.Priority))
	if priority == "" {
		priority = "medium"
	}

	var details []string
	if utf8.RuneCountInString(title) < 5 {
		details = append(details, "title must be at least 5 characters")
	}
	if utf8.RuneCountInString(description) < 20 {
		details = append(details, "description must be at least 20 characters")
	}
	if _, ok := allowedSuggestionCategories[category]; !ok {
		details = append(details, "category is not recognized")
	}
	if _, ok := allowedSuggestionPriorities[priority]; !ok {
		details = append(details, "priority must be low, medium or high")
	}
	if len(details) > 0 {
		return nil, domainError(400, "VALIDATION_ERROR", "Suggestion is invalid", details)
	}

	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	duplicate, err := s.store.ActiveSuggestionExists(ctx, repo.ID, session.UserID, title)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, domainError(409, "DUPLICATE_SUGGESTION", "You already have an active suggestion with this title", nil)
	}

	suggestion := store.ImprovementSuggestion{
		ID:            util.NewID("sug"),
		RepositoryID:  repo.ID,
		SuggestedByID: session.UserID,
		Title:         title,
		Description:   description,
		Category:      category,
		Priority:      priority,
		Status:        store.SuggestionOpen,
	}
	var notification *store.Notification
	if repo.UserID != session.UserID {
		notification = &store.Notification{
			ID:              util.NewID("ntf"),
			RecipientUserID: repo.UserID,
			Type:            "new_suggestion",
			Title:           "New improvement suggestion",
			Message:         fmt.Sprintf("%s suggested: %s", session.Login, title),
			RepositoryID:    sql.NullString{String: repo.ID, Valid: true},
			EntityID:        sql.NullString{String: suggestion.ID, Valid: true},
		}
	}
	if err := s.store.InsertSuggestion(ctx, suggestion, notification); err != nil {
		return nil, err
	}
	return suggestionPayload(suggestion), nil
}

func (s *Service) ListSuggestions(ctx context.Context, repositoryID string, filter store.SuggestionFilter) (map[string]any, error) {
	if _, err := s.store.GetRepository(ctx, repositoryID); err != nil {
		return nil, err
	}
	suggestions, err := s.store.ListSuggestions(ctx, repositoryID, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(suggestions))
	for _, suggestion := range suggestions {
		items = append(items, suggestionPayload(suggestion))
	}
	return map[string]any{"suggestions": items}, nil
}

func (s *Service) UpdateSuggestion(ctx context.Context, session Session, suggestionID string, input UpdateSuggestionInput) (map[string]any, error) {
	status := strings.ToLower(strings.TrimSpace(input.Status))
	if _, ok := allowedSuggestionStatuses[status]; !ok {
		return nil, domainError(400, "VALIDATION_ERROR", "status must be open, acknowledged, implemented or closed", nil)
	}

	suggestion, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	repo, err := s.store.GetRepository(ctx, suggestion.RepositoryID)
	if err != nil {
		return nil, err
	}
	if repo.UserID != session.UserID {
		return nil, domainError(403, "FORBIDDEN", "Only the repository owner can update a suggestion", nil)
	}

	var notification *store.Notification
	if suggestion.SuggestedByID != session.UserID {
		notification = &store.Notification{
			ID:              util.NewID("ntf"),
			RecipientUserID: suggestion.SuggestedByID,
			Type:            "suggestion_status_changed",
			Title:           "Suggestion " + status,
			Message:         fmt.Sprintf("Your suggestion %q on %s is now %s", suggestion.Title, repo.FullName, status),
			RepositoryID:    sql.NullString{String: repo.ID, Valid: true},
			EntityID:        sql.NullString{String: suggestion.ID, Valid: true},
		}
	}
	if err := s.store.UpdateSuggestionStatus(ctx, suggestion.ID, status, strings.TrimSpace(input.OwnerResponse), notification); err != nil {
		return nil, err
	}

	updated, err := s.store.GetSuggestion(ctx, suggestion.ID)
	if err != nil {
		return nil, err
	}
	return suggestionPayload(updated), nil
}

func (s *Service) ToggleSuggestionUpvote(ctx context.Context, session Session, suggestionID string) (map[string]any, error) {
	if _, err := s.store.GetSuggestion(ctx, suggestionID); err != nil {
		return nil, err
	}
	upvoted, upvotesCount, err := s.store.ToggleSuggestionUpvote(ctx, session.UserID, suggestionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": suggestionID, "upvoted": upvoted, "upvotesCount": upvotesCount}, nil
}

// ── Notifications, follows, workbench ──

func (s *Service) Notifications(ctx context.Context, session Session, unreadOnly bool, limit, offset int) (map[string]any, error) {
	notifications, err := s.store.ListNotifications(ctx, session.UserID, unreadOnly, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notifications))
	for _, notification := range notifications {
		items = append(items, notificationPayload(notification))
	}
	return map[string]any{"notifications": items}, nil
}

func (s *Service) UnreadNotificationCount(ctx context.Context, session Session) (map[string]any, error) {
	count, err := s.store.UnreadNotificationCount(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": count}, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) (map[string]any, error) {
	if err := s.store.MarkNotificationRead(ctx, notificationID, session.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"id": notificationID, "read": true}, nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) (map[string]any, error) {
	updated, err := s.store.MarkAllNotificationsRead(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"updated": updated}, nil
}

func (s *Service) UserFollows(ctx context.Context, session Session) (map[string]any, error) {
	followed, err := s.store.ListFollowedRepositories(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(followed))
	for _, entry := range followed {
		item := repositoryPayload(entry.Repository)
		item["followedAt"] = entry.FollowedAt
		if entry.LatestActivity != nil {
			item["latestActivity"] = map[string]any{
				"type":      entry.LatestActivity.Type,
				"actorId":   entry.LatestActivity.ActorID,
				"createdAt": entry.LatestActivity.CreatedAt,
			}
		}
		items = append(items, item)
	}
	return map[string]any{"repositories": items}, nil
}

func (s *Service) WorkbenchStats(ctx context.Context, session Session) (map[string]any, error) {
	stats, err := s.store.GetWorkbenchStats(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"repositories":          stats.Repositories,
		"totalVotes":            stats.TotalVotes,
		"totalFollowers":        stats.TotalFollowers,
		"totalViews":            stats.TotalViews,
		"openSuggestions":       stats.OpenSuggestions,
		"pendingCollabRequests": stats.PendingCollabRequests,
		"unreadNotifications":   stats.UnreadNotifications,
		"analyzedRepositories":  stats.AnalyzedRepositories,
	}, nil
}

// LatestPublicRepositories backs the RSS feed.
func (s *Service) LatestPublicRepositories(ctx context.Context, limit int) ([]store.Repository, error) {
	return s.store.LatestPublicRepositories(ctx, limit)
}

func (s *Service) PublicURL() string {
	return s.cfg.PublicURL
}

// ── helpers ──

func (s *Service) userToken(ctx context.Context, userID string) (string, error) {
	cipher, err := s.store.GetUserAccessTokenCipher(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.vault.Open(cipher)
}

// indexRepository keeps the search index in step with the catalogue:
// public repositories are upserted, private ones evicted.
func (s *Service) indexRepository(repo store.Repository) {
	if s.search == nil {
		return
	}
	if !repo.IsPublic {
		s.search.DeleteRepository(repo.ID)
		return
	}
	s.search.IndexRepository(search.RepositoryRecord{
		ID:          repo.ID,
		FullName:    repo.FullName,
		Owner:       repo.Owner,
		Name:        repo.Name,
		Description: repo.Description,
		Language:    repo.Language,
		AIProvider:  repo.AIProvider,
		IsPublic:    repo.IsPublic,
		VotesCount:  repo.VotesCount,
	})
}

func (s *Service) enqueueOwnerEmail(ctx context.Context, repo store.Repository, message string) {
	if s.queue == nil {
		return
	}
	owner, err := s.store.GetUserByID(ctx, repo.UserID)
	if err != nil || owner.Email == "" {
		return
	}
	if err := s.queue.EnqueueEmail(ctx, worker.EmailPayload{
		To:             owner.Email,
		RecipientName:  owner.GithubUsername,
		Message:        message,
		RepositoryName: repo.FullName,
		RepositoryURL:  s.cfg.PublicURL + "/repositories/" + repo.ID,
	}); err != nil {
		s.logger.Warn("enqueue email failed", "to", owner.Email, "error", err)
	}
}

func repositoryPayload(repo store.Repository) map[string]any {
	payload := map[string]any{
		"id":                       repo.ID,
		"userId":                   repo.UserID,
		"owner":                    repo.Owner,
		"name":                     repo.Name,
		"fullName":                 repo.FullName,
		"description":              repo.Description,
		"htmlUrl":                  repo.HTMLURL,
		"language":                 repo.Language,
		"aiProvider":               repo.AIProvider,
		"isPublic":                 repo.IsPublic,
		"votesCount":               repo.VotesCount,
		"followersCount":           repo.FollowersCount,
		"viewsCount":               repo.ViewsCount,
		"starsCount":               repo.StarsCount,
		"isAcceptingCollaborators": repo.IsAcceptingCollaborators,
		"analysisStatus":           repo.AnalysisStatus,
		"createdAt":                repo.CreatedAt,
	}
	if repo.CompletenessScore.Valid {
		payload["completenessScore"] = int(repo.CompletenessScore.Int32)
	}
	if repo.AnalyzedAt.Valid {
		payload["analyzedAt"] = repo.AnalyzedAt.Time
	}
	return payload
}

func completenessPayload(repo store.Repository) map[string]any {
	hasData := repo.CompletenessScore.Valid
	score := 0
	if hasData {
		score = int(repo.CompletenessScore.Int32)
	}
	commits := 0
	if repo.CommitCount.Valid {
		commits = int(repo.CommitCount.Int32)
	}
	contributors := 0
	if repo.ContributorCount.Valid {
		contributors = int(repo.ContributorCount.Int32)
	}

	categories := analyzer.Breakdown(score, commits, contributors, hasData)
	items := make([]map[string]any, 0, len(categories))
	for _, category := range categories {
		items = append(items, map[string]any{
			"name":  category.Name,
			"score": category.Score,
			"max":   category.Max,
		})
	}
	return map[string]any{"score": score, "hasData": hasData, "categories": items}
}

func commentPayload(comment store.Comment) map[string]any {
	payload := map[string]any{
		"id":           comment.ID,
		"repositoryId": comment.RepositoryID,
		"userId":       comment.UserID,
		"content":      comment.Content,
		"depth":        comment.Depth,
		"votesCount":   comment.VotesCount,
		"isDeleted":    comment.IsDeleted,
		"createdAt":    comment.CreatedAt,
	}
	if comment.ParentID.Valid {
		payload["parentId"] = comment.ParentID.String
	}
	return payload
}

func collabRequestPayload(request store.CollaborationRequest) map[string]any {
	payload := map[string]any{
		"id":                request.ID,
		"requestorId":       request.RequestorID,
		"targetOwnerId":     request.TargetOwnerID,
		"repositoryId":      request.RepositoryID,
		"collaborationType": request.CollaborationType,
		"message":           request.Message,
		"status":            request.Status,
		"createdAt":         request.CreatedAt,
	}
	if request.ResponseMessage.Valid {
		payload["responseMessage"] = request.ResponseMessage.String
	}
	if request.RespondedAt.Valid {
		payload["respondedAt"] = request.RespondedAt.Time
	}
	return payload
}

func suggestionPayload(suggestion store.ImprovementSuggestion) map[string]any {
	payload := map[string]any{
		"id":            suggestion.ID,
		"repositoryId":  suggestion.RepositoryID,
		"suggestedById": suggestion.SuggestedByID,
		"title":         suggestion.Title,
		"description":   suggestion.Description,
		"category":      suggestion.Category,
		"priority":      suggestion.Priority,
		"status":        suggestion.Status,
		"upvotesCount":  suggestion.UpvotesCount,
		"createdAt":     suggestion.CreatedAt,
	}
	if suggestion.OwnerResponse.Valid {
		payload["ownerResponse"] = suggestion.OwnerResponse.String
	}
	return payload
}

func notificationPayload(notification store.Notification) map[string]any {
	payload := map[string]any{
		"id":        notification.ID,
		"type":      notification.Type,
		"title":     notification.Title,
		"message":   notification.Message,
		"read":      notification.Read,
		"createdAt": notification.CreatedAt,
	}
	if notification.RepositoryID.Valid {
		payload["repositoryId"] = notification.RepositoryID.String
	}
	if notification.EntityID.Valid {
		payload["entityId"] = notification.EntityID.String
	}
	return payload
}
