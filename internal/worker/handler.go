package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"vibeyard/internal/analyzer"
	"vibeyard/internal/email"
	"vibeyard/internal/githubapi"
	"vibeyard/internal/search"
	"vibeyard/internal/store"
	"vibeyard/internal/util"
)

// Store is the slice of the data layer the worker needs.
type Store interface {
	GetRepository(ctx context.Context, repositoryID string) (store.Repository, error)
	GetUserAccessTokenCipher(ctx context.Context, userID string) (string, error)
	SetAnalysisStatus(ctx context.Context, repositoryID, status string) error
	SaveAnalysisResult(ctx context.Context, repositoryID string, score, commitCount, contributorCount int, analyzedAt time.Time) error
	InsertNotification(ctx context.Context, notification store.Notification) error
}

// TokenVault decrypts stored GitHub access tokens.
type TokenVault interface {
	Open(encoded string) (string, error)
}

// Analyzer runs a full repository analysis.
type Analyzer interface {
	Analyze(ctx context.Context, owner, name, cloneURL, branch, token string, counts analyzer.CountFetcher) (analyzer.Result, error)
}

// ReportSaver persists the raw analysis artifact.
type ReportSaver interface {
	Save(ctx context.Context, report analyzer.Report) error
}

// Indexer pushes the re-analyzed repository into the search index.
type Indexer interface {
	IndexRepository(rec search.RepositoryRecord)
}

// Mailer sends notification emails.
type Mailer interface {
	IsConfigured() bool
	SendNotificationEmail(to string, data email.NotificationDigestData) error
}

// Handler consumes analysis and email tasks.
type Handler struct {
	store    Store
	vault    TokenVault
	analyzer Analyzer
	reports  ReportSaver
	index    Indexer
	mailer   Mailer
	logger   *slog.Logger
}

func NewHandler(st Store, vault TokenVault, an Analyzer, reports ReportSaver, index Indexer, mailer Mailer, logger *slog.Logger) *Handler {
	return &Handler{
		store:    st,
		vault:    vault,
		analyzer: an,
		reports:  reports,
		index:    index,
		mailer:   mailer,
		logger:   logger,
	}
}

// HandleAnalysis runs the analysis pipeline for one repository. Returning a
// non-nil error hands the task back to asynq for retry; terminal failure
// state is persisted on the repository row either way.
func (h *Handler) HandleAnalysis(ctx context.Context, task *asynq.Task) error {
	var payload AnalysisPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode analysis payload: %w", err)
	}

	log := h.logger.With("repositoryId", payload.RepositoryID, "repo", payload.Owner+"/"+payload.Name)
	log.Info("analysis started")

	if err := h.store.SetAnalysisStatus(ctx, payload.RepositoryID, store.AnalysisProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	token, err := h.userToken(ctx, payload.UserID)
	if err != nil {
		return h.fail(ctx, payload.RepositoryID, fmt.Errorf("resolve access token: %w", err))
	}

	repo, err := h.store.GetRepository(ctx, payload.RepositoryID)
	if err != nil {
		return h.fail(ctx, payload.RepositoryID, fmt.Errorf("load repository: %w", err))
	}

	cloneURL := repo.CloneURL
	if cloneURL == "" {
		cloneURL = repo.HTMLURL + ".git"
	}

	counts := githubapi.NewClient(token, h.logger)
	result, err := h.analyzer.Analyze(ctx, payload.Owner, payload.Name, cloneURL, repo.DefaultBranch, token, counts)
	if err != nil {
		return h.fail(ctx, payload.RepositoryID, fmt.Errorf("analyze: %w", err))
	}

	if err := h.store.SaveAnalysisResult(ctx, payload.RepositoryID, result.Score, result.CommitCount, result.ContributorCount, result.AnalyzedAt); err != nil {
		return h.fail(ctx, payload.RepositoryID, fmt.Errorf("persist result: %w", err))
	}

	if h.reports != nil {
		report := analyzer.Report{RepositoryID: repo.ID, FullName: repo.FullName, Result: result}
		if err := h.reports.Save(ctx, report); err != nil {
			log.Warn("report upload failed", "error", err)
		}
	}

	if h.index != nil {
		h.index.IndexRepository(search.RepositoryRecord{
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

	notification := store.Notification{
		ID:              util.NewID("ntf"),
		RecipientUserID: repo.UserID,
		Type:            "analysis_complete",
		Title:           "Analysis complete",
		Message:         fmt.Sprintf("Analysis of %s finished with a completeness score of %d", repo.FullName, result.Score),
		RepositoryID:    sql.NullString{String: repo.ID, Valid: true},
	}
	if err := h.store.InsertNotification(ctx, notification); err != nil {
		log.Warn("analysis notification failed", "error", err)
	}

	log.Info("analysis finished", "score", result.Score, "commits", result.CommitCount, "contributors", result.ContributorCount)
	return nil
}

// HandleEmail delivers a queued notification email. Missing SMTP
// configuration drops the task without error.
func (h *Handler) HandleEmail(ctx context.Context, task *asynq.Task) error {
	var payload EmailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode email payload: %w", err)
	}
	if h.mailer == nil || !h.mailer.IsConfigured() {
		h.logger.Debug("email not configured, dropping notification email", "to", payload.To)
		return nil
	}
	if err := h.mailer.SendNotificationEmail(payload.To, email.NotificationDigestData{
		RecipientName:  payload.RecipientName,
		Message:        payload.Message,
		RepositoryName: payload.RepositoryName,
		RepositoryURL:  payload.RepositoryURL,
	}); err != nil {
		return fmt.Errorf("send notification email: %w", err)
	}
	return nil
}

// userToken decrypts the user's stored GitHub token. A user without a stored
// token analyzes anonymously, which works for public repositories.
func (h *Handler) userToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	cipher, err := h.store.GetUserAccessTokenCipher(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return h.vault.Open(cipher)
}

func (h *Handler) fail(ctx context.Context, repositoryID string, cause error) error {
	if err := h.store.SetAnalysisStatus(ctx, repositoryID, store.AnalysisFailed); err != nil {
		h.logger.Error("mark analysis failed", "repositoryId", repositoryID, "error", err)
	}
	return cause
}
