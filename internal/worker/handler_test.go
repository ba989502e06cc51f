package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"vibeyard/internal/analyzer"
	"vibeyard/internal/email"
	"vibeyard/internal/search"
	"vibeyard/internal/store"
)

type fakeWorkerStore struct {
	statuses      []string
	savedScore    int
	savedCommits  int
	notifications []store.Notification
	repo          store.Repository
	tokenCipher   string
	saveErr       error
}

func (f *fakeWorkerStore) GetRepository(ctx context.Context, repositoryID string) (store.Repository, error) {
	return f.repo, nil
}

func (f *fakeWorkerStore) GetUserAccessTokenCipher(ctx context.Context, userID string) (string, error) {
	return f.tokenCipher, nil
}

func (f *fakeWorkerStore) SetAnalysisStatus(ctx context.Context, repositoryID, status string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeWorkerStore) SaveAnalysisResult(ctx context.Context, repositoryID string, score, commitCount, contributorCount int, analyzedAt time.Time) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.savedScore = score
	f.savedCommits = commitCount
	return nil
}

func (f *fakeWorkerStore) InsertNotification(ctx context.Context, notification store.Notification) error {
	f.notifications = append(f.notifications, notification)
	return nil
}

type fakeVault struct{}

func (fakeVault) Open(encoded string) (string, error) { return "gh-token", nil }

type fakeAnalyzer struct {
	result       analyzer.Result
	err          error
	lastCloneURL string
	lastBranch   string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, owner, name, cloneURL, branch, token string, counts analyzer.CountFetcher) (analyzer.Result, error) {
	f.lastCloneURL = cloneURL
	f.lastBranch = branch
	return f.result, f.err
}

type fakeIndexer struct {
	indexed []search.RepositoryRecord
}

func (f *fakeIndexer) IndexRepository(rec search.RepositoryRecord) {
	f.indexed = append(f.indexed, rec)
}

type fakeMailer struct {
	configured bool
	sent       []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendNotificationEmail(to string, data email.NotificationDigestData) error {
	f.sent = append(f.sent, to)
	return nil
}

func testRepo() store.Repository {
	return store.Repository{
		ID:            "repo_1",
		UserID:        "usr_owner",
		Owner:         "octocat",
		Name:          "hello-world",
		FullName:      "octocat/hello-world",
		HTMLURL:       "https://github.com/octocat/hello-world",
		CloneURL:      "https://github.com/octocat/hello-world.git",
		DefaultBranch: "main",
		IsPublic:      true,
	}
}

func TestHandleAnalysisSuccess(t *testing.T) {
	st := &fakeWorkerStore{repo: testRepo(), tokenCipher: "sealed"}
	idx := &fakeIndexer{}
	an := &fakeAnalyzer{result: analyzer.Result{Score: 85, CommitCount: 40, ContributorCount: 3, AnalyzedAt: time.Now()}}
	handler := NewHandler(st, fakeVault{}, an, nil, idx, nil, slog.Default())

	task, err := NewAnalysisTask(AnalysisPayload{RepositoryID: "repo_1", Owner: "octocat", Name: "hello-world", UserID: "usr_owner"})
	if err != nil {
		t.Fatalf("NewAnalysisTask() error = %v", err)
	}
	if err := handler.HandleAnalysis(context.Background(), task); err != nil {
		t.Fatalf("HandleAnalysis() error = %v", err)
	}

	if len(st.statuses) != 1 || st.statuses[0] != store.AnalysisProcessing {
		t.Fatalf("unexpected status transitions: %v", st.statuses)
	}
	if st.savedScore != 85 || st.savedCommits != 40 {
		t.Fatalf("unexpected saved result: score=%d commits=%d", st.savedScore, st.savedCommits)
	}
	if len(idx.indexed) != 1 || idx.indexed[0].ID != "repo_1" {
		t.Fatalf("expected reindex of repo_1, got %v", idx.indexed)
	}
	if len(st.notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(st.notifications))
	}
	if st.notifications[0].RecipientUserID != "usr_owner" || st.notifications[0].Type != "analysis_complete" {
		t.Fatalf("unexpected notification: %+v", st.notifications[0])
	}
	if an.lastCloneURL != "https://github.com/octocat/hello-world.git" {
		t.Fatalf("clone URL = %q, want stored clone_url", an.lastCloneURL)
	}
	if an.lastBranch != "main" {
		t.Fatalf("branch = %q, want default branch", an.lastBranch)
	}
}

func TestHandleAnalysisDerivesCloneURLWhenUnset(t *testing.T) {
	repo := testRepo()
	repo.CloneURL = ""
	st := &fakeWorkerStore{repo: repo, tokenCipher: "sealed"}
	an := &fakeAnalyzer{result: analyzer.Result{Score: 10, AnalyzedAt: time.Now()}}
	handler := NewHandler(st, fakeVault{}, an, nil, nil, nil, slog.Default())

	task, err := NewAnalysisTask(AnalysisPayload{RepositoryID: "repo_1", Owner: "octocat", Name: "hello-world", UserID: "usr_owner"})
	if err != nil {
		t.Fatalf("NewAnalysisTask() error = %v", err)
	}
	if err := handler.HandleAnalysis(context.Background(), task); err != nil {
		t.Fatalf("HandleAnalysis() error = %v", err)
	}
	if an.lastCloneURL != "https://github.com/octocat/hello-world.git" {
		t.Fatalf("clone URL = %q, want html_url + .git", an.lastCloneURL)
	}
}

func TestHandleAnalysisFailureMarksFailed(t *testing.T) {
	st := &fakeWorkerStore{repo: testRepo(), tokenCipher: "sealed"}
	an := &fakeAnalyzer{err: errors.New("clone failed")}
	handler := NewHandler(st, fakeVault{}, an, nil, nil, nil, slog.Default())

	task, err := NewAnalysisTask(AnalysisPayload{RepositoryID: "repo_1", Owner: "octocat", Name: "hello-world", UserID: "usr_owner"})
	if err != nil {
		t.Fatalf("NewAnalysisTask() error = %v", err)
	}
	if err := handler.HandleAnalysis(context.Background(), task); err == nil {
		t.Fatal("expected error from failed analysis")
	}

	want := []string{store.AnalysisProcessing, store.AnalysisFailed}
	if len(st.statuses) != len(want) || st.statuses[0] != want[0] || st.statuses[1] != want[1] {
		t.Fatalf("status transitions = %v, want %v", st.statuses, want)
	}
	if len(st.notifications) != 0 {
		t.Fatalf("no notification expected on failure, got %d", len(st.notifications))
	}
}

func TestHandleEmailDropsWhenUnconfigured(t *testing.T) {
	mailer := &fakeMailer{configured: false}
	handler := NewHandler(nil, nil, nil, nil, nil, mailer, slog.Default())

	task, err := NewEmailTask(EmailPayload{To: "octo@example.com", Message: "hello"})
	if err != nil {
		t.Fatalf("NewEmailTask() error = %v", err)
	}
	if err := handler.HandleEmail(context.Background(), task); err != nil {
		t.Fatalf("HandleEmail() error = %v", err)
	}
	if len(mailer.sent) != 0 {
		t.Fatalf("expected no sends, got %v", mailer.sent)
	}
}

func TestHandleEmailSendsWhenConfigured(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	handler := NewHandler(nil, nil, nil, nil, nil, mailer, slog.Default())

	task, err := NewEmailTask(EmailPayload{To: "octo@example.com", Message: "hello"})
	if err != nil {
		t.Fatalf("NewEmailTask() error = %v", err)
	}
	if err := handler.HandleEmail(context.Background(), task); err != nil {
		t.Fatalf("HandleEmail() error = %v", err)
	}
	if len(mailer.sent) != 1 || mailer.sent[0] != "octo@example.com" {
		t.Fatalf("unexpected sends: %v", mailer.sent)
	}
}
