package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// openTestStore connects to the database named by VIBEYARD_TEST_DATABASE_URL,
// applies pending migrations and truncates all tables. Tests that use it are
// skipped when the variable is unset.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("VIBEYARD_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("VIBEYARD_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	_, err = db.ExecContext(ctx, `
		TRUNCATE activities, notifications, suggestion_upvotes, improvement_suggestions,
			collaboration_requests, comment_votes, comments, follows, votes,
			repositories, refresh_sessions, revoked_access_tokens, users CASCADE
	`)
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewPostgresStore(db)
}

func seedUser(t *testing.T, st *PostgresStore, id string, githubID int64) User {
	t.Helper()
	user, err := st.UpsertGithubUser(context.Background(), User{
		ID: id, GithubID: githubID, GithubUsername: id,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return user
}

func seedRepository(t *testing.T, st *PostgresStore, id, ownerID string) Repository {
	t.Helper()
	repo := Repository{
		ID:                       id,
		UserID:                   ownerID,
		Owner:                    "octocat",
		Name:                     id,
		FullName:                 "octocat/" + id,
		IsPublic:                 true,
		IsAcceptingCollaborators: true,
		AnalysisStatus:           AnalysisPending,
	}
	if err := st.InsertRepository(context.Background(), repo); err != nil {
		t.Fatalf("seed repository %s: %v", id, err)
	}
	return repo
}

func countRows(t *testing.T, st *PostgresStore, query string, args ...any) int {
	t.Helper()
	var n int
	if err := st.DB().QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestToggleVoteRoundTripPostgres(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	seedUser(t, st, "usr_owner", 9001)
	seedUser(t, st, "usr_voter", 9002)
	repo := seedRepository(t, st, "repo_votes", "usr_owner")

	activity := &Activity{ID: "act_1", ActorID: "usr_voter", Type: "new_vote", EntityType: "repository", EntityID: repo.ID}
	notification := &Notification{ID: "ntf_1", RecipientUserID: "usr_owner", Type: "new_vote", Title: "New vote"}

	voted, count, err := st.ToggleVote(ctx, "usr_voter", repo.ID, activity, notification)
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if !voted || count != 1 {
		t.Fatalf("first toggle = (%v, %d), want (true, 1)", voted, count)
	}
	if n := countRows(t, st, `SELECT count(*) FROM votes WHERE repository_id=$1`, repo.ID); n != 1 {
		t.Fatalf("vote rows = %d, want 1", n)
	}
	if n := countRows(t, st, `SELECT count(*) FROM notifications WHERE recipient_user_id='usr_owner'`); n != 1 {
		t.Fatalf("notification co-write missing, rows = %d", n)
	}
	if n := countRows(t, st, `SELECT count(*) FROM activities WHERE actor_id='usr_voter'`); n != 1 {
		t.Fatalf("activity co-write missing, rows = %d", n)
	}

	// Untoggle must remove the membership row, decrement the counter and
	// write no further notification.
	notification2 := &Notification{ID: "ntf_2", RecipientUserID: "usr_owner", Type: "new_vote", Title: "New vote"}
	voted, count, err = st.ToggleVote(ctx, "usr_voter", repo.ID, nil, notification2)
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if voted || count != 0 {
		t.Fatalf("second toggle = (%v, %d), want (false, 0)", voted, count)
	}
	if n := countRows(t, st, `SELECT count(*) FROM votes WHERE repository_id=$1`, repo.ID); n != 0 {
		t.Fatalf("vote rows after untoggle = %d, want 0", n)
	}
	if n := countRows(t, st, `SELECT count(*) FROM notifications WHERE recipient_user_id='usr_owner'`); n != 1 {
		t.Fatalf("untoggle must not notify, rows = %d", n)
	}

	// Denormalized counter stays equal to the membership row count.
	stored, err := st.GetRepository(ctx, repo.ID)
	if err != nil {
		t.Fatalf("reload repository: %v", err)
	}
	if stored.VotesCount != 0 {
		t.Fatalf("votes_count = %d, want 0", stored.VotesCount)
	}
}

func TestToggleSuggestionUpvoteRoundTripPostgres(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	seedUser(t, st, "usr_owner", 9001)
	seedUser(t, st, "usr_fan", 9003)
	repo := seedRepository(t, st, "repo_sugg", "usr_owner")

	suggestion := ImprovementSuggestion{
		ID:            "sug_1",
		RepositoryID:  repo.ID,
		SuggestedByID: "usr_fan",
		Title:         "add integration tests",
		Description:   "cover the toggle SQL with a live database",
		Category:      "testing",
		Priority:      "medium",
		Status:        SuggestionOpen,
	}
	if err := st.InsertSuggestion(ctx, suggestion, nil); err != nil {
		t.Fatalf("seed suggestion: %v", err)
	}

	upvoted, count, err := st.ToggleSuggestionUpvote(ctx, "usr_fan", "sug_1")
	if err != nil {
		t.Fatalf("first upvote: %v", err)
	}
	if !upvoted || count != 1 {
		t.Fatalf("first upvote = (%v, %d), want (true, 1)", upvoted, count)
	}
	if n := countRows(t, st, `SELECT count(*) FROM suggestion_upvotes WHERE suggestion_id='sug_1'`); n != 1 {
		t.Fatalf("upvote rows = %d, want 1", n)
	}

	upvoted, count, err = st.ToggleSuggestionUpvote(ctx, "usr_fan", "sug_1")
	if err != nil {
		t.Fatalf("second upvote: %v", err)
	}
	if upvoted || count != 0 {
		t.Fatalf("second upvote = (%v, %d), want (false, 0)", upvoted, count)
	}

	reloaded, err := st.GetSuggestion(ctx, "sug_1")
	if err != nil {
		t.Fatalf("reload suggestion: %v", err)
	}
	if reloaded.UpvotesCount != 0 {
		t.Fatalf("upvotes_count = %d, want 0", reloaded.UpvotesCount)
	}
}

func TestTransitionCollaborationRequestGuardsStatusPostgres(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	seedUser(t, st, "usr_owner", 9001)
	seedUser(t, st, "usr_req", 9004)
	repo := seedRepository(t, st, "repo_collab", "usr_owner")

	request := CollaborationRequest{
		ID:                "clr_1",
		RequestorID:       "usr_req",
		TargetOwnerID:     "usr_owner",
		RepositoryID:      repo.ID,
		CollaborationType: "contributor",
		Message:           "let me help",
		Status:            RequestPending,
	}
	if err := st.InsertCollaborationRequest(ctx, request, nil); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	accepted := &Notification{ID: "ntf_acc", RecipientUserID: "usr_req", Type: "collaboration_response", Title: "Accepted"}
	ok, err := st.TransitionCollaborationRequest(ctx, "clr_1", RequestPending, RequestAccepted, "welcome aboard", accepted)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !ok {
		t.Fatal("accept from PENDING must succeed")
	}

	updated, err := st.GetCollaborationRequest(ctx, "clr_1")
	if err != nil {
		t.Fatalf("reload request: %v", err)
	}
	if updated.Status != RequestAccepted {
		t.Fatalf("status = %s, want %s", updated.Status, RequestAccepted)
	}
	if !updated.RespondedAt.Valid {
		t.Fatal("responded_at must be stamped on accept")
	}
	if !updated.ResponseMessage.Valid || updated.ResponseMessage.String != "welcome aboard" {
		t.Fatalf("response_message = %+v, want welcome aboard", updated.ResponseMessage)
	}
	if n := countRows(t, st, `SELECT count(*) FROM notifications WHERE recipient_user_id='usr_req'`); n != 1 {
		t.Fatalf("requestor notification missing, rows = %d", n)
	}

	// A second responder racing on the stale PENDING status matches zero
	// rows: no state change and no notification.
	declined := &Notification{ID: "ntf_dec", RecipientUserID: "usr_req", Type: "collaboration_response", Title: "Declined"}
	ok, err = st.TransitionCollaborationRequest(ctx, "clr_1", RequestPending, RequestDeclined, "", declined)
	if err != nil {
		t.Fatalf("stale transition: %v", err)
	}
	if ok {
		t.Fatal("transition from a stale status must report ok=false")
	}
	after, err := st.GetCollaborationRequest(ctx, "clr_1")
	if err != nil {
		t.Fatalf("reload request: %v", err)
	}
	if after.Status != RequestAccepted {
		t.Fatalf("status = %s, stale transition must not overwrite", after.Status)
	}
	if n := countRows(t, st, `SELECT count(*) FROM notifications WHERE recipient_user_id='usr_req'`); n != 1 {
		t.Fatalf("stale transition must not notify, rows = %d", n)
	}
}
