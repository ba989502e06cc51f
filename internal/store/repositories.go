package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const repositoryColumns = `
	id, user_id, owner, name, full_name, description, html_url, clone_url,
	default_branch, language, ai_provider, is_public, votes_count,
	followers_count, views_count, stars_count, is_accepting_collaborators,
	collab_role, collab_types, collab_details, completeness_score,
	analysis_status, analyzed_at, commit_count, contributor_count,
	created_at, updated_at`

// prefixColumns qualifies each column in a comma-separated list with a table
// alias, for joins that select the full repository row.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func scanRepository(row interface{ Scan(...any) error }) (Repository, error) {
	var repo Repository
	var collabTypes []byte
	err := row.Scan(&repo.ID, &repo.UserID, &repo.Owner, &repo.Name, &repo.FullName,
		&repo.Description, &repo.HTMLURL, &repo.CloneURL, &repo.DefaultBranch,
		&repo.Language, &repo.AIProvider, &repo.IsPublic,
		&repo.VotesCount, &repo.FollowersCount, &repo.ViewsCount, &repo.StarsCount,
		&repo.IsAcceptingCollaborators, &repo.CollabRole, &collabTypes, &repo.CollabDetails,
		&repo.CompletenessScore, &repo.AnalysisStatus, &repo.AnalyzedAt,
		&repo.CommitCount, &repo.ContributorCount, &repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		return Repository{}, err
	}
	if len(collabTypes) > 0 {
		if err := json.Unmarshal(collabTypes, &repo.CollabTypes); err != nil {
			return Repository{}, fmt.Errorf("decode collab types: %w", err)
		}
	}
	return repo, nil
}

func (s *PostgresStore) InsertRepository(ctx context.Context, repo Repository) error {
	collabTypes, err := json.Marshal(repo.CollabTypes)
	if err != nil {
		return fmt.Errorf("encode collab types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repositories (
			id, user_id, owner, name, full_name, description, html_url, clone_url,
			default_branch, language, ai_provider, is_public, stars_count,
			is_accepting_collaborators, collab_role, collab_types, collab_details,
			analysis_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, repo.ID, repo.UserID, repo.Owner, repo.Name, repo.FullName, repo.Description,
		repo.HTMLURL, repo.CloneURL, repo.DefaultBranch, repo.Language, repo.AIProvider,
		repo.IsPublic, repo.StarsCount, repo.IsAcceptingCollaborators, repo.CollabRole,
		collabTypes, repo.CollabDetails, repo.AnalysisStatus)
	if err != nil {
		return fmt.Errorf("insert repository: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRepository(ctx context.Context, repositoryID string) (Repository, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id=$1`, repositoryID)
	return scanRepository(row)
}

func (s *PostgresStore) GetRepositoryByFullName(ctx context.Context, fullName string) (Repository, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE LOWER(full_name)=LOWER($1)`, fullName)
	return scanRepository(row)
}

// RepositoryFilter narrows ListRepositories. Sort is "popular" (votes) or
// "recent" (created_at); anything else falls back to recent.
type RepositoryFilter struct {
	Language   string
	AIProvider string
	Sort       string
	Limit      int
	Offset     int
}

func (s *PostgresStore) ListRepositories(ctx context.Context, filter RepositoryFilter) ([]Repository, error) {
	where := "WHERE is_public"
	args := []any{}
	argN := 1
	if filter.Language != "" {
		where += fmt.Sprintf(" AND LOWER(language)=LOWER($%d)", argN)
		args = append(args, filter.Language)
		argN++
	}
	if filter.AIProvider != "" {
		where += fmt.Sprintf(" AND LOWER(ai_provider)=LOWER($%d)", argN)
		args = append(args, filter.AIProvider)
		argN++
	}

	order := "ORDER BY created_at DESC"
	if filter.Sort == "popular" {
		order = "ORDER BY votes_count DESC, created_at DESC"
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT %s FROM repositories %s %s LIMIT $%d OFFSET $%d`,
		repositoryColumns, where, order, argN, argN+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	items := make([]Repository, 0)
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		items = append(items, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}
	return items, nil
}

// LatestPublicRepositories feeds feed.xml.
func (s *PostgresStore) LatestPublicRepositories(ctx context.Context, limit int) ([]Repository, error) {
	return s.ListRepositories(ctx, RepositoryFilter{Sort: "recent", Limit: limit})
}

func (s *PostgresStore) IncrementRepositoryViews(ctx context.Context, repositoryID string) (int, error) {
	var views int
	err := s.db.QueryRowContext(ctx, `
		UPDATE repositories SET views_count = views_count + 1 WHERE id=$1
		RETURNING views_count
	`, repositoryID).Scan(&views)
	if err != nil {
		return 0, err
	}
	return views, nil
}

func (s *PostgresStore) UpdateRepositoryOwner(ctx context.Context, repositoryID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE repositories SET user_id=$2, updated_at=NOW() WHERE id=$1
	`, repositoryID, userID)
	if err != nil {
		return fmt.Errorf("update repository owner: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SetAnalysisStatus(ctx context.Context, repositoryID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE repositories SET analysis_status=$2, updated_at=NOW() WHERE id=$1
	`, repositoryID, status)
	if err != nil {
		return fmt.Errorf("set analysis status: %w", err)
	}
	return nil
}

// SaveAnalysisResult persists a completed analysis in one statement.
func (s *PostgresStore) SaveAnalysisResult(ctx context.Context, repositoryID string, score, commitCount, contributorCount int, analyzedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE repositories
		SET completeness_score=$2, commit_count=$3, contributor_count=$4,
			analyzed_at=$5, analysis_status=$6, updated_at=NOW()
		WHERE id=$1
	`, repositoryID, score, commitCount, contributorCount, analyzedAt, AnalysisCompleted)
	if err != nil {
		return fmt.Errorf("save analysis result: %w", err)
	}
	return nil
}

// ToggleVote inverts the (user, repository) vote membership. The membership
// row and the denormalized counter are co-written in one transaction, and the
// returned count is the post-mutation value RETURNING'd by the counter
// update. A lost insert race (unique constraint already satisfied) reads as
// "already voted" instead of erroring.
//
// When the toggle creates a vote, the given activity and notification rows
// (either may be nil) are written in the same transaction.
func (s *PostgresStore) ToggleVote(ctx context.Context, userID, repositoryID string, activity *Activity, notification *Notification) (bool, int, error) {
	return s.toggleRepositoryMembership(ctx, toggleSpec{
		deleteSQL:  `DELETE FROM votes WHERE user_id=$1 AND repository_id=$2`,
		insertSQL:  `INSERT INTO votes (user_id, repository_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		decrSQL:    `UPDATE repositories SET votes_count = GREATEST(votes_count - 1, 0) WHERE id=$1 RETURNING votes_count`,
		incrSQL:    `UPDATE repositories SET votes_count = votes_count + 1 WHERE id=$1 RETURNING votes_count`,
		currentSQL: `SELECT votes_count FROM repositories WHERE id=$1`,
	}, userID, repositoryID, activity, notification)
}

// ToggleFollow has the same contract as ToggleVote for the follows table.
func (s *PostgresStore) ToggleFollow(ctx context.Context, userID, repositoryID string, activity *Activity, notification *Notification) (bool, int, error) {
	return s.toggleRepositoryMembership(ctx, toggleSpec{
		deleteSQL:  `DELETE FROM follows WHERE user_id=$1 AND repository_id=$2`,
		insertSQL:  `INSERT INTO follows (user_id, repository_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		decrSQL:    `UPDATE repositories SET followers_count = GREATEST(followers_count - 1, 0) WHERE id=$1 RETURNING followers_count`,
		incrSQL:    `UPDATE repositories SET followers_count = followers_count + 1 WHERE id=$1 RETURNING followers_count`,
		currentSQL: `SELECT followers_count FROM repositories WHERE id=$1`,
	}, userID, repositoryID, activity, notification)
}

type toggleSpec struct {
	deleteSQL  string
	insertSQL  string
	decrSQL    string
	incrSQL    string
	currentSQL string
}

func (s *PostgresStore) toggleRepositoryMembership(ctx context.Context, spec toggleSpec, userID, repositoryID string, activity *Activity, notification *Notification) (active bool, count int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin toggle tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, spec.deleteSQL, userID, repositoryID)
	if err != nil {
		return false, 0, fmt.Errorf("toggle delete: %w", err)
	}
	deleted, _ := result.RowsAffected()

	if deleted > 0 {
		if err = tx.QueryRowContext(ctx, spec.decrSQL, repositoryID).Scan(&count); err != nil {
			return false, 0, fmt.Errorf("decrement counter: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return false, 0, fmt.Errorf("commit toggle: %w", err)
		}
		return false, count, nil
	}

	result, err = tx.ExecContext(ctx, spec.insertSQL, userID, repositoryID)
	if err != nil {
		return false, 0, fmt.Errorf("toggle insert: %w", err)
	}
	inserted, _ := result.RowsAffected()
	if inserted == 0 {
		// Concurrent toggle won the insert; report the live state.
		if err = tx.QueryRowContext(ctx, spec.currentSQL, repositoryID).Scan(&count); err != nil {
			return false, 0, fmt.Errorf("read counter: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return false, 0, fmt.Errorf("commit toggle: %w", err)
		}
		return true, count, nil
	}

	if err = tx.QueryRowContext(ctx, spec.incrSQL, repositoryID).Scan(&count); err != nil {
		return false, 0, fmt.Errorf("increment counter: %w", err)
	}

	if activity != nil {
		if err = insertActivityTx(ctx, tx, *activity); err != nil {
			return false, 0, err
		}
	}
	if notification != nil {
		if err = insertNotificationTx(ctx, tx, *notification); err != nil {
			return false, 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit toggle: %w", err)
	}
	return true, count, nil
}
