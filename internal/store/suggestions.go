package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) InsertSuggestion(ctx context.Context, suggestion ImprovementSuggestion, notification *Notification) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin suggestion tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO improvement_suggestions (id, repository_id, suggested_by_id, title, description, category, priority, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, suggestion.ID, suggestion.RepositoryID, suggestion.SuggestedByID, suggestion.Title,
		suggestion.Description, suggestion.Category, suggestion.Priority, suggestion.Status)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}

	if notification != nil {
		if err = insertNotificationTx(ctx, tx, *notification); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit suggestion: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, suggestionID string) (ImprovementSuggestion, error) {
	var suggestion ImprovementSuggestion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, suggested_by_id, title, description, category,
			priority, status, upvotes_count, owner_response, created_at
		FROM improvement_suggestions WHERE id=$1
	`, suggestionID).Scan(&suggestion.ID, &suggestion.RepositoryID, &suggestion.SuggestedByID,
		&suggestion.Title, &suggestion.Description, &suggestion.Category, &suggestion.Priority,
		&suggestion.Status, &suggestion.UpvotesCount, &suggestion.OwnerResponse, &suggestion.CreatedAt)
	if err != nil {
		return ImprovementSuggestion{}, err
	}
	return suggestion, nil
}

// ActiveSuggestionExists reports whether the same user already has an open or
// acknowledged suggestion with the same title on the repository.
func (s *PostgresStore) ActiveSuggestionExists(ctx context.Context, repositoryID, userID, title string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM improvement_suggestions
			WHERE repository_id=$1 AND suggested_by_id=$2
				AND LOWER(title)=LOWER($3)
				AND status IN ($4, $5)
		)
	`, repositoryID, userID, title, SuggestionOpen, SuggestionAcknowledged).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active suggestion: %w", err)
	}
	return exists, nil
}

// SuggestionFilter narrows ListSuggestions. Sort is "popular" (upvotes) or
// "recent".
type SuggestionFilter struct {
	Status   string
	Category string
	Sort     string
	Limit    int
	Offset   int
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, repositoryID string, filter SuggestionFilter) ([]ImprovementSuggestion, error) {
	where := "WHERE repository_id=$1"
	args := []any{repositoryID}
	argN := 2
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status=$%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.Category != "" {
		where += fmt.Sprintf(" AND category=$%d", argN)
		args = append(args, filter.Category)
		argN++
	}

	order := "ORDER BY created_at DESC"
	if filter.Sort == "popular" {
		order = "ORDER BY upvotes_count DESC, created_at DESC"
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT id, repository_id, suggested_by_id, title, description, category,
			priority, status, upvotes_count, owner_response, created_at
		FROM improvement_suggestions %s %s LIMIT $%d OFFSET $%d
	`, where, order, argN, argN+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	items := make([]ImprovementSuggestion, 0)
	for rows.Next() {
		var suggestion ImprovementSuggestion
		if err := rows.Scan(&suggestion.ID, &suggestion.RepositoryID, &suggestion.SuggestedByID,
			&suggestion.Title, &suggestion.Description, &suggestion.Category, &suggestion.Priority,
			&suggestion.Status, &suggestion.UpvotesCount, &suggestion.OwnerResponse, &suggestion.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		items = append(items, suggestion)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

// UpdateSuggestionStatus applies the repository owner's response. The
// suggester notification, when given, commits atomically with the update.
func (s *PostgresStore) UpdateSuggestionStatus(ctx context.Context, suggestionID, status, ownerResponse string, notification *Notification) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin suggestion update tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE improvement_suggestions
		SET status=$2, owner_response=COALESCE(NULLIF($3, ''), owner_response)
		WHERE id=$1
	`, suggestionID, status, ownerResponse)
	if err != nil {
		return fmt.Errorf("update suggestion: %w", err)
	}

	if notification != nil {
		if err = insertNotificationTx(ctx, tx, *notification); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit suggestion update: %w", err)
	}
	return nil
}

// ToggleSuggestionUpvote follows the uniform toggle contract: conditional
// insert/delete guarded by the unique constraint, counter co-written in the
// same transaction, post-mutation count returned.
func (s *PostgresStore) ToggleSuggestionUpvote(ctx context.Context, userID, suggestionID string) (upvoted bool, upvotesCount int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin upvote tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM suggestion_upvotes WHERE user_id=$1 AND suggestion_id=$2`, userID, suggestionID)
	if err != nil {
		return false, 0, fmt.Errorf("delete upvote: %w", err)
	}
	if deleted, _ := result.RowsAffected(); deleted > 0 {
		if err = tx.QueryRowContext(ctx,
			`UPDATE improvement_suggestions SET upvotes_count = GREATEST(upvotes_count - 1, 0) WHERE id=$1 RETURNING upvotes_count`,
			suggestionID).Scan(&upvotesCount); err != nil {
			return false, 0, fmt.Errorf("decrement upvotes: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return false, 0, fmt.Errorf("commit upvote: %w", err)
		}
		return false, upvotesCount, nil
	}

	result, err = tx.ExecContext(ctx,
		`INSERT INTO suggestion_upvotes (user_id, suggestion_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, suggestionID)
	if err != nil {
		return false, 0, fmt.Errorf("insert upvote: %w", err)
	}
	if inserted, _ := result.RowsAffected(); inserted == 0 {
		if err = tx.QueryRowContext(ctx,
			`SELECT upvotes_count FROM improvement_suggestions WHERE id=$1`, suggestionID).Scan(&upvotesCount); err != nil {
			return false, 0, fmt.Errorf("read upvotes: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return false, 0, fmt.Errorf("commit upvote: %w", err)
		}
		return true, upvotesCount, nil
	}

	if err = tx.QueryRowContext(ctx,
		`UPDATE improvement_suggestions SET upvotes_count = upvotes_count + 1 WHERE id=$1 RETURNING upvotes_count`,
		suggestionID).Scan(&upvotesCount); err != nil {
		return false, 0, fmt.Errorf("increment upvotes: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit upvote: %w", err)
	}
	return true, upvotesCount, nil
}
