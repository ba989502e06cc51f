package store

import (
	"context"
	"fmt"
)

// DeletedContent replaces a comment's body on soft delete.
const DeletedContent = "[deleted]"

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, repository_id, user_id, parent_id, depth, content)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, comment.ID, comment.RepositoryID, comment.UserID, comment.ParentID, comment.Depth, comment.Content)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, user_id, parent_id, depth, content, votes_count, is_deleted, created_at
		FROM comments WHERE id=$1
	`, commentID).Scan(&comment.ID, &comment.RepositoryID, &comment.UserID, &comment.ParentID,
		&comment.Depth, &comment.Content, &comment.VotesCount, &comment.IsDeleted, &comment.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

func (s *PostgresStore) ListCommentsByRepository(ctx context.Context, repositoryID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository_id, user_id, parent_id, depth, content, votes_count, is_deleted, created_at
		FROM comments
		WHERE repository_id=$1
		ORDER BY created_at ASC
	`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.RepositoryID, &comment.UserID, &comment.ParentID,
			&comment.Depth, &comment.Content, &comment.VotesCount, &comment.IsDeleted, &comment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// SoftDeleteComment overwrites the body with a sentinel and flips is_deleted.
// The row and its reply linkage are preserved.
func (s *PostgresStore) SoftDeleteComment(ctx context.Context, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.QueryRowContext(ctx, `
		UPDATE comments SET content=$2, is_deleted=TRUE WHERE id=$1
		RETURNING id, repository_id, user_id, parent_id, depth, content, votes_count, is_deleted, created_at
	`, commentID, DeletedContent).Scan(&comment.ID, &comment.RepositoryID, &comment.UserID,
		&comment.ParentID, &comment.Depth, &comment.Content, &comment.VotesCount,
		&comment.IsDeleted, &comment.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// ToggleCommentVote mirrors ToggleVote for comment_votes, maintaining the
// comment's denormalized counter with the same single-transaction contract.
func (s *PostgresStore) ToggleCommentVote(ctx context.Context, userID, commentID string) (hasVoted bool, votesCount int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin comment vote tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM comment_votes WHERE user_id=$1 AND comment_id=$2`, userID, commentID)
	if err != nil {
		return false, 0, fmt.Errorf("delete comment vote: %w", err)
	}
	if deleted, _ := result.RowsAffected(); deleted > 0 {
		if err = tx.QueryRowContext(ctx,
			`UPDATE comments SET votes_count = GREATEST(votes_count - 1, 0) WHERE id=$1 RETURNING votes_count`,
			commentID).Scan(&votesCount); err != nil {
			return false, 0, fmt.Errorf("decrement comment votes: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return false, 0, fmt.Errorf("commit comment vote: %w", err)
		}
		return false, votesCount, nil
	}

	result, err = tx.ExecContext(ctx,
		`INSERT INTO comment_votes (user_id, comment_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, commentID)
	if err != nil {
		return false, 0, fmt.Errorf("insert comment vote: %w", err)
	}
	if inserted, _ := result.RowsAffected(); inserted == 0 {
		if err = tx.QueryRowContext(ctx,
			`SELECT votes_count FROM comments WHERE id=$1`, commentID).Scan(&votesCount); err != nil {
			return false, 0, fmt.Errorf("read comment votes: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return false, 0, fmt.Errorf("commit comment vote: %w", err)
		}
		return true, votesCount, nil
	}

	if err = tx.QueryRowContext(ctx,
		`UPDATE comments SET votes_count = votes_count + 1 WHERE id=$1 RETURNING votes_count`,
		commentID).Scan(&votesCount); err != nil {
		return false, 0, fmt.Errorf("increment comment votes: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit comment vote: %w", err)
	}
	return true, votesCount, nil
}
