package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func insertNotificationTx(ctx context.Context, tx *sql.Tx, notification Notification) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_user_id, type, title, message, repository_id, entity_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, notification.ID, notification.RecipientUserID, notification.Type, notification.Title,
		notification.Message, notification.RepositoryID, notification.EntityID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func insertActivityTx(ctx context.Context, tx *sql.Tx, activity Activity) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activities (id, actor_id, type, entity_type, entity_id)
		VALUES ($1, $2, $3, $4, $5)
	`, activity.ID, activity.ActorID, activity.Type, activity.EntityType, activity.EntityID)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// InsertNotification is the non-transactional path for emitters that have no
// surrounding mutation (e.g. analysis completed).
func (s *PostgresStore) InsertNotification(ctx context.Context, notification Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_user_id, type, title, message, repository_id, entity_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, notification.ID, notification.RecipientUserID, notification.Type, notification.Title,
		notification.Message, notification.RepositoryID, notification.EntityID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	where := "WHERE recipient_user_id=$1"
	if unreadOnly {
		where += " AND NOT read"
	}
	query := fmt.Sprintf(`
		SELECT id, recipient_user_id, type, title, message, repository_id, entity_id, read, created_at
		FROM notifications %s
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, where)

	rows, err := s.db.QueryContext(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var notification Notification
		if err := rows.Scan(&notification.ID, &notification.RecipientUserID, &notification.Type,
			&notification.Title, &notification.Message, &notification.RepositoryID,
			&notification.EntityID, &notification.Read, &notification.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, notification)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UnreadNotificationCount(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_user_id=$1 AND NOT read`,
		recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead is idempotent for the owner; a notification belonging
// to someone else reads as not found (sql.ErrNoRows).
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, recipientID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read=TRUE WHERE id=$1 AND recipient_user_id=$2
	`, notificationID, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read=TRUE WHERE recipient_user_id=$1 AND NOT read
	`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// ListFollowedRepositories returns the repositories a user follows, newest
// follow first, each with its most recent activity row if any.
func (s *PostgresStore) ListFollowedRepositories(ctx context.Context, userID string) ([]FollowedRepository, error) {
	query := fmt.Sprintf(`
		SELECT %s, f.created_at,
			a.id, a.actor_id, a.type, a.entity_type, a.entity_id, a.created_at
		FROM follows f
		JOIN repositories r ON r.id = f.repository_id
		LEFT JOIN LATERAL (
			SELECT id, actor_id, type, entity_type, entity_id, created_at
			FROM activities
			WHERE entity_type='repository' AND entity_id=r.id
			ORDER BY created_at DESC
			LIMIT 1
		) a ON TRUE
		WHERE f.user_id=$1
		ORDER BY f.created_at DESC
	`, prefixColumns("r", repositoryColumns))

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list followed repositories: %w", err)
	}
	defer rows.Close()

	items := make([]FollowedRepository, 0)
	for rows.Next() {
		var item FollowedRepository
		var repo Repository
		var collabTypes []byte
		var actID, actActor, actType, actEntityType, actEntityID sql.NullString
		var actCreatedAt sql.NullTime
		if err := rows.Scan(&repo.ID, &repo.UserID, &repo.Owner, &repo.Name, &repo.FullName,
			&repo.Description, &repo.HTMLURL, &repo.Language, &repo.AIProvider, &repo.IsPublic,
			&repo.VotesCount, &repo.FollowersCount, &repo.ViewsCount, &repo.StarsCount,
			&repo.IsAcceptingCollaborators, &repo.CollabRole, &collabTypes, &repo.CollabDetails,
			&repo.CompletenessScore, &repo.AnalysisStatus, &repo.AnalyzedAt,
			&repo.CommitCount, &repo.ContributorCount, &repo.CreatedAt, &repo.UpdatedAt,
			&item.FollowedAt,
			&actID, &actActor, &actType, &actEntityType, &actEntityID, &actCreatedAt); err != nil {
			return nil, fmt.Errorf("scan followed repository: %w", err)
		}
		if len(collabTypes) > 0 {
			if err := json.Unmarshal(collabTypes, &repo.CollabTypes); err != nil {
				return nil, fmt.Errorf("decode collab types: %w", err)
			}
		}
		item.Repository = repo
		if actID.Valid {
			item.LatestActivity = &Activity{
				ID:         actID.String,
				ActorID:    actActor.String,
				Type:       actType.String,
				EntityType: actEntityType.String,
				EntityID:   actEntityID.String,
				CreatedAt:  actCreatedAt.Time,
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate followed repositories: %w", err)
	}
	return items, nil
}

// WorkbenchStats aggregates the authenticated owner's dashboard counters in
// one round trip.
func (s *PostgresStore) GetWorkbenchStats(ctx context.Context, userID string) (WorkbenchStats, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM repositories WHERE user_id=$1),
			(SELECT COALESCE(SUM(votes_count), 0) FROM repositories WHERE user_id=$1),
			(SELECT COALESCE(SUM(followers_count), 0) FROM repositories WHERE user_id=$1),
			(SELECT COALESCE(SUM(views_count), 0) FROM repositories WHERE user_id=$1),
			(SELECT COUNT(*) FROM improvement_suggestions s
				JOIN repositories r ON r.id = s.repository_id
				WHERE r.user_id=$1 AND s.status IN ('open', 'acknowledged')),
			(SELECT COUNT(*) FROM collaboration_requests WHERE target_owner_id=$1 AND status='PENDING'),
			(SELECT COUNT(*) FROM notifications WHERE recipient_user_id=$1 AND NOT read),
			(SELECT COUNT(*) FROM repositories WHERE user_id=$1 AND analysis_status='completed')
	`
	var stats WorkbenchStats
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&stats.Repositories, &stats.TotalVotes,
		&stats.TotalFollowers, &stats.TotalViews, &stats.OpenSuggestions,
		&stats.PendingCollabRequests, &stats.UnreadNotifications, &stats.AnalyzedRepositories)
	if err != nil {
		return WorkbenchStats{}, fmt.Errorf("workbench stats: %w", err)
	}
	return stats, nil
}
