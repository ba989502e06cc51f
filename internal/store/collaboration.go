package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) InsertCollaborationRequest(ctx context.Context, request CollaborationRequest, notification *Notification) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin collab request tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO collaboration_requests (id, requestor_id, target_owner_id, repository_id, collaboration_type, message, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, request.ID, request.RequestorID, request.TargetOwnerID, request.RepositoryID,
		request.CollaborationType, request.Message, request.Status)
	if err != nil {
		return fmt.Errorf("insert collaboration request: %w", err)
	}

	if notification != nil {
		if err = insertNotificationTx(ctx, tx, *notification); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit collab request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCollaborationRequest(ctx context.Context, requestID string) (CollaborationRequest, error) {
	var request CollaborationRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requestor_id, target_owner_id, repository_id, collaboration_type,
			message, status, response_message, responded_at, created_at
		FROM collaboration_requests WHERE id=$1
	`, requestID).Scan(&request.ID, &request.RequestorID, &request.TargetOwnerID,
		&request.RepositoryID, &request.CollaborationType, &request.Message, &request.Status,
		&request.ResponseMessage, &request.RespondedAt, &request.CreatedAt)
	if err != nil {
		return CollaborationRequest{}, err
	}
	return request, nil
}

func (s *PostgresStore) ListCollaborationRequestsByRepository(ctx context.Context, repositoryID string) ([]CollaborationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requestor_id, target_owner_id, repository_id, collaboration_type,
			message, status, response_message, responded_at, created_at
		FROM collaboration_requests
		WHERE repository_id=$1
		ORDER BY created_at DESC
	`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list collaboration requests: %w", err)
	}
	defer rows.Close()

	items := make([]CollaborationRequest, 0)
	for rows.Next() {
		var request CollaborationRequest
		if err := rows.Scan(&request.ID, &request.RequestorID, &request.TargetOwnerID,
			&request.RepositoryID, &request.CollaborationType, &request.Message, &request.Status,
			&request.ResponseMessage, &request.RespondedAt, &request.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collaboration request: %w", err)
		}
		items = append(items, request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaboration requests: %w", err)
	}
	return items, nil
}

// TransitionCollaborationRequest moves a request from fromStatus to toStatus.
// The WHERE clause on the current status makes the transition atomic under
// concurrent responders; zero rows affected means the request was not in
// fromStatus anymore and the caller sees ok=false. respondedAt is stamped for
// every transition except COMPLETED. The requestor notification, when given,
// commits with the transition.
func (s *PostgresStore) TransitionCollaborationRequest(ctx context.Context, requestID, fromStatus, toStatus, responseMessage string, notification *Notification) (ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		UPDATE collaboration_requests
		SET status=$3, response_message=NULLIF($4, ''), responded_at=NOW()
		WHERE id=$1 AND status=$2
	`
	if toStatus == RequestCompleted {
		query = `
			UPDATE collaboration_requests
			SET status=$3, response_message=NULLIF($4, '')
			WHERE id=$1 AND status=$2
		`
	}
	result, err := tx.ExecContext(ctx, query, requestID, fromStatus, toStatus, responseMessage)
	if err != nil {
		return false, fmt.Errorf("transition collaboration request: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		if err = tx.Commit(); err != nil {
			return false, fmt.Errorf("commit transition: %w", err)
		}
		return false, nil
	}

	if notification != nil {
		if err = insertNotificationTx(ctx, tx, *notification); err != nil {
			return false, err
		}
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}
	return true, nil
}

// PendingCollaborationRequestExists suppresses duplicate requests from the
// same requestor on the same repository.
func (s *PostgresStore) PendingCollaborationRequestExists(ctx context.Context, requestorID, repositoryID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM collaboration_requests
			WHERE requestor_id=$1 AND repository_id=$2 AND status=$3
		)
	`, requestorID, repositoryID, RequestPending).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending collaboration request: %w", err)
	}
	return exists, nil
}
