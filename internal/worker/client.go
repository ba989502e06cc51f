package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
)

// Queue is the enqueue-side handle used by the API process.
type Queue struct {
	client *asynq.Client
}

func NewQueue(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Queue{client: asynq.NewClient(opt)}, nil
}

// EnqueueAnalysis schedules an analysis run for a repository.
func (q *Queue) EnqueueAnalysis(ctx context.Context, payload AnalysisPayload) error {
	task, err := NewAnalysisTask(payload)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue analysis for %s: %w", payload.RepositoryID, err)
	}
	return nil
}

// EnqueueEmail schedules a notification email.
func (q *Queue) EnqueueEmail(ctx context.Context, payload EmailPayload) error {
	task, err := NewEmailTask(payload)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue email to %s: %w", payload.To, err)
	}
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
