// Package worker runs the asynq consumers for repository analysis and
// notification emails, and provides the enqueue side used by the API.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TypeAnalysis = "analysis:repository"
	TypeEmail    = "email:notification"

	QueueAnalysis = "analysis"
	QueueEmail    = "email"

	analysisMaxRetry = 3
)

// AnalysisPayload identifies the repository to analyze and the user whose
// stored GitHub token should authenticate the run.
type AnalysisPayload struct {
	RepositoryID string `json:"repositoryId"`
	Owner        string `json:"owner"`
	Name         string `json:"name"`
	UserID       string `json:"userId"`
}

// EmailPayload carries a rendered-notification email request.
type EmailPayload struct {
	To             string `json:"to"`
	RecipientName  string `json:"recipientName"`
	Message        string `json:"message"`
	RepositoryName string `json:"repositoryName"`
	RepositoryURL  string `json:"repositoryUrl"`
}

// NewAnalysisTask builds the analysis task for a repository.
func NewAnalysisTask(payload AnalysisPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis payload: %w", err)
	}
	return asynq.NewTask(TypeAnalysis, data,
		asynq.Queue(QueueAnalysis),
		asynq.MaxRetry(analysisMaxRetry),
	), nil
}

// NewEmailTask builds a notification email task.
func NewEmailTask(payload EmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal email payload: %w", err)
	}
	return asynq.NewTask(TypeEmail, data, asynq.Queue(QueueEmail)), nil
}
