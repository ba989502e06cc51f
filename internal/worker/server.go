package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Server wraps the asynq consumer process.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

func NewServer(redisURL string, concurrency int, handler *Handler, logger *slog.Logger) (*Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 5
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueAnalysis: 5,
			QueueEmail:    1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", "type", task.Type(), "error", err)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeAnalysis, handler.HandleAnalysis)
	mux.HandleFunc(TypeEmail, handler.HandleEmail)

	return &Server{srv: srv, mux: mux}, nil
}

// Start launches the consumer loop in the background.
func (s *Server) Start() error {
	return s.srv.Start(s.mux)
}

// Shutdown waits for in-flight tasks to finish.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}
