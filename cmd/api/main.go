package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vibeyard/internal/analyzer"
	"vibeyard/internal/app"
	"vibeyard/internal/config"
	"vibeyard/internal/email"
	"vibeyard/internal/githubapi"
	"vibeyard/internal/search"
	"vibeyard/internal/session"
	"vibeyard/internal/store"
	"vibeyard/internal/tokenvault"
	"vibeyard/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.ApplyMigrations(db, cfg.MigrationsDir); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.CloneDir, 0o755); err != nil {
		logger.Error("failed to create clone dir", "error", err)
		os.Exit(1)
	}

	dataStore := store.NewPostgresStore(db)

	vault, err := tokenvault.New(cfg.TokenKey)
	if err != nil {
		logger.Error("token vault setup failed", "error", err)
		os.Exit(1)
	}

	// Refresh sessions live in redis; postgres is the fallback when
	// REDIS_URL is empty.
	var sessions interface {
		SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
		LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
		RevokeRefreshSession(ctx context.Context, tokenHash string) error
	} = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		sessions = redisStore
		logger.Info("using redis for refresh sessions")
	} else {
		logger.Info("using postgres for refresh sessions")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	var reports worker.ReportSaver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		reportStore, err := analyzer.NewReportStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			logger.Error("report store setup failed", "error", err)
			os.Exit(1)
		}
		if err := reportStore.EnsureBucket(ctx); err != nil {
			logger.Error("report bucket setup failed", "error", err)
			os.Exit(1)
		}
		reports = reportStore
	}

	var mailer worker.Mailer
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		mailer = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	}

	analysisService := analyzer.New(cfg.CloneDir, logger)
	handler := worker.NewHandler(dataStore, vault, analysisService, reports, searchService, mailer, logger)

	var queue *worker.Queue
	var workerServer *worker.Server
	if strings.TrimSpace(cfg.RedisURL) != "" {
		queue, err = worker.NewQueue(cfg.RedisURL)
		if err != nil {
			logger.Error("task queue setup failed", "error", err)
			os.Exit(1)
		}
		defer queue.Close()

		workerServer, err = worker.NewServer(cfg.RedisURL, cfg.WorkerConcurrency, handler, logger)
		if err != nil {
			logger.Error("worker setup failed", "error", err)
			os.Exit(1)
		}
		if err := workerServer.Start(); err != nil {
			logger.Error("worker start failed", "error", err)
			os.Exit(1)
		}
		logger.Info("analysis worker started", "concurrency", cfg.WorkerConcurrency)
	} else {
		logger.Warn("REDIS_URL not set, analysis queue disabled")
	}

	oauth := githubapi.NewOAuth(cfg.GithubClientID, cfg.GithubClientSecret, cfg.OAuthRedirectURL)
	githubFactory := func(token string) app.GithubClient {
		return githubapi.NewClient(token, logger)
	}

	service := app.New(*cfg, dataStore, sessions, oauth, githubFactory, vault, searchService, queue, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("vibeyard api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if workerServer != nil {
		workerServer.Shutdown()
	}
}
