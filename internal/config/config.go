package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the vibeyard API.
type Config struct {
	Addr     string `mapstructure:"API_ADDR"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
	RedisURL      string `mapstructure:"REDIS_URL"`

	// GitHub OAuth app credentials
	GithubClientID     string `mapstructure:"GITHUB_CLIENT_ID"`
	GithubClientSecret string `mapstructure:"GITHUB_CLIENT_SECRET"`
	OAuthRedirectURL   string `mapstructure:"OAUTH_REDIRECT_URL"`

	// Session tokens
	SessionSecret     string        `mapstructure:"SESSION_SECRET"`
	AccessTTLSeconds  int           `mapstructure:"ACCESS_TTL_SECONDS"`
	RefreshTTLSeconds int           `mapstructure:"REFRESH_TTL_SECONDS"`
	AccessTTL         time.Duration `mapstructure:"-"`
	RefreshTTL        time.Duration `mapstructure:"-"`

	// 32-byte hex key used to encrypt stored GitHub access tokens.
	TokenKey string `mapstructure:"TOKEN_KEY"`

	CORSOrigin string `mapstructure:"CORS_ORIGIN"`
	PublicURL  string `mapstructure:"PUBLIC_URL"`

	// Search
	MeiliURL       string `mapstructure:"MEILI_URL"`
	MeiliMasterKey string `mapstructure:"MEILI_MASTER_KEY"`

	// Analysis report storage
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	// Analysis worker
	WorkerConcurrency int    `mapstructure:"WORKER_CONCURRENCY"`
	CloneDir          string `mapstructure:"CLONE_DIR"`

	// SMTP - email notifications disabled when host is empty
	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     string `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`
	SMTPFromName string `mapstructure:"SMTP_FROM_NAME"`
}

// Load reads configuration from a .env file and/or environment variables.
func Load() (*Config, error) {
	viper.SetDefault("API_ADDR", ":8790")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("MIGRATIONS_DIR", "db/migrations")
	viper.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	viper.SetDefault("OAUTH_REDIRECT_URL", "http://localhost:8790/api/auth/github/callback")
	viper.SetDefault("SESSION_SECRET", "vibeyard-dev-secret")
	viper.SetDefault("ACCESS_TTL_SECONDS", 900)
	viper.SetDefault("REFRESH_TTL_SECONDS", 2592000)
	viper.SetDefault("CORS_ORIGIN", "*")
	viper.SetDefault("PUBLIC_URL", "http://localhost:8790")
	viper.SetDefault("MEILI_URL", "")
	viper.SetDefault("MINIO_BUCKET", "vibeyard-analysis")
	viper.SetDefault("WORKER_CONCURRENCY", 5)
	viper.SetDefault("CLONE_DIR", "./data/clones")
	viper.SetDefault("SMTP_PORT", "587")
	viper.SetDefault("SMTP_FROM_NAME", "vibeyard")

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // .env is optional

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.AccessTTL = time.Duration(cfg.AccessTTLSeconds) * time.Second
	cfg.RefreshTTL = time.Duration(cfg.RefreshTTLSeconds) * time.Second

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is a required configuration field")
	}
	if cfg.GithubClientID == "" || cfg.GithubClientSecret == "" {
		return nil, errors.New("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET are required")
	}
	if len(cfg.TokenKey) != 64 {
		return nil, errors.New("TOKEN_KEY must be 32 bytes hex-encoded (64 characters)")
	}

	return &cfg, nil
}
