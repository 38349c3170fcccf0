// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ドキュメントストアのドライバー
const (
	DocstorePostgres = "postgres"
	DocstoreMemory   = "memory"
)

// セッションの保存先
const (
	SessionBackendPostgres = "postgres"
	SessionBackendRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`
	DocstoreDriver string `env:"DOCSTORE_DRIVER" envDefault:"postgres"`

	// Session
	SessionSecret  string `env:"SESSION_SECRET,required,notEmpty"`
	SessionMaxAge  int    `env:"SESSION_MAX_AGE" envDefault:"86400"`
	SessionBackend string `env:"SESSION_BACKEND" envDefault:"postgres"`
	RedisURL       string `env:"REDIS_URL"`

	// OAuth（クライアントIDが空のプロバイダーは無効）
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`
	GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string `env:"GITHUB_REDIRECT_URL"`

	// Email verification
	AuthDomain         string `env:"AUTH_DOMAIN"`
	VerificationSecret string `env:"VERIFICATION_SECRET"`

	// SMTP（ホストが空の場合はログ出力のみ）
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     string `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"noreply@moody.local"`

	// Avatar
	AvatarCheck   bool          `env:"AVATAR_CHECK" envDefault:"false"`
	AvatarTimeout time.Duration `env:"AVATAR_TIMEOUT" envDefault:"5s"`

	// Rate Limit
	RateLimitGeneral    int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitPostCreate int `env:"RATE_LIMIT_POST_CREATE" envDefault:"10"`

	// Public RSS
	PublicFeedLimit int `env:"PUBLIC_FEED_LIMIT" envDefault:"20"`

	// Worker
	CleanupSchedule string `env:"CLEANUP_SCHEDULE" envDefault:"0 3 * * *"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,required,notEmpty"`

	// Cookie
	CookieSecure bool
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値の形式が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	switch cfg.DocstoreDriver {
	case DocstorePostgres, DocstoreMemory:
	default:
		return nil, fmt.Errorf("DOCSTORE_DRIVER must be %q or %q, got %q", DocstorePostgres, DocstoreMemory, cfg.DocstoreDriver)
	}
	switch cfg.SessionBackend {
	case SessionBackendPostgres:
	case SessionBackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when SESSION_BACKEND=%s", SessionBackendRedis)
		}
	default:
		return nil, fmt.Errorf("SESSION_BACKEND must be %q or %q, got %q", SessionBackendPostgres, SessionBackendRedis, cfg.SessionBackend)
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	// 確認リンクのホストは既定でBASE_URLのホスト
	if cfg.AuthDomain == "" {
		if u, err := url.Parse(cfg.BaseURL); err == nil {
			cfg.AuthDomain = u.Host
		}
	}
	if cfg.VerificationSecret == "" {
		cfg.VerificationSecret = cfg.SessionSecret
	}

	return cfg, nil
}

// GoogleEnabled はGoogleログインが設定されているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// GitHubEnabled はGitHubログインが設定されているかを返す。
func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}

// RedirectURL はプロバイダーのコールバックURLを返す。明示されていなければBASE_URLから組み立てる。
func (c *Config) RedirectURL(provider string) string {
	switch provider {
	case "google":
		if c.GoogleRedirectURL != "" {
			return c.GoogleRedirectURL
		}
	case "github":
		if c.GitHubRedirectURL != "" {
			return c.GitHubRedirectURL
		}
	}
	return strings.TrimRight(c.BaseURL, "/") + "/auth/" + provider + "/callback"
}
