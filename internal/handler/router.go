package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/moody/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig
	StatusRecorder    middleware.HTTPStatusRecorder // nilならHTTPメトリクスを記録しない

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler // nilなら/metricsを公開しない

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	PageService PageServiceInterface

	// 投稿
	PostService PostServiceInterface
	Feeds       FeedOpener
	Identities  IdentityService
	PostConfig  PostHandlerConfig

	// 公開RSS
	PublicPosts     PublicPostLister
	PublicFeedLimit int

	// プロフィール・ユーザー
	ProfileService ProfileServiceInterface
	UserService    UserServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → Metrics → CORS → Session → RateLimit → CSRF
//
// /health、/metrics、静的ファイル、公開RSSはセッション以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) (http.Handler, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pageHandler, err := NewPageHandler(deps.PageService, deps.CSRF)
	if err != nil {
		return nil, fmt.Errorf("failed to build page handler: %w", err)
	}
	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	postHandler := NewPostHandler(deps.PostService, deps.Feeds, deps.Identities, deps.PostConfig)
	profileHandler := NewProfileHandler(deps.ProfileService)
	userHandler := NewUserHandler(deps.UserService, authHandler)
	rssHandler := NewRSSHandler(deps.PublicPosts, deps.AuthConfig.BaseURL, deps.PublicFeedLimit)

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.CookieSecure))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- セッション不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Handle("/static/*", StaticHandler())
	r.Get("/feeds/public.rss", rssHandler.PublicFeed)

	// --- ログイン任意のルート ---
	// ミドルウェアスタック: OptionalSession → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOptionalSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		// 画面
		r.Get("/", pageHandler.Index)
		r.Get("/login", pageHandler.Login)
		r.Get("/email-verified", pageHandler.EmailVerified)
		r.With(middleware.NewLoginRedirectMiddleware("/login")).Get("/moody", pageHandler.Moody)

		// 認証
		r.Post("/auth/signup", authHandler.SignUp)
		r.Post("/auth/signin", authHandler.SignIn)
		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/auth/me", authHandler.Me)
		r.Get("/auth/{provider}/login", authHandler.Login)
		r.Get("/auth/{provider}/callback", authHandler.Callback)

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		// 投稿の閲覧（未ログインなら公開投稿のみ）
		r.Get("/api/posts", postHandler.List)
		r.Get("/api/posts/stream", postHandler.Stream)
		r.Get("/api/posts/{id}", postHandler.Get)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Post("/auth/reload", authHandler.Reload)
		r.Post("/auth/verification", authHandler.SendVerification)

		r.Put("/api/profile", profileHandler.UpdateProfile)

		// POST /api/posts - 投稿作成（作成専用レート制限を追加）
		r.With(deps.RateLimiter.PostCreateMiddleware()).Post("/api/posts", postHandler.Create)
		r.Patch("/api/posts/{id}", postHandler.Update)
		r.Delete("/api/posts/{id}", postHandler.Delete)

		r.Delete("/api/users/me", userHandler.Withdraw)
	})

	return r, nil
}
