package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/moody/internal/auth"
	"github.com/hitoshi/moody/internal/config"
	"github.com/hitoshi/moody/internal/database"
	"github.com/hitoshi/moody/internal/docstore"
	"github.com/hitoshi/moody/internal/feed"
	"github.com/hitoshi/moody/internal/handler"
	"github.com/hitoshi/moody/internal/logger"
	"github.com/hitoshi/moody/internal/mail"
	"github.com/hitoshi/moody/internal/metrics"
	"github.com/hitoshi/moody/internal/middleware"
	"github.com/hitoshi/moody/internal/model"
	"github.com/hitoshi/moody/internal/post"
	"github.com/hitoshi/moody/internal/repository"
	"github.com/hitoshi/moody/internal/security"
	"github.com/hitoshi/moody/internal/user"
	"github.com/hitoshi/moody/internal/worker/cleanup"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定のログレベルで作り直す
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("docstore", cfg.DocstoreDriver),
		slog.String("session_backend", cfg.SessionBackend),
	)

	// SIGINTまたはSIGTERMでグレースフルシャットダウンする
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開いて疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database connection established")
	return db, nil
}

// sessionStores はセッションの保存先と確認トークンの使用履歴をまとめたもの。
type sessionStores struct {
	sessions repository.SessionRepository
	tokens   repository.TokenLedger
	redis    *redis.Client
}

// Close はRedis接続を閉じる。
func (s *sessionStores) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

// openSessionStores はSESSION_BACKENDに応じてセッションとトークン履歴の保存先を選ぶ。
func openSessionStores(ctx context.Context, cfg *config.Config, db *sql.DB) (*sessionStores, error) {
	if cfg.SessionBackend != config.SessionBackendRedis {
		return &sessionStores{
			sessions: repository.NewPostgresSessionRepo(db),
			tokens:   repository.NewPostgresTokenLedger(db),
		}, nil
	}

	client, err := repository.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	slog.Info("redis connection established")
	return &sessionStores{
		sessions: repository.NewRedisSessionRepo(client),
		tokens:   repository.NewRedisTokenLedger(client),
		redis:    client,
	}, nil
}

// openDocstore はDOCSTORE_DRIVERに応じてドキュメントストアを生成する。
// 返す関数でLISTEN接続を閉じる。
func openDocstore(cfg *config.Config, db *sql.DB) (docstore.Store, func() error) {
	if cfg.DocstoreDriver == config.DocstoreMemory {
		slog.Warn("using in-memory docstore; posts are lost on restart")
		return docstore.NewMemoryStore(), func() error { return nil }
	}
	store := docstore.NewPostgresStore(db, cfg.DatabaseURL, slog.Default().With(slog.String("component", "docstore")))
	return store, store.Close
}

// oauthProviders は資格情報が設定されたプロバイダーだけを登録する。
func oauthProviders(cfg *config.Config) *auth.Registry {
	registry := auth.NewRegistry()
	if cfg.GoogleEnabled() {
		registry.Register(auth.NewGoogleProvider(auth.OAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.RedirectURL(model.ProviderGoogle),
		}))
	}
	if cfg.GitHubEnabled() {
		registry.Register(auth.NewGitHubProvider(auth.OAuthConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.RedirectURL(model.ProviderGitHub),
		}))
	}
	return registry
}

// mailSender はSMTPが設定されていればSMTPで、なければログに出力する送信者を返す。
func mailSender(cfg *config.Config) mail.Sender {
	smtpSender := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: "moody",
	})
	if smtpSender.IsConfigured() {
		return smtpSender
	}
	slog.Warn("SMTP is not configured; verification emails are written to the log")
	return mail.NewLogSender(slog.Default().With(slog.String("component", "mail")))
}

// newMetricsRegistry はプロセスとGoランタイムのメトリクスを含むレジストリを生成する。
func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. 保存先の初期化
	stores, err := openSessionStores(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer stores.Close()

	store, closeStore := openDocstore(cfg, db)
	defer closeStore()

	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)

	// 3. メトリクス
	reg := newMetricsRegistry()
	collector := metrics.NewCollector(reg)

	// 4. セキュリティサービスの初期化
	var photoChecker auth.PhotoChecker
	if cfg.AvatarCheck {
		ssrfGuard := security.NewSSRFGuard()
		photoChecker = security.NewAvatarChecker(ssrfGuard, ssrfGuard.NewSafeClient(cfg.AvatarTimeout))
	}
	sanitizer := security.NewContentSanitizer()

	// 5. ドメインサービスの初期化
	authService := auth.NewService(auth.Deps{
		Users:        userRepo,
		Identities:   identRepo,
		Sessions:     stores.sessions,
		Tokens:       stores.tokens,
		Providers:    oauthProviders(cfg),
		Mailer:       mailSender(cfg),
		PhotoChecker: photoChecker,
		Recorder:     collector,
		Logger:       slog.Default().With(slog.String("component", "auth")),
	}, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
		TokenSecret:   cfg.VerificationSecret,
		AuthDomain:    cfg.AuthDomain,
	})

	postService := post.NewService(
		docstore.NewGateway(store, model.PostsCollection),
		sanitizer, collector,
		slog.Default().With(slog.String("component", "post")),
	)
	aggregator := feed.NewAggregator(store, slog.Default().With(slog.String("component", "feed")), collector)
	userService := user.NewService(userRepo, stores.sessions, authService, slog.Default())

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitPostCreate))
	defer rateLimiter.Stop()

	router, err := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		SessionFinder:     stores.sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		StatusRecorder: collector,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
			FlowSecret:    cfg.SessionSecret,
		},
		PageService: authService,

		PostService: postService,
		Feeds:       aggregator,
		Identities:  authService,

		PublicPosts:     postService,
		PublicFeedLimit: cfg.PublicFeedLimit,

		ProfileService: authService,
		UserService:    userService,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	// 7. HTTPサーバーの起動
	// SSEのハンドラーは自身の書き込み期限を外すため、WriteTimeoutは通常のAPI向けの値にする
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションと使用済みトークンのクリーンアップをcronで実行し、
// 同じプロセスで/healthと/metricsを公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. クリーンアップ対象の登録（RedisはTTLで自動削除されるため対象外）
	job := cleanup.NewCleanupJob(slog.Default().With(slog.String("component", "cleanup")))
	if cfg.SessionBackend != config.SessionBackendRedis {
		job.Add("sessions", repository.NewPostgresSessionRepo(db))
		job.Add("used_tokens", repository.NewPostgresTokenLedger(db))
	}
	scheduler := cleanup.NewScheduler(job, cfg.CleanupSchedule, slog.Default())

	// 3. ヘルスチェックとメトリクス
	reg := newMetricsRegistry()
	mux := http.NewServeMux()
	mux.Handle("/health", handler.NewHealthHandler(db))
	mux.Handle("/", metrics.SetupMetricsRoute(reg))
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	slog.Info("worker starting",
		slog.String("cleanup_schedule", cfg.CleanupSchedule),
		slog.Any("cleanup_targets", job.Targets()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Start(gctx) })
	g.Go(func() error { return serveUntilDone(gctx, server, "worker health server") })

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// serveUntilDone はctxが終了するまでサーバーを動かし、終了後にグレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}
	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
