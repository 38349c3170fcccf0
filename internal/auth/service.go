// Package auth はメールアドレス/パスワード認証、OAuth認証フロー、セッション管理、
// メールアドレス確認、ユーザー変化の通知を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	moodymail "github.com/hitoshi/moody/internal/mail"
	"github.com/hitoshi/moody/internal/model"
	"github.com/hitoshi/moody/internal/repository"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 6

// 認証イベント名（メトリクスのラベル）
const (
	EventSignUp        = "signup"
	EventSignIn        = "signin"
	EventSignInFailed  = "signin_failed"
	EventOAuth         = "oauth"
	EventSignOut       = "signout"
	EventEmailVerified = "email_verified"
)

// PhotoChecker はプロフィール画像URLを検証する。
type PhotoChecker interface {
	Check(ctx context.Context, rawURL string) error
}

// Recorder は認証イベントを記録する。
type Recorder interface {
	RecordAuthEvent(event string)
}

type noopRecorder struct{}

func (noopRecorder) RecordAuthEvent(string) {}

// Deps は認証サービスの依存。
// Tokens、Providers、Mailer、PhotoChecker、Recorder、Loggerはnilでもよい。
type Deps struct {
	Users        repository.UserRepository
	Identities   repository.IdentityRepository
	Sessions     repository.SessionRepository
	Tokens       repository.TokenLedger
	Providers    *Registry
	Mailer       moodymail.Sender
	PhotoChecker PhotoChecker
	Recorder     Recorder
	Logger       *slog.Logger
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int    // セッション有効期間（秒）
	TokenSecret   string // 確認用トークンの署名鍵
	AuthDomain    string // 確認リンクのホスト
	Now           func() time.Time
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	users     repository.UserRepository
	idents    repository.IdentityRepository
	sessions  repository.SessionRepository
	tokens    repository.TokenLedger
	providers *Registry
	mailer    moodymail.Sender
	photos    PhotoChecker
	recorder  Recorder
	logger    *slog.Logger
	config    ServiceConfig
	hub       *hub
}

// NewService はServiceを生成する。
func NewService(deps Deps, config ServiceConfig) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Providers == nil {
		deps.Providers = NewRegistry()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Service{
		users:     deps.Users,
		idents:    deps.Identities,
		sessions:  deps.Sessions,
		tokens:    deps.Tokens,
		providers: deps.Providers,
		mailer:    deps.Mailer,
		photos:    deps.PhotoChecker,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		config:    config,
		hub:       newHub(),
	}
}

// Providers は登録済みのOAuthプロバイダー名を返す。
func (s *Service) Providers() []string {
	return s.providers.Names()
}

// SignUp はメールアドレスとパスワードでユーザーを登録し、セッションを発行する。
// 登録後に確認メールを送信する。送信の失敗は登録の失敗として扱わない。
func (s *Service) SignUp(ctx context.Context, email, password string) (*model.Session, *model.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, nil, err
	}
	if len([]rune(password)) < MinPasswordLength {
		return nil, nil, model.NewWeakPasswordError(MinPasswordLength)
	}

	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		return nil, nil, model.NewEmailInUseError()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.config.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       model.ProviderPassword,
		ProviderUserID: user.ID,
		CreatedAt:      now,
	}
	if err := s.users.CreateWithIdentity(ctx, user, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, nil, model.NewEmailInUseError()
		}
		return nil, nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("new user signed up", slog.String("user_id", user.ID))
	s.recorder.RecordAuthEvent(EventSignUp)

	if err := s.SendVerificationEmail(ctx, user.ID); err != nil {
		s.logger.Warn("failed to send verification email",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	return session, user, nil
}

// SignIn はメールアドレスとパスワードで認証し、セッションを発行する。
// どの段階で一致しなくても同じエラーを返す。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Session, *model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		s.recorder.RecordAuthEvent(EventSignInFailed)
		return nil, nil, model.NewInvalidCredentialsError()
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil || user.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.recorder.RecordAuthEvent(EventSignInFailed)
		return nil, nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("user signed in", slog.String("user_id", user.ID))
	s.recorder.RecordAuthEvent(EventSignIn)
	return session, user, nil
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(provider, state, verifier string) (string, error) {
	p, err := s.providers.Get(provider)
	if err != nil {
		return "", err
	}
	return p.AuthCodeURL(state, verifier), nil
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 登録済みのidentityがあればそのユーザーでログインする。
// IdPが確認済みとしたメールアドレスが既存ユーザーと一致する場合はidentityを追加する。
// それ以外はusersレコードとidentitiesレコードを同時に作成する。
func (s *Service) HandleCallback(ctx context.Context, provider, code, verifier string) (*model.Session, error) {
	p, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	info, err := p.Exchange(ctx, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. identitiesテーブルで既存ユーザーを検索
	identity, err := s.idents.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	var userID string
	if identity != nil {
		// 3a. 既存ユーザー
		userID = identity.UserID
		s.logger.Info("existing user logged in",
			slog.String("user_id", userID),
			slog.String("provider", info.Provider),
		)
	} else {
		userID, err = s.linkOrCreate(ctx, info)
		if err != nil {
			return nil, err
		}
	}

	// 4. セッションを発行
	session, err := s.createSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.recorder.RecordAuthEvent(EventOAuth)
	return session, nil
}

// linkOrCreate は未登録のidentityをユーザーに紐付ける。
func (s *Service) linkOrCreate(ctx context.Context, info *OAuthUserInfo) (string, error) {
	now := s.config.Now()

	// 3b. 確認済みメールアドレスが一致する既存ユーザーにidentityを追加
	if info.Email != "" && info.EmailVerified {
		existing, err := s.users.FindByEmail(ctx, info.Email)
		if err != nil {
			return "", fmt.Errorf("failed to find user by email: %w", err)
		}
		if existing != nil {
			if err := s.idents.Create(ctx, &model.Identity{
				ID:             uuid.New().String(),
				UserID:         existing.ID,
				Provider:       info.Provider,
				ProviderUserID: info.ProviderUserID,
				CreatedAt:      now,
			}); err != nil {
				return "", fmt.Errorf("failed to link identity: %w", err)
			}
			s.logger.Info("identity linked to existing user",
				slog.String("user_id", existing.ID),
				slog.String("provider", info.Provider),
			)
			return existing.ID, nil
		}
	}

	// 3c. 新規ユーザー
	user := &model.User{
		ID:            uuid.New().String(),
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		DisplayName:   info.Name,
		PhotoURL:      info.PictureURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}
	if err := s.users.CreateWithIdentity(ctx, user, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return "", model.NewEmailInUseError()
		}
		return "", fmt.Errorf("failed to create user and identity: %w", err)
	}

	s.logger.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", info.Provider),
	)
	return user.ID, nil
}

// SignOut はセッションを破棄し、そのセッションの購読者にnilを通知する。
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Info("user signed out")
	s.recorder.RecordAuthEvent(EventSignOut)
	s.hub.notifySession(sessionID)
	return nil
}

// Resolve はセッションから現在のユーザーを取得する。
// セッションが空、期限切れ、またはユーザーが存在しない場合はnilを返す。
func (s *Service) Resolve(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// Reload はユーザーを読み直し、そのユーザーの購読者に通知する。
func (s *Service) Reload(ctx context.Context, sessionID string) (*model.User, error) {
	user, err := s.Resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewUnauthenticatedError()
	}
	s.hub.notifyUser(user.ID)
	return user, nil
}

// UpdateProfile は表示名とプロフィール画像URLを更新する。
// 画像URLは空でなければ検証を通す。
func (s *Service) UpdateProfile(ctx context.Context, userID, displayName, photoURL string) (*model.User, error) {
	displayName = strings.TrimSpace(displayName)
	photoURL = strings.TrimSpace(photoURL)

	if photoURL != "" && s.photos != nil {
		if err := s.photos.Check(ctx, photoURL); err != nil {
			return nil, model.NewInvalidPhotoURLError(err.Error())
		}
	}

	if err := s.users.UpdateProfile(ctx, userID, displayName, photoURL); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewUserNotFoundError()
		}
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	s.logger.Info("profile updated", slog.String("user_id", userID))
	s.hub.notifyUser(userID)
	return user, nil
}

// SendVerificationEmail は確認リンクを含むメールを送信する。
func (s *Service) SendVerificationEmail(ctx context.Context, userID string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}
	if user.EmailVerified {
		return model.NewAlreadyVerifiedError()
	}
	if s.mailer == nil {
		return fmt.Errorf("mail sender is not configured")
	}

	token, err := signVerificationToken([]byte(s.config.TokenSecret), user.ID, user.Email, s.config.Now())
	if err != nil {
		return err
	}
	link := s.verificationLink(token)

	msg, err := moodymail.VerificationMessage(user.Email, user.AuthorLabel(), link)
	if err != nil {
		return fmt.Errorf("failed to build verification message: %w", err)
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}

	s.logger.Info("verification email sent", slog.String("user_id", user.ID))
	return nil
}

func (s *Service) verificationLink(token string) string {
	u := url.URL{
		Scheme:   "https",
		Host:     s.config.AuthDomain,
		Path:     "/email-verified",
		RawQuery: "token=" + url.QueryEscape(token),
	}
	return u.String()
}

// VerifyEmail は確認用トークンを検証し、メールアドレスを確認済みにする。
// トークンは1回だけ使用できる。
func (s *Service) VerifyEmail(ctx context.Context, token string) (*model.User, error) {
	claims, err := parseVerificationToken([]byte(s.config.TokenSecret), token, s.config.Now())
	if err != nil {
		s.logger.Debug("invalid verification token", slog.String("error", err.Error()))
		return nil, model.NewInvalidVerificationError()
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	// 発行後にメールアドレスが変わっていればトークンは無効
	if user == nil || !strings.EqualFold(user.Email, claims.Email) {
		return nil, model.NewInvalidVerificationError()
	}
	if user.EmailVerified {
		return nil, model.NewAlreadyVerifiedError()
	}

	if s.tokens != nil {
		fresh, err := s.tokens.Consume(ctx, claims.ID, claims.ExpiresAt.Time)
		if err != nil {
			return nil, fmt.Errorf("failed to consume token: %w", err)
		}
		if !fresh {
			return nil, model.NewInvalidVerificationError()
		}
	}

	if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewInvalidVerificationError()
		}
		return nil, fmt.Errorf("failed to mark email verified: %w", err)
	}
	user.EmailVerified = true

	s.logger.Info("email verified", slog.String("user_id", user.ID))
	s.recorder.RecordAuthEvent(EventEmailVerified)
	s.hub.notifyUser(user.ID)
	return user, nil
}

// UserRemoved は退会したユーザーの購読者に通知する。
func (s *Service) UserRemoved(userID string) {
	s.hub.notifyUser(userID)
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.config.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// normalizeEmail はメールアドレスの形式を検証し、前後の空白を取り除く。
func normalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewInvalidEmailError()
	}
	return email, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
