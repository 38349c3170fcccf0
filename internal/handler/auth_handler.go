// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"
	"golang.org/x/oauth2"

	"github.com/hitoshi/moody/internal/middleware"
	"github.com/hitoshi/moody/internal/model"
)

const (
	oauthSessionName = "moody_oauth"
	oauthStateKey    = "state"
	oauthVerifierKey = "verifier"
	oauthProviderKey = "provider"
	oauthFlowMaxAge  = 600 // 10分
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, email, password string) (*model.Session, *model.User, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, *model.User, error)
	GetLoginURL(provider, state, verifier string) (string, error)
	HandleCallback(ctx context.Context, provider, code, verifier string) (*model.Session, error)
	SignOut(ctx context.Context, sessionID string) error
	Resolve(ctx context.Context, sessionID string) (*model.User, error)
	Reload(ctx context.Context, sessionID string) (*model.User, error)
	SendVerificationEmail(ctx context.Context, userID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int    // セッションCookieの有効期間（秒）
	FlowSecret    string // OAuthフロー用Cookieの署名鍵
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	flows   *sessions.CookieStore
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	store := sessions.NewCookieStore([]byte(config.FlowSecret))
	store.Options = &sessions.Options{
		Path:     "/auth",
		MaxAge:   oauthFlowMaxAge,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	return &AuthHandler{
		service: service,
		config:  config,
		flows:   store,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoURL"`
	AuthorLabel   string `json:"authorLabel"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		DisplayName:   u.DisplayName,
		PhotoURL:      u.PhotoURL,
		AuthorLabel:   u.AuthorLabel(),
	}
}

// SignUp はメールアドレスとパスワードでアカウントを作成し、ログインさせる。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, user, err := h.service.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.setSessionCookie(w, session)
	middleware.WriteJSON(w, http.StatusCreated, toUserResponse(user))
}

// SignIn はメールアドレスとパスワードでログインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, user, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.setSessionCookie(w, session)
	middleware.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

// Login はOAuthフローを開始する。stateとPKCEのverifierは署名付きCookieに保存する。
// GET /auth/{provider}/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	verifier := oauth2.GenerateVerifier()

	url, err := h.service.GetLoginURL(provider, state, verifier)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// デコードに失敗した古いCookieは新しいセッションで上書きする
	flow, _ := h.flows.Get(r, oauthSessionName)
	flow.Values[oauthStateKey] = state
	flow.Values[oauthVerifierKey] = verifier
	flow.Values[oauthProviderKey] = provider
	if err := flow.Save(r, w); err != nil {
		slog.Error("failed to save oauth flow", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	// 1. stateの検証（CSRF対策）
	flow, err := h.flows.Get(r, oauthSessionName)
	if err != nil {
		slog.Warn("oauth flow cookie invalid", slog.String("error", err.Error()))
	}
	state := r.URL.Query().Get("state")
	savedState, _ := flow.Values[oauthStateKey].(string)
	savedProvider, _ := flow.Values[oauthProviderKey].(string)
	verifier, _ := flow.Values[oauthVerifierKey].(string)

	// フローCookieは1回限り
	flow.Options.MaxAge = -1
	if err := flow.Save(r, w); err != nil {
		slog.Error("failed to clear oauth flow", slog.String("error", err.Error()))
	}

	if savedState == "" || state != savedState || savedProvider != provider {
		slog.Warn("oauth state mismatch",
			slog.String("provider", provider),
			slog.String("query_state", state),
		)
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// 3. 認証処理
	session, err := h.service.HandleCallback(r.Context(), provider, code, verifier)
	if err != nil {
		if model.HasCode(err, model.ErrCodeEmailInUse) {
			http.Redirect(w, r, h.config.BaseURL+"/login?error=email_in_use", http.StatusSeeOther)
			return
		}
		slog.Error("oauth callback failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		http.Error(w, "authentication failed", http.StatusBadGateway)
		return
	}

	// 4. セッションCookieを設定（HTTP Only）
	h.setSessionCookie(w, session)

	// 5. フィード画面にリダイレクト
	http.Redirect(w, r, h.config.BaseURL+"/moody", http.StatusSeeOther)
}

// Logout はセッションを破棄する。セッションがなくても成功として扱う。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := h.sessionID(r); sessionID != "" {
		if err := h.service.SignOut(r.Context(), sessionID); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessionID(r)
	if sessionID == "" {
		unauthenticated(w)
		return
	}

	user, err := h.service.Resolve(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if user == nil {
		unauthenticated(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

// Reload はユーザー情報を再取得する。メール確認状態の確認に使う。
// POST /auth/reload
func (h *AuthHandler) Reload(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Reload(r.Context(), middleware.SessionIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

// SendVerification は確認メールを再送する。
// POST /auth/verification
func (h *AuthHandler) SendVerification(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		unauthenticated(w)
		return
	}
	if err := h.service.SendVerificationEmail(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// sessionID はコンテキストまたはCookieからセッションIDを取得する。
func (h *AuthHandler) sessionID(r *http.Request) string {
	if id := middleware.SessionIDFromContext(r.Context()); id != "" {
		return id
	}
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, session *model.Session) {
	maxAge := h.config.SessionMaxAge
	if maxAge <= 0 {
		maxAge = int(time.Until(session.ExpiresAt).Seconds())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
