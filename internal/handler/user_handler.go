package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/moody/internal/middleware"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はユーザーの退会処理を実行する。
	// userとidentities、sessionsを削除する。投稿は残す。
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	cookies cookieClearer
}

// cookieClearer はセッションCookieを消去する。*AuthHandler が満たす。
type cookieClearer interface {
	clearSessionCookie(w http.ResponseWriter)
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, auth *AuthHandler) *UserHandler {
	h := &UserHandler{service: service}
	if auth != nil {
		h.cookies = auth
	}
	return h
}

// Withdraw はユーザーの退会処理を実行する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		unauthenticated(w)
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	if h.cookies != nil {
		h.cookies.clearSessionCookie(w)
	}
	w.WriteHeader(http.StatusNoContent)
}
