package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/moody/internal/model"
)

// --- モック定義 ---

type mockSessionRepository struct {
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func validSessionRepo() *mockSessionRepository {
	return &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id == "valid-session-id" {
				return &model.Session{
					ID:        "valid-session-id",
					UserID:    "user-123",
					ExpiresAt: time.Now().Add(1 * time.Hour),
				}, nil
			}
			return nil, nil
		},
	}
}

func withSessionCookie(req *http.Request, id string) *http.Request {
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: id})
	return req
}

// --- テスト ---

func TestSessionMiddleware_ValidSession_InjectsUserAndSessionID(t *testing.T) {
	mw := NewSessionMiddleware(validSessionRepo())

	var userID, sessionID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ = UserIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/test", nil), "valid-session-id")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if userID != "user-123" {
		t.Errorf("userID = %q, want %q", userID, "user-123")
	}
	if sessionID != "valid-session-id" {
		t.Errorf("sessionID = %q, want %q", sessionID, "valid-session-id")
	}
}

func TestSessionMiddleware_Rejects(t *testing.T) {
	errRepo := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return nil, errors.New("db down")
		},
	}

	tests := []struct {
		name   string
		finder SessionFinder
		cookie string
	}{
		{"no cookie", validSessionRepo(), ""},
		{"unknown session", validSessionRepo(), "expired"},
		{"lookup error", errRepo, "valid-session-id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSessionMiddleware(tt.finder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
			if tt.cookie != "" {
				withSessionCookie(req, tt.cookie)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			assertErrorCode(t, w, model.ErrCodeUnauthenticated)
		})
	}
}

func TestOptionalSessionMiddleware(t *testing.T) {
	mw := NewOptionalSessionMiddleware(validSessionRepo())

	var gotUser string
	var called bool
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotUser, _ = UserIDFromContext(r.Context())
	}))

	// 未認証でも通る
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called || gotUser != "" {
		t.Errorf("anonymous: called=%v user=%q", called, gotUser)
	}

	handler.ServeHTTP(httptest.NewRecorder(), withSessionCookie(httptest.NewRequest(http.MethodGet, "/", nil), "valid-session-id"))
	if gotUser != "user-123" {
		t.Errorf("user = %q, want user-123", gotUser)
	}
}

func TestLoginRedirectMiddleware(t *testing.T) {
	handler := NewOptionalSessionMiddleware(validSessionRepo())(
		NewLoginRedirectMiddleware("/login")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})),
	)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/moody", nil))
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/login" {
		t.Errorf("anonymous: status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, withSessionCookie(httptest.NewRequest(http.MethodGet, "/moody", nil), "valid-session-id"))
	if w.Code != http.StatusOK {
		t.Errorf("signed in: status = %d, want 200", w.Code)
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}
	if SessionIDFromContext(context.Background()) != "" {
		t.Error("expected empty session ID")
	}
	ctx := ContextWithUserID(context.Background(), "u1")
	if id, err := UserIDFromContext(ctx); err != nil || id != "u1" {
		t.Errorf("UserIDFromContext = %q, %v", id, err)
	}
}
