package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/moody/internal/middleware"
	"github.com/hitoshi/moody/internal/model"
)

// --- モック定義 ---

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	withdrawFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, userID)
	}
	return nil
}

// mockProfileService はProfileServiceInterfaceのモック実装。
type mockProfileService struct {
	updateProfileFn func(ctx context.Context, userID, displayName, photoURL string) (*model.User, error)
}

func (m *mockProfileService) UpdateProfile(ctx context.Context, userID, displayName, photoURL string) (*model.User, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, userID, displayName, photoURL)
	}
	return testUser, nil
}

// --- DELETE /api/users/me テスト ---

func TestUserHandler_Withdraw_Success(t *testing.T) {
	withdrawCalled := false
	svc := &mockUserService{
		withdrawFn: func(ctx context.Context, userID string) error {
			withdrawCalled = true
			if userID != "user-123" {
				t.Errorf("userID = %q, want %q", userID, "user-123")
			}
			return nil
		},
	}

	h := NewUserHandler(svc, NewAuthHandler(&mockAuthService{}, testAuthConfig()))

	req := withSession(httptest.NewRequest(http.MethodDelete, "/api/users/me", nil), "s1", "user-123")
	w := httptest.NewRecorder()

	h.Withdraw(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if !withdrawCalled {
		t.Error("expected Withdraw to be called")
	}
	if c := findCookie(w.Result(), middleware.SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("session cookie should be cleared, got %+v", c)
	}
}

func TestUserHandler_Withdraw_WithoutAuthHandler(t *testing.T) {
	h := NewUserHandler(&mockUserService{}, nil)

	w := httptest.NewRecorder()
	h.Withdraw(w, withSession(httptest.NewRequest(http.MethodDelete, "/api/users/me", nil), "s1", "user-123"))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if findCookie(w.Result(), middleware.SessionCookieName) != nil {
		t.Error("no cookie expected without an auth handler")
	}
}

func TestUserHandler_Withdraw_NoUserID_ReturnsUnauthorized(t *testing.T) {
	h := NewUserHandler(&mockUserService{}, nil)

	w := httptest.NewRecorder()
	h.Withdraw(w, httptest.NewRequest(http.MethodDelete, "/api/users/me", nil))

	assertStatusAndCode(t, w, http.StatusUnauthorized, model.ErrCodeUnauthenticated)
}

func TestUserHandler_Withdraw_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"user not found", model.NewUserNotFoundError(), http.StatusNotFound, model.ErrCodeUserNotFound},
		{"internal", errors.New("database error"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockUserService{
				withdrawFn: func(ctx context.Context, userID string) error { return tt.err },
			}
			h := NewUserHandler(svc, NewAuthHandler(&mockAuthService{}, testAuthConfig()))

			w := httptest.NewRecorder()
			h.Withdraw(w, withSession(httptest.NewRequest(http.MethodDelete, "/api/users/me", nil), "s1", "user-123"))

			assertStatusAndCode(t, w, tt.status, tt.code)
		})
	}
}

// --- PUT /api/profile テスト ---

func TestProfileHandler_UpdateProfile(t *testing.T) {
	var gotName, gotPhoto string
	svc := &mockProfileService{
		updateProfileFn: func(ctx context.Context, userID, displayName, photoURL string) (*model.User, error) {
			if userID != testUser.ID {
				t.Errorf("userID = %q", userID)
			}
			gotName, gotPhoto = displayName, photoURL
			return &model.User{ID: userID, Email: testUser.Email, DisplayName: displayName, PhotoURL: photoURL}, nil
		},
	}
	h := NewProfileHandler(svc)

	req := jsonRequest(http.MethodPut, "/api/profile", `{"displayName":"Alicia","photoURL":"https://example.com/a.png"}`)
	w := httptest.NewRecorder()
	h.UpdateProfile(w, withSession(req, "s1", testUser.ID))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body: %s)", w.Code, http.StatusOK, w.Body.String())
	}
	if gotName != "Alicia" || gotPhoto != "https://example.com/a.png" {
		t.Errorf("UpdateProfile(%q, %q)", gotName, gotPhoto)
	}
}

func TestProfileHandler_UpdateProfile_Errors(t *testing.T) {
	svc := &mockProfileService{
		updateProfileFn: func(ctx context.Context, userID, displayName, photoURL string) (*model.User, error) {
			return nil, model.NewInvalidPhotoURLError("private address")
		},
	}
	h := NewProfileHandler(svc)

	w := httptest.NewRecorder()
	h.UpdateProfile(w, withSession(jsonRequest(http.MethodPut, "/api/profile", `{"photoURL":"http://127.0.0.1/x.png"}`), "s1", testUser.ID))
	assertStatusAndCode(t, w, http.StatusBadRequest, model.ErrCodeInvalidPhotoURL)

	w = httptest.NewRecorder()
	h.UpdateProfile(w, withSession(jsonRequest(http.MethodPut, "/api/profile", `not json`), "s1", testUser.ID))
	assertStatusAndCode(t, w, http.StatusBadRequest, "INVALID_REQUEST")

	w = httptest.NewRecorder()
	h.UpdateProfile(w, jsonRequest(http.MethodPut, "/api/profile", `{}`))
	assertStatusAndCode(t, w, http.StatusUnauthorized, model.ErrCodeUnauthenticated)
}
