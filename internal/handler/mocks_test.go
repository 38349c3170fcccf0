package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/moody/internal/middleware"
	"github.com/hitoshi/moody/internal/model"
	"github.com/hitoshi/moody/internal/post"
)

// --- モック定義 ---

// mockAuthService はAuthServiceInterfaceとPageServiceInterfaceのモック実装。
type mockAuthService struct {
	signUpFn           func(ctx context.Context, email, password string) (*model.Session, *model.User, error)
	signInFn           func(ctx context.Context, email, password string) (*model.Session, *model.User, error)
	getLoginURLFn      func(provider, state, verifier string) (string, error)
	handleCallbackFn   func(ctx context.Context, provider, code, verifier string) (*model.Session, error)
	signOutFn          func(ctx context.Context, sessionID string) error
	resolveFn          func(ctx context.Context, sessionID string) (*model.User, error)
	reloadFn           func(ctx context.Context, sessionID string) (*model.User, error)
	sendVerificationFn func(ctx context.Context, userID string) error
	verifyEmailFn      func(ctx context.Context, token string) (*model.User, error)
	providers          []string
}

func (m *mockAuthService) SignUp(ctx context.Context, email, password string) (*model.Session, *model.User, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password)
	}
	return nil, nil, nil
}

func (m *mockAuthService) SignIn(ctx context.Context, email, password string) (*model.Session, *model.User, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, nil, nil
}

func (m *mockAuthService) GetLoginURL(provider, state, verifier string) (string, error) {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(provider, state, verifier)
	}
	return "", nil
}

func (m *mockAuthService) HandleCallback(ctx context.Context, provider, code, verifier string) (*model.Session, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, provider, code, verifier)
	}
	return nil, nil
}

func (m *mockAuthService) SignOut(ctx context.Context, sessionID string) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) Resolve(ctx context.Context, sessionID string) (*model.User, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, sessionID)
	}
	return nil, nil
}

func (m *mockAuthService) Reload(ctx context.Context, sessionID string) (*model.User, error) {
	if m.reloadFn != nil {
		return m.reloadFn(ctx, sessionID)
	}
	return nil, nil
}

func (m *mockAuthService) SendVerificationEmail(ctx context.Context, userID string) error {
	if m.sendVerificationFn != nil {
		return m.sendVerificationFn(ctx, userID)
	}
	return nil
}

func (m *mockAuthService) VerifyEmail(ctx context.Context, token string) (*model.User, error) {
	if m.verifyEmailFn != nil {
		return m.verifyEmailFn(ctx, token)
	}
	return nil, model.NewInvalidVerificationError()
}

func (m *mockAuthService) Providers() []string {
	return m.providers
}

var (
	_ AuthServiceInterface = (*mockAuthService)(nil)
	_ PageServiceInterface = (*mockAuthService)(nil)
)

// mockIdentityService はIdentityServiceのモック実装。
// セッションIDごとのユーザーを保持し、setで購読者へ通知する。
type mockIdentityService struct {
	mu       sync.Mutex
	users    map[string]*model.User
	watchers map[string][]func(*model.User)
}

func newMockIdentityService() *mockIdentityService {
	return &mockIdentityService{
		users:    make(map[string]*model.User),
		watchers: make(map[string][]func(*model.User)),
	}
}

func (m *mockIdentityService) set(sessionID string, u *model.User) {
	m.mu.Lock()
	m.users[sessionID] = u
	fns := append([]func(*model.User){}, m.watchers[sessionID]...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (m *mockIdentityService) Resolve(ctx context.Context, sessionID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[sessionID], nil
}

func (m *mockIdentityService) Watch(ctx context.Context, sessionID string, fn func(*model.User)) (func(), error) {
	m.mu.Lock()
	m.watchers[sessionID] = append(m.watchers[sessionID], fn)
	u := m.users[sessionID]
	m.mu.Unlock()
	go fn(u)
	return func() {}, nil
}

var _ IdentityService = (*mockIdentityService)(nil)

// mockPostService はPostServiceInterfaceとPublicPostListerのモック実装。
type mockPostService struct {
	createFn     func(ctx context.Context, identity *model.User, in post.CreateInput) (*model.Post, error)
	getFn        func(ctx context.Context, viewer *model.User, id string) (*model.Post, error)
	updateFn     func(ctx context.Context, identity *model.User, id string, in post.UpdateInput) (*model.Post, error)
	deleteFn     func(ctx context.Context, identity *model.User, id string, confirmer post.Confirmer) error
	listPublicFn func(ctx context.Context, limit int) ([]model.Post, error)
}

func (m *mockPostService) Create(ctx context.Context, identity *model.User, in post.CreateInput) (*model.Post, error) {
	if m.createFn != nil {
		return m.createFn(ctx, identity, in)
	}
	return nil, nil
}

func (m *mockPostService) Get(ctx context.Context, viewer *model.User, id string) (*model.Post, error) {
	if m.getFn != nil {
		return m.getFn(ctx, viewer, id)
	}
	return nil, model.NewPostNotFoundError(id)
}

func (m *mockPostService) Update(ctx context.Context, identity *model.User, id string, in post.UpdateInput) (*model.Post, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, identity, id, in)
	}
	return nil, nil
}

func (m *mockPostService) Delete(ctx context.Context, identity *model.User, id string, confirmer post.Confirmer) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, identity, id, confirmer)
	}
	return nil
}

func (m *mockPostService) ListPublic(ctx context.Context, limit int) ([]model.Post, error) {
	if m.listPublicFn != nil {
		return m.listPublicFn(ctx, limit)
	}
	return nil, nil
}

var (
	_ PostServiceInterface = (*mockPostService)(nil)
	_ PublicPostLister     = (*mockPostService)(nil)
)

// --- テストヘルパー ---

var (
	testUser = &model.User{ID: "user-123", Email: "alice@example.com", DisplayName: "Alice", EmailVerified: true}
	bobUser  = &model.User{ID: "user-456", Email: "bob@example.com"}
)

func testSession(userID string) *model.Session {
	return &model.Session{
		ID:        "session-" + userID,
		UserID:    userID,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
}

// withSession はテスト用にリクエストコンテキストへセッションを注入するヘルパー。
func withSession(r *http.Request, sessionID, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithSession(r.Context(), sessionID, userID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func assertStatusAndCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body: %s)", w.Code, status, w.Body.String())
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != code {
		t.Errorf("code = %q, want %q", got, code)
	}
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
