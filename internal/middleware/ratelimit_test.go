package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func testLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		PostCreateRate:  1.0 / 60.0,
		PostCreateBurst: 2,
		CleanupInterval: time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func userRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/posts", nil)
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_GeneralAllowsBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 5; i++ {
		if w := serve(handler, userRequest("user-1")); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := serve(handler, userRequest("user-1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if ra, err := strconv.Atoi(w.Header().Get("Retry-After")); err != nil || ra < 1 {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	assertErrorCode(t, w, "RATE_LIMIT_EXCEEDED")
}

func TestRateLimit_PerUserIsolation(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	handler := rl.PostCreateMiddleware()(okHandler())

	serve(handler, userRequest("alice"))
	serve(handler, userRequest("alice"))
	if w := serve(handler, userRequest("alice")); w.Code != http.StatusTooManyRequests {
		t.Fatalf("alice third post: status = %d, want 429", w.Code)
	}
	if w := serve(handler, userRequest("bob")); w.Code != http.StatusOK {
		t.Fatalf("bob: status = %d, want 200", w.Code)
	}
	if rl.PostCreateLimiterCount() != 2 {
		t.Errorf("PostCreateLimiterCount = %d, want 2", rl.PostCreateLimiterCount())
	}
	// Retry-Afterは投稿作成のレートから算出する
	w := serve(handler, userRequest("alice"))
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}
}

func TestRateLimit_PoolsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	post := rl.PostCreateMiddleware()(okHandler())
	general := rl.GeneralMiddleware()(okHandler())

	serve(post, userRequest("alice"))
	serve(post, userRequest("alice"))
	if w := serve(general, userRequest("alice")); w.Code != http.StatusOK {
		t.Errorf("general limit should not be affected, status = %d", w.Code)
	}
}

func TestRateLimit_AnonymousKeyedByIP(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	handler := rl.PostCreateMiddleware()(okHandler())

	fromIP := func(addr string) *http.Request {
		req := userRequest("")
		req.RemoteAddr = addr
		return req
	}

	serve(handler, fromIP("192.0.2.1:1111"))
	serve(handler, fromIP("192.0.2.1:2222"))
	if w := serve(handler, fromIP("192.0.2.1:3333")); w.Code != http.StatusTooManyRequests {
		t.Errorf("same IP: status = %d, want 429", w.Code)
	}
	if w := serve(handler, fromIP("192.0.2.2:1111")); w.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want 200", w.Code)
	}
}

func TestRateLimit_CleanupEvictsIdleEntries(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	rl.general.get("user:old", time.Now().Add(-3*time.Minute))
	rl.general.get("user:new", time.Now())
	rl.cleanup()

	if rl.GeneralLimiterCount() != 1 {
		t.Errorf("GeneralLimiterCount = %d, want 1", rl.GeneralLimiterCount())
	}
	rl.Stop() // 複数回呼んでも安全
}

func TestPerMinuteConfig(t *testing.T) {
	cfg := PerMinuteConfig(120, 10)
	if cfg.GeneralRate != 2 || cfg.GeneralBurst != 120 || cfg.PostCreateBurst != 10 {
		t.Errorf("PerMinuteConfig = %+v", cfg)
	}
	if DefaultRateLimiterConfig() != cfg {
		t.Error("DefaultRateLimiterConfig should be 120/10 per minute")
	}
}
