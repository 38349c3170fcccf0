package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/moody/internal/model"
)

// fakeSource はテスト用のIdentitySource実装。
type fakeSource struct {
	mu        sync.Mutex
	fn        func(*model.User)
	watchErr  error
	watches   int
	cancelled int
}

func (s *fakeSource) Watch(_ context.Context, _ string, fn func(*model.User)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchErr != nil {
		return nil, s.watchErr
	}
	s.watches++
	s.fn = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cancelled++
		s.fn = nil
	}, nil
}

func (s *fakeSource) emit(u *model.User) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func recvUser(t *testing.T, ch <-chan *model.User) *model.User {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for identity change")
		return nil
	}
}

func TestHolder_LoadingUntilFirstResolution(t *testing.T) {
	src := &fakeSource{}
	h, err := NewHolder(context.Background(), src, "sess")
	if err != nil {
		t.Fatalf("NewHolder returned error: %v", err)
	}
	defer h.Close()

	if !h.Loading() {
		t.Error("Loading() = false before first resolution")
	}
	if h.CurrentUser() != nil {
		t.Error("CurrentUser() should be nil while loading")
	}

	src.emit(nil)

	if h.Loading() {
		t.Error("Loading() = true after resolution")
	}
	if got := recvUser(t, h.Changes()); got != nil {
		t.Errorf("first change = %+v, want nil (signed out)", got)
	}
}

func TestHolder_TracksSignInAndSignOut(t *testing.T) {
	src := &fakeSource{}
	h, _ := NewHolder(context.Background(), src, "sess")
	defer h.Close()

	u := &model.User{ID: "u1", Email: "a@example.com"}
	src.emit(u)
	if got := recvUser(t, h.Changes()); got == nil || got.ID != "u1" {
		t.Fatalf("change = %+v, want u1", got)
	}
	if h.CurrentUser().ID != "u1" {
		t.Error("CurrentUser() should be u1")
	}

	src.emit(nil)
	if got := recvUser(t, h.Changes()); got != nil {
		t.Errorf("change = %+v, want nil", got)
	}
	if h.CurrentUser() != nil {
		t.Error("CurrentUser() should be nil after sign-out")
	}
}

func TestHolder_ChangesKeepsLatest(t *testing.T) {
	src := &fakeSource{}
	h, _ := NewHolder(context.Background(), src, "sess")
	defer h.Close()

	src.emit(&model.User{ID: "u1", DisplayName: "old"})
	src.emit(&model.User{ID: "u1", DisplayName: "new"})

	got := recvUser(t, h.Changes())
	if got.DisplayName != "new" {
		t.Errorf("DisplayName = %q, want latest value", got.DisplayName)
	}
}

func TestHolder_Wait(t *testing.T) {
	src := &fakeSource{}
	h, _ := NewHolder(context.Background(), src, "sess")
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait error = %v, want deadline exceeded", err)
	}

	go src.emit(&model.User{ID: "u9"})
	u, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if u == nil || u.ID != "u9" {
		t.Errorf("Wait = %+v, want u9", u)
	}
}

func TestHolder_CloseCancelsSingleSubscription(t *testing.T) {
	src := &fakeSource{}
	h, _ := NewHolder(context.Background(), src, "sess")

	h.Close()
	h.Close()

	if src.watches != 1 {
		t.Errorf("watches = %d, want exactly 1", src.watches)
	}
	if src.cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", src.cancelled)
	}
	if _, ok := <-h.Changes(); ok {
		t.Error("Changes() should be closed after Close")
	}
}

func TestHolder_IgnoresEmitAfterClose(t *testing.T) {
	src := &fakeSource{}
	h, _ := NewHolder(context.Background(), src, "sess")
	set := src.fn

	h.Close()
	// 解除済みの購読から遅れて届いた通知でpanicしない
	set(&model.User{ID: "late"})

	if h.CurrentUser() != nil {
		t.Error("late emit should be ignored")
	}
}

func TestHolder_WatchError(t *testing.T) {
	src := &fakeSource{watchErr: errors.New("unavailable")}

	if _, err := NewHolder(context.Background(), src, "sess"); err == nil {
		t.Fatal("expected error")
	}
}
