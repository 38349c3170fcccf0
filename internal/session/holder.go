// Package session はログイン中のユーザーを保持し、その変化を通知する。
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/hitoshi/moody/internal/model"
)

// IdentitySource はセッションに紐づくユーザーの変化を通知する。
// Watchは登録後に現在のユーザーを1回通知し、以後はサインイン、サインアウト、
// 再読み込み、プロフィール更新のたびに通知する。未ログインはnilで通知される。
type IdentitySource interface {
	Watch(ctx context.Context, sessionID string, fn func(*model.User)) (cancel func(), err error)
}

// Holder は1つのセッションについて現在のユーザーを保持する。
// 購読は生存期間中に1つだけ持ち、Closeで解除する。再試行は行わない。
type Holder struct {
	mu      sync.RWMutex
	current *model.User
	loading bool
	ready   chan struct{}

	changes   chan *model.User
	cancel    func()
	closed    bool
	closeOnce sync.Once
}

// NewHolder はsourceを購読してHolderを生成する。
// 最初の通知が届くまでLoadingはtrueを返す。
func NewHolder(ctx context.Context, source IdentitySource, sessionID string) (*Holder, error) {
	h := &Holder{
		loading: true,
		ready:   make(chan struct{}),
		changes: make(chan *model.User, 1),
	}
	cancel, err := source.Watch(ctx, sessionID, h.set)
	if err != nil {
		return nil, fmt.Errorf("watch identity: %w", err)
	}
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	return h, nil
}

// CurrentUser は現在のユーザーを返す。未ログインまたは解決前はnil。
func (h *Holder) CurrentUser() *model.User {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Loading は最初の解決が終わっていなければtrueを返す。
func (h *Holder) Loading() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loading
}

// Wait は最初の解決を待って現在のユーザーを返す。
func (h *Holder) Wait(ctx context.Context) (*model.User, error) {
	select {
	case <-h.ready:
		return h.CurrentUser(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Changes はユーザーの変化を受け取るチャンネルを返す。
// 受信側が遅れた場合は最新の値だけが残る。Close後に閉じられる。
func (h *Holder) Changes() <-chan *model.User {
	return h.changes
}

// Close は購読を解除する。複数回呼んでも安全。
func (h *Holder) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		cancel := h.cancel
		h.closed = true
		close(h.changes)
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (h *Holder) set(u *model.User) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.current = u
	if h.loading {
		h.loading = false
		close(h.ready)
	}
	// 最新の値だけを残す
	select {
	case <-h.changes:
	default:
	}
	h.changes <- u
}
