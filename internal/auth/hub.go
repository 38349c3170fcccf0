package auth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/moody/internal/model"
)

// watcher は1つのWatch呼び出しに対応する。
// dirtyに通知が入るたびにセッションを解決し直してコールバックを呼ぶ。
type watcher struct {
	sessionID string
	userID    string // 最後に解決したユーザー。hub.muで保護する
	dirty     chan struct{}
}

func (w *watcher) mark() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

// hub はプロセス内のWatch登録を保持する。
// 通知は「解決し直せ」という合図だけで、値は各watcherが自分で読み直す。
type hub struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

func newHub() *hub {
	return &hub{watchers: make(map[*watcher]struct{})}
}

func (h *hub) add(w *watcher) {
	h.mu.Lock()
	h.watchers[w] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(w *watcher) {
	h.mu.Lock()
	delete(h.watchers, w)
	h.mu.Unlock()
}

func (h *hub) setUser(w *watcher, userID string) {
	h.mu.Lock()
	w.userID = userID
	h.mu.Unlock()
}

func (h *hub) notifySession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		if w.sessionID == sessionID {
			w.mark()
		}
	}
}

func (h *hub) notifyUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		if w.userID == userID {
			w.mark()
		}
	}
}

// Watch はセッションに紐づくユーザーの変化を購読する。
// 登録直後に現在のユーザーを1回通知し、以後はサインアウト、再読み込み、
// プロフィール更新、メールアドレス確認、退会のたびに通知する。
// 未ログインまたは解決に失敗した場合はnilを通知する。
// 返されたcancelを呼ぶか、ctxが終了すると購読は解除される。
func (s *Service) Watch(ctx context.Context, sessionID string, fn func(*model.User)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		sessionID: sessionID,
		dirty:     make(chan struct{}, 1),
	}
	w.mark()
	s.hub.add(w)

	go func() {
		defer s.hub.remove(w)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.dirty:
			}

			user, err := s.Resolve(ctx, sessionID)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Warn("failed to resolve session",
					slog.String("error", err.Error()),
				)
				user = nil
			}

			userID := ""
			if user != nil {
				userID = user.ID
			}
			s.hub.setUser(w, userID)
			fn(user)
		}
	}()

	return cancel, nil
}
