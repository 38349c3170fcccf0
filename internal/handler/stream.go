package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/moody/internal/feed"
	"github.com/hitoshi/moody/internal/middleware"
	"github.com/hitoshi/moody/internal/model"
	"github.com/hitoshi/moody/internal/session"
)

// SSEのイベント名
const (
	eventIdentity = "identity"
	eventFeed     = "feed"
)

// identityEvent はログイン状態の変化を伝えるイベント。未ログインならUserはnull。
type identityEvent struct {
	User *userResponse `json:"user"`
}

// Stream はServer-Sent Eventsでフィードの公開状態を送り続ける。
// セッションのユーザーが変わるたびにフィードを開き直す。
// GET /api/posts/stream
func (h *PostHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)
	logger := slog.Default().With(slog.String("path", r.URL.Path))

	// 長時間接続のためサーバーの書き込み期限を外す
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Warn("failed to clear write deadline", slog.String("error", err.Error()))
	}

	holder, err := session.NewHolder(ctx, h.identities, middleware.SessionIDFromContext(ctx))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	defer holder.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Error("streaming not supported", slog.String("error", err.Error()))
		return
	}

	var (
		current *feed.Feed
		updates <-chan feed.State
		viewer  *model.User
	)
	defer func() {
		if current != nil {
			current.Close()
		}
	}()

	keepAlive := time.NewTicker(h.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return

		case u, ok := <-holder.Changes():
			if !ok {
				return
			}
			if current == nil || userID(u) != userID(viewer) {
				if current != nil {
					current.Close()
				}
				current = h.feeds.Open(ctx, u)
				updates = current.Updates()
			}
			viewer = u
			ev := identityEvent{}
			if u != nil {
				res := toUserResponse(u)
				ev.User = &res
			}
			err = writeEvent(w, rc, eventIdentity, ev)

		case s, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			err = writeEvent(w, rc, eventFeed, toFeedResponse(s, viewer))

		case <-keepAlive.C:
			if _, err = io.WriteString(w, ": keepalive\n\n"); err == nil {
				err = rc.Flush()
			}
		}
		if err != nil {
			logger.Debug("stream closed", slog.String("error", err.Error()))
			return
		}
	}
}

// writeEvent は1件のSSEイベントを書き込んで送出する。
func writeEvent(w io.Writer, rc *http.ResponseController, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return rc.Flush()
}
