package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/moody/internal/feed"
	"github.com/hitoshi/moody/internal/middleware"
	"github.com/hitoshi/moody/internal/model"
	"github.com/hitoshi/moody/internal/post"
	"github.com/hitoshi/moody/internal/session"
)

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	Create(ctx context.Context, identity *model.User, in post.CreateInput) (*model.Post, error)
	Get(ctx context.Context, viewer *model.User, id string) (*model.Post, error)
	Update(ctx context.Context, identity *model.User, id string, in post.UpdateInput) (*model.Post, error)
	Delete(ctx context.Context, identity *model.User, id string, confirmer post.Confirmer) error
}

// FeedOpener は閲覧者ごとのライブフィードを開く。*feed.Aggregator が満たす。
type FeedOpener interface {
	Open(ctx context.Context, identity *model.User, opts ...feed.Option) *feed.Feed
}

// IdentityService はセッションからユーザーを解決し、その変化を通知する。*auth.Service が満たす。
type IdentityService interface {
	session.IdentitySource
	Resolve(ctx context.Context, sessionID string) (*model.User, error)
}

// PostHandlerConfig は投稿ハンドラーの設定。
type PostHandlerConfig struct {
	// FirstStateTimeout はGET /api/postsが最初の公開状態を待つ上限。
	FirstStateTimeout time.Duration
	// KeepAlive はSSEのコメント行を送る間隔。
	KeepAlive time.Duration
}

// PostHandler は投稿とライブフィードのHTTPハンドラー。
type PostHandler struct {
	posts      PostServiceInterface
	feeds      FeedOpener
	identities IdentityService
	config     PostHandlerConfig
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(posts PostServiceInterface, feeds FeedOpener, identities IdentityService, config PostHandlerConfig) *PostHandler {
	if config.FirstStateTimeout <= 0 {
		config.FirstStateTimeout = 10 * time.Second
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 25 * time.Second
	}
	return &PostHandler{
		posts:      posts,
		feeds:      feeds,
		identities: identities,
		config:     config,
	}
}

type createPostRequest struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	Mood      string `json:"mood"`
	IsPrivate bool   `json:"isPrivate"`
}

type updatePostRequest struct {
	Title     *string `json:"title"`
	Content   *string `json:"content"`
	Mood      *string `json:"mood"`
	IsPrivate *bool   `json:"isPrivate"`
}

// postResponse は投稿のAPIレスポンス。タイムスタンプが欠落している場合は省略する。
type postResponse struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Author    string     `json:"author"`
	AuthorID  string     `json:"authorId"`
	Mood      string     `json:"mood"`
	IsPrivate bool       `json:"isPrivate"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Mine      bool       `json:"mine"`
}

// feedResponse はフィード状態のAPIレスポンス。
type feedResponse struct {
	Posts   []postResponse `json:"posts"`
	Loading bool           `json:"loading"`
	Error   string         `json:"error,omitempty"`
	Stats   feed.Stats     `json:"stats"`
}

func toPostResponse(p model.Post, viewerID string) postResponse {
	res := postResponse{
		ID:        p.ID,
		Title:     p.Title,
		Content:   p.Content,
		Author:    p.Author,
		AuthorID:  p.AuthorID,
		Mood:      string(p.Mood),
		IsPrivate: p.IsPrivate,
		Mine:      viewerID != "" && p.AuthorID == viewerID,
	}
	if !p.CreatedAt.IsZero() {
		t := p.CreatedAt
		res.CreatedAt = &t
	}
	if !p.UpdatedAt.IsZero() {
		t := p.UpdatedAt
		res.UpdatedAt = &t
	}
	return res
}

func toFeedResponse(s feed.State, viewer *model.User) feedResponse {
	viewerID := userID(viewer)
	res := feedResponse{
		Posts:   make([]postResponse, 0, len(s.Posts)),
		Loading: s.Loading,
		Stats:   feed.Summarize(s.Posts, viewerID),
	}
	for _, p := range s.Posts {
		res.Posts = append(res.Posts, toPostResponse(p, viewerID))
	}
	if s.Err != nil {
		res.Error = "投稿の一部を読み込めませんでした。"
	}
	return res
}

func userID(u *model.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

// List は閲覧者のフィードの最初の公開状態を返す。
// GET /api/posts
func (h *PostHandler) List(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.viewer(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.FirstStateTimeout)
	defer cancel()

	f := h.feeds.Open(ctx, viewer)
	defer f.Close()

	state, ok := f.Next(ctx)
	if !ok {
		writeAPIErrorResponse(w, http.StatusGatewayTimeout, feedTimeoutError())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toFeedResponse(state, viewer))
}

// Create は投稿を作成する。
// POST /api/posts
func (h *PostHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var req createPostRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.posts.Create(r.Context(), identity, post.CreateInput{
		Title:     req.Title,
		Content:   req.Content,
		Mood:      model.Mood(req.Mood),
		IsPrivate: req.IsPrivate,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Location", "/api/posts/"+p.ID)
	middleware.WriteJSON(w, http.StatusCreated, toPostResponse(*p, identity.ID))
}

// Get は投稿を1件返す。閲覧できない非公開投稿は404になる。
// GET /api/posts/{id}
func (h *PostHandler) Get(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.viewer(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	p, err := h.posts.Get(r.Context(), viewer, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toPostResponse(*p, userID(viewer)))
}

// Update は著者本人の投稿を部分更新する。
// PATCH /api/posts/{id}
func (h *PostHandler) Update(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var req updatePostRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := post.UpdateInput{
		Title:     req.Title,
		Content:   req.Content,
		IsPrivate: req.IsPrivate,
	}
	if req.Mood != nil {
		m := model.Mood(*req.Mood)
		in.Mood = &m
	}

	p, err := h.posts.Update(r.Context(), identity, chi.URLParam(r, "id"), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toPostResponse(*p, identity.ID))
}

// Delete は確認ヘッダー付きのリクエストでのみ投稿を削除する。
// DELETE /api/posts/{id}
func (h *PostHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	confirmed := strings.EqualFold(r.Header.Get(middleware.ConfirmDeleteHeader), "true")
	confirmer := post.ConfirmFunc(func(model.Post) bool { return confirmed })

	if err := h.posts.Delete(r.Context(), identity, chi.URLParam(r, "id"), confirmer); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// viewer はセッションのユーザーを返す。未ログインならnil。
func (h *PostHandler) viewer(r *http.Request) (*model.User, error) {
	sessionID := middleware.SessionIDFromContext(r.Context())
	if sessionID == "" {
		return nil, nil
	}
	return h.identities.Resolve(r.Context(), sessionID)
}

func (h *PostHandler) requireIdentity(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	identity, err := h.viewer(r)
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	if identity == nil {
		unauthenticated(w)
		return nil, false
	}
	return identity, true
}

func feedTimeoutError() *model.APIError {
	return &model.APIError{
		Code:     "FEED_TIMEOUT",
		Message:  "フィードの読み込みがタイムアウトしました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
