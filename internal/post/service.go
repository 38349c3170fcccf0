package post

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/moody/internal/docstore"
	"github.com/hitoshi/moody/internal/model"
)

// Store はサービスが使うドキュメント操作。*docstore.Gateway が満たす。
type Store interface {
	Gateway
	GetOne(ctx context.Context, id string) (*docstore.Document, error)
	GetMany(ctx context.Context, cs ...docstore.Constraint) ([]docstore.Document, error)
}

// Sanitizer はユーザー入力からマークアップを取り除く。
type Sanitizer interface {
	Sanitize(raw string) string
}

// Recorder は投稿の書き込みを記録する。
type Recorder interface {
	RecordPostWrite(op string)
}

type noopRecorder struct{}

func (noopRecorder) RecordPostWrite(string) {}

// 書き込み操作の種別（メトリクスのラベル）
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// CreateInput は新規投稿の入力。Moodが空の場合は既定値を使う。
type CreateInput struct {
	Title     string
	Content   string
	Mood      model.Mood
	IsPrivate bool
}

// UpdateInput は投稿の部分更新の入力。nilのフィールドは変更しない。
type UpdateInput struct {
	Title     *string
	Content   *string
	Mood      *model.Mood
	IsPrivate *bool
}

// Service はHTTPリクエスト単位でControllerを使って投稿を操作する。
type Service struct {
	store     Store
	sanitizer Sanitizer
	recorder  Recorder
	logger    *slog.Logger
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(store Store, sanitizer Sanitizer, recorder Recorder, logger *slog.Logger) *Service {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, sanitizer: sanitizer, recorder: recorder, logger: logger}
}

// Create は投稿を作成し、保存後の投稿を返す。
func (s *Service) Create(ctx context.Context, identity *model.User, in CreateInput) (*model.Post, error) {
	d := Draft{
		Title:     s.sanitizer.Sanitize(in.Title),
		Content:   s.sanitizer.Sanitize(in.Content),
		Mood:      in.Mood,
		IsPrivate: in.IsPrivate,
	}
	if d.Mood == "" {
		d.Mood = model.DefaultMood
	}

	c := NewController(s.store, identity)
	c.SetDraft(d)
	id, err := c.Submit(ctx)
	if err != nil {
		return nil, err
	}
	s.recorder.RecordPostWrite(OpCreate)
	s.logger.Info("post created",
		slog.String("post_id", id),
		slog.String("user_id", identity.ID),
	)
	return s.load(ctx, id)
}

// Get は閲覧者から見える投稿を返す。
// 存在しない投稿と閲覧できない非公開投稿は区別せずPOST_NOT_FOUNDとする。
func (s *Service) Get(ctx context.Context, viewer *model.User, id string) (*model.Post, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	viewerID := ""
	if viewer != nil {
		viewerID = viewer.ID
	}
	if !p.VisibleTo(viewerID) {
		return nil, model.NewPostNotFoundError(id)
	}
	return p, nil
}

// Update は著者本人の投稿を部分更新し、更新後の投稿を返す。
func (s *Service) Update(ctx context.Context, identity *model.User, id string, in UpdateInput) (*model.Post, error) {
	if identity == nil {
		return nil, model.NewUnauthenticatedError()
	}
	current, err := s.Get(ctx, identity, id)
	if err != nil {
		return nil, err
	}

	c := NewController(s.store, identity)
	if !c.BeginEdit(*current) {
		return nil, model.NewNotAuthorError()
	}
	d := c.EditDraft()
	if in.Title != nil {
		d.Title = s.sanitizer.Sanitize(*in.Title)
	}
	if in.Content != nil {
		d.Content = s.sanitizer.Sanitize(*in.Content)
	}
	if in.Mood != nil {
		d.Mood = *in.Mood
	}
	if in.IsPrivate != nil {
		d.IsPrivate = *in.IsPrivate
	}
	c.SetEditDraft(d)

	if err := c.Save(ctx); err != nil {
		return nil, s.mapStoreError(err, id)
	}
	s.recorder.RecordPostWrite(OpUpdate)
	s.logger.Info("post updated",
		slog.String("post_id", id),
		slog.String("user_id", identity.ID),
	)
	return s.load(ctx, id)
}

// Delete は確認済みの場合だけ著者本人の投稿を削除する。
func (s *Service) Delete(ctx context.Context, identity *model.User, id string, confirmer Confirmer) error {
	if identity == nil {
		return model.NewUnauthenticatedError()
	}
	current, err := s.Get(ctx, identity, id)
	if err != nil {
		return err
	}

	c := NewController(s.store, identity)
	if err := c.Delete(ctx, *current, confirmer); err != nil {
		return s.mapStoreError(err, id)
	}
	s.recorder.RecordPostWrite(OpDelete)
	s.logger.Info("post deleted",
		slog.String("post_id", id),
		slog.String("user_id", identity.ID),
	)
	return nil
}

// ListPublic は公開投稿を作成日時の新しい順に最大limit件返す。
func (s *Service) ListPublic(ctx context.Context, limit int) ([]model.Post, error) {
	docs, err := s.store.GetMany(ctx,
		docstore.Where(model.FieldIsPrivate, false),
		docstore.OrderBy(model.FieldCreatedAt, true),
		docstore.Limit(limit),
	)
	if err != nil {
		return nil, err
	}
	posts := make([]model.Post, 0, len(docs))
	for _, d := range docs {
		posts = append(posts, model.PostFromData(d.ID, d.Data))
	}
	return posts, nil
}

func (s *Service) load(ctx context.Context, id string) (*model.Post, error) {
	doc, err := s.store.GetOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, model.NewPostNotFoundError(id)
	}
	p := model.PostFromData(doc.ID, doc.Data)
	return &p, nil
}

// mapStoreError は読み込みと書き込みの間に削除された投稿をPOST_NOT_FOUNDに変換する。
func (s *Service) mapStoreError(err error, id string) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return model.NewPostNotFoundError(id)
	}
	return err
}
