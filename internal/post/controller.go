// Package post は投稿の作成・編集・削除のライフサイクルを管理する。
package post

import (
	"context"
	"strings"

	"github.com/hitoshi/moody/internal/docstore"
	"github.com/hitoshi/moody/internal/model"
)

// State はコントローラーの状態。
type State int

const (
	// StateIdle は下書きが初期値で、編集中の投稿もない状態。
	StateIdle State = iota
	// StateComposing は新規投稿の下書きを入力中の状態。
	StateComposing
	// StateEditing は既存投稿を編集中の状態。EditingIDで対象を参照する。
	StateEditing
)

// String はログ出力用の表現を返す。
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComposing:
		return "composing"
	case StateEditing:
		return "editing"
	default:
		return "unknown"
	}
}

// Draft は投稿フォームの入力値。
type Draft struct {
	Title     string
	Content   string
	Mood      model.Mood
	IsPrivate bool
}

// DefaultDraft は新規投稿フォームの初期値（😊、公開）を返す。
func DefaultDraft() Draft {
	return Draft{Mood: model.DefaultMood}
}

// DraftFromPost は既存投稿から編集用の下書きを作る。
func DraftFromPost(p model.Post) Draft {
	return Draft{Title: p.Title, Content: p.Content, Mood: p.Mood, IsPrivate: p.IsPrivate}
}

func (d Draft) post() model.Post {
	return model.Post{Title: d.Title, Content: d.Content, Mood: d.Mood, IsPrivate: d.IsPrivate}
}

// Gateway はコントローラーが使うドキュメント操作。*docstore.Gateway が満たす。
type Gateway interface {
	Create(ctx context.Context, data map[string]any) (string, error)
	Update(ctx context.Context, id string, partial map[string]any) error
	Delete(ctx context.Context, id string) error
}

// Confirmer は削除前の確認を行う。trueを返した場合だけ削除する。
type Confirmer interface {
	Confirm(p model.Post) bool
}

// ConfirmFunc は関数をConfirmerとして使うためのアダプタ。
type ConfirmFunc func(p model.Post) bool

// Confirm はf(p)を返す。
func (f ConfirmFunc) Confirm(p model.Post) bool {
	return f(p)
}

// Controller は1人のユーザーの投稿フォームと編集状態を保持する。
// ストアへの書き込み結果はフィードの購読経由で反映されるため、ここではフィードを操作しない。
// 並行アクセスは想定しない。
type Controller struct {
	gateway  Gateway
	identity *model.User

	draft     Draft
	editingID string
	editDraft Draft
}

// NewController はControllerを生成する。identityがnilの場合、書き込み操作は認証エラーになる。
func NewController(gateway Gateway, identity *model.User) *Controller {
	return &Controller{
		gateway:  gateway,
		identity: identity,
		draft:    DefaultDraft(),
	}
}

// State は現在の状態を返す。
func (c *Controller) State() State {
	switch {
	case c.editingID != "":
		return StateEditing
	case c.draft != DefaultDraft():
		return StateComposing
	default:
		return StateIdle
	}
}

// EditingID は編集中の投稿IDを返す。編集中でなければ空文字列。
func (c *Controller) EditingID() string {
	return c.editingID
}

// Draft は新規投稿の下書きを返す。
func (c *Controller) Draft() Draft {
	return c.draft
}

// SetDraft は新規投稿の下書きを置き換える。
func (c *Controller) SetDraft(d Draft) {
	c.draft = d
}

// Submit は下書きから投稿を作成し、採番されたIDを返す。
// 検証はストア呼び出しの前に行う。成功時は下書きを初期値に戻し、失敗時は保持する。
func (c *Controller) Submit(ctx context.Context) (string, error) {
	if c.identity == nil {
		return "", model.NewUnauthenticatedError()
	}
	p := c.draft.post()
	if err := p.Validate(); err != nil {
		return "", err
	}

	id, err := c.gateway.Create(ctx, map[string]any{
		model.FieldTitle:     strings.TrimSpace(p.Title),
		model.FieldContent:   strings.TrimSpace(p.Content),
		model.FieldAuthor:    c.identity.AuthorLabel(),
		model.FieldAuthorID:  c.identity.ID,
		model.FieldMood:      string(p.Mood),
		model.FieldIsPrivate: p.IsPrivate,
		model.FieldCreatedAt: docstore.ServerTimestamp,
		model.FieldUpdatedAt: docstore.ServerTimestamp,
	})
	if err != nil {
		return "", err
	}
	c.draft = DefaultDraft()
	return id, nil
}

// BeginEdit は投稿の編集を開始する。著者以外の投稿に対しては何もせずfalseを返す。
// 別の投稿を編集中だった場合、その編集内容は破棄される。
func (c *Controller) BeginEdit(p model.Post) bool {
	if c.identity == nil || p.AuthorID != c.identity.ID {
		return false
	}
	c.editingID = p.ID
	c.editDraft = DraftFromPost(p)
	return true
}

// EditDraft は編集中の下書きを返す。
func (c *Controller) EditDraft() Draft {
	return c.editDraft
}

// SetEditDraft は編集中の下書きを置き換える。編集中でなければ何もしない。
func (c *Controller) SetEditDraft(d Draft) {
	if c.editingID == "" {
		return
	}
	c.editDraft = d
}

// Save は編集内容を保存する。authorIdとidは送らない。
// 成功時はidleに戻り、失敗時は編集状態を保つ。
func (c *Controller) Save(ctx context.Context) error {
	if c.identity == nil {
		return model.NewUnauthenticatedError()
	}
	if c.editingID == "" {
		return model.NewNotEditingError()
	}
	p := c.editDraft.post()
	if err := p.Validate(); err != nil {
		return err
	}

	err := c.gateway.Update(ctx, c.editingID, map[string]any{
		model.FieldTitle:     strings.TrimSpace(p.Title),
		model.FieldContent:   strings.TrimSpace(p.Content),
		model.FieldMood:      string(p.Mood),
		model.FieldIsPrivate: p.IsPrivate,
		model.FieldUpdatedAt: docstore.ServerTimestamp,
	})
	if err != nil {
		return err
	}
	c.Cancel()
	return nil
}

// Cancel は編集を破棄してidleに戻る。
func (c *Controller) Cancel() {
	c.editingID = ""
	c.editDraft = Draft{}
}

// Delete は確認が取れた場合だけ投稿を削除する。
// 編集中の投稿を削除した場合は編集状態も解除する。
func (c *Controller) Delete(ctx context.Context, p model.Post, confirmer Confirmer) error {
	if c.identity == nil {
		return model.NewUnauthenticatedError()
	}
	if p.AuthorID != c.identity.ID {
		return model.NewNotAuthorError()
	}
	if confirmer == nil || !confirmer.Confirm(p) {
		return model.NewConfirmationRequiredError()
	}
	if err := c.gateway.Delete(ctx, p.ID); err != nil {
		return err
	}
	if c.editingID == p.ID {
		c.Cancel()
	}
	return nil
}
