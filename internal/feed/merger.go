// Package feed は自分の投稿と公開投稿の2つのライブ購読を1本のフィードに統合する。
package feed

import (
	"sort"
	"time"

	"github.com/hitoshi/moody/internal/docstore"
	"github.com/hitoshi/moody/internal/model"
)

// Source はフィードを構成する購読の種別。
type Source int

const (
	// SourceOwn は閲覧者自身の投稿（公開・非公開を問わない）。
	SourceOwn Source = iota
	// SourcePublic は全ユーザーの公開投稿。
	SourcePublic
)

// String はログ出力用の表現を返す。
func (s Source) String() string {
	switch s {
	case SourceOwn:
		return "own"
	case SourcePublic:
		return "public"
	default:
		return "unknown"
	}
}

// Ordering はフィードの並び順。Fieldはタイムスタンプのフィールド名。
type Ordering struct {
	Field string
	Desc  bool
}

// DefaultOrdering は作成日時の降順。
var DefaultOrdering = Ordering{Field: model.FieldCreatedAt, Desc: true}

// entry は投稿IDごとに、各購読が最後に届けた値を保持する。
// 結果集合から外れた購読の値はnilになる。
type entry struct {
	own    *model.Post
	public *model.Post
	latest Source
}

func (e *entry) held() bool {
	return e.own != nil || e.public != nil
}

// value は表示する値を返す。両方の購読が保持している場合は後に届いた方を採る。
func (e *entry) value() model.Post {
	switch {
	case e.own != nil && e.public != nil:
		if e.latest == SourceOwn {
			return *e.own
		}
		return *e.public
	case e.own != nil:
		return *e.own
	default:
		return *e.public
	}
}

// Merger は2つの購読の変更を1つの投稿集合に畳み込む状態機械。
// 投稿IDをキーとするマップと、購読ごとの初回到着フラグを持つ。
// 並行アクセスは想定しない。所有するgoroutineだけが呼び出すこと。
type Merger struct {
	entries     map[string]*entry
	ownReady    bool
	publicReady bool
	order       Ordering
}

// NewMerger はMergerを生成する。
func NewMerger(order Ordering) *Merger {
	if order.Field == "" {
		order = DefaultOrdering
	}
	return &Merger{
		entries: make(map[string]*entry),
		order:   order,
	}
}

// Ready は両方の購読が初回スナップショットを届け終えたかを返す。
func (m *Merger) Ready() bool {
	return m.ownReady && m.publicReady
}

// Len は保持している投稿数を返す。
func (m *Merger) Len() int {
	return len(m.entries)
}

// Apply は1つのスナップショットの変更を反映する。
// 両方の購読が揃うまではpublish=falseを返し、揃った後は毎回並べ直した投稿列を返す。
//
// Added/Modifiedはその購読の値を上書きする。
// Removedはその購読の値だけを取り除き、どちらの購読にも属さなくなった投稿を削除する。
// 片方の購読から外れた投稿は、もう片方が届けた値で残る。
func (m *Merger) Apply(src Source, changes []docstore.Change) (posts []model.Post, publish bool) {
	m.markReady(src)

	for _, c := range changes {
		switch c.Kind {
		case docstore.Added, docstore.Modified:
			m.upsert(src, model.PostFromData(c.Doc.ID, c.Doc.Data))
		case docstore.Removed:
			m.release(src, c.Doc.ID)
		}
	}

	if !m.Ready() {
		return nil, false
	}
	return m.Posts(), true
}

// Fail は購読の失敗を反映する。失敗した購読は今後届かないため到着済みとして扱う。
// 既に保持している投稿は残す。
func (m *Merger) Fail(src Source) (posts []model.Post, publish bool) {
	m.markReady(src)
	if !m.Ready() {
		return nil, false
	}
	return m.Posts(), true
}

// Posts は保持している投稿を並び順に従って返す。
func (m *Merger) Posts() []model.Post {
	posts := make([]model.Post, 0, len(m.entries))
	for _, e := range m.entries {
		posts = append(posts, e.value())
	}
	sortPosts(posts, m.order)
	return posts
}

func (m *Merger) markReady(src Source) {
	switch src {
	case SourceOwn:
		m.ownReady = true
	case SourcePublic:
		m.publicReady = true
	}
}

func (m *Merger) upsert(src Source, p model.Post) {
	e, ok := m.entries[p.ID]
	if !ok {
		e = &entry{}
		m.entries[p.ID] = e
	}
	switch src {
	case SourceOwn:
		e.own = &p
	case SourcePublic:
		e.public = &p
	}
	e.latest = src
}

func (m *Merger) release(src Source, id string) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	switch src {
	case SourceOwn:
		e.own = nil
	case SourcePublic:
		e.public = nil
	}
	if !e.held() {
		delete(m.entries, id)
	}
}

// sortPosts は指定タイムスタンプで並べる。
// ゼロ値（欠落・解析不能）は方向によらず末尾に置き、同時刻はIDの昇順とする。
func sortPosts(posts []model.Post, order Ordering) {
	sort.SliceStable(posts, func(i, j int) bool {
		a, b := postTime(posts[i], order.Field), postTime(posts[j], order.Field)
		switch {
		case a.IsZero() && !b.IsZero():
			return false
		case !a.IsZero() && b.IsZero():
			return true
		case !a.Equal(b):
			if order.Desc {
				return a.After(b)
			}
			return a.Before(b)
		}
		return posts[i].ID < posts[j].ID
	})
}

func postTime(p model.Post, field string) time.Time {
	if field == model.FieldUpdatedAt {
		return p.UpdatedAt
	}
	return p.CreatedAt
}
