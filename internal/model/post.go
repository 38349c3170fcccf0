// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// PostsCollection は投稿を保存するドキュメントコレクション名。
const PostsCollection = "posts"

// 投稿ドキュメントのフィールド名
const (
	FieldTitle     = "title"
	FieldContent   = "content"
	FieldAuthor    = "author"
	FieldAuthorID  = "authorId"
	FieldMood      = "mood"
	FieldIsPrivate = "isPrivate"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Mood は投稿に付与する気分を表す。固定の列挙値のみ許可する。
type Mood string

const (
	MoodAwful   Mood = "😰"
	MoodBad     Mood = "😢"
	MoodMeh     Mood = "😴"
	MoodGood    Mood = "😊"
	MoodAmazing Mood = "🥳"
)

// DefaultMood は新規投稿の初期値。
const DefaultMood = MoodGood

// MoodOption は気分の選択肢（絵文字とラベル）。
type MoodOption struct {
	Mood  Mood   `json:"emoji"`
	Label string `json:"text"`
}

var moodOptions = []MoodOption{
	{MoodAwful, "Awful"},
	{MoodBad, "Bad"},
	{MoodMeh, "Meh"},
	{MoodGood, "Good"},
	{MoodAmazing, "Amazing"},
}

// Moods は選択可能な気分の一覧を表示順で返す。
func Moods() []MoodOption {
	out := make([]MoodOption, len(moodOptions))
	copy(out, moodOptions)
	return out
}

// Valid は気分が列挙値に含まれるかを返す。
func (m Mood) Valid() bool {
	for _, o := range moodOptions {
		if o.Mood == m {
			return true
		}
	}
	return false
}

// Post はムード投稿を表す。
// CreatedAt/UpdatedAt がゼロ値の場合は「欠落または解析不能」を意味する。
type Post struct {
	ID        string
	Title     string
	Content   string
	Author    string
	AuthorID  string
	Mood      Mood
	IsPrivate bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate は作成・更新時点の不変条件を検証する。
// タイトルと本文が空でないこと、気分が列挙値であることを確認する。
func (p *Post) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return NewEmptyFieldError(FieldTitle)
	}
	if strings.TrimSpace(p.Content) == "" {
		return NewEmptyFieldError(FieldContent)
	}
	if !p.Mood.Valid() {
		return NewInvalidMoodError(string(p.Mood))
	}
	return nil
}

// VisibleTo は指定ユーザーがこの投稿を閲覧できるかを返す。
// 公開投稿は全員、非公開投稿は著者のみ閲覧できる。
func (p *Post) VisibleTo(userID string) bool {
	return !p.IsPrivate || (userID != "" && p.AuthorID == userID)
}

// PostFromData はドキュメントのフィールドからPostを組み立てる。
// 型が合わないフィールドはゼロ値として扱い、タイムスタンプが解析できない場合もゼロ値になる。
func PostFromData(id string, data map[string]any) Post {
	p := Post{ID: id}
	p.Title, _ = data[FieldTitle].(string)
	p.Content, _ = data[FieldContent].(string)
	p.Author, _ = data[FieldAuthor].(string)
	p.AuthorID, _ = data[FieldAuthorID].(string)
	if m, ok := data[FieldMood].(string); ok {
		p.Mood = Mood(m)
	}
	p.IsPrivate, _ = data[FieldIsPrivate].(bool)
	p.CreatedAt = parseTimestamp(data[FieldCreatedAt])
	p.UpdatedAt = parseTimestamp(data[FieldUpdatedAt])
	return p
}

// parseTimestamp はドキュメント上のタイムスタンプ値をtime.Timeに変換する。
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}
