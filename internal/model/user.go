// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザー（認証プロバイダーが管理するアイデンティティ）を表す。
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	DisplayName   string
	PhotoURL      string
	PasswordHash  string // OAuthのみのユーザーは空
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuthorLabel は投稿の著者表示名を返す。
// displayName、email、"Anonymous" の順にフォールバックする。
func (u *User) AuthorLabel() string {
	if u == nil {
		return "Anonymous"
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Email != "" {
		return u.Email
	}
	return "Anonymous"
}

// 認証プロバイダー名
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google"
	ProviderGitHub   = "github"
)

// Identity は外部IdPとの紐付け情報を表す。
// パスワード認証も provider = "password" の identity として扱う。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
