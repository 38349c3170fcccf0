// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は投稿のタイトルと本文からマークアップを取り除き、
// 保存されるのがプレーンテキストだけになるようにする。
// bluemondayのStrictPolicyで全てのタグを除去する。
package security

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はユーザー入力テキストのサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize は入力から全てのHTMLタグを除去したプレーンテキストを返す。
	// script, style要素は中身ごと除去される。
	// 実体参照は元の文字に戻すため、表示時のエスケープは出力側で行うこと。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

const maxSanitizePasses = 4

// contentSanitizer はContentSanitizerServiceの実装。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタグを除去したプレーンテキストを返す。
func (s *contentSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは & や ' を実体参照にするので戻す。
	// 戻した結果にタグが現れる入力もあるため、変化しなくなるまで繰り返す。
	text := raw
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(text))
		if next == text {
			break
		}
		text = next
	}
	return text
}
