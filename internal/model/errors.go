// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, post, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEmptyField           = "EMPTY_FIELD"
	ErrCodeInvalidMood          = "INVALID_MOOD"
	ErrCodePostNotFound         = "POST_NOT_FOUND"
	ErrCodeNotAuthor            = "NOT_AUTHOR"
	ErrCodeNotEditing           = "NOT_EDITING"
	ErrCodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	ErrCodeUnauthenticated      = "UNAUTHENTICATED"
	ErrCodeInvalidEmail         = "INVALID_EMAIL"
	ErrCodeWeakPassword         = "WEAK_PASSWORD"
	ErrCodeEmailInUse           = "EMAIL_IN_USE"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeUnsupportedProvider  = "UNSUPPORTED_PROVIDER"
	ErrCodeInvalidVerification  = "INVALID_VERIFICATION_TOKEN"
	ErrCodeAlreadyVerified      = "ALREADY_VERIFIED"
	ErrCodeInvalidPhotoURL      = "INVALID_PHOTO_URL"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
)

// IsValidationError はエラーがバリデーションカテゴリのAPIErrorかを判定する。
func IsValidationError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Category == "validation"
}

// HasCode はエラーが指定コードのAPIErrorかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewEmptyFieldError は必須フィールドが空の場合のエラーを生成する。
func NewEmptyFieldError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeEmptyField,
		Message:  fmt.Sprintf("%s を入力してください。", field),
		Category: "validation",
		Action:   "タイトルと本文は空にできません。",
	}
}

// NewInvalidMoodError は気分が列挙値に含まれない場合のエラーを生成する。
func NewInvalidMoodError(mood string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMood,
		Message:  fmt.Sprintf("無効な気分です: %q", mood),
		Category: "validation",
		Action:   "😰 😢 😴 😊 🥳 のいずれかを選択してください。",
	}
}

// NewPostNotFoundError は投稿が見つからない場合のエラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "post",
		Action:   "投稿IDを確認してください。",
	}
}

// NewNotAuthorError は著者以外が投稿を変更しようとした場合のエラーを生成する。
func NewNotAuthorError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthor,
		Message:  "この投稿を変更する権限がありません。",
		Category: "post",
		Action:   "自分の投稿のみ編集・削除できます。",
	}
}

// NewNotEditingError は編集中でない状態で保存しようとした場合のエラーを生成する。
func NewNotEditingError() *APIError {
	return &APIError{
		Code:     ErrCodeNotEditing,
		Message:  "編集中の投稿がありません。",
		Category: "validation",
		Action:   "編集を開始してから保存してください。",
	}
}

// NewConfirmationRequiredError は削除確認が得られなかった場合のエラーを生成する。
func NewConfirmationRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeConfirmationRequired,
		Message:  "投稿の削除には確認が必要です。",
		Category: "validation",
		Action:   "削除は取り消せません。確認のうえ再度実行してください。",
	}
}

// NewUnauthenticatedError は認証が必要な操作を未認証で呼び出した場合のエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidEmailError はメールアドレスの形式が不正な場合のエラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "メールアドレスの形式が正しくありません。",
		Category: "validation",
		Action:   "正しいメールアドレスを入力してください。",
	}
}

// NewWeakPasswordError はパスワードが短すぎる場合のエラーを生成する。
func NewWeakPasswordError(minLen int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("パスワードは%d文字以上で入力してください。", minLen),
		Category: "validation",
		Action:   "より長いパスワードを設定してください。",
	}
}

// NewEmailInUseError はメールアドレスが登録済みの場合のエラーを生成する。
func NewEmailInUseError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailInUse,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスを使用してください。",
	}
}

// NewInvalidCredentialsError は認証情報が一致しない場合のエラーを生成する。
// メールアドレスの存在有無は明かさない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnsupportedProviderError は未対応のOAuthプロバイダーが指定された場合のエラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("未対応の認証プロバイダーです: %s", provider),
		Category: "auth",
		Action:   "google または github を指定してください。",
	}
}

// NewInvalidVerificationError は確認トークンが無効な場合のエラーを生成する。
func NewInvalidVerificationError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidVerification,
		Message:  "確認リンクが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "確認メールを再送信してください。",
	}
}

// NewAlreadyVerifiedError はメールアドレスが確認済みの場合のエラーを生成する。
func NewAlreadyVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyVerified,
		Message:  "メールアドレスは既に確認済みです。",
		Category: "auth",
		Action:   "そのままご利用いただけます。",
	}
}

// NewInvalidPhotoURLError はプロフィール画像URLが使用できない場合のエラーを生成する。
func NewInvalidPhotoURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPhotoURL,
		Message:  fmt.Sprintf("プロフィール画像URLが使用できません: %s", reason),
		Category: "validation",
		Action:   "公開されている https の画像URLを指定してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
