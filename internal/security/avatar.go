package security

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// ErrNotImage はURLの指す先が画像ではない場合のエラー。
var ErrNotImage = errors.New("url does not point to an image")

// AvatarChecker はプロフィール画像URLを検証する。
// clientがnilの場合は静的検証だけを行い、リモートへの到達確認はしない。
type AvatarChecker struct {
	guard  SSRFGuardService
	client *http.Client
}

// NewAvatarChecker はAvatarCheckerを生成する。
// clientにはguard.NewSafeClientで生成したクライアントを渡すこと。
func NewAvatarChecker(guard SSRFGuardService, client *http.Client) *AvatarChecker {
	return &AvatarChecker{guard: guard, client: client}
}

// Check はURLを検証する。到達確認が有効な場合はHEADリクエストで
// 2xx応答とimage/*のContent-Typeを確認する。
func (c *AvatarChecker) Check(ctx context.Context, rawURL string) error {
	if err := c.guard.ValidateURL(rawURL); err != nil {
		return err
	}
	if c.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch avatar: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch avatar: unexpected status %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return ErrNotImage
	}
	return nil
}
