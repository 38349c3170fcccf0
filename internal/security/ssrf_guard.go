// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService はSSRF防止機能のインターフェースを定義する。
// プロフィール画像URLの登録時に、静的検証と到達確認の両方で使用される。
type SSRFGuardService interface {
	// NewSafeClient はプライベートIPやメタデータIPへの接続を拒否するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を伴わない静的検証を行い、保存してよいURLかを返す。
	ValidateURL(rawURL string) error
}

// maxURLLength は保存を許可するURLの最大長。
const maxURLLength = 2048

// URL検証のエラー。ハンドラーはいずれも入力不正として扱う。
var (
	ErrEmptyURL       = errors.New("empty URL")
	ErrURLTooLong     = errors.New("URL too long")
	ErrDisallowedURL  = errors.New("disallowed URL")
	ErrBlockedAddress = errors.New("blocked address")
)

var allowedSchemes = []string{"http", "https"}

// blockedPrefixes は接続を許可しないアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),      // カレントネットワーク
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC 1918
	netip.MustParsePrefix("100.64.0.0/10"),  // CGNAT
	netip.MustParsePrefix("127.0.0.0/8"),    // ループバック
	netip.MustParsePrefix("169.254.0.0/16"), // リンクローカル（メタデータIPを含む）
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC 1918
	netip.MustParsePrefix("192.168.0.0/16"), // RFC 1918
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// blockedHostSuffixes は内部向けの名前解決に使われるホスト名。
var blockedHostSuffixes = []string{".localhost", ".local", ".internal"}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct{}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{}
}

// NewSafeClient はアバター確認用のHTTPクライアントを生成する。
// safeurlはDialerのControlフックで解決後のIPを検証するため、DNS再バインディングも防げる。
// リダイレクト先も同じ検証を通る。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はプロフィール画像URLを保存前に検証する。
// 解決後のIPはNewSafeClient側で検証するため、ここではホスト名を解決しない。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return ErrEmptyURL
	}
	if len(rawURL) > maxURLLength {
		return ErrURLTooLong
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisallowedURL, err)
	}
	if !isAllowedScheme(parsed.Scheme) {
		return fmt.Errorf("%w: scheme %q", ErrDisallowedURL, parsed.Scheme)
	}
	// 認証情報を含むURLは公開プロフィールに載せない
	if parsed.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrDisallowedURL)
	}

	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrDisallowedURL)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
		}
		return nil
	}
	if isBlockedHostname(host) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedAddr はアドレスがブロック対象の範囲に含まれるかを返す。
// IPv4射影アドレス（::ffff:127.0.0.1）はIPv4として判定する。
func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if addr.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	if host == "localhost" {
		return true
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
