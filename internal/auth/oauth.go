package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/moody/internal/model"
)

// userInfoの応答サイズ上限
const maxUserInfoBytes = 1 << 20

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	PictureURL     string
	Provider       string // "google", "github" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// 認可コードフローはPKCE（S256）で行う。
type OAuthProvider interface {
	// Name はプロバイダー名を返す。
	Name() string
	// AuthCodeURL は認可URLを生成する。verifierはコールバックまで保持すること。
	AuthCodeURL(state, verifier string) string
	// Exchange は認可コードをトークンに交換し、ユーザー情報を取得する。
	Exchange(ctx context.Context, code, verifier string) (*OAuthUserInfo, error)
}

// OAuthConfig はプロバイダーの設定。
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なエンドポイント
	Endpoint    *oauth2.Endpoint
	UserInfoURL string
	EmailsURL   string
}

// Registry は名前をキーにプロバイダーを保持する。
type Registry struct {
	providers map[string]OAuthProvider
}

// NewRegistry はプロバイダーを登録したRegistryを生成する。
func NewRegistry(providers ...OAuthProvider) *Registry {
	r := &Registry{providers: make(map[string]OAuthProvider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register はプロバイダーを登録する。同名のプロバイダーは置き換える。
func (r *Registry) Register(p OAuthProvider) {
	r.providers[p.Name()] = p
}

// Get はプロバイダーを取得する。未登録の場合はUNSUPPORTED_PROVIDERを返す。
func (r *Registry) Get(name string) (OAuthProvider, error) {
	if r != nil {
		if p, ok := r.providers[name]; ok {
			return p, nil
		}
	}
	return nil, model.NewUnsupportedProviderError(name)
}

// Names は登録済みのプロバイダー名を昇順で返す。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// oauth2Provider はx/oauth2による認可コードフローの共通実装。
// プロバイダーごとの違いはユーザー情報の取得方法だけ。
type oauth2Provider struct {
	name     string
	config   *oauth2.Config
	userInfo func(ctx context.Context, client *http.Client) (*OAuthUserInfo, error)
}

func (p *oauth2Provider) Name() string {
	return p.name
}

func (p *oauth2Provider) AuthCodeURL(state, verifier string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
}

func (p *oauth2Provider) Exchange(ctx context.Context, code, verifier string) (*OAuthUserInfo, error) {
	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	info, err := p.userInfo(ctx, p.config.Client(ctx, token))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	info.Provider = p.name
	return info, nil
}

func resolveEndpoint(cfg OAuthConfig, def oauth2.Endpoint) oauth2.Endpoint {
	if cfg.Endpoint != nil {
		return *cfg.Endpoint
	}
	return def
}

func newOAuth2Config(cfg OAuthConfig, endpoint oauth2.Endpoint, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

const (
	defaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	defaultGitHubUserURL     = "https://api.github.com/user"
	defaultGitHubEmailsURL   = "https://api.github.com/user/emails"
)

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// NewGoogleProvider はGoogleのOAuthProviderを生成する。
func NewGoogleProvider(cfg OAuthConfig) OAuthProvider {
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = defaultGoogleUserInfoURL
	}
	return &oauth2Provider{
		name:   model.ProviderGoogle,
		config: newOAuth2Config(cfg, resolveEndpoint(cfg, endpoints.Google), "openid", "email", "profile"),
		userInfo: func(ctx context.Context, client *http.Client) (*OAuthUserInfo, error) {
			var u googleUserInfo
			if err := getJSON(ctx, client, userInfoURL, &u); err != nil {
				return nil, err
			}
			if u.Sub == "" {
				return nil, fmt.Errorf("empty sub in user info response")
			}
			return &OAuthUserInfo{
				ProviderUserID: u.Sub,
				Email:          u.Email,
				EmailVerified:  u.EmailVerified,
				Name:           u.Name,
				PictureURL:     u.Picture,
			}, nil
		},
	}
}

// githubUser はGitHubのユーザーAPIのレスポンス。
type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// githubEmail はGitHubのメールアドレスAPIのレスポンス要素。
type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// NewGitHubProvider はGitHubのOAuthProviderを生成する。
// メールアドレスはプライマリのものを採用し、確認済みかどうかもGitHubの応答に従う。
func NewGitHubProvider(cfg OAuthConfig) OAuthProvider {
	userURL := cfg.UserInfoURL
	if userURL == "" {
		userURL = defaultGitHubUserURL
	}
	emailsURL := cfg.EmailsURL
	if emailsURL == "" {
		emailsURL = defaultGitHubEmailsURL
	}
	return &oauth2Provider{
		name:   model.ProviderGitHub,
		config: newOAuth2Config(cfg, resolveEndpoint(cfg, endpoints.GitHub), "read:user", "user:email"),
		userInfo: func(ctx context.Context, client *http.Client) (*OAuthUserInfo, error) {
			var u githubUser
			if err := getJSON(ctx, client, userURL, &u); err != nil {
				return nil, err
			}
			if u.ID == 0 {
				return nil, fmt.Errorf("empty id in user response")
			}
			info := &OAuthUserInfo{
				ProviderUserID: strconv.FormatInt(u.ID, 10),
				Name:           u.Name,
				PictureURL:     u.AvatarURL,
			}
			if info.Name == "" {
				info.Name = u.Login
			}

			var emails []githubEmail
			if err := getJSON(ctx, client, emailsURL, &emails); err != nil {
				return nil, err
			}
			for _, e := range emails {
				if e.Primary {
					info.Email = e.Email
					info.EmailVerified = e.Verified
					break
				}
			}
			return info, nil
		},
	}
}

// getJSON はGETリクエストの応答をJSONとしてデコードする。
func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

var _ OAuthProvider = (*oauth2Provider)(nil)
