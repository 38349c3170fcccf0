package handler

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/hitoshi/moody/internal/middleware"
	"github.com/hitoshi/moody/internal/model"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

// ページテンプレートのファイル名
const (
	pageIndex         = "index.html"
	pageLogin         = "login.html"
	pageMoody         = "moody.html"
	pageEmailVerified = "email_verified.html"
)

// PageServiceInterface は画面描画に必要な認証サービスのインターフェース。
type PageServiceInterface interface {
	Resolve(ctx context.Context, sessionID string) (*model.User, error)
	VerifyEmail(ctx context.Context, token string) (*model.User, error)
	Providers() []string
}

// pageData はテンプレートに渡す値。
type pageData struct {
	Title       string
	CSRFToken   string
	User        *userResponse
	Providers   []string
	Moods       []model.MoodOption
	DefaultMood model.Mood
	Error       string
	Verified    bool
}

// PageHandler はナビゲーション用のHTMLページを返す。
type PageHandler struct {
	service PageServiceInterface
	csrf    middleware.CSRFConfig
	pages   map[string]*template.Template
}

// NewPageHandler はテンプレートを読み込んでPageHandlerを生成する。
func NewPageHandler(service PageServiceInterface, csrf middleware.CSRFConfig) (*PageHandler, error) {
	pages := make(map[string]*template.Template)
	for _, name := range []string{pageIndex, pageLogin, pageMoody, pageEmailVerified} {
		// ページごとにbaseと組み合わせて個別に解析し、ブロック定義の衝突を避ける
		tmpl, err := template.ParseFS(templatesFS, "templates/base.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[name] = tmpl
	}
	return &PageHandler{service: service, csrf: csrf, pages: pages}, nil
}

// StaticHandler は埋め込み済みの静的ファイルを/static/以下で配信する。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// Index はトップページ。
// GET /
func (h *PageHandler) Index(w http.ResponseWriter, r *http.Request) {
	data := h.baseData(w, r, "moody")
	h.render(w, pageIndex, data)
}

// Login は認証とプロフィール編集の画面。
// GET /login
func (h *PageHandler) Login(w http.ResponseWriter, r *http.Request) {
	data := h.baseData(w, r, "ログイン")
	data.Providers = h.service.Providers()
	if r.URL.Query().Get("error") == "email_in_use" {
		data.Error = model.NewEmailInUseError().Message
	}
	h.render(w, pageLogin, data)
}

// Moody はライブフィード画面。ログインが必要。
// GET /moody
func (h *PageHandler) Moody(w http.ResponseWriter, r *http.Request) {
	data := h.baseData(w, r, "フィード")
	if data.User == nil {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	data.Moods = model.Moods()
	data.DefaultMood = model.DefaultMood
	h.render(w, pageMoody, data)
}

// EmailVerified は確認メールのリンク先。トークンを検証して結果を表示する。
// GET /email-verified?token=xxx
func (h *PageHandler) EmailVerified(w http.ResponseWriter, r *http.Request) {
	data := h.baseData(w, r, "メールアドレスの確認")
	token := r.URL.Query().Get("token")

	status := http.StatusOK
	user, err := h.service.VerifyEmail(r.Context(), token)
	switch {
	case err == nil:
		data.Verified = true
		if data.User != nil && data.User.ID == user.ID {
			res := toUserResponse(user)
			data.User = &res
		}
	case model.HasCode(err, model.ErrCodeAlreadyVerified):
		data.Verified = true
	default:
		var msg string
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.Message
			status = mapAPIErrorToHTTPStatus(apiErr)
		} else {
			slog.Error("email verification failed", slog.String("error", err.Error()))
			msg = "確認に失敗しました。時間をおいて再度お試しください。"
			status = http.StatusInternalServerError
		}
		data.Error = msg
	}
	h.renderStatus(w, status, pageEmailVerified, data)
}

// baseData は全ページ共通の値を組み立てる。
func (h *PageHandler) baseData(w http.ResponseWriter, r *http.Request, title string) pageData {
	data := pageData{
		Title:     title,
		CSRFToken: middleware.CSRFToken(w, r, h.csrf),
	}
	if sessionID := middleware.SessionIDFromContext(r.Context()); sessionID != "" {
		user, err := h.service.Resolve(r.Context(), sessionID)
		if err != nil {
			slog.Error("failed to resolve session user", slog.String("error", err.Error()))
		} else if user != nil {
			res := toUserResponse(user)
			data.User = &res
		}
	}
	return data
}

func (h *PageHandler) render(w http.ResponseWriter, name string, data pageData) {
	h.renderStatus(w, http.StatusOK, name, data)
}

// renderStatus はバッファに描画してから書き込む。描画に失敗した場合は500を返す。
func (h *PageHandler) renderStatus(w http.ResponseWriter, status int, name string, data pageData) {
	tmpl, ok := h.pages[name]
	if !ok {
		slog.Error("template not found", slog.String("template", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
		slog.Error("failed to render template",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
