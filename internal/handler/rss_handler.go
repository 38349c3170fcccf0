package handler

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/moody/internal/model"
)

// PublicPostLister は公開投稿の一覧を返す。*post.Service が満たす。
type PublicPostLister interface {
	ListPublic(ctx context.Context, limit int) ([]model.Post, error)
}

// RSSHandler は公開投稿をRSS 2.0で配信する。
type RSSHandler struct {
	lister  PublicPostLister
	baseURL string
	limit   int
}

// NewRSSHandler はRSSHandlerを生成する。limitが0以下なら20件。
func NewRSSHandler(lister PublicPostLister, baseURL string, limit int) *RSSHandler {
	if limit <= 0 {
		limit = 20
	}
	return &RSSHandler{lister: lister, baseURL: baseURL, limit: limit}
}

type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	LastBuildDate string    `xml:"lastBuildDate,omitempty"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string  `xml:"title"`
	Description string  `xml:"description"`
	Author      string  `xml:"author,omitempty"`
	Category    string  `xml:"category,omitempty"`
	GUID        rssGUID `xml:"guid"`
	PubDate     string  `xml:"pubDate,omitempty"`
}

type rssGUID struct {
	IsPermaLink bool   `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// PublicFeed は新しい公開投稿をRSSで返す。
// GET /feeds/public.rss
func (h *RSSHandler) PublicFeed(w http.ResponseWriter, r *http.Request) {
	posts, err := h.lister.ListPublic(r.Context(), h.limit)
	if err != nil {
		slog.Error("failed to list public posts", slog.String("error", err.Error()))
		http.Error(w, "failed to build feed", http.StatusInternalServerError)
		return
	}

	doc := rssDocument{
		Version: "2.0",
		Channel: rssChannel{
			Title:       "moody - public moods",
			Link:        h.baseURL + "/moody",
			Description: "みんなの公開ムード投稿",
			Items:       make([]rssItem, 0, len(posts)),
		},
	}
	var latest time.Time
	for _, p := range posts {
		item := rssItem{
			Title:       string(p.Mood) + " " + p.Title,
			Description: p.Content,
			Author:      p.Author,
			Category:    string(p.Mood),
			GUID:        rssGUID{Value: "moody:post:" + p.ID},
		}
		if !p.CreatedAt.IsZero() {
			item.PubDate = p.CreatedAt.UTC().Format(time.RFC1123Z)
			if p.CreatedAt.After(latest) {
				latest = p.CreatedAt
			}
		}
		doc.Channel.Items = append(doc.Channel.Items, item)
	}
	if !latest.IsZero() {
		doc.Channel.LastBuildDate = latest.UTC().Format(time.RFC1123Z)
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		slog.Error("failed to encode rss", slog.String("error", err.Error()))
	}
}
