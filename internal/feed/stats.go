package feed

import "github.com/hitoshi/moody/internal/model"

// Stats はフィード画面に表示する投稿数の集計。
type Stats struct {
	Total       int `json:"total"`
	Mine        int `json:"mine"`
	Public      int `json:"public"`
	PrivateMine int `json:"privateMine"`
}

// Summarize は閲覧者から見た投稿数を集計する。
func Summarize(posts []model.Post, userID string) Stats {
	s := Stats{Total: len(posts)}
	for _, p := range posts {
		if !p.IsPrivate {
			s.Public++
		}
		if userID != "" && p.AuthorID == userID {
			s.Mine++
			if p.IsPrivate {
				s.PrivateMine++
			}
		}
	}
	return s
}
