package model

import "time"

// SavedItem はユーザーが保存したレスポンスを表す。追記のみで更新・削除はしない。
type SavedItem struct {
	ID          string
	UserID      string
	Text        string
	Context     string
	LastMessage string
	CreatedAt   time.Time
}
