package model

import "time"

// User はメールアドレスで識別されるアカウントを表す。
// 利用量とサブスクリプション情報は同じusersテーブルの行に保存される。
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
