package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/swipeledger/internal/model"
)

// PostgresSavedItemRepo はPostgreSQLを使用した保存済みレスポンスリポジトリ。
type PostgresSavedItemRepo struct {
	db DBProvider
}

// NewPostgresSavedItemRepo はPostgresSavedItemRepoを生成する。
func NewPostgresSavedItemRepo(db DBProvider) *PostgresSavedItemRepo {
	return &PostgresSavedItemRepo{db: db}
}

// Create は保存済みレスポンスを追加する。
func (r *PostgresSavedItemRepo) Create(ctx context.Context, item *model.SavedItem) error {
	db, err := r.db.Get()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO saved_items (id, user_id, text, context, last_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.UserID, item.Text, item.Context, item.LastMessage, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert saved item: %w", err)
	}
	return nil
}

// CountByUserID はユーザーの保存件数を返す。
func (r *PostgresSavedItemRepo) CountByUserID(ctx context.Context, userID string) (int, error) {
	db, err := r.db.Get()
	if err != nil {
		return 0, err
	}

	var count int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM saved_items WHERE user_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count saved items: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ SavedItemRepository = (*PostgresSavedItemRepo)(nil)
