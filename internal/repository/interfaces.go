// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/swipeledger/internal/model"
)

// DBProvider は*sql.DBを返す接続ホルダー。
// database.Lazyが実装し、未設定時はNOT_CONFIGUREDを返す。
type DBProvider interface {
	Get() (*sql.DB, error)
}

// UsageRepository は利用カウンタの永続化インターフェース。
// Identityの種別に応じてusersまたはanonymous_usageテーブルを操作する。
// カウンタの更新はすべて1文のUPDATEで行い、読み込み・加算・書き戻しの競合を起こさない。
type UsageRepository interface {
	// GetOrCreate はレコードを取得する。存在しない場合はゼロ値で作成して返す。
	GetOrCreate(ctx context.Context, id model.Identity) (*model.UsageRecord, error)

	// ResetIfStale はlast_resetがmidnightより前の場合のみdaily_usageを0にしlast_resetをnowにする。
	// アカウントの場合、0より大きい旧daily_usageをhistory[archiveDay]に記録する。
	// リセットを行った場合はtrueを返す。
	ResetIfStale(ctx context.Context, id model.Identity, midnight, now time.Time, archiveDay string) (bool, error)

	// Increment はdaily_usageとtotal_usageを1加算し、更新後のレコードを返す。
	// アカウントの場合はhistory[day]も1加算しlast_usedを更新する。
	// 匿名の場合はレコードが存在しなければ作成する。
	Increment(ctx context.Context, id model.Identity, now time.Time, day string) (*model.UsageRecord, error)

	// AddToAccount はアカウントのカウンタに匿名利用量を加算する。
	// アカウントが存在しない場合はNOT_FOUNDを返す。
	AddToAccount(ctx context.Context, email string, counts model.UsageCounts, now time.Time) (*model.UsageRecord, error)

	// ClearAnonymousDaily は匿名レコードのdaily_usageのみを0にする。total_usageは維持する。
	ClearAnonymousDaily(ctx context.Context, ip string, now time.Time) error

	// PruneHistory はcutoffより古い日付キーを全アカウントの履歴から削除し、更新した行数を返す。
	PruneHistory(ctx context.Context, cutoff string) (int64, error)
}

// TransactionalMerger はアカウントへの加算と匿名レコードのクリアを1トランザクションで行う。
// UsageRepositoryの実装が任意で提供する。
type TransactionalMerger interface {
	MergeAnonymous(ctx context.Context, email, ip string, counts model.UsageCounts, now time.Time) (*model.UsageRecord, error)
}

// SubscriptionRepository はサブスクリプション状態の永続化インターフェース。
type SubscriptionRepository interface {
	// FindByEmail はメールアドレスでレコードを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.SubscriptionRecord, error)

	// FindByUserID はアカウントIDでレコードを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.SubscriptionRecord, error)

	// FindByCustomerRef は決済プロバイダの顧客参照でレコードを取得する。見つからない場合はnilを返す。
	FindByCustomerRef(ctx context.Context, customerRef string) (*model.SubscriptionRecord, error)

	// Save はサブスクリプション関連カラムを上書き保存する。
	// アカウントが存在しない場合はUSER_NOT_FOUNDを返す。
	Save(ctx context.Context, rec *model.SubscriptionRecord) error
}

// UserRepository はアカウントの永続化インターフェース。
type UserRepository interface {
	// FindByEmail は指定メールアドレスのユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// EnsureByEmail は指定メールアドレスのユーザーを取得し、存在しなければ作成する。
	EnsureByEmail(ctx context.Context, email string) (*model.User, error)
}

// SavedItemRepository は保存済みレスポンスの永続化インターフェース。
type SavedItemRepository interface {
	// Create は保存済みレスポンスを追加する。
	Create(ctx context.Context, item *model.SavedItem) error

	// CountByUserID はユーザーの保存件数を返す。
	CountByUserID(ctx context.Context, userID string) (int, error)
}
