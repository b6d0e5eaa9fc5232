package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/swipeledger/internal/model"
)

const accountUsageColumns = `id, email, daily_usage, total_usage, last_used, last_reset, daily_usage_history`

const anonymousUsageColumns = `ip_address, daily_usage, total_usage, last_reset`

// PostgresUsageRepo はPostgreSQLを使用した利用カウンタリポジトリ。
type PostgresUsageRepo struct {
	db DBProvider
}

// NewPostgresUsageRepo はPostgresUsageRepoを生成する。
func NewPostgresUsageRepo(db DBProvider) *PostgresUsageRepo {
	return &PostgresUsageRepo{db: db}
}

// GetOrCreate はレコードを取得する。存在しない場合はゼロ値で作成して返す。
// ON CONFLICT DO UPDATEの空更新によって既存行でもRETURNINGが行を返す。
func (r *PostgresUsageRepo) GetOrCreate(ctx context.Context, id model.Identity) (*model.UsageRecord, error) {
	db, err := r.db.Get()
	if err != nil {
		return nil, err
	}

	switch id.Kind {
	case model.IdentityKindEmail:
		row := db.QueryRowContext(ctx,
			`INSERT INTO users (id, email) VALUES ($1, $2)
			 ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
			 RETURNING `+accountUsageColumns,
			uuid.NewString(), id.Value,
		)
		rec, err := scanAccountUsage(row)
		if err != nil {
			return nil, fmt.Errorf("failed to get or create account usage: %w", err)
		}
		return rec, nil

	case model.IdentityKindIPAddress:
		row := db.QueryRowContext(ctx,
			`INSERT INTO anonymous_usage (ip_address) VALUES ($1)
			 ON CONFLICT (ip_address) DO UPDATE SET ip_address = EXCLUDED.ip_address
			 RETURNING `+anonymousUsageColumns,
			id.Value,
		)
		rec, err := scanAnonymousUsage(row)
		if err != nil {
			return nil, fmt.Errorf("failed to get or create anonymous usage: %w", err)
		}
		return rec, nil
	}

	return nil, unknownKindError(id)
}

// ResetIfStale はlast_resetがmidnightより前の場合のみリセットする。
// 条件付きUPDATEの1文で行うため、並行リクエストでも二重にアーカイブされない。
// アーカイブ先に既に値がある場合は大きい方を残す（当日分はIncrementで加算済みのため）。
func (r *PostgresUsageRepo) ResetIfStale(ctx context.Context, id model.Identity, midnight, now time.Time, archiveDay string) (bool, error) {
	db, err := r.db.Get()
	if err != nil {
		return false, err
	}

	var result sql.Result
	switch id.Kind {
	case model.IdentityKindEmail:
		result, err = db.ExecContext(ctx,
			`UPDATE users SET
				daily_usage_history = CASE
					WHEN daily_usage > 0 THEN jsonb_set(
						daily_usage_history,
						ARRAY[$4::text],
						to_jsonb(GREATEST(COALESCE((daily_usage_history->>$4)::int, 0), daily_usage))
					)
					ELSE daily_usage_history
				END,
				daily_usage = 0,
				last_reset = $3,
				updated_at = $3
			 WHERE email = $1 AND last_reset < $2`,
			id.Value, midnight, now, archiveDay,
		)
	case model.IdentityKindIPAddress:
		result, err = db.ExecContext(ctx,
			`UPDATE anonymous_usage SET daily_usage = 0, last_reset = $3, updated_at = $3
			 WHERE ip_address = $1 AND last_reset < $2`,
			id.Value, midnight, now,
		)
	default:
		return false, unknownKindError(id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to reset daily usage: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Increment はカウンタを1加算し、更新後のレコードを返す。
func (r *PostgresUsageRepo) Increment(ctx context.Context, id model.Identity, now time.Time, day string) (*model.UsageRecord, error) {
	db, err := r.db.Get()
	if err != nil {
		return nil, err
	}

	switch id.Kind {
	case model.IdentityKindEmail:
		row := db.QueryRowContext(ctx,
			`UPDATE users SET
				daily_usage = daily_usage + 1,
				total_usage = total_usage + 1,
				last_used = $2,
				daily_usage_history = jsonb_set(
					daily_usage_history,
					ARRAY[$3::text],
					to_jsonb(COALESCE((daily_usage_history->>$3)::int, 0) + 1)
				),
				updated_at = $2
			 WHERE email = $1
			 RETURNING `+accountUsageColumns,
			id.Value, now, day,
		)
		rec, err := scanAccountUsage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewUserNotFoundError()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to increment account usage: %w", err)
		}
		return rec, nil

	case model.IdentityKindIPAddress:
		row := db.QueryRowContext(ctx,
			`INSERT INTO anonymous_usage (ip_address, daily_usage, total_usage, last_reset, updated_at)
			 VALUES ($1, 1, 1, $2, $2)
			 ON CONFLICT (ip_address) DO UPDATE SET
				daily_usage = anonymous_usage.daily_usage + 1,
				total_usage = anonymous_usage.total_usage + 1,
				updated_at = EXCLUDED.updated_at
			 RETURNING `+anonymousUsageColumns,
			id.Value, now,
		)
		rec, err := scanAnonymousUsage(row)
		if err != nil {
			return nil, fmt.Errorf("failed to increment anonymous usage: %w", err)
		}
		return rec, nil
	}

	return nil, unknownKindError(id)
}

// AddToAccount はアカウントのカウンタに匿名利用量を加算する。
func (r *PostgresUsageRepo) AddToAccount(ctx context.Context, email string, counts model.UsageCounts, now time.Time) (*model.UsageRecord, error) {
	db, err := r.db.Get()
	if err != nil {
		return nil, err
	}
	return addToAccount(ctx, db, email, counts, now)
}

// ClearAnonymousDaily は匿名レコードのdaily_usageのみを0にする。
// レコードが存在しない場合は何もしない。
func (r *PostgresUsageRepo) ClearAnonymousDaily(ctx context.Context, ip string, now time.Time) error {
	db, err := r.db.Get()
	if err != nil {
		return err
	}
	return clearAnonymousDaily(ctx, db, ip, now)
}

// MergeAnonymous はアカウントへの加算と匿名レコードのクリアを1トランザクションで行う。
func (r *PostgresUsageRepo) MergeAnonymous(ctx context.Context, email, ip string, counts model.UsageCounts, now time.Time) (*model.UsageRecord, error) {
	db, err := r.db.Get()
	if err != nil {
		return nil, err
	}

	var merged *model.UsageRecord
	err = withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		rec, err := addToAccount(ctx, tx, email, counts, now)
		if err != nil {
			return err
		}
		if err := clearAnonymousDaily(ctx, tx, ip, now); err != nil {
			return err
		}
		merged = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// PruneHistory はcutoffより古い日付キーを全アカウントの履歴から削除する。
func (r *PostgresUsageRepo) PruneHistory(ctx context.Context, cutoff string) (int64, error) {
	db, err := r.db.Get()
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx,
		`UPDATE users SET daily_usage_history = COALESCE(
			(SELECT jsonb_object_agg(key, value) FROM jsonb_each(daily_usage_history) WHERE key >= $1),
			'{}'::jsonb
		 )
		 WHERE EXISTS (SELECT 1 FROM jsonb_object_keys(daily_usage_history) AS k WHERE k < $1)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func addToAccount(ctx context.Context, q DBTX, email string, counts model.UsageCounts, now time.Time) (*model.UsageRecord, error) {
	row := q.QueryRowContext(ctx,
		`UPDATE users SET
			daily_usage = daily_usage + $2,
			total_usage = total_usage + $3,
			updated_at = $4
		 WHERE email = $1
		 RETURNING `+accountUsageColumns,
		email, counts.DailyUsage, counts.TotalUsage, now,
	)
	rec, err := scanAccountUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewUserNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add usage to account: %w", err)
	}
	return rec, nil
}

func clearAnonymousDaily(ctx context.Context, q DBTX, ip string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE anonymous_usage SET daily_usage = 0, updated_at = $2 WHERE ip_address = $1`,
		ip, now,
	)
	if err != nil {
		return fmt.Errorf("failed to clear anonymous daily usage: %w", err)
	}
	return nil
}

func scanAccountUsage(row *sql.Row) (*model.UsageRecord, error) {
	rec := &model.UsageRecord{}
	var (
		email    string
		lastUsed sql.NullTime
	)
	err := row.Scan(
		&rec.UserID, &email, &rec.DailyUsage, &rec.TotalUsage,
		&lastUsed, &rec.LastReset, &rec.History,
	)
	if err != nil {
		return nil, err
	}
	rec.Identity = model.Identity{Kind: model.IdentityKindEmail, Value: email}
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsed = &t
	}
	return rec, nil
}

func scanAnonymousUsage(row *sql.Row) (*model.UsageRecord, error) {
	rec := &model.UsageRecord{}
	var ip string
	if err := row.Scan(&ip, &rec.DailyUsage, &rec.TotalUsage, &rec.LastReset); err != nil {
		return nil, err
	}
	rec.Identity = model.Identity{Kind: model.IdentityKindIPAddress, Value: ip}
	return rec, nil
}

func unknownKindError(id model.Identity) error {
	return model.NewValidationError(fmt.Sprintf("未知のIdentity種別です: %q", id.Kind))
}

// compile-time interface check
var (
	_ UsageRepository     = (*PostgresUsageRepo)(nil)
	_ TransactionalMerger = (*PostgresUsageRepo)(nil)
)
