package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/swipeledger/internal/model"
)

const subscriptionColumns = `id, email, subscription_type, subscription_status, is_trial,
	trial_started_at, trial_end_date, subscription_end_date, cancel_at_period_end,
	payment_customer_ref, subscription_updated_at`

// PostgresSubscriptionRepo はPostgreSQLを使用したサブスクリプションリポジトリ。
// サブスクリプション状態はusersテーブルの一部のカラムとして保存される。
type PostgresSubscriptionRepo struct {
	db DBProvider
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db DBProvider) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// FindByEmail はメールアドレスでレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByEmail(ctx context.Context, email string) (*model.SubscriptionRecord, error) {
	return r.findOne(ctx, `SELECT `+subscriptionColumns+` FROM users WHERE email = $1`, email)
}

// FindByUserID はアカウントIDでレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByUserID(ctx context.Context, userID string) (*model.SubscriptionRecord, error) {
	return r.findOne(ctx, `SELECT `+subscriptionColumns+` FROM users WHERE id = $1`, userID)
}

// FindByCustomerRef は決済プロバイダの顧客参照でレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByCustomerRef(ctx context.Context, customerRef string) (*model.SubscriptionRecord, error) {
	if customerRef == "" {
		return nil, nil
	}
	return r.findOne(ctx, `SELECT `+subscriptionColumns+` FROM users WHERE payment_customer_ref = $1`, customerRef)
}

// Save はサブスクリプション関連カラムを上書き保存する。
func (r *PostgresSubscriptionRepo) Save(ctx context.Context, rec *model.SubscriptionRecord) error {
	db, err := r.db.Get()
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx,
		`UPDATE users SET
			subscription_type = $2,
			subscription_status = $3,
			is_trial = $4,
			trial_started_at = $5,
			trial_end_date = $6,
			subscription_end_date = $7,
			cancel_at_period_end = $8,
			payment_customer_ref = $9,
			subscription_updated_at = $10,
			updated_at = now()
		 WHERE id = $1`,
		rec.UserID,
		string(rec.Type),
		string(rec.Status),
		rec.IsTrial,
		nullTime(rec.TrialStartedAt),
		nullTime(rec.TrialEndDate),
		nullTime(rec.SubscriptionEndDate),
		rec.CancelAtPeriodEnd,
		sql.NullString{String: rec.PaymentCustomerRef, Valid: rec.PaymentCustomerRef != ""},
		nullTime(rec.SubscriptionUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.NewUserNotFoundError()
	}
	return nil
}

func (r *PostgresSubscriptionRepo) findOne(ctx context.Context, query string, arg any) (*model.SubscriptionRecord, error) {
	db, err := r.db.Get()
	if err != nil {
		return nil, err
	}

	rec := &model.SubscriptionRecord{}
	var (
		subType, status                                   string
		trialStarted, trialEnd, subEnd, subscriptionStamp sql.NullTime
		customerRef                                       sql.NullString
	)
	err = db.QueryRowContext(ctx, query, arg).Scan(
		&rec.UserID, &rec.Email, &subType, &status, &rec.IsTrial,
		&trialStarted, &trialEnd, &subEnd, &rec.CancelAtPeriodEnd,
		&customerRef, &subscriptionStamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}

	rec.Type = model.SubscriptionType(subType)
	rec.Status = model.SubscriptionStatus(status)
	rec.TrialStartedAt = timePtr(trialStarted)
	rec.TrialEndDate = timePtr(trialEnd)
	rec.SubscriptionEndDate = timePtr(subEnd)
	rec.SubscriptionUpdatedAt = timePtr(subscriptionStamp)
	rec.PaymentCustomerRef = customerRef.String

	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
