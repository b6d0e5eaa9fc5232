// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, usage, billing, system
	Action   string // ユーザー向け対処方法

	cause error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// WithCause は原因エラーを保持したコピーを返す。
func (e *APIError) WithCause(err error) *APIError {
	cp := *e
	cp.cause = err
	return &cp
}

// WrapUpstream はAPIError以外のエラーをUPSTREAM_FAILUREに変換する。
// APIErrorはそのまま返し、nilはnilを返す。
func WrapUpstream(upstream string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return NewUpstreamFailureError(upstream).WithCause(err)
}

// 定義済みエラーコード
const (
	ErrCodeNotConfigured        = "NOT_CONFIGURED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeUpstreamFailure      = "UPSTREAM_FAILURE"
	ErrCodeTrialAlreadyUsed     = "TRIAL_ALREADY_USED"
	ErrCodeNoActiveSubscription = "NO_ACTIVE_SUBSCRIPTION"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidSignature     = "INVALID_SIGNATURE"
)

// NewNotConfiguredError は必須の接続情報が未設定の場合のエラーを生成する。
// componentには "database" や "billing" などの未設定コンポーネント名を渡す。
func NewNotConfiguredError(component string) *APIError {
	return &APIError{
		Code:     ErrCodeNotConfigured,
		Message:  fmt.Sprintf("%s が設定されていません。", component),
		Category: "system",
		Action:   "管理者に連絡してください。",
	}
}

// NewNotFoundError は対象リソースが見つからない場合のエラーを生成する。
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("指定された%sが見つかりません。", resource),
		Category: "validation",
		Action:   "指定内容を確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewValidationError は入力値が不正な場合のエラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUpstreamFailureError はストアや決済プロバイダの呼び出しが失敗・タイムアウトした場合のエラーを生成する。
func NewUpstreamFailureError(upstream string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailure,
		Message:  fmt.Sprintf("%s の呼び出しに失敗しました。", upstream),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewTrialAlreadyUsedError は無料トライアルを既に利用済みの場合のエラーを生成する。
func NewTrialAlreadyUsedError() *APIError {
	return &APIError{
		Code:     ErrCodeTrialAlreadyUsed,
		Message:  "無料トライアルは既に利用済みです。",
		Category: "billing",
		Action:   "トライアルは1アカウントにつき1回のみ利用できます。",
	}
}

// NewNoActiveSubscriptionError は解約対象のサブスクリプションが存在しない場合のエラーを生成する。
func NewNoActiveSubscriptionError() *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveSubscription,
		Message:  "有効なサブスクリプションがありません。",
		Category: "billing",
		Action:   "サブスクリプションの状態を確認してください。",
	}
}

// NewUnauthorizedError はアカウント認証が必要な操作を匿名で呼び出した場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidSignatureError はWebhook署名の検証に失敗した場合のエラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "Webhook署名の検証に失敗しました。",
		Category: "billing",
		Action:   "Webhookシークレットの設定を確認してください。",
	}
}
