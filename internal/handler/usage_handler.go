package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/swipeledger/internal/merge"
	"github.com/hitoshi/swipeledger/internal/middleware"
	"github.com/hitoshi/swipeledger/internal/model"
	"github.com/hitoshi/swipeledger/internal/usage"
)

// UsageServiceInterface は利用状況ハンドラーが必要とするサービスインターフェース。
type UsageServiceInterface interface {
	// Status はリセット判定を行ってから現在の利用状況を返す。
	Status(ctx context.Context, id model.Identity) (*usage.Status, error)
	// Increment は上限判定を行い、許可された場合のみカウンタを加算する。
	Increment(ctx context.Context, id model.Identity) (*usage.IncrementResult, error)
}

// MergeServiceInterface は匿名利用量の引き継ぎを行うサービスインターフェース。
type MergeServiceInterface interface {
	Merge(ctx context.Context, req merge.Request) (*model.UsageRecord, error)
}

// UsageHandler は利用状況のHTTPハンドラー。
type UsageHandler struct {
	usage  UsageServiceInterface
	merger MergeServiceInterface
}

// NewUsageHandler はUsageHandlerを生成する。
func NewUsageHandler(usage UsageServiceInterface, merger MergeServiceInterface) *UsageHandler {
	return &UsageHandler{
		usage:  usage,
		merger: merger,
	}
}

// usageStatusResponse は利用状況のAPIレスポンス。
type usageStatusResponse struct {
	DailySwipes int  `json:"dailySwipes"`
	TotalSwipes int  `json:"totalSwipes"`
	IsPremium   bool `json:"isPremium"`
	IsTrial     bool `json:"isTrial"`
	WasReset    bool `json:"wasReset"`
}

// limitDecisionResponse は利用加算のAPIレスポンス。
type limitDecisionResponse struct {
	CanSwipe        bool   `json:"canSwipe"`
	IsPremium       bool   `json:"isPremium"`
	IsTrial         bool   `json:"isTrial"`
	DailySwipes     int    `json:"dailySwipes"`
	TotalSwipes     int    `json:"totalSwipes"`
	RequiresUpgrade bool   `json:"requiresUpgrade"`
	RequiresSignIn  bool   `json:"requiresSignIn"`
	Charged         bool   `json:"charged"`
	Reason          string `json:"reason,omitempty"`
}

// mergeRequest は引き継ぎリクエストのボディ。
// 両方のフィールドがある場合のみクライアント申告値として扱う。
type mergeRequest struct {
	DailyUsage *int `json:"dailyUsage"`
	TotalUsage *int `json:"totalUsage"`
}

// usageRecordResponse は利用カウンタのAPIレスポンス。
type usageRecordResponse struct {
	DailyUsage        int            `json:"dailyUsage"`
	TotalUsage        int            `json:"totalUsage"`
	LastUsed          *time.Time     `json:"lastUsed,omitempty"`
	LastReset         time.Time      `json:"lastReset"`
	DailyUsageHistory map[string]int `json:"dailyUsageHistory"`
}

// Status は呼び出し元の利用状況を返す。
// GET /api/usage
func (h *UsageHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		handleServiceError(w, r, model.NewUnauthorizedError())
		return
	}

	st, err := h.usage.Status(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, usageStatusResponse{
		DailySwipes: st.DailySwipes,
		TotalSwipes: st.TotalSwipes,
		IsPremium:   st.IsPremium,
		IsTrial:     st.IsTrial,
		WasReset:    st.WasReset,
	})
}

// Increment は利用を1回記録し、判定結果を返す。
// 上限に達している場合も200で返し、canSwipe=falseとcharged=falseで通知する。
// POST /api/usage/increment
func (h *UsageHandler) Increment(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		handleServiceError(w, r, model.NewUnauthorizedError())
		return
	}

	res, err := h.usage.Increment(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	d := res.Decision
	writeJSON(w, http.StatusOK, limitDecisionResponse{
		CanSwipe:        d.CanSwipe,
		IsPremium:       d.IsPremium,
		IsTrial:         d.IsTrial,
		DailySwipes:     d.DailySwipes,
		TotalSwipes:     res.TotalSwipes,
		RequiresUpgrade: d.RequiresUpgrade,
		RequiresSignIn:  d.RequiresSignIn,
		Charged:         res.Charged,
		Reason:          d.DenyReason(),
	})
}

// Merge は接続元アドレスの匿名利用量をアカウントに引き継ぐ。
// POST /api/usage/merge
func (h *UsageHandler) Merge(w http.ResponseWriter, r *http.Request) {
	account, err := accountFromRequest(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	var body mergeRequest
	if err := decodeJSON(w, r, &body, true); err != nil {
		handleServiceError(w, r, err)
		return
	}

	req := merge.Request{
		Account:   account,
		Anonymous: middleware.ClientAddressFromContext(r.Context()),
	}
	if body.DailyUsage != nil && body.TotalUsage != nil {
		req.Declared = &model.UsageCounts{
			DailyUsage: *body.DailyUsage,
			TotalUsage: *body.TotalUsage,
		}
	}

	rec, err := h.merger.Merge(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	history := map[string]int(rec.History)
	if history == nil {
		history = map[string]int{}
	}
	writeJSON(w, http.StatusOK, usageRecordResponse{
		DailyUsage:        rec.DailyUsage,
		TotalUsage:        rec.TotalUsage,
		LastUsed:          rec.LastUsed,
		LastReset:         rec.LastReset,
		DailyUsageHistory: history,
	})
}
