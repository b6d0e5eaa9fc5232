package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/swipeledger/internal/learning"
	"github.com/hitoshi/swipeledger/internal/model"
)

// LearningServiceInterface は学習率ハンドラーが必要とするサービスインターフェース。
type LearningServiceInterface interface {
	ForIdentity(ctx context.Context, email string) (*learning.Result, error)
	SaveItem(ctx context.Context, email, text, itemContext, lastMessage string) (*model.SavedItem, error)
}

// LearningHandler は学習率と保存済みレスポンスのHTTPハンドラー。
type LearningHandler struct {
	service LearningServiceInterface
}

// NewLearningHandler はLearningHandlerを生成する。
func NewLearningHandler(service LearningServiceInterface) *LearningHandler {
	return &LearningHandler{service: service}
}

type learningPercentageResponse struct {
	Percentage int    `json:"percentage"`
	SavedCount int    `json:"savedCount"`
	Tier       string `json:"tier"`
}

type saveItemRequest struct {
	Text        string `json:"text"`
	Context     string `json:"context"`
	LastMessage string `json:"lastMessage"`
}

type savedItemResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Percentage はアカウントの学習率を返す。
// GET /api/learning-percentage
func (h *LearningHandler) Percentage(w http.ResponseWriter, r *http.Request) {
	account, err := accountFromRequest(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	res, err := h.service.ForIdentity(r.Context(), account.Value)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, learningPercentageResponse{
		Percentage: res.Percentage,
		SavedCount: res.SavedCount,
		Tier:       string(res.Tier),
	})
}

// SaveItem は保存済みレスポンスを追加する。
// POST /api/saved-items
func (h *LearningHandler) SaveItem(w http.ResponseWriter, r *http.Request) {
	account, err := accountFromRequest(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	var req saveItemRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		handleServiceError(w, r, err)
		return
	}

	item, err := h.service.SaveItem(r.Context(), account.Value, req.Text, req.Context, req.LastMessage)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, savedItemResponse{ID: item.ID, CreatedAt: item.CreatedAt})
}
