package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/swipeledger/internal/middleware"
	"github.com/hitoshi/swipeledger/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 64 << 10

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteError(w, r, err)
}

// decodeJSON はリクエストボディをdstにデコードする。
// allowEmptyがtrueの場合、空のボディはエラーにしない。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	if err != nil {
		return model.NewValidationError("リクエストボディの解析に失敗しました").WithCause(err)
	}
	return nil
}

// accountFromRequest はRequireAccountMiddlewareを通過したリクエストからアカウントを取得する。
func accountFromRequest(r *http.Request) (model.Identity, error) {
	id, err := middleware.IdentityFromContext(r.Context())
	if err != nil || !id.IsAuthenticated() {
		return model.Identity{}, model.NewUnauthorizedError()
	}
	return id, nil
}
