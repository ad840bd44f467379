package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/calrelay/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// Reportは管理APIが失敗時点までの処理結果を添える場合のみ設定する。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Report   any    `json:"report,omitempty"`
}

// WriteJSON はvをJSONとして書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse はAPIErrorを統一フォーマットで書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteErrorWithReport(w, statusCode, apiErr, nil)
}

// WriteErrorWithReport はAPIErrorに処理結果を添えて書き込む。
// 503の場合はプロバイダーと監視の再試行間隔の目安としてRetry-Afterを付ける。
func WriteErrorWithReport(w http.ResponseWriter, statusCode int, apiErr *model.APIError, report any) {
	if statusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	WriteJSON(w, statusCode, ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
		Report:   report,
	})
}

// WriteInternalServerError は詳細を伏せた500レスポンスを書き込む。詳細はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
