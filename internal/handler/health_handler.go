package handler

import (
	"net/http"

	"github.com/hitoshi/calrelay/internal/middleware"
)

// ReadinessChecker は起動処理が完了しているかを返す。
type ReadinessChecker interface {
	Ready() bool
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	readiness ReadinessChecker
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(readiness ReadinessChecker) *HealthHandler {
	return &HealthHandler{readiness: readiness}
}

// Health は起動処理の完了後に200を返し、それまでは503を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.readiness.Ready() {
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
