package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/calrelay/internal/channel"
	"github.com/hitoshi/calrelay/internal/mapping"
	"github.com/hitoshi/calrelay/internal/middleware"
	"github.com/hitoshi/calrelay/internal/model"
	"github.com/hitoshi/calrelay/internal/worker/reconcile"
)

// Refresher はマッピングの再読み込みとチャンネル調整を即時実行する。
type Refresher interface {
	RunOnce(ctx context.Context) (reconcile.Report, error)
}

// ChannelLister は追跡中の全カレンダーの状態を返す。
type ChannelLister interface {
	Channels() []channel.Status
}

// AdminHandler は運用者向け管理APIのHTTPハンドラー。
type AdminHandler struct {
	refresher Refresher
	channels  ChannelLister
	logger    *slog.Logger
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(refresher Refresher, channels ChannelLister, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{refresher: refresher, channels: channels, logger: logger}
}

// Refresh はマッピングを再読み込みしてチャンネルを調整する。
// POST /admin/refresh
//
// マッピングの取得に失敗した場合は502を返す。前回のスナップショットでの調整結果も含める。
func (h *AdminHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	report, err := h.refresher.RunOnce(r.Context())
	if err != nil {
		h.logger.Warn("管理APIからの再読み込みに失敗しました", slog.String("error", err.Error()))

		var fe *mapping.FetchError
		if errors.As(err, &fe) {
			middleware.WriteErrorWithReport(w, http.StatusBadGateway,
				model.NewRefreshFailedError(fe.Err.Error()), report)
			return
		}
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, report)
}

// ListChannels は追跡中の全カレンダーの状態を返す。
// GET /admin/channels
func (h *AdminHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels := h.channels.Channels()
	degraded := 0
	for _, c := range channels {
		if c.Degraded {
			degraded++
		}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"total":    len(channels),
		"degraded": degraded,
	})
}
