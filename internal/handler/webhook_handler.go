package handler

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/calrelay/internal/metrics"
	"github.com/hitoshi/calrelay/internal/middleware"
	"github.com/hitoshi/calrelay/internal/model"
	"github.com/hitoshi/calrelay/internal/relay"
)

// プッシュ通知のヘッダー名。
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerMessageNumber = "X-Goog-Message-Number"
	headerResourceURI   = "X-Goog-Resource-URI"
	headerChannelToken  = "X-Goog-Channel-Token"
)

// NotificationHandler は通知1件を処理するインターフェース。
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n model.Notification) (relay.Result, error)
}

// WebhookHandlerConfig はWebhookHandlerの設定。
type WebhookHandlerConfig struct {
	Token   string        // 空でなければX-Goog-Channel-Tokenと照合する
	Timeout time.Duration // 通知1件の処理時間の上限。デフォルト20秒

	// Readiness が未完了を返す間は503で応答し、起動後に再送させる。nilの場合は常に受け付ける。
	Readiness ReadinessChecker
}

// webhookResponse はプッシュ通知への応答ボディ。
type webhookResponse struct {
	Outcome         string `json:"outcome"`
	FanoutSucceeded int    `json:"fanout_succeeded"`
	FanoutFailed    int    `json:"fanout_failed"`
}

// WebhookHandler はプロバイダーからのプッシュ通知を受け付けるHTTPハンドラー。
type WebhookHandler struct {
	notifications NotificationHandler
	cfg           WebhookHandlerConfig
	metrics       metrics.Recorder
	logger        *slog.Logger
	now           func() time.Time
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(notifications NotificationHandler, cfg WebhookHandlerConfig, recorder metrics.Recorder, logger *slog.Logger) *WebhookHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &WebhookHandler{
		notifications: notifications,
		cfg:           cfg,
		metrics:       recorder,
		logger:        logger,
		now:           time.Now,
	}
}

// HandleNotification はプッシュ通知を処理する。
// POST /webhook/calendar
//
// 重複や未知のチャンネルなど破棄した通知も200で応答する。
// 再送で回復しうる失敗のみ503で応答し、プロバイダーに再送させる。
func (h *WebhookHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	defer func() { h.metrics.ObserveWebhookLatency(h.now().Sub(start)) }()

	n := model.Notification{
		ChannelID:     r.Header.Get(headerChannelID),
		ResourceID:    r.Header.Get(headerResourceID),
		StateToken:    r.Header.Get(headerMessageNumber),
		ResourceState: r.Header.Get(headerResourceState),
		ResourceURI:   r.Header.Get(headerResourceURI),
		ChannelToken:  r.Header.Get(headerChannelToken),
		ReceivedAt:    start,
	}

	switch {
	case n.ChannelID == "":
		h.metrics.RecordNotification("invalid")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidNotificationError(headerChannelID))
		return
	case n.ResourceID == "":
		h.metrics.RecordNotification("invalid")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidNotificationError(headerResourceID))
		return
	}

	if h.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(n.ChannelToken), []byte(h.cfg.Token)) != 1 {
		h.logger.Warn("チャンネルトークンが一致しないため通知を破棄しました",
			slog.String("channel_id", n.ChannelID),
		)
		h.metrics.RecordNotification("token_mismatch")
		middleware.WriteJSON(w, http.StatusOK, webhookResponse{Outcome: "token_mismatch"})
		return
	}

	if n.ResourceState == model.ResourceStateSync {
		h.logger.Info("チャンネルのハンドシェイク通知を受信しました",
			slog.String("channel_id", n.ChannelID),
			slog.String("resource_id", n.ResourceID),
		)
		h.metrics.RecordNotification("sync")
		middleware.WriteJSON(w, http.StatusOK, webhookResponse{Outcome: "sync"})
		return
	}

	if h.cfg.Readiness != nil && !h.cfg.Readiness.Ready() {
		h.metrics.RecordNotification("not_ready")
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewTransientFailureError())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()

	res, err := h.notifications.HandleNotification(ctx, n)
	if err != nil {
		h.logger.Error("通知を処理できませんでした。再送を要求します",
			slog.String("channel_id", n.ChannelID),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewTransientFailureError())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, webhookResponse{
		Outcome:         string(res.Outcome),
		FanoutSucceeded: res.Fanout.Succeeded,
		FanoutFailed:    res.Fanout.Failed,
	})
}
