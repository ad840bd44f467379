package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/calrelay/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// プッシュ通知
	Webhook *WebhookHandler

	// ヘルスチェックとメトリクス
	Health  *HealthHandler
	Metrics http.Handler

	// 管理API
	Admin       *AdminHandler
	AdminToken  string
	RateLimiter *middleware.RateLimiter
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders
//
// 管理API（/admin/*）にはさらに RateLimit → BearerAuth を適用する。
// プッシュ通知はプロバイダーの再送を招くためレート制限しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", deps.Health.Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Post("/webhook/calendar", deps.Webhook.HandleNotification)

	if deps.Admin != nil {
		r.Route("/admin", func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware("admin"))
			}
			r.Use(middleware.NewBearerAuthMiddleware(deps.AdminToken))

			r.Post("/refresh", deps.Admin.Refresh)
			r.Get("/channels", deps.Admin.ListChannels)
		})
	}

	return r
}
