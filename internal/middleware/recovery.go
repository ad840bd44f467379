package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRecoveryMiddleware はハンドラーのpanicを捕捉し、スタックをログに残して
// 統一フォーマットの500レスポンスを返すミドルウェアを生成する。
// プロバイダーは非2xxを受けると通知を再送するため、panicした通知は再処理される。
//
// http.ErrAbortHandler はnet/httpが接続を切るためのpanicなので、そのまま再送出する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				logger.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("panic", rec),
					slog.String("request_id", chimw.GetReqID(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("channel_id", r.Header.Get("X-Goog-Channel-ID")),
					slog.String("stack", string(debug.Stack())),
				)
				// Upgradeされた接続には書き込めない
				if r.Header.Get("Connection") != "Upgrade" {
					WriteInternalServerError(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
