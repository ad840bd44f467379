package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// プッシュ通知で付与されるヘッダーのうちログに残すもの。
var notificationLogHeaders = []struct {
	header string
	key    string
}{
	{"X-Goog-Channel-ID", "channel_id"},
	{"X-Goog-Resource-ID", "resource_id"},
	{"X-Goog-Resource-State", "resource_state"},
	{"X-Goog-Message-Number", "message_number"},
}

// NewLoggingMiddleware はリクエストごとに1行のJSON構造化ログを出力するミドルウェアを返す。
// ログにはrequest_id、method、path、status、bytes、duration_msを含み、
// プッシュ通知の場合はチャンネルとリソースの識別子も含む。
// 4xxはWARN、5xxはERRORで出力する。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				// ハンドラーが何も書き込まなかった場合、net/httpは200を返す
				status = http.StatusOK
			}

			attrs := make([]slog.Attr, 0, 10)
			if id := chimw.GetReqID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			attrs = append(attrs,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			)
			if r.Header.Get("X-Goog-Channel-ID") != "" {
				for _, h := range notificationLogHeaders {
					attrs = append(attrs, slog.String(h.key, r.Header.Get(h.header)))
				}
			}

			logger.LogAttrs(r.Context(), levelForStatus(status), "http_request", attrs...)
		})
	}
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
