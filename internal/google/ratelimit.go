package google

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultRateLimitBackoff はRetry-After不明時のバックオフ。
const defaultRateLimitBackoff = 30 * time.Second

// RateLimiter はCalendar API呼び出しのトークンバケット。
// 429を受けた場合はretryAtまで全呼び出しを待機させる。
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

// NewRateLimiter は毎秒rpsリクエスト、バーストburstのRateLimiterを生成する。
// rpsが0以下の場合は5 req/secを使用する。
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait はレート制限内で呼び出せるまで待機する。
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if wait := time.Until(retryAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return r.limiter.Wait(ctx)
}

// RecordRateLimitError は429を記録し、指定時間は呼び出しを抑止する。
func (r *RateLimiter) RecordRateLimitError(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = defaultRateLimitBackoff
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if at := time.Now().Add(retryAfter); at.After(r.retryAt) {
		r.retryAt = at
	}
}

// observe はAPI呼び出しの結果がレート制限であればバックオフを記録する。
func (r *RateLimiter) observe(err error) {
	if IsRateLimited(err) {
		r.RecordRateLimitError(0)
	}
}
