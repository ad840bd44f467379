package channel

import (
	"context"
	"time"

	"github.com/hitoshi/calrelay/internal/model"
)

// RetryPolicy は有限回の指数バックオフ再試行の設定。
type RetryPolicy struct {
	MaxAttempts    int           // 初回を含む試行回数の上限
	InitialBackoff time.Duration // 初回失敗後の待機時間
	MaxBackoff     time.Duration // 待機時間の上限
}

// DefaultCreateRetry はチャンネル作成と更新のデフォルト再試行設定。
// 初回1秒、2倍ずつ増加、最大30秒、5回まで。
func DefaultCreateRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// DefaultRestoreRetry はコールドスタート時のストア読み込みのデフォルト再試行設定。
func DefaultRestoreRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

// Backoff は失敗回数failuresに対する待機時間を返す。failuresは1始まり。
func (p RetryPolicy) Backoff(failures int) time.Duration {
	delay := p.InitialBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

func (p RetryPolicy) normalized(def RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = def.MaxBackoff
	}
	return p
}

// retry はfnを最大MaxAttempts回実行する。
// 恒久エラーは即座に返し、それ以外はバックオフ後に再試行する。
// 各試行にはtimeoutのコンテキストを渡す。
func retry(ctx context.Context, policy RetryPolicy, timeout time.Duration, sleep sleepFunc, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if model.IsPermanent(err) || attempt >= policy.MaxAttempts {
			return err
		}
		if serr := sleep(ctx, policy.Backoff(attempt)); serr != nil {
			return err
		}
	}
}

// sleepFunc はコンテキストのキャンセルを考慮して待機する。
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
