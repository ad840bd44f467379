// Package renewal は有効期限が近いチャンネルの更新スケジューラを提供する。
package renewal

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/calrelay/internal/channel"
)

// Renewer はチャンネル更新インターフェース。
type Renewer interface {
	RenewDueChannels(ctx context.Context, now time.Time) channel.RenewResult
}

// Scheduler はチャンネルの更新スキャンを定期実行する。
type Scheduler struct {
	renewer Renewer
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(renewer Renewer, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		renewer: renewer,
		logger:  logger,
		now:     time.Now,
	}
}

// Start はintervalごとにRunOnceを実行する。起動直後に1回実行する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("更新スケジューラを開始しました", slog.Duration("interval", interval))

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("更新スケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は更新スキャンを1回実行する。
func (s *Scheduler) RunOnce(ctx context.Context) channel.RenewResult {
	res := s.renewer.RenewDueChannels(ctx, s.now())
	if res.Failed > 0 || res.Lapsed > 0 {
		s.logger.Warn("更新できなかったチャンネルがあります",
			slog.Int("failed", res.Failed),
			slog.Int("lapsed", res.Lapsed),
		)
	}
	return res
}
