// Package cleanup は重複排除キャッシュの期限切れエントリを定期的に削除するジョブを提供する。
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/calrelay/internal/metrics"
)

// Sweeper は期限切れエントリを削除できるキャッシュ。
type Sweeper interface {
	Sweep() int
	Len() int
	Saturated() bool
}

// DedupSweeper は重複排除キャッシュの掃除ジョブ。
// 削除後のエントリ数をメトリクスに反映する。
type DedupSweeper struct {
	cache   Sweeper
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewDedupSweeper はDedupSweeperを生成する。
func NewDedupSweeper(cache Sweeper, recorder metrics.Recorder, logger *slog.Logger) *DedupSweeper {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &DedupSweeper{cache: cache, metrics: recorder, logger: logger}
}

// Run は期限切れエントリを削除し、削除件数を返す。
func (j *DedupSweeper) Run() int {
	removed := j.cache.Sweep()
	remaining := j.cache.Len()
	j.metrics.SetDedupEntries(remaining)

	if j.cache.Saturated() {
		j.logger.Warn("重複排除キャッシュが上限に達しています。新規カレンダーの監視を停止します",
			slog.Int("entries", remaining),
		)
	}
	if removed > 0 {
		j.logger.Debug("重複排除キャッシュを掃除しました",
			slog.Int("removed", removed),
			slog.Int("entries", remaining),
		)
	}
	return removed
}

// Start はintervalごとにRunを実行する。
func (j *DedupSweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run()
		}
	}
}
