// Package relay は受信した通知を重複排除し、マッピングを解決してsecondaryアカウントへファンアウトする。
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/calrelay/internal/dedup"
	"github.com/hitoshi/calrelay/internal/mapping"
	"github.com/hitoshi/calrelay/internal/metrics"
	"github.com/hitoshi/calrelay/internal/model"
)

// Outcome は通知1件の処理結果の種別。
type Outcome string

const (
	// OutcomeDuplicate はTTL内に同じ通知を処理済みのため破棄した。
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnknownChannel は停止済みや廃止済みなど未知のチャンネルからの通知を破棄した。
	OutcomeUnknownChannel Outcome = "unknown_channel"
	// OutcomeMappingMissing はチャンネルの所有者に対応するマッピングがない。
	OutcomeMappingMissing Outcome = "mapping_missing"
	// OutcomeMappingInactive はマッピングが無効化されている。
	OutcomeMappingInactive Outcome = "mapping_inactive"
	// OutcomeFannedOut は1件以上のsecondaryへの同期に成功した。
	OutcomeFannedOut Outcome = "fanned_out"
	// OutcomeFailed は全てのsecondaryへの同期に失敗した。
	OutcomeFailed Outcome = "fanout_failed"
)

// Result は通知1件の処理結果。
type Result struct {
	Outcome Outcome
	Fanout  model.FanoutCount
}

// Deduplicator は通知の重複判定。
type Deduplicator interface {
	SeenRecently(fingerprint string) bool
	Forget(fingerprint string)
}

// ChannelResolver はチャンネルIDから生きているチャンネルを引く。
type ChannelResolver interface {
	Lookup(channelID string) (*model.Channel, bool)
}

// MappingView は現在のマッピングスナップショットを返す。
type MappingView interface {
	CurrentSnapshot() *mapping.Snapshot
}

// Fanout はprimaryの変更を1件のsecondaryへ同期する。
type Fanout interface {
	Sync(ctx context.Context, task *model.SyncTask, secondary string) error
}

// Orchestrator は通知処理の流れを制御する。
type Orchestrator struct {
	dedup         Deduplicator
	channels      ChannelResolver
	mappings      MappingView
	fanout        Fanout
	logger        *slog.Logger
	metrics       metrics.Recorder
	maxConcurrent int
	now           func() time.Time
}

// NewOrchestrator はOrchestratorを生成する。
// maxConcurrentは通知1件あたりの同時ファンアウト数で、0以下の場合は4を使用する。
func NewOrchestrator(
	dd Deduplicator,
	channels ChannelResolver,
	mappings MappingView,
	fanout Fanout,
	logger *slog.Logger,
	recorder metrics.Recorder,
	maxConcurrent int,
) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Orchestrator{
		dedup:         dd,
		channels:      channels,
		mappings:      mappings,
		fanout:        fanout,
		logger:        logger,
		metrics:       recorder,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// HandleNotification は通知1件を処理する。
//
// 重複、未知のチャンネル、マッピングなし、無効なマッピングはいずれもエラーなしで破棄する。
// プロバイダーの再送を止めるため、これらは成功として応答する。
// 全てのファンアウトが失敗した場合のみ model.ErrAllFanoutFailed を返し、
// 重複排除の記録を取り消して再送を新規の通知として扱えるようにする。
func (o *Orchestrator) HandleNotification(ctx context.Context, n model.Notification) (Result, error) {
	log := o.logger.With(
		slog.String("channel_id", n.ChannelID),
		slog.String("resource_id", n.ResourceID),
		slog.String("state_token", n.StateToken),
	)

	fp := dedup.Fingerprint(n.ChannelID, n.ResourceID, n.StateToken)
	if o.dedup.SeenRecently(fp) {
		log.Debug("重複した通知を破棄しました")
		return o.finish(Result{Outcome: OutcomeDuplicate}), nil
	}

	ch, ok := o.channels.Lookup(n.ChannelID)
	if !ok || (ch.ResourceID != "" && ch.ResourceID != n.ResourceID) {
		log.Warn("未知のチャンネルからの通知を破棄しました")
		return o.finish(Result{Outcome: OutcomeUnknownChannel}), nil
	}

	primary := ch.OwnerMapping
	if primary == "" {
		primary = ch.WatchedCalendar
	}
	log = log.With(slog.String("primary", primary))

	m, ok := o.mappings.CurrentSnapshot().Lookup(primary)
	if !ok {
		log.Warn("マッピングが見つからないため通知を破棄しました")
		return o.finish(Result{Outcome: OutcomeMappingMissing}), nil
	}
	if !m.IsActive() {
		log.Warn("マッピングが無効化されているため通知を破棄しました")
		return o.finish(Result{Outcome: OutcomeMappingInactive}), nil
	}

	task := &model.SyncTask{
		Notification: n,
		Primary:      m.Primary,
		Secondaries:  m.Secondaries,
	}
	count, lastErr := o.fanOut(ctx, task, log)
	o.metrics.RecordFanout(count.Succeeded, count.Failed)

	if count.Total() > 0 && count.Succeeded == 0 {
		o.dedup.Forget(fp)
		log.Error("全てのsecondaryへの同期に失敗しました",
			slog.Int("failed", count.Failed),
			slog.String("error", lastErr.Error()),
		)
		res := o.finish(Result{Outcome: OutcomeFailed, Fanout: count})
		return res, fmt.Errorf("%w: %d targets: %w", model.ErrAllFanoutFailed, count.Failed, lastErr)
	}

	log.Info("通知をファンアウトしました",
		slog.Int("succeeded", count.Succeeded),
		slog.Int("failed", count.Failed),
	)
	return o.finish(Result{Outcome: OutcomeFannedOut, Fanout: count}), nil
}

// fanOut はsecondaryごとの同期を並列に実行する。1件の失敗は他の同期を中断しない。
func (o *Orchestrator) fanOut(ctx context.Context, task *model.SyncTask, log *slog.Logger) (model.FanoutCount, error) {
	var (
		mu      sync.Mutex
		count   model.FanoutCount
		lastErr error
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, o.maxConcurrent)

	for _, secondary := range task.Secondaries {
		wg.Add(1)
		sem <- struct{}{}

		go func(secondary string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := o.fanout.Sync(ctx, task, secondary)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				count.Failed++
				lastErr = err
				log.Warn("secondaryへの同期に失敗しました",
					slog.String("secondary", secondary),
					slog.String("error", err.Error()),
					slog.Bool("transient", model.IsTransient(err)),
				)
				return
			}
			count.Succeeded++
		}(secondary)
	}

	wg.Wait()
	return count, lastErr
}

func (o *Orchestrator) finish(res Result) Result {
	o.metrics.RecordNotification(string(res.Outcome))
	return res
}
