// Package reconcile はマッピングの定期再読み込みとチャンネル調整のスケジューラを提供する。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hitoshi/calrelay/internal/channel"
	"github.com/hitoshi/calrelay/internal/mapping"
)

// MappingRefresher はマッピングの再読み込みインターフェース。
type MappingRefresher interface {
	Refresh(ctx context.Context) (mapping.Diff, error)
	CurrentSnapshot() *mapping.Snapshot
	// Loaded は1回以上再読み込みに成功したかを返す。
	Loaded() bool
}

// Reconciler はチャンネル調整インターフェース。
type Reconciler interface {
	Reconcile(ctx context.Context, snap *mapping.Snapshot) (channel.ReconcileResult, error)
}

// Report は1サイクルの結果。
type Report struct {
	MappingVersion uint64                  `json:"mapping_version"`
	Added          int                     `json:"added"`
	Removed        int                     `json:"removed"`
	Changed        int                     `json:"changed"`
	Reconcile      channel.ReconcileResult `json:"reconcile"`
	// Skipped はマッピングが未取得のため調整を行わなかったことを示す。
	Skipped bool `json:"skipped,omitempty"`
}

// Scheduler はマッピングの再読み込みとチャンネル調整を定期実行する。
type Scheduler struct {
	mappings   MappingRefresher
	reconciler Reconciler
	logger     *slog.Logger

	completed atomic.Bool
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(mappings MappingRefresher, reconciler Reconciler, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		mappings:   mappings,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Start はintervalごとにRunOnceを実行する。起動直後に1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("調整スケジューラを開始しました", slog.Duration("interval", interval))

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("調整スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

// Ready はマッピングを取得済みで、1回目のサイクルが完了していればtrueを返す。
// 再読み込みや調整が失敗したサイクルも完了として扱う。
func (s *Scheduler) Ready() bool {
	return s.completed.Load() && s.mappings.Loaded()
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("調整サイクルでエラーが発生しました", slog.String("error", err.Error()))
	}
}

// RunOnce はマッピングを再読み込みし、現在のスナップショットでチャンネルを調整する。
// 再読み込みに失敗しても前回のスナップショットで調整を行い、
// 失効や作成失敗のカレンダーを回復させる。その場合も再読み込みのエラーを返す。
//
// 一度もマッピングを取得できていない間は調整しない。初期スナップショットは空のため。
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()

	diff, refreshErr := s.mappings.Refresh(ctx)
	snap := s.mappings.CurrentSnapshot()

	report := Report{
		MappingVersion: snap.Version,
		Added:          len(diff.Added),
		Removed:        len(diff.Removed),
		Changed:        len(diff.Changed),
	}

	if !s.mappings.Loaded() {
		report.Skipped = true
		s.completed.Store(true)
		s.logger.Warn("マッピングが未取得のためチャンネルの調整を見送りました")
		if refreshErr == nil {
			refreshErr = errors.New("mapping snapshot not loaded")
		}
		return report, fmt.Errorf("refresh mapping: %w", refreshErr)
	}

	result, err := s.reconciler.Reconcile(ctx, snap)
	report.Reconcile = result
	s.completed.Store(true)
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}

	s.logger.Info("調整サイクルが完了しました",
		slog.Uint64("mapping_version", snap.Version),
		slog.Int("added", report.Added),
		slog.Int("removed", report.Removed),
		slog.Int("changed", report.Changed),
		slog.Bool("refresh_failed", refreshErr != nil),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	if refreshErr != nil {
		return report, fmt.Errorf("refresh mapping: %w", refreshErr)
	}
	return report, nil
}
