// Package mapping はprimaryからsecondaryへのユーザーマッピングを保持する。
// 外部の表形式ソースを定期的に読み込み、不変のスナップショットをアトミックに差し替える。
package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/calrelay/internal/metrics"
	"github.com/hitoshi/calrelay/internal/model"
)

// Snapshot はある時点のマッピング集合。生成後は変更されない。
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time

	mappings  []model.UserMapping
	byPrimary map[string]int
}

// NewSnapshot はmappingsからスナップショットを生成する。mappingsはコピーされる。
func NewSnapshot(version uint64, loadedAt time.Time, mappings []model.UserMapping) *Snapshot {
	s := &Snapshot{
		Version:   version,
		LoadedAt:  loadedAt,
		mappings:  make([]model.UserMapping, len(mappings)),
		byPrimary: make(map[string]int, len(mappings)),
	}
	for i, m := range mappings {
		m.Secondaries = append([]string(nil), m.Secondaries...)
		s.mappings[i] = m
		s.byPrimary[m.Primary] = i
	}
	return s
}

// All は全マッピングのコピーを返す。
func (s *Snapshot) All() []model.UserMapping {
	out := make([]model.UserMapping, len(s.mappings))
	for i, m := range s.mappings {
		m.Secondaries = append([]string(nil), m.Secondaries...)
		out[i] = m
	}
	return out
}

// Lookup はprimaryに対応するマッピングを返す。
func (s *Snapshot) Lookup(primary string) (model.UserMapping, bool) {
	i, ok := s.byPrimary[primary]
	if !ok {
		return model.UserMapping{}, false
	}
	m := s.mappings[i]
	m.Secondaries = append([]string(nil), m.Secondaries...)
	return m, true
}

// Active は同期対象のマッピングのみを返す。
func (s *Snapshot) Active() []model.UserMapping {
	var out []model.UserMapping
	for _, m := range s.mappings {
		if m.IsActive() {
			m.Secondaries = append([]string(nil), m.Secondaries...)
			out = append(out, m)
		}
	}
	return out
}

// Len はマッピング数を返す。
func (s *Snapshot) Len() int {
	return len(s.mappings)
}

// Diff は2つのスナップショット間の差分。
// Removedは旧スナップショットの値、AddedとChangedは新スナップショットの値を持つ。
type Diff struct {
	Added   []model.UserMapping
	Removed []model.UserMapping
	Changed []model.UserMapping
}

// Empty は差分がないかを返す。
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// ComputeDiff はoldからnextへの差分を求める。結果はprimary順に並ぶ。
func ComputeDiff(old, next *Snapshot) Diff {
	var d Diff
	for _, m := range next.mappings {
		prev, ok := old.Lookup(m.Primary)
		switch {
		case !ok:
			d.Added = append(d.Added, m)
		case !prev.Equal(m):
			d.Changed = append(d.Changed, m)
		}
	}
	for _, m := range old.mappings {
		if _, ok := next.byPrimary[m.Primary]; !ok {
			d.Removed = append(d.Removed, m)
		}
	}

	byPrimary := func(ms []model.UserMapping) {
		sort.Slice(ms, func(i, j int) bool { return ms[i].Primary < ms[j].Primary })
	}
	byPrimary(d.Added)
	byPrimary(d.Removed)
	byPrimary(d.Changed)
	return d
}

// FetchError はソース取得の失敗。前回のスナップショットは保持される。
type FetchError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	return fmt.Sprintf("mapping source fetch failed: %v", e.Err)
}

// Unwrap は元のエラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Store はマッピングのスナップショットを保持する。
// 読み取りはロックなしで行い、Refreshはスナップショットのポインタを差し替える。
type Store struct {
	source  Source
	logger  *slog.Logger
	metrics metrics.Recorder
	timeout time.Duration
	now     func() time.Time

	current   atomic.Pointer[Snapshot]
	loaded    atomic.Bool
	refreshMu sync.Mutex // Refresh同士の直列化
}

// NewStore はStoreを生成する。初期スナップショットは空。
// timeoutはソース取得1回あたりの上限で、0以下の場合は30秒を使用する。
func NewStore(source Source, logger *slog.Logger, recorder metrics.Recorder, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	s := &Store{
		source:  source,
		logger:  logger,
		metrics: recorder,
		timeout: timeout,
		now:     time.Now,
	}
	s.current.Store(NewSnapshot(0, time.Time{}, nil))
	return s
}

// CurrentSnapshot は現在のスナップショットを返す。nilになることはない。
func (s *Store) CurrentSnapshot() *Snapshot {
	return s.current.Load()
}

// Loaded は1回以上Refreshに成功したかを返す。
func (s *Store) Loaded() bool {
	return s.loaded.Load()
}

// Refresh はソースを読み込み、スナップショットを差し替えて差分を返す。
// 取得自体が失敗した場合は前回のスナップショットを保持し、*FetchErrorを返す。
// 不正な行は警告ログを出して読み飛ばす。
func (s *Store) Refresh(ctx context.Context) (Diff, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	start := s.now()

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	rows, err := s.source.Fetch(fetchCtx)
	cancel()
	if err != nil {
		s.metrics.RecordMappingRefresh("fetch_error")
		s.logger.Warn("マッピングの取得に失敗しました。前回のスナップショットを保持します",
			slog.String("error", err.Error()),
			slog.Uint64("version", s.CurrentSnapshot().Version),
		)
		return Diff{}, &FetchError{Err: err}
	}

	parsed := ParseRows(rows, s.source.FirstRow())
	for _, perr := range parsed.Skipped {
		s.logger.Warn("マッピング行を読み飛ばしました",
			slog.Int("row", perr.Row),
			slog.String("reason", perr.Reason),
		)
	}

	old := s.CurrentSnapshot()
	next := NewSnapshot(old.Version+1, s.now(), parsed.Mappings)
	diff := ComputeDiff(old, next)
	s.current.Store(next)
	s.loaded.Store(true)

	active := len(next.Active())
	s.metrics.RecordMappingRefresh("success")
	s.metrics.SetActiveMappings(active)

	s.logger.Info("マッピングを再読み込みしました",
		slog.Uint64("version", next.Version),
		slog.Int("mapping_count", next.Len()),
		slog.Int("active_count", active),
		slog.Int("skipped_rows", len(parsed.Skipped)),
		slog.Int("added", len(diff.Added)),
		slog.Int("removed", len(diff.Removed)),
		slog.Int("changed", len(diff.Changed)),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)

	return diff, nil
}
