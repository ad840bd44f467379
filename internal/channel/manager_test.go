package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/calrelay/internal/mapping"
	"github.com/hitoshi/calrelay/internal/model"
)

// --- モック定義 ---

// eventLog はモック間で共有する呼び出し順の記録。
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(prefix string) int {
	n := 0
	for _, e := range l.list() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// mockRepo はChannelRepositoryのテスト用モック。
type mockRepo struct {
	log *eventLog

	mu       sync.Mutex
	channels map[string]*model.Channel

	loadAllFunc func(ctx context.Context) ([]*model.Channel, error)
	upsertFunc  func(ctx context.Context, ch *model.Channel) error
	deleteFunc  func(ctx context.Context, cal string) error
}

func newMockRepo(log *eventLog, channels ...*model.Channel) *mockRepo {
	r := &mockRepo{log: log, channels: map[string]*model.Channel{}}
	for _, ch := range channels {
		r.channels[ch.WatchedCalendar] = ch
	}
	return r
}

func (r *mockRepo) LoadAll(ctx context.Context) ([]*model.Channel, error) {
	if r.loadAllFunc != nil {
		return r.loadAllFunc(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Channel
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (r *mockRepo) Upsert(ctx context.Context, ch *model.Channel) error {
	r.log.add("upsert:%s", ch.ID)
	if r.upsertFunc != nil {
		if err := r.upsertFunc(ctx, ch); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.WatchedCalendar] = ch
	return nil
}

func (r *mockRepo) Delete(ctx context.Context, cal string) error {
	r.log.add("delete:%s", cal)
	if r.deleteFunc != nil {
		if err := r.deleteFunc(ctx, cal); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, cal)
	return nil
}

func (r *mockRepo) FindByWatchedCalendar(_ context.Context, cal string) (*model.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[cal], nil
}

func (r *mockRepo) stored(cal string) *model.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[cal]
}

// mockProvider はProviderのテスト用モック。createFuncがnilの場合は連番のチャンネルを返す。
type mockProvider struct {
	log *eventLog
	now func() time.Time

	mu  sync.Mutex
	seq int

	createFunc func(ctx context.Context, cal string) (*model.Channel, error)
	stopFunc   func(ctx context.Context, ch *model.Channel) error
}

func (p *mockProvider) CreateSubscription(ctx context.Context, cal string) (*model.Channel, error) {
	p.log.add("create:%s", cal)
	if p.createFunc != nil {
		return p.createFunc(ctx, cal)
	}
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("new-%d", p.seq)
	p.mu.Unlock()
	return &model.Channel{
		ID:              id,
		WatchedCalendar: cal,
		ResourceID:      "res-" + id,
		Expiration:      p.now().Add(7 * 24 * time.Hour),
		OwnerMapping:    cal,
	}, nil
}

func (p *mockProvider) StopSubscription(ctx context.Context, ch *model.Channel) error {
	p.log.add("stop:%s", ch.ID)
	if p.stopFunc != nil {
		return p.stopFunc(ctx, ch)
	}
	return nil
}

// saturation はBackpressureのテスト用実装。
type saturation bool

func (s saturation) Saturated() bool { return bool(s) }

// fakeClock はテスト用の時計。
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	log      *eventLog
	repo     *mockRepo
	provider *mockProvider
	clock    *fakeClock
	manager  *Manager
	logBuf   *bytes.Buffer
}

func newFixture(t *testing.T, bp Backpressure, stored ...*model.Channel) *fixture {
	t.Helper()
	log := &eventLog{}
	clock := &fakeClock{t: baseTime}
	repo := newMockRepo(log, stored...)
	provider := &mockProvider{log: log, now: clock.Now}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := NewManager(repo, provider, bp, logger, nil, Config{
		RenewalThreshold: 24 * time.Hour,
		ProviderTimeout:  time.Second,
		CreateRetry:      RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		RestoreRetry:     RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		MaxConcurrent:    4,
	})
	m.now = clock.Now
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	return &fixture{log: log, repo: repo, provider: provider, clock: clock, manager: m, logBuf: &buf}
}

func snapshotOf(mappings ...model.UserMapping) *mapping.Snapshot {
	return mapping.NewSnapshot(1, baseTime, mappings)
}

func active(primary string, secondaries ...string) model.UserMapping {
	return model.UserMapping{Primary: primary, Secondaries: secondaries, Status: model.MappingStatusActive}
}

func storedChannel(cal, id string, expiration time.Time) *model.Channel {
	return &model.Channel{
		ID:              id,
		WatchedCalendar: cal,
		ResourceID:      "res-" + id,
		Expiration:      expiration,
		OwnerMapping:    cal,
		CreatedAt:       baseTime.Add(-time.Hour),
	}
}

func transientErr(op string) error {
	return &model.ProviderError{Kind: model.KindTransient, Op: op, Err: errors.New("backend error")}
}

func permanentErr(op string) error {
	return &model.ProviderError{Kind: model.KindPermanent, Op: op, Err: errors.New("not found")}
}

func phaseOf(m *Manager, cal string) model.ChannelPhase {
	for _, s := range m.Channels() {
		if s.WatchedCalendar == cal {
			return s.Phase
		}
	}
	return model.PhaseAbsent
}

func statusOf(m *Manager, cal string) (Status, bool) {
	for _, s := range m.Channels() {
		if s.WatchedCalendar == cal {
			return s, true
		}
	}
	return Status{}, false
}

// --- Restore ---

func TestRestore_ColdStartMakesNoProviderCalls(t *testing.T) {
	var stored []*model.Channel
	var mappings []model.UserMapping
	for i := 0; i < 9; i++ {
		cal := fmt.Sprintf("user%d@x", i)
		stored = append(stored, storedChannel(cal, fmt.Sprintf("ch-%d", i), baseTime.Add(72*time.Hour)))
		mappings = append(mappings, active(cal, fmt.Sprintf("user%d@y", i)))
	}
	f := newFixture(t, nil, stored...)

	n, err := f.manager.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 9 {
		t.Errorf("restored = %d, want 9", n)
	}
	if f.manager.ActiveCount() != 9 {
		t.Errorf("ActiveCount() = %d, want 9", f.manager.ActiveCount())
	}
	if ch, ok := f.manager.Lookup("ch-4"); !ok || ch.WatchedCalendar != "user4@x" {
		t.Errorf("Lookup(ch-4) = %v, %v", ch, ok)
	}

	res, err := f.manager.Reconcile(context.Background(), snapshotOf(mappings...))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Unchanged != 9 || res.Created != 0 {
		t.Errorf("Reconcile() = %+v, want 9 unchanged", res)
	}
	if got := f.log.count("create:") + f.log.count("stop:"); got != 0 {
		t.Errorf("プロバイダー呼び出しが %d 回発生した。0回であるべき: %v", got, f.log.list())
	}
}

func TestRestore_ExpiredChannelIsRecreated(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "old", baseTime.Add(-time.Minute)))

	n, err := f.manager.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 0 {
		t.Errorf("restored = %d, want 0", n)
	}
	if _, ok := f.manager.Lookup("old"); ok {
		t.Error("期限切れのチャンネルは通知を受け付けてはならない")
	}

	res, _ := f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y")))
	if res.Created != 1 {
		t.Errorf("Created = %d, want 1", res.Created)
	}
	if got := f.repo.stored("a@x"); got == nil || got.ID != "new-1" {
		t.Errorf("stored channel = %+v, want new-1", got)
	}
}

func TestRestore_StoreUnavailableStartsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	attempts := 0
	f.repo.loadAllFunc = func(ctx context.Context) ([]*model.Channel, error) {
		attempts++
		return nil, &model.StoreUnavailableError{Op: "load_all", Err: errors.New("connection refused")}
	}

	n, err := f.manager.Restore(context.Background())
	if err == nil {
		t.Fatal("ストアに到達できない場合はエラーを返すべき")
	}
	var sue *model.StoreUnavailableError
	if !errors.As(err, &sue) {
		t.Errorf("expected StoreUnavailableError, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if n != 0 || f.manager.ActiveCount() != 0 {
		t.Errorf("チャンネルなしで開始すべき: n=%d active=%d", n, f.manager.ActiveCount())
	}
}

func TestReconcile_LoadsStoreAfterFailedRestore(t *testing.T) {
	f := newFixture(t, nil,
		storedChannel("a@x", "ch-a", baseTime.Add(72*time.Hour)),
		storedChannel("gone@x", "ch-gone", baseTime.Add(72*time.Hour)),
	)
	f.repo.loadAllFunc = func(ctx context.Context) ([]*model.Channel, error) {
		return nil, &model.StoreUnavailableError{Op: "load_all", Err: errors.New("connection refused")}
	}
	if _, err := f.manager.Restore(context.Background()); err == nil {
		t.Fatal("Restore() should fail")
	}

	// ストアが回復した後の最初の調整でストアの内容を取り込む
	f.repo.loadAllFunc = nil
	res, err := f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y")))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Retired != 1 || res.Unchanged != 1 || res.Created != 0 {
		t.Errorf("Reconcile() = %+v, want 1 retired, 1 unchanged", res)
	}
	if f.log.count("create:") != 0 {
		t.Errorf("ストアにあるチャンネルを作り直してはならない: %v", f.log.list())
	}
	if f.log.count("stop:ch-gone") != 1 || f.repo.stored("gone@x") != nil {
		t.Errorf("マッピングのないチャンネルは廃止されるべき: %v", f.log.list())
	}
	if _, ok := f.manager.Lookup("ch-a"); !ok {
		t.Error("ch-a should be tracked")
	}
}

// --- Reconcile ---

func TestReconcile_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	snap := snapshotOf(active("a@x", "a@y", "a@z"), active("b@x", "b@y"))

	first, err := f.manager.Reconcile(context.Background(), snap)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if first.Created != 2 {
		t.Errorf("first Created = %d, want 2", first.Created)
	}

	second, _ := f.manager.Reconcile(context.Background(), snap)
	if second.Created != 0 || second.Unchanged != 2 {
		t.Errorf("second Reconcile() = %+v, want 2 unchanged", second)
	}
	if got := f.log.count("create:"); got != 2 {
		t.Errorf("create calls = %d, want 2 (重複作成してはならない)", got)
	}
	if phaseOf(f.manager, "a@x") != model.PhaseActive || phaseOf(f.manager, "b@x") != model.PhaseActive {
		t.Errorf("phases = %v", f.manager.Channels())
	}
}

func TestReconcile_IgnoresInactiveMappings(t *testing.T) {
	f := newFixture(t, nil)
	inactive := model.UserMapping{Primary: "c@x", Status: model.MappingStatusInactive}

	res, _ := f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y"), inactive))
	if res.Created != 1 {
		t.Errorf("Created = %d, want 1", res.Created)
	}
	if f.log.count("create:c@x") != 0 {
		t.Error("無効なマッピングのカレンダーを監視してはならない")
	}
}

func TestReconcile_RetiresRemovedMapping(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "ch-a", baseTime.Add(72*time.Hour)), storedChannel("b@x", "ch-b", baseTime.Add(72*time.Hour)))
	if _, err := f.manager.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, _ := f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y")))
	if res.Retired != 1 {
		t.Errorf("Retired = %d, want 1", res.Retired)
	}
	if f.log.count("stop:ch-b") != 1 {
		t.Errorf("ch-b should be stopped: %v", f.log.list())
	}
	if f.repo.stored("b@x") != nil {
		t.Error("廃止したチャンネルはストアから削除されるべき")
	}
	if _, ok := f.manager.Lookup("ch-b"); ok {
		t.Error("廃止したチャンネルは検索できてはならない")
	}
	if _, ok := statusOf(f.manager, "b@x"); ok {
		t.Error("廃止したカレンダーは追跡対象から外れるべき")
	}
}

func TestReconcile_RetiresWhenMappingBecomesInactive(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "ch-a", baseTime.Add(72*time.Hour)))
	f.manager.Restore(context.Background())

	inactive := model.UserMapping{Primary: "a@x", Secondaries: []string{"a@y"}, Status: model.MappingStatusInactive}
	res, _ := f.manager.Reconcile(context.Background(), snapshotOf(inactive))
	if res.Retired != 1 {
		t.Errorf("Retired = %d, want 1", res.Retired)
	}
}

func TestReconcile_TransientStopFailureKeepsChannel(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "ch-a", baseTime.Add(72*time.Hour)))
	f.manager.Restore(context.Background())
	f.provider.stopFunc = func(ctx context.Context, ch *model.Channel) error { return transientErr("stop") }

	res, _ := f.manager.Reconcile(context.Background(), snapshotOf())
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	if phaseOf(f.manager, "a@x") != model.PhaseActive {
		t.Errorf("phase = %s, want active (次回の調整で再試行する)", phaseOf(f.manager, "a@x"))
	}
	if f.repo.stored("a@x") == nil {
		t.Error("停止できなかったチャンネルはストアに残すべき")
	}

	// 次回の調整で停止できれば削除される
	f.provider.stopFunc = nil
	res, _ = f.manager.Reconcile(context.Background(), snapshotOf())
	if res.Retired != 1 || f.repo.stored("a@x") != nil {
		t.Errorf("second Reconcile() = %+v, stored = %v", res, f.repo.stored("a@x"))
	}
}

func TestReconcile_PermanentStopFailureStillDeletes(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "ch-a", baseTime.Add(72*time.Hour)))
	f.manager.Restore(context.Background())
	f.provider.stopFunc = func(ctx context.Context, ch *model.Channel) error { return permanentErr("stop") }

	res, _ := f.manager.Reconcile(context.Background(), snapshotOf())
	if res.Retired != 1 {
		t.Errorf("Retired = %d, want 1", res.Retired)
	}
	if f.log.count("stop:") != 1 {
		t.Errorf("恒久エラーは再試行しない: %v", f.log.list())
	}
	if f.repo.stored("a@x") != nil {
		t.Error("恒久エラーでもストアからは削除するべき")
	}
}

func TestReconcile_CreateFailureMarksDegraded(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.createFunc = func(ctx context.Context, cal string) (*model.Channel, error) {
		return nil, transientErr("watch")
	}

	res, _ := f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y")))
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	if got := f.log.count("create:a@x"); got != 3 {
		t.Errorf("create attempts = %d, want 3", got)
	}
	st, ok := statusOf(f.manager, "a@x")
	if !ok || !st.Degraded || st.Phase != model.PhaseAbsent || st.LastError == "" {
		t.Errorf("status = %+v, want degraded absent with last error", st)
	}
	if f.log.count("upsert:") != 0 {
		t.Error("作成に失敗したチャンネルを永続化してはならない")
	}

	// 次回の調整で回復する
	f.provider.createFunc = nil
	res, _ = f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y")))
	if res.Created != 1 {
		t.Errorf("retry Created = %d, want 1", res.Created)
	}
	if st, _ := statusOf(f.manager, "a@x"); st.Degraded || st.Phase != model.PhaseActive {
		t.Errorf("status after recovery = %+v", st)
	}
}

func TestReconcile_PermanentCreateErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.createFunc = func(ctx context.Context, cal string) (*model.Channel, error) {
		return nil, permanentErr("watch")
	}

	f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y")))
	if got := f.log.count("create:a@x"); got != 1 {
		t.Errorf("create attempts = %d, want 1", got)
	}
}

func TestReconcile_UpsertFailureStopsNewSubscription(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.upsertFunc = func(ctx context.Context, ch *model.Channel) error {
		return &model.StoreUnavailableError{Op: "upsert", Err: errors.New("timeout")}
	}

	res, _ := f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y")))
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	if f.log.count("stop:new-1") != 1 {
		t.Errorf("記録できなかった購読は停止するべき: %v", f.log.list())
	}
	if _, ok := f.manager.Lookup("new-1"); ok {
		t.Error("記録できなかったチャンネルを有効にしてはならない")
	}
	if st, _ := statusOf(f.manager, "a@x"); !st.Degraded {
		t.Errorf("status = %+v, want degraded", st)
	}
}

func TestReconcile_BackpressureDefersNewCalendars(t *testing.T) {
	f := newFixture(t, saturation(true), storedChannel("a@x", "ch-a", baseTime.Add(72*time.Hour)))
	f.manager.Restore(context.Background())

	res, _ := f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y"), active("b@x", "b@y")))
	if res.Backpressure != 1 {
		t.Errorf("Backpressure = %d, want 1", res.Backpressure)
	}
	if f.log.count("create:") != 0 {
		t.Errorf("飽和中は新規作成しない: %v", f.log.list())
	}
	if phaseOf(f.manager, "a@x") != model.PhaseActive {
		t.Error("既存のチャンネルは維持されるべき")
	}
}

func TestReconcile_CancelledWhileAnotherRuns(t *testing.T) {
	f := newFixture(t, nil)
	f.manager.reconcile <- struct{}{}
	defer func() { <-f.manager.reconcile }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.manager.Reconcile(ctx, snapshotOf(active("a@x", "a@y"))); !errors.Is(err, context.Canceled) {
		t.Errorf("Reconcile() error = %v, want context.Canceled", err)
	}
}

// --- RenewDueChannels ---

func TestRenew_StopsOldOnlyAfterUpsert(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "old", baseTime.Add(12*time.Hour)))
	f.manager.Restore(context.Background())

	res := f.manager.RenewDueChannels(context.Background(), f.clock.Now())
	if res.Renewed != 1 {
		t.Fatalf("Renewed = %d, want 1", res.Renewed)
	}

	events := f.log.list()
	want := []string{"create:a@x", "upsert:new-1", "stop:old"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s (all: %v)", i, events[i], want[i], events)
		}
	}

	if _, ok := f.manager.Lookup("old"); ok {
		t.Error("古いチャンネルは差し替えられるべき")
	}
	if ch, ok := f.manager.Lookup("new-1"); !ok || ch.WatchedCalendar != "a@x" {
		t.Errorf("Lookup(new-1) = %v, %v", ch, ok)
	}
	if got := f.repo.stored("a@x"); got.ID != "new-1" || !got.CreatedAt.Equal(baseTime.Add(-time.Hour)) {
		t.Errorf("stored = %+v, want new-1 with original created_at", got)
	}
}

func TestRenew_SkipsChannelsNotDue(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "ch-a", baseTime.Add(72*time.Hour)))
	f.manager.Restore(context.Background())

	res := f.manager.RenewDueChannels(context.Background(), f.clock.Now())
	if res != (RenewResult{}) {
		t.Errorf("RenewDueChannels() = %+v, want zero", res)
	}
	if len(f.log.list()) != 0 {
		t.Errorf("events = %v, want none", f.log.list())
	}
}

func TestRenew_UpsertFailureKeepsOldChannel(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "old", baseTime.Add(12*time.Hour)))
	f.manager.Restore(context.Background())
	f.repo.upsertFunc = func(ctx context.Context, ch *model.Channel) error {
		return &model.StoreUnavailableError{Op: "upsert", Err: errors.New("down")}
	}

	res := f.manager.RenewDueChannels(context.Background(), f.clock.Now())
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	if f.log.count("stop:old") != 0 {
		t.Error("新しい購読を記録できない場合は古い購読を停止してはならない")
	}
	if f.log.count("stop:new-1") != 1 {
		t.Error("記録できなかった新しい購読は停止するべき")
	}
	if _, ok := f.manager.Lookup("old"); !ok {
		t.Error("古いチャンネルで受信を続けるべき")
	}
}

func TestRenew_PermanentErrorRetiresChannel(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "old", baseTime.Add(12*time.Hour)))
	f.manager.Restore(context.Background())
	f.provider.createFunc = func(ctx context.Context, cal string) (*model.Channel, error) {
		return nil, permanentErr("watch")
	}

	res := f.manager.RenewDueChannels(context.Background(), f.clock.Now())
	if res.Retired != 1 {
		t.Errorf("Retired = %d, want 1", res.Retired)
	}
	if f.log.count("create:") != 1 {
		t.Error("恒久エラーは再試行しない")
	}
	if f.log.count("stop:old") != 1 || f.repo.stored("a@x") != nil {
		t.Errorf("events = %v, stored = %v", f.log.list(), f.repo.stored("a@x"))
	}
	if _, ok := f.manager.Lookup("old"); ok {
		t.Error("廃止したチャンネルは検索できてはならない")
	}
}

func TestRenew_TransientFailureKeepsActiveUntilExpiry(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "old", baseTime.Add(12*time.Hour)))
	f.manager.Restore(context.Background())
	f.provider.createFunc = func(ctx context.Context, cal string) (*model.Channel, error) {
		return nil, transientErr("watch")
	}

	res := f.manager.RenewDueChannels(context.Background(), f.clock.Now())
	if res.Failed != 1 || res.Lapsed != 0 {
		t.Errorf("RenewDueChannels() = %+v, want 1 failed", res)
	}
	if phaseOf(f.manager, "a@x") != model.PhaseActive {
		t.Errorf("phase = %s, want active", phaseOf(f.manager, "a@x"))
	}
	if f.log.count("create:") != 3 {
		t.Errorf("create attempts = %d, want 3", f.log.count("create:"))
	}
}

func TestRenew_LapseThenRecreate(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "old", baseTime.Add(time.Hour)))
	f.manager.Restore(context.Background())
	f.provider.createFunc = func(ctx context.Context, cal string) (*model.Channel, error) {
		return nil, transientErr("watch")
	}

	// 有効期限を過ぎてから更新が失敗した
	f.clock.Advance(2 * time.Hour)
	res := f.manager.RenewDueChannels(context.Background(), f.clock.Now())
	if res.Lapsed != 1 {
		t.Fatalf("Lapsed = %d, want 1 (%+v)", res.Lapsed, res)
	}
	if phaseOf(f.manager, "a@x") != model.PhaseAbsent {
		t.Errorf("phase = %s, want absent", phaseOf(f.manager, "a@x"))
	}
	if _, ok := f.manager.Lookup("old"); ok {
		t.Error("失効したチャンネルは検索できてはならない")
	}

	f.provider.createFunc = nil
	rec, _ := f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y")))
	if rec.Created != 1 {
		t.Errorf("Created = %d, want 1", rec.Created)
	}
	if got := f.repo.stored("a@x"); got == nil || got.ID != "new-1" {
		t.Errorf("stored = %+v, want new-1", got)
	}
}

func TestRenew_ConcurrentWithReconcileDoesNotDuplicate(t *testing.T) {
	f := newFixture(t, nil, storedChannel("a@x", "old", baseTime.Add(12*time.Hour)))
	f.manager.Restore(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.manager.RenewDueChannels(context.Background(), f.clock.Now())
	}()
	go func() {
		defer wg.Done()
		f.manager.Reconcile(context.Background(), snapshotOf(active("a@x", "a@y")))
	}()
	wg.Wait()

	if got := f.log.count("create:"); got > 1 {
		t.Errorf("create calls = %d, want at most 1", got)
	}
	if f.manager.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", f.manager.ActiveCount())
	}
}

// --- 状態 ---

func TestTransition_RejectsDisallowedPhase(t *testing.T) {
	f := newFixture(t, nil)
	if _, ok := f.manager.transition("a@x", []model.ChannelPhase{model.PhaseAbsent}, model.PhaseActive, nil, nil); ok {
		t.Error("absentからactiveへの直接遷移は許可されない")
	}
	if _, ok := f.manager.transition("a@x", []model.ChannelPhase{model.PhaseAbsent}, model.PhasePendingCreate, nil, nil); !ok {
		t.Fatal("absentからpending-createへの遷移は許可される")
	}
	if _, ok := f.manager.transition("a@x", []model.ChannelPhase{model.PhaseAbsent}, model.PhasePendingCreate, nil, nil); ok {
		t.Error("同じカレンダーを二重に確保してはならない")
	}
}

func TestChannels_SortedByCalendar(t *testing.T) {
	f := newFixture(t, nil,
		storedChannel("c@x", "ch-c", baseTime.Add(72*time.Hour)),
		storedChannel("a@x", "ch-a", baseTime.Add(72*time.Hour)),
		storedChannel("b@x", "ch-b", baseTime.Add(72*time.Hour)),
	)
	f.manager.Restore(context.Background())

	got := f.manager.Channels()
	if len(got) != 3 || got[0].WatchedCalendar != "a@x" || got[2].WatchedCalendar != "c@x" {
		t.Errorf("Channels() = %+v", got)
	}
	if got[0].ChannelID != "ch-a" || got[0].Expiration == nil {
		t.Errorf("Channels()[0] = %+v", got[0])
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultCreateRetry()
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.failures); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
