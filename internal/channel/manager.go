// Package channel は監視対象カレンダーごとのプッシュ通知チャンネルのライフサイクルを管理する。
// チャンネルストアを唯一の正とし、作成、更新、廃止を外部プロバイダーに対して行う。
//
// メモリ上の状態は不変のスナップショットとして保持し、変更時はコピーしてポインタを差し替える。
// ロックはポインタの差し替えのみを保護し、ネットワーク呼び出しの間は保持しない。
// 同一カレンダーへの並行操作はフェーズの遷移（pending-create、pending-renew、retiring）で排他する。
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/calrelay/internal/mapping"
	"github.com/hitoshi/calrelay/internal/metrics"
	"github.com/hitoshi/calrelay/internal/model"
	"github.com/hitoshi/calrelay/internal/repository"
)

// Provider は外部プロバイダーの購読API。
type Provider interface {
	// CreateSubscription はカレンダーの購読を作成する。
	CreateSubscription(ctx context.Context, calendarID string) (*model.Channel, error)
	// StopSubscription は購読を停止する。停止済みの場合も成功を返す。
	StopSubscription(ctx context.Context, ch *model.Channel) error
}

// Backpressure は新規カレンダーの監視を受け付けられるかを判定する。
type Backpressure interface {
	Saturated() bool
}

// Config はManagerの設定。
type Config struct {
	RenewalThreshold time.Duration // 有効期限までの残りがこれを下回ると更新する。デフォルト24時間
	ProviderTimeout  time.Duration // プロバイダー呼び出し1回あたりの上限。デフォルト10秒
	CreateRetry      RetryPolicy
	RestoreRetry     RetryPolicy
	MaxConcurrent    int // カレンダー単位の処理の最大並列数。デフォルト4
}

// Status は管理APIに公開するカレンダーごとの状態。
type Status struct {
	WatchedCalendar string             `json:"watched_calendar"`
	Phase           model.ChannelPhase `json:"phase"`
	ChannelID       string             `json:"channel_id,omitempty"`
	ResourceID      string             `json:"resource_id,omitempty"`
	Expiration      *time.Time         `json:"expiration,omitempty"`
	Degraded        bool               `json:"degraded"`
	LastError       string             `json:"last_error,omitempty"`
}

// ReconcileResult は1回の調整の結果。
type ReconcileResult struct {
	Created      int `json:"created"`
	Retired      int `json:"retired"`
	Failed       int `json:"failed"`
	Backpressure int `json:"backpressure"`
	Unchanged    int `json:"unchanged"`
}

// RenewResult は1回の更新スキャンの結果。
type RenewResult struct {
	Renewed int `json:"renewed"`
	Lapsed  int `json:"lapsed"`
	Retired int `json:"retired"`
	Failed  int `json:"failed"`
}

// record はカレンダー1件の状態。値として扱い、変更時は置き換える。
type record struct {
	phase      model.ChannelPhase
	channel    *model.Channel // フェーズがabsentの場合はnil
	degraded   bool
	lastError  string
	storeDirty bool // ストアに削除すべきレコードが残っている
}

// state はある時点の全カレンダーの状態。生成後は変更されない。
type state struct {
	records   map[string]record
	byChannel map[string]*model.Channel
}

func newState(records map[string]record) *state {
	s := &state{
		records:   records,
		byChannel: make(map[string]*model.Channel, len(records)),
	}
	for _, r := range records {
		if r.channel != nil {
			s.byChannel[r.channel.ID] = r.channel
		}
	}
	return s
}

// Manager はチャンネルのライフサイクルを管理する。
type Manager struct {
	repo         repository.ChannelRepository
	provider     Provider
	backpressure Backpressure
	logger       *slog.Logger
	metrics      metrics.Recorder
	cfg          Config

	current     atomic.Pointer[state]
	mu          sync.Mutex    // currentの差し替えのみを保護する
	reconcile   chan struct{} // 調整の直列化トークン
	storeLoaded atomic.Bool   // ストアの全チャンネルを読み込み済み

	now   func() time.Time
	sleep sleepFunc
}

// NewManager はManagerを生成する。初期状態はチャンネルなし。
// backpressureとrecorderはnilでもよい。
func NewManager(
	repo repository.ChannelRepository,
	provider Provider,
	backpressure Backpressure,
	logger *slog.Logger,
	recorder metrics.Recorder,
	cfg Config,
) *Manager {
	if cfg.RenewalThreshold <= 0 {
		cfg.RenewalThreshold = 24 * time.Hour
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	cfg.CreateRetry = cfg.CreateRetry.normalized(DefaultCreateRetry())
	cfg.RestoreRetry = cfg.RestoreRetry.normalized(DefaultRestoreRetry())
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	m := &Manager{
		repo:         repo,
		provider:     provider,
		backpressure: backpressure,
		logger:       logger,
		metrics:      recorder,
		cfg:          cfg,
		reconcile:    make(chan struct{}, 1),
		now:          time.Now,
		sleep:        sleepContext,
	}
	m.current.Store(newState(map[string]record{}))
	return m
}

// Restore はチャンネルストアから全チャンネルを読み込み、メモリ上の状態を置き換える。
// プロバイダーへの問い合わせは行わない。ストアに到達できない場合は再試行し、
// 上限に達したらチャンネルなしで開始してエラーを返す。次回の調整で自己修復する。
// 有効期限切れのチャンネルは失効扱いとし、次回の調整で作り直す。
func (m *Manager) Restore(ctx context.Context) (int, error) {
	start := m.now()

	var channels []*model.Channel
	err := retry(ctx, m.cfg.RestoreRetry, m.cfg.ProviderTimeout, m.sleep, func(ctx context.Context) error {
		var err error
		channels, err = m.repo.LoadAll(ctx)
		return err
	})
	if err != nil {
		m.logger.Error("チャンネルストアから復元できませんでした。チャンネルなしで開始します",
			slog.String("error", err.Error()),
			slog.Int("attempts", m.cfg.RestoreRetry.MaxAttempts),
		)
		return 0, fmt.Errorf("restore channels: %w", err)
	}

	now := m.now()
	records := make(map[string]record, len(channels))
	restored, lapsed := 0, 0
	for _, ch := range channels {
		if !ch.ActiveAt(now) {
			records[ch.WatchedCalendar] = record{phase: model.PhaseAbsent, storeDirty: true, lastError: "lapsed before restore"}
			lapsed++
			continue
		}
		records[ch.WatchedCalendar] = record{phase: model.PhaseActive, channel: ch}
		restored++
	}

	m.mu.Lock()
	m.current.Store(newState(records))
	m.mu.Unlock()
	m.storeLoaded.Store(true)
	m.metrics.SetActiveChannels(restored)

	m.logger.Info("チャンネルを復元しました",
		slog.Int("restored", restored),
		slog.Int("lapsed", lapsed),
		slog.Float64("duration_ms", float64(m.now().Sub(start).Milliseconds())),
	)
	return restored, nil
}

// Lookup はチャンネルIDからチャンネルを返す。
func (m *Manager) Lookup(channelID string) (*model.Channel, bool) {
	ch, ok := m.current.Load().byChannel[channelID]
	return ch, ok
}

// Channels は全カレンダーの状態をカレンダー順に返す。
func (m *Manager) Channels() []Status {
	st := m.current.Load()
	out := make([]Status, 0, len(st.records))
	for cal, r := range st.records {
		s := Status{
			WatchedCalendar: cal,
			Phase:           r.phase,
			Degraded:        r.degraded,
			LastError:       r.lastError,
		}
		if r.channel != nil {
			exp := r.channel.Expiration
			s.ChannelID = r.channel.ID
			s.ResourceID = r.channel.ResourceID
			s.Expiration = &exp
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WatchedCalendar < out[j].WatchedCalendar })
	return out
}

// ActiveCount は有効なチャンネル数を返す。
func (m *Manager) ActiveCount() int {
	return countActive(m.current.Load())
}

func countActive(st *state) int {
	n := 0
	for _, r := range st.records {
		if r.phase == model.PhaseActive {
			n++
		}
	}
	return n
}

// transition はカレンダーのフェーズをtoに遷移させ、遷移後のレコードを返す。
// 現在のフェーズがfromに含まれない場合、または遷移が許可されない場合は何もせずfalseを返す。
// guardがnilでなければ現在のレコードに対して追加の条件を判定する。
func (m *Manager) transition(calendar string, from []model.ChannelPhase, to model.ChannelPhase, guard func(record) bool, apply func(*record)) (record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current.Load()
	r, ok := old.records[calendar]
	if !ok {
		r = record{phase: model.PhaseAbsent}
	}
	if !phaseIn(r.phase, from) || !r.phase.CanTransitionTo(to) {
		return r, false
	}
	if guard != nil && !guard(r) {
		return r, false
	}

	prev := r
	r.phase = to
	if apply != nil {
		apply(&r)
	}
	if to == model.PhaseAbsent {
		r.channel = nil
	}

	records := make(map[string]record, len(old.records)+1)
	for k, v := range old.records {
		records[k] = v
	}
	if r.phase == model.PhaseAbsent && !r.degraded && !r.storeDirty && r.lastError == "" {
		delete(records, calendar)
	} else {
		records[calendar] = r
	}

	next := newState(records)
	m.current.Store(next)
	m.metrics.SetActiveChannels(countActive(next))

	if prev.phase != r.phase {
		m.logger.Debug("チャンネルのフェーズを遷移しました",
			slog.String("calendar_id", calendar),
			slog.String("from", string(prev.phase)),
			slog.String("to", string(r.phase)),
		)
	}
	return r, true
}

// update はフェーズを変えずにレコードを更新する。
func (m *Manager) update(calendar string, apply func(*record)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current.Load()
	r, ok := old.records[calendar]
	if !ok {
		return
	}
	apply(&r)

	records := make(map[string]record, len(old.records))
	for k, v := range old.records {
		records[k] = v
	}
	if r.phase == model.PhaseAbsent && !r.degraded && !r.storeDirty && r.lastError == "" {
		delete(records, calendar)
	} else {
		records[calendar] = r
	}
	m.current.Store(newState(records))
}

func phaseIn(p model.ChannelPhase, set []model.ChannelPhase) bool {
	for _, s := range set {
		if s == p {
			return true
		}
	}
	return false
}

// Reconcile は生きているチャンネルの集合を有効なマッピングの集合に一致させる。
//
//   - 有効なマッピングで生きたチャンネルがないカレンダー: チャンネルを作成する
//   - 有効なマッピングがなくなったカレンダー: チャンネルを停止してストアから削除する
//   - 失効したチャンネルや作成に失敗したカレンダー: 作り直す
//
// 調整同士は直列に実行され、更新スキャンや通知処理とは独立している。
// カレンダー単位の失敗は他のカレンダーの処理を妨げない。
func (m *Manager) Reconcile(ctx context.Context, snap *mapping.Snapshot) (ReconcileResult, error) {
	select {
	case m.reconcile <- struct{}{}:
		defer func() { <-m.reconcile }()
	case <-ctx.Done():
		return ReconcileResult{}, ctx.Err()
	}

	start := m.now()
	if !m.storeLoaded.Load() {
		m.mergeStored(ctx)
	}
	st := m.current.Load()
	now := m.now()

	desired := make(map[string]string)
	for _, um := range snap.Active() {
		desired[um.Primary] = um.Primary
	}

	var (
		result ReconcileResult
		tasks  []task
	)

	for cal, owner := range desired {
		r, ok := st.records[cal]
		switch {
		case ok && r.phase.Busy():
			result.Unchanged++
		case ok && r.phase == model.PhaseActive && r.channel.ActiveAt(now):
			result.Unchanged++
		default:
			cal, owner := cal, owner
			tasks = append(tasks, func(ctx context.Context) (string, error) {
				return "create", m.create(ctx, cal, owner)
			})
		}
	}

	for cal, r := range st.records {
		if _, want := desired[cal]; want {
			continue
		}
		cal := cal
		switch {
		case r.phase == model.PhaseActive:
			tasks = append(tasks, func(ctx context.Context) (string, error) {
				return "retire", m.retire(ctx, cal)
			})
		case r.phase == model.PhaseAbsent && r.storeDirty:
			tasks = append(tasks, func(ctx context.Context) (string, error) {
				return "retire", m.cleanup(ctx, cal)
			})
		case r.phase == model.PhaseAbsent:
			// マッピングがなくなった作成失敗カレンダーは追跡をやめる
			m.update(cal, func(r *record) { *r = record{phase: model.PhaseAbsent} })
		}
	}

	var mu sync.Mutex
	m.runBounded(ctx, tasks, func(op string, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case errors.Is(err, model.ErrBackpressure):
			result.Backpressure++
		case err != nil:
			result.Failed++
		case op == "create":
			result.Created++
		default:
			result.Retired++
		}
	})

	m.logger.Info("チャンネルの調整が完了しました",
		slog.Uint64("mapping_version", snap.Version),
		slog.Int("desired", len(desired)),
		slog.Int("created", result.Created),
		slog.Int("retired", result.Retired),
		slog.Int("failed", result.Failed),
		slog.Int("backpressure", result.Backpressure),
		slog.Int("unchanged", result.Unchanged),
		slog.Float64("duration_ms", float64(m.now().Sub(start).Milliseconds())),
	)
	return result, nil
}

// mergeStored はストアの全チャンネルを1回だけ読み込み、追跡していないカレンダーを状態に加える。
// 起動時の復元に失敗した場合でも、ストアに残ったチャンネルを調整の対象にする。
// 失敗した場合は次回の調整で再び読み込む。
func (m *Manager) mergeStored(ctx context.Context) {
	channels, err := m.repo.LoadAll(ctx)
	if err != nil {
		m.logger.Warn("チャンネルストアを読み込めませんでした。次回の調整で再試行します",
			slog.String("error", err.Error()),
		)
		return
	}

	now := m.now()
	m.mu.Lock()
	old := m.current.Load()
	records := make(map[string]record, len(old.records)+len(channels))
	for k, v := range old.records {
		records[k] = v
	}
	merged := 0
	for _, ch := range channels {
		if _, ok := records[ch.WatchedCalendar]; ok {
			continue
		}
		if ch.ActiveAt(now) {
			records[ch.WatchedCalendar] = record{phase: model.PhaseActive, channel: ch}
		} else {
			records[ch.WatchedCalendar] = record{phase: model.PhaseAbsent, storeDirty: true, lastError: "lapsed before restore"}
		}
		merged++
	}
	next := newState(records)
	m.current.Store(next)
	m.mu.Unlock()

	m.storeLoaded.Store(true)
	m.metrics.SetActiveChannels(countActive(next))
	m.logger.Info("チャンネルストアを読み込み直しました", slog.Int("merged", merged))
}

// task はカレンダー1件に対する処理。結果の集計用に操作種別を返す。
type task func(ctx context.Context) (op string, err error)

// runBounded はtasksを最大MaxConcurrent並列で実行し、各結果をdoneに渡す。
func (m *Manager) runBounded(ctx context.Context, tasks []task, done func(op string, err error)) {
	sem := make(chan struct{}, m.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for _, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}

		go func(t task) {
			defer wg.Done()
			defer func() { <-sem }()

			done(t(ctx))
		}(t)
	}

	wg.Wait()
}

// create はカレンダーのチャンネルを作成して永続化する。
func (m *Manager) create(ctx context.Context, calendar, owner string) error {
	log := m.logger.With(slog.String("calendar_id", calendar))

	// 失効したチャンネルは一度absentに戻してから作り直す
	m.transition(calendar, []model.ChannelPhase{model.PhaseActive}, model.PhaseAbsent,
		func(r record) bool { return r.channel != nil && !r.channel.ActiveAt(m.now()) },
		func(r *record) {
			r.storeDirty = true
			r.lastError = "lapsed"
		},
	)

	// ストアに記録のあるカレンダーは飽和中でも作り直す
	current := m.current.Load().records[calendar]
	if !current.storeDirty && m.backpressure != nil && m.backpressure.Saturated() {
		m.metrics.RecordChannelOperation("create", "backpressure")
		log.Warn("重複排除キャッシュが上限に達しているため新規カレンダーの監視を見送ります")
		return model.ErrBackpressure
	}

	if _, ok := m.transition(calendar, []model.ChannelPhase{model.PhaseAbsent}, model.PhasePendingCreate, nil, nil); !ok {
		return nil
	}

	var created *model.Channel
	err := retry(ctx, m.cfg.CreateRetry, m.cfg.ProviderTimeout, m.sleep, func(ctx context.Context) error {
		ch, err := m.provider.CreateSubscription(ctx, calendar)
		if err != nil {
			log.Warn("チャンネルの作成に失敗しました", slog.String("error", err.Error()))
			return err
		}
		created = ch
		return nil
	})
	if err != nil {
		m.transition(calendar, []model.ChannelPhase{model.PhasePendingCreate}, model.PhaseAbsent, nil, func(r *record) {
			r.degraded = true
			r.lastError = err.Error()
		})
		m.metrics.RecordChannelOperation("create", "failure")
		log.Error("チャンネルを作成できませんでした。次回の調整で再試行します",
			slog.String("error", err.Error()),
			slog.Bool("permanent", model.IsPermanent(err)),
		)
		return err
	}

	created.WatchedCalendar = calendar
	created.OwnerMapping = owner

	if err := m.repo.Upsert(ctx, created); err != nil {
		// 記録できない購読は残さない
		m.stopQuietly(ctx, created)
		m.transition(calendar, []model.ChannelPhase{model.PhasePendingCreate}, model.PhaseAbsent, nil, func(r *record) {
			r.degraded = true
			r.lastError = err.Error()
		})
		m.metrics.RecordChannelOperation("create", "store_error")
		log.Error("チャンネルを永続化できませんでした", slog.String("error", err.Error()))
		return err
	}

	m.transition(calendar, []model.ChannelPhase{model.PhasePendingCreate}, model.PhaseActive, nil, func(r *record) {
		r.channel = created
		r.degraded = false
		r.storeDirty = false
		r.lastError = ""
	})
	m.metrics.RecordChannelOperation("create", "success")
	log.Info("チャンネルを作成しました",
		slog.String("channel_id", created.ID),
		slog.Time("expiration", created.Expiration),
	)
	return nil
}

// retire はチャンネルを停止してストアから削除する。
// 停止が一時エラーで失敗した場合はactiveに戻し、次回の調整で再試行する。
func (m *Manager) retire(ctx context.Context, calendar string) error {
	log := m.logger.With(slog.String("calendar_id", calendar))

	r, ok := m.transition(calendar, []model.ChannelPhase{model.PhaseActive}, model.PhaseRetiring, nil, nil)
	if !ok {
		return nil
	}
	ch := r.channel

	err := retry(ctx, m.cfg.CreateRetry, m.cfg.ProviderTimeout, m.sleep, func(ctx context.Context) error {
		return m.provider.StopSubscription(ctx, ch)
	})
	if err != nil && !model.IsPermanent(err) {
		m.transition(calendar, []model.ChannelPhase{model.PhaseRetiring}, model.PhaseActive, nil, func(r *record) {
			r.lastError = err.Error()
		})
		m.metrics.RecordChannelOperation("stop", "failure")
		log.Warn("チャンネルを停止できませんでした。次回の調整で再試行します",
			slog.String("channel_id", ch.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	if err != nil {
		// 権限を失ったカレンダーの購読は停止できないが、期限で自然に失効する
		log.Warn("チャンネルの停止が恒久エラーで失敗しました。ストアからは削除します",
			slog.String("channel_id", ch.ID),
			slog.String("error", err.Error()),
		)
	}

	return m.deleteRecord(ctx, calendar, model.PhaseRetiring, "stop", ch.ID)
}

// cleanup はメモリ上はabsentだがストアに残っているレコードを削除する。
func (m *Manager) cleanup(ctx context.Context, calendar string) error {
	if err := m.repo.Delete(ctx, calendar); err != nil {
		m.logger.Warn("チャンネルレコードの削除に失敗しました",
			slog.String("calendar_id", calendar),
			slog.String("error", err.Error()),
		)
		return err
	}
	m.update(calendar, func(r *record) { *r = record{phase: model.PhaseAbsent} })
	return nil
}

// deleteRecord はストアからレコードを削除し、fromフェーズからabsentに遷移させる。
// 削除に失敗した場合はストアにレコードが残っていることを記録する。
func (m *Manager) deleteRecord(ctx context.Context, calendar string, from model.ChannelPhase, op, channelID string) error {
	if err := m.repo.Delete(ctx, calendar); err != nil {
		m.transition(calendar, []model.ChannelPhase{from}, model.PhaseAbsent, nil, func(r *record) {
			r.storeDirty = true
			r.lastError = err.Error()
		})
		m.metrics.RecordChannelOperation(op, "store_error")
		m.logger.Warn("チャンネルレコードの削除に失敗しました。次回の調整で再試行します",
			slog.String("calendar_id", calendar),
			slog.String("error", err.Error()),
		)
		return err
	}

	m.transition(calendar, []model.ChannelPhase{from}, model.PhaseAbsent, nil, func(r *record) {
		*r = record{phase: model.PhaseAbsent}
	})
	m.metrics.RecordChannelOperation(op, "success")
	m.logger.Info("チャンネルを廃止しました",
		slog.String("calendar_id", calendar),
		slog.String("channel_id", channelID),
	)
	return nil
}

// RenewDueChannels は有効期限までの残りが閾値を下回るチャンネルを更新する。
// 新しい購読を作成してストアに記録した後でのみ古い購読を停止するため、
// 更新中にカレンダーの購読が途切れることはない。
// 期限間際に更新が失敗し続けた場合は失効させ、次回の調整で作り直す。
func (m *Manager) RenewDueChannels(ctx context.Context, now time.Time) RenewResult {
	start := m.now()
	st := m.current.Load()

	var tasks []task
	for cal, r := range st.records {
		if r.phase != model.PhaseActive || !r.channel.DueForRenewal(now, m.cfg.RenewalThreshold) {
			continue
		}
		cal, ch := cal, r.channel
		tasks = append(tasks, func(ctx context.Context) (string, error) {
			return m.renew(ctx, cal, ch)
		})
	}

	var (
		mu     sync.Mutex
		result RenewResult
	)
	m.runBounded(ctx, tasks, func(op string, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case op == "lapse":
			result.Lapsed++
		case op == "retire":
			result.Retired++
		case err != nil:
			result.Failed++
		default:
			result.Renewed++
		}
	})

	if len(tasks) > 0 {
		m.logger.Info("チャンネルの更新スキャンが完了しました",
			slog.Int("due", len(tasks)),
			slog.Int("renewed", result.Renewed),
			slog.Int("lapsed", result.Lapsed),
			slog.Int("retired", result.Retired),
			slog.Int("failed", result.Failed),
			slog.Float64("duration_ms", float64(m.now().Sub(start).Milliseconds())),
		)
	}
	return result
}

// renew はoldを新しい購読に置き換える。
func (m *Manager) renew(ctx context.Context, calendar string, old *model.Channel) (string, error) {
	log := m.logger.With(slog.String("calendar_id", calendar), slog.String("channel_id", old.ID))

	_, ok := m.transition(calendar, []model.ChannelPhase{model.PhaseActive}, model.PhasePendingRenew,
		func(r record) bool { return r.channel == old }, nil)
	if !ok {
		return "renew", nil
	}

	var fresh *model.Channel
	err := retry(ctx, m.cfg.CreateRetry, m.cfg.ProviderTimeout, m.sleep, func(ctx context.Context) error {
		ch, err := m.provider.CreateSubscription(ctx, calendar)
		if err != nil {
			return err
		}
		fresh = ch
		return nil
	})

	switch {
	case err != nil && model.IsPermanent(err):
		m.metrics.RecordChannelOperation("renew", "permanent_failure")
		log.Error("カレンダーにアクセスできないためチャンネルを廃止します", slog.String("error", err.Error()))
		m.transition(calendar, []model.ChannelPhase{model.PhasePendingRenew}, model.PhaseRetiring, nil, func(r *record) {
			r.lastError = err.Error()
		})
		m.stopQuietly(ctx, old)
		m.deleteRecord(ctx, calendar, model.PhaseRetiring, "stop", old.ID)
		return "retire", err

	case err != nil && !old.ActiveAt(m.now()):
		m.transition(calendar, []model.ChannelPhase{model.PhasePendingRenew}, model.PhaseAbsent, nil, func(r *record) {
			r.storeDirty = true
			r.lastError = err.Error()
		})
		m.metrics.RecordChannelOperation("renew", "lapsed")
		log.Error("チャンネルの更新に失敗し失効しました。次回の調整で作り直します", slog.String("error", err.Error()))
		return "lapse", err

	case err != nil:
		m.transition(calendar, []model.ChannelPhase{model.PhasePendingRenew}, model.PhaseActive, nil, func(r *record) {
			r.lastError = err.Error()
		})
		m.metrics.RecordChannelOperation("renew", "failure")
		log.Warn("チャンネルの更新に失敗しました。次回のスキャンで再試行します",
			slog.String("error", err.Error()),
			slog.Time("expiration", old.Expiration),
		)
		return "renew", err
	}

	fresh.WatchedCalendar = calendar
	fresh.OwnerMapping = old.OwnerMapping
	fresh.CreatedAt = old.CreatedAt

	if err := m.repo.Upsert(ctx, fresh); err != nil {
		m.stopQuietly(ctx, fresh)
		m.transition(calendar, []model.ChannelPhase{model.PhasePendingRenew}, model.PhaseActive, nil, func(r *record) {
			r.lastError = err.Error()
		})
		m.metrics.RecordChannelOperation("renew", "store_error")
		log.Warn("更新したチャンネルを永続化できませんでした。古いチャンネルを維持します", slog.String("error", err.Error()))
		return "renew", err
	}

	m.transition(calendar, []model.ChannelPhase{model.PhasePendingRenew}, model.PhaseActive, nil, func(r *record) {
		r.channel = fresh
		r.lastError = ""
		r.degraded = false
	})

	// 新しい購読の記録後に古い購読を停止する
	m.stopQuietly(ctx, old)

	m.metrics.RecordChannelOperation("renew", "success")
	log.Info("チャンネルを更新しました",
		slog.String("new_channel_id", fresh.ID),
		slog.Time("expiration", fresh.Expiration),
	)
	return "renew", nil
}

// stopQuietly は購読を1回だけ停止し、失敗はログに残すのみとする。
func (m *Manager) stopQuietly(ctx context.Context, ch *model.Channel) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	defer cancel()
	if err := m.provider.StopSubscription(callCtx, ch); err != nil {
		m.logger.Warn("購読の停止に失敗しました。期限で失効します",
			slog.String("calendar_id", ch.WatchedCalendar),
			slog.String("channel_id", ch.ID),
			slog.String("error", err.Error()),
		)
	}
}
