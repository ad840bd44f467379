package google

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/api/calendar/v3"

	"github.com/hitoshi/calrelay/internal/model"
)

const (
	// sourceEventProperty はミラーしたイベントに元イベントIDを記録する非公開拡張プロパティ。
	sourceEventProperty = "calrelaySourceEvent"
	// sourcePrimaryProperty はミラー元のprimaryを記録する非公開拡張プロパティ。
	sourcePrimaryProperty = "calrelaySourcePrimary"

	secondaryCalendarID = "primary"
	listPageSize        = 250
)

// Sanitizer はイベント説明文のHTMLをサニタイズする。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// Fanout はprimaryカレンダーの変更をsecondaryカレンダーへミラーする。
// primaryとsecondaryの組ごとに同期トークンをメモリに保持し、差分のみを取得する。
type Fanout struct {
	clients   CalendarClients
	limiter   *RateLimiter
	sanitizer Sanitizer
	logger    *slog.Logger

	mu         sync.Mutex
	syncTokens map[string]string
}

// NewFanout はFanoutを生成する。
func NewFanout(clients CalendarClients, limiter *RateLimiter, sanitizer Sanitizer, logger *slog.Logger) *Fanout {
	return &Fanout{
		clients:    clients,
		limiter:    limiter,
		sanitizer:  sanitizer,
		logger:     logger,
		syncTokens: make(map[string]string),
	}
}

// Sync はtaskのprimaryで発生した変更をsecondaryのカレンダーへ反映する。
// ミラー先のイベントIDは元イベントから決定的に求めるため、同じ変更を複数回反映しても結果は変わらない。
func (f *Fanout) Sync(ctx context.Context, task *model.SyncTask, secondary string) error {
	src, err := f.clients.Calendar(task.Primary)
	if err != nil {
		return &model.ProviderError{Kind: model.KindPermanent, Op: "events.list", Calendar: task.Primary, Err: err}
	}
	dst, err := f.clients.Calendar(secondary)
	if err != nil {
		return &model.ProviderError{Kind: model.KindPermanent, Op: "events.mirror", Calendar: secondary, Err: err}
	}

	key := task.Primary + "|" + secondary
	token := f.syncToken(key)

	events, next, err := f.listChanges(ctx, src, task.Primary, token)
	if err != nil && token != "" && IsSyncTokenExpired(err) {
		f.logger.Info("同期トークンが失効したため全件同期します",
			slog.String("primary", task.Primary),
			slog.String("secondary", secondary),
		)
		f.setSyncToken(key, "")
		events, next, err = f.listChanges(ctx, src, task.Primary, "")
	}
	if err != nil {
		return Classify(err, "events.list", task.Primary)
	}

	mirrored := 0
	for _, ev := range events {
		if isMirror(ev) {
			continue
		}
		// 繰り返し予定は親イベントのみをミラーし、例外インスタンスは対象外とする
		if ev.RecurringEventId != "" {
			continue
		}
		if err := f.mirror(ctx, dst, task.Primary, ev); err != nil {
			return Classify(err, "events.mirror", secondary)
		}
		mirrored++
	}

	// 全件反映に成功した場合のみトークンを進める
	f.setSyncToken(key, next)

	f.logger.Debug("イベントをミラーしました",
		slog.String("primary", task.Primary),
		slog.String("secondary", secondary),
		slog.Int("changed", len(events)),
		slog.Int("mirrored", mirrored),
	)
	return nil
}

func (f *Fanout) listChanges(ctx context.Context, srv *calendar.Service, calendarID, syncToken string) ([]*calendar.Event, string, error) {
	var items []*calendar.Event
	pageToken := ""

	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}

		call := srv.Events.List(calendarID).ShowDeleted(true).MaxResults(listPageSize)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Context(ctx).Do()
		f.limiter.observe(err)
		if err != nil {
			return nil, "", err
		}

		items = append(items, resp.Items...)
		if resp.NextPageToken == "" {
			return items, resp.NextSyncToken, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (f *Fanout) mirror(ctx context.Context, dst *calendar.Service, primary string, ev *calendar.Event) error {
	id := MirrorEventID(primary, ev.Id)

	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}

	if ev.Status == "cancelled" {
		err := dst.Events.Delete(secondaryCalendarID, id).Context(ctx).Do()
		f.limiter.observe(err)
		if err != nil && !IsNotFound(err) {
			return err
		}
		return nil
	}

	m := f.mirrorEvent(primary, ev)
	_, err := dst.Events.Update(secondaryCalendarID, id, m).Context(ctx).Do()
	f.limiter.observe(err)
	if err == nil || !IsNotFound(err) {
		return err
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	m.Id = id
	_, err = dst.Events.Insert(secondaryCalendarID, m).Context(ctx).Do()
	f.limiter.observe(err)
	return err
}

func (f *Fanout) mirrorEvent(primary string, ev *calendar.Event) *calendar.Event {
	description := ev.Description
	if f.sanitizer != nil {
		description = f.sanitizer.Sanitize(description)
	}

	return &calendar.Event{
		Summary:      ev.Summary,
		Description:  description,
		Location:     ev.Location,
		Start:        ev.Start,
		End:          ev.End,
		Recurrence:   ev.Recurrence,
		Transparency: ev.Transparency,
		Status:       "confirmed",
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				sourceEventProperty:   ev.Id,
				sourcePrimaryProperty: primary,
			},
		},
	}
}

// MirrorEventID はprimaryのイベントに対応するsecondary側のイベントIDを返す。
// Calendar APIのイベントIDはbase32hexの文字のみ許可されるため16進表記を使う。
func MirrorEventID(primary, eventID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", primary, eventID)))
	return hex.EncodeToString(sum[:])
}

// isMirror は本サービスが作成したミラーイベントかを返す。
// secondaryが別のマッピングのprimaryである場合の循環を防ぐ。
func isMirror(ev *calendar.Event) bool {
	if ev.ExtendedProperties == nil {
		return false
	}
	return ev.ExtendedProperties.Private[sourceEventProperty] != ""
}

func (f *Fanout) syncToken(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncTokens[key]
}

func (f *Fanout) setSyncToken(key, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == "" {
		delete(f.syncTokens, key)
		return
	}
	f.syncTokens[key] = token
}
