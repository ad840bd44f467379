package google

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"

	"github.com/hitoshi/calrelay/internal/model"
)

// maxChannelTTL はCalendar APIのイベント購読の上限寿命。
const maxChannelTTL = 7 * 24 * time.Hour

// CalendarClients はユーザーごとのCalendarクライアントを返す。
type CalendarClients interface {
	Calendar(subject string) (*calendar.Service, error)
}

// ProviderConfig はProviderの設定。
type ProviderConfig struct {
	WebhookURL string        // 通知の送信先URL
	Token      string        // X-Goog-Channel-Tokenとして返される共有シークレット
	ChannelTTL time.Duration // 要求する購読の寿命。0以下または上限超過時は7日
}

// Provider はCalendar APIのevents.watchとchannels.stopで購読を管理する。
type Provider struct {
	clients CalendarClients
	limiter *RateLimiter
	cfg     ProviderConfig
	now     func() time.Time
	newID   func() string
}

// NewProvider はProviderを生成する。
func NewProvider(clients CalendarClients, limiter *RateLimiter, cfg ProviderConfig) *Provider {
	if cfg.ChannelTTL <= 0 || cfg.ChannelTTL > maxChannelTTL {
		cfg.ChannelTTL = maxChannelTTL
	}
	return &Provider{
		clients: clients,
		limiter: limiter,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// CreateSubscription はカレンダーのイベント変更通知を購読する。
// 返すChannelのWatchedCalendarとOwnerMappingはcalendarIDに設定される。
func (p *Provider) CreateSubscription(ctx context.Context, calendarID string) (*model.Channel, error) {
	srv, err := p.clients.Calendar(calendarID)
	if err != nil {
		return nil, &model.ProviderError{Kind: model.KindPermanent, Op: "watch", Calendar: calendarID, Err: err}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, Classify(err, "watch", calendarID)
	}

	requested := p.now().Add(p.cfg.ChannelTTL)
	req := &calendar.Channel{
		Id:         p.newID(),
		Type:       "web_hook",
		Address:    p.cfg.WebhookURL,
		Token:      p.cfg.Token,
		Expiration: requested.UnixMilli(),
	}

	resp, err := srv.Events.Watch(calendarID, req).Context(ctx).Do()
	p.limiter.observe(err)
	if err != nil {
		return nil, Classify(err, "watch", calendarID)
	}

	expiration := requested
	if resp.Expiration > 0 {
		expiration = time.UnixMilli(resp.Expiration)
	}
	id := resp.Id
	if id == "" {
		id = req.Id
	}

	return &model.Channel{
		ID:              id,
		WatchedCalendar: calendarID,
		ResourceID:      resp.ResourceId,
		Expiration:      expiration,
		OwnerMapping:    calendarID,
	}, nil
}

// StopSubscription は購読を停止する。既に停止済み（404）の場合も成功として扱う。
// channels.stopは購読を作成したユーザーとして呼び出す必要がある。
func (p *Provider) StopSubscription(ctx context.Context, ch *model.Channel) error {
	srv, err := p.clients.Calendar(ch.WatchedCalendar)
	if err != nil {
		return &model.ProviderError{Kind: model.KindPermanent, Op: "stop", Calendar: ch.WatchedCalendar, Err: err}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return Classify(err, "stop", ch.WatchedCalendar)
	}

	err = srv.Channels.Stop(&calendar.Channel{
		Id:         ch.ID,
		ResourceId: ch.ResourceID,
	}).Context(ctx).Do()
	p.limiter.observe(err)
	if err != nil && !IsNotFound(err) {
		return Classify(err, "stop", ch.WatchedCalendar)
	}
	return nil
}
