// Package google はGoogle Calendar APIとSheets APIへのアクセスを提供する。
// サービスアカウントのドメイン全体の委任でユーザーごとのカレンダーを操作する。
package google

import (
	"context"
	"fmt"
	"sync"

	googleoauth "golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// ClientFactory はユーザーごとのAPIクライアントを生成しキャッシュする。
// サービスの生成はネットワーク通信を伴わない。
type ClientFactory struct {
	jwt  *jwt.Config
	opts []option.ClientOption

	mu        sync.Mutex
	calendars map[string]*calendar.Service
	sheets    *sheets.Service
}

// NewClientFactory はサービスアカウントの認証情報JSONからClientFactoryを生成する。
// Calendarクライアントは対象ユーザーをSubjectに設定して成り代わる。
func NewClientFactory(credentialsJSON []byte, opts ...option.ClientOption) (*ClientFactory, error) {
	cfg, err := googleoauth.JWTConfigFromJSON(credentialsJSON,
		calendar.CalendarScope,
		sheets.SpreadsheetsReadonlyScope,
	)
	if err != nil {
		return nil, fmt.Errorf("parse service account credentials: %w", err)
	}
	return &ClientFactory{
		jwt:       cfg,
		opts:      opts,
		calendars: make(map[string]*calendar.Service),
	}, nil
}

// NewStaticClientFactory は成り代わりを行わないClientFactoryを生成する。
// エミュレーターやテストサーバーに対してoption.WithEndpoint等と組み合わせて使う。
func NewStaticClientFactory(opts ...option.ClientOption) *ClientFactory {
	return &ClientFactory{
		opts:      opts,
		calendars: make(map[string]*calendar.Service),
	}
}

// Calendar はsubjectとして動作するCalendar APIクライアントを返す。
func (f *ClientFactory) Calendar(subject string) (*calendar.Service, error) {
	f.mu.Lock()
	svc, ok := f.calendars[subject]
	f.mu.Unlock()
	if ok {
		return svc, nil
	}

	opts := append([]option.ClientOption(nil), f.opts...)
	if f.jwt != nil {
		cfg := *f.jwt
		cfg.Subject = subject
		opts = append(opts, option.WithTokenSource(cfg.TokenSource(context.Background())))
	}

	svc, err := calendar.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service for %s: %w", subject, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.calendars[subject]; ok {
		return existing, nil
	}
	f.calendars[subject] = svc
	return svc, nil
}

// Sheets はサービスアカウント自身として動作するSheets APIクライアントを返す。
func (f *ClientFactory) Sheets() (*sheets.Service, error) {
	f.mu.Lock()
	svc := f.sheets
	f.mu.Unlock()
	if svc != nil {
		return svc, nil
	}

	opts := append([]option.ClientOption(nil), f.opts...)
	if f.jwt != nil {
		opts = append(opts, option.WithTokenSource(f.jwt.TokenSource(context.Background())))
	}

	svc, err := sheets.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sheets == nil {
		f.sheets = svc
	}
	return f.sheets, nil
}
