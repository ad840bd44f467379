package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, webhook, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidNotification = "INVALID_NOTIFICATION"
	ErrCodeTransientFailure    = "TRANSIENT_FAILURE"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeRefreshFailed       = "REFRESH_FAILED"
)

// NewInvalidNotificationError は必須ヘッダーが欠けた通知に対するエラーを生成する。
func NewInvalidNotificationError(missing string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidNotification,
		Message:  fmt.Sprintf("通知に必須ヘッダーがありません: %s", missing),
		Category: "webhook",
		Action:   "X-Goog-Channel-ID と X-Goog-Resource-ID を含めて送信してください。",
	}
}

// NewTransientFailureError は再送で回復しうる内部エラーを生成する。
// プロバイダーに再送させるため非2xxで返す。
func NewTransientFailureError() *APIError {
	return &APIError{
		Code:     ErrCodeTransientFailure,
		Message:  "一時的なエラーにより通知を処理できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再送してください。",
	}
}

// NewUnauthorizedError は管理APIの認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "Authorization: Bearer ヘッダーに管理トークンを指定してください。",
	}
}

// NewRefreshFailedError はマッピング再読み込みの失敗エラーを生成する。
func NewRefreshFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRefreshFailed,
		Message:  fmt.Sprintf("マッピングの再読み込みに失敗しました: %s", reason),
		Category: "system",
		Action:   "マッピングソースへのアクセス権限を確認してください。",
	}
}

// ErrorKind はプロバイダーエラーの分類。
type ErrorKind int

const (
	// KindTransient はバックオフ付きで再試行すべきエラー（レート制限、タイムアウト、5xx）。
	KindTransient ErrorKind = iota
	// KindPermanent は対象チャンネルのみを廃止すべきエラー（権限喪失、カレンダー消失）。
	KindPermanent
)

// String はErrorKindの文字列表現を返す。
func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// ProviderError は外部カレンダープロバイダー呼び出しのエラー。
type ProviderError struct {
	Kind     ErrorKind
	Op       string
	Calendar string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (%s) %s: %v", e.Op, e.Kind, e.Calendar, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient はエラーが一時的なプロバイダーエラーまたはストア障害かを返す。
func IsTransient(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind == KindTransient
	}
	var serr *StoreUnavailableError
	return errors.As(err, &serr)
}

// IsPermanent はエラーが恒久的なプロバイダーエラーかを返す。
func IsPermanent(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind == KindPermanent
	}
	return false
}

// ConfigError は起動時の設定検証エラー。起動を中止する。
type ConfigError struct {
	Field  string
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// MappingParseError はマッピングソースの1行の解析エラー。
// その行のみスキップされ、再読み込み全体は中断しない。
type MappingParseError struct {
	Row    int
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *MappingParseError) Error() string {
	return fmt.Sprintf("mapping row %d: %s", e.Row, e.Reason)
}

// StoreUnavailableError は永続ストアへの到達失敗。一時エラーとして扱う。
type StoreUnavailableError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable (%s): %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

var (
	// ErrAllFanoutFailed は全secondaryへのファンアウトが失敗したことを示す。
	ErrAllFanoutFailed = errors.New("all fan-out targets failed")
	// ErrBackpressure は重複排除キャッシュが上限に達し新規監視を受け付けないことを示す。
	ErrBackpressure = errors.New("dedup cache saturated: new calendars are not accepted")
)
