// Package model はドメインモデルを定義する。
package model

import "time"

// Channel は監視対象カレンダー1件に対するプッシュ通知購読（チャンネル）を表す。
// watched_calendarで一意であり、Channel Storeに永続化される。
type Channel struct {
	ID              string
	WatchedCalendar string
	ResourceID      string
	Expiration      time.Time
	OwnerMapping    string // 所有するマッピングのprimary
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActiveAt は指定時刻においてチャンネルが有効期限内かを返す。
func (c *Channel) ActiveAt(now time.Time) bool {
	return now.Before(c.Expiration)
}

// DueForRenewal は有効期限までの残り時間がthresholdを下回っているかを返す。
func (c *Channel) DueForRenewal(now time.Time, threshold time.Duration) bool {
	return c.Expiration.Sub(now) < threshold
}

// ChannelPhase はカレンダーごとのチャンネル状態機械のフェーズ。
type ChannelPhase string

const (
	// PhaseAbsent はチャンネルが存在しない状態。
	PhaseAbsent ChannelPhase = "absent"
	// PhasePendingCreate はプロバイダーへの購読作成中。
	PhasePendingCreate ChannelPhase = "pending-create"
	// PhaseActive は有効なチャンネルが永続化済みの状態。
	PhaseActive ChannelPhase = "active"
	// PhasePendingRenew は新しい購読への差し替え中。
	PhasePendingRenew ChannelPhase = "pending-renew"
	// PhaseRetiring は購読停止と削除の処理中。
	PhaseRetiring ChannelPhase = "retiring"
)

// phaseTransitions は許可される遷移の一覧。
// Retiring → Active は停止が一時エラーで完了せず、次サイクルに持ち越す場合のみ使う。
var phaseTransitions = map[ChannelPhase][]ChannelPhase{
	PhaseAbsent:        {PhasePendingCreate},
	PhasePendingCreate: {PhaseActive, PhaseAbsent},
	PhaseActive:        {PhasePendingRenew, PhaseRetiring, PhaseAbsent},
	PhasePendingRenew:  {PhaseActive, PhaseRetiring, PhaseAbsent},
	PhaseRetiring:      {PhaseAbsent, PhaseActive},
}

// CanTransitionTo は現在のフェーズからnextへの遷移が許可されているかを返す。
func (p ChannelPhase) CanTransitionTo(next ChannelPhase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Busy はプロバイダー呼び出しが進行中のフェーズかを返す。
func (p ChannelPhase) Busy() bool {
	switch p {
	case PhasePendingCreate, PhasePendingRenew, PhaseRetiring:
		return true
	default:
		return false
	}
}
