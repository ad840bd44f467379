package model

import "time"

// ResourceStateSync はチャンネル作成直後にプロバイダーが送るハンドシェイク通知の状態値。
const ResourceStateSync = "sync"

// Notification はプロバイダーから受信したプッシュ通知1件。
type Notification struct {
	ChannelID     string
	ResourceID    string
	StateToken    string // X-Goog-Message-Number（単調増加）
	ResourceState string
	ResourceURI   string
	ChannelToken  string
	ReceivedAt    time.Time
}

// SyncTask は重複排除済み通知1件に対して生成されるファンアウト単位。
// 永続化されず、1回のオーケストレーションで消費される。
type SyncTask struct {
	Notification Notification
	Primary      string
	Secondaries  []string
}

// FanoutCount はファンアウトの成功数と失敗数。
type FanoutCount struct {
	Succeeded int
	Failed    int
}

// Total はファンアウト対象の総数を返す。
func (c FanoutCount) Total() int {
	return c.Succeeded + c.Failed
}
