// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/calrelay/internal/model"
)

// ChannelRepository はチャンネルの永続化インターフェース。
// 再起動をまたぐチャンネル状態の唯一の正とする。
// 全操作は冪等で、同じチャンネルの二重Upsertや存在しないチャンネルのDeleteもエラーにならない。
// ストアに到達できない場合は *model.StoreUnavailableError を返す。
type ChannelRepository interface {
	// LoadAll は永続化されている全チャンネルを返す。コールドスタート時と復旧時に使用する。
	LoadAll(ctx context.Context) ([]*model.Channel, error)

	// Upsert はwatched_calendarをキーにチャンネルを作成または置き換える。
	Upsert(ctx context.Context, channel *model.Channel) error

	// Delete は指定カレンダーのチャンネルを削除する。存在しない場合も成功する。
	Delete(ctx context.Context, watchedCalendar string) error

	// FindByWatchedCalendar は指定カレンダーのチャンネルを取得する。見つからない場合はnilを返す。
	FindByWatchedCalendar(ctx context.Context, watchedCalendar string) (*model.Channel, error)
}
