package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/calrelay/internal/model"
)

// defaultOperationTimeout は1操作あたりのデフォルトのタイムアウト。
const defaultOperationTimeout = 5 * time.Second

// PostgresChannelRepo はPostgreSQLを使用したチャンネルリポジトリ。
type PostgresChannelRepo struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresChannelRepo はPostgresChannelRepoを生成する。
// timeoutが0以下の場合はデフォルト値5秒を使用する。
func NewPostgresChannelRepo(db *sql.DB, timeout time.Duration) *PostgresChannelRepo {
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &PostgresChannelRepo{db: db, timeout: timeout}
}

// LoadAll は永続化されている全チャンネルを返す。
func (r *PostgresChannelRepo) LoadAll(ctx context.Context) ([]*model.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT watched_calendar, channel_id, resource_id, expiration, owner_mapping,
		        created_at, updated_at
		 FROM channels ORDER BY watched_calendar`,
	)
	if err != nil {
		return nil, &model.StoreUnavailableError{Op: "load_all", Err: err}
	}
	defer rows.Close()

	var channels []*model.Channel
	for rows.Next() {
		ch := &model.Channel{}
		if err := rows.Scan(
			&ch.WatchedCalendar, &ch.ID, &ch.ResourceID, &ch.Expiration, &ch.OwnerMapping,
			&ch.CreatedAt, &ch.UpdatedAt,
		); err != nil {
			return nil, &model.StoreUnavailableError{Op: "load_all", Err: err}
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StoreUnavailableError{Op: "load_all", Err: err}
	}

	return channels, nil
}

// Upsert はwatched_calendarをキーにチャンネルを作成または置き換える。
// 更新時はcreated_atを維持し、channel_id、resource_id、expirationを差し替える。
func (r *PostgresChannelRepo) Upsert(ctx context.Context, channel *model.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := time.Now()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now
	}
	channel.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (watched_calendar, channel_id, resource_id, expiration,
		                       owner_mapping, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (watched_calendar) DO UPDATE SET
		    channel_id = EXCLUDED.channel_id,
		    resource_id = EXCLUDED.resource_id,
		    expiration = EXCLUDED.expiration,
		    owner_mapping = EXCLUDED.owner_mapping,
		    updated_at = EXCLUDED.updated_at`,
		channel.WatchedCalendar, channel.ID, channel.ResourceID, channel.Expiration,
		channel.OwnerMapping, channel.CreatedAt, channel.UpdatedAt,
	)
	if err != nil {
		return &model.StoreUnavailableError{Op: "upsert", Err: err}
	}
	return nil
}

// Delete は指定カレンダーのチャンネルを削除する。存在しない場合も成功する。
func (r *PostgresChannelRepo) Delete(ctx context.Context, watchedCalendar string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`DELETE FROM channels WHERE watched_calendar = $1`,
		watchedCalendar,
	)
	if err != nil {
		return &model.StoreUnavailableError{Op: "delete", Err: err}
	}
	return nil
}

// FindByWatchedCalendar は指定カレンダーのチャンネルを取得する。見つからない場合はnilを返す。
func (r *PostgresChannelRepo) FindByWatchedCalendar(ctx context.Context, watchedCalendar string) (*model.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ch := &model.Channel{}
	err := r.db.QueryRowContext(ctx,
		`SELECT watched_calendar, channel_id, resource_id, expiration, owner_mapping,
		        created_at, updated_at
		 FROM channels WHERE watched_calendar = $1`,
		watchedCalendar,
	).Scan(
		&ch.WatchedCalendar, &ch.ID, &ch.ResourceID, &ch.Expiration, &ch.OwnerMapping,
		&ch.CreatedAt, &ch.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StoreUnavailableError{Op: "find", Err: err}
	}
	return ch, nil
}
