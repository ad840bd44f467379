// Package dedup はプッシュ通知の重複排除キャッシュを提供する。
// フィンガープリントごとに挿入時刻を保持し、TTL内の再配信を重複として扱う。
// TTLは非スライディングで、重複検出時に挿入時刻を更新しない。
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Fingerprint はチャンネルID、リソースID、状態トークンから通知のフィンガープリントを導出する。
func Fingerprint(channelID, resourceID, stateToken string) string {
	h := sha256.New()
	h.Write([]byte(channelID))
	h.Write([]byte{0})
	h.Write([]byte(resourceID))
	h.Write([]byte{0})
	h.Write([]byte(stateToken))
	return hex.EncodeToString(h.Sum(nil))
}

// queued は挿入順キューの要素。
type queued struct {
	fingerprint string
	insertedAt  time.Time
}

// Cache はTTL付きのフィンガープリント集合。
// SeenRecentlyは単一のロック区間で確認と挿入を行うため、
// 同一フィンガープリントの同時配信のうちfalseを返すのは1件のみ。
type Cache struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	queue      []queued // 挿入時刻の昇順
	head       int
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewCache はCacheを生成する。
// maxEntriesは新規監視を拒否するバックプレッシャーの閾値で、0以下なら無制限。
// エントリ数がmaxEntriesを超えてもTTL前の削除は行わない。
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// SeenRecently はフィンガープリントを確認し、未登録または期限切れなら現在時刻で登録してfalseを返す。
// TTL内に登録済みならtrueを返し、挿入時刻は更新しない。
func (c *Cache) SeenRecently(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if insertedAt, ok := c.entries[fingerprint]; ok && now.Sub(insertedAt) < c.ttl {
		return true
	}

	c.purgeLocked(now)

	c.entries[fingerprint] = now
	c.queue = append(c.queue, queued{fingerprint: fingerprint, insertedAt: now})
	return false
}

// Forget はフィンガープリントの登録を取り消す。
// 登録した処理自体が一時エラーで終わり、再送を新規として受け付ける場合にのみ使う。
func (c *Cache) Forget(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
}

// Sweep は期限切れエントリを物理削除し、削除件数を返す。
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.now())
}

// Len は物理的に保持しているエントリ数を返す。期限切れで未削除のものを含む。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Saturated はエントリ数が上限に達しているかを返す。
func (c *Cache) Saturated() bool {
	if c.maxEntries <= 0 {
		return false
	}
	return c.Len() >= c.maxEntries
}

// TTL は設定されたTTLを返す。
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// purgeLocked はキュー先頭から期限切れエントリを削除する。呼び出し側でロックを保持すること。
func (c *Cache) purgeLocked(now time.Time) int {
	removed := 0
	for c.head < len(c.queue) {
		q := c.queue[c.head]
		if now.Sub(q.insertedAt) < c.ttl {
			break
		}
		// 再登録やForget済みのエントリはキュー要素と挿入時刻が一致しない
		if insertedAt, ok := c.entries[q.fingerprint]; ok && insertedAt.Equal(q.insertedAt) {
			delete(c.entries, q.fingerprint)
			removed++
		}
		c.queue[c.head] = queued{}
		c.head++
	}

	if c.head > 0 && c.head*2 >= len(c.queue) {
		c.queue = append([]queued(nil), c.queue[c.head:]...)
		c.head = 0
	}
	return removed
}
