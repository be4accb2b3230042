package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/snapshot"
)

// SnapshotCache 给快照存储加一层 Redis 读缓存。
// 同一文档的并发回源合并为一次（singleflight），不存在的文档写空值标记防止穿透。
// 缓存只会被更高的版本覆盖，慢回源写不回旧快照。Redis 故障时降级为直接读存储。
type SnapshotCache struct {
	next snapshot.Store
	rdb  redis.UniversalClient
	sf   singleflight.Group
	log  zerolog.Logger
}

var _ snapshot.Store = (*SnapshotCache)(nil)

// KEYS[1] 缓存键；ARGV: 快照 JSON、版本、空值标记、TTL 毫秒。
// 已缓存的版本不低于 ARGV[2] 时不写，返回 0。
var setNewerScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur and cur ~= ARGV[3] then
	local ok, old = pcall(cjson.decode, cur)
	if ok and type(old) == "table" and tonumber(old.version) and tonumber(old.version) >= tonumber(ARGV[2]) then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[4])
return 1
`)

func NewSnapshotCache(next snapshot.Store, rdb redis.UniversalClient, log zerolog.Logger) *SnapshotCache {
	return &SnapshotCache{next: next, rdb: rdb, log: log.With().Str("component", "snapshot_cache").Logger()}
}

// Save 写存储成功后直接把新快照写进缓存
func (c *SnapshotCache) Save(ctx context.Context, snap snapshot.Snapshot) error {
	if err := c.next.Save(ctx, snap); err != nil {
		return err
	}
	c.writeCache(ctx, snap)
	return nil
}

func (c *SnapshotCache) Latest(ctx context.Context, docID string) (snapshot.Snapshot, error) {
	v, err, _ := c.sf.Do(docID, func() (any, error) {
		snap, hit, err := c.readCache(ctx, docID)
		switch {
		case hit && err == nil:
			return snap, nil
		case hit:
			return nil, err
		case err != nil:
			c.log.Warn().Err(err).Str("doc", docID).Msg("read snapshot cache failed")
		}

		snap, err = c.next.Latest(ctx, docID)
		if errors.Is(err, snapshot.ErrNotFound) {
			c.writeNullCache(ctx, docID)
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		c.writeCache(ctx, snap)
		return snap, nil
	})
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	snap, ok := v.(snapshot.Snapshot)
	if !ok {
		return snapshot.Snapshot{}, fmt.Errorf("snapshot cache: unexpected %T", v)
	}
	return snap, nil
}

// readCache 命中空值标记时返回 hit=true 和 ErrNotFound
func (c *SnapshotCache) readCache(ctx context.Context, docID string) (snapshot.Snapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, snapshotKey(docID)).Result()
	if errors.Is(err, redis.Nil) {
		return snapshot.Snapshot{}, false, nil
	}
	if err != nil {
		return snapshot.Snapshot{}, false, err
	}
	if raw == EmptyCacheMarker {
		return snapshot.Snapshot{}, true, snapshot.ErrNotFound
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return snapshot.Snapshot{}, false, err
	}
	return snap, true, nil
}

// writeCache 只在缓存为空、为空值标记或版本更旧时写入
func (c *SnapshotCache) writeCache(ctx context.Context, snap snapshot.Snapshot) {
	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	key := snapshotKey(snap.DocID)
	err = setNewerScript.Run(ctx, c.rdb, []string{key}, b, snap.Version, EmptyCacheMarker, randomTTL().Milliseconds()).Err()
	if err != nil {
		c.log.Warn().Err(err).Str("doc", snap.DocID).Uint64("version", snap.Version).Msg("write snapshot cache failed")
		// 写不进新版本时删掉旧值，宁可回源也不读旧快照
		_ = c.rdb.Del(ctx, key).Err()
	}
}

func (c *SnapshotCache) writeNullCache(ctx context.Context, docID string) {
	// 只在键不存在时写，避免覆盖并发 Save 之后的回填
	if err := c.rdb.SetNX(ctx, snapshotKey(docID), EmptyCacheMarker, NullTTL).Err(); err != nil {
		c.log.Warn().Err(err).Str("doc", docID).Msg("write null cache failed")
	}
}
