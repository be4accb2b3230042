package cache

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

// PresenceCache 跨实例的在线成员表。成员带逻辑 TTL，心跳时重新 AddMember 续期。
type PresenceCache interface {
	AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
}

// 清理过期成员
// KEYS[1] = roomKey(docID), KEYS[2] = namesKey(docID), ARGV[1] = now (unix seconds)
var expireScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

type redisPresence struct {
	rdb redis.UniversalClient
}

// NewRedisPresence 单机和 cluster 客户端都可以
func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// score 是 expireAt（Unix 秒），表达逻辑 TTL
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	// 整个房间没人续期时自动消失
	if ttl > 0 {
		tx.Expire(ctx, roomKey(docID), 2*ttl)
		tx.Expire(ctx, namesKey(docID), 2*ttl)
	}
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), strconv.FormatUint(userID, 10))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	if err := expireScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}
	ids := make([]uint64, 0, len(aliveIDs))
	for _, s := range aliveIDs {
		uid, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uid)
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(ids))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{UserID: ids[i], Username: name})
	}
	return members, nil
}

// memoryPresence 没有 Redis 时的单实例实现
type memoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[uint64]memMember
}

type memMember struct {
	name     string
	expireAt time.Time
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{rooms: make(map[string]map[uint64]memMember)}
}

func (p *memoryPresence) AddMember(_ context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.rooms[docID]
	if room == nil {
		room = make(map[uint64]memMember)
		p.rooms[docID] = room
	}
	room[userID] = memMember{name: username, expireAt: time.Now().Add(ttl)}
	return nil
}

func (p *memoryPresence) RemoveMember(_ context.Context, docID string, userID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms[docID], userID)
	if len(p.rooms[docID]) == 0 {
		delete(p.rooms, docID)
	}
	return nil
}

func (p *memoryPresence) GetAliveMembersWithNames(_ context.Context, docID string) ([]PresenceMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []PresenceMember
	for id, m := range p.rooms[docID] {
		if !m.expireAt.After(now) {
			delete(p.rooms[docID], id)
			continue
		}
		out = append(out, PresenceMember{UserID: id, Username: m.name})
	}
	slices.SortFunc(out, func(a, b PresenceMember) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}
