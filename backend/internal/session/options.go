package session

import (
	"context"
	"time"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/oplog"
	"collabSync/backend/internal/snapshot"
)

type Options struct {
	// 引擎保留的最近操作数，决定能变换的最旧基线
	Window int `mapstructure:"window"`
	// 每个会话待发送事件的上限，满了断开该会话
	OutboxSize int `mapstructure:"outbox_size"`
	// actor 收件箱容量
	InboxSize int `mapstructure:"inbox_size"`
	// 服务端发送 ping 的间隔，必须小于 HeartbeatTimeout
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	AppendTimeout     time.Duration `mapstructure:"append_timeout"`
	MaxAppendRetries  int           `mapstructure:"max_append_retries"`
	// 没有会话后多久卸载文档
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// 重连时最多回放的条目数，超过改为整体重新同步
	MaxReplay   uint64        `mapstructure:"max_replay"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
}

func DefaultOptions() Options {
	return Options{
		Window:            1024,
		OutboxSize:        256,
		InboxSize:         128,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		AppendTimeout:     2 * time.Second,
		MaxAppendRetries:  5,
		IdleTimeout:       2 * time.Minute,
		MaxReplay:         1000,
		PresenceTTL:       45 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = d.OutboxSize
	}
	if o.InboxSize <= 0 {
		o.InboxSize = d.InboxSize
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = d.HeartbeatTimeout
	}
	// ping 间隔必须小于超时，否则只回 pong 的连接也会被判定超时
	if o.HeartbeatInterval >= o.HeartbeatTimeout {
		o.HeartbeatInterval = o.HeartbeatTimeout / 3
	}
	if o.AppendTimeout <= 0 {
		o.AppendTimeout = d.AppendTimeout
	}
	if o.MaxAppendRetries <= 0 {
		o.MaxAppendRetries = d.MaxAppendRetries
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.MaxReplay == 0 {
		o.MaxReplay = d.MaxReplay
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = d.PresenceTTL
	}
	return o
}

// 巡检周期：心跳超时和空闲卸载都按这个粒度检查
func (o Options) tick() time.Duration {
	t := min(o.HeartbeatTimeout, o.IdleTimeout) / 4
	return max(t, 10*time.Millisecond)
}

type Gate interface {
	Resolve(ctx context.Context, userID uint64, docID string) (access.Level, error)
	Subscribe(fn func(access.Change))
	Evict(docID string)
}

type Compactor interface {
	Track(docID string, version uint64)
	Observe(docID string, version uint64)
	Compact(ctx context.Context, docID string) error
	Forget(docID string)
}

type EventSink interface {
	Enqueue(ctx context.Context, evt collab.DocOpEvent) error
}

// Deps 协调器依赖；Compactor / Presence / Events 可以为 nil
type Deps struct {
	Log       oplog.Log
	Gate      Gate
	Snapshots snapshot.Store
	Compactor Compactor
	Presence  cache.PresenceCache
	Events    EventSink
}
