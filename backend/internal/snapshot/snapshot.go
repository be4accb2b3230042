// Package snapshot persists document state and bounds log replay by
// truncating entries a snapshot already covers.
package snapshot

import (
	"context"
	"errors"
	"time"

	"collabSync/backend/internal/ot/delta"
)

var ErrNotFound = errors.New("SNAPSHOT_NOT_FOUND")

type Snapshot struct {
	DocID     string      `json:"docId"`
	Version   uint64      `json:"version"`
	Content   delta.Delta `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Store 保存快照；同一 (文档, 版本) 重复保存视为成功。
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	// Latest 返回版本最高的快照，没有时返回 ErrNotFound
	Latest(ctx context.Context, docID string) (Snapshot, error)
}

// Source 提供文档当前的内存状态；文档不在内存中时 ok 为 false
type Source interface {
	Capture(docID string) (content delta.Delta, version uint64, ok bool)
}

type Truncator interface {
	TruncateBefore(ctx context.Context, docID string, position uint64) error
}

// Policy 压缩策略
type Policy struct {
	// 累计这么多条操作后压缩
	EveryOps uint64 `mapstructure:"every_ops"`
	// 第一条未压缩操作之后最多等待这么久
	Interval time.Duration `mapstructure:"interval"`
	// 截断时在快照版本之前保留的条目数，供重连回放和旧基线变换使用
	KeepTail uint64 `mapstructure:"keep_tail"`
}

func DefaultPolicy() Policy {
	return Policy{EveryOps: 500, Interval: 30 * time.Second, KeepTail: 1024}
}
