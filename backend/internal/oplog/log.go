// Package oplog is the durable, per-document append log of edit operations.
// It is the source of truth for recovery, late joiners and reconnect replay.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"collabSync/backend/internal/ot/delta"
)

var (
	// ErrNotFound 文档还没有日志
	ErrNotFound = errors.New("LOG_NOT_FOUND")
	// ErrOutOfRange 请求的位置已被压缩截断，调用方需要从快照重新同步
	ErrOutOfRange = errors.New("LOG_OUT_OF_RANGE")
	// ErrConflict 追加时位置已被占用（并发写入竞争失败），由协调器内部重试
	ErrConflict = errors.New("LOG_APPEND_CONFLICT")
)

// Operation 一经写入日志即不可变。DocID + Seq 唯一标识一次操作。
type Operation struct {
	DocID string `json:"docId"`
	// 协调器分配的位置，必须等于当前 head+1
	Seq           uint64      `json:"seq"`
	AuthorSession string      `json:"authorSession"`
	AuthorUser    uint64      `json:"authorUser"`
	ClientID      string      `json:"clientId,omitempty"`
	ClientSeq     uint64      `json:"clientSeq,omitempty"`
	BaseVersion   uint64      `json:"baseVersion"`
	Delta         delta.Delta `json:"delta"`
	CreatedAt     time.Time   `json:"createdAt"`
}

func (op Operation) ID() string { return fmt.Sprintf("%s:%d", op.DocID, op.Seq) }

type LogEntry struct {
	Position uint64 `json:"position"`
	Operation
}

type Log interface {
	// Append 原子地把 op 写到 op.Seq 位置；op.Seq != head+1 时返回 ErrConflict。
	Append(ctx context.Context, docID string, op Operation) (LogEntry, error)
	// ReadFrom 惰性返回 position 及之后的条目（上界为调用时的 head）。
	// 错误作为序列中的最后一个元素给出。
	ReadFrom(ctx context.Context, docID string, position uint64) iter.Seq2[LogEntry, error]
	// TruncateBefore 丢弃严格小于 position 的条目
	TruncateBefore(ctx context.Context, docID string, position uint64) error
	Head(ctx context.Context, docID string) (uint64, error)
	Close() error
}

// Collect 把序列读成切片
func Collect(seq iter.Seq2[LogEntry, error]) ([]LogEntry, error) {
	var out []LogEntry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func checkAppend(docID string, op Operation) (Operation, error) {
	if docID == "" {
		return op, errors.New("oplog: empty document id")
	}
	if op.Seq == 0 {
		return op, fmt.Errorf("%w: position 0 is reserved", ErrConflict)
	}
	op.DocID = docID
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	return op, nil
}

func conflict(docID string, want, got uint64) error {
	return fmt.Errorf("%w: doc=%s head+1=%d seq=%d", ErrConflict, docID, want, got)
}

// RangeError 请求的位置早于 Horizon（第一个仍保留的位置），errors.Is(err, ErrOutOfRange) 为真
type RangeError struct {
	DocID    string
	Position uint64
	Horizon  uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: doc=%s position=%d horizon=%d", ErrOutOfRange, e.DocID, e.Position, e.Horizon)
}

func (e *RangeError) Is(target error) bool { return target == ErrOutOfRange }

func outOfRange(docID string, position, horizon uint64) error {
	return &RangeError{DocID: docID, Position: position, Horizon: horizon}
}
