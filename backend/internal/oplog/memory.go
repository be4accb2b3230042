package oplog

import (
	"context"
	"iter"
	"slices"
	"sync"
)

// MemoryLog 单进程内存实现：外层锁只保护 map，每个文档一把锁，不同文档可以并发追加。
type MemoryLog struct {
	mu   sync.RWMutex
	docs map[string]*memDoc
}

type memDoc struct {
	mu sync.RWMutex
	// horizon 是第一个仍保留的位置；entries[i].Position == horizon+i
	horizon uint64
	head    uint64
	entries []LogEntry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{docs: make(map[string]*memDoc)}
}

func (l *MemoryLog) doc(docID string) *memDoc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.docs[docID]
}

func (l *MemoryLog) getOrCreate(docID string) *memDoc {
	if d := l.doc(docID); d != nil {
		return d
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.docs[docID]
	if d == nil {
		d = &memDoc{horizon: 1}
		l.docs[docID] = d
	}
	return d
}

func (l *MemoryLog) Append(ctx context.Context, docID string, op Operation) (LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return LogEntry{}, err
	}
	op, err := checkAppend(docID, op)
	if err != nil {
		return LogEntry{}, err
	}
	d := l.getOrCreate(docID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if op.Seq != d.head+1 {
		return LogEntry{}, conflict(docID, d.head+1, op.Seq)
	}
	entry := LogEntry{Position: op.Seq, Operation: op}
	d.entries = append(d.entries, entry)
	d.head = op.Seq
	return entry, nil
}

func (l *MemoryLog) ReadFrom(ctx context.Context, docID string, position uint64) iter.Seq2[LogEntry, error] {
	return func(yield func(LogEntry, error) bool) {
		d := l.doc(docID)
		if d == nil {
			yield(LogEntry{}, ErrNotFound)
			return
		}
		if position == 0 {
			position = 1
		}
		d.mu.RLock()
		if position < d.horizon {
			horizon := d.horizon
			d.mu.RUnlock()
			yield(LogEntry{}, outOfRange(docID, position, horizon))
			return
		}
		var batch []LogEntry
		if position <= d.head {
			batch = slices.Clone(d.entries[position-d.horizon:])
		}
		d.mu.RUnlock()

		for _, e := range batch {
			if err := ctx.Err(); err != nil {
				yield(LogEntry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (l *MemoryLog) TruncateBefore(ctx context.Context, docID string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := l.doc(docID)
	if d == nil {
		return ErrNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if position > d.head+1 {
		position = d.head + 1
	}
	if position <= d.horizon {
		return nil
	}
	// 重新分配底层数组，释放被截断的条目
	d.entries = slices.Clone(d.entries[position-d.horizon:])
	d.horizon = position
	return nil
}

func (l *MemoryLog) Head(ctx context.Context, docID string) (uint64, error) {
	d := l.doc(docID)
	if d == nil {
		return 0, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.head, nil
}

func (l *MemoryLog) Close() error { return nil }
