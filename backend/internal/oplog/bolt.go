package oplog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRoot = []byte("oplog")
	keyHead    = []byte("head")
	keyHorizon = []byte("horizon")
	bucketOps  = []byte("entries")
)

// BoltLog 单机嵌入式实现：每个文档一个子 bucket，条目 key 为大端序位置，天然有序。
// bbolt 的写事务全局串行，满足同文档追加的原子性。
type BoltLog struct{ db *bolt.DB }

func NewBoltLog(path string) (*BoltLog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRoot)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLog{db: db}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (l *BoltLog) Append(ctx context.Context, docID string, op Operation) (LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return LogEntry{}, err
	}
	op, err := checkAppend(docID, op)
	if err != nil {
		return LogEntry{}, err
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return LogEntry{}, err
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketRoot)
		doc := root.Bucket([]byte(docID))
		if doc == nil {
			if op.Seq != 1 {
				return conflict(docID, 1, op.Seq)
			}
			var err error
			if doc, err = root.CreateBucket([]byte(docID)); err != nil {
				return err
			}
			if _, err = doc.CreateBucket(bucketOps); err != nil {
				return err
			}
			if err = doc.Put(keyHorizon, itob(1)); err != nil {
				return err
			}
		}
		head := btoi(doc.Get(keyHead))
		if op.Seq != head+1 {
			return conflict(docID, head+1, op.Seq)
		}
		if err := doc.Bucket(bucketOps).Put(itob(op.Seq), payload); err != nil {
			return err
		}
		return doc.Put(keyHead, itob(op.Seq))
	})
	if err != nil {
		return LogEntry{}, err
	}
	return LogEntry{Position: op.Seq, Operation: op}, nil
}

func (l *BoltLog) ReadFrom(ctx context.Context, docID string, position uint64) iter.Seq2[LogEntry, error] {
	return func(yield func(LogEntry, error) bool) {
		if position == 0 {
			position = 1
		}
		var head uint64
		first := true
		for next := position; first || next <= head; first = false {
			var batch []LogEntry
			err := l.db.View(func(tx *bolt.Tx) error {
				doc := tx.Bucket(bucketRoot).Bucket([]byte(docID))
				if doc == nil {
					return ErrNotFound
				}
				if first {
					head = btoi(doc.Get(keyHead))
				}
				if horizon := btoi(doc.Get(keyHorizon)); next < horizon {
					return outOfRange(docID, next, horizon)
				}
				c := doc.Bucket(bucketOps).Cursor()
				for k, v := c.Seek(itob(next)); k != nil && len(batch) < readBatch; k, v = c.Next() {
					pos := btoi(k)
					if pos > head {
						break
					}
					var op Operation
					if err := json.Unmarshal(v, &op); err != nil {
						return fmt.Errorf("decode op %s:%d: %w", docID, pos, err)
					}
					batch = append(batch, LogEntry{Position: pos, Operation: op})
				}
				return nil
			})
			if err != nil {
				yield(LogEntry{}, err)
				return
			}
			for _, e := range batch {
				if err := ctx.Err(); err != nil {
					yield(LogEntry{}, err)
					return
				}
				if !yield(e, nil) {
					return
				}
			}
			if len(batch) == 0 {
				return
			}
			next = batch[len(batch)-1].Position + 1
		}
	}
}

func (l *BoltLog) TruncateBefore(ctx context.Context, docID string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		doc := tx.Bucket(bucketRoot).Bucket([]byte(docID))
		if doc == nil {
			return ErrNotFound
		}
		head := btoi(doc.Get(keyHead))
		horizon := btoi(doc.Get(keyHorizon))
		position = min(position, head+1)
		if position <= horizon {
			return nil
		}
		ops := doc.Bucket(bucketOps)
		bound := itob(position)
		// 先收集再删除，避免边遍历边删除时游标跳项
		var stale [][]byte
		c := ops.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, bound) < 0; k, _ = c.Next() {
			stale = append(stale, bytes.Clone(k))
		}
		for _, k := range stale {
			if err := ops.Delete(k); err != nil {
				return err
			}
		}
		return doc.Put(keyHorizon, itob(position))
	})
}

func (l *BoltLog) Head(ctx context.Context, docID string) (uint64, error) {
	var head uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		doc := tx.Bucket(bucketRoot).Bucket([]byte(docID))
		if doc == nil {
			return ErrNotFound
		}
		head = btoi(doc.Get(keyHead))
		return nil
	})
	return head, err
}

func (l *BoltLog) Close() error { return l.db.Close() }
