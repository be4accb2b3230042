package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/go-sql-driver/mysql"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS op_log_heads (
	document_id VARCHAR(64) NOT NULL PRIMARY KEY,
	head        BIGINT UNSIGNED NOT NULL,
	horizon     BIGINT UNSIGNED NOT NULL
)`

const mysqlEntriesSchema = `
CREATE TABLE IF NOT EXISTS op_log_entries (
	document_id VARCHAR(64) NOT NULL,
	position    BIGINT UNSIGNED NOT NULL,
	payload     JSON NOT NULL,
	created_at  DATETIME(6) NOT NULL,
	PRIMARY KEY (document_id, position)
)`

// 每次分页读取的条数
const readBatch = 256

// MySQLLog 用 op_log_heads 的行锁串行化同一文档的追加；head/horizon 单独存放，截断后也不丢失。
type MySQLLog struct{ db *sql.DB }

func NewMySQLLog(ctx context.Context, db *sql.DB) (*MySQLLog, error) {
	for _, ddl := range []string{mysqlSchema, mysqlEntriesSchema} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("oplog mysql migrate: %w", err)
		}
	}
	return &MySQLLog{db: db}, nil
}

func isDuplicateKey(err error) bool {
	// 1062 = duplicate key
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (l *MySQLLog) Append(ctx context.Context, docID string, op Operation) (LogEntry, error) {
	op, err := checkAppend(docID, op)
	if err != nil {
		return LogEntry{}, err
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return LogEntry{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return LogEntry{}, err
	}
	defer tx.Rollback()

	var head uint64
	err = tx.QueryRowContext(ctx,
		`SELECT head FROM op_log_heads WHERE document_id = ? FOR UPDATE`, docID,
	).Scan(&head)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if op.Seq != 1 {
			return LogEntry{}, conflict(docID, 1, op.Seq)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO op_log_heads (document_id, head, horizon) VALUES (?, 0, 1)`, docID,
		); err != nil {
			if isDuplicateKey(err) {
				return LogEntry{}, conflict(docID, 1, op.Seq)
			}
			return LogEntry{}, err
		}
	case err != nil:
		return LogEntry{}, err
	case op.Seq != head+1:
		return LogEntry{}, conflict(docID, head+1, op.Seq)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO op_log_entries (document_id, position, payload, created_at) VALUES (?, ?, ?, ?)`,
		docID, op.Seq, payload, op.CreatedAt,
	); err != nil {
		if isDuplicateKey(err) {
			return LogEntry{}, conflict(docID, head+1, op.Seq)
		}
		return LogEntry{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE op_log_heads SET head = ? WHERE document_id = ?`, op.Seq, docID,
	); err != nil {
		return LogEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return LogEntry{}, err
	}
	return LogEntry{Position: op.Seq, Operation: op}, nil
}

func (l *MySQLLog) bounds(ctx context.Context, docID string) (head, horizon uint64, err error) {
	err = l.db.QueryRowContext(ctx,
		`SELECT head, horizon FROM op_log_heads WHERE document_id = ?`, docID,
	).Scan(&head, &horizon)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	return head, horizon, err
}

func (l *MySQLLog) ReadFrom(ctx context.Context, docID string, position uint64) iter.Seq2[LogEntry, error] {
	return func(yield func(LogEntry, error) bool) {
		head, horizon, err := l.bounds(ctx, docID)
		if err != nil {
			yield(LogEntry{}, err)
			return
		}
		if position == 0 {
			position = 1
		}
		if position < horizon {
			yield(LogEntry{}, outOfRange(docID, position, horizon))
			return
		}
		for next := position; next <= head; {
			batch, err := l.page(ctx, docID, next, head)
			if err != nil {
				yield(LogEntry{}, err)
				return
			}
			if len(batch) == 0 {
				// 读的过程中被截断
				yield(LogEntry{}, outOfRange(docID, next, next+1))
				return
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
			next = batch[len(batch)-1].Position + 1
		}
	}
}

func (l *MySQLLog) page(ctx context.Context, docID string, from, head uint64) ([]LogEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT position, payload FROM op_log_entries
		WHERE document_id = ? AND position >= ? AND position <= ?
		ORDER BY position LIMIT ?`,
		docID, from, head, readBatch,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			pos     uint64
			payload []byte
		)
		if err := rows.Scan(&pos, &payload); err != nil {
			return nil, err
		}
		var op Operation
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fmt.Errorf("decode op %s:%d: %w", docID, pos, err)
		}
		out = append(out, LogEntry{Position: pos, Operation: op})
	}
	return out, rows.Err()
}

func (l *MySQLLog) TruncateBefore(ctx context.Context, docID string, position uint64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var head, horizon uint64
	err = tx.QueryRowContext(ctx,
		`SELECT head, horizon FROM op_log_heads WHERE document_id = ? FOR UPDATE`, docID,
	).Scan(&head, &horizon)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	position = min(position, head+1)
	if position <= horizon {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM op_log_entries WHERE document_id = ? AND position < ?`, docID, position,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE op_log_heads SET horizon = ? WHERE document_id = ?`, position, docID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *MySQLLog) Head(ctx context.Context, docID string) (uint64, error) {
	head, _, err := l.bounds(ctx, docID)
	return head, err
}

func (l *MySQLLog) Close() error { return l.db.Close() }
