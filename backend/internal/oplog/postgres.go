package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS op_log_heads (
	document_id TEXT PRIMARY KEY,
	head        BIGINT NOT NULL,
	horizon     BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS op_log_entries (
	document_id TEXT NOT NULL,
	position    BIGINT NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (document_id, position)
);`

// PostgresLog 与 MySQLLog 结构相同，使用 pgx 连接池
type PostgresLog struct{ pool *pgxpool.Pool }

func NewPostgresLog(ctx context.Context, pool *pgxpool.Pool) (*PostgresLog, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("oplog postgres migrate: %w", err)
	}
	return &PostgresLog{pool: pool}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (l *PostgresLog) Append(ctx context.Context, docID string, op Operation) (LogEntry, error) {
	op, err := checkAppend(docID, op)
	if err != nil {
		return LogEntry{}, err
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return LogEntry{}, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return LogEntry{}, err
	}
	defer tx.Rollback(ctx)

	var head int64
	err = tx.QueryRow(ctx,
		`SELECT head FROM op_log_heads WHERE document_id = $1 FOR UPDATE`, docID,
	).Scan(&head)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if op.Seq != 1 {
			return LogEntry{}, conflict(docID, 1, op.Seq)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO op_log_heads (document_id, head, horizon) VALUES ($1, 0, 1)`, docID,
		); err != nil {
			if isUniqueViolation(err) {
				return LogEntry{}, conflict(docID, 1, op.Seq)
			}
			return LogEntry{}, err
		}
	case err != nil:
		return LogEntry{}, err
	case op.Seq != uint64(head)+1:
		return LogEntry{}, conflict(docID, uint64(head)+1, op.Seq)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO op_log_entries (document_id, position, payload, created_at) VALUES ($1, $2, $3, $4)`,
		docID, int64(op.Seq), string(payload), op.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return LogEntry{}, conflict(docID, uint64(head)+1, op.Seq)
		}
		return LogEntry{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE op_log_heads SET head = $1 WHERE document_id = $2`, int64(op.Seq), docID,
	); err != nil {
		return LogEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return LogEntry{}, err
	}
	return LogEntry{Position: op.Seq, Operation: op}, nil
}

func (l *PostgresLog) bounds(ctx context.Context, docID string) (head, horizon uint64, err error) {
	var h, z int64
	err = l.pool.QueryRow(ctx,
		`SELECT head, horizon FROM op_log_heads WHERE document_id = $1`, docID,
	).Scan(&h, &z)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	return uint64(h), uint64(z), err
}

func (l *PostgresLog) ReadFrom(ctx context.Context, docID string, position uint64) iter.Seq2[LogEntry, error] {
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

func (l *PostgresLog) page(ctx context.Context, docID string, from, head uint64) ([]LogEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT position, payload FROM op_log_entries
		WHERE document_id = $1 AND position >= $2 AND position <= $3
		ORDER BY position LIMIT $4`,
		docID, int64(from), int64(head), readBatch,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			pos     int64
			payload []byte
		)
		if err := rows.Scan(&pos, &payload); err != nil {
			return nil, err
		}
		var op Operation
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fmt.Errorf("decode op %s:%d: %w", docID, pos, err)
		}
		out = append(out, LogEntry{Position: uint64(pos), Operation: op})
	}
	return out, rows.Err()
}

func (l *PostgresLog) TruncateBefore(ctx context.Context, docID string, position uint64) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var head, horizon int64
	err = tx.QueryRow(ctx,
		`SELECT head, horizon FROM op_log_heads WHERE document_id = $1 FOR UPDATE`, docID,
	).Scan(&head, &horizon)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	position = min(position, uint64(head)+1)
	if position <= uint64(horizon) {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM op_log_entries WHERE document_id = $1 AND position < $2`, docID, int64(position),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE op_log_heads SET horizon = $1 WHERE document_id = $2`, int64(position), docID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *PostgresLog) Head(ctx context.Context, docID string) (uint64, error) {
	head, _, err := l.bounds(ctx, docID)
	return head, err
}

func (l *PostgresLog) Close() error {
	l.pool.Close()
	return nil
}
