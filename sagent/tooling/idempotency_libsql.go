package tooling

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LibSQLIdempotencyStore keeps records in the tool_results table.
type LibSQLIdempotencyStore struct {
	db *sql.DB
}

func NewLibSQLIdempotencyStore(db *sql.DB) *LibSQLIdempotencyStore {
	return &LibSQLIdempotencyStore{db: db}
}

func (s *LibSQLIdempotencyStore) Begin(ctx context.Context, key, tool string) (*Record, bool, error) {
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_results (idempotency_key, tool_name, status, result, created_at, updated_at)
		 VALUES (?, ?, ?, NULL, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		key, tool, string(StatusPending), now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin tool call %s: %w", tool, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, fmt.Errorf("tool call record %s vanished", key)
	}
	return rec, n == 1, nil
}

func (s *LibSQLIdempotencyStore) Complete(ctx context.Context, key string, result Result) error {
	result.Cached = false
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode tool result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_results SET status = ?, result = ?, updated_at = ? WHERE idempotency_key = ?`,
		string(StatusDone), data, time.Now().UTC().UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("failed to complete tool call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete %s: no pending record", key)
	}
	return nil
}

func (s *LibSQLIdempotencyStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		rec                  Record
		status               string
		result               []byte
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT idempotency_key, tool_name, status, result, created_at, updated_at
		 FROM tool_results WHERE idempotency_key = ?`, key,
	).Scan(&rec.Key, &rec.Tool, &status, &result, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tool call %s: %w", key, err)
	}

	rec.Status = RecordStatus(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if len(result) > 0 {
		var r Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("failed to decode tool result %s: %w", key, err)
		}
		rec.Result = &r
	}
	return &rec, nil
}

var _ IdempotencyStore = (*LibSQLIdempotencyStore)(nil)
