package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/db"
)

// LibSQLStore persists checkpoints in the checkpoints table.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore expects a database migrated by db.Open.
func NewLibSQLStore(conn *sql.DB) *LibSQLStore {
	return &LibSQLStore{db: conn}
}

func (s *LibSQLStore) Append(ctx context.Context, conversationID string, cp *Checkpoint) error {
	if err := checkAppend(conversationID, cp); err != nil {
		return err
	}

	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var latest int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM checkpoints WHERE conversation_id = ?`, conversationID,
		).Scan(&latest); err != nil {
			return fmt.Errorf("failed to read latest seq: %w", err)
		}
		if cp.Seq != latest+1 {
			return fmt.Errorf("append %s seq %d (want %d): %w", conversationID, cp.Seq, latest+1, ErrSequenceConflict)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (conversation_id, seq, state, version, checksum, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.ConversationID, cp.Seq, string(cp.State), cp.Version, cp.Checksum, []byte(cp.Payload), cp.CreatedAt.UnixMilli(),
		)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("append %s seq %d: %w", conversationID, cp.Seq, ErrSequenceConflict)
			}
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		return nil
	})
	return err
}

func (s *LibSQLStore) Latest(ctx context.Context, conversationID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, seq, state, version, checksum, payload, created_at
		 FROM checkpoints WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`, conversationID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *LibSQLStore) List(ctx context.Context, conversationID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, seq, state, version, checksum, payload, created_at
		 FROM checkpoints WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		state     string
		payload   []byte
		createdAt int64
	)
	if err := row.Scan(&cp.ConversationID, &cp.Seq, &state, &cp.Version, &cp.Checksum, &payload, &createdAt); err != nil {
		return nil, err
	}
	cp.State = State(state)
	cp.Payload = payload
	cp.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &cp, nil
}

var _ Store = (*LibSQLStore)(nil)
