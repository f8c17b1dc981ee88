package checkpoint

import (
	"context"
	"fmt"
)

// Store is an append-only checkpoint log keyed by conversation.
type Store interface {
	// Append atomically adds cp; cp.Seq must equal the latest seq + 1.
	Append(ctx context.Context, conversationID string, cp *Checkpoint) error
	// Latest returns the newest checkpoint, or nil when the conversation has none.
	Latest(ctx context.Context, conversationID string) (*Checkpoint, error)
	// List returns the whole log in seq order.
	List(ctx context.Context, conversationID string) ([]*Checkpoint, error)
}

// checkAppend holds the argument checks shared by every Store.
func checkAppend(conversationID string, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("append: nil checkpoint")
	}
	if cp.ConversationID != conversationID {
		return fmt.Errorf("append %s: %w", conversationID, ErrConversationMismatch)
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("append %s seq %d: %w", conversationID, cp.Seq, err)
	}
	return nil
}
