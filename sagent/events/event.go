// Package events publishes engine progress to subscribers over watermill.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	// TypeTransition is published after every checkpointed state change.
	TypeTransition Type = "transition"
	// TypeToolCall is published when a tool result has been recorded.
	TypeToolCall Type = "tool_call"
	// TypeTurnFinished carries the final response or fallback of a turn.
	TypeTurnFinished Type = "turn_finished"
)

// Event is the wire form of a progress notification.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id,omitempty"`
	Seq            int64     `json:"seq"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to"`
	Tool           string    `json:"tool,omitempty"`
	ToolOK         *bool     `json:"tool_ok,omitempty"`
	Response       string    `json:"response,omitempty"`
	Escalate       bool      `json:"escalate,omitempty"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// New stamps an event with an id and the current time.
func New(typ Type, conversationID string, seq int64, to string) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           typ,
		ConversationID: conversationID,
		Seq:            seq,
		To:             to,
		Timestamp:      time.Now().UTC(),
	}
}

// Publisher is what the engine needs from the bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
