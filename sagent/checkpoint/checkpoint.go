// Package checkpoint persists the per-conversation log of engine transitions.
// The latest checkpoint of a conversation is enough to resume it.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// CurrentVersion is the payload format written by this build.
const CurrentVersion = 1

// State is a node of the orchestration state machine.
type State string

const (
	StateIdle       State = "idle"
	StateRetrieving State = "retrieving"
	StateReasoning  State = "reasoning"
	StateActing     State = "acting"
	StateResponding State = "responding"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition leaves s within a turn.
func (s State) Terminal() bool {
	return s == StateResponding || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateRetrieving, StateReasoning, StateActing, StateResponding, StateFailed:
		return true
	}
	return false
}

var (
	ErrInvalidConversationID = errors.New("checkpoint: empty conversation id")
	ErrInvalidSeq            = errors.New("checkpoint: sequence must start at 1")
	ErrInvalidState          = errors.New("checkpoint: unknown state")
	ErrUnsupportedVersion    = errors.New("checkpoint: unsupported payload version")
	ErrEmptyPayload          = errors.New("checkpoint: empty payload")
	ErrChecksumMismatch      = errors.New("checkpoint: checksum mismatch")
	ErrConversationMismatch  = errors.New("checkpoint: conversation id does not match")
	// ErrSequenceConflict is returned by Append when seq is not latest+1.
	ErrSequenceConflict = errors.New("checkpoint: sequence conflict")
)

// Checkpoint is one durable record of a conversation after a transition.
type Checkpoint struct {
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	State          State           `json:"state"`
	Version        int             `json:"version"`
	Payload        json.RawMessage `json:"payload"`
	Checksum       string          `json:"checksum"`
	CreatedAt      time.Time       `json:"created_at"`
}

// New builds a checkpoint and seals it with its checksum.
func New(conversationID string, seq int64, state State, payload []byte) *Checkpoint {
	cp := &Checkpoint{
		ConversationID: conversationID,
		Seq:            seq,
		State:          state,
		Version:        CurrentVersion,
		Payload:        append(json.RawMessage(nil), payload...),
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	cp.Checksum = cp.computeChecksum()
	return cp
}

func (c *Checkpoint) computeChecksum() string {
	h := sha256.New()
	h.Write([]byte(c.ConversationID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(c.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(c.State))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(c.Version)))
	h.Write([]byte{0})
	h.Write(c.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Validate ensures checkpoint integrity.
func (c *Checkpoint) Validate() error {
	if c.ConversationID == "" {
		return ErrInvalidConversationID
	}
	if c.Seq < 1 {
		return ErrInvalidSeq
	}
	if !c.State.Valid() {
		return ErrInvalidState
	}
	if c.Version != CurrentVersion {
		return ErrUnsupportedVersion
	}
	if len(c.Payload) == 0 {
		return ErrEmptyPayload
	}
	if c.Checksum != c.computeChecksum() {
		return ErrChecksumMismatch
	}
	return nil
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Payload = append(json.RawMessage(nil), c.Payload...)
	return &cp
}
