package tooling

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
)

// Request is a tool call chosen by the reasoning model.
type Request struct {
	Tool           string          `json:"tool"`
	Args           json.RawMessage `json:"args"`
	Key            string          `json:"key"`
	CallID         string          `json:"call_id,omitempty"` // provider tool-call id, echoed back to the model
	ConversationID string          `json:"conversation_id"`
	TurnID         string          `json:"turn_id"`
	UserID         string          `json:"user_id,omitempty"`
}

// NewRequest builds a request with its deterministic idempotency key.
func NewRequest(conversationID, turnID, userID, tool string, args json.RawMessage) Request {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	return Request{
		Tool:           tool,
		Args:           args,
		Key:            IdempotencyKey(conversationID, turnID, tool, args),
		ConversationID: conversationID,
		TurnID:         turnID,
		UserID:         userID,
	}
}

// IdempotencyKey is hex(sha256(conversation | turn | tool | sha256(canonical args))).
func IdempotencyKey(conversationID, turnID, tool string, args json.RawMessage) string {
	argsSum := sha256.Sum256(CanonicalJSON(args))
	h := sha256.New()
	for _, part := range []string{conversationID, turnID, tool} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	h.Write([]byte(hex.EncodeToString(argsSum[:])))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalJSON re-encodes raw with sorted object keys and no insignificant
// whitespace. Invalid JSON is returned trimmed but otherwise unchanged.
func CanonicalJSON(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return trimmed
	}
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}

// Failure is a classified tool failure.
type Failure struct {
	Kind    errx.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Result is the outcome of a tool call. Exactly one of Output and Failure is set.
type Result struct {
	Key      string          `json:"key"`
	Tool     string          `json:"tool"`
	Output   json.RawMessage `json:"output,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
	Attempts int             `json:"attempts"`
	// Cached is set when the result came from the idempotency store.
	Cached bool `json:"cached,omitempty"`
}

func (r Result) OK() bool { return r.Failure == nil }

// Err converts a failed result back into a classified error.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return &errx.Error{Kind: r.Failure.Kind, Op: r.Tool, Message: r.Failure.Message}
}

// Content is the text fed back to the model for this result.
func (r Result) Content() string {
	if r.Failure == nil {
		return string(r.Output)
	}
	data, _ := json.Marshal(map[string]string{
		"error":   string(r.Failure.Kind),
		"message": r.Failure.Message,
	})
	return string(data)
}

func failed(req Request, kind errx.Kind, msg string, attempts int) Result {
	return Result{
		Key:      req.Key,
		Tool:     req.Tool,
		Failure:  &Failure{Kind: kind, Message: msg},
		Attempts: attempts,
	}
}
