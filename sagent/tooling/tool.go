// Package tooling validates, dispatches and retries tool calls requested by
// the reasoning model, and guarantees at most one side-effecting execution
// per idempotency key.
package tooling

import (
	"context"
	"encoding/json"
)

// Tool defines the runtime that executes a tool call.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON schema of the arguments object.
	Schema() []byte
	// Mutating reports whether a call changes state in a backend system.
	Mutating() bool
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}

// Reconciler is implemented by tools whose backend can look up the outcome of
// an earlier call by idempotency key. found is false when the backend never
// saw the call.
type Reconciler interface {
	Reconcile(ctx context.Context, idempotencyKey string) (output any, found bool, err error)
}

// CallInfo identifies the call being executed. Tools read it from the context.
type CallInfo struct {
	IdempotencyKey string
	ConversationID string
	TurnID         string
	UserID         string
	Attempt        int
}

type callInfoKey struct{}

func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

func CallInfoFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}
