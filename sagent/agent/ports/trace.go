// Package agentports declares the boundaries between the agent engine and the
// services it drives: model providers, caches, rate limiters and tracers.
package agentports

import "context"

// Tracer emits spans and events for observability.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error))
	Event(ctx context.Context, name string, attrs map[string]any)
}
