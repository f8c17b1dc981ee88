package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// Invoker validates, dispatches and retries tool calls.
type Invoker struct {
	registry  *Registry
	validator *SchemaValidator
	store     IdempotencyStore
	policy    RetryPolicy
	audit     *AuditLog
	logger    zerolog.Logger
}

type InvokerOption func(*Invoker)

func WithAuditLog(a *AuditLog) InvokerOption {
	return func(i *Invoker) { i.audit = a }
}

func WithLogger(l zerolog.Logger) InvokerOption {
	return func(i *Invoker) { i.logger = l }
}

// NewInvoker creates an invoker. A nil store keeps idempotency records in memory.
func NewInvoker(registry *Registry, store IdempotencyStore, policy RetryPolicy, opts ...InvokerOption) *Invoker {
	if store == nil {
		store = NewMemoryIdempotencyStore()
	}
	inv := &Invoker{
		registry:  registry,
		validator: registry.validator,
		store:     store,
		policy:    policy,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (i *Invoker) Registry() *Registry { return i.registry }

func (i *Invoker) Policy() RetryPolicy { return i.policy }

// Invoke executes req at most once per idempotency key. The returned result is
// either a JSON output or a classified failure. When ctx is cancelled before a
// call is dispatched, or while waiting to retry, the failure kind is
// errx.KindCanceled and nothing is recorded.
func (i *Invoker) Invoke(ctx context.Context, req Request) Result {
	start := time.Now()
	res := i.invoke(ctx, req)
	i.record(req, res, time.Since(start))
	return res
}

func (i *Invoker) invoke(ctx context.Context, req Request) Result {
	log := i.logger.With().Str("tool", req.Tool).Str("key", req.Key).Logger()

	tool, ok := i.registry.Get(req.Tool)
	if !ok {
		return failed(req, errx.KindValidation, fmt.Sprintf("%s: %s", ErrToolNotFound, req.Tool), 0)
	}
	if req.Key == "" {
		return failed(req, errx.KindValidation, "missing idempotency key", 0)
	}
	if err := i.validator.Validate(req.Args, tool.Schema()); err != nil {
		return failed(req, errx.KindValidation, validationMessage(err), 0)
	}
	if err := ctx.Err(); err != nil {
		return failed(req, errx.KindCanceled, err.Error(), 0)
	}

	rec, created, err := i.store.Begin(ctx, req.Key, req.Tool)
	if err != nil {
		log.Error().Err(err).Msg("idempotency store unavailable")
		return failed(req, errx.KindTransient, fmt.Sprintf("idempotency store: %v", err), 0)
	}
	if !created {
		switch {
		case rec.Status == StatusDone && rec.Result != nil:
			cached := *rec.Result
			cached.Cached = true
			log.Debug().Msg("returning recorded tool result")
			return cached
		default:
			if res, ok := i.reconcile(ctx, tool, req, log); ok {
				return res
			}
			log.Warn().Msg("re-dispatching pending tool call with its original key")
		}
	}

	res := i.execute(ctx, tool, req)
	if res.Failure != nil && (res.Failure.Kind == errx.KindTransient || res.Failure.Kind == errx.KindCanceled) {
		// Outcome unknown; leave the record pending so a replay reconciles or re-dispatches.
		return res
	}
	if err := i.store.Complete(context.WithoutCancel(ctx), req.Key, res); err != nil {
		log.Error().Err(err).Msg("failed to record tool result")
	}
	return res
}

func (i *Invoker) reconcile(ctx context.Context, tool Tool, req Request, log zerolog.Logger) (Result, bool) {
	rc, ok := tool.(Reconciler)
	if !ok {
		return Result{}, false
	}
	out, found, err := rc.Reconcile(context.WithoutCancel(ctx), req.Key)
	if err != nil {
		log.Warn().Err(err).Msg("reconcile failed")
		return Result{}, false
	}
	if !found {
		return Result{}, false
	}
	data, err := json.Marshal(out)
	if err != nil {
		return Result{}, false
	}
	res := Result{Key: req.Key, Tool: req.Tool, Output: data, Attempts: 0}
	if err := i.store.Complete(context.WithoutCancel(ctx), req.Key, res); err != nil {
		log.Error().Err(err).Msg("failed to record reconciled tool result")
	}
	log.Info().Msg("reconciled pending tool call from backend")
	return res, true
}

// execute runs the retry loop. Each attempt is detached from ctx cancellation
// so a dispatched call always finishes; only the waits between attempts
// observe ctx.
func (i *Invoker) execute(ctx context.Context, tool Tool, req Request) Result {
	var output any
	attempts, err := i.policy.Do(ctx, func(_ context.Context, attempt int) error {
		attemptCtx := context.WithoutCancel(ctx)
		cancel := func() {}
		if i.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(attemptCtx, i.policy.AttemptTimeout)
		}
		defer cancel()
		attemptCtx = WithCallInfo(attemptCtx, CallInfo{
			IdempotencyKey: req.Key,
			ConversationID: req.ConversationID,
			TurnID:         req.TurnID,
			UserID:         req.UserID,
			Attempt:        attempt,
		})

		var (
			out     any
			callErr error
			pc      panics.Catcher
		)
		pc.Try(func() { out, callErr = tool.Invoke(attemptCtx, req.Args) })
		if r := pc.Recovered(); r != nil {
			return errx.Terminal(req.Tool, r.AsError())
		}
		if callErr != nil {
			i.logger.Debug().Err(callErr).Str("tool", req.Tool).Int("attempt", attempt).Msg("tool attempt failed")
			return callErr
		}
		output = out
		return nil
	})

	if err != nil {
		kind := errx.Classify(err)
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			kind = errx.KindCanceled
		}
		return failed(req, kind, err.Error(), attempts)
	}

	data, err := json.Marshal(output)
	if err != nil {
		return failed(req, errx.KindTerminal, fmt.Sprintf("tool output is not JSON encodable: %v", err), attempts)
	}
	return Result{Key: req.Key, Tool: req.Tool, Output: data, Attempts: attempts}
}

func (i *Invoker) record(req Request, res Result, d time.Duration) {
	entry := AuditEntry{
		ConversationID: req.ConversationID,
		TurnID:         req.TurnID,
		UserID:         req.UserID,
		Tool:           req.Tool,
		Key:            req.Key,
		Args:           string(req.Args),
		Status:         "ok",
		Attempts:       res.Attempts,
		Duration:       d,
	}
	switch {
	case res.Failure != nil:
		entry.Status = "failed"
		entry.ErrorKind = string(res.Failure.Kind)
		entry.Error = res.Failure.Message
	case res.Cached:
		entry.Status = "cached"
	}
	i.audit.Record(entry)
}

func validationMessage(err error) string {
	var e *errx.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
