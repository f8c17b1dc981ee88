package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderSchema = `{
	"type": "object",
	"properties": {"order_id": {"type": ["string", "integer"]}},
	"required": ["order_id"],
	"additionalProperties": false
}`

// scriptedTool is a Tool whose behaviour per call is scripted by the test.
type scriptedTool struct {
	name     string
	schema   string
	mutating bool
	fn       func(ctx context.Context, call int, args json.RawMessage) (any, error)

	mu    sync.Mutex
	calls int
	keys  []string
}

func (t *scriptedTool) Name() string        { return t.name }
func (t *scriptedTool) Description() string { return "scripted " + t.name }
func (t *scriptedTool) Schema() []byte      { return []byte(t.schema) }
func (t *scriptedTool) Mutating() bool      { return t.mutating }

func (t *scriptedTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	t.mu.Lock()
	t.calls++
	call := t.calls
	if info, ok := CallInfoFromContext(ctx); ok {
		t.keys = append(t.keys, info.IdempotencyKey)
	}
	t.mu.Unlock()
	return t.fn(ctx, call, args)
}

func (t *scriptedTool) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// reconcilingTool also answers idempotency lookups.
type reconcilingTool struct {
	*scriptedTool
	known map[string]any
}

func (t *reconcilingTool) Reconcile(ctx context.Context, key string) (any, bool, error) {
	out, ok := t.known[key]
	return out, ok, nil
}

func okTool(name string) *scriptedTool {
	return &scriptedTool{
		name:   name,
		schema: orderSchema,
		fn: func(ctx context.Context, call int, args json.RawMessage) (any, error) {
			return map[string]any{"status": "shipped"}, nil
		},
	}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		JitterPercent:  10,
		AttemptTimeout: 50 * time.Millisecond,
	}
}

func newTestInvoker(t *testing.T, tools ...Tool) (*Invoker, *MemoryIdempotencyStore) {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, reg.Register(tool))
	}
	store := NewMemoryIdempotencyStore()
	return NewInvoker(reg, store, fastPolicy()), store
}

func TestIdempotencyKeyIsCanonical(t *testing.T) {
	a := IdempotencyKey("c1", "t1", "get_order_status", json.RawMessage(`{"order_id": 123, "verbose": true}`))
	b := IdempotencyKey("c1", "t1", "get_order_status", json.RawMessage(`{"verbose":true,"order_id":123}`))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, IdempotencyKey("c1", "t2", "get_order_status", json.RawMessage(`{"order_id":123}`)))
	assert.NotEqual(t, a, IdempotencyKey("c2", "t1", "get_order_status", json.RawMessage(`{"order_id":123,"verbose":true}`)))
	assert.NotEqual(t,
		IdempotencyKey("c1", "t1", "get_order_status", json.RawMessage(`{"order_id":123}`)),
		IdempotencyKey("c1", "t1", "get_order_status", json.RawMessage(`{"order_id":"123"}`)))
}

func TestNewRequestDefaultsEmptyArgs(t *testing.T) {
	req := NewRequest("c1", "t1", "u1", "create_ticket", nil)
	assert.JSONEq(t, `{}`, string(req.Args))
	assert.Equal(t, IdempotencyKey("c1", "t1", "create_ticket", json.RawMessage(`{}`)), req.Key)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(okTool("track_shipment")))
	require.NoError(t, reg.Register(okTool("get_order_status")))
	require.NoError(t, reg.Register(okTool("issue_refund")))

	err := reg.Register(okTool("get_order_status"))
	assert.ErrorIs(t, err, ErrDuplicateTool)

	bad := okTool("broken")
	bad.schema = `{"type": 12}`
	assert.Error(t, reg.Register(bad))

	var names []string
	for _, s := range reg.Specs() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"get_order_status", "issue_refund", "track_shipment"}, names)

	restricted := reg.Restrict([]string{"get_*", "track_shipment", "missing"})
	assert.Equal(t, 2, restricted.Len())
	_, ok := restricted.Get("issue_refund")
	assert.False(t, ok)
	_, ok = restricted.Get("get_order_status")
	assert.True(t, ok)

	assert.Same(t, reg, reg.Restrict(nil))
}

func TestSchemaValidator(t *testing.T) {
	v := NewSchemaValidator()

	assert.NoError(t, v.Validate(json.RawMessage(`{"order_id":123}`), []byte(orderSchema)))
	assert.NoError(t, v.Validate(json.RawMessage(`{"order_id":"ord_1"}`), []byte(orderSchema)))

	err := v.Validate(json.RawMessage(`{}`), []byte(orderSchema))
	require.Error(t, err)
	assert.Equal(t, errx.KindValidation, errx.KindOf(err))
	assert.Contains(t, err.Error(), "order_id")

	err = v.Validate(json.RawMessage(`{"order_id":`), []byte(orderSchema))
	assert.Equal(t, errx.KindValidation, errx.KindOf(err))

	assert.NoError(t, v.Validate(json.RawMessage(`{"anything":1}`), nil))
}

func TestInvokeUnknownTool(t *testing.T) {
	inv, _ := newTestInvoker(t)
	res := inv.Invoke(context.Background(), NewRequest("c1", "t1", "", "nope", json.RawMessage(`{}`)))

	require.False(t, res.OK())
	assert.Equal(t, errx.KindValidation, res.Failure.Kind)
	assert.Equal(t, 0, res.Attempts)
}

func TestInvokeSchemaMismatchNeverReachesBackend(t *testing.T) {
	tool := okTool("get_order_status")
	inv, store := newTestInvoker(t, tool)

	req := NewRequest("c1", "t1", "", "get_order_status", json.RawMessage(`{"order":"123"}`))
	res := inv.Invoke(context.Background(), req)

	require.False(t, res.OK())
	assert.Equal(t, errx.KindValidation, res.Failure.Kind)
	assert.Equal(t, 0, tool.Calls())

	rec, err := store.Get(context.Background(), req.Key)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestInvokeTwiceExecutesOnce(t *testing.T) {
	tool := okTool("issue_refund")
	tool.mutating = true
	inv, _ := newTestInvoker(t, tool)

	req := NewRequest("c1", "t1", "u1", "issue_refund", json.RawMessage(`{"order_id":"ord_1"}`))
	first := inv.Invoke(context.Background(), req)
	second := inv.Invoke(context.Background(), req)

	require.True(t, first.OK())
	require.True(t, second.OK())
	assert.Equal(t, 1, tool.Calls())
	assert.JSONEq(t, string(first.Output), string(second.Output))
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
}

func TestInvokeRetriesTransientErrors(t *testing.T) {
	tool := okTool("get_order_status")
	tool.fn = func(ctx context.Context, call int, args json.RawMessage) (any, error) {
		if call < 3 {
			return nil, errx.Transient("backend", errors.New("503"))
		}
		return map[string]string{"status": "shipped"}, nil
	}
	inv, _ := newTestInvoker(t, tool)

	res := inv.Invoke(context.Background(), NewRequest("c1", "t1", "", "get_order_status", json.RawMessage(`{"order_id":123}`)))
	require.True(t, res.OK(), res.Content())
	assert.Equal(t, 3, res.Attempts)
	assert.JSONEq(t, `{"status":"shipped"}`, string(res.Output))
}

func TestInvokeExhaustsOnRepeatedTimeouts(t *testing.T) {
	tool := okTool("get_order_status")
	tool.fn = func(ctx context.Context, call int, args json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	inv, store := newTestInvoker(t, tool)

	req := NewRequest("c1", "t1", "", "get_order_status", json.RawMessage(`{"order_id":123}`))
	res := inv.Invoke(context.Background(), req)

	require.False(t, res.OK())
	assert.Equal(t, errx.KindTransient, res.Failure.Kind)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, tool.Calls())

	rec, err := store.Get(context.Background(), req.Key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestInvokeTerminalErrorIsNotRetried(t *testing.T) {
	tool := okTool("issue_refund")
	tool.fn = func(ctx context.Context, call int, args json.RawMessage) (any, error) {
		return nil, errx.Terminal("refund", errors.New("outside refund window"))
	}
	inv, store := newTestInvoker(t, tool)

	req := NewRequest("c1", "t1", "", "issue_refund", json.RawMessage(`{"order_id":"ord_1"}`))
	res := inv.Invoke(context.Background(), req)

	require.False(t, res.OK())
	assert.Equal(t, errx.KindTerminal, res.Failure.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Content(), "outside refund window")

	rec, err := store.Get(context.Background(), req.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, rec.Status)
}

func TestInvokeRecoversPanics(t *testing.T) {
	tool := okTool("get_order_status")
	tool.fn = func(ctx context.Context, call int, args json.RawMessage) (any, error) {
		panic("nil map")
	}
	inv, _ := newTestInvoker(t, tool)

	res := inv.Invoke(context.Background(), NewRequest("c1", "t1", "", "get_order_status", json.RawMessage(`{"order_id":1}`)))
	require.False(t, res.OK())
	assert.Equal(t, errx.KindTerminal, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "nil map")
}

func TestInvokePendingRecordIsReconciled(t *testing.T) {
	base := okTool("issue_refund")
	req := NewRequest("c1", "t1", "", "issue_refund", json.RawMessage(`{"order_id":"ord_1"}`))
	tool := &reconcilingTool{scriptedTool: base, known: map[string]any{req.Key: map[string]string{"refund_id": "rf_1"}}}
	inv, store := newTestInvoker(t, tool)

	_, created, err := store.Begin(context.Background(), req.Key, req.Tool)
	require.NoError(t, err)
	require.True(t, created)

	res := inv.Invoke(context.Background(), req)
	require.True(t, res.OK())
	assert.JSONEq(t, `{"refund_id":"rf_1"}`, string(res.Output))
	assert.Equal(t, 0, base.Calls())

	rec, err := store.Get(context.Background(), req.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, rec.Status)
}

func TestInvokePendingRecordIsRedispatchedWithSameKey(t *testing.T) {
	tool := okTool("issue_refund")
	inv, store := newTestInvoker(t, tool)
	req := NewRequest("c1", "t1", "", "issue_refund", json.RawMessage(`{"order_id":"ord_1"}`))

	_, _, err := store.Begin(context.Background(), req.Key, req.Tool)
	require.NoError(t, err)

	res := inv.Invoke(context.Background(), req)
	require.True(t, res.OK())
	assert.Equal(t, 1, tool.Calls())
	assert.Equal(t, []string{req.Key}, tool.keys)
}

func TestInvokeCancelledBetweenRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tool := okTool("get_order_status")
	tool.fn = func(_ context.Context, call int, args json.RawMessage) (any, error) {
		cancel()
		return nil, errx.Transient("backend", errors.New("503"))
	}
	reg := NewRegistry()
	require.NoError(t, reg.Register(tool))
	policy := fastPolicy()
	policy.BaseDelay = 50 * time.Millisecond
	inv := NewInvoker(reg, nil, policy)

	res := inv.Invoke(ctx, NewRequest("c1", "t1", "", "get_order_status", json.RawMessage(`{"order_id":1}`)))
	require.False(t, res.OK())
	assert.Equal(t, errx.KindCanceled, res.Failure.Kind)
	assert.Equal(t, 1, tool.Calls())
}

func TestInvokeDispatchedCallOutlivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tool := okTool("issue_refund")
	tool.fn = func(attemptCtx context.Context, call int, args json.RawMessage) (any, error) {
		cancel()
		select {
		case <-attemptCtx.Done():
			return nil, attemptCtx.Err()
		case <-time.After(5 * time.Millisecond):
			return map[string]string{"refund_id": "rf_9"}, nil
		}
	}
	inv, store := newTestInvoker(t, tool)
	req := NewRequest("c1", "t1", "", "issue_refund", json.RawMessage(`{"order_id":"ord_1"}`))

	res := inv.Invoke(ctx, req)
	require.True(t, res.OK(), res.Content())

	rec, err := store.Get(context.Background(), req.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, rec.Status)
}

func TestAuditLogMasksContactDetails(t *testing.T) {
	var buf bytes.Buffer
	tool := okTool("update_contact")
	tool.schema = `{"type":"object"}`
	reg := NewRegistry()
	require.NoError(t, reg.Register(tool))
	inv := NewInvoker(reg, nil, fastPolicy(), WithAuditLog(NewAuditLog(&buf)))

	inv.Invoke(context.Background(), NewRequest("c1", "t1", "u1", "update_contact",
		json.RawMessage(`{"email":"jane.doe@example.com","phone":"+1 415 555 2671"}`)))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "update_contact", entry["tool"])
	assert.Equal(t, "ok", entry["status"])
	args := entry["args"].(string)
	assert.NotContains(t, args, "jane.doe")
	assert.NotContains(t, args, "415 555")
	assert.Contains(t, args, "j***@example.com")
	assert.Contains(t, args, "2671")
}

func TestMaskPII(t *testing.T) {
	assert.Equal(t, "reach me at c***@example.com", MaskPII("reach me at customer@example.com"))
	assert.Equal(t, "call ***2671", MaskPII("call +14155552671"))
	assert.Equal(t, "order ord_XYZ78901", MaskPII("order ord_XYZ78901"))
}

func TestRetryPolicyWithoutJitter(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errx.Transient("x", errors.New("flaky"))
	})
	assert.Equal(t, 2, attempts)
	assert.Equal(t, errx.KindTransient, errx.KindOf(err))

	attempts, err = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errors.New("permanent")
	})
	assert.Equal(t, 1, attempts)
	assert.EqualError(t, err, "permanent")
}
