package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/ZanzyTHEbar/support-agent/sagent/agent/tools"
	"github.com/ZanzyTHEbar/support-agent/sagent/checkpoint"
	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/ZanzyTHEbar/support-agent/sagent/events"
	"github.com/ZanzyTHEbar/support-agent/sagent/retrieval"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
)

// StubProvider implements Provider for testing.
type StubProvider struct {
	completionFunc func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error)
	calls          atomic.Int64
}

func (p *StubProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.calls.Add(1)
	if p.completionFunc != nil {
		return p.completionFunc(ctx, in, opts)
	}
	return ports.Completion{Text: "stub completion"}, nil
}

// StubTool implements tooling.Tool for testing.
type StubTool struct {
	name     string
	schema   string
	mutating bool
	invoke   func(ctx context.Context, args json.RawMessage) (any, error)
	calls    atomic.Int64
}

func (t *StubTool) Name() string        { return t.name }
func (t *StubTool) Description() string { return "stub " + t.name }
func (t *StubTool) Mutating() bool      { return t.mutating }

func (t *StubTool) Schema() []byte {
	if t.schema == "" {
		return []byte(`{"type": "object"}`)
	}
	return []byte(t.schema)
}

func (t *StubTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	t.calls.Add(1)
	if t.invoke != nil {
		return t.invoke(ctx, args)
	}
	return map[string]string{"status": "ok"}, nil
}

type stubRetriever struct {
	chunks []retrieval.Chunk
}

func (r stubRetriever) Retrieve(_ context.Context, _ string, k int) []retrieval.Chunk {
	if k > 0 && len(r.chunks) > k {
		return append([]retrieval.Chunk(nil), r.chunks[:k]...)
	}
	return append([]retrieval.Chunk(nil), r.chunks...)
}

var errCrash = errors.New("simulated crash")

// crashStore fails the crashAt-th append. With persist set the checkpoint is
// written before the failure is reported, as when an acknowledgement is lost.
type crashStore struct {
	checkpoint.Store
	crashAt int
	persist bool
	appends int
}

func (s *crashStore) Append(ctx context.Context, id string, cp *checkpoint.Checkpoint) error {
	s.appends++
	if s.appends == s.crashAt {
		if s.persist {
			if err := s.Store.Append(ctx, id, cp); err != nil {
				return err
			}
		}
		return errCrash
	}
	return s.Store.Append(ctx, id, cp)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(typ events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func testPolicy() *Policy {
	p := DefaultPolicy()
	p.RetrievalTimeout = 500 * time.Millisecond
	p.Reasoning = tooling.RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		AttemptTimeout: 2 * time.Second,
	}
	return p
}

func testToolPolicy() tooling.RetryPolicy {
	return tooling.RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func newInvoker(t *testing.T, ts ...tooling.Tool) *tooling.Invoker {
	t.Helper()
	reg := tooling.NewRegistry()
	for _, tool := range ts {
		require.NoError(t, reg.Register(tool))
	}
	return tooling.NewInvoker(reg, nil, testToolPolicy())
}

func newTestEngine(store checkpoint.Store, provider ports.Provider, retriever Retriever, tools Tools, opts ...Option) *Engine {
	opts = append([]Option{WithPolicy(testPolicy()), WithLogger(zerolog.Nop())}, opts...)
	return New(store, provider, retriever, tools, opts...)
}

func lastMessage(in ports.PromptInput) ports.PromptMessage {
	if len(in.Messages) == 0 {
		return ports.PromptMessage{}
	}
	return in.Messages[len(in.Messages)-1]
}

func callTool(name, args string) ports.Completion {
	return ports.Completion{ToolCalls: []ports.ToolCall{{ID: "call_1", Name: name, Args: json.RawMessage(args)}}}
}

func states(t *testing.T, store checkpoint.Store, id string) []checkpoint.State {
	t.Helper()
	cps, err := store.List(context.Background(), id)
	require.NoError(t, err)
	out := make([]checkpoint.State, len(cps))
	for i, cp := range cps {
		assert.Equal(t, int64(i+1), cp.Seq)
		out[i] = cp.State
	}
	return out
}

func latestConversation(t *testing.T, store checkpoint.Store, id string) *Conversation {
	t.Helper()
	cp, err := store.Latest(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, cp)
	var conv Conversation
	require.NoError(t, json.Unmarshal(cp.Payload, &conv))
	return &conv
}

func orderChunks() []retrieval.Chunk {
	return []retrieval.Chunk{
		{DocumentID: "shipping", ChunkID: "c1", Text: "Orders ship within 2 business days.", Score: 0.9},
		{DocumentID: "shipping", ChunkID: "c2", Text: "Tracking links are emailed once an order ships.", Score: 0.8},
		{DocumentID: "orders", ChunkID: "c3", Text: "Order status can be checked from the account page.", Score: 0.7},
	}
}

func TestEngine_OrderStatusTurn(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	reg, err := tools.NewRegistry(tools.NewSeededCommerceStore(), tools.DefaultRefundPolicy())
	require.NoError(t, err)
	invoker := tooling.NewInvoker(reg, nil, testToolPolicy())

	provider := &StubProvider{completionFunc: func(_ context.Context, in ports.PromptInput, _ ports.Options) (ports.Completion, error) {
		assert.Len(t, in.Context, 3)
		if msg := lastMessage(in); msg.Role == "tool" {
			if strings.Contains(msg.Content, `"status":"shipped"`) {
				return ports.Completion{Text: "Your order #123 has shipped."}, nil
			}
			return ports.Completion{Text: "unexpected tool result: " + msg.Content}, nil
		}
		return callTool("get_order_status", `{"order_id": 123}`), nil
	}}
	pub := &recordingPublisher{}
	engine := newTestEngine(store, provider, stubRetriever{chunks: orderChunks()}, invoker, WithEvents(pub))

	out, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "user_123", Message: "Where is my order #123?"})
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StateResponding, out.State)
	assert.Equal(t, "Your order #123 has shipped.", out.Response)
	assert.False(t, out.Escalate)
	assert.False(t, out.Replayed)
	assert.Nil(t, out.Failure)
	assert.Equal(t, int64(5), out.Seq)
	assert.Equal(t, int64(2), provider.calls.Load())

	assert.Equal(t, []checkpoint.State{
		checkpoint.StateRetrieving,
		checkpoint.StateReasoning,
		checkpoint.StateActing,
		checkpoint.StateReasoning,
		checkpoint.StateResponding,
	}, states(t, store, "conv-1"))

	conv := latestConversation(t, store, "conv-1")
	assert.Nil(t, conv.Scratch)
	require.Len(t, conv.Turns, 1)
	turn := conv.Turns[0]
	assert.Equal(t, IntentAccountAction, turn.Intent)
	require.Len(t, turn.Steps, 2)
	assert.Equal(t, StepRetrieve, turn.Steps[0].Kind)
	assert.Equal(t, 3, turn.Steps[0].Chunks)
	act := turn.Steps[1]
	assert.Equal(t, StepAct, act.Kind)
	require.NotNil(t, act.Request)
	assert.Equal(t, "get_order_status", act.Request.Tool)
	assert.JSONEq(t, `{"order_id":123}`, string(act.Request.Args))
	require.NotNil(t, act.Result)
	assert.True(t, act.Result.OK())

	assert.Equal(t, 5, pub.count(events.TypeTransition))
	assert.Equal(t, 1, pub.count(events.TypeToolCall))
	assert.Equal(t, 1, pub.count(events.TypeTurnFinished))
}

func TestEngine_ReplaysFinishedTurn(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	provider := &StubProvider{}
	engine := newTestEngine(store, provider, nil, newInvoker(t))

	first, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "hello", MessageID: "m-1"})
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateResponding, first.State)

	again, err := engine.Advance(context.Background(), "conv-1", nil)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.TurnID, again.TurnID)
	assert.Equal(t, first.Response, again.Response)
	assert.Equal(t, first.Seq, again.Seq)

	redelivered, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "hello", MessageID: "m-1"})
	require.NoError(t, err)
	assert.True(t, redelivered.Replayed)
	assert.Equal(t, first.TurnID, redelivered.TurnID)

	assert.Equal(t, int64(1), provider.calls.Load())
	assert.Len(t, states(t, store, "conv-1"), 3)
}

func TestEngine_ToolTimeoutFailsTurn(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	slow := &StubTool{name: "lookup_order", invoke: func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	reg := tooling.NewRegistry()
	require.NoError(t, reg.Register(slow))
	policy := testToolPolicy()
	policy.AttemptTimeout = 20 * time.Millisecond
	invoker := tooling.NewInvoker(reg, nil, policy)

	provider := &StubProvider{completionFunc: func(_ context.Context, in ports.PromptInput, _ ports.Options) (ports.Completion, error) {
		if lastMessage(in).Role == "tool" {
			return ports.Completion{Text: "should not be reached"}, nil
		}
		return callTool("lookup_order", `{"order_id": "123"}`), nil
	}}
	engine := newTestEngine(store, provider, nil, invoker)

	out, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "Where is my order #123?"})
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StateFailed, out.State)
	assert.Equal(t, errx.FallbackMessage, out.Response)
	assert.True(t, out.Escalate)
	require.NotNil(t, out.Failure)
	assert.Equal(t, errx.KindTransient, out.Failure.Kind)
	assert.Contains(t, out.Failure.Reason, "after 3 attempt(s)")
	assert.Equal(t, int64(3), slow.calls.Load())
	assert.Equal(t, int64(1), provider.calls.Load())

	conv := latestConversation(t, store, "conv-1")
	assert.Equal(t, checkpoint.StateFailed, conv.State)
	require.Len(t, conv.Turns, 1)
	require.NotNil(t, conv.Turns[0].Failure)
	assert.Equal(t, errx.KindTransient, conv.Turns[0].Failure.Kind)
}

func TestEngine_ToolFailurePolicy(t *testing.T) {
	tests := []struct {
		name      string
		mutating  bool
		err       error
		wantState checkpoint.State
	}{
		{name: "validation is fed back", err: errx.Validation("lookup", "order not found"), wantState: checkpoint.StateResponding},
		{name: "terminal read-only is fed back", err: errx.Terminal("lookup", errors.New("denied")), wantState: checkpoint.StateResponding},
		{name: "terminal mutating fails", mutating: true, err: errx.Terminal("refund", errors.New("denied")), wantState: checkpoint.StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &StubTool{name: "backend", mutating: tt.mutating, invoke: func(context.Context, json.RawMessage) (any, error) {
				return nil, tt.err
			}}
			provider := &StubProvider{completionFunc: func(_ context.Context, in ports.PromptInput, _ ports.Options) (ports.Completion, error) {
				if msg := lastMessage(in); msg.Role == "tool" {
					assert.Contains(t, msg.Content, `"error"`)
					return ports.Completion{Text: "I could not complete that."}, nil
				}
				return callTool("backend", `{}`), nil
			}}
			engine := newTestEngine(checkpoint.NewMemoryStore(), provider, nil, newInvoker(t, tool))

			out, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "do it"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, out.State)
			assert.Equal(t, int64(1), tool.calls.Load())
		})
	}
}

func TestEngine_SchemaViolationIsFedBack(t *testing.T) {
	tool := &StubTool{
		name:   "get_order",
		schema: `{"type": "object", "properties": {"order_id": {"type": "string"}}, "required": ["order_id"]}`,
	}
	provider := &StubProvider{completionFunc: func(_ context.Context, in ports.PromptInput, _ ports.Options) (ports.Completion, error) {
		if msg := lastMessage(in); msg.Role == "tool" {
			assert.Contains(t, msg.Content, string(errx.KindValidation))
			return ports.Completion{Text: "Which order do you mean?"}, nil
		}
		return callTool("get_order", `{"id": 5}`), nil
	}}
	engine := newTestEngine(checkpoint.NewMemoryStore(), provider, nil, newInvoker(t, tool))

	out, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "status please"})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateResponding, out.State)
	assert.Equal(t, "Which order do you mean?", out.Response)
	assert.Zero(t, tool.calls.Load())
}

func TestEngine_LoopBound(t *testing.T) {
	tool := &StubTool{name: "lookup"}
	provider := &StubProvider{completionFunc: func(_ context.Context, in ports.PromptInput, _ ports.Options) (ports.Completion, error) {
		return callTool("lookup", fmt.Sprintf(`{"n": %s}`, in.Meta["cycle"])), nil
	}}
	policy := testPolicy()
	policy.MaxCycles = 3
	engine := newTestEngine(checkpoint.NewMemoryStore(), provider, nil, newInvoker(t, tool), WithPolicy(policy))

	out, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "loop forever"})
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StateFailed, out.State)
	require.NotNil(t, out.Failure)
	assert.Equal(t, errx.KindNonConvergence, out.Failure.Kind)
	assert.True(t, out.Escalate)
	assert.Equal(t, int64(3), tool.calls.Load())
	assert.Equal(t, int64(4), provider.calls.Load())
}

func TestEngine_EmptyIndexStillReasons(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	r := retrieval.NewRetriever(nil, retrieval.NewMemoryIndex(8), retrieval.DefaultOptions())
	provider := &StubProvider{completionFunc: func(_ context.Context, in ports.PromptInput, _ ports.Options) (ports.Completion, error) {
		assert.Empty(t, in.Context)
		return ports.Completion{Text: "I don't have that information, let me connect you with someone who does."}, nil
	}}
	engine := newTestEngine(store, provider, r, newInvoker(t))

	out, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "What is your warranty policy?"})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateResponding, out.State)
	assert.Equal(t, []checkpoint.State{
		checkpoint.StateRetrieving,
		checkpoint.StateReasoning,
		checkpoint.StateResponding,
	}, states(t, store, "conv-1"))

	conv := latestConversation(t, store, "conv-1")
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, 0, conv.Turns[0].Steps[0].Chunks)
}

func TestEngine_SkipsRetrievalForConfiguredIntents(t *testing.T) {
	policy := testPolicy()
	policy.SkipRetrievalIntents = []Intent{IntentAccountAction}
	provider := &StubProvider{completionFunc: func(_ context.Context, in ports.PromptInput, _ ports.Options) (ports.Completion, error) {
		assert.Empty(t, in.Context)
		return ports.Completion{Text: "ok"}, nil
	}}
	engine := newTestEngine(checkpoint.NewMemoryStore(), provider, stubRetriever{chunks: orderChunks()}, newInvoker(t), WithPolicy(policy))

	_, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "I need a password reset"})
	require.NoError(t, err)
}

// refundFlow calls a mutating tool once and then answers.
func refundFlow() *StubProvider {
	return &StubProvider{completionFunc: func(_ context.Context, in ports.PromptInput, _ ports.Options) (ports.Completion, error) {
		msg := lastMessage(in)
		switch {
		case msg.Role == "tool":
			return ports.Completion{Text: "Refund issued."}, nil
		case strings.Contains(msg.Content, "thanks"):
			return ports.Completion{Text: "You're welcome."}, nil
		default:
			return callTool("issue_refund", `{"order_id": "123", "amount_usd": 20}`), nil
		}
	}}
}

func TestEngine_CrashAtEveryCheckpoint(t *testing.T) {
	in := &Input{UserID: "u1", Message: "Please refund $20 on order #123", MessageID: "m-1"}

	for crashAt := 1; crashAt <= 5; crashAt++ {
		for _, persist := range []bool{false, true} {
			t.Run(fmt.Sprintf("append %d persist %v", crashAt, persist), func(t *testing.T) {
				ctx := context.Background()
				inner := checkpoint.NewMemoryStore()
				refund := &StubTool{name: "issue_refund", mutating: true}
				invoker := newInvoker(t, refund)
				provider := refundFlow()

				crashing := newTestEngine(&crashStore{Store: inner, crashAt: crashAt, persist: persist}, provider, nil, invoker)
				_, err := crashing.Advance(ctx, "conv-1", in)
				require.ErrorIs(t, err, errCrash)

				restarted := newTestEngine(inner, provider, nil, invoker)
				out, err := restarted.Advance(ctx, "conv-1", in)
				require.NoError(t, err)

				assert.Equal(t, checkpoint.StateResponding, out.State)
				assert.Equal(t, "Refund issued.", out.Response)
				assert.Equal(t, int64(1), refund.calls.Load(), "refund must execute exactly once")

				conv := latestConversation(t, inner, "conv-1")
				assert.Equal(t, checkpoint.StateResponding, conv.State)
				assert.Nil(t, conv.Scratch)
				assert.Len(t, conv.Turns, 1)
				states(t, inner, "conv-1")
			})
		}
	}
}

// flakyStore fails appends at random, sometimes after writing them.
type flakyStore struct {
	checkpoint.Store
	rng *rand.Rand
}

func (s *flakyStore) Append(ctx context.Context, id string, cp *checkpoint.Checkpoint) error {
	if s.rng.Float64() < 0.35 {
		if s.rng.Intn(2) == 0 {
			if err := s.Store.Append(ctx, id, cp); err != nil {
				return err
			}
		}
		return errCrash
	}
	return s.Store.Append(ctx, id, cp)
}

func TestEngine_RandomCrashes(t *testing.T) {
	in := &Input{UserID: "u1", Message: "Please refund $20 on order #123", MessageID: "m-1"}

	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			inner := checkpoint.NewMemoryStore()
			refund := &StubTool{name: "issue_refund", mutating: true}
			invoker := newInvoker(t, refund)
			store := &flakyStore{Store: inner, rng: rand.New(rand.NewSource(seed))}

			var out *Outcome
			for attempt := 0; attempt < 100 && out == nil; attempt++ {
				// Each attempt is a fresh process sharing the durable stores.
				engine := newTestEngine(store, refundFlow(), nil, invoker)
				res, err := engine.Advance(context.Background(), "conv-1", in)
				if err != nil {
					require.ErrorIs(t, err, errCrash)
					continue
				}
				out = res
			}
			require.NotNil(t, out, "conversation never completed")

			assert.Equal(t, "Refund issued.", out.Response)
			assert.Equal(t, int64(1), refund.calls.Load())
			conv := latestConversation(t, inner, "conv-1")
			assert.Equal(t, checkpoint.StateResponding, conv.State)
			assert.Len(t, conv.Turns, 1)
			states(t, inner, "conv-1")
		})
	}
}

func TestEngine_ResumeMidActing(t *testing.T) {
	ctx := context.Background()
	inner := checkpoint.NewMemoryStore()
	refund := &StubTool{name: "issue_refund", mutating: true}
	invoker := newInvoker(t, refund)
	provider := refundFlow()

	crashing := newTestEngine(&crashStore{Store: inner, crashAt: 4}, provider, nil, invoker)
	_, err := crashing.Advance(ctx, "conv-1", &Input{UserID: "u1", Message: "Please refund $20 on order #123"})
	require.ErrorIs(t, err, errCrash)

	latest, err := inner.Latest(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateActing, latest.State)
	require.Equal(t, int64(1), refund.calls.Load())

	restarted := newTestEngine(inner, provider, nil, invoker)
	out, err := restarted.Advance(ctx, "conv-1", nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateResponding, out.State)
	assert.Equal(t, "Refund issued.", out.Response)
	assert.False(t, out.Replayed)
	assert.Equal(t, int64(1), refund.calls.Load())

	conv := latestConversation(t, inner, "conv-1")
	require.Len(t, conv.Turns, 1)
	act := conv.Turns[0].Steps[1]
	require.NotNil(t, act.Result)
	assert.True(t, act.Result.Cached)
}

func TestEngine_NewInputFinishesTurnInFlight(t *testing.T) {
	ctx := context.Background()
	inner := checkpoint.NewMemoryStore()
	refund := &StubTool{name: "issue_refund", mutating: true}
	invoker := newInvoker(t, refund)
	provider := refundFlow()

	crashing := newTestEngine(&crashStore{Store: inner, crashAt: 3}, provider, nil, invoker)
	_, err := crashing.Advance(ctx, "conv-1", &Input{UserID: "u1", Message: "Please refund $20 on order #123", MessageID: "m-1"})
	require.ErrorIs(t, err, errCrash)

	restarted := newTestEngine(inner, provider, nil, invoker)
	out, err := restarted.Advance(ctx, "conv-1", &Input{UserID: "u1", Message: "thanks", MessageID: "m-2"})
	require.NoError(t, err)
	assert.Equal(t, "You're welcome.", out.Response)

	conv := latestConversation(t, inner, "conv-1")
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, "Refund issued.", conv.Turns[0].Response)
	assert.Equal(t, "m-2", conv.Turns[1].MessageID)
	assert.Equal(t, int64(1), refund.calls.Load())
}

func TestEngine_CancellationLeavesResumableCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &StubProvider{}
	provider.completionFunc = func(callCtx context.Context, _ ports.PromptInput, _ ports.Options) (ports.Completion, error) {
		if provider.calls.Load() == 1 {
			cancel()
			return ports.Completion{}, callCtx.Err()
		}
		return ports.Completion{Text: "resumed"}, nil
	}
	engine := newTestEngine(store, provider, nil, newInvoker(t))

	_, err := engine.Advance(ctx, "conv-1", &Input{UserID: "u1", Message: "hello"})
	require.ErrorIs(t, err, context.Canceled)

	latest, err := store.Latest(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateReasoning, latest.State)

	out, err := engine.Advance(context.Background(), "conv-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "resumed", out.Response)
}

func TestEngine_EscalateToHuman(t *testing.T) {
	provider := &StubProvider{completionFunc: func(context.Context, ports.PromptInput, ports.Options) (ports.Completion, error) {
		return callTool(EscalateTool, `{"reason": "customer asked for a manager"}`), nil
	}}
	engine := newTestEngine(checkpoint.NewMemoryStore(), provider, nil, newInvoker(t))

	out, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "get me a manager"})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateFailed, out.State)
	assert.True(t, out.Escalate)
	assert.Equal(t, errx.FallbackMessage, out.Response)
	require.NotNil(t, out.Failure)
	assert.Equal(t, KindEscalated, out.Failure.Kind)
	assert.Equal(t, "customer asked for a manager", out.Failure.Reason)
}

func TestEngine_ReasoningRetriesThenFails(t *testing.T) {
	provider := &StubProvider{completionFunc: func(context.Context, ports.PromptInput, ports.Options) (ports.Completion, error) {
		return ports.Completion{}, errx.Transient("complete", errors.New("503 from upstream"))
	}}
	engine := newTestEngine(checkpoint.NewMemoryStore(), provider, nil, newInvoker(t))

	out, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateFailed, out.State)
	require.NotNil(t, out.Failure)
	assert.Equal(t, errx.KindTransient, out.Failure.Kind)
	assert.Equal(t, int64(3), provider.calls.Load())
}

func TestEngine_Judge(t *testing.T) {
	tests := []struct {
		name         string
		judge        func(context.Context, ports.PromptInput, ports.Options) (ports.Completion, error)
		wantEscalate bool
		wantConf     float64
	}{
		{
			name: "confident",
			judge: func(context.Context, ports.PromptInput, ports.Options) (ports.Completion, error) {
				return ports.Completion{Text: `{"confidence": 0.9, "needs_human": false}`}, nil
			},
			wantConf: 0.9,
		},
		{
			name: "below threshold",
			judge: func(context.Context, ports.PromptInput, ports.Options) (ports.Completion, error) {
				return ports.Completion{Text: `{"confidence": 0.3, "needs_human": false}`}, nil
			},
			wantEscalate: true,
			wantConf:     0.3,
		},
		{
			name: "unavailable",
			judge: func(context.Context, ports.PromptInput, ports.Options) (ports.Completion, error) {
				return ports.Completion{}, errors.New("judge down")
			},
			wantEscalate: true,
			wantConf:     0.4,
		},
		{
			name: "hangs past the attempt timeout",
			judge: func(ctx context.Context, _ ports.PromptInput, _ ports.Options) (ports.Completion, error) {
				<-ctx.Done()
				return ports.Completion{}, ctx.Err()
			},
			wantEscalate: true,
			wantConf:     0.4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := testPolicy()
			policy.JudgeEnabled = true
			policy.Reasoning.AttemptTimeout = 50 * time.Millisecond
			judge := NewJudge(&StubProvider{completionFunc: tt.judge}, 0, 0, zerolog.Nop())
			provider := &StubProvider{completionFunc: func(context.Context, ports.PromptInput, ports.Options) (ports.Completion, error) {
				return ports.Completion{Text: "Orders ship within 2 business days."}, nil
			}}
			engine := newTestEngine(checkpoint.NewMemoryStore(), provider, stubRetriever{chunks: orderChunks()}, newInvoker(t),
				WithPolicy(policy), WithJudge(judge))

			out, err := engine.Advance(context.Background(), "conv-1", &Input{UserID: "u1", Message: "How fast do you ship?"})
			require.NoError(t, err)
			assert.Equal(t, checkpoint.StateResponding, out.State)
			assert.Equal(t, tt.wantEscalate, out.Escalate)
			assert.InDelta(t, tt.wantConf, out.Confidence, 1e-9)
		})
	}
}

func TestEngine_CorruptCheckpointAndRestart(t *testing.T) {
	tests := []struct {
		name    string
		state   checkpoint.State
		payload string
	}{
		{name: "undecodable payload", state: checkpoint.StateReasoning, payload: `not json`},
		{name: "acting without pending call", state: checkpoint.StateActing, payload: `{"id":"conv-1","user_id":"u1","state":"acting","turns":[],"scratch":{"turn_id":"t1","user_message":"hi"}}`},
		{name: "state mismatch", state: checkpoint.StateReasoning, payload: `{"id":"conv-1","user_id":"u1","state":"idle","turns":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := checkpoint.NewMemoryStore()
			require.NoError(t, store.Append(ctx, "conv-1", checkpoint.New("conv-1", 1, tt.state, []byte(tt.payload))))
			engine := newTestEngine(store, &StubProvider{}, nil, newInvoker(t))

			_, err := engine.Advance(ctx, "conv-1", nil)
			require.Error(t, err)
			assert.Equal(t, errx.KindCorruptCheckpoint, errx.KindOf(err))

			seq, err := engine.Restart(ctx, "conv-1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), seq)

			out, err := engine.Advance(ctx, "conv-1", &Input{UserID: "u1", Message: "hello again"})
			require.NoError(t, err)
			assert.Equal(t, checkpoint.StateResponding, out.State)
			assert.Equal(t, int64(5), out.Seq)
		})
	}
}

func TestEngine_InputValidation(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(checkpoint.NewMemoryStore(), &StubProvider{}, nil, newInvoker(t))

	_, err := engine.Advance(ctx, "", &Input{Message: "hi"})
	assert.Equal(t, errx.KindValidation, errx.KindOf(err))

	_, err = engine.Advance(ctx, "conv-1", &Input{UserID: "u1", Message: "   "})
	assert.Equal(t, errx.KindValidation, errx.KindOf(err))

	_, err = engine.Advance(ctx, "conv-1", nil)
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = engine.Advance(ctx, "conv-1", &Input{UserID: "u1", Message: "hi"})
	require.NoError(t, err)
	_, err = engine.Advance(ctx, "conv-1", &Input{UserID: "u2", Message: "hi"})
	assert.Equal(t, errx.KindValidation, errx.KindOf(err))
}

func TestEngine_SerializesConcurrentAdvance(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	engine := newTestEngine(store, &StubProvider{}, nil, newInvoker(t))

	var wg conc.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			_, err := engine.Advance(context.Background(), "conv-1", &Input{
				UserID:    "u1",
				Message:   fmt.Sprintf("message %d", i),
				MessageID: fmt.Sprintf("m-%d", i),
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	conv := latestConversation(t, store, "conv-1")
	assert.Len(t, conv.Turns, 10)
	assert.Len(t, states(t, store, "conv-1"), 30)
}

func TestToolFailureEndsTurn(t *testing.T) {
	assert.False(t, toolFailureEndsTurn(errx.KindValidation, true))
	assert.False(t, toolFailureEndsTurn(errx.KindTerminal, false))
	assert.True(t, toolFailureEndsTurn(errx.KindTerminal, true))
	assert.True(t, toolFailureEndsTurn(errx.KindTransient, false))
	assert.True(t, toolFailureEndsTurn(errx.KindNonConvergence, false))
}
