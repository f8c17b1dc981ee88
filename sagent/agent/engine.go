package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/agent/adapters"
	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/ZanzyTHEbar/support-agent/sagent/checkpoint"
	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/ZanzyTHEbar/support-agent/sagent/events"
	"github.com/ZanzyTHEbar/support-agent/sagent/retrieval"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// KindEscalated marks a turn the model handed to a human on purpose.
const KindEscalated errx.Kind = "escalation_requested"

// Retriever supplies the context bundle for a turn. It never fails; problems
// degrade to a smaller or empty bundle.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) []retrieval.Chunk
}

// Tools is the tool invocation layer as seen by the engine.
type Tools interface {
	Invoke(ctx context.Context, req tooling.Request) tooling.Result
	Registry() *tooling.Registry
}

// Engine drives conversations through the orchestration state machine.
type Engine struct {
	store      checkpoint.Store
	provider   ports.Provider
	retriever  Retriever
	tools      Tools
	locker     Locker
	events     events.Publisher
	tracer     ports.Tracer
	judge      *Judge
	builder    *PromptBuilder
	parser     *OutputParser
	guardrails *Guardrails
	pol        atomic.Pointer[Policy]
	logger     zerolog.Logger
	now        func() time.Time
}

type Option func(*Engine)

func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithEvents(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

func WithTracer(t ports.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithJudge enables the confidence judge when the policy asks for it.
func WithJudge(j *Judge) Option { return func(e *Engine) { e.judge = j } }

func WithPolicy(p *Policy) Option { return func(e *Engine) { e.pol.Store(p) } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an engine. retriever may be nil, in which case every turn
// reasons without knowledge-base context.
func New(store checkpoint.Store, provider ports.Provider, retriever Retriever, tools Tools, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		provider:  provider,
		retriever: retriever,
		tools:     tools,
		locker:    NewMemoryLocker(),
		events:    events.Nop{},
		tracer:    adapters.NopTracer{},
		builder:   NewPromptBuilder(),
		parser:    NewOutputParser(),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	e.pol.Store(DefaultPolicy())
	for _, opt := range opts {
		opt(e)
	}
	e.guardrails = NewGuardrails(tools.Registry(), e.policy().MaxResponseChars)
	return e
}

func (e *Engine) policy() *Policy { return e.pol.Load() }

// SetPolicy swaps the policy used by turns that start reasoning afterwards.
func (e *Engine) SetPolicy(p *Policy) {
	if p != nil {
		e.pol.Store(p)
	}
}

// runState is a loaded conversation and the seq of its latest checkpoint.
type runState struct {
	conv *Conversation
	seq  int64
}

// Advance is the only externally driven operation. With a message it starts
// a new turn, first finishing any turn left in flight. Without one it
// resumes from the latest checkpoint, or replays the recorded outcome of a
// finished turn with Replayed set.
func (e *Engine) Advance(ctx context.Context, conversationID string, in *Input) (out *Outcome, err error) {
	if conversationID == "" {
		return nil, errx.Validation("advance", "empty conversation id")
	}
	if in != nil {
		cp := *in
		cp.Message = strings.TrimSpace(cp.Message)
		in = &cp
		if in.Message == "" {
			return nil, errx.Validation("advance", "empty message")
		}
	}

	ctx, finish := e.tracer.StartSpan(ctx, "advance", map[string]any{
		"conversation_id": conversationID,
		"has_input":       in != nil,
	})
	defer func() { finish(err) }()

	unlock, err := e.locker.Lock(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("advance %s: %w", conversationID, err)
	}
	defer unlock()

	r, err := e.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if r.conv == nil {
		if in == nil {
			return nil, ErrNoInput
		}
		r.conv = newConversation(conversationID, in.UserID)
	}
	conv := r.conv
	if in != nil && in.UserID != "" {
		switch {
		case conv.UserID == "":
			conv.UserID = in.UserID
		case conv.UserID != in.UserID:
			return nil, errx.Validation("advance", "conversation belongs to another user")
		}
	}

	switch {
	case conv.inFlight():
		redelivered := in != nil && in.MessageID != "" && in.MessageID == conv.Scratch.MessageID
		e.logger.Info().Str("conversation_id", conversationID).Str("state", string(conv.State)).
			Int64("seq", r.seq).Msg("resuming turn in flight")
		out, err := e.run(ctx, r)
		if err != nil || in == nil || redelivered {
			return out, err
		}
	case in == nil:
		t := conv.lastTurn()
		if t == nil {
			return nil, ErrNoInput
		}
		return outcomeOf(conversationID, t, r.seq, true), nil
	case in.MessageID != "":
		if t := conv.turnForMessage(in.MessageID); t != nil {
			return outcomeOf(conversationID, t, r.seq, true), nil
		}
	}

	if err := e.startTurn(ctx, r, in); err != nil {
		return nil, err
	}
	return e.run(ctx, r)
}

// Restart abandons the current lineage of a conversation, typically after a
// corrupt checkpoint, by appending a fresh idle conversation. History is not
// carried over.
func (e *Engine) Restart(ctx context.Context, conversationID string) (int64, error) {
	unlock, err := e.locker.Lock(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("restart %s: %w", conversationID, err)
	}
	defer unlock()

	latest, err := e.store.Latest(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("restart %s: %w", conversationID, err)
	}
	var (
		seq    int64
		userID string
		from   checkpoint.State
	)
	if latest != nil {
		seq = latest.Seq
		from = latest.State
		var prev struct {
			UserID string `json:"user_id"`
		}
		if json.Unmarshal(latest.Payload, &prev) == nil {
			userID = prev.UserID
		}
	}

	r := &runState{conv: newConversation(conversationID, userID), seq: seq}
	r.conv.State = from
	if err := e.transition(ctx, r, checkpoint.StateIdle, ""); err != nil {
		return 0, err
	}
	e.logger.Warn().Str("conversation_id", conversationID).Int64("seq", r.seq).Msg("conversation restarted")
	return r.seq, nil
}

func (e *Engine) load(ctx context.Context, conversationID string) (*runState, error) {
	cp, err := e.store.Latest(ctx, conversationID)
	if err != nil {
		if errx.KindOf(err) == errx.KindCorruptCheckpoint {
			return nil, err
		}
		return nil, fmt.Errorf("load %s: %w", conversationID, err)
	}
	if cp == nil {
		return &runState{}, nil
	}
	if err := cp.Validate(); err != nil {
		return nil, errx.CorruptCheckpoint("load", fmt.Errorf("conversation %s seq %d: %w", conversationID, cp.Seq, err))
	}
	var conv Conversation
	if err := json.Unmarshal(cp.Payload, &conv); err != nil {
		return nil, errx.CorruptCheckpoint("load", fmt.Errorf("conversation %s seq %d: undecodable payload: %w", conversationID, cp.Seq, err))
	}
	if err := conv.validate(cp); err != nil {
		return nil, errx.CorruptCheckpoint("load", fmt.Errorf("conversation %s seq %d: %w", conversationID, cp.Seq, err))
	}
	return &runState{conv: &conv, seq: cp.Seq}, nil
}

func (e *Engine) startTurn(ctx context.Context, r *runState, in *Input) error {
	intent := Triage(in.Message)
	r.conv.Scratch = &Scratch{
		TurnID:      uuid.NewString(),
		MessageID:   in.MessageID,
		UserMessage: in.Message,
		Intent:      intent,
		StartedAt:   e.now().UTC(),
	}
	e.tracer.Event(ctx, "turn_started", map[string]any{"intent": string(intent)})
	return e.transition(ctx, r, checkpoint.StateRetrieving, "")
}

// run drives the turn in flight until it reaches a terminal state.
func (e *Engine) run(ctx context.Context, r *runState) (*Outcome, error) {
	for {
		var err error
		switch r.conv.State {
		case checkpoint.StateRetrieving:
			err = e.retrieve(ctx, r)
		case checkpoint.StateReasoning:
			err = e.reason(ctx, r)
		case checkpoint.StateActing:
			err = e.act(ctx, r)
		case checkpoint.StateResponding, checkpoint.StateFailed:
			return outcomeOf(r.conv.ID, r.conv.lastTurn(), r.seq, false), nil
		default:
			err = errx.CorruptCheckpoint("run", fmt.Errorf("conversation %s: no turn in flight in state %q", r.conv.ID, r.conv.State))
		}
		if err != nil {
			return nil, err
		}
	}
}

func (e *Engine) retrieve(ctx context.Context, r *runState) (err error) {
	ctx, finish := e.tracer.StartSpan(ctx, "retrieve", nil)
	defer func() { finish(err) }()

	p := e.policy()
	s := r.conv.Scratch
	var chunks []retrieval.Chunk
	if e.retriever != nil && !p.skipsRetrieval(s.Intent) {
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if p.RetrievalTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, p.RetrievalTimeout)
		}
		chunks = e.retriever.Retrieve(rctx, s.UserMessage, p.RetrievalK)
		cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.Context = chunks
	s.Steps = append(s.Steps, Step{Kind: StepRetrieve, Chunks: len(chunks), At: e.now().UTC()})
	return e.transition(ctx, r, checkpoint.StateReasoning, "")
}

func (e *Engine) reason(ctx context.Context, r *runState) (err error) {
	ctx, finish := e.tracer.StartSpan(ctx, "reason", map[string]any{"cycle": r.conv.Scratch.Cycles})
	defer func() { finish(err) }()

	p := e.policy()
	conv, s := r.conv, r.conv.Scratch
	in := e.reasoningInput(conv)
	opts := ports.Options{MaxNewTokens: p.MaxTokens, Temperature: p.Temperature, ToolChoice: "auto"}

	var d Decision
	attempts, callErr := p.Reasoning.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Reasoning.AttemptTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Reasoning.AttemptTimeout)
		}
		defer cancel()

		comp, err := e.provider.Complete(callCtx, in, opts)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				err = errx.Transient("reason", err)
			}
			e.logger.Debug().Err(err).Int("attempt", attempt).Str("conversation_id", conv.ID).Msg("reasoning attempt failed")
			return err
		}
		d, err = e.decide(conv, comp)
		return err
	})
	if callErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fail(ctx, r, Failure{
			Kind:   errx.Classify(callErr),
			Reason: fmt.Sprintf("reasoning failed after %d attempt(s): %v", attempts, callErr),
		})
	}

	switch d.Kind {
	case DecisionFail:
		return e.fail(ctx, r, Failure{Kind: KindEscalated, Reason: d.Reason})

	case DecisionInvoke:
		if s.Cycles >= p.MaxCycles {
			return e.fail(ctx, r, Failure{
				Kind:   errx.KindNonConvergence,
				Reason: errx.NonConvergence("reason", s.Cycles).Error(),
			})
		}
		s.Cycles++
		s.Pending = d.Request
		return e.transition(ctx, r, checkpoint.StateActing, d.Request.Tool)

	default:
		text := e.guardrails.SanitizeOutput(d.Text)
		turn := e.commit(conv, checkpoint.StateResponding, text)
		if p.JudgeEnabled && e.judge != nil {
			jctx, cancel := ctx, context.CancelFunc(func() {})
			if p.Reasoning.AttemptTimeout > 0 {
				jctx, cancel = context.WithTimeout(ctx, p.Reasoning.AttemptTimeout)
			}
			v := e.judge.Evaluate(jctx, s.UserMessage, text, s.Context)
			cancel()
			if err := ctx.Err(); err != nil {
				return err
			}
			turn.Confidence = v.Confidence
			turn.Escalate = v.NeedsHuman || v.Confidence < p.JudgeThreshold
		}
		conv.Turns = append(conv.Turns, *turn)
		conv.Scratch = nil
		return e.finishTurn(ctx, r, checkpoint.StateResponding)
	}
}

func (e *Engine) act(ctx context.Context, r *runState) (err error) {
	s := r.conv.Scratch
	req := *s.Pending
	ctx, finish := e.tracer.StartSpan(ctx, "act", map[string]any{"tool": req.Tool, "key": req.Key})
	defer func() { finish(err) }()

	res := e.tools.Invoke(ctx, req)
	if res.Failure != nil && res.Failure.Kind == errx.KindCanceled && ctx.Err() != nil {
		// Nothing was dispatched, or the outcome is unknown; the pending call
		// stays checkpointed and is re-issued with the same key on resume.
		return ctx.Err()
	}

	s.Pending = nil
	s.Steps = append(s.Steps, Step{Kind: StepAct, Request: &req, Result: &res, At: e.now().UTC()})

	mutating := false
	if tool, ok := e.tools.Registry().Get(req.Tool); ok {
		mutating = tool.Mutating()
	}
	if res.Failure != nil && toolFailureEndsTurn(res.Failure.Kind, mutating) {
		err = e.fail(ctx, r, Failure{
			Kind:   res.Failure.Kind,
			Reason: fmt.Sprintf("%s failed after %d attempt(s): %s", req.Tool, res.Attempts, res.Failure.Message),
		})
	} else {
		err = e.transition(ctx, r, checkpoint.StateReasoning, req.Tool)
	}
	if err != nil {
		return err
	}

	ok := res.OK()
	ev := events.New(events.TypeToolCall, r.conv.ID, r.seq, string(r.conv.State))
	ev.TurnID = req.TurnID
	ev.Tool = req.Tool
	ev.ToolOK = &ok
	if res.Failure != nil {
		ev.FailureKind = string(res.Failure.Kind)
	}
	e.publish(ctx, ev)

	// The result is recorded; report a cancellation only now.
	return ctx.Err()
}

// toolFailureEndsTurn applies the failure policy: bad arguments go back to the
// model, a permanent denial goes back only for read-only tools, and an
// exhausted retry budget ends the turn.
func toolFailureEndsTurn(kind errx.Kind, mutating bool) bool {
	switch kind {
	case errx.KindValidation:
		return false
	case errx.KindTerminal:
		return mutating
	default:
		return true
	}
}

func (e *Engine) fail(ctx context.Context, r *runState, f Failure) error {
	conv := r.conv
	turn := e.commit(conv, checkpoint.StateFailed, errx.FallbackMessage)
	turn.Escalate = true
	turn.Failure = &f
	conv.Turns = append(conv.Turns, *turn)
	conv.Scratch = nil

	e.logger.Warn().Str("conversation_id", conv.ID).Str("turn_id", turn.ID).
		Str("kind", string(f.Kind)).Str("reason", f.Reason).Msg("turn failed")
	return e.finishTurn(ctx, r, checkpoint.StateFailed)
}

// commit builds the committed form of the turn in flight.
func (e *Engine) commit(conv *Conversation, state checkpoint.State, response string) *Turn {
	s := conv.Scratch
	return &Turn{
		ID:          s.TurnID,
		MessageID:   s.MessageID,
		UserMessage: s.UserMessage,
		Intent:      s.Intent,
		Steps:       s.Steps,
		State:       state,
		Response:    response,
		StartedAt:   s.StartedAt,
		CompletedAt: e.now().UTC(),
	}
}

func (e *Engine) finishTurn(ctx context.Context, r *runState, state checkpoint.State) error {
	if err := e.transition(ctx, r, state, ""); err != nil {
		return err
	}
	t := r.conv.lastTurn()
	ev := events.New(events.TypeTurnFinished, r.conv.ID, r.seq, string(state))
	ev.TurnID = t.ID
	ev.Response = t.Response
	ev.Escalate = t.Escalate
	if t.Failure != nil {
		ev.FailureKind = string(t.Failure.Kind)
		ev.Reason = t.Failure.Reason
	}
	e.publish(ctx, ev)
	return nil
}

// transition checkpoints the conversation in state to and publishes the
// change. The append is not abandoned when ctx is cancelled.
func (e *Engine) transition(ctx context.Context, r *runState, to checkpoint.State, tool string) error {
	from := r.conv.State
	r.conv.State = to
	payload, err := r.conv.encode()
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", r.conv.ID, err)
	}
	cp := checkpoint.New(r.conv.ID, r.seq+1, to, payload)
	if err := e.store.Append(context.WithoutCancel(ctx), r.conv.ID, cp); err != nil {
		return fmt.Errorf("checkpoint %s seq %d: %w", r.conv.ID, cp.Seq, err)
	}
	r.seq = cp.Seq

	e.logger.Debug().Str("conversation_id", r.conv.ID).Int64("seq", r.seq).
		Str("from", string(from)).Str("to", string(to)).Msg("transition")

	ev := events.New(events.TypeTransition, r.conv.ID, r.seq, string(to))
	ev.From = string(from)
	ev.Tool = tool
	if r.conv.Scratch != nil {
		ev.TurnID = r.conv.Scratch.TurnID
	} else if t := r.conv.lastTurn(); t != nil && to.Terminal() {
		ev.TurnID = t.ID
	}
	e.publish(ctx, ev)
	return nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn().Err(err).Str("conversation_id", ev.ConversationID).Str("type", string(ev.Type)).Msg("failed to publish event")
	}
}
