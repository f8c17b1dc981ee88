// Package agent is the durable orchestration engine. Each conversation is a
// small state machine (idle, retrieving, reasoning, acting, responding,
// failed) whose every transition is written to a checkpoint log before the
// engine moves on, so a restarted process resumes where the last one stopped.
package agent

import (
	"encoding/json"
	"errors"
	"time"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/ZanzyTHEbar/support-agent/sagent/checkpoint"
	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/ZanzyTHEbar/support-agent/sagent/retrieval"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
)

// ErrNoInput is returned when Advance is called without a message on a
// conversation that has nothing to resume.
var ErrNoInput = errors.New("agent: no input and nothing to resume")

// Input is a user message for a conversation.
type Input struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	// MessageID, when set, makes redelivery of the same message safe: a message
	// that already started a turn resumes or replays that turn.
	MessageID string `json:"message_id,omitempty"`
}

// Failure explains why a turn ended in Failed.
type Failure struct {
	Kind   errx.Kind `json:"kind"`
	Reason string    `json:"reason"`
}

// StepKind names the node that produced a step.
type StepKind string

const (
	StepRetrieve StepKind = "retrieve"
	StepAct      StepKind = "act"
)

// Step is one internal step of a turn.
type Step struct {
	Kind    StepKind         `json:"kind"`
	Chunks  int              `json:"chunks,omitempty"`
	Request *tooling.Request `json:"request,omitempty"`
	Result  *tooling.Result  `json:"result,omitempty"`
	At      time.Time        `json:"at"`
}

// Turn is one user message and the steps that produced one response.
// Committed turns are never modified.
type Turn struct {
	ID          string           `json:"id"`
	MessageID   string           `json:"message_id,omitempty"`
	UserMessage string           `json:"user_message"`
	Intent      Intent           `json:"intent"`
	Steps       []Step           `json:"steps"`
	State       checkpoint.State `json:"state"`
	Response    string           `json:"response"`
	Escalate    bool             `json:"escalate,omitempty"`
	Confidence  float64          `json:"confidence,omitempty"`
	Failure     *Failure         `json:"failure,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Scratch is the working memory of the turn in flight. Retrieved chunks live
// here and are dropped when the turn is committed.
type Scratch struct {
	TurnID      string            `json:"turn_id"`
	MessageID   string            `json:"message_id,omitempty"`
	UserMessage string            `json:"user_message"`
	Intent      Intent            `json:"intent"`
	Context     []retrieval.Chunk `json:"context,omitempty"`
	Steps       []Step            `json:"steps,omitempty"`
	Cycles      int               `json:"cycles"`
	Pending     *tooling.Request  `json:"pending,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
}

// Conversation is the checkpointed unit of durability.
type Conversation struct {
	ID      string           `json:"id"`
	UserID  string           `json:"user_id,omitempty"`
	State   checkpoint.State `json:"state"`
	Turns   []Turn           `json:"turns"`
	Scratch *Scratch         `json:"scratch,omitempty"`
}

func newConversation(id, userID string) *Conversation {
	return &Conversation{ID: id, UserID: userID, State: checkpoint.StateIdle}
}

// inFlight reports whether a turn has started and not reached a terminal state.
func (c *Conversation) inFlight() bool {
	return c.Scratch != nil && !c.State.Terminal() && c.State != checkpoint.StateIdle
}

func (c *Conversation) lastTurn() *Turn {
	if len(c.Turns) == 0 {
		return nil
	}
	return &c.Turns[len(c.Turns)-1]
}

// validate checks the invariants a decoded checkpoint payload must satisfy.
func (c *Conversation) validate(cp *checkpoint.Checkpoint) error {
	switch {
	case c.ID != cp.ConversationID:
		return checkpoint.ErrConversationMismatch
	case c.State != cp.State:
		return errors.New("payload state does not match checkpoint state")
	case c.State == checkpoint.StateActing && (c.Scratch == nil || c.Scratch.Pending == nil):
		return errors.New("acting checkpoint has no pending tool call")
	case (c.State == checkpoint.StateRetrieving || c.State == checkpoint.StateReasoning) && c.Scratch == nil:
		return errors.New("in-flight checkpoint has no scratch memory")
	}
	return nil
}

func (c *Conversation) encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecisionKind tags a Decision.
type DecisionKind string

const (
	DecisionRespond DecisionKind = "respond"
	DecisionInvoke  DecisionKind = "invoke_tool"
	DecisionFail    DecisionKind = "fail"
)

// Decision is the output of one reasoning step.
type Decision struct {
	Kind    DecisionKind
	Text    string
	Request *tooling.Request
	Reason  string
	Usage   *ports.Usage
}

func RespondToUser(text string) Decision { return Decision{Kind: DecisionRespond, Text: text} }

func InvokeTool(req tooling.Request) Decision { return Decision{Kind: DecisionInvoke, Request: &req} }

func Fail(reason string) Decision { return Decision{Kind: DecisionFail, Reason: reason} }

// Outcome is what Advance reports for a turn.
type Outcome struct {
	ConversationID string           `json:"conversation_id"`
	TurnID         string           `json:"turn_id"`
	State          checkpoint.State `json:"state"`
	Response       string           `json:"response"`
	Escalate       bool             `json:"escalate"`
	Failure        *Failure         `json:"failure,omitempty"`
	Confidence     float64          `json:"confidence,omitempty"`
	Replayed       bool             `json:"replayed,omitempty"`
	Seq            int64            `json:"seq"`
}

func outcomeOf(conversationID string, t *Turn, seq int64, replayed bool) *Outcome {
	return &Outcome{
		ConversationID: conversationID,
		TurnID:         t.ID,
		State:          t.State,
		Response:       t.Response,
		Escalate:       t.Escalate,
		Failure:        t.Failure,
		Confidence:     t.Confidence,
		Replayed:       replayed,
		Seq:            seq,
	}
}

func (c *Conversation) turnForMessage(messageID string) *Turn {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].MessageID == messageID {
			return &c.Turns[i]
		}
	}
	return nil
}
