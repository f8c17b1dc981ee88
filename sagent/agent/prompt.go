package agent

import (
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/ZanzyTHEbar/support-agent/sagent/retrieval"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
)

// EscalateTool is the pseudo-tool the model calls to hand a conversation to a
// human. Calling it is the Fail decision; it never reaches the tool layer.
const EscalateTool = "escalate_to_human"

const escalateSchema = `{
  "type": "object",
  "properties": {
    "reason": {"type": "string", "minLength": 3, "maxLength": 300}
  },
  "required": ["reason"],
  "additionalProperties": false
}`

var escalateSpec = ports.ToolSpec{
	Name:        EscalateTool,
	Description: "Hand the conversation to a human agent when the request cannot be resolved with the available tools.",
	JSONSchema:  []byte(escalateSchema),
}

// PromptBuilder assembles model-ready inputs from system text, messages, and tools.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build flattens system + chat messages into a Provider PromptInput.
func (b *PromptBuilder) Build(system string, messages []ports.PromptMessage, contextSnippets []string, toolSpecs []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	// Normalize newlines and trim whitespace to reduce prompt diffs for caching
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	for i := range messages {
		messages[i].Content = norm(messages[i].Content)
	}
	for i := range contextSnippets {
		contextSnippets[i] = norm(contextSnippets[i])
	}

	return ports.PromptInput{
		System:   norm(system),
		Messages: messages,
		Context:  contextSnippets,
		Tools:    toolSpecs,
		Meta:     meta,
	}
}

// reasoningInput builds the prompt for the next reasoning step of the turn in flight.
func (e *Engine) reasoningInput(conv *Conversation) ports.PromptInput {
	s := conv.Scratch

	history := make([]ports.PromptMessage, 0, 2*len(conv.Turns))
	for _, t := range conv.Turns {
		history = append(history,
			ports.PromptMessage{Role: "user", Content: t.UserMessage},
			ports.PromptMessage{Role: "assistant", Content: t.Response},
		)
	}
	messages := trimHistory(history, e.policy().MaxHistoryMessages)
	messages = append(messages, ports.PromptMessage{Role: "user", Content: s.UserMessage})
	messages = append(messages, stepMessages(s.Steps)...)

	return e.builder.Build(e.policy().SystemPrompt, messages, contextSnippets(s.Context), e.toolSpecs(), map[string]string{
		"conversation_id": conv.ID,
		"turn_id":         s.TurnID,
		"intent":          string(s.Intent),
		"cycle":           fmt.Sprintf("%d", s.Cycles),
	})
}

// trimHistory keeps the last limit messages and never starts the window on
// anything but a user message, so a tool result is never sent without the
// call that produced it.
func trimHistory(msgs []ports.PromptMessage, limit int) []ports.PromptMessage {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	cut := msgs[len(msgs)-limit:]
	for len(cut) > 0 && cut[0].Role != "user" {
		cut = cut[1:]
	}
	return cut
}

// stepMessages replays the tool calls of the turn as assistant/tool pairs.
func stepMessages(steps []Step) []ports.PromptMessage {
	var out []ports.PromptMessage
	for _, st := range steps {
		if st.Kind != StepAct || st.Request == nil || st.Result == nil {
			continue
		}
		id := st.Request.CallID
		if id == "" {
			id = "call_" + st.Request.Key[:12]
		}
		out = append(out,
			ports.PromptMessage{
				Role:      "assistant",
				ToolCalls: []ports.ToolCall{{ID: id, Name: st.Request.Tool, Args: st.Request.Args}},
			},
			ports.PromptMessage{Role: "tool", ToolCallID: id, Content: st.Result.Content()},
		)
	}
	return out
}

func contextSnippets(chunks []retrieval.Chunk) []string {
	if len(chunks) == 0 {
		return nil
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		cite := c.Citation
		if cite == "" {
			cite = c.DocumentID
		}
		out[i] = fmt.Sprintf("%s (source: %s)", c.Text, cite)
	}
	return out
}

func (e *Engine) toolSpecs() []ports.ToolSpec {
	specs := e.tools.Registry().Specs()
	out := make([]ports.ToolSpec, 0, len(specs)+1)
	for _, s := range specs {
		out = append(out, ports.ToolSpec{Name: s.Name, Description: s.Description, JSONSchema: s.Schema})
	}
	return append(out, escalateSpec)
}

// decide turns a completion into a Decision. Only the first tool call is
// acted on; the model sees its result before choosing the next one.
func (e *Engine) decide(conv *Conversation, comp ports.Completion) (Decision, error) {
	calls := comp.ToolCalls
	if len(calls) == 0 {
		calls = e.parser.ParseToolCalls(comp.Text)
		calls = e.guardrails.FilterToolCalls(calls)
	}
	if len(calls) == 0 {
		text := strings.TrimSpace(comp.Text)
		if text == "" {
			return Decision{}, errx.Transient("reason", fmt.Errorf("model returned neither text nor a tool call"))
		}
		d := RespondToUser(text)
		d.Usage = comp.Usage
		return d, nil
	}

	call := calls[0]
	if call.Name == EscalateTool {
		var args struct {
			Reason string `json:"reason"`
		}
		_ = unmarshalLoose(call.Args, &args)
		if args.Reason == "" {
			args.Reason = "model requested a human agent"
		}
		return Fail(args.Reason), nil
	}

	s := conv.Scratch
	req := tooling.NewRequest(conv.ID, s.TurnID, conv.UserID, call.Name, call.Args)
	req.CallID = call.ID
	d := InvokeTool(req)
	d.Usage = comp.Usage
	return d, nil
}
