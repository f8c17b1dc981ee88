package tools

import (
	"context"
	"encoding/json"

	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
)

// TicketSchema defines the parameters of create_ticket.
const TicketSchema = `{
  "type": "object",
  "properties": {
    "subject": {
      "type": "string",
      "minLength": 3,
      "maxLength": 120
    },
    "description": {
      "type": "string",
      "minLength": 3,
      "maxLength": 4000
    },
    "priority": {
      "type": "string",
      "enum": ["low", "normal", "high", "urgent"],
      "default": "normal"
    }
  },
  "required": ["subject", "description"],
  "additionalProperties": false
}`

// TicketTool implements create_ticket, handing the case to a human queue.
type TicketTool struct {
	store *CommerceStore
}

func NewTicketTool(store *CommerceStore) *TicketTool {
	return &TicketTool{store: store}
}

func (t *TicketTool) Name() string { return "create_ticket" }

func (t *TicketTool) Description() string {
	return "Open a support ticket for follow-up by a human agent."
}

func (t *TicketTool) Schema() []byte { return []byte(TicketSchema) }

func (t *TicketTool) Mutating() bool { return true }

func (t *TicketTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Subject     string `json:"subject"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	}
	if err := decodeArgs(t.Name(), args, &params); err != nil {
		return nil, err
	}
	if params.Priority == "" {
		params.Priority = "normal"
	}
	user, err := currentUser(ctx, t.Name())
	if err != nil {
		return nil, err
	}
	info, _ := tooling.CallInfoFromContext(ctx)
	return t.store.CreateTicket(user, params.Subject, params.Description, params.Priority, info.IdempotencyKey), nil
}

func (t *TicketTool) Reconcile(_ context.Context, key string) (any, bool, error) {
	tk, ok := t.store.TicketByKey(key)
	if !ok {
		return nil, false, nil
	}
	return tk, true, nil
}

var (
	_ tooling.Tool       = (*TicketTool)(nil)
	_ tooling.Reconciler = (*TicketTool)(nil)
)
