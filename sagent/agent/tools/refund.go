package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
)

// RefundSchema defines the parameters of issue_refund.
const RefundSchema = `{
  "type": "object",
  "properties": {
    "order_id": ` + orderIDSchema + `,
    "amount_usd": {
      "type": "number",
      "minimum": 0.01,
      "description": "Amount to refund in USD"
    },
    "reason": {
      "type": "string",
      "minLength": 3,
      "maxLength": 240,
      "description": "Short justification shown to the customer"
    },
    "idempotency_key": {
      "type": "string",
      "minLength": 8,
      "maxLength": 128
    }
  },
  "required": ["order_id", "amount_usd", "reason"],
  "additionalProperties": false
}`

// RefundOutput is the output of issue_refund.
type RefundOutput struct {
	Status            string  `json:"status"`
	RefundID          string  `json:"refund_id"`
	OrderID           string  `json:"order_id"`
	RefundedAmountUSD float64 `json:"refunded_amount_usd"`
	Duplicate         bool    `json:"duplicate,omitempty"`
	Message           string  `json:"message"`
}

// RefundTool implements issue_refund. Each idempotency key refunds at most once.
type RefundTool struct {
	store  *CommerceStore
	policy RefundPolicy
}

func NewRefundTool(store *CommerceStore, policy RefundPolicy) *RefundTool {
	return &RefundTool{store: store, policy: policy}
}

func (t *RefundTool) Name() string { return "issue_refund" }

func (t *RefundTool) Description() string {
	return "Refund part or all of an eligible order. Only use after confirming the amount with the customer."
}

func (t *RefundTool) Schema() []byte { return []byte(RefundSchema) }

func (t *RefundTool) Mutating() bool { return true }

func (t *RefundTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		OrderID        json.RawMessage `json:"order_id"`
		AmountUSD      float64         `json:"amount_usd"`
		Reason         string          `json:"reason"`
		IdempotencyKey string          `json:"idempotency_key"`
	}
	if err := decodeArgs(t.Name(), args, &params); err != nil {
		return nil, err
	}
	ref, err := ParseOrderRef(params.OrderID)
	if err != nil {
		return nil, errx.Validation(t.Name(), err.Error())
	}
	if params.AmountUSD <= 0 {
		return nil, errx.Validation(t.Name(), "amount_usd must be positive")
	}
	user, err := currentUser(ctx, t.Name())
	if err != nil {
		return nil, err
	}

	// The call key is indexed alongside the caller's key so Reconcile finds
	// the refund after a crash between dispatch and recording.
	info, _ := tooling.CallInfoFromContext(ctx)
	keys := []string{params.IdempotencyKey, info.IdempotencyKey}

	refund, dup, err := t.store.ApplyRefund(user, ref, params.AmountUSD, params.Reason, keys, t.policy)
	if err != nil {
		if err == errOrderNotFound {
			return nil, errx.Validation(t.Name(), fmt.Sprintf("order %s not found", ref))
		}
		return nil, err
	}
	return refundOutput(refund, dup), nil
}

// Reconcile reports a refund already applied under key.
func (t *RefundTool) Reconcile(_ context.Context, key string) (any, bool, error) {
	r, ok := t.store.RefundByKey(key)
	if !ok {
		return nil, false, nil
	}
	return refundOutput(r, false), true, nil
}

func refundOutput(r Refund, dup bool) RefundOutput {
	msg := fmt.Sprintf("Refund of $%.2f approved for order %s.", r.AmountUSD, r.OrderID)
	if dup {
		msg = "Duplicate refund request detected; no additional refund issued."
	}
	return RefundOutput{
		Status:            "approved",
		RefundID:          r.ID,
		OrderID:           r.OrderID,
		RefundedAmountUSD: r.AmountUSD,
		Duplicate:         dup,
		Message:           msg,
	}
}

var (
	_ tooling.Tool       = (*RefundTool)(nil)
	_ tooling.Reconciler = (*RefundTool)(nil)
)
