package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
)

// orderIDSchema accepts an internal order id or the customer-facing number.
const orderIDSchema = `{
      "description": "Order id (ord_...) or the customer-facing order number, e.g. 123 or \"#123\"",
      "oneOf": [
        {"type": "string", "pattern": "^(ord_[a-zA-Z0-9]{6,32}|#?[0-9]{1,12})$"},
        {"type": "integer", "minimum": 1}
      ]
    }`

// OrderStatusSchema defines the parameters of get_order_status.
const OrderStatusSchema = `{
  "type": "object",
  "properties": {
    "order_id": ` + orderIDSchema + `
  },
  "required": ["order_id"],
  "additionalProperties": false
}`

// TrackShipmentSchema defines the parameters of track_shipment.
const TrackShipmentSchema = `{
  "type": "object",
  "properties": {
    "tracking_id": {
      "type": "string",
      "pattern": "^trk_[a-zA-Z0-9]{6,32}$",
      "description": "Carrier tracking id"
    },
    "order_id": ` + orderIDSchema + `
  },
  "anyOf": [
    {"required": ["tracking_id"]},
    {"required": ["order_id"]}
  ],
  "additionalProperties": false
}`

// OrderRef identifies an order either by ID or by Number.
type OrderRef struct {
	ID     string
	Number int64
}

func (r OrderRef) String() string {
	if r.ID != "" {
		return r.ID
	}
	return "#" + strconv.FormatInt(r.Number, 10)
}

// ParseOrderRef decodes a JSON order reference: "ord_...", "#123", "123" or 123.
func ParseOrderRef(raw json.RawMessage) (OrderRef, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return OrderRef{}, fmt.Errorf("order_id is required")
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return OrderRef{}, err
		}
	} else {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "ord_") {
		return OrderRef{ID: s}, nil
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || n <= 0 {
		return OrderRef{}, fmt.Errorf("invalid order reference %q", s)
	}
	return OrderRef{Number: n}, nil
}

// OrderStatus is the output of get_order_status.
type OrderStatus struct {
	OrderID        string      `json:"order_id"`
	OrderNumber    int64       `json:"order_number,omitempty"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	TotalAmountUSD float64     `json:"total_amount_usd"`
	Currency       string      `json:"currency"`
	Items          []OrderItem `json:"items"`
	TrackingID     string      `json:"tracking_id,omitempty"`
}

// ShipmentStatus is the output of track_shipment.
type ShipmentStatus struct {
	TrackingID        string     `json:"tracking_id"`
	Carrier           string     `json:"carrier"`
	Status            string     `json:"status"`
	LastUpdate        time.Time  `json:"last_update"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

// currentUser returns the authenticated user the call acts for.
func currentUser(ctx context.Context, op string) (string, error) {
	info, _ := tooling.CallInfoFromContext(ctx)
	if info.UserID == "" {
		return "", errx.Terminal(op, fmt.Errorf("%w: no authenticated user", ErrPolicyViolation))
	}
	return info.UserID, nil
}

func decodeArgs(op string, args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return errx.Validation(op, "invalid arguments: "+err.Error())
	}
	return nil
}

// OrderStatusTool implements get_order_status.
type OrderStatusTool struct {
	store *CommerceStore
}

func NewOrderStatusTool(store *CommerceStore) *OrderStatusTool {
	return &OrderStatusTool{store: store}
}

func (t *OrderStatusTool) Name() string { return "get_order_status" }

func (t *OrderStatusTool) Description() string {
	return "Look up the status, items and totals of one of the customer's orders."
}

func (t *OrderStatusTool) Schema() []byte { return []byte(OrderStatusSchema) }

func (t *OrderStatusTool) Mutating() bool { return false }

func (t *OrderStatusTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		OrderID json.RawMessage `json:"order_id"`
	}
	if err := decodeArgs(t.Name(), args, &params); err != nil {
		return nil, err
	}
	ref, err := ParseOrderRef(params.OrderID)
	if err != nil {
		return nil, errx.Validation(t.Name(), err.Error())
	}
	user, err := currentUser(ctx, t.Name())
	if err != nil {
		return nil, err
	}

	o, ok := t.store.Order(ref)
	if !ok {
		return nil, errx.Validation(t.Name(), fmt.Sprintf("order %s not found", ref))
	}
	if err := ownOrder(t.Name(), o, user); err != nil {
		return nil, err
	}

	return OrderStatus{
		OrderID:        o.ID,
		OrderNumber:    o.Number,
		Status:         o.Status,
		CreatedAt:      o.CreatedAt,
		TotalAmountUSD: o.TotalAmountUSD,
		Currency:       "USD",
		Items:          o.Items,
		TrackingID:     o.TrackingID,
	}, nil
}

// TrackShipmentTool implements track_shipment.
type TrackShipmentTool struct {
	store *CommerceStore
}

func NewTrackShipmentTool(store *CommerceStore) *TrackShipmentTool {
	return &TrackShipmentTool{store: store}
}

func (t *TrackShipmentTool) Name() string { return "track_shipment" }

func (t *TrackShipmentTool) Description() string {
	return "Get carrier tracking details by tracking id or by order id."
}

func (t *TrackShipmentTool) Schema() []byte { return []byte(TrackShipmentSchema) }

func (t *TrackShipmentTool) Mutating() bool { return false }

func (t *TrackShipmentTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		TrackingID string          `json:"tracking_id"`
		OrderID    json.RawMessage `json:"order_id"`
	}
	if err := decodeArgs(t.Name(), args, &params); err != nil {
		return nil, err
	}
	user, err := currentUser(ctx, t.Name())
	if err != nil {
		return nil, err
	}

	trackingID := params.TrackingID
	if trackingID == "" {
		ref, err := ParseOrderRef(params.OrderID)
		if err != nil {
			return nil, errx.Validation(t.Name(), err.Error())
		}
		o, ok := t.store.Order(ref)
		if !ok {
			return nil, errx.Validation(t.Name(), fmt.Sprintf("order %s not found", ref))
		}
		if err := ownOrder(t.Name(), o, user); err != nil {
			return nil, err
		}
		if o.TrackingID == "" {
			return nil, errx.Validation(t.Name(), fmt.Sprintf("order %s has not shipped yet", ref))
		}
		trackingID = o.TrackingID
	}

	sh, ok := t.store.Shipment(trackingID)
	if !ok {
		return nil, errx.Validation(t.Name(), fmt.Sprintf("shipment %s not found", trackingID))
	}
	return ShipmentStatus{
		TrackingID:        sh.TrackingID,
		Carrier:           sh.Carrier,
		Status:            sh.Status,
		LastUpdate:        sh.LastUpdate,
		EstimatedDelivery: sh.EstimatedDelivery,
	}, nil
}

var (
	_ tooling.Tool = (*OrderStatusTool)(nil)
	_ tooling.Tool = (*TrackShipmentTool)(nil)
)
