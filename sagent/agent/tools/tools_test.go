package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInvoker(t *testing.T, store *CommerceStore, policy RefundPolicy) *tooling.Invoker {
	t.Helper()
	reg, err := NewRegistry(store, policy)
	require.NoError(t, err)
	return tooling.NewInvoker(reg, nil, tooling.RetryPolicy{
		MaxAttempts:    2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		AttemptTimeout: time.Second,
	})
}

func call(inv *tooling.Invoker, user, tool, args string) tooling.Result {
	req := tooling.NewRequest("conv-1", "turn-1", user, tool, json.RawMessage(args))
	return inv.Invoke(context.Background(), req)
}

func decode[T any](t *testing.T, res tooling.Result) T {
	t.Helper()
	require.True(t, res.OK(), "unexpected failure: %+v", res.Failure)
	var out T
	require.NoError(t, json.Unmarshal(res.Output, &out))
	return out
}

func TestParseOrderRef(t *testing.T) {
	tests := []struct {
		raw  string
		want OrderRef
		err  bool
	}{
		{`"ord_XYZ78901"`, OrderRef{ID: "ord_XYZ78901"}, false},
		{`"#123"`, OrderRef{Number: 123}, false},
		{`"123"`, OrderRef{Number: 123}, false},
		{`123`, OrderRef{Number: 123}, false},
		{`"abc"`, OrderRef{}, true},
		{`0`, OrderRef{}, true},
		{`null`, OrderRef{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseOrderRef(json.RawMessage(tt.raw))
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistryHasAllTools(t *testing.T) {
	reg, err := NewRegistry(NewSeededCommerceStore(), DefaultRefundPolicy())
	require.NoError(t, err)

	var names []string
	mutating := map[string]bool{}
	for _, s := range reg.Specs() {
		names = append(names, s.Name)
		mutating[s.Name] = s.Mutating
	}
	assert.ElementsMatch(t, []string{
		"get_order_status", "track_shipment", "issue_refund",
		"update_contact", "initiate_password_reset", "create_ticket",
	}, names)
	assert.True(t, mutating["issue_refund"])
	assert.False(t, mutating["get_order_status"])
}

func TestGetOrderStatusAcceptsAnyReference(t *testing.T) {
	inv := newInvoker(t, NewSeededCommerceStore(), DefaultRefundPolicy())

	for _, args := range []string{`{"order_id":"#123"}`, `{"order_id":123}`, `{"order_id":"ord_XYZ78901"}`} {
		out := decode[OrderStatus](t, call(inv, "user_123", "get_order_status", args))
		assert.Equal(t, "ord_XYZ78901", out.OrderID)
		assert.Equal(t, "shipped", out.Status)
		assert.Equal(t, "USD", out.Currency)
		assert.Len(t, out.Items, 2)
		assert.InDelta(t, 120.0, out.TotalAmountUSD, 1e-9)
	}
}

func TestGetOrderStatusErrors(t *testing.T) {
	store := NewSeededCommerceStore()
	store.AddUser(User{ID: "user_999", Email: "other@example.com"})
	inv := newInvoker(t, store, DefaultRefundPolicy())

	res := call(inv, "user_123", "get_order_status", `{"order_id":"ord_NOPE0000"}`)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errx.KindValidation, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "not found")

	res = call(inv, "user_123", "get_order_status", `{"order_id":"order-123"}`)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errx.KindValidation, res.Failure.Kind)

	res = call(inv, "user_999", "get_order_status", `{"order_id":123}`)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errx.KindTerminal, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "does not belong")

	res = call(inv, "", "get_order_status", `{"order_id":123}`)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errx.KindTerminal, res.Failure.Kind)
}

func TestTrackShipment(t *testing.T) {
	inv := newInvoker(t, NewSeededCommerceStore(), DefaultRefundPolicy())

	out := decode[ShipmentStatus](t, call(inv, "user_123", "track_shipment", `{"order_id":"#123"}`))
	assert.Equal(t, "trk_ABC12345", out.TrackingID)
	assert.Equal(t, "UPS", out.Carrier)
	assert.Equal(t, "in_transit", out.Status)
	require.NotNil(t, out.EstimatedDelivery)

	out = decode[ShipmentStatus](t, call(inv, "user_123", "track_shipment", `{"tracking_id":"trk_ABC12345"}`))
	assert.Equal(t, "UPS", out.Carrier)

	res := call(inv, "user_123", "track_shipment", `{}`)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errx.KindValidation, res.Failure.Kind)

	res = call(inv, "user_123", "track_shipment", `{"order_id":124}`)
	require.NotNil(t, res.Failure)
	assert.Contains(t, res.Failure.Message, "not shipped")
}

func TestIssueRefundAppliesOncePerKey(t *testing.T) {
	store := NewSeededCommerceStore()
	inv := newInvoker(t, store, DefaultRefundPolicy())
	args := `{"order_id":"#123","amount_usd":40,"reason":"mouse arrived broken"}`

	first := call(inv, "user_123", "issue_refund", args)
	out := decode[RefundOutput](t, first)
	assert.Equal(t, "approved", out.Status)
	assert.InDelta(t, 40.0, out.RefundedAmountUSD, 1e-9)

	second := call(inv, "user_123", "issue_refund", args)
	require.True(t, second.OK())
	assert.True(t, second.Cached)
	assert.JSONEq(t, string(first.Output), string(second.Output))

	o, ok := store.Order(OrderRef{Number: 123})
	require.True(t, ok)
	assert.InDelta(t, 40.0, o.RefundedUSD, 1e-9)
}

func TestIssueRefundDuplicateKeyReturnsOriginal(t *testing.T) {
	store := NewSeededCommerceStore()
	tool := NewRefundTool(store, DefaultRefundPolicy())
	ctx := tooling.WithCallInfo(context.Background(), tooling.CallInfo{UserID: "user_123", IdempotencyKey: "key-abc-123"})
	args := json.RawMessage(`{"order_id":"ord_XYZ78901","amount_usd":20,"reason":"late delivery"}`)

	a, err := tool.Invoke(ctx, args)
	require.NoError(t, err)
	b, err := tool.Invoke(ctx, args)
	require.NoError(t, err)

	first, second := a.(RefundOutput), b.(RefundOutput)
	assert.Equal(t, first.RefundID, second.RefundID)
	assert.True(t, second.Duplicate)

	got, found, err := tool.Reconcile(ctx, "key-abc-123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.RefundID, got.(RefundOutput).RefundID)

	_, found, err = tool.Reconcile(ctx, "never-seen")
	require.NoError(t, err)
	assert.False(t, found)

	o, _ := store.Order(OrderRef{ID: "ord_XYZ78901"})
	assert.InDelta(t, 20.0, o.RefundedUSD, 1e-9)
}

func TestIssueRefundPendingCallMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()
	args := `{"order_id":"#123","amount_usd":10,"reason":"scratched case","idempotency_key":"client-key-7"}`

	uninterrupted := decode[RefundOutput](t, call(newInvoker(t, NewSeededCommerceStore(), DefaultRefundPolicy()), "user_123", "issue_refund", args))

	store := NewSeededCommerceStore()
	reg, err := NewRegistry(store, DefaultRefundPolicy())
	require.NoError(t, err)
	records := tooling.NewMemoryIdempotencyStore()
	inv := tooling.NewInvoker(reg, records, tooling.RetryPolicy{MaxAttempts: 1, AttemptTimeout: time.Second})
	req := tooling.NewRequest("conv-1", "turn-1", "user_123", "issue_refund", json.RawMessage(args))

	// The refund reaches the backend but the process dies before the result is recorded.
	_, created, err := records.Begin(ctx, req.Key, req.Tool)
	require.NoError(t, err)
	require.True(t, created)
	tool, ok := reg.Get("issue_refund")
	require.True(t, ok)
	_, err = tool.Invoke(tooling.WithCallInfo(ctx, tooling.CallInfo{UserID: "user_123", IdempotencyKey: req.Key}), req.Args)
	require.NoError(t, err)

	res := inv.Invoke(ctx, req)
	resumed := decode[RefundOutput](t, res)
	assert.Equal(t, 0, res.Attempts)
	assert.False(t, resumed.Duplicate)
	assert.Equal(t, uninterrupted.Message, resumed.Message)
	assert.InDelta(t, uninterrupted.RefundedAmountUSD, resumed.RefundedAmountUSD, 1e-9)

	o, ok := store.Order(OrderRef{Number: 123})
	require.True(t, ok)
	assert.InDelta(t, 10.0, o.RefundedUSD, 1e-9)

	byCaller, found := store.RefundByKey("client-key-7")
	require.True(t, found)
	assert.Equal(t, resumed.RefundID, byCaller.ID)
}

func TestIssueRefundPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy RefundPolicy
		args   string
		want   string
	}{
		{"outside window", DefaultRefundPolicy(), `{"order_id":124,"amount_usd":10,"reason":"changed mind"}`, "window"},
		{"over cap", RefundPolicy{WindowDays: 30, MaxAmountUSD: 50}, `{"order_id":123,"amount_usd":60,"reason":"damaged"}`, "cap"},
		{"over remaining", DefaultRefundPolicy(), `{"order_id":123,"amount_usd":130,"reason":"damaged"}`, "remaining"},
		{"cancelled", DefaultRefundPolicy(), `{"order_id":125,"amount_usd":10,"reason":"damaged"}`, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newInvoker(t, NewSeededCommerceStore(), tt.policy)
			res := call(inv, "user_123", "issue_refund", tt.args)
			require.NotNil(t, res.Failure)
			assert.Equal(t, errx.KindTerminal, res.Failure.Kind)
			assert.Contains(t, res.Failure.Message, tt.want)
			assert.Equal(t, 1, res.Attempts)
		})
	}
}

func TestIssueRefundSchema(t *testing.T) {
	inv := newInvoker(t, NewSeededCommerceStore(), DefaultRefundPolicy())

	for _, args := range []string{
		`{"order_id":123,"amount_usd":-5,"reason":"damaged"}`,
		`{"order_id":123,"amount_usd":5,"reason":"x"}`,
		`{"order_id":123,"reason":"damaged"}`,
	} {
		res := call(inv, "user_123", "issue_refund", args)
		require.NotNil(t, res.Failure, args)
		assert.Equal(t, errx.KindValidation, res.Failure.Kind, args)
	}
}

func TestUpdateContact(t *testing.T) {
	store := NewSeededCommerceStore()
	inv := newInvoker(t, store, DefaultRefundPolicy())

	res := call(inv, "user_123", "update_contact", `{"new_phone_e164":"555-1234"}`)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errx.KindValidation, res.Failure.Kind)

	res = call(inv, "user_123", "update_contact", `{}`)
	require.NotNil(t, res.Failure)

	out := decode[ContactOutput](t, call(inv, "user_123", "update_contact", `{"new_email":"New@Example.com","new_phone_e164":"+442071838750"}`))
	assert.Equal(t, "new@example.com", out.Email)
	assert.Equal(t, "+442071838750", out.Phone)

	u, _ := store.User("user_123")
	assert.Equal(t, "new@example.com", u.Email)
}

func TestPasswordReset(t *testing.T) {
	store := NewSeededCommerceStore()
	inv := newInvoker(t, store, DefaultRefundPolicy())

	res := call(inv, "user_123", "initiate_password_reset", `{"email":"someone@else.com"}`)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errx.KindTerminal, res.Failure.Kind)
	_, sent := store.PasswordResetAt("user_123")
	assert.False(t, sent)

	out := decode[map[string]any](t, call(inv, "user_123", "initiate_password_reset", `{"email":"Customer@Example.com"}`))
	assert.Equal(t, "sent", out["status"])
	_, sent = store.PasswordResetAt("user_123")
	assert.True(t, sent)
}

func TestCreateTicketReconciles(t *testing.T) {
	store := NewSeededCommerceStore()
	tool := NewTicketTool(store)
	ctx := tooling.WithCallInfo(context.Background(), tooling.CallInfo{UserID: "user_123", IdempotencyKey: "tkt-key-1"})
	args := json.RawMessage(`{"subject":"Refund dispute","description":"Customer wants a manager"}`)

	a, err := tool.Invoke(ctx, args)
	require.NoError(t, err)
	b, err := tool.Invoke(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, a.(Ticket).ID, b.(Ticket).ID)
	assert.Equal(t, "normal", a.(Ticket).Priority)

	got, found, err := tool.Reconcile(ctx, "tkt-key-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, a.(Ticket).ID, got.(Ticket).ID)
}
