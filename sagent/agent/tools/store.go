// Package tools implements the customer-service tools exposed to the agent,
// backed by an in-memory commerce system.
package tools

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type OrderItem struct {
	SKU          string  `json:"sku"`
	Name         string  `json:"name"`
	Quantity     int     `json:"quantity"`
	UnitPriceUSD float64 `json:"unit_price_usd"`
}

type Order struct {
	ID             string
	Number         int64 // customer-facing order number, "#123"
	UserID         string
	Status         string // processing, shipped, delivered, cancelled
	CreatedAt      time.Time
	TotalAmountUSD float64
	Items          []OrderItem
	TrackingID     string
	RefundedUSD    float64
}

type Shipment struct {
	TrackingID        string
	Carrier           string
	Status            string // label_created, in_transit, out_for_delivery, delivered
	LastUpdate        time.Time
	EstimatedDelivery *time.Time
}

type User struct {
	ID    string
	Email string
	Phone string // E.164
}

type Refund struct {
	ID             string    `json:"refund_id"`
	OrderID        string    `json:"order_id"`
	AmountUSD      float64   `json:"refunded_amount_usd"`
	Reason         string    `json:"reason"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

type Ticket struct {
	ID             string    `json:"ticket_id"`
	UserID         string    `json:"user_id"`
	Subject        string    `json:"subject"`
	Description    string    `json:"description"`
	Priority       string    `json:"priority"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// CommerceStore is the in-memory backend for orders, shipments, users,
// refunds and tickets. Mutations keyed by idempotency key are applied once.
type CommerceStore struct {
	mu        sync.Mutex
	users     map[string]*User
	orders    map[string]*Order
	shipments map[string]*Shipment
	refunds   map[string]*Refund // by idempotency key
	tickets   map[string]*Ticket // by idempotency key
	resets    map[string]time.Time
	now       func() time.Time
}

// NewCommerceStore returns an empty store.
func NewCommerceStore() *CommerceStore {
	return &CommerceStore{
		users:     make(map[string]*User),
		orders:    make(map[string]*Order),
		shipments: make(map[string]*Shipment),
		refunds:   make(map[string]*Refund),
		tickets:   make(map[string]*Ticket),
		resets:    make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewSeededCommerceStore returns a store with deterministic development data.
func NewSeededCommerceStore() *CommerceStore {
	s := NewCommerceStore()
	now := s.now()
	eta := now.Add(48 * time.Hour)

	s.AddUser(User{ID: "user_123", Email: "customer@example.com", Phone: "+14155552671"})
	s.AddShipment(Shipment{
		TrackingID:        "trk_ABC12345",
		Carrier:           "UPS",
		Status:            "in_transit",
		LastUpdate:        now.Add(-4 * time.Hour),
		EstimatedDelivery: &eta,
	})
	s.AddOrder(Order{
		ID:             "ord_XYZ78901",
		Number:         123,
		UserID:         "user_123",
		Status:         "shipped",
		CreatedAt:      now.AddDate(0, 0, -10),
		TotalAmountUSD: 120.00,
		Items: []OrderItem{
			{SKU: "sku_001", Name: "Wireless Mouse", Quantity: 1, UnitPriceUSD: 40.00},
			{SKU: "sku_002", Name: "Mechanical Keyboard", Quantity: 1, UnitPriceUSD: 80.00},
		},
		TrackingID: "trk_ABC12345",
	})
	s.AddOrder(Order{
		ID:             "ord_OLD45678",
		Number:         124,
		UserID:         "user_123",
		Status:         "delivered",
		CreatedAt:      now.AddDate(0, 0, -45),
		TotalAmountUSD: 35.50,
		Items:          []OrderItem{{SKU: "sku_010", Name: "USB-C Cable", Quantity: 2, UnitPriceUSD: 17.75}},
	})
	s.AddOrder(Order{
		ID:             "ord_CAN00001",
		Number:         125,
		UserID:         "user_123",
		Status:         "cancelled",
		CreatedAt:      now.AddDate(0, 0, -3),
		TotalAmountUSD: 60.00,
		Items:          []OrderItem{{SKU: "sku_020", Name: "Webcam", Quantity: 1, UnitPriceUSD: 60.00}},
	})
	return s
}

func (s *CommerceStore) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

func (s *CommerceStore) AddOrder(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = &o
}

func (s *CommerceStore) AddShipment(sh Shipment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shipments[sh.TrackingID] = &sh
}

// Order resolves an order by id ("ord_...") or by customer-facing number.
func (s *CommerceStore) Order(ref OrderRef) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.lookupOrder(ref)
	if o == nil {
		return Order{}, false
	}
	return *o, true
}

func (s *CommerceStore) lookupOrder(ref OrderRef) *Order {
	if ref.ID != "" {
		return s.orders[ref.ID]
	}
	for _, o := range s.orders {
		if o.Number == ref.Number {
			return o
		}
	}
	return nil
}

func (s *CommerceStore) Shipment(trackingID string) (Shipment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[trackingID]
	if !ok {
		return Shipment{}, false
	}
	return *sh, true
}

func (s *CommerceStore) User(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// UpdateContact changes the non-empty fields.
func (s *CommerceStore) UpdateContact(userID, email, phone string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %s not found", userID)
	}
	if email != "" {
		u.Email = email
	}
	if phone != "" {
		u.Phone = phone
	}
	return *u, nil
}

// ApplyRefund checks policy and records a refund once per idempotency key.
// The refund is indexed under every non-empty key, so a lookup by any of them
// finds it. duplicate is true when one of keys was already applied; the
// original refund is returned.
func (s *CommerceStore) ApplyRefund(userID string, ref OrderRef, amount float64, reason string, keys []string, policy RefundPolicy) (refund Refund, duplicate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var primary string
	for _, k := range keys {
		if k == "" {
			continue
		}
		if primary == "" {
			primary = k
		}
		if r, ok := s.refunds[k]; ok {
			return *r, true, nil
		}
	}

	o := s.lookupOrder(ref)
	if o == nil {
		return Refund{}, false, errOrderNotFound
	}
	if err := policy.check(*o, userID, amount, s.now()); err != nil {
		return Refund{}, false, err
	}

	r := &Refund{
		ID:             "rf_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		OrderID:        o.ID,
		AmountUSD:      amount,
		Reason:         reason,
		IdempotencyKey: primary,
		CreatedAt:      s.now(),
	}
	o.RefundedUSD += amount
	for _, k := range keys {
		if k != "" {
			s.refunds[k] = r
		}
	}
	return *r, false, nil
}

func (s *CommerceStore) RefundByKey(key string) (Refund, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[key]
	if !ok {
		return Refund{}, false
	}
	return *r, true
}

// CreateTicket opens a ticket once per idempotency key.
func (s *CommerceStore) CreateTicket(userID, subject, description, priority, key string) Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		if t, ok := s.tickets[key]; ok {
			return *t
		}
	}
	t := &Ticket{
		ID:             "tkt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		UserID:         userID,
		Subject:        subject,
		Description:    description,
		Priority:       priority,
		Status:         "open",
		IdempotencyKey: key,
		CreatedAt:      s.now(),
	}
	if key == "" {
		key = t.ID
	}
	s.tickets[key] = t
	return *t
}

func (s *CommerceStore) TicketByKey(key string) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[key]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

// RecordPasswordReset notes that a reset email was queued for userID.
func (s *CommerceStore) RecordPasswordReset(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[userID] = s.now()
}

func (s *CommerceStore) PasswordResetAt(userID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resets[userID]
	return t, ok
}
