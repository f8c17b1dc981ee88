package tools

import (
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
)

// ErrPolicyViolation marks business-rule denials. They are terminal: retrying
// the same call cannot succeed.
var ErrPolicyViolation = errors.New("policy violation")

var errOrderNotFound = errx.Validation("order", "order not found")

// RefundPolicy limits what issue_refund may approve.
type RefundPolicy struct {
	WindowDays   int
	MaxAmountUSD float64
}

func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{WindowDays: 30, MaxAmountUSD: 500}
}

func policyError(op, format string, args ...any) error {
	return errx.Terminal(op, fmt.Errorf("%w: "+format, append([]any{ErrPolicyViolation}, args...)...))
}

func ownOrder(op string, o Order, userID string) error {
	if o.UserID != userID {
		return policyError(op, "order does not belong to the current user")
	}
	return nil
}

func (p RefundPolicy) check(o Order, userID string, amount float64, now time.Time) error {
	const op = "issue_refund"
	if err := ownOrder(op, o, userID); err != nil {
		return err
	}
	if p.WindowDays > 0 && now.Sub(o.CreatedAt) > time.Duration(p.WindowDays)*24*time.Hour {
		return policyError(op, "refund window expired (%d days)", p.WindowDays)
	}
	if p.MaxAmountUSD > 0 && amount > p.MaxAmountUSD {
		return policyError(op, "refund amount exceeds policy cap of $%.2f", p.MaxAmountUSD)
	}
	remaining := o.TotalAmountUSD - o.RefundedUSD
	if remaining < 0 {
		remaining = 0
	}
	if amount > remaining+1e-9 {
		return policyError(op, "refund exceeds remaining refundable amount ($%.2f)", remaining)
	}
	if o.Status == "cancelled" {
		return policyError(op, "cannot refund a cancelled order")
	}
	if o.Status != "shipped" && o.Status != "delivered" {
		return policyError(op, "order is not eligible for refund in status %s", o.Status)
	}
	return nil
}
