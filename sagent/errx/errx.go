// Package errx defines the error taxonomy shared by the engine, the tool
// invocation layer and the retrieval subsystem.
package errx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a failure for retry and escalation decisions.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindTransient         Kind = "transient_provider_error"
	KindTerminal          Kind = "terminal_provider_error"
	KindNonConvergence    Kind = "non_convergence"
	KindCorruptCheckpoint Kind = "corrupt_checkpoint"
	KindCanceled          Kind = "canceled"
)

// FallbackMessage is shown to the user whenever a turn ends in Failed.
const FallbackMessage = "Sorry, I can't complete that right now. I've passed your request to a human agent who will follow up shortly."

// Sentinels usable with errors.Is to test only the kind of an error.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrTransient         = &Error{Kind: KindTransient}
	ErrTerminal          = &Error{Kind: KindTerminal}
	ErrNonConvergence    = &Error{Kind: KindNonConvergence}
	ErrCorruptCheckpoint = &Error{Kind: KindCorruptCheckpoint}
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind when the target carries no op or message,
// so errors.Is(err, errx.ErrTransient) works for any transient error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Message == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func Validation(op, msg string) *Error { return newError(KindValidation, op, msg, nil) }

func Transient(op string, err error) *Error { return newError(KindTransient, op, "", err) }

func Terminal(op string, err error) *Error { return newError(KindTerminal, op, "", err) }

func NonConvergence(op string, cycles int) *Error {
	return newError(KindNonConvergence, op, fmt.Sprintf("no final answer after %d reasoning cycles", cycles), nil)
}

// CorruptCheckpoint records a stack trace because recovery is a manual
// operator action.
func CorruptCheckpoint(op string, err error) *Error {
	return newError(KindCorruptCheckpoint, op, "", pkgerrors.WithStack(err))
}

// Wrap attaches a kind to an arbitrary error. A nil error yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(kind, op, "", err)
}

// KindOf returns the kind of err, or "" when it is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return ""
}

// Classify is KindOf with unknown errors treated as terminal.
func Classify(err error) Kind {
	if k := KindOf(err); k != "" {
		return k
	}
	if err == nil {
		return ""
	}
	return KindTerminal
}

// IsRetryable reports whether a call that failed with err may be attempted again.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}

// FromHTTPStatus classifies a provider HTTP status code.
func FromHTTPStatus(op string, status int, err error) error {
	if err == nil {
		err = fmt.Errorf("http status %d", status)
	}
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Transient(op, err)
	case status >= 400:
		return Terminal(op, err)
	default:
		return Wrap(Classify(err), op, err)
	}
}
