package tooling

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// AuditEntry is one line of the tool audit log.
type AuditEntry struct {
	ConversationID string
	TurnID         string
	UserID         string
	Tool           string
	Key            string
	Args           string
	Status         string // "ok", "failed", "cached"
	ErrorKind      string
	Error          string
	Attempts       int
	Duration       time.Duration
}

// AuditLog writes one JSON object per tool call. Contact details in
// arguments and errors are masked.
type AuditLog struct {
	logger zerolog.Logger
	closer io.Closer
}

// OpenAuditLog appends to the JSONL file at path, creating it if needed.
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	a := NewAuditLog(f)
	a.closer = f
	return a, nil
}

func NewAuditLog(w io.Writer) *AuditLog {
	return &AuditLog{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (a *AuditLog) Record(e AuditEntry) {
	if a == nil {
		return
	}
	ev := a.logger.Log().
		Str("conversation_id", e.ConversationID).
		Str("turn_id", e.TurnID).
		Str("user_id", e.UserID).
		Str("tool", e.Tool).
		Str("idempotency_key", e.Key).
		Str("args", MaskPII(e.Args)).
		Str("status", e.Status).
		Int("attempts", e.Attempts).
		Int64("duration_ms", e.Duration.Milliseconds())
	if e.ErrorKind != "" {
		ev = ev.Str("error_kind", e.ErrorKind).Str("error", MaskPII(e.Error))
	}
	ev.Msg("tool_call")
}

func (a *AuditLog) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// MaskPII hides email addresses and phone numbers, keeping just enough to
// recognise them.
func MaskPII(s string) string {
	s = emailPattern.ReplaceAllStringFunc(s, func(m string) string {
		at := strings.LastIndex(m, "@")
		if at <= 0 {
			return "***"
		}
		return m[:1] + "***" + m[at:]
	})
	return phonePattern.ReplaceAllStringFunc(s, func(m string) string {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 7 {
			return m
		}
		return "***" + m[len(m)-4:]
	})
}
