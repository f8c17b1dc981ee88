package retrieval

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/weaviate/tiktoken-go"
)

const (
	BudgetChars  = "chars"
	BudgetTokens = "tokens"
)

// TokenCounter measures text in budget units.
type TokenCounter interface {
	Count(text string) int
}

// CharCounter counts runes.
type CharCounter struct{}

func (CharCounter) Count(text string) int { return utf8.RuneCountInString(text) }

// TiktokenCounter counts model tokens with a tiktoken encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (t *TiktokenCounter) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// approxTokenCounter estimates four characters per token. It stands in when
// the tiktoken encoding cannot be loaded.
type approxTokenCounter struct{}

func (approxTokenCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// NewCounter returns the counter for a budget unit.
func NewCounter(unit, encoding string) (TokenCounter, error) {
	switch strings.ToLower(unit) {
	case "", BudgetChars:
		return CharCounter{}, nil
	case BudgetTokens:
		c, err := NewTiktokenCounter(encoding)
		if err != nil {
			return approxTokenCounter{}, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown budget unit %q", unit)
	}
}

// Budget limits the size of a context bundle.
type Budget struct {
	Size      int // in counter units; zero or less means unlimited
	MaxChunks int // zero or less means unlimited
}

// Assemble walks chunks in rank order, best first, and keeps each one that
// still fits the budget. A chunk that does not fit is skipped whole, never
// split, and smaller lower-ranked chunks may still be taken.
func Assemble(chunks []Chunk, budget Budget, counter TokenCounter) []Chunk {
	if counter == nil {
		counter = CharCounter{}
	}
	used := 0
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if budget.MaxChunks > 0 && len(out) >= budget.MaxChunks {
			break
		}
		n := counter.Count(c.Text)
		if budget.Size > 0 && used+n > budget.Size {
			continue
		}
		used += n
		out = append(out, c)
	}
	return out
}
