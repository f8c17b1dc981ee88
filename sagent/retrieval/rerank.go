package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/rs/zerolog"
)

const rerankSnippetLen = 280

// LLMReranker asks a model to order candidates by relevance. Any failure or
// malformed answer keeps the original order.
type LLMReranker struct {
	provider ports.Provider
	opts     ports.Options
	logger   zerolog.Logger
}

func NewLLMReranker(provider ports.Provider, logger zerolog.Logger) *LLMReranker {
	return &LLMReranker{
		provider: provider,
		opts:     ports.Options{Temperature: 0, MaxNewTokens: 200, ToolChoice: "none"},
		logger:   logger,
	}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []Chunk) []Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	comp, err := r.provider.Complete(ctx, ports.PromptInput{
		System:   "You rerank retrieval results for a customer-support assistant.",
		Messages: []ports.PromptMessage{{Role: "user", Content: rerankPrompt(query, chunks)}},
		Meta:     map[string]string{"purpose": "rerank"},
	}, r.opts)
	if err != nil {
		r.logger.Debug().Err(err).Msg("rerank failed, keeping original order")
		return chunks
	}
	order, ok := parseRankedIDs(comp.Text, len(chunks))
	if !ok {
		r.logger.Debug().Str("text", comp.Text).Msg("rerank answer malformed, keeping original order")
		return chunks
	}

	out := make([]Chunk, 0, len(chunks))
	used := make([]bool, len(chunks))
	for _, id := range order {
		if !used[id] {
			used[id] = true
			out = append(out, chunks[id])
		}
	}
	for i, c := range chunks {
		if !used[i] {
			out = append(out, c)
		}
	}
	return out
}

func rerankPrompt(query string, chunks []Chunk) string {
	var b strings.Builder
	b.WriteString("Return ONLY valid JSON with the following schema:\n")
	b.WriteString(`{"ranked_ids":[0,1,2]}` + "\n\n")
	fmt.Fprintf(&b, "Query: %s\n\nCandidates (id, citation, snippet):\n", query)
	for i, c := range chunks {
		snippet := strings.Join(strings.Fields(c.Text), " ")
		if r := []rune(snippet); len(r) > rerankSnippetLen {
			snippet = string(r[:rerankSnippetLen])
		}
		cite := c.Citation
		if cite == "" {
			cite = "unknown"
		}
		fmt.Fprintf(&b, "- id=%d | %s | %s\n", i, cite, snippet)
	}
	b.WriteString("\nRules:\n- Rank by relevance to the query.\n- Prefer grounded policy text over vague statements.\n- Output ONLY JSON, no extra text.")
	return b.String()
}

// parseRankedIDs accepts the answer only if every id is in range.
func parseRankedIDs(text string, n int) ([]int, bool) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i > 0 {
		text = text[i:]
	}
	if j := strings.LastIndex(text, "}"); j >= 0 && j < len(text)-1 {
		text = text[:j+1]
	}
	var resp struct {
		RankedIDs []int `json:"ranked_ids"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil || len(resp.RankedIDs) == 0 {
		return nil, false
	}
	for _, id := range resp.RankedIDs {
		if id < 0 || id >= n {
			return nil, false
		}
	}
	return resp.RankedIDs, true
}

var _ Reranker = (*LLMReranker)(nil)
