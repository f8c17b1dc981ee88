package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/ZanzyTHEbar/support-agent/sagent/retrieval"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const judgeSchema = `{
  "type": "object",
  "properties": {
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "needs_human": {"type": "boolean"},
    "reasons": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["confidence", "needs_human"]
}`

var judgeSchemaLoader = gojsonschema.NewStringLoader(judgeSchema)

// Verdict is the judge's assessment of a drafted answer.
type Verdict struct {
	Confidence float64  `json:"confidence"`
	NeedsHuman bool     `json:"needs_human"`
	Reasons    []string `json:"reasons"`
}

// Judge scores a drafted answer with a low-temperature model call.
type Judge struct {
	provider ports.Provider
	parser   *OutputParser
	opts     ports.Options
	logger   zerolog.Logger
}

func NewJudge(provider ports.Provider, maxTokens int, temperature float32, logger zerolog.Logger) *Judge {
	if maxTokens <= 0 {
		maxTokens = 200
	}
	return &Judge{
		provider: provider,
		parser:   NewOutputParser(),
		opts:     ports.Options{MaxNewTokens: maxTokens, Temperature: temperature, ToolChoice: "none"},
		logger:   logger,
	}
}

// Evaluate never fails. A call or parse failure yields a conservative verdict
// that asks for a human: 0.4 when the answer had supporting context, 0.2 without.
func (j *Judge) Evaluate(ctx context.Context, question, answer string, chunks []retrieval.Chunk) Verdict {
	fallback := Verdict{Confidence: 0.2, NeedsHuman: true, Reasons: []string{"judge unavailable"}}
	if len(chunks) > 0 {
		fallback.Confidence = 0.4
	}

	comp, err := j.provider.Complete(ctx, ports.PromptInput{
		System:   "You are a strict quality reviewer for customer-support answers. Reply with JSON only.",
		Messages: []ports.PromptMessage{{Role: "user", Content: judgePrompt(question, answer, chunks)}},
		Meta:     map[string]string{"purpose": "judge"},
	}, j.opts)
	if err != nil {
		j.logger.Debug().Err(err).Msg("judge call failed, using fallback verdict")
		return fallback
	}

	raw, err := j.parser.ParseJSONOutput(comp.Text)
	if err != nil {
		j.logger.Debug().Str("text", comp.Text).Msg("judge answer is not JSON, using fallback verdict")
		return fallback
	}
	res, err := gojsonschema.Validate(judgeSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil || !res.Valid() {
		j.logger.Debug().Str("text", comp.Text).Msg("judge answer does not match schema, using fallback verdict")
		return fallback
	}

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return fallback
	}
	return v
}

func judgePrompt(question, answer string, chunks []retrieval.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Customer question:\n%s\n\nDrafted answer:\n%s\n\n", question, answer)
	if len(chunks) > 0 {
		b.WriteString("Knowledge-base evidence:\n")
		for i, c := range chunks {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString(`Return {"confidence": 0..1, "needs_human": bool, "reasons": [string]}. ` +
		"Lower the confidence when the answer is not supported by the evidence or tool results.")
	return b.String()
}
