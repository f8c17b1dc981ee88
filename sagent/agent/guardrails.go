package agent

import (
	"encoding/json"
	"regexp"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
)

// Guardrails screens model output before it reaches the tool layer or the user.
type Guardrails struct {
	registry      *tooling.Registry
	outputFilters []*regexp.Regexp
	maxOutput     int
}

func NewGuardrails(registry *tooling.Registry, maxOutputChars int) *Guardrails {
	return &Guardrails{
		registry: registry,
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret\s*[:=]\s*\S+`),
			regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), // card numbers
		},
		maxOutput: maxOutputChars,
	}
}

// FilterToolCalls keeps calls parsed out of free text only when they name a
// registered tool (or the escalation tool) and carry valid JSON arguments.
func (g *Guardrails) FilterToolCalls(calls []ports.ToolCall) []ports.ToolCall {
	var out []ports.ToolCall
	for _, c := range calls {
		if c.Name == "" || !json.Valid(c.Args) {
			continue
		}
		if c.Name != EscalateTool {
			if _, ok := g.registry.Get(c.Name); !ok {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// SanitizeOutput masks credentials and card numbers and caps the length of a
// response shown to the user.
func (g *Guardrails) SanitizeOutput(output string) string {
	for _, f := range g.outputFilters {
		output = f.ReplaceAllString(output, "[REDACTED]")
	}
	if g.maxOutput > 0 {
		r := []rune(output)
		if len(r) > g.maxOutput {
			output = string(r[:g.maxOutput]) + "…"
		}
	}
	return output
}
