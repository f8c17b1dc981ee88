package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
)

var (
	jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	trailingComma     = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKey       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
)

// OutputParser extracts structured data from model text. Providers with
// native tool calling rarely need it; it covers models that write the call
// into the message body instead.
type OutputParser struct {
	toolCallPatterns []*regexp.Regexp
}

// NewOutputParser creates a parser with default patterns for common tool call formats.
func NewOutputParser() *OutputParser {
	return &OutputParser{
		toolCallPatterns: []*regexp.Regexp{
			// JSON array format: [{"name": "tool", "arguments": {...}}]
			regexp.MustCompile(`\[\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}\s*\]`),
			// Function call format: tool_name({"arg": "value"})
			regexp.MustCompile(`(\w+)\s*\(\s*(\{.*?\})\s*\)`),
		},
	}
}

// ParseToolCalls extracts tool calls from a model response text.
func (p *OutputParser) ParseToolCalls(text string) []ports.ToolCall {
	var calls []ports.ToolCall
	for _, pattern := range p.toolCallPatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			if len(match) < 3 {
				continue
			}
			args := strings.TrimSpace(match[2])
			if !json.Valid([]byte(args)) {
				args = p.fixJSON(args)
				if !json.Valid([]byte(args)) {
					continue
				}
			}
			calls = append(calls, ports.ToolCall{
				Name: strings.TrimSpace(match[1]),
				Args: json.RawMessage(args),
			})
		}
		if len(calls) > 0 {
			return calls
		}
	}
	return calls
}

// ParseJSONOutput extracts the outermost JSON object from text.
func (p *OutputParser) ParseJSONOutput(text string) (json.RawMessage, error) {
	match := jsonObjectPattern.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}
	if json.Valid([]byte(match)) {
		return json.RawMessage(match), nil
	}
	cleaned := p.fixJSON(match)
	if !json.Valid([]byte(cleaned)) {
		return nil, fmt.Errorf("invalid JSON in response")
	}
	return json.RawMessage(cleaned), nil
}

// fixJSON attempts to fix common JSON formatting issues.
func (p *OutputParser) fixJSON(s string) string {
	s = trailingComma.ReplaceAllString(s, "$1")
	s = unquotedKey.ReplaceAllString(s, `$1"$2":`)
	return strings.ReplaceAll(s, "'", "\"")
}

func unmarshalLoose(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
