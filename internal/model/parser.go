package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/firebase/genkit/go/ai"
)

// OutputParser extracts structured data from model text. Providers that do
// not emit structured tool calls announce them inline; the parser also
// rescues classifier verdicts that arrive wrapped in prose.
type OutputParser struct {
	toolCallPatterns []*regexp.Regexp
}

// NewOutputParser creates a parser covering the tool-call formats observed
// across providers.
func NewOutputParser() *OutputParser {
	return &OutputParser{
		toolCallPatterns: []*regexp.Regexp{
			// JSON object format: {"tool": "name", "arguments": {...}}
			regexp.MustCompile(`\{\s*"tool"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}`),
			// JSON array format: [{"name": "tool", "arguments": {...}}]
			regexp.MustCompile(`\[\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}\s*\]`),
			// Function call format: tool_name({"arg": "value"})
			regexp.MustCompile(`(\w+)\s*\(\s*(\{.*?\})\s*\)`),
		},
	}
}

// ParseToolCalls extracts tool calls from response text. Calls with
// unfixable argument JSON are skipped rather than guessed at.
func (p *OutputParser) ParseToolCalls(text string) []*ai.ToolRequest {
	var calls []*ai.ToolRequest

	for _, pattern := range p.toolCallPatterns {
		matches := pattern.FindAllStringSubmatch(text, -1)
		for _, match := range matches {
			if len(match) < 3 {
				continue
			}
			name := strings.TrimSpace(match[1])
			argsStr := strings.TrimSpace(match[2])

			if !json.Valid([]byte(argsStr)) {
				argsStr = fixJSON(argsStr)
				if !json.Valid([]byte(argsStr)) {
					continue
				}
			}

			var args map[string]any
			if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
				continue
			}

			calls = append(calls, &ai.ToolRequest{
				Name:  name,
				Input: args,
			})
		}
		if len(calls) > 0 {
			break
		}
	}

	return calls
}

// ExtractJSON pulls the first JSON object or array out of free-form text.
// Used as the lenient second pass when a strict unmarshal of classifier
// output fails.
func ExtractJSON(text string) (json.RawMessage, error) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, fmt.Errorf("no JSON found in response")
	}

	// Scan for the matching close bracket, ignoring brackets inside strings.
	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				candidate := fixJSON(text[start : i+1])
				if !json.Valid([]byte(candidate)) {
					return nil, fmt.Errorf("invalid JSON in response")
				}
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("unterminated JSON in response")
}

// fixJSON repairs the JSON defects models produce most often.
func fixJSON(jsonStr string) string {
	// Trailing commas before closing braces/brackets.
	jsonStr = regexp.MustCompile(`,\s*([}\]])`).ReplaceAllString(jsonStr, "$1")

	// Unquoted keys.
	jsonStr = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`).ReplaceAllString(jsonStr, `$1"$2":`)

	// Single-quoted strings.
	if !strings.Contains(jsonStr, `"`) {
		jsonStr = strings.ReplaceAll(jsonStr, "'", `"`)
	}

	return jsonStr
}
