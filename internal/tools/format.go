package tools

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"
)

const (
	// ResultByteCeiling bounds the serialized result embedded in a
	// formatted block. Oversized results are cut at the nearest rune
	// boundary and marked.
	ResultByteCeiling = 4096

	// TruncationMarker is appended to any truncated result so the cut is
	// visible to the reader and to the model on transcript replay.
	TruncationMarker = "… [truncated]"
)

// displayHeaders maps tool names to human-readable block headers.
// Unlisted tools fall back to a generic header around the tool name.
var displayHeaders = map[string]string{
	"web_search":  "Web search",
	"news_search": "News search",
	"fetch_page":  "Page fetch",
	"calculator":  "Calculation",
	"weather":     "Weather lookup",
	"translate":   "Translation",
	"knowledge":   "Knowledge lookup",
	"summarize":   "Summary",
}

// Format renders one tool invocation as a self-describing display block:
// header, tool name, serialized arguments, and the (possibly truncated)
// result. All embedded content is HTML-escaped so tool output can never
// smuggle markup into a rendering surface.
func Format(name string, args map[string]any, result string, isErr bool) string {
	header, ok := displayHeaders[name]
	if !ok {
		header = "Tool call: " + name
	}
	if isErr {
		header += " (failed)"
	}

	argJSON, err := json.Marshal(args)
	if err != nil {
		argJSON = []byte(fmt.Sprintf("%v", args))
	}

	label := "Result"
	if isErr {
		label = "Error"
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(html.EscapeString(header))
	b.WriteString("]\n")
	b.WriteString("Tool: ")
	b.WriteString(html.EscapeString(name))
	b.WriteString("\n")
	b.WriteString("Arguments: ")
	b.WriteString(html.EscapeString(string(argJSON)))
	b.WriteString("\n")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(html.EscapeString(Truncate(result)))
	b.WriteString("\n")
	return b.String()
}

// Truncate enforces the result byte ceiling, cutting at a rune boundary
// and appending the truncation marker. Results at or under the ceiling
// pass through unchanged.
func Truncate(s string) string {
	if len(s) <= ResultByteCeiling {
		return s
	}
	cut := ResultByteCeiling - len(TruncationMarker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}
