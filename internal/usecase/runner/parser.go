package runner

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"agentdock/internal/domain"
)

// ErrSkipLine is returned by ParseLine for blank or whitespace-only lines.
// They carry no information and are not logged or forwarded.
var ErrSkipLine = errors.New("runner: skip blank line")

// ParseLine decodes one stream-json line into a RunEvent. A line is a
// complete, self-contained record; there are no multi-line records.
//
// Lines that are not valid JSON or lack a type discriminator return a
// malformed-record error; the pipeline preserves such lines verbatim as raw
// events rather than dropping them.
func ParseLine(line string) (domain.RunEvent, error) {
	if strings.TrimSpace(line) == "" {
		return domain.RunEvent{}, ErrSkipLine
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return domain.RunEvent{}, domain.NewSubSystemError("parser", "ParseLine", domain.ErrParse, "invalid JSON")
	}

	typeStr, _ := raw["type"].(string)
	if typeStr == "" {
		return domain.RunEvent{}, domain.NewSubSystemError("parser", "ParseLine", domain.ErrParse, "missing type field")
	}

	ev := domain.RunEvent{
		Raw:       line,
		SessionID: extractSessionID(raw),
		Timestamp: time.Now(),
	}

	switch typeStr {
	case "assistant":
		parseAssistant(raw, &ev)
	case "user":
		parseUser(raw, &ev)
	case "tool":
		ev.Kind = domain.RunEventToolResult
		ev.Tool = extractToolResult(raw)
	case "result":
		ev.Kind = domain.RunEventSummary
		if text, ok := raw["result"].(string); ok {
			ev.Content = text
		}
		ev.Metrics = extractMetrics(raw)
	default:
		// system/init and anything unrecognized is forwarded verbatim so
		// no information is silently dropped.
		ev.Kind = domain.RunEventRaw
		ev.Content = typeStr
	}

	return ev, nil
}

// parseAssistant handles "assistant" records: text blocks become an
// assistant fragment, a tool_use block becomes a tool invocation request.
func parseAssistant(raw map[string]any, ev *domain.RunEvent) {
	ev.Kind = domain.RunEventAssistant

	message, ok := raw["message"].(map[string]any)
	if !ok {
		// Flat fallback used by older stream formats.
		ev.Content, _ = raw["text"].(string)
		return
	}

	contentArr, _ := message["content"].([]any)
	var b strings.Builder
	for _, c := range contentArr {
		block, ok := c.(map[string]any)
		if !ok {
			continue
		}
		switch getString(block, "type") {
		case "text":
			b.WriteString(getString(block, "text"))
		case "tool_use":
			ev.Tool = &domain.ToolCall{Name: getString(block, "name")}
			if input, ok := block["input"]; ok {
				if data, err := json.Marshal(input); err == nil {
					ev.Tool.Input = data
				}
			}
		}
	}
	ev.Content = b.String()

	// A pure tool invocation with no text is a tool_use event.
	if ev.Content == "" && ev.Tool != nil {
		ev.Kind = domain.RunEventToolUse
	}
}

// parseUser handles "user" records, which carry tool results back to the
// assistant in the stream-json format.
func parseUser(raw map[string]any, ev *domain.RunEvent) {
	ev.Kind = domain.RunEventRaw
	ev.Content = "user"

	message, ok := raw["message"].(map[string]any)
	if !ok {
		return
	}
	contentArr, _ := message["content"].([]any)
	for _, c := range contentArr {
		block, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if getString(block, "type") != "tool_result" {
			continue
		}
		ev.Kind = domain.RunEventToolResult
		ev.Tool = &domain.ToolCall{Name: getString(block, "tool_use_id")}
		if out, ok := block["content"]; ok {
			if data, err := json.Marshal(out); err == nil {
				ev.Tool.Output = data
			}
		}
		ev.Content = ""
		return
	}
}

func extractToolResult(raw map[string]any) *domain.ToolCall {
	tool := &domain.ToolCall{Name: getString(raw, "name")}
	if input, ok := raw["input"]; ok {
		if data, err := json.Marshal(input); err == nil {
			tool.Input = data
		}
	}
	if output, ok := raw["output"]; ok {
		if data, err := json.Marshal(output); err == nil {
			tool.Output = data
		}
	}
	return tool
}

// extractMetrics pulls usage figures from a terminal summary record.
// Returns a zero-valued RunMetrics rather than nil when the record carries
// no usage block: a summary with no numbers still marks a reported result.
func extractMetrics(raw map[string]any) *domain.RunMetrics {
	m := &domain.RunMetrics{
		CostUSD:    getFloat(raw, "total_cost_usd"),
		DurationMS: int64(getFloat(raw, "duration_ms")),
	}
	if usage, ok := raw["usage"].(map[string]any); ok {
		m.InputTokens = int64(getFloat(usage, "input_tokens"))
		m.OutputTokens = int64(getFloat(usage, "output_tokens"))
	}
	return m
}

// extractSessionID accepts both snake_case and camelCase spellings; the
// wire format has used both.
func extractSessionID(raw map[string]any) string {
	if sid := getString(raw, "session_id"); sid != "" {
		return sid
	}
	return getString(raw, "sessionId")
}

func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// getFloat safely extracts a numeric field. JSON numbers decode as float64.
func getFloat(m map[string]any, key string) float64 {
	v, _ := m[key].(float64)
	return v
}
