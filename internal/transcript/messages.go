package transcript

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/fakeyudi/agentconsole/internal/gateway"
)

// EntriesFromMessages converts canonical history messages into entries for
// sessionKey. Sequence keys start at startSeq and increase by one per entry.
func EntriesFromMessages(msgs []gateway.Message, sessionKey string, startSeq int) []Entry {
	var out []Entry
	seq := startSeq
	add := func(line, runID string, ts *int64) {
		e, ok := New(Input{
			Line:        line,
			SessionKey:  sessionKey,
			Source:      SourceHistory,
			SequenceKey: seq,
			RunID:       runID,
			TimestampMs: ts,
		})
		if !ok {
			return
		}
		out = append(out, e)
		seq++
	}
	for _, m := range msgs {
		for _, line := range MessageLines(m) {
			add(line, "", m.Timestamp)
		}
	}
	return out
}

// MessageLines renders one message as marker-prefixed transcript lines.
func MessageLines(m gateway.Message) []string {
	var lines []string
	switch strings.ToLower(m.Role) {
	case "user":
		if text := strings.TrimSpace(m.Text()); text != "" {
			lines = append(lines, UserMarker+text)
		}
	case "system":
		if text := strings.TrimSpace(m.Text()); text != "" {
			lines = append(lines, MetaMarker+" "+text)
		}
	case "tool", "toolresult", "tool_result":
		if line := ToolResultLine(m.Text()); line != "" {
			lines = append(lines, line)
		}
	default:
		for _, b := range m.Blocks() {
			switch b.Type {
			case "thinking":
				if t := strings.TrimSpace(b.Thinking); t != "" {
					lines = append(lines, ThinkingMarker+" "+t)
				}
			case "text":
				if t := strings.TrimSpace(b.Text); t != "" {
					lines = append(lines, t)
				}
			case "toolCall", "tool_use":
				lines = append(lines, ToolCallLine(b.Name, b.Arguments))
			}
		}
	}
	return lines
}

// ToolCallLine renders a tool invocation. Arguments are compacted so a live
// stream and canonical history produce the same text for the same call.
func ToolCallLine(name string, args json.RawMessage) string {
	line := ToolMarker + " " + strings.TrimSpace(name)
	if a := compactArgs(args); a != "" {
		line += " " + a
	}
	return strings.TrimSpace(line)
}

// ToolResultLine renders a tool result, or "" when the result is blank.
func ToolResultLine(result string) string {
	text := strings.TrimSpace(result)
	if text == "" {
		return ""
	}
	return ToolResultMarker + " " + text
}

func compactArgs(args json.RawMessage) string {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}
