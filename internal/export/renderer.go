package export

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fakeyudi/agentconsole/internal/transcript"
)

// Renderer serializes a Transcript to bytes.
type Renderer interface {
	Render(t *Transcript) ([]byte, error)
}

// NewRenderer returns the renderer for format ("markdown" or "json").
func NewRenderer(format string) (Renderer, error) {
	switch format {
	case "", "markdown", "md":
		return &MarkdownRenderer{}, nil
	case "json":
		return &JSONRenderer{}, nil
	}
	return nil, fmt.Errorf("unsupported export format %q (want markdown or json)", format)
}

// Extension returns the file extension for format.
func Extension(format string) string {
	if format == "json" {
		return ".json"
	}
	return ".md"
}

// JSONRenderer renders a Transcript as indented JSON.
type JSONRenderer struct{}

func (r *JSONRenderer) Render(t *Transcript) ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

const (
	versionSentinel = "<!-- agentconsole-export-version: 1 -->"
	dataPrefix      = "<!-- agentconsole-data: "
	dataSuffix      = " -->"
)

// MarkdownRenderer renders a Transcript as Markdown with an embedded base64
// JSON payload for lossless round-trip parsing.
type MarkdownRenderer struct{}

func (r *MarkdownRenderer) Render(t *Transcript) ([]byte, error) {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(jsonBytes)

	var sb strings.Builder
	sb.WriteString(versionSentinel + "\n")
	fmt.Fprintf(&sb, "%s%s%s\n\n", dataPrefix, encoded, dataSuffix)

	title := t.Agent.ID
	if t.Agent.Name != "" {
		title = t.Agent.Name + " (" + t.Agent.ID + ")"
	}
	fmt.Fprintf(&sb, "# %s: %s\n\n", title, t.ExportedAt.Format("2006-01-02 15:04:05 MST"))

	sb.WriteString("## Summary\n\n")
	fmt.Fprintf(&sb, "- Session: `%s` (epoch %d)\n", t.Agent.SessionKey, t.Agent.SessionEpoch)
	fmt.Fprintf(&sb, "- Status: %s\n", t.Agent.Status)
	if t.Agent.RunID != "" {
		fmt.Fprintf(&sb, "- Active run: `%s`\n", t.Agent.RunID)
	}
	fmt.Fprintf(&sb, "- Entries: %d (%d confirmed)\n", t.Stats.Entries, t.Stats.Confirmed)
	if t.Agent.History.LoadedAt > 0 {
		fmt.Fprintf(&sb, "- History: %d of limit %d, loaded %s",
			t.Agent.History.FetchedCount, t.Agent.History.FetchLimit,
			time.UnixMilli(t.Agent.History.LoadedAt).UTC().Format("2006-01-02 15:04:05"))
		if t.Agent.History.MaybeTruncated {
			sb.WriteString(" (may be truncated)")
		}
		sb.WriteString("\n")
	}
	if t.Agent.LastError != "" {
		fmt.Fprintf(&sb, "- Last error: %s\n", t.Agent.LastError)
	}
	sb.WriteString("\n")

	if t.Agent.LastResult != "" || t.Agent.LatestUpdate != "" {
		sb.WriteString("## Latest\n\n")
		if t.Agent.LastResult != "" {
			fmt.Fprintf(&sb, "**Last result:** %s\n\n", t.Agent.LastResult)
		}
		if t.Agent.LatestUpdate != "" {
			fmt.Fprintf(&sb, "**Latest update:** %s\n\n", t.Agent.LatestUpdate)
		}
	}

	sb.WriteString("## Transcript\n\n")
	if len(t.Entries) == 0 {
		sb.WriteString("_No entries._\n")
	} else {
		for _, e := range t.Entries {
			sb.WriteString(FormatEntry(e))
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")

	sb.WriteString("## Pending Approvals\n\n")
	if len(t.Approvals) == 0 {
		sb.WriteString("_No pending approvals._\n")
	} else {
		sb.WriteString("| ID | Command | Expires | State |\n")
		sb.WriteString("|----|---------|---------|-------|\n")
		for _, p := range t.Approvals {
			state := "pending"
			switch {
			case p.Resolving:
				state = "resolving"
			case p.Error != "":
				state = "error: " + p.Error
			}
			fmt.Fprintf(&sb, "| %s | `%s` | %s | %s |\n",
				p.ID, p.Command,
				time.UnixMilli(p.ExpiresAtMs).UTC().Format("2006-01-02 15:04:05"),
				state)
		}
	}
	sb.WriteString("\n")

	return []byte(sb.String()), nil
}

// FormatEntry renders one entry as a Markdown list item. Unconfirmed entries
// are marked with a trailing "(pending)".
func FormatEntry(e transcript.Entry) string {
	text := strings.TrimSpace(e.Text)
	var line string
	switch e.Kind {
	case transcript.KindUser:
		line = "- **you:** " + strings.TrimSpace(strings.TrimPrefix(text, ">"))
	case transcript.KindThinking:
		line = "- _thinking:_ " + strings.TrimSpace(strings.TrimPrefix(text, transcript.ThinkingMarker))
	case transcript.KindTool:
		if rest, ok := strings.CutPrefix(text, transcript.ToolResultMarker); ok {
			line = "- `result` " + strings.TrimSpace(rest)
		} else {
			line = "- `tool` " + strings.TrimSpace(strings.TrimPrefix(text, transcript.ToolMarker))
		}
	case transcript.KindMeta:
		line = "- _meta:_ " + strings.TrimSpace(strings.TrimPrefix(text, transcript.MetaMarker))
	default:
		line = "- " + text
	}
	if e.TimestampMs != nil {
		line += " _(" + time.UnixMilli(*e.TimestampMs).UTC().Format("15:04:05") + ")_"
	}
	if !e.Confirmed {
		line += " (pending)"
	}
	return line
}
