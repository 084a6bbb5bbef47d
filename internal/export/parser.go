package export

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Parser deserializes an export back into structured data.
type Parser interface {
	Parse(data []byte) (*Transcript, error)
}

// JSONParser parses a JSON export.
type JSONParser struct{}

func (p *JSONParser) Parse(data []byte) (*Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse JSON export: %w", err)
	}
	return &t, nil
}

// MarkdownParser parses a Markdown export by extracting the embedded base64
// JSON payload from the sentinel comments.
type MarkdownParser struct{}

func (p *MarkdownParser) Parse(data []byte) (*Transcript, error) {
	content := string(data)
	if !strings.Contains(content, versionSentinel) {
		return nil, fmt.Errorf("not a valid agentconsole export: missing version sentinel")
	}
	start := strings.Index(content, dataPrefix)
	if start == -1 {
		return nil, fmt.Errorf("not a valid agentconsole export: missing data payload")
	}
	start += len(dataPrefix)
	end := strings.Index(content[start:], dataSuffix)
	if end == -1 {
		return nil, fmt.Errorf("not a valid agentconsole export: malformed data payload")
	}
	jsonBytes, err := base64.StdEncoding.DecodeString(content[start : start+end])
	if err != nil {
		return nil, fmt.Errorf("not a valid agentconsole export: corrupted base64 payload: %w", err)
	}
	var t Transcript
	if err := json.Unmarshal(jsonBytes, &t); err != nil {
		return nil, fmt.Errorf("not a valid agentconsole export: failed to parse embedded JSON: %w", err)
	}
	return &t, nil
}

// Parse detects the export format and parses data.
func Parse(data []byte) (*Transcript, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return (&JSONParser{}).Parse(data)
	}
	return (&MarkdownParser{}).Parse(data)
}
