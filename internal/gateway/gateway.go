// Package gateway declares the shapes this console consumes from the agent
// gateway: the chat.history and exec.approval.resolve RPCs, agent.wait, and the
// error classes callers must tell apart. The transport itself lives elsewhere.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one canonical history message as returned by chat.history.
type Message struct {
	Role      string          `json:"role" yaml:"role"`
	Content   json.RawMessage `json:"content" yaml:"-"`
	Timestamp *int64          `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// ContentBlock is one element of a structured message body.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// TextMessage builds a message whose content is a plain string.
func TextMessage(role, text string, timestamp *int64) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw, Timestamp: timestamp}
}

// Blocks returns the message body as content blocks. A string body becomes a
// single text block; an unparseable body yields nil.
func (m Message) Blocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		if text == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: text}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var parts []string
	for _, b := range m.Blocks() {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HistoryRequest is the chat.history parameter set.
type HistoryRequest struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// HistoryResponse is the chat.history result.
type HistoryResponse struct {
	SessionKey string    `json:"sessionKey"`
	Messages   []Message `json:"messages"`
}

// HistoryClient fetches canonical session history.
type HistoryClient interface {
	ChatHistory(ctx context.Context, req HistoryRequest) (HistoryResponse, error)
}

// Decision is a human verdict on a pending exec approval.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
)

// Allows reports whether the decision lets the command run.
func (d Decision) Allows() bool {
	return d == DecisionAllowOnce || d == DecisionAllowAlways
}

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.TrimSpace(s)); d {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
		return d, nil
	}
	return "", fmt.Errorf("invalid approval decision %q (want allow-once, allow-always or deny)", s)
}

// ApprovalClient resolves exec approvals and waits on runs.
type ApprovalClient interface {
	ResolveApproval(ctx context.Context, id string, decision Decision) error
	// WaitAgent blocks until the run settles or timeout elapses and returns
	// the reported run status.
	WaitAgent(ctx context.Context, runID string, timeout time.Duration) (string, error)
}
