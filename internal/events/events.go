// Package events decodes gateway event frames into a closed set of typed
// events. Raw payloads are validated here once; nothing downstream inspects
// wire JSON.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fakeyudi/agentconsole/internal/gateway"
)

// Event names carried in the frame's event field.
const (
	NameChat              = "chat"
	NameAgent             = "agent"
	NamePresence          = "presence"
	NameHeartbeat         = "heartbeat"
	NameCron              = "cron"
	NameApprovalRequested = "exec.approval.requested"
	NameApprovalResolved  = "exec.approval.resolved"
)

// Frame is the envelope every gateway event arrives in.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// Event is one decoded frame. The implementations in this package are the
// only ones.
type Event interface {
	Name() string
	isEvent()
}

// Chat is a chat delta or terminal event.
type Chat struct {
	RunID        string
	SessionKey   string
	State        string
	Message      *gateway.Message
	ErrorMessage string
}

// Agent is one frame of an agent's run stream.
type Agent struct {
	RunID       string
	SessionKey  string
	Stream      string
	TimestampMs *int64
	// Phase is set for lifecycle and tool frames.
	Phase string
	// Text is the accumulated assistant text, Delta the newest fragment.
	Text  string
	Delta string
	// Tool frames.
	ToolName   string
	ToolCallID string
	Args       json.RawMessage
	Result     string
	IsError    bool
}

// Presence is a presence ping.
type Presence struct{}

// Heartbeat is a heartbeat ping.
type Heartbeat struct {
	AgentID string
}

// ApprovalRequested announces an exec command waiting for a decision.
type ApprovalRequested struct {
	ID           string
	AgentID      string
	SessionKey   string
	Command      string
	Cwd          string
	Host         string
	Security     string
	Ask          string
	ResolvedPath string
	CreatedAtMs  int64
	ExpiresAtMs  int64
}

// ApprovalResolved announces that an approval was decided somewhere.
type ApprovalResolved struct {
	ID       string
	Decision string
}

// Unrecognized is a well-formed frame this console does not interpret.
type Unrecognized struct {
	Event   string
	Payload json.RawMessage
}

// Malformed is a frame that could not be decoded.
type Malformed struct {
	Event string
	Err   error
}

func (Chat) Name() string              { return NameChat }
func (Agent) Name() string             { return NameAgent }
func (Presence) Name() string          { return NamePresence }
func (Heartbeat) Name() string         { return NameHeartbeat }
func (ApprovalRequested) Name() string { return NameApprovalRequested }
func (ApprovalResolved) Name() string  { return NameApprovalResolved }
func (u Unrecognized) Name() string    { return u.Event }
func (m Malformed) Name() string       { return m.Event }

func (Chat) isEvent()              {}
func (Agent) isEvent()             {}
func (Presence) isEvent()          {}
func (Heartbeat) isEvent()         {}
func (ApprovalRequested) isEvent() {}
func (ApprovalResolved) isEvent()  {}
func (Unrecognized) isEvent()      {}
func (Malformed) isEvent()         {}

var errMissingField = errors.New("missing required field")

// Decode parses one raw frame. It never fails: undecodable input yields
// Malformed and unknown event names yield Unrecognized.
func Decode(raw []byte) Event {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Malformed{Err: fmt.Errorf("decode frame: %w", err)}
	}
	return DecodeFrame(f)
}

// DecodeFrame interprets an already split envelope.
func DecodeFrame(f Frame) Event {
	name := strings.TrimSpace(f.Event)
	if name == "" {
		return Malformed{Err: fmt.Errorf("frame event: %w", errMissingField)}
	}
	var (
		ev  Event
		err error
	)
	switch name {
	case NameChat:
		ev, err = decodeChat(f.Payload)
	case NameAgent:
		ev, err = decodeAgent(f.Payload)
	case NamePresence:
		ev = Presence{}
	case NameHeartbeat:
		var p struct {
			AgentID string `json:"agentId"`
		}
		if len(f.Payload) > 0 {
			err = json.Unmarshal(f.Payload, &p)
		}
		ev = Heartbeat{AgentID: p.AgentID}
	case NameApprovalRequested:
		ev, err = decodeApprovalRequested(f.Payload)
	case NameApprovalResolved:
		ev, err = decodeApprovalResolved(f.Payload)
	default:
		return Unrecognized{Event: name, Payload: f.Payload}
	}
	if err != nil {
		return Malformed{Event: name, Err: fmt.Errorf("%s payload: %w", name, err)}
	}
	return ev
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, v)
}

func decodeChat(raw json.RawMessage) (Event, error) {
	var p struct {
		RunID        string           `json:"runId"`
		SessionKey   string           `json:"sessionKey"`
		State        string           `json:"state"`
		Message      *gateway.Message `json:"message"`
		ErrorMessage string           `json:"errorMessage"`
	}
	if err := unmarshalPayload(raw, &p); err != nil {
		return nil, err
	}
	if p.State == "" {
		return nil, fmt.Errorf("state: %w", errMissingField)
	}
	return Chat{
		RunID:        p.RunID,
		SessionKey:   p.SessionKey,
		State:        p.State,
		Message:      p.Message,
		ErrorMessage: p.ErrorMessage,
	}, nil
}

func decodeAgent(raw json.RawMessage) (Event, error) {
	var p struct {
		RunID      string `json:"runId"`
		SessionKey string `json:"sessionKey"`
		Stream     string `json:"stream"`
		Ts         *int64 `json:"ts"`
		Data       struct {
			Phase      string          `json:"phase"`
			Text       string          `json:"text"`
			Delta      string          `json:"delta"`
			Name       string          `json:"name"`
			ToolCallID string          `json:"toolCallId"`
			Args       json.RawMessage `json:"args"`
			Result     json.RawMessage `json:"result"`
			IsError    bool            `json:"isError"`
		} `json:"data"`
	}
	if err := unmarshalPayload(raw, &p); err != nil {
		return nil, err
	}
	if p.Stream == "" {
		return nil, fmt.Errorf("stream: %w", errMissingField)
	}
	return Agent{
		RunID:       p.RunID,
		SessionKey:  p.SessionKey,
		Stream:      p.Stream,
		TimestampMs: p.Ts,
		Phase:       p.Data.Phase,
		Text:        p.Data.Text,
		Delta:       p.Data.Delta,
		ToolName:    p.Data.Name,
		ToolCallID:  p.Data.ToolCallID,
		Args:        p.Data.Args,
		Result:      resultText(p.Data.Result),
		IsError:     p.Data.IsError,
	}, nil
}

// resultText flattens a tool result that may be a string, a content-block
// list or arbitrary JSON.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	m := gateway.Message{Content: raw}
	if text := m.Text(); text != "" {
		return text
	}
	var obj struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.Content) > 0 {
		if text := (gateway.Message{Content: obj.Content}).Text(); text != "" {
			return text
		}
	}
	return string(raw)
}

func decodeApprovalRequested(raw json.RawMessage) (Event, error) {
	var p struct {
		ID      string `json:"id"`
		Request struct {
			Command      string `json:"command"`
			Cwd          string `json:"cwd"`
			Host         string `json:"host"`
			Security     string `json:"security"`
			Ask          string `json:"ask"`
			AgentID      string `json:"agentId"`
			SessionKey   string `json:"sessionKey"`
			ResolvedPath string `json:"resolvedPath"`
		} `json:"request"`
		CreatedAtMs int64 `json:"createdAtMs"`
		ExpiresAtMs int64 `json:"expiresAtMs"`
	}
	if err := unmarshalPayload(raw, &p); err != nil {
		return nil, err
	}
	switch {
	case strings.TrimSpace(p.ID) == "":
		return nil, fmt.Errorf("id: %w", errMissingField)
	case strings.TrimSpace(p.Request.Command) == "":
		return nil, fmt.Errorf("request.command: %w", errMissingField)
	case p.ExpiresAtMs <= 0:
		return nil, fmt.Errorf("expiresAtMs: %w", errMissingField)
	}
	return ApprovalRequested{
		ID:           p.ID,
		AgentID:      p.Request.AgentID,
		SessionKey:   p.Request.SessionKey,
		Command:      p.Request.Command,
		Cwd:          p.Request.Cwd,
		Host:         p.Request.Host,
		Security:     p.Request.Security,
		Ask:          p.Request.Ask,
		ResolvedPath: p.Request.ResolvedPath,
		CreatedAtMs:  p.CreatedAtMs,
		ExpiresAtMs:  p.ExpiresAtMs,
	}, nil
}

func decodeApprovalResolved(raw json.RawMessage) (Event, error) {
	var p struct {
		ID       string `json:"id"`
		Decision string `json:"decision"`
	}
	if err := unmarshalPayload(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("id: %w", errMissingField)
	}
	return ApprovalResolved{ID: p.ID, Decision: p.Decision}, nil
}

// IsMissingField reports whether err came from a required field being absent.
func IsMissingField(err error) bool { return errors.Is(err, errMissingField) }
