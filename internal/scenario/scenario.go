// Package scenario describes offline console runs in YAML: the agents, the
// canonical history the archive serves, and a list of steps (local sends,
// gateway frames, syncs, resets, approval decisions, clock ticks).
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/gateway"
)

// Scenario is a complete offline run.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// StartMs is the fake clock's starting point.
	StartMs int64   `yaml:"start_ms,omitempty"`
	Agents  []Agent `yaml:"agents"`
	// History maps a session key to its canonical messages.
	History map[string][]Message `yaml:"history,omitempty"`
	// Latest maps an agent id to its latest heartbeat or cron digest.
	Latest map[string]string `yaml:"latest,omitempty"`
	// Approvals maps an approval id to how the gateway answers a resolve:
	// "ok" (the default), "unknown", "disconnect" or "error: <message>".
	Approvals map[string]string `yaml:"approvals,omitempty"`
	Steps     []Step            `yaml:"steps"`
	Expect    map[string]Expect `yaml:"expect,omitempty"`
}

// Agent declares one agent and its session.
type Agent struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name,omitempty"`
	Session string `yaml:"session"`
}

// Message is one canonical history message. Text is shorthand for a plain
// string body; Content carries structured blocks.
type Message struct {
	Role      string `yaml:"role"`
	Text      string `yaml:"text,omitempty"`
	Content   any    `yaml:"content,omitempty"`
	Timestamp *int64 `yaml:"timestamp,omitempty"`
}

// Gateway converts m to the wire shape.
func (m Message) Gateway() (gateway.Message, error) {
	if m.Content == nil {
		return gateway.TextMessage(m.Role, m.Text, m.Timestamp), nil
	}
	raw, err := json.Marshal(m.Content)
	if err != nil {
		return gateway.Message{}, fmt.Errorf("message content: %w", err)
	}
	return gateway.Message{Role: m.Role, Content: raw, Timestamp: m.Timestamp}, nil
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Send    *SendStep     `yaml:"send,omitempty"`
	Frame   *FrameStep    `yaml:"frame,omitempty"`
	Sync    *SyncStep     `yaml:"sync,omitempty"`
	Reset   *ResetStep    `yaml:"reset,omitempty"`
	Resolve *ResolveStep  `yaml:"resolve,omitempty"`
	Tick    time.Duration `yaml:"tick,omitempty"`
	Publish *PublishStep  `yaml:"publish,omitempty"`
}

// Kind names the action a step performs.
func (s Step) Kind() string {
	var kinds []string
	if s.Send != nil {
		kinds = append(kinds, "send")
	}
	if s.Frame != nil {
		kinds = append(kinds, "frame")
	}
	if s.Sync != nil {
		kinds = append(kinds, "sync")
	}
	if s.Reset != nil {
		kinds = append(kinds, "reset")
	}
	if s.Resolve != nil {
		kinds = append(kinds, "resolve")
	}
	if s.Tick != 0 {
		kinds = append(kinds, "tick")
	}
	if s.Publish != nil {
		kinds = append(kinds, "publish")
	}
	return strings.Join(kinds, "+")
}

// SendStep records an optimistic local send.
type SendStep struct {
	Agent string `yaml:"agent"`
	Text  string `yaml:"text"`
}

// FrameStep delivers one gateway event frame.
type FrameStep struct {
	Event   string `yaml:"event"`
	Payload any    `yaml:"payload,omitempty"`
}

// SyncStep runs a history sync to completion.
type SyncStep struct {
	Agent string `yaml:"agent"`
	Limit int    `yaml:"limit,omitempty"`
}

// ResetStep moves an agent to a new session.
type ResetStep struct {
	Agent   string `yaml:"agent"`
	Session string `yaml:"session"`
}

// ResolveStep submits an approval decision.
type ResolveStep struct {
	ID       string `yaml:"id"`
	Decision string `yaml:"decision"`
}

// PublishStep appends messages to the archive mid-run, as the gateway does
// when a run writes its transcript.
type PublishStep struct {
	Session  string    `yaml:"session"`
	Messages []Message `yaml:"messages"`
}

// Expect is the state an agent must end in.
type Expect struct {
	Status    agent.Status `yaml:"status,omitempty"`
	Entries   *int         `yaml:"entries,omitempty"`
	Confirmed *int         `yaml:"confirmed,omitempty"`
	Texts     []string     `yaml:"texts,omitempty"`
	Approvals *int         `yaml:"approvals,omitempty"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks that the scenario is runnable.
func (s *Scenario) Validate() error {
	if len(s.Agents) == 0 {
		return errors.New("scenario declares no agents")
	}
	ids := make(map[string]bool, len(s.Agents))
	for i, a := range s.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if ids[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		ids[a.ID] = true
		if a.Session == "" {
			return fmt.Errorf("agents[%d]: session is required", i)
		}
	}
	for i, st := range s.Steps {
		switch kind := st.Kind(); kind {
		case "":
			return fmt.Errorf("steps[%d]: empty step", i)
		case "send":
			if !ids[st.Send.Agent] {
				return fmt.Errorf("steps[%d]: unknown agent %q", i, st.Send.Agent)
			}
		case "sync":
			if !ids[st.Sync.Agent] {
				return fmt.Errorf("steps[%d]: unknown agent %q", i, st.Sync.Agent)
			}
		case "reset":
			if !ids[st.Reset.Agent] {
				return fmt.Errorf("steps[%d]: unknown agent %q", i, st.Reset.Agent)
			}
		case "frame":
			if st.Frame.Event == "" {
				return fmt.Errorf("steps[%d]: frame event is required", i)
			}
		case "resolve":
			if _, err := gateway.ParseDecision(st.Resolve.Decision); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		case "tick":
			if st.Tick < 0 {
				return fmt.Errorf("steps[%d]: negative tick %s", i, st.Tick)
			}
		case "publish":
			if st.Publish.Session == "" {
				return fmt.Errorf("steps[%d]: publish session is required", i)
			}
		default:
			return fmt.Errorf("steps[%d]: more than one action (%s)", i, kind)
		}
	}
	for id := range s.Expect {
		if !ids[id] {
			return fmt.Errorf("expect: unknown agent %q", id)
		}
	}
	return nil
}
