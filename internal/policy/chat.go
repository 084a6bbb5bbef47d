package policy

import (
	"github.com/fakeyudi/agentconsole/internal/agent"
)

// ChatState is the state field of a chat event.
type ChatState string

const (
	ChatDelta   ChatState = "delta"
	ChatFinal   ChatState = "final"
	ChatAborted ChatState = "aborted"
	ChatError   ChatState = "error"
)

// ChatInput is everything DecideChatEvent looks at. The booleans are
// precomputed by the caller from the event and the agent's state.
type ChatInput struct {
	AgentID string
	State   ChatState
	RunID   string
	// Role is the role of the message carried by the event.
	Role string

	ActiveRunID string
	Status      agent.Status
	// RunClosed reports the run already reached a terminal state.
	RunClosed bool
	// RunStarted reports the run was already marked started.
	RunStarted bool

	// Stream and Thinking carry delta text; nil leaves the field unchanged.
	Stream   *string
	Thinking *string

	// Final-only follow-ups.
	RequestHistoryRefresh bool
	UpdateLastResult      bool
	LastResult            string
	QueueLatestUpdate     bool
	LatestUpdateMessage   string

	// EndInError selects the error status for the terminal transition.
	EndInError   bool
	ErrorMessage string
}

// DecideChatEvent maps a chat delta or terminal event to intents.
//
// A terminal event for a run that is already closed is ignored, so a
// duplicated final cannot re-run its follow-ups. A terminal event for a run
// other than the active one only clears that run's tracking, leaving the
// active run's status alone.
func DecideChatEvent(in ChatInput) []Intent {
	if in.State == ChatDelta {
		return decideChatDelta(in)
	}
	return decideChatTerminal(in)
}

func isStale(runID, activeRunID string) bool {
	return activeRunID != "" && runID != "" && runID != activeRunID
}

func decideChatDelta(in ChatInput) []Intent {
	if in.RunClosed {
		return []Intent{Ignore{Reason: ReasonClosedRunDelta}}
	}
	if isStale(in.RunID, in.ActiveRunID) {
		return []Intent{ClearRunTracking{AgentID: in.AgentID, RunID: in.RunID}}
	}
	if in.ActiveRunID == "" && in.Status != agent.StatusRunning && in.Role != "user" && in.Role != "system" {
		return []Intent{Ignore{Reason: ReasonInactiveAgent}}
	}

	var intents []Intent
	if in.RunID != "" && !in.RunStarted {
		intents = append(intents, MarkRunStarted{AgentID: in.AgentID, RunID: in.RunID})
	}
	patch := agent.Patch{
		Status:   agent.Ptr(agent.StatusRunning),
		Stream:   in.Stream,
		Thinking: in.Thinking,
	}
	if in.RunID != "" {
		patch.RunID = agent.Ptr(in.RunID)
	}
	return append(intents, QueueLivePatch{AgentID: in.AgentID, Patch: patch})
}

func decideChatTerminal(in ChatInput) []Intent {
	if in.RunClosed {
		return []Intent{Ignore{Reason: ReasonDuplicateTerminal}}
	}
	if isStale(in.RunID, in.ActiveRunID) {
		return []Intent{ClearRunTracking{AgentID: in.AgentID, RunID: in.RunID}}
	}

	intents := []Intent{ClearPendingLivePatch{AgentID: in.AgentID}}
	if in.RunID != "" {
		intents = append(intents, MarkRunClosed{AgentID: in.AgentID, RunID: in.RunID})
	}
	if in.State == ChatFinal {
		if in.RequestHistoryRefresh {
			intents = append(intents, RequestHistoryRefresh{AgentID: in.AgentID, Reason: "chat-final"})
		}
		if in.UpdateLastResult {
			intents = append(intents, DispatchUpdateAgent{
				AgentID: in.AgentID,
				Patch:   agent.Patch{LastResult: agent.Ptr(in.LastResult)},
			})
		}
		if in.QueueLatestUpdate {
			intents = append(intents, QueueLatestUpdate{AgentID: in.AgentID, Message: in.LatestUpdateMessage})
		}
	}

	status := agent.StatusIdle
	lastError := ""
	if in.EndInError {
		status = agent.StatusError
		lastError = in.ErrorMessage
	}
	return append(intents, DispatchUpdateAgent{
		AgentID: in.AgentID,
		Patch: agent.Patch{
			Status:    agent.Ptr(status),
			RunID:     agent.Ptr(""),
			Stream:    agent.Ptr(""),
			Thinking:  agent.Ptr(""),
			LastError: agent.Ptr(lastError),
		},
	})
}
