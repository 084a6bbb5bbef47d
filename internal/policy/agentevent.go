package policy

// AgentInput is what DecideAgentEvent looks at for one agent stream frame.
type AgentInput struct {
	AgentID string
	RunID   string
	Stream  string
	// Phase is the lifecycle phase, set only for lifecycle frames.
	Phase       string
	ActiveRunID string
	RunClosed   bool
}

// Lifecycle stream and phase names.
const (
	StreamLifecycle = "lifecycle"
	StreamAssistant = "assistant"
	StreamTool      = "tool"
	PhaseStart      = "start"
)

// DecideAgentEvent filters agent stream frames. An empty result means the
// caller may apply the frame; use Blocks to test for that. A lifecycle start
// establishes a run, so it is exempt from the closed and stale checks and
// reopens the run if it had been closed.
func DecideAgentEvent(in AgentInput) []Intent {
	if in.Stream == StreamLifecycle && in.Phase == PhaseStart {
		if in.RunID == "" {
			return nil
		}
		return []Intent{MarkRunStarted{AgentID: in.AgentID, RunID: in.RunID}}
	}
	if in.RunClosed {
		return []Intent{Ignore{Reason: ReasonClosedRunAgent}}
	}
	if isStale(in.RunID, in.ActiveRunID) {
		return []Intent{ClearRunTracking{AgentID: in.AgentID, RunID: in.RunID}}
	}
	return nil
}
