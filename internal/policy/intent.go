// Package policy decides what incoming runtime events mean for agent state.
// Decisions are pure: they return intents for a host executor to apply and
// never touch state themselves.
package policy

import (
	"fmt"

	"github.com/fakeyudi/agentconsole/internal/agent"
)

// Kind enumerates intent variants.
type Kind int

const (
	KindIgnore Kind = iota
	KindClearRunTracking
	KindMarkRunClosed
	KindMarkRunStarted
	KindQueueLivePatch
	KindClearPendingLivePatch
	KindDispatchUpdateAgent
	KindRequestHistoryRefresh
	KindQueueLatestUpdate
	KindScheduleSummaryRefresh
	KindRecordMetric
	KindReportError

	kindCount
)

var kindNames = [kindCount]string{
	KindIgnore:                 "ignore",
	KindClearRunTracking:       "clearRunTracking",
	KindMarkRunClosed:          "markRunClosed",
	KindMarkRunStarted:         "markRunStarted",
	KindQueueLivePatch:         "queueLivePatch",
	KindClearPendingLivePatch:  "clearPendingLivePatch",
	KindDispatchUpdateAgent:    "dispatchUpdateAgent",
	KindRequestHistoryRefresh:  "requestHistoryRefresh",
	KindQueueLatestUpdate:      "queueLatestUpdate",
	KindScheduleSummaryRefresh: "scheduleSummaryRefresh",
	KindRecordMetric:           "recordMetric",
	KindReportError:            "reportError",
}

func (k Kind) String() string {
	if k >= 0 && k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// AllKinds lists every intent kind, in declaration order.
func AllKinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Intent is a command for the host executor. The set of implementations is
// closed; executors switch on Kind and must handle every variant.
type Intent interface {
	Kind() Kind
	isIntent()
}

// Ignore reasons.
const (
	ReasonClosedRunDelta    = "closed-run-delta"
	ReasonInactiveAgent     = "inactive-agent"
	ReasonClosedRunAgent    = "closed-run-agent-event"
	ReasonDuplicateTerminal = "duplicate-terminal"
	ReasonDisconnected      = "disconnected"
	ReasonUnsupportedEvent  = "unsupported-event"
	ReasonAgentMissing      = "agent-missing"
	ReasonNoSession         = "no-session"
	ReasonRequestInFlight   = "request-in-flight"
	ReasonStaleResponse     = "stale-response"
	ReasonTransportError    = "transport-error"
	ReasonFetchFailed       = "fetch-failed"
)

// Ignore drops the triggering event.
type Ignore struct{ Reason string }

// ClearRunTracking forgets everything known about one of an agent's runs.
type ClearRunTracking struct {
	AgentID string
	RunID   string
}

// MarkRunClosed records that an agent's run reached a terminal state.
type MarkRunClosed struct {
	AgentID string
	RunID   string
}

// MarkRunStarted records that an agent's run is live, reopening it if it was
// closed.
type MarkRunStarted struct {
	AgentID string
	RunID   string
}

// QueueLivePatch stages transient streaming state for an agent.
type QueueLivePatch struct {
	AgentID string
	Patch   agent.Patch
}

// ClearPendingLivePatch discards staged streaming state.
type ClearPendingLivePatch struct{ AgentID string }

// DispatchUpdateAgent commits a patch to an agent.
type DispatchUpdateAgent struct {
	AgentID string
	Patch   agent.Patch
}

// RequestHistoryRefresh asks the host to run a history sync.
type RequestHistoryRefresh struct {
	AgentID string
	Reason  string
}

// QueueLatestUpdate asks the host to fetch the latest heartbeat or cron digest.
type QueueLatestUpdate struct {
	AgentID string
	Message string
}

// ScheduleSummaryRefresh asks for a debounced summary refresh.
type ScheduleSummaryRefresh struct {
	DelayMs                 int64
	IncludeHeartbeatRefresh bool
}

// RecordMetric counts an observable but otherwise silent outcome.
type RecordMetric struct {
	Name   string
	Fields map[string]any
}

// ReportError surfaces a genuine failure for an agent.
type ReportError struct {
	AgentID string
	Message string
}

func (Ignore) Kind() Kind                 { return KindIgnore }
func (ClearRunTracking) Kind() Kind       { return KindClearRunTracking }
func (MarkRunClosed) Kind() Kind          { return KindMarkRunClosed }
func (MarkRunStarted) Kind() Kind         { return KindMarkRunStarted }
func (QueueLivePatch) Kind() Kind         { return KindQueueLivePatch }
func (ClearPendingLivePatch) Kind() Kind  { return KindClearPendingLivePatch }
func (DispatchUpdateAgent) Kind() Kind    { return KindDispatchUpdateAgent }
func (RequestHistoryRefresh) Kind() Kind  { return KindRequestHistoryRefresh }
func (QueueLatestUpdate) Kind() Kind      { return KindQueueLatestUpdate }
func (ScheduleSummaryRefresh) Kind() Kind { return KindScheduleSummaryRefresh }
func (RecordMetric) Kind() Kind           { return KindRecordMetric }
func (ReportError) Kind() Kind            { return KindReportError }

func (Ignore) isIntent()                 {}
func (ClearRunTracking) isIntent()       {}
func (MarkRunClosed) isIntent()          {}
func (MarkRunStarted) isIntent()         {}
func (QueueLivePatch) isIntent()         {}
func (ClearPendingLivePatch) isIntent()  {}
func (DispatchUpdateAgent) isIntent()    {}
func (RequestHistoryRefresh) isIntent()  {}
func (QueueLatestUpdate) isIntent()      {}
func (ScheduleSummaryRefresh) isIntent() {}
func (RecordMetric) isIntent()           {}
func (ReportError) isIntent()            {}

// Blocks reports whether intents tell the caller to drop the event: any
// Ignore or ClearRunTracking does.
func Blocks(intents []Intent) bool {
	for _, in := range intents {
		switch in.Kind() {
		case KindIgnore, KindClearRunTracking:
			return true
		}
	}
	return false
}
