package agentstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fakeyudi/agentconsole/internal/policy"
)

// Execute applies intents in order. Intents that need I/O (history refresh,
// latest-update fetch, summary refresh) are returned for the caller to run.
// An intent type Execute does not know panics.
func (s *Store) Execute(intents []policy.Intent) []policy.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var followUps []policy.Intent
	for _, in := range intents {
		if s.executeLocked(in) {
			followUps = append(followUps, in)
		}
	}
	return followUps
}

// executeLocked applies one intent and reports whether it is a follow-up.
func (s *Store) executeLocked(in policy.Intent) bool {
	switch in := in.(type) {
	case policy.Ignore:
		s.log.Debug("event ignored", zap.String("reason", in.Reason))
	case policy.ClearRunTracking:
		if rt, ok := s.runs[in.AgentID]; ok {
			rt.forget(in.RunID)
		}
	case policy.MarkRunClosed:
		s.runsLocked(in.AgentID).close(in.RunID)
	case policy.MarkRunStarted:
		s.runsLocked(in.AgentID).start(in.RunID)
	case policy.QueueLivePatch:
		if _, ok := s.agents[in.AgentID]; ok {
			s.live[in.AgentID] = s.live[in.AgentID].Merge(in.Patch)
		}
	case policy.ClearPendingLivePatch:
		delete(s.live, in.AgentID)
	case policy.DispatchUpdateAgent:
		st, ok := s.agents[in.AgentID]
		if !ok {
			s.log.Debug("update for unknown agent", zap.String("agent", in.AgentID))
			return false
		}
		st.Apply(in.Patch)
	case policy.ReportError:
		if st, ok := s.agents[in.AgentID]; ok {
			st.LastError = in.Message
		}
	case policy.RecordMetric:
		s.metrics.Record(in.Name, in.Fields)
	case policy.RequestHistoryRefresh, policy.QueueLatestUpdate, policy.ScheduleSummaryRefresh:
		return true
	default:
		panic(fmt.Sprintf("agentstore: unhandled intent %s (%T)", in.Kind(), in))
	}
	return false
}
