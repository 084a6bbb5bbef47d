package agentstore

import "slices"

// closedRunsPerAgent bounds how many closed run ids an agent remembers. Older
// ones are evicted as newer runs close.
const closedRunsPerAgent = 16

// runTracking is one agent's record of started and closed runs.
type runTracking struct {
	started map[string]bool
	// closed holds closed run ids, oldest first.
	closed []string
}

func (s *Store) runsLocked(agentID string) *runTracking {
	rt, ok := s.runs[agentID]
	if !ok {
		rt = &runTracking{started: make(map[string]bool)}
		s.runs[agentID] = rt
	}
	return rt
}

func (rt *runTracking) isClosed(runID string) bool {
	return slices.Contains(rt.closed, runID)
}

func (rt *runTracking) start(runID string) {
	rt.reopen(runID)
	rt.started[runID] = true
}

func (rt *runTracking) close(runID string) {
	delete(rt.started, runID)
	rt.reopen(runID)
	rt.closed = append(rt.closed, runID)
	if n := len(rt.closed) - closedRunsPerAgent; n > 0 {
		rt.closed = slices.Delete(rt.closed, 0, n)
	}
}

func (rt *runTracking) forget(runID string) {
	delete(rt.started, runID)
	rt.reopen(runID)
}

func (rt *runTracking) reopen(runID string) {
	rt.closed = slices.DeleteFunc(rt.closed, func(id string) bool { return id == runID })
}
