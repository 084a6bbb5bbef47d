// Package agentstore holds the console's agent state and executes policy
// intents against it. It is the only writer of agent state.
package agentstore

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/approvals"
	"github.com/fakeyudi/agentconsole/internal/metrics"
	"github.com/fakeyudi/agentconsole/internal/transcript"
)

// ErrUnknownAgent is returned for operations on an agent the store does not
// hold.
var ErrUnknownAgent = errors.New("unknown agent")

// Store is a mutex-guarded set of agents plus the run tracking and live
// patches the policy layer refers to.
type Store struct {
	mu        sync.Mutex
	agents    map[string]*agent.State
	order     []string
	runs      map[string]*runTracking
	live      map[string]agent.Patch
	approvals approvals.Set

	metrics metrics.Recorder
	log     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics sets the recorder that RecordMetric intents go to.
func WithMetrics(r metrics.Recorder) Option {
	return func(s *Store) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		agents:  make(map[string]*agent.State),
		runs:    make(map[string]*runTracking),
		live:    make(map[string]agent.Patch),
		metrics: metrics.Discard,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("agentstore")
	return s
}

// AddAgent inserts or replaces an agent. An empty status becomes idle.
func (s *Store) AddAgent(st agent.State) error {
	if strings.TrimSpace(st.ID) == "" {
		return errors.New("add agent: empty id")
	}
	if st.Status == "" {
		st.Status = agent.StatusIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[st.ID]; !ok {
		s.order = append(s.order, st.ID)
	}
	s.agents[st.ID] = st.Clone()
	return nil
}

// Agent returns a copy of the agent's state.
func (s *Store) Agent(id string) (*agent.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// Agents returns copies of every agent in insertion order.
func (s *Store) Agents() []*agent.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*agent.State, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agents[id].Clone())
	}
	return out
}

// AgentForSession finds the agent currently bound to sessionKey.
func (s *Store) AgentForSession(sessionKey string) (string, bool) {
	if sessionKey == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if s.agents[id].SessionKey == sessionKey {
			return id, true
		}
	}
	return "", false
}

// RunClosed reports whether the agent's run reached a terminal state. Only the
// most recent closed runs of each agent are remembered.
func (s *Store) RunClosed(agentID, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runs[agentID]
	return ok && rt.isClosed(runID)
}

// RunStarted reports whether the agent's run was marked started.
func (s *Store) RunStarted(agentID, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runs[agentID]
	return ok && rt.started[runID]
}

// LivePatch returns the staged streaming patch for an agent.
func (s *Store) LivePatch(agentID string) (agent.Patch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.live[agentID]
	return p, ok
}

// FlushLivePatches commits every staged live patch and returns the ids of
// the agents that changed.
func (s *Store) FlushLivePatches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flushed []string
	for id, p := range s.live {
		if st, ok := s.agents[id]; ok {
			st.Apply(p)
			flushed = append(flushed, id)
		}
		delete(s.live, id)
	}
	slices.Sort(flushed)
	return flushed
}

// SendLocal records an optimistic echo of text sent by the operator.
func (s *Store) SendLocal(agentID, text string, nowMs int64) (transcript.Entry, error) {
	entries, err := s.AppendLines(agentID, []string{transcript.UserMarker + strings.TrimSpace(text)}, AppendOptions{
		Source:      transcript.SourceLocalSend,
		TimestampMs: &nowMs,
	})
	if err != nil {
		return transcript.Entry{}, err
	}
	if len(entries) == 0 {
		return transcript.Entry{}, errors.New("send: empty message")
	}
	return entries[0], nil
}

// AppendOptions describes lines appended with AppendLines.
type AppendOptions struct {
	Source      transcript.Source
	RunID       string
	Kind        transcript.Kind
	TimestampMs *int64
}

// AppendLines turns lines into entries owned by the agent's session and
// appends them in order. Empty lines are skipped.
func (s *Store) AppendLines(agentID string, lines []string, opts AppendOptions) ([]transcript.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("append to %s: %w", agentID, ErrUnknownAgent)
	}
	if st.SessionKey == "" {
		return nil, fmt.Errorf("append to %s: no session", agentID)
	}
	var added []transcript.Entry
	for _, line := range lines {
		e, ok := transcript.New(transcript.Input{
			Line:        line,
			SessionKey:  st.SessionKey,
			Source:      opts.Source,
			SequenceKey: st.NextSequence,
			RunID:       opts.RunID,
			Kind:        opts.Kind,
			TimestampMs: opts.TimestampMs,
		})
		if !ok {
			continue
		}
		st.NextSequence++
		added = append(added, e)
	}
	if len(added) > 0 {
		st.Apply(agent.Patch{Entries: append(slices.Clone(st.Entries), added...)})
	}
	return added, nil
}

// ResetSession moves an agent to a new session. The epoch is bumped so that
// history requests issued for the old session are dropped on arrival.
func (s *Store) ResetSession(agentID, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("reset %s: %w", agentID, ErrUnknownAgent)
	}
	delete(s.runs, agentID)
	delete(s.live, agentID)
	st.SessionKey = sessionKey
	st.SessionCreated = sessionKey != ""
	st.SessionEpoch++
	st.Status = agent.StatusIdle
	st.RunID = ""
	st.Stream = ""
	st.Thinking = ""
	st.NextSequence = 0
	st.History = agent.HistoryMeta{}
	st.Apply(agent.Patch{Entries: []transcript.Entry{}})
	s.log.Info("session reset", zap.String("agent", agentID), zap.String("session", sessionKey), zap.Int("epoch", st.SessionEpoch))
	return nil
}

// Approvals returns the pending approval set.
func (s *Store) Approvals() approvals.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvals
}

// UpdateApprovals replaces the approval set with fn's result and returns it.
func (s *Store) UpdateApprovals(fn func(approvals.Set) approvals.Set) approvals.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals = fn(s.approvals)
	return s.approvals
}

// Restore replaces the store's agents and approvals, as when loading
// persisted snapshots. Run tracking and live patches start empty.
func (s *Store) Restore(states []*agent.State, set approvals.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = make(map[string]*agent.State, len(states))
	s.order = s.order[:0]
	for _, st := range states {
		if st == nil || st.ID == "" {
			continue
		}
		if _, dup := s.agents[st.ID]; !dup {
			s.order = append(s.order, st.ID)
		}
		s.agents[st.ID] = st.Clone()
	}
	s.runs = make(map[string]*runTracking)
	s.live = make(map[string]agent.Patch)
	s.approvals = set
}

// View returns a copy of the agent's state with its staged live patch
// applied, which is what the agent looks like once patches are flushed.
func (s *Store) View(id string) (*agent.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	v := st.Clone()
	if p, ok := s.live[id]; ok {
		v.Apply(p)
	}
	return v, true
}
