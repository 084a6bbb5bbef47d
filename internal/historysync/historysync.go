// Package historysync fetches canonical chat history for an agent and turns
// the response into intents, dropping responses that arrive after the
// session they were requested for was reset or replaced.
package historysync

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/clock"
	"github.com/fakeyudi/agentconsole/internal/gateway"
	"github.com/fakeyudi/agentconsole/internal/metrics"
	"github.com/fakeyudi/agentconsole/internal/policy"
	"github.com/fakeyudi/agentconsole/internal/transcript"
)

const (
	DefaultLimit    = 200
	DefaultMaxLimit = 1000
)

// Resolver returns a snapshot of the agent's current state. Callers may keep
// the returned value; it must not alias live state.
type Resolver func(agentID string) (*agent.State, bool)

// Request asks for one sync. Zero fields take defaults.
type Request struct {
	AgentID   string
	Limit     int
	RequestID string
	LoadedAt  int64
}

// Ticket is an issued history request. Its session key stays in the
// in-flight set until Release, which is safe to call more than once.
type Ticket struct {
	AgentID    string
	SessionKey string
	RequestID  string
	Limit      int
	Revision   int
	Epoch      int
	LoadedAt   int64

	release func()
}

// Release removes the ticket's key from the in-flight set exactly once.
func (t *Ticket) Release() { t.release() }

// Syncer runs history syncs.
type Syncer struct {
	client       gateway.HistoryClient
	resolve      Resolver
	inflight     *InFlight
	defaultLimit int
	maxLimit     int
	isDisconnect func(error) bool
	clock        clock.Clock
	log          *zap.Logger
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLimits sets the default and maximum fetch limits.
func WithLimits(defaultLimit, maxLimit int) Option {
	return func(s *Syncer) {
		if defaultLimit > 0 {
			s.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			s.maxLimit = maxLimit
		}
	}
}

// WithInFlight shares an in-flight set between syncers.
func WithInFlight(set *InFlight) Option {
	return func(s *Syncer) { s.inflight = set }
}

// WithDisconnectPredicate replaces gateway.IsDisconnect.
func WithDisconnectPredicate(fn func(error) bool) Option {
	return func(s *Syncer) { s.isDisconnect = fn }
}

// WithClock sets the clock used for default load timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Syncer) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Syncer) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns a Syncer fetching from client and reading agents via resolve.
func New(client gateway.HistoryClient, resolve Resolver, opts ...Option) *Syncer {
	s := &Syncer{
		client:       client,
		resolve:      resolve,
		inflight:     NewInFlight(),
		defaultLimit: DefaultLimit,
		maxLimit:     DefaultMaxLimit,
		isDisconnect: gateway.IsDisconnect,
		clock:        clock.Real(),
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("historysync")
	return s
}

// InFlight exposes the syncer's in-flight set.
func (s *Syncer) InFlight() *InFlight { return s.inflight }

// ClampLimit resolves a requested limit: non-positive means defaultLimit, and
// the result always lies in [1, maxLimit].
func ClampLimit(requested, defaultLimit, maxLimit int) int {
	if maxLimit < 1 {
		maxLimit = 1
	}
	limit := requested
	if limit <= 0 {
		limit = defaultLimit
	}
	return min(max(limit, 1), maxLimit)
}

// Sync runs one complete history sync for req.AgentID.
func (s *Syncer) Sync(ctx context.Context, req Request) []policy.Intent {
	t, skip := s.Begin(req)
	if t == nil {
		return skip
	}
	defer t.Release()
	resp, err := s.Fetch(ctx, t)
	return s.Complete(t, resp, err)
}

// Begin plans a request. A nil ticket means the sync was skipped and the
// returned intents say why. A non-nil ticket must be released.
func (s *Syncer) Begin(req Request) (*Ticket, []policy.Intent) {
	st, ok := s.resolve(req.AgentID)
	if !ok {
		return nil, []policy.Intent{policy.Ignore{Reason: policy.ReasonAgentMissing}}
	}
	if !st.SessionCreated || st.SessionKey == "" {
		return nil, []policy.Intent{policy.Ignore{Reason: policy.ReasonNoSession}}
	}
	key := st.SessionKey
	if !s.inflight.TryAdd(key) {
		return nil, []policy.Intent{policy.Ignore{Reason: policy.ReasonRequestInFlight}}
	}

	t := &Ticket{
		AgentID:    req.AgentID,
		SessionKey: key,
		RequestID:  req.RequestID,
		Limit:      ClampLimit(req.Limit, s.defaultLimit, s.maxLimit),
		Revision:   st.TranscriptRevision,
		Epoch:      st.SessionEpoch,
		LoadedAt:   req.LoadedAt,
	}
	if t.RequestID == "" {
		t.RequestID = uuid.NewString()
	}
	if t.LoadedAt == 0 {
		t.LoadedAt = clock.NowMs(s.clock)
	}
	var once sync.Once
	t.release = func() { once.Do(func() { s.inflight.Remove(key) }) }
	return t, nil
}

// Fetch issues the chat.history call for t.
func (s *Syncer) Fetch(ctx context.Context, t *Ticket) (gateway.HistoryResponse, error) {
	return s.client.ChatHistory(ctx, gateway.HistoryRequest{SessionKey: t.SessionKey, Limit: t.Limit})
}

// Complete turns the outcome of Fetch into intents and releases t.
func (s *Syncer) Complete(t *Ticket, resp gateway.HistoryResponse, err error) []policy.Intent {
	defer t.Release()
	log := s.log.With(zap.String("agent", t.AgentID), zap.String("session", t.SessionKey), zap.String("request", t.RequestID))

	if err != nil {
		if s.isDisconnect(err) {
			log.Debug("history fetch interrupted", zap.Error(err))
			return []policy.Intent{policy.Ignore{Reason: policy.ReasonTransportError}}
		}
		log.Warn("history fetch failed", zap.Error(err))
		return []policy.Intent{policy.ReportError{AgentID: t.AgentID, Message: fmt.Sprintf("history: %v", err)}}
	}

	cur, ok := s.resolve(t.AgentID)
	if reason := staleReason(t, cur, ok, resp); reason != "" {
		log.Debug("dropping stale history response", zap.String("reason", reason))
		return []policy.Intent{
			policy.RecordMetric{Name: metrics.HistoryResponseDroppedStale, Fields: map[string]any{
				"agent":  t.AgentID,
				"reason": reason,
			}},
			policy.Ignore{Reason: policy.ReasonStaleResponse},
		}
	}

	incoming := transcript.EntriesFromMessages(resp.Messages, t.SessionKey, cur.NextSequence)
	merged := transcript.Merge(cur.Entries, incoming)
	entries := transcript.CollapseRunDuplicates(merged.Entries, cur.RunID)
	if entries == nil {
		entries = []transcript.Entry{}
	}

	var intents []policy.Intent
	if merged.ConflictCount > 0 {
		intents = append(intents, policy.RecordMetric{Name: metrics.HistoryMergeConflicts, Fields: map[string]any{
			"agent":     t.AgentID,
			"conflicts": merged.ConflictCount,
		}})
	}
	fetched := len(resp.Messages)
	meta := agent.HistoryMeta{
		LoadedAt:             t.LoadedAt,
		FetchLimit:           t.Limit,
		FetchedCount:         fetched,
		MaybeTruncated:       fetched >= t.Limit,
		LastAppliedRequestID: t.RequestID,
	}
	log.Debug("applying history",
		zap.Int("fetched", fetched),
		zap.Int("merged", merged.MergedCount),
		zap.Int("confirmed", merged.ConfirmedCount),
		zap.Int("collapsed", len(merged.Entries)-len(entries)),
		zap.Bool("revisionAdvanced", cur.TranscriptRevision != t.Revision))
	return append(intents,
		policy.DispatchUpdateAgent{AgentID: t.AgentID, Patch: agent.Patch{
			Entries:      entries,
			NextSequence: agent.Ptr(cur.NextSequence + len(incoming)),
			History:      &meta,
		}},
		policy.RecordMetric{Name: metrics.HistoryApplied, Fields: map[string]any{
			"agent":     t.AgentID,
			"merged":    merged.MergedCount,
			"confirmed": merged.ConfirmedCount,
		}},
	)
}

// staleReason explains why a response must not be applied, or returns "".
func staleReason(t *Ticket, cur *agent.State, ok bool, resp gateway.HistoryResponse) string {
	switch {
	case !ok:
		return "agent-missing"
	case cur.SessionKey != t.SessionKey:
		return "session-key-changed"
	case cur.SessionEpoch != t.Epoch:
		return "session-reset"
	case resp.SessionKey != "" && resp.SessionKey != t.SessionKey:
		return "response-key-mismatch"
	}
	return ""
}
