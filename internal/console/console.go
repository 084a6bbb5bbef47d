// Package console drives an agent store from gateway events. A Console is an
// actor: Handle, Settle, SyncHistory, Send and ResolveApproval must all be
// called from the goroutine that owns it (Run does this itself). Other
// goroutines reach the actor through Do. Timers and network round trips run
// elsewhere and post their results back.
package console

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fakeyudi/agentconsole/internal/agentstore"
	"github.com/fakeyudi/agentconsole/internal/approvals"
	"github.com/fakeyudi/agentconsole/internal/clock"
	"github.com/fakeyudi/agentconsole/internal/events"
	"github.com/fakeyudi/agentconsole/internal/gateway"
	"github.com/fakeyudi/agentconsole/internal/historysync"
	"github.com/fakeyudi/agentconsole/internal/metrics"
	"github.com/fakeyudi/agentconsole/internal/policy"
)

const (
	DefaultApprovalGraceMs = 1500
	DefaultWaitTimeout     = 15 * time.Second
	inboxSize              = 64
)

// LatestUpdateFunc fetches the latest heartbeat or cron digest for an agent.
type LatestUpdateFunc func(ctx context.Context, agentID string) (string, error)

// SummaryFunc refreshes agent summaries.
type SummaryFunc func(ctx context.Context, includeHeartbeat bool)

// Console routes events through the policy layer into the store.
type Console struct {
	store        *agentstore.Store
	syncer       *historysync.Syncer
	approver     gateway.ApprovalClient
	latest       LatestUpdateFunc
	summary      SummaryFunc
	onFlush      func([]string)
	clock        clock.Clock
	metrics      metrics.Recorder
	log          *zap.Logger
	isDisconnect func(error) bool
	graceMs      int64
	waitTimeout  time.Duration

	connected atomic.Bool
	prune     *approvals.Scheduler

	summaryMu        sync.Mutex
	summaryTimer     *clock.Timer
	summaryHeartbeat bool

	inbox       chan func()
	closed      chan struct{}
	closeOnce   sync.Once
	outstanding int
}

// Option configures a Console.
type Option func(*Console)

// WithApprovalClient sets the client used to resolve approvals.
func WithApprovalClient(c gateway.ApprovalClient) Option {
	return func(con *Console) { con.approver = c }
}

// WithLatestUpdates sets the latest-update fetcher.
func WithLatestUpdates(fn LatestUpdateFunc) Option {
	return func(con *Console) { con.latest = fn }
}

// WithSummaryRefresh replaces the default summary refresh.
func WithSummaryRefresh(fn SummaryFunc) Option {
	return func(con *Console) { con.summary = fn }
}

// WithOnFlush registers a callback run after live patches are committed.
func WithOnFlush(fn func(agentIDs []string)) Option {
	return func(con *Console) { con.onFlush = fn }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(con *Console) { con.clock = c }
}

// WithMetrics sets the metric recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(con *Console) {
		if r != nil {
			con.metrics = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(con *Console) {
		if log != nil {
			con.log = log
		}
	}
}

// WithDisconnectPredicate replaces gateway.IsDisconnect.
func WithDisconnectPredicate(fn func(error) bool) Option {
	return func(con *Console) { con.isDisconnect = fn }
}

// WithApprovalGrace sets the grace window for pruning expired approvals.
func WithApprovalGrace(ms int64) Option {
	return func(con *Console) {
		if ms >= 0 {
			con.graceMs = ms
		}
	}
}

// WithWaitTimeout bounds the agent.wait call made after an allow decision.
func WithWaitTimeout(d time.Duration) Option {
	return func(con *Console) { con.waitTimeout = d }
}

// New returns a Console over store. syncer must resolve agents from the same
// store.
func New(store *agentstore.Store, syncer *historysync.Syncer, opts ...Option) *Console {
	c := &Console{
		store:        store,
		syncer:       syncer,
		clock:        clock.Real(),
		metrics:      metrics.Discard,
		log:          zap.NewNop(),
		isDisconnect: gateway.IsDisconnect,
		graceMs:      DefaultApprovalGraceMs,
		waitTimeout:  DefaultWaitTimeout,
		inbox:        make(chan func(), inboxSize),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("console")
	c.connected.Store(true)
	c.prune = approvals.NewScheduler(c.clock, func() {
		c.post(func() { c.PruneApprovals() }, nil)
	})
	return c
}

// Store returns the underlying store.
func (c *Console) Store() *agentstore.Store { return c.store }

// SetConnected records the transport's connection state.
func (c *Console) SetConnected(connected bool) { c.connected.Store(connected) }

// Close stops timers and unblocks background work. It does not wait.
func (c *Console) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.prune.Stop()
		c.summaryMu.Lock()
		if c.summaryTimer != nil {
			c.summaryTimer.Stop()
			c.summaryTimer = nil
		}
		c.summaryMu.Unlock()
	})
}

// post hands fn to the actor. When the console is closed fn is dropped and
// onDrop runs instead.
func (c *Console) post(fn func(), onDrop func()) {
	select {
	case <-c.closed:
		if onDrop != nil {
			onDrop()
		}
		return
	default:
	}
	select {
	case c.inbox <- fn:
	case <-c.closed:
		if onDrop != nil {
			onDrop()
		}
	}
}

// Do queues fn to run on the actor. It blocks while the inbox is full and
// reports false, without running fn, once the console is closed.
func (c *Console) Do(fn func()) bool {
	ok := true
	c.post(fn, func() { ok = false })
	return ok
}

// launch runs work off the actor and applies the function it returns on the
// actor. Settle waits for every launched job.
func (c *Console) launch(work func() func(), onDrop func()) {
	c.outstanding++
	go func() {
		apply := work()
		c.post(func() {
			c.outstanding--
			if apply != nil {
				apply()
			}
		}, onDrop)
	}()
}

// Run is the actor loop. It returns when ctx is done or, after settling,
// when events is closed.
func (c *Console) Run(ctx context.Context, in <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return c.Settle(ctx)
			}
			c.Handle(ctx, ev)
		case fn := <-c.inbox:
			fn()
		}
		if len(in) == 0 && len(c.inbox) == 0 {
			c.flush()
		}
	}
}

// Settle applies results of background work until none is outstanding, then
// drains queued callbacks and commits live patches.
func (c *Console) Settle(ctx context.Context) error {
	for c.outstanding > 0 {
		select {
		case fn := <-c.inbox:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case fn := <-c.inbox:
			fn()
		default:
			c.flush()
			return nil
		}
	}
}

func (c *Console) flush() {
	if ids := c.store.FlushLivePatches(); len(ids) > 0 && c.onFlush != nil {
		c.onFlush(ids)
	}
}

// apply executes intents and runs the follow-ups they produce.
func (c *Console) apply(ctx context.Context, intents []policy.Intent) {
	for _, f := range c.store.Execute(intents) {
		switch f := f.(type) {
		case policy.RequestHistoryRefresh:
			c.requestSync(ctx, f.AgentID, f.Reason)
		case policy.QueueLatestUpdate:
			c.requestLatest(ctx, f.AgentID)
		case policy.ScheduleSummaryRefresh:
			c.scheduleSummary(ctx, f)
		}
	}
}

// requestSync starts a background history sync for agentID.
func (c *Console) requestSync(ctx context.Context, agentID, reason string) {
	t, skip := c.syncer.Begin(historysync.Request{AgentID: agentID})
	if t == nil {
		c.apply(ctx, skip)
		return
	}
	c.log.Debug("history sync started", zap.String("agent", agentID), zap.String("reason", reason), zap.String("request", t.RequestID))
	c.launch(func() func() {
		resp, err := c.syncer.Fetch(ctx, t)
		return func() { c.apply(ctx, c.syncer.Complete(t, resp, err)) }
	}, t.Release)
}

// SyncHistory runs a history sync to completion and applies it.
func (c *Console) SyncHistory(ctx context.Context, agentID string, limit int) []policy.Intent {
	intents := c.syncer.Sync(ctx, historysync.Request{AgentID: agentID, Limit: limit})
	c.apply(ctx, intents)
	return intents
}

func (c *Console) requestLatest(ctx context.Context, agentID string) {
	if c.latest == nil {
		c.log.Debug("no latest-update source", zap.String("agent", agentID))
		return
	}
	c.launch(func() func() {
		text, err := c.latest(ctx, agentID)
		return func() {
			switch {
			case err == nil:
				c.apply(ctx, []policy.Intent{policy.DispatchUpdateAgent{
					AgentID: agentID,
					Patch:   agentPatchLatest(text),
				}})
			case c.isDisconnect(err):
				c.log.Debug("latest update interrupted", zap.String("agent", agentID), zap.Error(err))
			default:
				c.log.Warn("latest update failed", zap.String("agent", agentID), zap.Error(err))
			}
		}
	}, nil)
}

// scheduleSummary debounces summary refreshes into one timer. A pending
// heartbeat refresh survives a later presence ping.
func (c *Console) scheduleSummary(ctx context.Context, in policy.ScheduleSummaryRefresh) {
	c.summaryMu.Lock()
	defer c.summaryMu.Unlock()
	if c.summaryTimer != nil {
		c.summaryTimer.Stop()
	}
	c.summaryHeartbeat = c.summaryHeartbeat || in.IncludeHeartbeatRefresh
	c.summaryTimer = c.clock.AfterFunc(time.Duration(in.DelayMs)*time.Millisecond, func() {
		c.summaryMu.Lock()
		heartbeat := c.summaryHeartbeat
		c.summaryHeartbeat = false
		c.summaryTimer = nil
		c.summaryMu.Unlock()
		c.post(func() { c.refreshSummary(ctx, heartbeat) }, nil)
	})
}

func (c *Console) refreshSummary(ctx context.Context, includeHeartbeat bool) {
	c.metrics.Record("summary_refresh", map[string]any{"heartbeat": includeHeartbeat})
	if c.summary != nil {
		c.summary(ctx, includeHeartbeat)
		return
	}
	if !includeHeartbeat {
		return
	}
	for _, st := range c.store.Agents() {
		if st.SessionCreated {
			c.requestLatest(ctx, st.ID)
		}
	}
}
