package console_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/agentstore"
	"github.com/fakeyudi/agentconsole/internal/approvals"
	"github.com/fakeyudi/agentconsole/internal/clock"
	"github.com/fakeyudi/agentconsole/internal/console"
	"github.com/fakeyudi/agentconsole/internal/events"
	"github.com/fakeyudi/agentconsole/internal/gateway"
	"github.com/fakeyudi/agentconsole/internal/historysync"
	"github.com/fakeyudi/agentconsole/internal/metrics"
	"github.com/fakeyudi/agentconsole/internal/transcript"
)

type fakeGateway struct {
	mu       sync.Mutex
	history  map[string][]gateway.Message
	resolves []string
	waits    []string
	resolve  error

	waitStarted chan string
	waitGate    chan struct{}
}

func (g *fakeGateway) ChatHistory(_ context.Context, req gateway.HistoryRequest) (gateway.HistoryResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	msgs := g.history[req.SessionKey]
	if len(msgs) > req.Limit {
		msgs = msgs[len(msgs)-req.Limit:]
	}
	return gateway.HistoryResponse{SessionKey: req.SessionKey, Messages: msgs}, nil
}

func (g *fakeGateway) ResolveApproval(_ context.Context, id string, _ gateway.Decision) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolves = append(g.resolves, id)
	return g.resolve
}

func (g *fakeGateway) WaitAgent(ctx context.Context, runID string, _ time.Duration) (string, error) {
	g.mu.Lock()
	g.waits = append(g.waits, runID)
	started, gate := g.waitStarted, g.waitGate
	g.mu.Unlock()
	if gate == nil {
		return "ok", nil
	}
	started <- runID
	select {
	case <-gate:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type harness struct {
	con     *console.Console
	store   *agentstore.Store
	gw      *fakeGateway
	clock   *clock.FakeClock
	counter *metrics.Counter
}

func newHarness(t *testing.T, opts ...console.Option) *harness {
	t.Helper()
	counter := metrics.NewCounter()
	h := &harness{
		store:   agentstore.New(agentstore.WithMetrics(counter)),
		gw:      &fakeGateway{history: make(map[string][]gateway.Message)},
		clock:   clock.Fake(time.UnixMilli(1_000)),
		counter: counter,
	}
	require.NoError(t, h.store.AddAgent(agent.State{ID: "main", SessionKey: "agent:main", SessionCreated: true}))
	syncer := historysync.New(h.gw, h.store.Agent, historysync.WithClock(h.clock))
	opts = append([]console.Option{
		console.WithClock(h.clock),
		console.WithApprovalClient(h.gw),
		console.WithMetrics(h.counter),
		console.WithApprovalGrace(500),
	}, opts...)
	h.con = console.New(h.store, syncer, opts...)
	t.Cleanup(h.con.Close)
	return h
}

func (h *harness) frame(t *testing.T, name string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	h.con.Handle(context.Background(), events.DecodeFrame(events.Frame{Event: name, Payload: raw}))
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.con.Settle(ctx))
}

func (h *harness) resolve(t *testing.T, id string, decision gateway.Decision) (approvals.Outcome, error) {
	t.Helper()
	var (
		outcome approvals.Outcome
		err     error
		called  bool
	)
	h.con.ResolveApproval(context.Background(), id, decision, func(o approvals.Outcome, e error) {
		outcome, err, called = o, e, true
	})
	h.settle(t)
	require.True(t, called, "resolve callback not run")
	return outcome, err
}

func (h *harness) agent(t *testing.T) *agent.State {
	t.Helper()
	st, ok := h.store.Agent("main")
	require.True(t, ok)
	return st
}

func TestRunLifecycleConvergesWithHistory(t *testing.T) {
	h := newHarness(t)
	_, err := h.con.Send("main", "hi")
	require.NoError(t, err)

	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "sessionKey": "agent:main", "stream": "lifecycle", "data": map[string]any{"phase": "start"}})
	h.frame(t, events.NameChat, map[string]any{"runId": "r1", "sessionKey": "agent:main", "state": "delta",
		"message": map[string]any{"role": "assistant", "content": "hel"}})

	view, _ := h.store.View("main")
	assert.Equal(t, "hel", view.Stream)
	assert.Equal(t, agent.StatusRunning, view.Status)

	h.gw.history["agent:main"] = []gateway.Message{
		gateway.TextMessage("user", "hi", transcript.Ms(1_000)),
		gateway.TextMessage("assistant", "hello", transcript.Ms(3_000)),
	}
	h.frame(t, events.NameChat, map[string]any{"runId": "r1", "sessionKey": "agent:main", "state": "final",
		"message": map[string]any{"role": "assistant", "content": "hello", "timestamp": 3_000}})
	h.settle(t)

	st := h.agent(t)
	assert.Equal(t, agent.StatusIdle, st.Status)
	assert.Equal(t, "", st.RunID)
	assert.Equal(t, "", st.Stream)
	assert.Equal(t, "hello", st.LastResult)
	require.Len(t, st.Entries, 2)
	for _, e := range st.Entries {
		assert.True(t, e.Confirmed, e.Text)
	}
	assert.Equal(t, "> hi", st.Entries[0].Text)
	assert.Equal(t, transcript.SourceLocalSend, st.Entries[0].Source)
	assert.Equal(t, 2, st.History.FetchedCount)
	assert.True(t, h.store.RunClosed("main", "r1"))

	// A duplicated final changes nothing.
	before := st.TranscriptRevision
	h.frame(t, events.NameChat, map[string]any{"runId": "r1", "sessionKey": "agent:main", "state": "final",
		"message": map[string]any{"role": "assistant", "content": "hello"}})
	h.settle(t)
	assert.Equal(t, before, h.agent(t).TranscriptRevision)

	// Late deltas of the closed run are ignored.
	h.frame(t, events.NameChat, map[string]any{"runId": "r1", "sessionKey": "agent:main", "state": "delta",
		"message": map[string]any{"role": "assistant", "content": "ghost"}})
	h.settle(t)
	assert.Equal(t, "", h.agent(t).Stream)
}

func TestToolFramesAppendEntries(t *testing.T) {
	h := newHarness(t)

	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "sessionKey": "agent:main", "stream": "lifecycle", "data": map[string]any{"phase": "start"}})
	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "sessionKey": "agent:main", "stream": "tool", "ts": 2_000,
		"data": map[string]any{"phase": "start", "name": "exec", "args": map[string]any{"cmd": "ls"}}})
	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "stream": "tool",
		"data": map[string]any{"phase": "result", "name": "exec", "result": "a.txt"}})
	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "sessionKey": "agent:main", "stream": "assistant", "data": map[string]any{"delta": "wor"}})
	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "sessionKey": "agent:main", "stream": "assistant", "data": map[string]any{"delta": "king"}})
	h.settle(t)

	st := h.agent(t)
	require.Len(t, st.Entries, 2)
	assert.Equal(t, `[[tool]] exec {"cmd":"ls"}`, st.Entries[0].Text)
	assert.Equal(t, "[[tool-result]] a.txt", st.Entries[1].Text)
	assert.Equal(t, transcript.SourceRuntimeAgent, st.Entries[0].Source)
	assert.Equal(t, "r1", st.Entries[0].RunID)
	assert.Equal(t, "working", st.Stream)
	assert.Equal(t, "r1", st.RunID)
}

func TestToolFramesConvergeWithHistory(t *testing.T) {
	h := newHarness(t)

	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "sessionKey": "agent:main", "stream": "lifecycle", "data": map[string]any{"phase": "start"}})
	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "sessionKey": "agent:main", "stream": "tool", "ts": 2_000,
		"data": map[string]any{"phase": "start", "name": "exec", "args": map[string]any{"cmd": "ls"}}})
	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "sessionKey": "agent:main", "stream": "tool", "ts": 2_500,
		"data": map[string]any{"phase": "result", "name": "exec", "result": "a.txt"}})
	h.settle(t)

	blocks, err := json.Marshal([]gateway.ContentBlock{
		{Type: "toolCall", Name: "exec", Arguments: json.RawMessage(`{ "cmd": "ls" }`)},
	})
	require.NoError(t, err)
	h.gw.mu.Lock()
	h.gw.history["agent:main"] = []gateway.Message{
		{Role: "assistant", Content: blocks, Timestamp: transcript.Ms(2_000)},
		gateway.TextMessage("toolResult", "a.txt", transcript.Ms(2_500)),
		gateway.TextMessage("assistant", "done", transcript.Ms(3_000)),
	}
	h.gw.mu.Unlock()
	h.frame(t, events.NameChat, map[string]any{"runId": "r1", "sessionKey": "agent:main", "state": "final",
		"message": map[string]any{"role": "assistant", "content": "done", "timestamp": 3_000}})
	h.settle(t)

	st := h.agent(t)
	require.Len(t, st.Entries, 3, "want one entry per line after convergence")
	texts := make([]string, 0, len(st.Entries))
	for _, e := range st.Entries {
		assert.True(t, e.Confirmed, e.Text)
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{`[[tool]] exec {"cmd":"ls"}`, "[[tool-result]] a.txt", "done"}, texts)
}

func TestStaleRunFramesClearTracking(t *testing.T) {
	h := newHarness(t)
	h.frame(t, events.NameAgent, map[string]any{"runId": "r2", "sessionKey": "agent:main", "stream": "lifecycle", "data": map[string]any{"phase": "start"}})
	h.settle(t)

	h.frame(t, events.NameChat, map[string]any{"runId": "r1", "sessionKey": "agent:main", "state": "delta",
		"message": map[string]any{"role": "assistant", "content": "old run"}})
	h.frame(t, events.NameChat, map[string]any{"runId": "r1", "sessionKey": "agent:main", "state": "final",
		"message": map[string]any{"role": "assistant", "content": "old run"}})
	h.settle(t)

	st := h.agent(t)
	assert.Equal(t, "r2", st.RunID)
	assert.Equal(t, agent.StatusRunning, st.Status)
	assert.Empty(t, st.Entries)
}

func TestResetDuringSyncDropsResponse(t *testing.T) {
	h := newHarness(t)
	h.gw.history["agent:main"] = []gateway.Message{gateway.TextMessage("user", "old", nil)}

	h.frame(t, events.NameChat, map[string]any{"runId": "r1", "sessionKey": "agent:main", "state": "final"})
	require.NoError(t, h.store.ResetSession("main", "agent:main:2"))
	h.settle(t)

	assert.Empty(t, h.agent(t).Entries)
	assert.Equal(t, 1, h.counter.Count(metrics.HistoryResponseDroppedStale))
}

func requestApproval(t *testing.T, h *harness, id string, expiresAtMs int64) {
	t.Helper()
	h.frame(t, events.NameApprovalRequested, map[string]any{
		"id":          id,
		"request":     map[string]any{"command": "make deploy", "sessionKey": "agent:main"},
		"createdAtMs": 1_000,
		"expiresAtMs": expiresAtMs,
	})
}

func TestApprovalResolveAllowWaitsAndRefreshes(t *testing.T) {
	h := newHarness(t)
	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "sessionKey": "agent:main", "stream": "lifecycle", "data": map[string]any{"phase": "start"}})
	h.settle(t)
	requestApproval(t, h, "ap1", 60_000)

	require.Equal(t, []string{"ap1"}, ids(h.store.Approvals().ForAgent("main")))

	outcome, err := h.resolve(t, "ap1", gateway.DecisionAllowOnce)
	require.NoError(t, err)

	assert.Equal(t, approvals.Resolved, outcome)
	assert.Equal(t, 0, h.store.Approvals().Len())
	assert.Equal(t, []string{"r1"}, h.gw.waits)
	assert.Equal(t, 1, h.counter.Count(metrics.HistoryApplied))
}

func TestApprovalWaitDoesNotBlockEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.gw.waitStarted = make(chan string, 1)
	h.gw.waitGate = make(chan struct{})
	h.frame(t, events.NameAgent, map[string]any{"runId": "r1", "sessionKey": "agent:main", "stream": "lifecycle", "data": map[string]any{"phase": "start"}})
	h.settle(t)
	requestApproval(t, h, "ap1", 60_000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in := make(chan events.Event, 4)
	runErr := make(chan error, 1)
	go func() { runErr <- h.con.Run(ctx, in) }()

	outcomes := make(chan approvals.Outcome, 1)
	require.True(t, h.con.Do(func() {
		h.con.ResolveApproval(ctx, "ap1", gateway.DecisionAllowOnce, func(o approvals.Outcome, err error) {
			assert.NoError(t, err)
			outcomes <- o
		})
	}))

	select {
	case runID := <-h.gw.waitStarted:
		assert.Equal(t, "r1", runID)
	case <-ctx.Done():
		t.Fatal("agent.wait never started")
	}
	select {
	case o := <-outcomes:
		assert.Equal(t, approvals.Resolved, o)
	case <-ctx.Done():
		t.Fatal("resolve outcome not delivered while waiting")
	}

	raw, err := json.Marshal(map[string]any{"runId": "r1", "sessionKey": "agent:main", "state": "delta",
		"message": map[string]any{"role": "assistant", "content": "still streaming"}})
	require.NoError(t, err)
	in <- events.DecodeFrame(events.Frame{Event: events.NameChat, Payload: raw})
	require.Eventually(t, func() bool {
		st, ok := h.store.View("main")
		return ok && st.Stream == "still streaming"
	}, 2*time.Second, 10*time.Millisecond, "chat delta not handled during agent.wait")
	assert.Equal(t, 0, h.counter.Count(metrics.HistoryApplied))

	close(h.gw.waitGate)
	close(in)
	require.NoError(t, <-runErr)
	assert.Equal(t, 0, h.store.Approvals().Len())
	assert.Equal(t, 1, h.counter.Count(metrics.HistoryApplied))
}

func TestDoAfterCloseIsDropped(t *testing.T) {
	h := newHarness(t)
	h.con.Close()
	ran := false
	assert.False(t, h.con.Do(func() { ran = true }))
	assert.False(t, ran)
}

func TestApprovalResolveFailures(t *testing.T) {
	h := newHarness(t)
	requestApproval(t, h, "ap1", 60_000)

	h.gw.resolve = gateway.ErrDisconnected
	outcome, err := h.resolve(t, "ap1", gateway.DecisionDeny)
	require.NoError(t, err)
	assert.Equal(t, approvals.SoftFailure, outcome)
	p, ok := h.store.Approvals().Find("ap1")
	require.True(t, ok)
	assert.False(t, p.Resolving)

	h.gw.resolve = &gateway.RPCError{Method: "exec.approval.resolve", Code: "invalid", Message: "bad decision"}
	outcome, err = h.resolve(t, "ap1", gateway.DecisionDeny)
	assert.Error(t, err)
	assert.Equal(t, approvals.Failed, outcome)
	p, _ = h.store.Approvals().Find("ap1")
	assert.Contains(t, p.Error, "bad decision")

	h.gw.resolve = &gateway.RPCError{Method: "exec.approval.resolve", Code: "unknown_id", Message: "unknown approval id"}
	outcome, err = h.resolve(t, "ap1", gateway.DecisionDeny)
	require.NoError(t, err)
	assert.Equal(t, approvals.AlreadyResolved, outcome)
	assert.Equal(t, 0, h.store.Approvals().Len())
	assert.Empty(t, h.gw.waits, "deny never waits")
}

func TestApprovalsPrunedByTimer(t *testing.T) {
	h := newHarness(t)
	requestApproval(t, h, "ap1", 5_000)
	requestApproval(t, h, "ap2", 9_000)
	h.frame(t, events.NameApprovalResolved, map[string]any{"id": "ap2", "decision": "deny"})

	h.clock.Advance(4_499 * time.Millisecond) // now 5499
	h.settle(t)
	assert.Equal(t, 1, h.store.Approvals().Len())

	h.clock.Advance(time.Millisecond) // now 5500 = expires + grace
	h.settle(t)
	assert.Equal(t, 0, h.store.Approvals().Len())
	assert.Equal(t, 1, h.counter.Count(metrics.ApprovalsPruned))
	assert.Equal(t, 0, h.clock.PendingCount())
}

func TestSummaryRefreshDebounced(t *testing.T) {
	var calls []bool
	h := newHarness(t, console.WithSummaryRefresh(func(_ context.Context, heartbeat bool) {
		calls = append(calls, heartbeat)
	}))

	h.frame(t, events.NameHeartbeat, map[string]any{"agentId": "main"})
	h.clock.Advance(500 * time.Millisecond)
	h.frame(t, events.NamePresence, nil)
	h.clock.Advance(500 * time.Millisecond)
	h.settle(t)
	assert.Empty(t, calls)

	h.clock.Advance(250 * time.Millisecond)
	h.settle(t)
	assert.Equal(t, []bool{true}, calls)

	h.con.SetConnected(false)
	h.frame(t, events.NamePresence, nil)
	h.clock.Advance(time.Second)
	h.settle(t)
	assert.Len(t, calls, 1)
}

func TestMalformedEventsAreCounted(t *testing.T) {
	h := newHarness(t)
	h.con.Handle(context.Background(), events.Decode([]byte(`{"event":"chat","payload":{}}`)))
	assert.Equal(t, 1, h.counter.Count(metrics.EventMalformed))
}

func TestRunStopsWhenEventsClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := agentstore.New()
	require.NoError(t, store.AddAgent(agent.State{ID: "main", SessionKey: "agent:main", SessionCreated: true}))
	gw := &fakeGateway{history: map[string][]gateway.Message{"agent:main": {gateway.TextMessage("user", "hi", nil)}}}
	con := console.New(store, historysync.New(gw, store.Agent))
	defer con.Close()

	in := make(chan events.Event, 4)
	in <- events.Decode([]byte(`{"event":"agent","payload":{"runId":"r1","sessionKey":"agent:main","stream":"lifecycle","data":{"phase":"start"}}}`))
	in <- events.Decode([]byte(`{"event":"chat","payload":{"runId":"r1","sessionKey":"agent:main","state":"final"}}`))
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, con.Run(ctx, in))

	st, _ := store.Agent("main")
	assert.Len(t, st.Entries, 1)
	assert.Equal(t, agent.StatusIdle, st.Status)
}

func ids(list []approvals.Pending) []string {
	var out []string
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}
