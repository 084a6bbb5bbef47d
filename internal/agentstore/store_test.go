package agentstore_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/agentstore"
	"github.com/fakeyudi/agentconsole/internal/approvals"
	"github.com/fakeyudi/agentconsole/internal/metrics"
	"github.com/fakeyudi/agentconsole/internal/policy"
	"github.com/fakeyudi/agentconsole/internal/transcript"
)

func newStore(t *testing.T, opts ...agentstore.Option) *agentstore.Store {
	t.Helper()
	s := agentstore.New(opts...)
	require.NoError(t, s.AddAgent(agent.State{ID: "main", SessionKey: "agent:main", SessionCreated: true}))
	return s
}

// sampleIntents has one intent per kind.
var sampleIntents = map[policy.Kind]policy.Intent{
	policy.KindIgnore:                 policy.Ignore{Reason: "test"},
	policy.KindClearRunTracking:       policy.ClearRunTracking{RunID: "r1"},
	policy.KindMarkRunClosed:          policy.MarkRunClosed{RunID: "r1"},
	policy.KindMarkRunStarted:         policy.MarkRunStarted{RunID: "r1"},
	policy.KindQueueLivePatch:         policy.QueueLivePatch{AgentID: "main", Patch: agent.Patch{Stream: agent.Ptr("x")}},
	policy.KindClearPendingLivePatch:  policy.ClearPendingLivePatch{AgentID: "main"},
	policy.KindDispatchUpdateAgent:    policy.DispatchUpdateAgent{AgentID: "main", Patch: agent.Patch{LastResult: agent.Ptr("ok")}},
	policy.KindRequestHistoryRefresh:  policy.RequestHistoryRefresh{AgentID: "main"},
	policy.KindQueueLatestUpdate:      policy.QueueLatestUpdate{AgentID: "main"},
	policy.KindScheduleSummaryRefresh: policy.ScheduleSummaryRefresh{DelayMs: 750},
	policy.KindRecordMetric:           policy.RecordMetric{Name: "m"},
	policy.KindReportError:            policy.ReportError{AgentID: "main", Message: "boom"},
}

func TestExecuteHandlesEveryKind(t *testing.T) {
	for _, k := range policy.AllKinds() {
		in, ok := sampleIntents[k]
		require.True(t, ok, "no sample intent for %s", k)
		require.Equal(t, k, in.Kind())
		assert.NotPanics(t, func() { newStore(t).Execute([]policy.Intent{in}) }, k.String())
	}
}

func TestExecuteReturnsFollowUps(t *testing.T) {
	s := newStore(t)
	var all []policy.Intent
	for _, k := range policy.AllKinds() {
		all = append(all, sampleIntents[k])
	}

	got := s.Execute(all)

	assert.Equal(t, []policy.Intent{
		sampleIntents[policy.KindRequestHistoryRefresh],
		sampleIntents[policy.KindQueueLatestUpdate],
		sampleIntents[policy.KindScheduleSummaryRefresh],
	}, got)
	st, _ := s.Agent("main")
	assert.Equal(t, "ok", st.LastResult)
	assert.Equal(t, "boom", st.LastError)
}

func TestRunTracking(t *testing.T) {
	s := newStore(t)

	s.Execute([]policy.Intent{policy.MarkRunStarted{AgentID: "main", RunID: "r1"}})
	assert.True(t, s.RunStarted("main", "r1"))

	s.Execute([]policy.Intent{policy.MarkRunClosed{AgentID: "main", RunID: "r1"}})
	assert.True(t, s.RunClosed("main", "r1"))
	assert.False(t, s.RunStarted("main", "r1"))

	s.Execute([]policy.Intent{policy.MarkRunStarted{AgentID: "main", RunID: "r1"}})
	assert.False(t, s.RunClosed("main", "r1"), "start reopens")

	s.Execute([]policy.Intent{policy.ClearRunTracking{AgentID: "main", RunID: "r1"}})
	assert.False(t, s.RunClosed("main", "r1"))
	assert.False(t, s.RunStarted("main", "r1"))
}

func TestRunTrackingIsPerAgent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddAgent(agent.State{ID: "ops", SessionKey: "agent:ops", SessionCreated: true}))

	s.Execute([]policy.Intent{
		policy.MarkRunClosed{AgentID: "main", RunID: "r1"},
		policy.MarkRunStarted{AgentID: "ops", RunID: "r2"},
	})
	assert.True(t, s.RunClosed("main", "r1"))
	assert.False(t, s.RunClosed("ops", "r1"))
	assert.True(t, s.RunStarted("ops", "r2"))
	assert.False(t, s.RunStarted("main", "r2"))

	s.Execute([]policy.Intent{policy.ClearRunTracking{AgentID: "ops", RunID: "r1"}})
	assert.True(t, s.RunClosed("main", "r1"), "another agent's clear leaves the run alone")
}

func TestClosedRunsAreEvicted(t *testing.T) {
	s := newStore(t)
	total := agentstore.ClosedRunsPerAgent + 4
	for i := range total {
		s.Execute([]policy.Intent{policy.MarkRunClosed{AgentID: "main", RunID: fmt.Sprintf("r%d", i)}})
	}
	for i := range total {
		want := i >= total-agentstore.ClosedRunsPerAgent
		assert.Equal(t, want, s.RunClosed("main", fmt.Sprintf("r%d", i)), "r%d", i)
	}

	s.Execute([]policy.Intent{policy.MarkRunStarted{AgentID: "main", RunID: "live"}})
	require.NoError(t, s.ResetSession("main", "agent:main:2"))
	assert.False(t, s.RunClosed("main", fmt.Sprintf("r%d", total-1)), "reset drops closed runs")
	assert.False(t, s.RunStarted("main", "live"), "reset drops started runs")
}

func TestLivePatchesStageUntilFlushed(t *testing.T) {
	s := newStore(t)

	s.Execute([]policy.Intent{
		policy.QueueLivePatch{AgentID: "main", Patch: agent.Patch{Stream: agent.Ptr("hel"), Status: agent.Ptr(agent.StatusRunning)}},
		policy.QueueLivePatch{AgentID: "main", Patch: agent.Patch{Stream: agent.Ptr("hello")}},
		policy.QueueLivePatch{AgentID: "ghost", Patch: agent.Patch{Stream: agent.Ptr("boo")}},
	})

	st, _ := s.Agent("main")
	assert.Equal(t, "", st.Stream, "not committed yet")

	assert.Equal(t, []string{"main"}, s.FlushLivePatches())
	st, _ = s.Agent("main")
	assert.Equal(t, "hello", st.Stream)
	assert.Equal(t, agent.StatusRunning, st.Status)
	_, pending := s.LivePatch("main")
	assert.False(t, pending)
}

func TestClearPendingLivePatch(t *testing.T) {
	s := newStore(t)
	s.Execute([]policy.Intent{
		policy.QueueLivePatch{AgentID: "main", Patch: agent.Patch{Stream: agent.Ptr("partial")}},
		policy.ClearPendingLivePatch{AgentID: "main"},
	})
	assert.Empty(t, s.FlushLivePatches())
}

func TestSendLocalAndAppend(t *testing.T) {
	s := newStore(t)

	e, err := s.SendLocal("main", "  hi  ", 1000)
	require.NoError(t, err)
	assert.Equal(t, "> hi", e.Text)
	assert.Equal(t, transcript.SourceLocalSend, e.Source)
	assert.False(t, e.Confirmed)

	added, err := s.AppendLines("main", []string{"one", "", "two"}, agentstore.AppendOptions{
		Source: transcript.SourceRuntimeChat,
		RunID:  "r1",
	})
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.Equal(t, []int{1, 2}, []int{added[0].SequenceKey, added[1].SequenceKey})

	st, _ := s.Agent("main")
	assert.Len(t, st.Entries, 3)
	assert.Equal(t, 3, st.NextSequence)
	assert.Equal(t, 2, st.TranscriptRevision)

	_, err = s.SendLocal("ghost", "hi", 0)
	assert.ErrorIs(t, err, agentstore.ErrUnknownAgent)
}

func TestResetSessionBumpsEpoch(t *testing.T) {
	s := newStore(t)
	_, err := s.SendLocal("main", "hi", 1000)
	require.NoError(t, err)
	s.Execute([]policy.Intent{policy.DispatchUpdateAgent{AgentID: "main", Patch: agent.Patch{RunID: agent.Ptr("r1"), Status: agent.Ptr(agent.StatusRunning)}}})

	require.NoError(t, s.ResetSession("main", "agent:main:2"))

	st, _ := s.Agent("main")
	assert.Equal(t, 1, st.SessionEpoch)
	assert.Equal(t, "agent:main:2", st.SessionKey)
	assert.Empty(t, st.Entries)
	assert.Equal(t, agent.StatusIdle, st.Status)
	assert.Equal(t, "", st.RunID)
	id, ok := s.AgentForSession("agent:main:2")
	assert.True(t, ok)
	assert.Equal(t, "main", id)
}

func TestRecordMetricReachesRecorder(t *testing.T) {
	counter := metrics.NewCounter()
	s := newStore(t, agentstore.WithMetrics(counter))

	s.Execute([]policy.Intent{policy.RecordMetric{Name: metrics.HistoryResponseDroppedStale}})

	assert.Equal(t, 1, counter.Count(metrics.HistoryResponseDroppedStale))
}

func TestRestoreAndApprovals(t *testing.T) {
	s := agentstore.New()
	set := approvals.Set{}.Upsert(approvals.Pending{ID: "a", AgentID: "main", ExpiresAtMs: 10})

	s.Restore([]*agent.State{{ID: "main", SessionKey: "k"}, {ID: "main"}, nil}, set)

	assert.Len(t, s.Agents(), 1)
	assert.Equal(t, 1, s.Approvals().Len())
	got := s.UpdateApprovals(func(set approvals.Set) approvals.Set { return set.RemoveEverywhere("a") })
	assert.Equal(t, 0, got.Len())
}
