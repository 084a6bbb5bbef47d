package policy_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/policy"
)

func kinds(intents []policy.Intent) []policy.Kind {
	var out []policy.Kind
	for _, in := range intents {
		out = append(out, in.Kind())
	}
	return out
}

// Feature: agentconsole, Property 5: Stale deltas only clear tracking
func TestStaleDeltaOnlyClearsTracking(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		active := rapid.StringMatching(`run-[a-z]{1,6}`).Draw(t, "active")
		runID := rapid.StringMatching(`run-[a-z]{1,6}`).Filter(func(s string) bool { return s != active }).Draw(t, "run")
		in := policy.ChatInput{
			AgentID:     "a",
			State:       policy.ChatDelta,
			RunID:       runID,
			Role:        rapid.SampledFrom([]string{"assistant", "tool", "user", ""}).Draw(t, "role"),
			ActiveRunID: active,
			Status:      rapid.SampledFrom([]agent.Status{agent.StatusIdle, agent.StatusRunning, agent.StatusError}).Draw(t, "status"),
			RunStarted:  rapid.Bool().Draw(t, "started"),
			Stream:      agent.Ptr(rapid.String().Draw(t, "stream")),
		}

		got := policy.DecideChatEvent(in)

		want := []policy.Intent{policy.ClearRunTracking{AgentID: "a", RunID: runID}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("unexpected intents (-want +got):\n%s", diff)
		}
	})
}

func TestClosedRunDeltaIgnored(t *testing.T) {
	got := policy.DecideChatEvent(policy.ChatInput{State: policy.ChatDelta, RunID: "r1", ActiveRunID: "r2", RunClosed: true})
	assert.Equal(t, []policy.Intent{policy.Ignore{Reason: policy.ReasonClosedRunDelta}}, got)
}

func TestInactiveAgentDeltaIgnored(t *testing.T) {
	got := policy.DecideChatEvent(policy.ChatInput{State: policy.ChatDelta, RunID: "r1", Role: "assistant", Status: agent.StatusIdle})
	assert.Equal(t, []policy.Intent{policy.Ignore{Reason: policy.ReasonInactiveAgent}}, got)
}

func TestUserAndSystemDeltasSkipInactiveAgentCheck(t *testing.T) {
	for _, role := range []string{"user", "system"} {
		t.Run(role, func(t *testing.T) {
			got := policy.DecideChatEvent(policy.ChatInput{
				AgentID: "a",
				State:   policy.ChatDelta,
				RunID:   "r1",
				Role:    role,
				Status:  agent.StatusIdle,
				Stream:  agent.Ptr("typing"),
			})
			want := []policy.Intent{
				policy.MarkRunStarted{AgentID: "a", RunID: "r1"},
				policy.QueueLivePatch{AgentID: "a", Patch: agent.Patch{
					Status: agent.Ptr(agent.StatusRunning),
					Stream: agent.Ptr("typing"),
					RunID:  agent.Ptr("r1"),
				}},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("unexpected intents (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLiveDeltaQueuesPatchAndStartsRun(t *testing.T) {
	in := policy.ChatInput{
		AgentID:     "a",
		State:       policy.ChatDelta,
		RunID:       "r1",
		Role:        "assistant",
		ActiveRunID: "r1",
		Status:      agent.StatusRunning,
		Stream:      agent.Ptr("hello"),
	}

	got := policy.DecideChatEvent(in)
	require.Equal(t, []policy.Kind{policy.KindMarkRunStarted, policy.KindQueueLivePatch}, kinds(got))
	patch := got[1].(policy.QueueLivePatch).Patch
	assert.Equal(t, "hello", *patch.Stream)
	assert.Nil(t, patch.Thinking)
	assert.Equal(t, agent.StatusRunning, *patch.Status)

	in.RunStarted = true
	assert.Equal(t, []policy.Kind{policy.KindQueueLivePatch}, kinds(policy.DecideChatEvent(in)))
}

func TestDeltaWithoutActiveRunWhileRunningIsAccepted(t *testing.T) {
	got := policy.DecideChatEvent(policy.ChatInput{State: policy.ChatDelta, RunID: "r9", Role: "assistant", Status: agent.StatusRunning})
	assert.Equal(t, []policy.Kind{policy.KindMarkRunStarted, policy.KindQueueLivePatch}, kinds(got))
}

func TestFinalEventIntentOrder(t *testing.T) {
	got := policy.DecideChatEvent(policy.ChatInput{
		AgentID:               "a",
		State:                 policy.ChatFinal,
		RunID:                 "r1",
		ActiveRunID:           "r1",
		Status:                agent.StatusRunning,
		RequestHistoryRefresh: true,
		UpdateLastResult:      true,
		LastResult:            "done",
		QueueLatestUpdate:     true,
	})

	assert.Equal(t, []policy.Kind{
		policy.KindClearPendingLivePatch,
		policy.KindMarkRunClosed,
		policy.KindRequestHistoryRefresh,
		policy.KindDispatchUpdateAgent,
		policy.KindQueueLatestUpdate,
		policy.KindDispatchUpdateAgent,
	}, kinds(got))

	last := got[len(got)-1].(policy.DispatchUpdateAgent).Patch
	assert.Equal(t, agent.StatusIdle, *last.Status)
	assert.Equal(t, "", *last.Stream)
	assert.Equal(t, "", *last.Thinking)
	assert.Equal(t, "", *last.RunID)
}

func TestNonFinalTerminalSkipsFollowUps(t *testing.T) {
	got := policy.DecideChatEvent(policy.ChatInput{
		AgentID:               "a",
		State:                 policy.ChatError,
		RunID:                 "r1",
		ActiveRunID:           "r1",
		RequestHistoryRefresh: true,
		UpdateLastResult:      true,
		QueueLatestUpdate:     true,
		EndInError:            true,
		ErrorMessage:          "boom",
	})

	require.Equal(t, []policy.Kind{
		policy.KindClearPendingLivePatch,
		policy.KindMarkRunClosed,
		policy.KindDispatchUpdateAgent,
	}, kinds(got))
	patch := got[2].(policy.DispatchUpdateAgent).Patch
	assert.Equal(t, agent.StatusError, *patch.Status)
	assert.Equal(t, "boom", *patch.LastError)
}

func TestDuplicateAndStaleTerminals(t *testing.T) {
	got := policy.DecideChatEvent(policy.ChatInput{State: policy.ChatFinal, RunID: "r1", RunClosed: true})
	assert.Equal(t, []policy.Intent{policy.Ignore{Reason: policy.ReasonDuplicateTerminal}}, got)

	got = policy.DecideChatEvent(policy.ChatInput{State: policy.ChatFinal, RunID: "old", ActiveRunID: "new"})
	assert.Equal(t, []policy.Intent{policy.ClearRunTracking{RunID: "old"}}, got)
}

func TestDecideAgentEvent(t *testing.T) {
	tests := []struct {
		name string
		in   policy.AgentInput
		want []policy.Intent
	}{
		{"accepted", policy.AgentInput{RunID: "r1", Stream: policy.StreamAssistant, ActiveRunID: "r1"}, nil},
		{"closed", policy.AgentInput{RunID: "r1", Stream: policy.StreamTool, RunClosed: true}, []policy.Intent{policy.Ignore{Reason: policy.ReasonClosedRunAgent}}},
		{"stale", policy.AgentInput{RunID: "r1", Stream: policy.StreamTool, ActiveRunID: "r2"}, []policy.Intent{policy.ClearRunTracking{RunID: "r1"}}},
		{"start reopens closed run", policy.AgentInput{RunID: "r1", Stream: policy.StreamLifecycle, Phase: policy.PhaseStart, RunClosed: true}, []policy.Intent{policy.MarkRunStarted{RunID: "r1"}}},
		{"lifecycle end on closed run", policy.AgentInput{RunID: "r1", Stream: policy.StreamLifecycle, Phase: "end", RunClosed: true}, []policy.Intent{policy.Ignore{Reason: policy.ReasonClosedRunAgent}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := policy.DecideAgentEvent(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want != nil && tc.want[0].Kind() != policy.KindMarkRunStarted, policy.Blocks(got))
		})
	}
}

func TestDecideSummaryRefreshEvent(t *testing.T) {
	assert.Equal(t,
		[]policy.Intent{policy.ScheduleSummaryRefresh{DelayMs: 750, IncludeHeartbeatRefresh: true}},
		policy.DecideSummaryRefreshEvent(policy.SummaryInput{Event: "heartbeat", Connected: true}))
	assert.Equal(t,
		[]policy.Intent{policy.ScheduleSummaryRefresh{DelayMs: 750}},
		policy.DecideSummaryRefreshEvent(policy.SummaryInput{Event: "presence", Connected: true}))
	assert.Equal(t,
		[]policy.Intent{policy.Ignore{Reason: policy.ReasonDisconnected}},
		policy.DecideSummaryRefreshEvent(policy.SummaryInput{Event: "presence"}))
}

func TestKindNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, k := range policy.AllKinds() {
		name := k.String()
		assert.NotContains(t, name, "Kind(", "kind %d has no name", int(k))
		assert.False(t, seen[name], "duplicate name %q", name)
		seen[name] = true
	}
}
