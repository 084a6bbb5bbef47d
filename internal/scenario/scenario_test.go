package scenario_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/metrics"
	"github.com/fakeyudi/agentconsole/internal/scenario"
)

func TestLoadAndRunApprovalScenario(t *testing.T) {
	sc, err := scenario.Load("testdata/approval_run.yaml")
	require.NoError(t, err)
	assert.Equal(t, "approval-run", sc.Name)
	require.Len(t, sc.Steps, 7)

	res, err := scenario.Run(context.Background(), sc)
	require.NoError(t, err)

	assert.Empty(t, scenario.Check(sc, res))
	assert.Equal(t, []string{"resolved"}, res.Outcomes)
	assert.Equal(t, 2, res.Metrics[metrics.HistoryApplied])

	st, ok := res.Store.Agent("main")
	require.True(t, ok)
	assert.Equal(t, "Deployed.", st.LastResult)
	assert.Equal(t, "", st.RunID)
}

func TestApprovalOutcomesAndPruning(t *testing.T) {
	sc, err := scenario.Parse([]byte(`
name: prune
start_ms: 1000
agents:
  - id: main
    session: "agent:main"
approvals:
  ap1: unknown
  ap3: "error: policy says no"
steps:
  - frame:
      event: exec.approval.requested
      payload: {id: ap1, request: {command: ls, sessionKey: "agent:main"}, expiresAtMs: 5000}
  - frame:
      event: exec.approval.requested
      payload: {id: ap2, request: {command: rm, sessionKey: "agent:other"}, expiresAtMs: 3000}
  - frame:
      event: exec.approval.requested
      payload: {id: ap3, request: {command: make, sessionKey: "agent:main"}, expiresAtMs: 900000}
  - resolve: {id: ap1, decision: deny}
  - resolve: {id: ap3, decision: allow-always}
  - tick: 10s
expect:
  main:
    approvals: 1
`))
	require.NoError(t, err)

	res, err := scenario.Run(context.Background(), sc, scenario.WithApprovalGrace(500))
	require.NoError(t, err)

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, "already-resolved", res.Outcomes[0])
	assert.Contains(t, res.Outcomes[1], "failed")
	assert.Contains(t, res.Outcomes[1], "policy says no")
	assert.Empty(t, scenario.Check(sc, res))

	set := res.Store.Approvals()
	assert.Empty(t, set.Unscoped)
	p, ok := set.Find("ap3")
	require.True(t, ok)
	assert.Contains(t, p.Error, "policy says no")
	assert.Equal(t, 1, res.Metrics[metrics.ApprovalsPruned])
}

func TestCheckReportsMismatches(t *testing.T) {
	sc, err := scenario.Parse([]byte(`
agents:
  - id: main
    session: "agent:main"
steps:
  - send: {agent: main, text: hello}
expect:
  main:
    status: running
    entries: 3
`))
	require.NoError(t, err)
	res, err := scenario.Run(context.Background(), sc)
	require.NoError(t, err)

	problems := scenario.Check(sc, res)
	assert.Len(t, problems, 2)
	st, _ := res.Store.Agent("main")
	assert.Equal(t, agent.StatusIdle, st.Status)
}

func TestParseRejectsInvalidScenarios(t *testing.T) {
	cases := map[string]string{
		"no agents":      `steps: []`,
		"duplicate id":   "agents: [{id: a, session: s}, {id: a, session: t}]",
		"no session":     "agents: [{id: a}]",
		"unknown agent":  "agents: [{id: a, session: s}]\nsteps: [{send: {agent: b, text: hi}}]",
		"two actions":    "agents: [{id: a, session: s}]\nsteps: [{send: {agent: a, text: hi}, tick: 1s}]",
		"empty step":     "agents: [{id: a, session: s}]\nsteps: [{}]",
		"bad decision":   "agents: [{id: a, session: s}]\nsteps: [{resolve: {id: x, decision: maybe}}]",
		"unknown expect": "agents: [{id: a, session: s}]\nexpect: {b: {status: idle}}",
		"bad yaml":       "agents: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := scenario.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestTickParsesDurations(t *testing.T) {
	sc, err := scenario.Parse([]byte("agents: [{id: a, session: s}]\nsteps: [{tick: 1500ms}]"))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, sc.Steps[0].Tick)
	assert.Equal(t, "tick", sc.Steps[0].Kind())
}
