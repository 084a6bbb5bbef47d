package console

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/agentstore"
	"github.com/fakeyudi/agentconsole/internal/approvals"
	"github.com/fakeyudi/agentconsole/internal/clock"
	"github.com/fakeyudi/agentconsole/internal/events"
	"github.com/fakeyudi/agentconsole/internal/gateway"
	"github.com/fakeyudi/agentconsole/internal/metrics"
	"github.com/fakeyudi/agentconsole/internal/policy"
	"github.com/fakeyudi/agentconsole/internal/transcript"
)

// Handle processes one event.
func (c *Console) Handle(ctx context.Context, ev events.Event) {
	switch ev := ev.(type) {
	case events.Chat:
		c.handleChat(ctx, ev)
	case events.Agent:
		c.handleAgent(ctx, ev)
	case events.Presence:
		c.apply(ctx, policy.DecideSummaryRefreshEvent(policy.SummaryInput{Event: events.NamePresence, Connected: c.connected.Load()}))
	case events.Heartbeat:
		c.apply(ctx, policy.DecideSummaryRefreshEvent(policy.SummaryInput{Event: events.NameHeartbeat, Connected: c.connected.Load()}))
	case events.ApprovalRequested:
		c.handleApprovalRequested(ev)
	case events.ApprovalResolved:
		c.store.UpdateApprovals(func(s approvals.Set) approvals.Set { return s.RemoveEverywhere(ev.ID) })
		c.reschedulePrune()
	case events.Unrecognized:
		c.log.Debug("unhandled event", zap.String("event", ev.Event))
	case events.Malformed:
		c.metrics.Record(metrics.EventMalformed, map[string]any{"event": ev.Event})
		c.log.Warn("malformed event", zap.String("event", ev.Event), zap.Error(ev.Err))
	}
}

func (c *Console) handleChat(ctx context.Context, ev events.Chat) {
	agentID, ok := c.store.AgentForSession(ev.SessionKey)
	if !ok {
		c.log.Debug("chat event for unknown session", zap.String("session", ev.SessionKey))
		return
	}
	st, _ := c.store.View(agentID)

	in := policy.ChatInput{
		AgentID:     agentID,
		State:       policy.ChatState(ev.State),
		RunID:       ev.RunID,
		ActiveRunID: st.RunID,
		Status:      st.Status,
		RunClosed:   ev.RunID != "" && c.store.RunClosed(agentID, ev.RunID),
		RunStarted:  ev.RunID != "" && c.store.RunStarted(agentID, ev.RunID),
	}
	var text string
	if ev.Message != nil {
		in.Role = ev.Message.Role
		text = strings.TrimSpace(ev.Message.Text())
		thinking := thinkingText(ev.Message.Blocks())
		if text != "" {
			in.Stream = &text
		}
		if thinking != "" {
			in.Thinking = &thinking
		}
	}
	if in.State == policy.ChatFinal {
		in.RequestHistoryRefresh = true
		in.UpdateLastResult = text != ""
		in.LastResult = text
		in.QueueLatestUpdate = isDigestSession(ev.SessionKey)
	}
	if in.State == policy.ChatError {
		in.EndInError = true
		in.ErrorMessage = ev.ErrorMessage
	}

	intents := policy.DecideChatEvent(in)
	if in.State == policy.ChatFinal && ev.Message != nil && !policy.Blocks(intents) {
		_, err := c.store.AppendLines(agentID, transcript.MessageLines(*ev.Message), agentstore.AppendOptions{
			Source:      transcript.SourceRuntimeChat,
			RunID:       ev.RunID,
			TimestampMs: ev.Message.Timestamp,
		})
		if err != nil {
			c.log.Warn("append final message", zap.String("agent", agentID), zap.Error(err))
		}
	}
	c.apply(ctx, intents)
}

func thinkingText(blocks []gateway.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "thinking" && strings.TrimSpace(b.Thinking) != "" {
			parts = append(parts, strings.TrimSpace(b.Thinking))
		}
	}
	return strings.Join(parts, "\n")
}

// isDigestSession reports whether a session carries heartbeat or cron runs,
// whose finals come with a digest worth fetching.
func isDigestSession(sessionKey string) bool {
	return strings.Contains(sessionKey, ":cron:") || strings.HasSuffix(sessionKey, ":heartbeat")
}

func (c *Console) handleAgent(ctx context.Context, ev events.Agent) {
	agentID, ok := c.agentForAgentEvent(ev)
	if !ok {
		c.log.Debug("agent event for unknown agent", zap.String("run", ev.RunID), zap.String("session", ev.SessionKey))
		return
	}
	st, _ := c.store.View(agentID)

	intents := policy.DecideAgentEvent(policy.AgentInput{
		AgentID:     agentID,
		RunID:       ev.RunID,
		Stream:      ev.Stream,
		Phase:       ev.Phase,
		ActiveRunID: st.RunID,
		RunClosed:   ev.RunID != "" && c.store.RunClosed(agentID, ev.RunID),
	})
	c.apply(ctx, intents)
	if policy.Blocks(intents) {
		return
	}

	switch ev.Stream {
	case policy.StreamLifecycle:
		if ev.Phase == policy.PhaseStart && ev.RunID != "" {
			c.apply(ctx, []policy.Intent{policy.QueueLivePatch{AgentID: agentID, Patch: agent.Patch{
				Status: agent.Ptr(agent.StatusRunning),
				RunID:  agent.Ptr(ev.RunID),
			}}})
		}
	case policy.StreamAssistant:
		text := ev.Text
		if text == "" && ev.Delta != "" {
			text = st.Stream + ev.Delta
		}
		if text != "" {
			c.apply(ctx, []policy.Intent{policy.QueueLivePatch{AgentID: agentID, Patch: agent.Patch{Stream: agent.Ptr(text)}}})
		}
	case policy.StreamTool:
		var line string
		switch ev.Phase {
		case "start":
			line = transcript.ToolCallLine(ev.ToolName, ev.Args)
		case "result":
			line = transcript.ToolResultLine(ev.Result)
		}
		if line == "" {
			return
		}
		if _, err := c.store.AppendLines(agentID, []string{line}, agentstore.AppendOptions{
			Source:      transcript.SourceRuntimeAgent,
			RunID:       ev.RunID,
			Kind:        transcript.KindTool,
			TimestampMs: ev.TimestampMs,
		}); err != nil {
			c.log.Warn("append tool line", zap.String("agent", agentID), zap.Error(err))
		}
	}
}

// agentForAgentEvent finds the agent by session key, falling back to the
// agent whose active run matches.
func (c *Console) agentForAgentEvent(ev events.Agent) (string, bool) {
	if id, ok := c.store.AgentForSession(ev.SessionKey); ok {
		return id, true
	}
	if ev.RunID == "" {
		return "", false
	}
	for _, st := range c.store.Agents() {
		if v, ok := c.store.View(st.ID); ok && v.RunID == ev.RunID {
			return st.ID, true
		}
	}
	return "", false
}

func (c *Console) handleApprovalRequested(ev events.ApprovalRequested) {
	agentID := ""
	if _, ok := c.store.Agent(ev.AgentID); ok {
		agentID = ev.AgentID
	} else if id, ok := c.store.AgentForSession(ev.SessionKey); ok {
		agentID = id
	}
	p := approvals.FromRequest(ev, agentID)
	c.store.UpdateApprovals(func(s approvals.Set) approvals.Set { return s.Upsert(p) })
	c.log.Info("approval requested", zap.String("id", p.ID), zap.String("agent", agentID), zap.String("command", p.Command))
	c.reschedulePrune()
}

// PruneApprovals drops approvals past their grace window and rearms the
// prune timer. It returns the number removed.
func (c *Console) PruneApprovals() int {
	now := clock.NowMs(c.clock)
	removed := 0
	c.store.UpdateApprovals(func(s approvals.Set) approvals.Set {
		s, removed = s.PruneExpired(now, c.graceMs)
		return s
	})
	if removed > 0 {
		c.metrics.Record(metrics.ApprovalsPruned, map[string]any{"count": removed})
	}
	c.reschedulePrune()
	return removed
}

func (c *Console) reschedulePrune() {
	delay, ok := c.store.Approvals().NextPruneDelay(clock.NowMs(c.clock), c.graceMs)
	c.prune.Reschedule(delay, ok)
}

func agentPatchLatest(text string) agent.Patch {
	return agent.Patch{LatestUpdate: agent.Ptr(text)}
}
