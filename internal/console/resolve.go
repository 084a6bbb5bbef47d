package console

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fakeyudi/agentconsole/internal/approvals"
	"github.com/fakeyudi/agentconsole/internal/gateway"
	"github.com/fakeyudi/agentconsole/internal/transcript"
)

var errNoApprovalClient = errors.New("no approval client configured")

// Send records an optimistic echo of text for agentID. Delivery belongs to
// the transport.
func (c *Console) Send(agentID, text string) (transcript.Entry, error) {
	return c.store.SendLocal(agentID, text, c.clock.Now().UnixMilli())
}

// ResolveFunc receives the outcome of ResolveApproval on the actor.
type ResolveFunc func(approvals.Outcome, error)

// ResolveApproval submits decision for approval id. The resolve call runs off
// the actor; done, when non-nil, runs on the actor once its outcome has been
// applied. done is not called if the console closes first.
//
// Success and unknown-id errors remove the approval. A disconnect leaves it in
// place, re-enabled, and is not an error. Any other failure is stored on the
// approval and passed to done. After an allow decision the owning agent's
// active run is awaited, best effort, and its history refreshed; neither
// holds up the actor.
func (c *Console) ResolveApproval(ctx context.Context, id string, decision gateway.Decision, done ResolveFunc) {
	if done == nil {
		done = func(approvals.Outcome, error) {}
	}
	if c.approver == nil {
		done(approvals.Failed, errNoApprovalClient)
		return
	}
	var (
		pending  approvals.Pending
		beginErr error
	)
	c.store.UpdateApprovals(func(s approvals.Set) approvals.Set {
		s, pending, beginErr = approvals.BeginResolve(s, id)
		return s
	})
	if beginErr != nil {
		done(approvals.Failed, beginErr)
		return
	}

	c.launch(func() func() {
		rpcErr := c.approver.ResolveApproval(ctx, id, decision)
		return func() { done(c.finishResolve(ctx, pending, decision, rpcErr)) }
	}, nil)
}

func (c *Console) finishResolve(ctx context.Context, pending approvals.Pending, decision gateway.Decision, rpcErr error) (approvals.Outcome, error) {
	id := pending.ID
	var outcome approvals.Outcome
	c.store.UpdateApprovals(func(s approvals.Set) approvals.Set {
		s, outcome = approvals.FinishResolve(s, id, rpcErr, c.isDisconnect)
		return s
	})
	c.reschedulePrune()

	log := c.log.With(zap.String("approval", id), zap.String("decision", string(decision)), zap.Stringer("outcome", outcome))
	switch outcome {
	case approvals.Failed:
		log.Warn("approval resolve failed", zap.Error(rpcErr))
		return outcome, fmt.Errorf("resolve approval %s: %w", id, rpcErr)
	case approvals.SoftFailure:
		log.Debug("approval resolve interrupted", zap.Error(rpcErr))
		return outcome, nil
	}
	log.Info("approval resolved")
	if outcome == approvals.Resolved && decision.Allows() {
		c.afterAllow(ctx, pending)
	}
	return outcome, nil
}

// afterAllow waits for the owning agent's active run in the background, then
// refreshes its history on the actor.
func (c *Console) afterAllow(ctx context.Context, p approvals.Pending) {
	agentID := p.AgentID
	if agentID == "" {
		id, ok := c.store.AgentForSession(p.SessionKey)
		if !ok {
			return
		}
		agentID = id
	}
	st, ok := c.store.View(agentID)
	if !ok {
		return
	}
	if st.RunID == "" {
		c.requestSync(ctx, agentID, "approval-allowed")
		return
	}
	runID := st.RunID
	c.launch(func() func() {
		status, err := c.approver.WaitAgent(ctx, runID, c.waitTimeout)
		if err != nil {
			c.log.Debug("agent.wait after approval", zap.String("run", runID), zap.Error(err))
		} else {
			c.log.Debug("agent.wait after approval", zap.String("run", runID), zap.String("status", status))
		}
		return func() { c.requestSync(ctx, agentID, "approval-allowed") }
	}, nil)
}
