package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/agentstore"
	"github.com/fakeyudi/agentconsole/internal/approvals"
	"github.com/fakeyudi/agentconsole/internal/archive"
	"github.com/fakeyudi/agentconsole/internal/clock"
	"github.com/fakeyudi/agentconsole/internal/console"
	"github.com/fakeyudi/agentconsole/internal/events"
	"github.com/fakeyudi/agentconsole/internal/gateway"
	"github.com/fakeyudi/agentconsole/internal/historysync"
	"github.com/fakeyudi/agentconsole/internal/metrics"
)

// Result is the state a scenario run ends in.
type Result struct {
	Store   *agentstore.Store
	Metrics map[string]int
	// Outcomes lists the outcome of every resolve step, in order.
	Outcomes []string
}

type runOptions struct {
	log          *zap.Logger
	archivePath  string
	defaultLimit int
	maxLimit     int
	graceMs      int64
}

// Option configures Run.
type Option func(*runOptions)

// WithLogger sets the logger handed to every component.
func WithLogger(log *zap.Logger) Option {
	return func(o *runOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithArchivePath backs the run with an archive file instead of memory.
func WithArchivePath(path string) Option {
	return func(o *runOptions) { o.archivePath = path }
}

// WithHistoryLimits sets the default and maximum history fetch sizes.
func WithHistoryLimits(defaultLimit, maxLimit int) Option {
	return func(o *runOptions) { o.defaultLimit, o.maxLimit = defaultLimit, maxLimit }
}

// WithApprovalGrace sets the approval prune grace window.
func WithApprovalGrace(ms int64) Option {
	return func(o *runOptions) { o.graceMs = ms }
}

// Run plays the scenario through a console backed by a SQLite archive and a
// fake clock. Every step is settled before the next one starts.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{
		log:          zap.NewNop(),
		archivePath:  archive.InMemory,
		defaultLimit: historysync.DefaultLimit,
		maxLimit:     historysync.DefaultMaxLimit,
		graceMs:      console.DefaultApprovalGraceMs,
	}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.Named("scenario").With(zap.String("scenario", sc.Name))

	arc, err := archive.Open(o.archivePath, archive.WithLogger(o.log))
	if err != nil {
		return nil, err
	}
	defer arc.Close()
	if err := seed(ctx, arc, sc); err != nil {
		return nil, err
	}

	counter := metrics.NewCounter()
	recorder := metrics.Tee{counter, metrics.NewLogger(o.log)}
	fake := clock.Fake(time.UnixMilli(sc.StartMs))
	store := agentstore.New(agentstore.WithMetrics(recorder), agentstore.WithLogger(o.log))
	for _, a := range sc.Agents {
		if err := store.AddAgent(agent.State{ID: a.ID, Name: a.Name, SessionKey: a.Session, SessionCreated: true}); err != nil {
			return nil, err
		}
	}
	syncer := historysync.New(arc, store.Agent,
		historysync.WithLimits(o.defaultLimit, o.maxLimit),
		historysync.WithClock(fake),
		historysync.WithLogger(o.log))
	con := console.New(store, syncer,
		console.WithApprovalClient(newScriptedApprovals(sc.Approvals)),
		console.WithLatestUpdates(arc.LatestUpdate),
		console.WithClock(fake),
		console.WithMetrics(recorder),
		console.WithLogger(o.log),
		console.WithApprovalGrace(o.graceMs))
	defer con.Close()

	res := &Result{Store: store}
	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug("step", zap.Int("index", i), zap.String("kind", st.Kind()))
		outcome, err := runStep(ctx, con, arc, fake, st)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, st.Kind(), err)
		}
		if outcome != "" {
			res.Outcomes = append(res.Outcomes, outcome)
		}
		if err := con.Settle(ctx); err != nil {
			return nil, fmt.Errorf("step %d (%s): settle: %w", i, st.Kind(), err)
		}
	}
	res.Metrics = counter.Snapshot()
	return res, nil
}

func seed(ctx context.Context, arc *archive.Archive, sc *Scenario) error {
	for session, msgs := range sc.History {
		for i, m := range msgs {
			gm, err := m.Gateway()
			if err != nil {
				return fmt.Errorf("history %s[%d]: %w", session, i, err)
			}
			if err := arc.Put(ctx, session, i, gm); err != nil {
				return err
			}
		}
	}
	for id, text := range sc.Latest {
		if err := arc.SetLatestUpdate(ctx, id, text, sc.StartMs); err != nil {
			return err
		}
	}
	return nil
}

func runStep(ctx context.Context, con *console.Console, arc *archive.Archive, fake *clock.FakeClock, st Step) (string, error) {
	switch {
	case st.Send != nil:
		_, err := con.Send(st.Send.Agent, st.Send.Text)
		return "", err
	case st.Frame != nil:
		var payload json.RawMessage
		if st.Frame.Payload != nil {
			raw, err := json.Marshal(st.Frame.Payload)
			if err != nil {
				return "", fmt.Errorf("frame payload: %w", err)
			}
			payload = raw
		}
		con.Handle(ctx, events.DecodeFrame(events.Frame{Event: st.Frame.Event, Payload: payload}))
	case st.Sync != nil:
		con.SyncHistory(ctx, st.Sync.Agent, st.Sync.Limit)
	case st.Reset != nil:
		return "", con.Store().ResetSession(st.Reset.Agent, st.Reset.Session)
	case st.Resolve != nil:
		decision, err := gateway.ParseDecision(st.Resolve.Decision)
		if err != nil {
			return "", err
		}
		var result string
		con.ResolveApproval(ctx, st.Resolve.ID, decision, func(outcome approvals.Outcome, err error) {
			result = outcome.String()
			if err != nil {
				// A rejected decision is part of the scenario, not a failure of it.
				result += ": " + err.Error()
			}
		})
		if err := con.Settle(ctx); err != nil {
			return "", err
		}
		return result, nil
	case st.Tick > 0:
		fake.Advance(st.Tick)
	case st.Publish != nil:
		msgs := make([]gateway.Message, 0, len(st.Publish.Messages))
		for _, m := range st.Publish.Messages {
			gm, err := m.Gateway()
			if err != nil {
				return "", err
			}
			msgs = append(msgs, gm)
		}
		return "", arc.Append(ctx, st.Publish.Session, msgs...)
	}
	return "", nil
}

// scriptedApprovals answers resolve calls from the scenario's approvals map.
type scriptedApprovals struct {
	mu      sync.Mutex
	answers map[string]string
}

func newScriptedApprovals(answers map[string]string) *scriptedApprovals {
	return &scriptedApprovals{answers: answers}
}

func (s *scriptedApprovals) ResolveApproval(_ context.Context, id string, _ gateway.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	answer := strings.TrimSpace(s.answers[id])
	switch {
	case answer == "" || answer == "ok":
		return nil
	case answer == "unknown":
		return &gateway.RPCError{Method: "exec.approval.resolve", Code: "unknown_id", Message: "unknown approval id " + id}
	case answer == "disconnect":
		return gateway.ErrDisconnected
	case strings.HasPrefix(answer, "error:"):
		return &gateway.RPCError{Method: "exec.approval.resolve", Message: strings.TrimSpace(strings.TrimPrefix(answer, "error:"))}
	}
	return fmt.Errorf("scenario: unsupported approval answer %q", answer)
}

func (s *scriptedApprovals) WaitAgent(context.Context, string, time.Duration) (string, error) {
	return "ok", nil
}

// Check compares the result with the scenario's expectations and returns
// one line per mismatch.
func Check(sc *Scenario, res *Result) []string {
	var problems []string
	for id, want := range sc.Expect {
		st, ok := res.Store.Agent(id)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: agent missing", id))
			continue
		}
		if want.Status != "" && st.Status != want.Status {
			problems = append(problems, fmt.Sprintf("%s: status %s, want %s", id, st.Status, want.Status))
		}
		if want.Entries != nil && len(st.Entries) != *want.Entries {
			problems = append(problems, fmt.Sprintf("%s: %d entries, want %d", id, len(st.Entries), *want.Entries))
		}
		if want.Confirmed != nil {
			n := 0
			for _, e := range st.Entries {
				if e.Confirmed {
					n++
				}
			}
			if n != *want.Confirmed {
				problems = append(problems, fmt.Sprintf("%s: %d confirmed entries, want %d", id, n, *want.Confirmed))
			}
		}
		if want.Texts != nil {
			got := make([]string, len(st.Entries))
			for i, e := range st.Entries {
				got[i] = e.Text
			}
			if strings.Join(got, "\n") != strings.Join(want.Texts, "\n") {
				problems = append(problems, fmt.Sprintf("%s: texts %q, want %q", id, got, want.Texts))
			}
		}
		if want.Approvals != nil {
			if n := len(res.Store.Approvals().ForAgent(id)); n != *want.Approvals {
				problems = append(problems, fmt.Sprintf("%s: %d approvals, want %d", id, n, *want.Approvals))
			}
		}
	}
	return problems
}
