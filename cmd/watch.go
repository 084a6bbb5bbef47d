package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/agentstore"
	"github.com/fakeyudi/agentconsole/internal/archive"
	"github.com/fakeyudi/agentconsole/internal/console"
	"github.com/fakeyudi/agentconsole/internal/events"
	"github.com/fakeyudi/agentconsole/internal/feed"
	"github.com/fakeyudi/agentconsole/internal/historysync"
	"github.com/fakeyudi/agentconsole/internal/metrics"
	"github.com/fakeyudi/agentconsole/internal/snapshot"
)

var (
	watchAgent   string
	watchSession string
	watchSave    bool
	watchOnce    bool
	watchFromEnd bool
)

// frameBuffer bounds how far the tail may run ahead of the console.
const frameBuffer = 256

var watchCmd = &cobra.Command{
	Use:   "watch <frames.jsonl>",
	Short: "Tail a file of runtime frames and feed them to the console",
	Long: `Watch follows a JSON-lines file of gateway frames and applies each one to
the agent given by --agent. A saved snapshot of the agent is restored when one
exists; otherwise --session is required. Watching stops on interrupt, or at
the end of the file with --once.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchAgent == "" {
			return fmt.Errorf("--agent is required")
		}
		cfg := GetConfig()

		snaps, err := snapshotStore()
		if err != nil {
			return err
		}
		counter := metrics.NewCounter()
		recorder := metrics.Tee{counter, metrics.NewLogger(logger)}
		store := agentstore.New(agentstore.WithMetrics(recorder), agentstore.WithLogger(logger))
		if err := loadAgent(snaps, store); err != nil {
			return err
		}

		archivePath := cfg.ArchivePath
		if archivePath == "" {
			archivePath = archive.InMemory
		}
		arc, err := archive.Open(archivePath, archive.WithLogger(logger))
		if err != nil {
			return err
		}
		defer arc.Close()

		syncer := historysync.New(arc, store.Agent,
			historysync.WithLimits(cfg.HistoryDefaultLimit, cfg.HistoryMaxLimit),
			historysync.WithLogger(logger))
		con := console.New(store, syncer,
			console.WithLatestUpdates(arc.LatestUpdate),
			console.WithMetrics(recorder),
			console.WithLogger(logger),
			console.WithApprovalGrace(cfg.ApprovalGraceMs))
		defer con.Close()

		if watchOnce {
			err = replayFile(cmd.Context(), con, args[0])
		} else {
			err = follow(cmd.Context(), con, args[0])
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printStore(out, store)
		printMetrics(out, counter.Snapshot())
		if watchSave {
			if err := snapshot.SaveAll(snaps, store, time.Now().UnixMilli()); err != nil {
				return fmt.Errorf("save snapshots: %w", err)
			}
			fmt.Fprintf(out, "Saved snapshot for %s.\n", watchAgent)
		}
		return nil
	},
}

// loadAgent restores the watched agent from its snapshot, or registers it
// fresh under --session.
func loadAgent(snaps snapshot.Store, store *agentstore.Store) error {
	err := snapshot.Restore(snaps, store, watchAgent)
	switch {
	case err == nil:
		if watchSession != "" {
			if st, _ := store.Agent(watchAgent); st.SessionKey != watchSession {
				return store.ResetSession(watchAgent, watchSession)
			}
		}
		return nil
	case !errors.Is(err, snapshot.ErrNoSnapshot):
		return err
	}
	if watchSession == "" {
		return fmt.Errorf("no snapshot for agent %s: --session is required", watchAgent)
	}
	return store.AddAgent(agent.State{ID: watchAgent, SessionKey: watchSession, SessionCreated: true})
}

// replayFile feeds every frame already in path and returns once the console
// has settled.
func replayFile(ctx context.Context, con *console.Console, path string) error {
	evs, err := feed.ReadAll(path)
	if err != nil {
		return fmt.Errorf("read frames: %w", err)
	}
	ch := make(chan events.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return con.Run(ctx, ch)
}

// follow tails path until interrupted.
func follow(ctx context.Context, con *console.Console, path string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var opts []feed.Option
	opts = append(opts, feed.WithLogger(logger))
	if watchFromEnd {
		opts = append(opts, feed.FromEnd())
	}
	tail := feed.New(path, opts...)
	ch := make(chan events.Event, frameBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ch)
		return tail.Run(gctx, ch)
	})
	g.Go(func() error {
		return con.Run(gctx, ch)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("watch stopped", zap.String("path", path))
		return nil
	}
	return err
}

func init() {
	watchCmd.Flags().StringVar(&watchAgent, "agent", "", "agent id the frames belong to")
	watchCmd.Flags().StringVar(&watchSession, "session", "", "session key for a new agent")
	watchCmd.Flags().BoolVar(&watchSave, "save", false, "persist the agent snapshot on exit")
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "apply the frames already in the file and exit")
	watchCmd.Flags().BoolVar(&watchFromEnd, "from-end", false, "skip frames written before the watch started")
	rootCmd.AddCommand(watchCmd)
}
