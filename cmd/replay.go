package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/agentconsole/internal/agentstore"
	"github.com/fakeyudi/agentconsole/internal/archive"
	"github.com/fakeyudi/agentconsole/internal/export"
	"github.com/fakeyudi/agentconsole/internal/scenario"
	"github.com/fakeyudi/agentconsole/internal/snapshot"
)

var replaySave bool

var replayCmd = &cobra.Command{
	Use:   "replay <scenario.yaml>",
	Short: "Play a scenario file through the console and check its expectations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := scenario.Load(args[0])
		if err != nil {
			return err
		}

		cfg := GetConfig()
		archivePath := cfg.ArchivePath
		if archivePath == "" {
			archivePath = archive.InMemory
		}
		res, err := scenario.Run(cmd.Context(), sc,
			scenario.WithLogger(logger),
			scenario.WithArchivePath(archivePath),
			scenario.WithHistoryLimits(cfg.HistoryDefaultLimit, cfg.HistoryMaxLimit),
			scenario.WithApprovalGrace(cfg.ApprovalGraceMs))
		if err != nil {
			return fmt.Errorf("replay %s: %w", sc.Name, err)
		}

		out := cmd.OutOrStdout()
		printStore(out, res.Store)
		if len(res.Outcomes) > 0 {
			fmt.Fprintln(out, "## Approval outcomes")
			for _, o := range res.Outcomes {
				fmt.Fprintf(out, "  %s\n", o)
			}
			fmt.Fprintln(out)
		}
		printMetrics(out, res.Metrics)

		if replaySave {
			store, err := snapshotStore()
			if err != nil {
				return err
			}
			if err := snapshot.SaveAll(store, res.Store, time.Now().UnixMilli()); err != nil {
				return fmt.Errorf("save snapshots: %w", err)
			}
			fmt.Fprintf(out, "Saved %d snapshot(s).\n", len(res.Store.Agents()))
		}

		if problems := scenario.Check(sc, res); len(problems) > 0 {
			fmt.Fprintln(out, "## Expectation mismatches")
			for _, p := range problems {
				fmt.Fprintf(out, "  %s\n", p)
			}
			return fmt.Errorf("scenario %s: %d expectation(s) not met", sc.Name, len(problems))
		}
		fmt.Fprintf(out, "Scenario %s passed.\n", sc.Name)
		return nil
	},
}

// printStore writes every agent's transcript in the export's entry format.
func printStore(w io.Writer, store *agentstore.Store) {
	set := store.Approvals()
	for _, st := range store.Agents() {
		fmt.Fprintf(w, "## %s (%s)\n", st.ID, st.Status)
		if len(st.Entries) == 0 {
			fmt.Fprintln(w, "  (no entries)")
		}
		for _, e := range st.Entries {
			fmt.Fprintln(w, export.FormatEntry(e))
		}
		if n := len(set.ForAgent(st.ID)); n > 0 {
			fmt.Fprintf(w, "  %d pending approval(s)\n", n)
		}
		fmt.Fprintln(w)
	}
}

func printMetrics(w io.Writer, m map[string]int) {
	if len(m) == 0 {
		return
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "## Metrics")
	for _, name := range names {
		fmt.Fprintf(w, "  %-40s %d\n", name, m[name])
	}
	fmt.Fprintln(w)
}

func init() {
	replayCmd.Flags().BoolVar(&replaySave, "save", false, "persist agent snapshots after the run")
	rootCmd.AddCommand(replayCmd)
}
