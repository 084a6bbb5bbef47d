package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/agentconsole/internal/export"
	"github.com/fakeyudi/agentconsole/internal/snapshot"
	"github.com/fakeyudi/agentconsole/internal/tui"
)

var plainOutput bool

var viewCmd = &cobra.Command{
	Use:   "view <file>",
	Short: "View an exported transcript or a snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		data, err := readInput(path)
		if err != nil {
			return err
		}

		t, err := loadViewable(data)
		if err != nil {
			return err
		}

		if plainOutput || !term.IsTerminal(os.Stdout.Fd()) {
			printTranscript(cmd.OutOrStdout(), t)
			return nil
		}
		return tui.Run(t, path)
	},
}

// loadViewable parses a JSON snapshot or an export in either format.
func loadViewable(data []byte) (*export.Transcript, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var snap snapshot.Snapshot
		if err := json.Unmarshal(trimmed, &snap); err == nil && snap.Version != 0 && snap.Agent != nil {
			return export.FromSnapshot(&snap, time.UnixMilli(snap.SavedAtMs))
		}
	}
	t, err := export.Parse(data)
	if err != nil {
		return nil, err
	}
	if t.Agent.ID == "" {
		return nil, fmt.Errorf("file holds no agent transcript")
	}
	return t, nil
}

// printTranscript writes a plain-text rendition to w.
func printTranscript(w io.Writer, t *export.Transcript) {
	a := t.Agent
	fmt.Fprintln(w, "## Summary")
	fmt.Fprintf(w, "  Agent:     %s\n", a.ID)
	fmt.Fprintf(w, "  Session:   %s (epoch %d)\n", a.SessionKey, a.SessionEpoch)
	fmt.Fprintf(w, "  Status:    %s\n", a.Status)
	fmt.Fprintf(w, "  Entries:   %d (%d confirmed)\n", t.Stats.Entries, t.Stats.Confirmed)
	if a.LastResult != "" {
		fmt.Fprintf(w, "  Result:    %s\n", a.LastResult)
	}
	if a.LatestUpdate != "" {
		fmt.Fprintf(w, "  Update:    %s\n", a.LatestUpdate)
	}
	if a.LastError != "" {
		fmt.Fprintf(w, "  Error:     %s\n", a.LastError)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Transcript")
	if len(t.Entries) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, e := range t.Entries {
		fmt.Fprintln(w, export.FormatEntry(e))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Pending Approvals")
	if len(t.Approvals) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, p := range t.Approvals {
		fmt.Fprintf(w, "  %s  %s  (expires %s)\n", p.ID, p.Command, time.UnixMilli(p.ExpiresAtMs).UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(w)
}

func init() {
	viewCmd.Flags().BoolVar(&plainOutput, "plain", false, "plain text output instead of TUI")
	rootCmd.AddCommand(viewCmd)
}
