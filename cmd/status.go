package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/agentconsole/internal/export"
	"github.com/fakeyudi/agentconsole/internal/snapshot"
)

var statusCmd = &cobra.Command{
	Use:   "status [agent]",
	Short: "Summarise saved agent snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := snapshotStore()
		if err != nil {
			return err
		}

		ids := args
		if len(ids) == 0 {
			if ids, err = store.List(); err != nil {
				return err
			}
			if len(ids) == 0 {
				cmd.Println("no saved agents")
				return nil
			}
		}

		for _, id := range ids {
			snap, err := store.Load(id)
			if err != nil {
				if errors.Is(err, snapshot.ErrNoSnapshot) {
					return fmt.Errorf("no snapshot for agent %s", id)
				}
				return err
			}
			st := snap.Agent
			stats := export.Summarize(st.Entries)
			cmd.Printf("Agent: %s\n", st.ID)
			cmd.Printf("Session: %s (epoch %d)\n", st.SessionKey, st.SessionEpoch)
			cmd.Printf("Status: %s\n", st.Status)
			cmd.Printf("Saved: %s\n", time.UnixMilli(snap.SavedAtMs).Format(time.RFC3339))
			cmd.Printf("Entries: %d\n", stats.Entries)
			cmd.Printf("Confirmed: %d\n", stats.Confirmed)
			cmd.Printf("Approvals: %d\n", len(snap.Approvals))
			if st.History.MaybeTruncated {
				cmd.Println("History: possibly truncated")
			}
			cmd.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
