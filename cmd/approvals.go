package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/agentconsole/internal/approvals"
	"github.com/fakeyudi/agentconsole/internal/snapshot"
)

var approvalsPrune bool

var approvalsCmd = &cobra.Command{
	Use:   "approvals <agent>",
	Short: "List the pending exec approvals saved with an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := snapshotStore()
		if err != nil {
			return err
		}
		snap, err := store.Load(args[0])
		if err != nil {
			if errors.Is(err, snapshot.ErrNoSnapshot) {
				return fmt.Errorf("no snapshot for agent %s", args[0])
			}
			return err
		}

		nowMs := time.Now().UnixMilli()
		graceMs := GetConfig().ApprovalGraceMs
		if approvalsPrune {
			var set approvals.Set
			for i := len(snap.Approvals) - 1; i >= 0; i-- {
				p := snap.Approvals[i]
				p.AgentID = snap.Agent.ID
				set = set.Upsert(p)
			}
			set, removed := set.PruneExpired(nowMs, graceMs)
			if removed > 0 {
				snap.Approvals = set.ForAgent(snap.Agent.ID)
				if err := store.Save(snap); err != nil {
					return err
				}
			}
			cmd.Printf("Pruned %d expired approval(s).\n", removed)
		}

		if len(snap.Approvals) == 0 {
			cmd.Println("no pending approvals")
			return nil
		}
		for _, p := range snap.Approvals {
			state := "pending"
			if approvals.Expired(p, nowMs, graceMs) {
				state = "expired"
			}
			cmd.Printf("%s  [%s]  %s\n", p.ID, state, p.Command)
			if p.Cwd != "" {
				cmd.Printf("    cwd: %s\n", p.Cwd)
			}
			cmd.Printf("    expires: %s\n", time.UnixMilli(p.ExpiresAtMs).Format(time.RFC3339))
			if p.Error != "" {
				cmd.Printf("    last error: %s\n", p.Error)
			}
		}
		return nil
	},
}

func init() {
	approvalsCmd.Flags().BoolVar(&approvalsPrune, "prune", false, "drop approvals past their expiry and grace window, and save")
	rootCmd.AddCommand(approvalsCmd)
}
