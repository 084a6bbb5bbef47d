package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fakeyudi/agentconsole/internal/gateway"
	"github.com/fakeyudi/agentconsole/internal/transcript"
)

var (
	mergeMessages bool
	mergeSession  string
)

var mergeCmd = &cobra.Command{
	Use:   "merge <existing.json> <incoming.json>",
	Short: "Merge canonical entries into an existing entry set and print the result",
	Long: `Merge reads two JSON files of transcript entries, either a bare array or an
object with an "entries" field (exports and snapshots qualify), and prints the
merge result as JSON. With --messages the incoming file holds chat.history
messages, which are converted to canonical entries for --session first.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		existing, err := readEntries(args[0])
		if err != nil {
			return err
		}

		var incoming []transcript.Entry
		if mergeMessages {
			if mergeSession == "" {
				return fmt.Errorf("--messages requires --session")
			}
			data, err := readInput(args[1])
			if err != nil {
				return err
			}
			var msgs []gateway.Message
			if err := json.Unmarshal(data, &msgs); err != nil {
				return fmt.Errorf("parse messages %s: %w", args[1], err)
			}
			incoming = transcript.EntriesFromMessages(msgs, mergeSession, nextSequence(existing))
		} else {
			if incoming, err = readEntries(args[1]); err != nil {
				return err
			}
		}

		res := transcript.Merge(existing, incoming)
		logger.Debug("merged entries",
			zap.Int("existing", len(existing)),
			zap.Int("incoming", len(incoming)),
			zap.Int("conflicts", res.ConflictCount))
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func readInput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, err
	}
	return data, nil
}

// readEntries accepts a JSON array of entries or any object carrying them
// under "entries" (at the top level or inside "agent").
func readEntries(path string) ([]transcript.Entry, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var entries []transcript.Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse entries %s: %w", path, err)
		}
		return entries, nil
	}
	var doc struct {
		Entries []transcript.Entry `json:"entries"`
		Agent   *struct {
			Entries []transcript.Entry `json:"entries"`
		} `json:"agent"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse entries %s: %w", path, err)
	}
	if doc.Entries == nil && doc.Agent != nil {
		return doc.Agent.Entries, nil
	}
	return doc.Entries, nil
}

func nextSequence(entries []transcript.Entry) int {
	next := 0
	for _, e := range entries {
		if e.SequenceKey >= next {
			next = e.SequenceKey + 1
		}
	}
	return next
}

func init() {
	mergeCmd.Flags().BoolVar(&mergeMessages, "messages", false, "incoming file holds chat.history messages")
	mergeCmd.Flags().StringVar(&mergeSession, "session", "", "session key for converted messages")
	rootCmd.AddCommand(mergeCmd)
}
