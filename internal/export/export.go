// Package export renders an agent's transcript for people and tools: indented
// JSON, or Markdown that embeds the JSON so the file parses back losslessly.
package export

import (
	"fmt"
	"time"

	"github.com/fakeyudi/agentconsole/internal/agent"
	"github.com/fakeyudi/agentconsole/internal/approvals"
	"github.com/fakeyudi/agentconsole/internal/snapshot"
	"github.com/fakeyudi/agentconsole/internal/transcript"
)

// Transcript is the complete, renderable export of one agent.
type Transcript struct {
	Agent      AgentMeta           `json:"agent"`
	ExportedAt time.Time           `json:"exported_at"`
	Stats      Stats               `json:"stats"`
	Entries    []transcript.Entry  `json:"entries"`
	Approvals  []approvals.Pending `json:"approvals"`
}

// AgentMeta is the agent summary carried in an export.
type AgentMeta struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	SessionKey   string            `json:"session_key"`
	SessionEpoch int               `json:"session_epoch"`
	Status       agent.Status      `json:"status"`
	RunID        string            `json:"run_id,omitempty"`
	LastResult   string            `json:"last_result,omitempty"`
	LatestUpdate string            `json:"latest_update,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Revision     int               `json:"transcript_revision"`
	History      agent.HistoryMeta `json:"history"`
}

// Stats counts entries by confirmation and source.
type Stats struct {
	Entries   int            `json:"entries"`
	Confirmed int            `json:"confirmed"`
	BySource  map[string]int `json:"by_source"`
}

// FromState builds an export of st with its pending approvals.
func FromState(st *agent.State, pending []approvals.Pending, exportedAt time.Time) *Transcript {
	t := &Transcript{
		Agent: AgentMeta{
			ID:           st.ID,
			Name:         st.Name,
			SessionKey:   st.SessionKey,
			SessionEpoch: st.SessionEpoch,
			Status:       st.Status,
			RunID:        st.RunID,
			LastResult:   st.LastResult,
			LatestUpdate: st.LatestUpdate,
			LastError:    st.LastError,
			Revision:     st.TranscriptRevision,
			History:      st.History,
		},
		ExportedAt: exportedAt.UTC().Truncate(time.Second),
		Entries:    append([]transcript.Entry{}, st.Entries...),
		Approvals:  append([]approvals.Pending{}, pending...),
	}
	t.Stats = Summarize(t.Entries)
	return t
}

// FromSnapshot builds an export from a persisted snapshot.
func FromSnapshot(snap *snapshot.Snapshot, exportedAt time.Time) (*Transcript, error) {
	if snap == nil || snap.Agent == nil {
		return nil, fmt.Errorf("snapshot has no agent state")
	}
	return FromState(snap.Agent, snap.Approvals, exportedAt), nil
}

// Summarize counts entries.
func Summarize(entries []transcript.Entry) Stats {
	s := Stats{Entries: len(entries), BySource: map[string]int{}}
	for _, e := range entries {
		if e.Confirmed {
			s.Confirmed++
		}
		s.BySource[string(e.Source)]++
	}
	return s
}
