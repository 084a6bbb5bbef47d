// Package agent defines the per-agent state the console keeps and the patch
// shape used to change it.
package agent

import (
	"github.com/fakeyudi/agentconsole/internal/transcript"
)

// Status is the coarse run state of an agent session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// HistoryMeta describes the last canonical history response that was applied.
type HistoryMeta struct {
	LoadedAt             int64  `json:"loadedAt" cbor:"loadedAt"`
	FetchLimit           int    `json:"fetchLimit" cbor:"fetchLimit"`
	FetchedCount         int    `json:"fetchedCount" cbor:"fetchedCount"`
	MaybeTruncated       bool   `json:"maybeTruncated" cbor:"maybeTruncated"`
	LastAppliedRequestID string `json:"lastAppliedRequestId" cbor:"lastAppliedRequestId"`
}

// State is everything the console knows about one agent.
type State struct {
	ID             string `json:"id" cbor:"id"`
	Name           string `json:"name,omitempty" cbor:"name,omitempty"`
	SessionKey     string `json:"sessionKey" cbor:"sessionKey"`
	SessionCreated bool   `json:"sessionCreated" cbor:"sessionCreated"`
	// SessionEpoch is bumped on every session reset.
	SessionEpoch int    `json:"sessionEpoch" cbor:"sessionEpoch"`
	Status       Status `json:"status" cbor:"status"`
	// RunID is the active run, empty when none.
	RunID      string `json:"runId,omitempty" cbor:"runId,omitempty"`
	Stream     string `json:"stream,omitempty" cbor:"stream,omitempty"`
	Thinking   string `json:"thinking,omitempty" cbor:"thinking,omitempty"`
	LastResult string `json:"lastResult,omitempty" cbor:"lastResult,omitempty"`
	// LatestUpdate is the digest fetched by the last latest-update side fetch.
	LatestUpdate string `json:"latestUpdate,omitempty" cbor:"latestUpdate,omitempty"`
	LastError    string `json:"lastError,omitempty" cbor:"lastError,omitempty"`

	Entries []transcript.Entry `json:"entries" cbor:"entries"`
	// NextSequence is the sequence key the next new entry receives.
	NextSequence int `json:"nextSequence" cbor:"nextSequence"`
	// TranscriptRevision increments whenever Entries changes.
	TranscriptRevision int         `json:"transcriptRevision" cbor:"transcriptRevision"`
	History            HistoryMeta `json:"history" cbor:"history"`
}

// Clone returns a copy that shares nothing mutable with s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Entries = append([]transcript.Entry(nil), s.Entries...)
	return &c
}

// Patch is a partial update. Nil fields are left alone. A non-nil Entries
// slice replaces the transcript; an empty non-nil slice clears it.
type Patch struct {
	Status       *Status
	RunID        *string
	Stream       *string
	Thinking     *string
	LastResult   *string
	LatestUpdate *string
	LastError    *string
	Entries      []transcript.Entry
	NextSequence *int
	History      *HistoryMeta
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.Status == nil && p.RunID == nil && p.Stream == nil && p.Thinking == nil &&
		p.LastResult == nil && p.LatestUpdate == nil && p.LastError == nil &&
		p.Entries == nil && p.NextSequence == nil && p.History == nil
}

// Merge layers next over p. Fields set in next win.
func (p Patch) Merge(next Patch) Patch {
	if next.Status != nil {
		p.Status = next.Status
	}
	if next.RunID != nil {
		p.RunID = next.RunID
	}
	if next.Stream != nil {
		p.Stream = next.Stream
	}
	if next.Thinking != nil {
		p.Thinking = next.Thinking
	}
	if next.LastResult != nil {
		p.LastResult = next.LastResult
	}
	if next.LatestUpdate != nil {
		p.LatestUpdate = next.LatestUpdate
	}
	if next.LastError != nil {
		p.LastError = next.LastError
	}
	if next.Entries != nil {
		p.Entries = next.Entries
	}
	if next.NextSequence != nil {
		p.NextSequence = next.NextSequence
	}
	if next.History != nil {
		p.History = next.History
	}
	return p
}

// Apply writes the patch into s and reports whether the transcript changed.
// TranscriptRevision is bumped when it did.
func (s *State) Apply(p Patch) bool {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.RunID != nil {
		s.RunID = *p.RunID
	}
	if p.Stream != nil {
		s.Stream = *p.Stream
	}
	if p.Thinking != nil {
		s.Thinking = *p.Thinking
	}
	if p.LastResult != nil {
		s.LastResult = *p.LastResult
	}
	if p.LatestUpdate != nil {
		s.LatestUpdate = *p.LatestUpdate
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.NextSequence != nil && *p.NextSequence > s.NextSequence {
		s.NextSequence = *p.NextSequence
	}
	if p.History != nil {
		s.History = *p.History
	}
	if p.Entries == nil {
		return false
	}
	s.Entries = append([]transcript.Entry(nil), p.Entries...)
	s.TranscriptRevision++
	return true
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }
