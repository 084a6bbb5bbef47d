// Package transcript holds the entry model shared by every source that writes
// to an agent's visible conversation, and the merge that reconciles optimistic
// and live entries against canonical gateway history.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the speaker of an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
	RoleOther     Role = "other"
)

// Kind is a finer content classification than Role.
type Kind string

const (
	KindMeta      Kind = "meta"
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindThinking  Kind = "thinking"
	KindTool      Kind = "tool"
)

// Source records which writer produced an entry.
type Source string

const (
	SourceLocalSend    Source = "local-send"
	SourceRuntimeChat  Source = "runtime-chat"
	SourceRuntimeAgent Source = "runtime-agent"
	SourceHistory      Source = "history"
	SourceLegacy       Source = "legacy"
)

// Line markers understood by the classifier.
const (
	MetaMarker       = "[[meta]]"
	UserMarker       = "> "
	ThinkingMarker   = "[[thinking]]"
	ToolMarker       = "[[tool]]"
	ToolResultMarker = "[[tool-result]]"
)

// Entry is one atomic unit of transcript content.
type Entry struct {
	EntryID     string `json:"entryId"`
	Role        Role   `json:"role"`
	Kind        Kind   `json:"kind"`
	Text        string `json:"text"`
	SessionKey  string `json:"sessionKey"`
	RunID       string `json:"runId,omitempty"`
	Source      Source `json:"source"`
	TimestampMs *int64 `json:"timestampMs,omitempty"`
	SequenceKey int    `json:"sequenceKey"`
	Confirmed   bool   `json:"confirmed"`
	Fingerprint string `json:"fingerprint"`
}

// HasTimestamp reports whether the entry carries a timestamp.
func (e Entry) HasTimestamp() bool { return e.TimestampMs != nil }

// Input describes an entry to construct. Only Line, SessionKey, Source and
// SequenceKey are required; everything else is inferred when left zero.
type Input struct {
	Line        string
	SessionKey  string
	Source      Source
	SequenceKey int

	Role        Role
	Kind        Kind
	RunID       string
	TimestampMs *int64
	// FallbackTimestampMs is used when neither TimestampMs nor a marker
	// embedded timestamp is available.
	FallbackTimestampMs *int64
	EntryID             string
	Confirmed           *bool
}

// New builds an entry from in. It reports false when the line or session key
// is empty; placeholder entries are never produced.
func New(in Input) (Entry, bool) {
	if strings.TrimSpace(in.Line) == "" || strings.TrimSpace(in.SessionKey) == "" {
		return Entry{}, false
	}

	role, kind, markerTs := classify(in.Line)
	if in.Kind != "" {
		kind = in.Kind
		if in.Role == "" {
			role = roleForKind(kind)
		}
	}
	if in.Role != "" {
		role = in.Role
	}

	ts := in.TimestampMs
	if ts == nil {
		ts = markerTs
	}
	if ts == nil {
		ts = in.FallbackTimestampMs
	}

	confirmed := in.Source == SourceHistory
	if in.Confirmed != nil {
		confirmed = *in.Confirmed
	}

	e := Entry{
		Role:        role,
		Kind:        kind,
		Text:        in.Line,
		SessionKey:  in.SessionKey,
		RunID:       in.RunID,
		Source:      in.Source,
		TimestampMs: copyTimestamp(ts),
		SequenceKey: in.SequenceKey,
		Confirmed:   confirmed,
	}
	e.Fingerprint = Fingerprint(e.Role, e.Kind, e.Text, e.SessionKey, e.RunID, e.TimestampMs)
	e.EntryID = in.EntryID
	if e.EntryID == "" {
		e.EntryID = DefaultEntryID(e.Source, e.SessionKey, e.SequenceKey, e.Kind, e.Fingerprint)
	}
	return e, true
}

// MustSessionKey panics on an empty session key. Use it at call sites where
// an empty key can only be a programming error.
func MustSessionKey(key string) string {
	if strings.TrimSpace(key) == "" {
		panic("transcript: empty session key")
	}
	return key
}

// DefaultEntryID derives a stable id so repeated construction of the same
// logical input yields the same id.
func DefaultEntryID(source Source, sessionKey string, seq int, kind Kind, fingerprint string) string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", source, sessionKey, seq, kind, fingerprint)
}

// Ms returns a pointer to ms, for literal timestamps.
func Ms(ms int64) *int64 { return &ms }

func copyTimestamp(ts *int64) *int64 {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}

func roleForKind(kind Kind) Role {
	switch kind {
	case KindMeta:
		return RoleSystem
	case KindUser:
		return RoleUser
	case KindTool:
		return RoleTool
	case KindAssistant, KindThinking:
		return RoleAssistant
	}
	return RoleOther
}

// classify inspects the line's markers. The returned timestamp is only set
// for meta lines whose JSON body carries one.
func classify(line string) (Role, Kind, *int64) {
	trimmed := strings.TrimLeft(line, " \t")
	switch {
	case strings.HasPrefix(trimmed, MetaMarker):
		var meta struct {
			Timestamp *int64 `json:"timestamp"`
		}
		body := strings.TrimSpace(strings.TrimPrefix(trimmed, MetaMarker))
		if err := json.Unmarshal([]byte(body), &meta); err != nil {
			return RoleSystem, KindMeta, nil
		}
		return RoleSystem, KindMeta, meta.Timestamp
	case strings.HasPrefix(trimmed, UserMarker), trimmed == ">":
		return RoleUser, KindUser, nil
	case strings.HasPrefix(trimmed, ThinkingMarker):
		return RoleAssistant, KindThinking, nil
	case strings.HasPrefix(trimmed, ToolMarker), strings.HasPrefix(trimmed, ToolResultMarker):
		return RoleTool, KindTool, nil
	}
	return RoleAssistant, KindAssistant, nil
}
