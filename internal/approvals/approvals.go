// Package approvals tracks exec approvals waiting for a human decision.
//
// Approvals live either in a per-agent bucket or, when the owning agent could
// not be resolved at request time, in an unscoped list. Every helper returns
// new collections and leaves its inputs untouched. After any operation an id
// appears in at most one place and no agent bucket is empty.
package approvals

import (
	"errors"
	"maps"
	"slices"

	"github.com/fakeyudi/agentconsole/internal/events"
)

var (
	// ErrNotFound is returned when no pending approval has the given id.
	ErrNotFound = errors.New("approval not found")
	// ErrAlreadyResolving is returned when a resolve is already in flight.
	ErrAlreadyResolving = errors.New("approval already resolving")
)

// Pending is an exec command blocked on a decision.
type Pending struct {
	ID string `json:"id" cbor:"id"`
	// AgentID is empty for unscoped approvals.
	AgentID      string `json:"agentId,omitempty" cbor:"agentId,omitempty"`
	SessionKey   string `json:"sessionKey,omitempty" cbor:"sessionKey,omitempty"`
	Command      string `json:"command" cbor:"command"`
	Cwd          string `json:"cwd,omitempty" cbor:"cwd,omitempty"`
	Host         string `json:"host,omitempty" cbor:"host,omitempty"`
	Security     string `json:"security,omitempty" cbor:"security,omitempty"`
	Ask          string `json:"ask,omitempty" cbor:"ask,omitempty"`
	ResolvedPath string `json:"resolvedPath,omitempty" cbor:"resolvedPath,omitempty"`
	CreatedAtMs  int64  `json:"createdAtMs" cbor:"createdAtMs"`
	ExpiresAtMs  int64  `json:"expiresAtMs" cbor:"expiresAtMs"`
	Resolving    bool   `json:"resolving" cbor:"resolving"`
	Error        string `json:"error,omitempty" cbor:"error,omitempty"`
}

// FromRequest builds a pending approval owned by agentID, which may be empty.
func FromRequest(ev events.ApprovalRequested, agentID string) Pending {
	return Pending{
		ID:           ev.ID,
		AgentID:      agentID,
		SessionKey:   ev.SessionKey,
		Command:      ev.Command,
		Cwd:          ev.Cwd,
		Host:         ev.Host,
		Security:     ev.Security,
		Ask:          ev.Ask,
		ResolvedPath: ev.ResolvedPath,
		CreatedAtMs:  ev.CreatedAtMs,
		ExpiresAtMs:  ev.ExpiresAtMs,
	}
}

// Upsert replaces the approval with p's id in place, or prepends p.
func Upsert(list []Pending, p Pending) []Pending {
	if i := indexOf(list, p.ID); i >= 0 {
		out := slices.Clone(list)
		out[i] = p
		return out
	}
	out := make([]Pending, 0, len(list)+1)
	out = append(out, p)
	return append(out, list...)
}

// UpdateByID applies fn to the approval with id. The list is returned
// unchanged when id is absent.
func UpdateByID(list []Pending, id string, fn func(Pending) Pending) []Pending {
	i := indexOf(list, id)
	if i < 0 {
		return list
	}
	out := slices.Clone(list)
	out[i] = fn(out[i])
	return out
}

// RemoveByID drops the approval with id.
func RemoveByID(list []Pending, id string) []Pending {
	if indexOf(list, id) < 0 {
		return list
	}
	return slices.DeleteFunc(slices.Clone(list), func(p Pending) bool { return p.ID == id })
}

func indexOf(list []Pending, id string) int {
	return slices.IndexFunc(list, func(p Pending) bool { return p.ID == id })
}

// MergeForFocusedAgent combines an agent's scoped approvals with the
// unscoped list. Unscoped order is kept, with a scoped approval standing in
// for an unscoped one that shares its id; the remaining scoped approvals
// follow.
func MergeForFocusedAgent(scoped, unscoped []Pending) []Pending {
	byID := make(map[string]Pending, len(scoped))
	for _, p := range scoped {
		if _, ok := byID[p.ID]; !ok {
			byID[p.ID] = p
		}
	}
	used := make(map[string]bool, len(scoped))
	out := make([]Pending, 0, len(scoped)+len(unscoped))
	for _, p := range unscoped {
		if used[p.ID] {
			continue
		}
		if s, ok := byID[p.ID]; ok {
			p = s
		}
		used[p.ID] = true
		out = append(out, p)
	}
	for _, p := range scoped {
		if used[p.ID] {
			continue
		}
		used[p.ID] = true
		out = append(out, p)
	}
	return out
}

// Set is the full pending-approval state: per-agent buckets plus the
// unscoped list.
type Set struct {
	ByAgent  map[string][]Pending `json:"byAgent,omitempty" cbor:"byAgent,omitempty"`
	Unscoped []Pending            `json:"unscoped,omitempty" cbor:"unscoped,omitempty"`
}

// Len counts every pending approval.
func (s Set) Len() int {
	n := len(s.Unscoped)
	for _, list := range s.ByAgent {
		n += len(list)
	}
	return n
}

// Find locates the approval with id.
func (s Set) Find(id string) (Pending, bool) {
	if i := indexOf(s.Unscoped, id); i >= 0 {
		return s.Unscoped[i], true
	}
	for _, list := range s.ByAgent {
		if i := indexOf(list, id); i >= 0 {
			return list[i], true
		}
	}
	return Pending{}, false
}

// ForAgent returns what an operator focused on agentID should see.
func (s Set) ForAgent(agentID string) []Pending {
	return MergeForFocusedAgent(s.ByAgent[agentID], s.Unscoped)
}

// Agents returns the ids of agents with pending approvals, sorted.
func (s Set) Agents() []string {
	return slices.Sorted(maps.Keys(s.ByAgent))
}

// Upsert stores p in the bucket its AgentID names, or the unscoped list, and
// removes the id from everywhere else.
func (s Set) Upsert(p Pending) Set {
	out := s.without(p.ID, p.AgentID, p.AgentID == "")
	if p.AgentID == "" {
		out.Unscoped = Upsert(out.Unscoped, p)
		return out
	}
	out.ByAgent[p.AgentID] = Upsert(out.ByAgent[p.AgentID], p)
	return out
}

// Update applies fn to the approval with id wherever it lives.
func (s Set) Update(id string, fn func(Pending) Pending) Set {
	out := s.clone()
	out.Unscoped = UpdateByID(out.Unscoped, id, fn)
	for agentID, list := range out.ByAgent {
		out.ByAgent[agentID] = UpdateByID(list, id, fn)
	}
	return out
}

// RemoveEverywhere drops id from every bucket and the unscoped list. It is
// idempotent.
func (s Set) RemoveEverywhere(id string) Set {
	return s.without(id, "", false)
}

// without removes id from everywhere except the bucket named keepAgent (or
// the unscoped list when keepUnscoped is set), dropping emptied buckets.
func (s Set) without(id, keepAgent string, keepUnscoped bool) Set {
	out := s.clone()
	if !keepUnscoped {
		out.Unscoped = RemoveByID(out.Unscoped, id)
	}
	for agentID, list := range out.ByAgent {
		if agentID == keepAgent {
			continue
		}
		if list = RemoveByID(list, id); len(list) == 0 {
			delete(out.ByAgent, agentID)
		} else {
			out.ByAgent[agentID] = list
		}
	}
	return out
}

func (s Set) clone() Set {
	out := Set{ByAgent: make(map[string][]Pending, len(s.ByAgent)), Unscoped: s.Unscoped}
	for agentID, list := range s.ByAgent {
		if len(list) > 0 {
			out.ByAgent[agentID] = list
		}
	}
	return out
}

// Expired reports whether p is past its grace window at nowMs.
func Expired(p Pending, nowMs, graceMs int64) bool {
	return nowMs >= p.ExpiresAtMs+graceMs
}

// PruneExpired drops approvals whose grace window has elapsed and reports how
// many were removed.
func (s Set) PruneExpired(nowMs, graceMs int64) (Set, int) {
	removed := 0
	keep := func(list []Pending) []Pending {
		var out []Pending
		for _, p := range list {
			if Expired(p, nowMs, graceMs) {
				removed++
				continue
			}
			out = append(out, p)
		}
		return out
	}
	out := Set{ByAgent: make(map[string][]Pending, len(s.ByAgent)), Unscoped: keep(s.Unscoped)}
	for agentID, list := range s.ByAgent {
		if kept := keep(list); len(kept) > 0 {
			out.ByAgent[agentID] = kept
		}
	}
	if removed == 0 {
		return s, 0
	}
	return out, removed
}

// NextPruneDelay returns the milliseconds until the next approval becomes
// prunable, zero if one already is, and false when nothing is pending.
func (s Set) NextPruneDelay(nowMs, graceMs int64) (int64, bool) {
	var (
		next  int64
		found bool
	)
	visit := func(list []Pending) {
		for _, p := range list {
			d := max(p.ExpiresAtMs+graceMs-nowMs, 0)
			if !found || d < next {
				next, found = d, true
			}
		}
	}
	visit(s.Unscoped)
	for _, list := range s.ByAgent {
		visit(list)
	}
	return next, found
}
