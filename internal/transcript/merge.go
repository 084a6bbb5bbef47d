package transcript

import (
	"cmp"
	"math"
	"slices"
)

// MergeResult is the outcome of reconciling an entry set with a canonical
// batch.
type MergeResult struct {
	Entries []Entry `json:"entries"`
	// MergedCount is the number of canonical entries appended as new.
	MergedCount int `json:"mergedCount"`
	// ConfirmedCount is the number of existing entries that became confirmed.
	ConfirmedCount int `json:"confirmedCount"`
	// ConflictCount is the number of canonical entries that had more than one
	// eligible content match.
	ConflictCount int `json:"conflictCount"`
}

// Merge reconciles existing with the canonical entries in incoming.
//
// Every canonical entry is first matched by entry id; the ones left over are
// matched by content against existing entries that nothing has consumed yet.
// An existing entry is consumed at most once per call, so two optimistic
// duplicates never collapse onto one canonical entry. Unmatched canonical
// entries are appended. Neither input is modified.
func Merge(existing, incoming []Entry) MergeResult {
	out := make([]Entry, len(existing))
	copy(out, existing)

	byID := make(map[string]int, len(out))
	for i, e := range out {
		if _, dup := byID[e.EntryID]; !dup {
			byID[e.EntryID] = i
		}
	}

	var res MergeResult
	matched := make([]bool, len(out))
	seen := make(map[string]bool, len(incoming))
	var unmatched []Entry

	for _, in := range incoming {
		if seen[in.EntryID] {
			continue
		}
		seen[in.EntryID] = true
		if idx, ok := byID[in.EntryID]; ok {
			if !matched[idx] {
				matched[idx] = true
				if confirm(&out[idx], in) {
					res.ConfirmedCount++
				}
			}
			continue
		}
		unmatched = append(unmatched, in)
	}

	for _, in := range unmatched {
		candidates := contentCandidates(out, matched, in)
		switch len(candidates) {
		case 0:
			out = append(out, in)
			matched = append(matched, true)
			res.MergedCount++
			continue
		case 1:
		default:
			res.ConflictCount++
		}
		idx := closest(out, candidates, in)
		matched[idx] = true
		if confirm(&out[idx], in) {
			res.ConfirmedCount++
		}
	}

	res.Entries = Sort(out)
	return res
}

// confirm marks e as represented in canonical history and adopts the
// canonical timestamp. It reports whether e was unconfirmed before.
func confirm(e *Entry, canonical Entry) bool {
	wasConfirmed := e.Confirmed
	e.Confirmed = true
	if canonical.TimestampMs != nil && (e.TimestampMs == nil || *e.TimestampMs != *canonical.TimestampMs) {
		e.TimestampMs = copyTimestamp(canonical.TimestampMs)
		e.Fingerprint = Fingerprint(e.Role, e.Kind, e.Text, e.SessionKey, e.RunID, e.TimestampMs)
	}
	return !wasConfirmed
}

func contentCandidates(entries []Entry, matched []bool, in Entry) []int {
	text := NormalizeText(in.Text)
	var idx []int
	for i, e := range entries {
		if matched[i] {
			continue
		}
		if e.SessionKey != in.SessionKey || e.Kind != in.Kind || e.Role != in.Role {
			continue
		}
		if NormalizeText(e.Text) != text {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

// closest picks the candidate whose timestamp is nearest to in's. Equal
// distances go to the lower sequence key, then to the earlier position.
// Candidates without a timestamp, or any candidate when in has none, sit at
// infinite distance and so fall through to sequence order.
func closest(entries []Entry, candidates []int, in Entry) int {
	best := candidates[0]
	bestDist := distance(entries[best], in)
	for _, idx := range candidates[1:] {
		d := distance(entries[idx], in)
		switch {
		case d < bestDist:
		case d == bestDist && entries[idx].SequenceKey < entries[best].SequenceKey:
		default:
			continue
		}
		best, bestDist = idx, d
	}
	return best
}

func distance(e, in Entry) uint64 {
	if e.TimestampMs == nil || in.TimestampMs == nil {
		return math.MaxUint64
	}
	a, b := *e.TimestampMs, *in.TimestampMs
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}

// Sort returns entries in transcript order with duplicate entry ids removed
// (the first occurrence wins).
//
// Timestamped entries are ordered by timestamp, then sequence key. An entry
// without a timestamp has nothing to compare against, so it keeps its place
// in sequence order: it sorts as if it carried the timestamp of the nearest
// timestamped entry before it in sequence order. This keeps the ordering
// total even when timestamped and untimestamped entries interleave.
func Sort(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.EntryID] {
			continue
		}
		seen[e.EntryID] = true
		out = append(out, e)
	}

	bySeq := make([]int, len(out))
	for i := range bySeq {
		bySeq[i] = i
	}
	slices.SortStableFunc(bySeq, func(a, b int) int {
		return cmp.Compare(out[a].SequenceKey, out[b].SequenceKey)
	})
	effective := make([]int64, len(out))
	carried := int64(math.MinInt64)
	for _, i := range bySeq {
		if ts := out[i].TimestampMs; ts != nil {
			carried = *ts
		}
		effective[i] = carried
	}

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if c := cmp.Compare(effective[a], effective[b]); c != 0 {
			return c
		}
		return cmp.Compare(out[a].SequenceKey, out[b].SequenceKey)
	})

	sorted := make([]Entry, len(out))
	for i, idx := range order {
		sorted[i] = out[idx]
	}
	return sorted
}
