package transcript

// CollapseRunDuplicates removes repeated assistant entries left behind by
// finished runs. Among assistant entries that share a run id and normalized
// text, only the highest-scoring one survives (see score). Entries of the
// active run and entries without a run id are never touched; the active run
// can legitimately repeat itself while it streams.
func CollapseRunDuplicates(entries []Entry, activeRunID string) []Entry {
	best := make(map[string]int)
	for i, e := range entries {
		key, ok := collapseKey(e, activeRunID)
		if !ok {
			continue
		}
		cur, seen := best[key]
		if !seen || beats(e, entries[cur]) {
			best[key] = i
		}
	}

	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if key, ok := collapseKey(e, activeRunID); ok && best[key] != i {
			continue
		}
		out = append(out, e)
	}
	return out
}

func collapseKey(e Entry, activeRunID string) (string, bool) {
	if e.Kind != KindAssistant || e.RunID == "" || e.RunID == activeRunID {
		return "", false
	}
	return e.RunID + "\x00" + NormalizeText(e.Text), true
}

// score ranks duplicate candidates: confirmed beats runtime-chat beats
// history beats timestamped.
func score(e Entry) int {
	s := 0
	if e.Confirmed {
		s += 8
	}
	switch e.Source {
	case SourceRuntimeChat:
		s += 4
	case SourceHistory:
		s += 2
	}
	if e.TimestampMs != nil {
		s++
	}
	return s
}

func beats(a, b Entry) bool {
	sa, sb := score(a), score(b)
	if sa != sb {
		return sa > sb
	}
	return a.SequenceKey > b.SequenceKey
}
