package policy

// SummaryRefreshDelayMs debounces bursts of presence and heartbeat pings.
const SummaryRefreshDelayMs = 750

// SummaryInput is a presence or heartbeat ping.
type SummaryInput struct {
	Event     string
	Connected bool
}

// DecideSummaryRefreshEvent schedules a debounced summary refresh while
// connected.
func DecideSummaryRefreshEvent(in SummaryInput) []Intent {
	if !in.Connected {
		return []Intent{Ignore{Reason: ReasonDisconnected}}
	}
	switch in.Event {
	case "presence", "heartbeat":
		return []Intent{ScheduleSummaryRefresh{
			DelayMs:                 SummaryRefreshDelayMs,
			IncludeHeartbeatRefresh: in.Event == "heartbeat",
		}}
	}
	return []Intent{Ignore{Reason: ReasonUnsupportedEvent}}
}
