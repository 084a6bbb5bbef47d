// Package metrics counts outcomes that are otherwise silent, such as dropped
// stale history responses and ambiguous merges.
package metrics

import (
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Names recorded by the console.
const (
	HistoryResponseDroppedStale = "history_response_dropped_stale"
	HistoryMergeConflicts       = "history_merge_conflicts"
	HistoryApplied              = "history_applied"
	ApprovalsPruned             = "approvals_pruned"
	EventMalformed              = "event_malformed"
)

// Recorder receives metric observations.
type Recorder interface {
	Record(name string, fields map[string]any)
}

// Counter tallies observations in memory.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[string]int)}
}

func (c *Counter) Record(name string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
}

// Count returns how often name was recorded.
func (c *Counter) Count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// Snapshot returns a copy of all counts.
func (c *Counter) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.counts)
}

// Logger writes each observation as a debug log line.
type Logger struct {
	log *zap.Logger
}

// NewLogger returns a Recorder that logs to log. A nil log discards.
func NewLogger(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.Named("metrics")}
}

func (l *Logger) Record(name string, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("metric", name))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	l.log.Debug("metric", zf...)
}

// Tee fans observations out to several recorders.
type Tee []Recorder

func (t Tee) Record(name string, fields map[string]any) {
	for _, r := range t {
		r.Record(name, fields)
	}
}

// Discard drops every observation.
var Discard Recorder = Tee(nil)
