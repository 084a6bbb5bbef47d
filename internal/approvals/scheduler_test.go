package approvals_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/fakeyudi/agentconsole/internal/approvals"
	"github.com/fakeyudi/agentconsole/internal/clock"
)

func TestSchedulerKeepsOneTimer(t *testing.T) {
	c := clock.Fake(time.UnixMilli(0))
	fired := 0
	s := approvals.NewScheduler(c, func() { fired++ })

	s.Reschedule(1000, true)
	s.Reschedule(500, true)
	assert.Equal(t, 1, c.PendingCount())

	c.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, fired)
	assert.False(t, s.Armed())

	c.Advance(time.Second)
	assert.Equal(t, 1, fired, "replaced timer never fires")

	s.Reschedule(100, true)
	s.Reschedule(0, false)
	c.Advance(time.Second)
	assert.Equal(t, 1, fired)
}

func TestSchedulerRealClockDoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	done := make(chan struct{})
	s := approvals.NewScheduler(clock.Real(), func() { close(done) })
	s.Reschedule(5, true)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("prune timer never fired")
	}

	s.Reschedule(60_000, true)
	s.Stop()
	assert.False(t, s.Armed())
}
