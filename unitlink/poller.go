package unitlink

import (
	"context"
	"time"

	"github.com/hartwell/airbridge/varmap"
)

// pollEntry is one variable's read schedule: when the first read fires and
// how often it repeats. Keeping the schedule as data separates the stagger
// policy from the timers that execute it.
type pollEntry struct {
	variable     *varmap.Variable
	initialDelay time.Duration
	interval     time.Duration
}

// buildSchedule returns an entry for every variable with a refresh interval.
// Initial reads are staggered by ordinal position so a fresh connection is
// not hit by every variable at once.
func buildSchedule(registry *varmap.Registry, step time.Duration) []pollEntry {
	var entries []pollEntry
	for _, v := range registry.All() {
		if v.Refresh <= 0 {
			continue
		}
		entries = append(entries, pollEntry{
			variable:     v,
			initialDelay: time.Duration(v.Index) * step,
			interval:     v.Refresh,
		})
	}
	return entries
}

func (l *Link) startPollers(ctx context.Context) {
	for _, entry := range buildSchedule(l.registry, l.staggerStep) {
		go l.pollLoop(ctx, entry)
	}
}

// pollLoop enqueues reads for one variable forever: once after the initial
// stagger delay, then at every interval tick. Polls queued while the link is
// down are dropped by the disconnect teardown like any other task.
func (l *Link) pollLoop(ctx context.Context, entry pollEntry) {
	delay := time.NewTimer(entry.initialDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}
	l.pollOnce(entry.variable)

	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pollOnce(entry.variable)
		}
	}
}

// pollOnce queues a background-priority read, so explicit caller requests
// always win contention for the single worker.
func (l *Link) pollOnce(v *varmap.Variable) {
	l.queue.push(&task{
		kind:     taskGet,
		variable: v,
		priority: DefaultPriority,
	})
}
