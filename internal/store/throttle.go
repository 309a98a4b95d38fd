package store

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// errorThrottle suppresses repeated log lines of the same kind within a
// configurable window, per spec.md §4.6, so a persistent Redis outage logs
// one line per window instead of one per failed operation. The window is
// enforced two ways: allow() checks elapsed time per kind on every call (so
// the throttle holds even if the reset job falls behind under load), and a
// robfig/cron job clears the whole map every window so a kind that stops
// erroring doesn't pin a stale timestamp forever.
type errorThrottle struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	cron   *cron.Cron
}

func newErrorThrottle(window time.Duration) *errorThrottle {
	if window <= 0 {
		window = 60 * time.Second
	}
	t := &errorThrottle{window: window, last: make(map[string]time.Time)}
	t.cron = cron.New()
	t.cron.Schedule(cron.Every(window), cron.FuncJob(t.reset))
	t.cron.Start()
	return t
}

func (t *errorThrottle) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[string]time.Time)
}

// stop releases the cron runner; called from Store.Close().
func (t *errorThrottle) stop() {
	<-t.cron.Stop().Done()
}

// allow reports whether kind should be logged now, updating its last-logged
// time when it does.
func (t *errorThrottle) allow(kind string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[kind]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[kind] = now
	return true
}
