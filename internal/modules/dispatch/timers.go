// README: Per-request offer timers with idempotent cancellation.
package dispatch

import (
	"sync"
	"time"

	"lifeline/internal/types"
)

// OfferTimers tracks the single live offer timer per request. Schedule
// replaces any existing timer; Cancel is a no-op for absent or already-fired
// timers, so whichever of accept, reject or expiry resolves the offer can
// cancel without coordination.
type OfferTimers struct {
	mu sync.Mutex
	m  map[types.ID]*time.Timer
}

func NewOfferTimers() *OfferTimers {
	return &OfferTimers{m: make(map[types.ID]*time.Timer)}
}

func (t *OfferTimers) Schedule(requestID types.ID, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.m[requestID]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.remove(requestID, timer)
		fn()
	})
	t.m[requestID] = timer
}

func (t *OfferTimers) Cancel(requestID types.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.m[requestID]; ok {
		timer.Stop()
		delete(t.m, requestID)
	}
}

// remove drops the entry only if it still refers to the fired timer, so a
// replacement scheduled in the meantime is left alone.
func (t *OfferTimers) remove(requestID types.ID, timer *time.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m[requestID] == timer {
		delete(t.m, requestID)
	}
}
