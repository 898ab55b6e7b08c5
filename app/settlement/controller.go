package settlement

import (
	"sync"
	"time"
)

// Outcome is the terminal result for one asynchronous attempt.
type Outcome struct {
	Succeeded          bool
	Expired            bool
	ExternalPaymentRef string
	Reason             string
	Metadata           map[string]string
}

// ResolutionHook receives the single honored outcome per attempt reference.
// Commit is driven from here, not from any UI poll, so a shopper closing the
// tab mid-settlement does not lose the order.
type ResolutionHook func(attemptRef, sessionID string, outcome Outcome)

type pendingAttempt struct {
	sessionID string
	startedAt time.Time
	deadline  time.Time
	resolved  bool
}

// Controller enforces the settlement window for asynchronous rails. Two
// writers race to finish an attempt (the webhook resolution and the expiry
// sweep); a mutex-guarded compare-and-set keyed on attempt reference
// guarantees at most one of them wins. The expiry authority is the wall clock
// measured against the recorded start, never a countdown timer, so process
// pauses and UI refreshes cannot stretch the window.
type Controller struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pendingAttempt
	hook    ResolutionHook
}

func NewController(window time.Duration) *Controller {
	if window <= 0 {
		window = 600 * time.Second
	}
	return &Controller{
		window:  window,
		pending: map[string]*pendingAttempt{},
	}
}

// SetResolutionHook installs the single consumer of honored outcomes.
// Must be called before Begin.
func (c *Controller) SetResolutionHook(hook ResolutionHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

func (c *Controller) Begin(attemptRef, sessionID string, now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := now.Add(c.window)
	c.pending[attemptRef] = &pendingAttempt{
		sessionID: sessionID,
		startedAt: now,
		deadline:  deadline,
	}
	return deadline
}

func (c *Controller) Deadline(attemptRef string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.pending[attemptRef]
	if !ok || item.resolved {
		return time.Time{}, false
	}
	return item.deadline, true
}

// Resolve applies an out-of-band resolution. Returns true only for the first
// resolution of a live attempt inside its window; everything else is a no-op.
// A resolution arriving after the wall-clock deadline is converted into the
// expiry outcome even if the sweep has not fired yet.
func (c *Controller) Resolve(attemptRef string, outcome Outcome, now time.Time) bool {
	c.mu.Lock()
	item, ok := c.pending[attemptRef]
	if !ok || item.resolved {
		c.mu.Unlock()
		return false
	}
	if now.After(item.deadline) {
		outcome = expiredOutcome()
	}
	item.resolved = true
	sessionID := item.sessionID
	hook := c.hook
	c.mu.Unlock()

	if hook != nil {
		hook(attemptRef, sessionID, outcome)
	}
	return true
}

// ExpireSweep forces every overdue live attempt into the expired outcome and
// drops resolved entries whose deadline has passed. Returns how many attempts
// it expired.
func (c *Controller) ExpireSweep(now time.Time) int {
	type expired struct {
		attemptRef string
		sessionID  string
	}

	c.mu.Lock()
	items := make([]expired, 0)
	for attemptRef, item := range c.pending {
		if item.resolved {
			if now.After(item.deadline) {
				delete(c.pending, attemptRef)
			}
			continue
		}
		if now.After(item.deadline) {
			item.resolved = true
			items = append(items, expired{attemptRef: attemptRef, sessionID: item.sessionID})
		}
	}
	hook := c.hook
	c.mu.Unlock()

	if hook != nil {
		for _, item := range items {
			hook(item.attemptRef, item.sessionID, expiredOutcome())
		}
	}
	return len(items)
}

func expiredOutcome() Outcome {
	return Outcome{
		Expired: true,
		Reason:  "settlement window expired - no confirmation received",
	}
}
