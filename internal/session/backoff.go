package session

import (
	"math/rand"
	"sync"
	"time"
)

// DefaultBackoffSteps is the reconnect schedule: immediate for the first
// three attempts, then growing pauses.
var DefaultBackoffSteps = []time.Duration{
	0, 0, 0,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
}

// BackoffSchedule produces reconnect waits with full jitter: attempt k
// waits uniform(0, steps[min(k, last)]). Jitter spreads simultaneous
// reconnects from many clients so the exchange is not hit by a
// thundering herd after an outage.
type BackoffSchedule struct {
	mu      sync.Mutex
	steps   []time.Duration
	attempt int
	rnd     *rand.Rand
}

// NewBackoffSchedule builds a schedule; nil or empty steps use
// DefaultBackoffSteps.
func NewBackoffSchedule(steps []time.Duration) *BackoffSchedule {
	if len(steps) == 0 {
		steps = DefaultBackoffSteps
	}
	return &BackoffSchedule{
		steps: steps,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the jittered wait for the current attempt and advances
// the attempt counter.
func (b *BackoffSchedule) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.attempt
	if idx >= len(b.steps) {
		idx = len(b.steps) - 1
	}
	b.attempt++
	max := b.steps[idx]
	if max <= 0 {
		return 0
	}
	return time.Duration(b.rnd.Int63n(int64(max) + 1))
}

// Reset zeroes the attempt counter after a successful connect.
func (b *BackoffSchedule) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt returns the number of waits handed out since the last reset.
func (b *BackoffSchedule) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
