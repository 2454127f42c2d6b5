// Package rate tracks the account's exchange-side rate-limit counter and
// gates outbound commands before they are written to the socket.
//
// The counter is only partially observable: every command increments it
// by a per-kind cost and it decays linearly over time, but the exchange
// reports the authoritative value on execution events. Server truth
// always overwrites the local estimate.
package rate

import (
	"sync"
	"time"
)

// CommandKind selects the cost of an outbound command.
type CommandKind int

const (
	CommandAdd CommandKind = iota
	CommandAmend
	CommandCancel
)

// Per-command costs. Cancels are free and never throttled; amends cost
// less than new orders, mirroring the exchange's incentive to amend in
// place rather than cancel and replace.
const (
	costAdd    = 1.0
	costAmend  = 0.5
	costCancel = 0.0
)

// CostFor returns the budget cost of a command kind.
func CostFor(kind CommandKind) float64 {
	switch kind {
	case CommandAmend:
		return costAmend
	case CommandCancel:
		return costCancel
	default:
		return costAdd
	}
}

// Budget is the decaying command-cost counter. Decay is applied lazily on
// every read or mutation, never from a background timer.
type Budget struct {
	mu         sync.Mutex
	count      float64
	lastUpdate time.Time

	maxCounter float64
	decayRate  float64 // counter units per second
	headroom   float64 // fraction of maxCounter usable before gating

	now func() time.Time
}

// NewBudget creates a budget. headroom is the fraction of maxCounter the
// gate allows; sends that would push the estimate past
// maxCounter*headroom are refused.
func NewBudget(maxCounter, decayRate, headroom float64) *Budget {
	return &Budget{
		maxCounter: maxCounter,
		decayRate:  decayRate,
		headroom:   headroom,
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// decay applies elapsed-time decay. Caller holds mu.
func (b *Budget) decay() {
	now := b.now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.count -= elapsed * b.decayRate
		if b.count < 0 {
			b.count = 0
		}
	}
	b.lastUpdate = now
}

// EstimatedCount returns the current estimate after decay.
func (b *Budget) EstimatedCount() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decay()
	return b.count
}

// CanSend reports whether a command of the given cost fits under the
// gating threshold. Zero-cost commands always pass.
func (b *Budget) CanSend(cost float64) bool {
	if cost <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decay()
	return b.count+cost <= b.maxCounter*b.headroom
}

// RecordSend accounts an emitted command against the estimate.
func (b *Budget) RecordSend(cost float64) {
	if cost <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decay()
	b.count += cost
}

// UpdateFromServer overwrites the estimate with the exchange-reported
// counter value.
func (b *Budget) UpdateFromServer(value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if value < 0 {
		value = 0
	}
	b.count = value
	b.lastUpdate = b.now()
}
