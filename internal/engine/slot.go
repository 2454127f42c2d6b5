package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"gridflow/models"
)

// SlotState is the lifecycle state of one order slot.
type SlotState int

const (
	// SlotEmpty holds no order and is ready for a new one.
	SlotEmpty SlotState = iota
	// SlotPendingNew has an add_order in flight.
	SlotPendingNew
	// SlotLive holds a confirmed resting order.
	SlotLive
	// SlotAmendPending has an amend_order in flight.
	SlotAmendPending
	// SlotCancelPending has a cancel_order in flight.
	SlotCancelPending
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotPendingNew:
		return "pending_new"
	case SlotLive:
		return "live"
	case SlotAmendPending:
		return "amend_pending"
	case SlotCancelPending:
		return "cancel_pending"
	default:
		return "unknown"
	}
}

// pending reports whether the slot has a command in flight.
func (s SlotState) pending() bool {
	return s == SlotPendingNew || s == SlotAmendPending || s == SlotCancelPending
}

// Slot is one logical order position. Slots are allocated once at
// startup and only ever reset; at most one command is outstanding per
// slot at any time.
type Slot struct {
	Index int
	State SlotState

	// OrderID is assigned by the exchange once the order is confirmed.
	OrderID string
	// ClientID is generated locally before the add is sent, so the slot
	// can be re-identified from an exchange snapshot if the connection
	// drops before the acknowledgement arrives.
	ClientID string

	Side      models.Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
	FilledQty decimal.Decimal

	// PendingSince stamps entry into a pending state, for the
	// stale-pending timeout.
	PendingSince time.Time
	// ReqID correlates the outstanding command with its acknowledgement.
	ReqID int64
	// Desired is the level the outstanding amend was built from; applied
	// on a successful amend acknowledgement.
	Desired *models.DesiredLevel
}

// Remaining returns the unfilled quantity.
func (s *Slot) Remaining() decimal.Decimal {
	return s.Qty.Sub(s.FilledQty)
}

// reset returns the slot to empty. Lookup-index cleanup is the engine's
// job and must happen before this is called.
func (s *Slot) reset() {
	s.State = SlotEmpty
	s.OrderID = ""
	s.ClientID = ""
	s.Side = ""
	s.Price = decimal.Zero
	s.Qty = decimal.Zero
	s.FilledQty = decimal.Zero
	s.PendingSince = time.Time{}
	s.ReqID = 0
	s.Desired = nil
}

// ActionKind tags an Action.
type ActionKind int

const (
	// ActionNoop leaves the slot alone this cycle.
	ActionNoop ActionKind = iota
	// ActionAdd places a new order.
	ActionAdd
	// ActionAmend modifies the resting order in place.
	ActionAmend
	// ActionCancel cancels the resting order.
	ActionCancel
)

func (k ActionKind) String() string {
	switch k {
	case ActionAdd:
		return "add"
	case ActionAmend:
		return "amend"
	case ActionCancel:
		return "cancel"
	default:
		return "noop"
	}
}

// Action is the engine's decision for one slot. The set of kinds is
// closed; every dispatch site switches over all of them.
type Action struct {
	Kind ActionKind

	// Add fields.
	Price decimal.Decimal
	Qty   decimal.Decimal
	Side  models.Side

	// Amend/cancel target.
	OrderID string
	// Amend carries only the fields that actually changed.
	NewPrice *decimal.Decimal
	NewQty   *decimal.Decimal
}
