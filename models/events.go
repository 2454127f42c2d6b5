package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// BookLevel is a single price level as carried on the wire. Price and
// quantity stay strings here: the book checksum is computed over the
// exchange's exact decimal rendering, so nothing may be re-formatted
// before the mirror has parsed it.
type BookLevel struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

// BookData is one entry of a book channel snapshot or update frame.
type BookData struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Checksum  *uint32     `json:"checksum,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// TradeData is one entry of a trade channel frame.
type TradeData struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Execution kinds reported on the executions channel.
const (
	ExecNew      = "new"
	ExecTrade    = "trade"
	ExecFilled   = "filled"
	ExecCanceled = "canceled"
	ExecExpired  = "expired"
	ExecRestated = "restated"
)

// ExecutionEvent is one entry of an executions channel frame. RateCount,
// when present, is the exchange's authoritative value of the account's
// rate-limit counter and corrects the local estimate.
type ExecutionEvent struct {
	OrderID     string          `json:"order_id"`
	ClOrdID     string          `json:"cl_ord_id,omitempty"`
	ExecType    string          `json:"exec_type"`
	OrderStatus string          `json:"order_status,omitempty"`
	Symbol      string          `json:"symbol,omitempty"`
	Side        Side            `json:"side,omitempty"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
	OrderQty    decimal.Decimal `json:"order_qty,omitempty"`
	LastQty     decimal.Decimal `json:"last_qty,omitempty"`
	LastPrice   decimal.Decimal `json:"last_price,omitempty"`
	CumQty      decimal.Decimal `json:"cum_qty,omitempty"`
	RateCount   *float64        `json:"ratecount,omitempty"`
	Timestamp   time.Time       `json:"timestamp,omitempty"`
}

// OpenOrder is one entry of the exchange's open-order snapshot, used for
// reconciliation after a reconnect.
type OpenOrder struct {
	OrderID    string          `json:"order_id"`
	ClOrdID    string          `json:"cl_ord_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	OrderQty   decimal.Decimal `json:"order_qty"`
	CumQty     decimal.Decimal `json:"cum_qty"`
}

// DesiredLevel is the strategy layer's requested order for one slot.
// Qty is the order's total quantity, not the remaining one. Ephemeral:
// supplied fresh each cycle, never stored outside the slot that
// consumed it.
type DesiredLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
	Side  Side
}

// FillEvent is emitted when a tracked order has been completely filled.
type FillEvent struct {
	SlotIndex int
	OrderID   string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Timestamp time.Time
}
