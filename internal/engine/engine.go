// Package engine owns the fixed pool of order slots and drives each one
// through its lifecycle against the exchange. It decides amend vs cancel
// vs add per slot, emits commands for the transport layer, and consumes
// acknowledgements and execution events to keep slot state truthful.
//
// Per slot, commands are strictly sequential: a slot with an outstanding
// command never produces a new decision until the command resolves. The
// one exception is the stale-pending rule, which forces a cancel when an
// acknowledgement has been outstanding for too long.
package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridflow/internal/rate"
	"gridflow/logger"
	"gridflow/models"
)

// Config carries the engine's tunables.
type Config struct {
	Symbol string
	// Slots is the number of concurrent order levels managed.
	Slots int
	// PriceEpsilon and QtyEpsilon bound the decimal comparisons that
	// decide whether a resting order needs an amend.
	PriceEpsilon decimal.Decimal
	QtyEpsilon   decimal.Decimal
	// PendingTimeout is how long a command may stay unacknowledged
	// before the slot is forced toward cancellation.
	PendingTimeout time.Duration
}

// Command is a prepared outbound request for the transport layer.
type Command struct {
	Method string
	Params interface{}
	ReqID  int64
}

// ErrBudgetExhausted is returned by Prepare* when the rate budget has no
// headroom for the command. The caller simply retries next cycle.
var ErrBudgetExhausted = fmt.Errorf("rate budget exhausted")

// Engine is the order-slot state machine pool. All slot mutation happens
// under one mutex; the three lookup indices are populated and cleared
// atomically alongside the state transitions they serve.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	slots      []*Slot
	byOrderID  map[string]*Slot
	byClientID map[string]*Slot
	byReqID    map[int64]*Slot

	budget    *rate.Budget
	nextReqID int64

	fillSubs []func(models.FillEvent)

	now func() time.Time
	log *logger.Entry
}

// New creates an engine with cfg.Slots empty slots.
func New(cfg Config, budget *rate.Budget) *Engine {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 30 * time.Second
	}
	slots := make([]*Slot, cfg.Slots)
	for i := range slots {
		slots[i] = &Slot{Index: i}
	}
	return &Engine{
		cfg:        cfg,
		slots:      slots,
		byOrderID:  make(map[string]*Slot),
		byClientID: make(map[string]*Slot),
		byReqID:    make(map[int64]*Slot),
		budget:     budget,
		now:        time.Now,
		log:        logger.GetLogger().WithComponent("order_engine").WithFields(logger.Fields{"symbol": cfg.Symbol}),
	}
}

// OnFill registers a callback fired when a tracked order fills
// completely. Callbacks run synchronously after the slot has reset.
func (e *Engine) OnFill(fn func(models.FillEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillSubs = append(e.fillSubs, fn)
}

// NumSlots returns the configured slot count.
func (e *Engine) NumSlots() int {
	return len(e.slots)
}

// Snapshot returns value copies of all slots.
func (e *Engine) Snapshot() []Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Slot, len(e.slots))
	for i, s := range e.slots {
		out[i] = *s
		if s.Desired != nil {
			d := *s.Desired
			out[i].Desired = &d
		}
	}
	return out
}

// CountByState returns how many slots are in the given state.
func (e *Engine) CountByState(state SlotState) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.slots {
		if s.State == state {
			n++
		}
	}
	return n
}

// DecideAction computes the next command for one slot given the
// strategy's desired level (nil means the level is no longer wanted).
// Pending slots always yield Noop, except when the pending timeout has
// elapsed with a known exchange order id, which forces a cancel so the
// slot cannot stay stuck forever.
func (e *Engine) DecideAction(idx int, desired *models.DesiredLevel) Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.slots[idx]

	switch s.State {
	case SlotEmpty:
		if desired == nil {
			return Action{Kind: ActionNoop}
		}
		return Action{Kind: ActionAdd, Price: desired.Price, Qty: desired.Qty, Side: desired.Side}

	case SlotPendingNew, SlotAmendPending:
		if e.now().Sub(s.PendingSince) > e.cfg.PendingTimeout && s.OrderID != "" {
			e.log.WithFields(logger.Fields{
				"slot":     s.Index,
				"state":    s.State.String(),
				"order_id": s.OrderID,
			}).Warn("pending command stale, forcing cancel")
			logger.IncrementStalePending()
			return Action{Kind: ActionCancel, OrderID: s.OrderID}
		}
		return Action{Kind: ActionNoop}

	case SlotCancelPending:
		// Stuck cancels are swept by ExpireStuckCancels, never stacked on.
		return Action{Kind: ActionNoop}

	case SlotLive:
		if desired == nil {
			return Action{Kind: ActionCancel, OrderID: s.OrderID}
		}
		if desired.Side != s.Side {
			// Side cannot be amended atomically.
			return Action{Kind: ActionCancel, OrderID: s.OrderID}
		}
		priceChanged := s.Price.Sub(desired.Price).Abs().Cmp(e.cfg.PriceEpsilon) > 0
		// Quantities compare as order totals: a partial fill moves
		// Remaining but is not by itself a reason to amend.
		qtyChanged := s.Qty.Sub(desired.Qty).Abs().Cmp(e.cfg.QtyEpsilon) > 0
		if !priceChanged && !qtyChanged {
			return Action{Kind: ActionNoop}
		}
		act := Action{Kind: ActionAmend, OrderID: s.OrderID}
		if priceChanged {
			p := desired.Price
			act.NewPrice = &p
		}
		if qtyChanged {
			q := desired.Qty
			act.NewQty = &q
		}
		return act
	}
	return Action{Kind: ActionNoop}
}

// PrepareAdd transitions an empty slot to pending-new and builds the
// add_order command. The freshly generated client order id lets the slot
// be re-identified from an exchange snapshot if the connection drops
// before the acknowledgement arrives.
func (e *Engine) PrepareAdd(idx int, act Action) (Command, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.slots[idx]
	if s.State != SlotEmpty {
		return Command{}, fmt.Errorf("slot %d: prepare add in state %s", idx, s.State)
	}
	cost := rate.CostFor(rate.CommandAdd)
	if !e.budget.CanSend(cost) {
		return Command{}, ErrBudgetExhausted
	}

	s.State = SlotPendingNew
	s.PendingSince = e.now()
	s.Side = act.Side
	s.Price = act.Price
	s.Qty = act.Qty
	s.FilledQty = decimal.Zero
	s.ClientID = uuid.NewString()
	s.ReqID = e.reqID()
	e.byReqID[s.ReqID] = s
	e.byClientID[s.ClientID] = s
	e.budget.RecordSend(cost)
	logger.IncrementCommand("add_order")

	return Command{
		Method: models.MethodAddOrder,
		ReqID:  s.ReqID,
		Params: models.AddOrderParams{
			OrderType:  "limit",
			Side:       string(act.Side),
			Symbol:     e.cfg.Symbol,
			LimitPrice: act.Price.String(),
			OrderQty:   act.Qty.String(),
			ClOrdID:    s.ClientID,
			PostOnly:   true,
		},
	}, nil
}

// PrepareAmend transitions a live slot to amend-pending and builds the
// amend_order command carrying only the changed fields.
func (e *Engine) PrepareAmend(idx int, act Action) (Command, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.slots[idx]
	if s.State != SlotLive {
		return Command{}, fmt.Errorf("slot %d: prepare amend in state %s", idx, s.State)
	}
	if act.NewPrice == nil && act.NewQty == nil {
		return Command{}, fmt.Errorf("slot %d: amend with no changed fields", idx)
	}
	cost := rate.CostFor(rate.CommandAmend)
	if !e.budget.CanSend(cost) {
		return Command{}, ErrBudgetExhausted
	}

	desired := models.DesiredLevel{Price: s.Price, Qty: s.Qty, Side: s.Side}
	params := models.AmendOrderParams{OrderID: s.OrderID}
	if act.NewPrice != nil {
		desired.Price = *act.NewPrice
		params.LimitPrice = act.NewPrice.String()
	}
	if act.NewQty != nil {
		desired.Qty = *act.NewQty
		params.OrderQty = act.NewQty.String()
	}

	s.State = SlotAmendPending
	s.PendingSince = e.now()
	s.Desired = &desired
	s.ReqID = e.reqID()
	e.byReqID[s.ReqID] = s
	e.budget.RecordSend(cost)
	logger.IncrementCommand("amend_order")

	return Command{Method: models.MethodAmendOrder, ReqID: s.ReqID, Params: params}, nil
}

// PrepareCancel transitions the slot to cancel-pending and builds the
// cancel_order command. Cancels cost nothing and are never throttled.
func (e *Engine) PrepareCancel(idx int, act Action) (Command, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.slots[idx]
	if s.State != SlotLive && s.State != SlotPendingNew && s.State != SlotAmendPending {
		return Command{}, fmt.Errorf("slot %d: prepare cancel in state %s", idx, s.State)
	}
	orderID := act.OrderID
	if orderID == "" {
		orderID = s.OrderID
	}
	if orderID == "" {
		return Command{}, fmt.Errorf("slot %d: cancel without exchange order id", idx)
	}

	if s.ReqID != 0 {
		delete(e.byReqID, s.ReqID)
	}
	s.State = SlotCancelPending
	s.PendingSince = e.now()
	s.ReqID = e.reqID()
	e.byReqID[s.ReqID] = s
	e.budget.RecordSend(rate.CostFor(rate.CommandCancel))
	logger.IncrementCommand("cancel_order")

	return Command{
		Method: models.MethodCancelOrder,
		ReqID:  s.ReqID,
		Params: models.CancelOrderParams{OrderID: []string{orderID}},
	}, nil
}

// HandleMethodReply routes a decoded method acknowledgement to the slot
// that issued it, resolving the slot through the request-id index.
func (e *Engine) HandleMethodReply(reply *models.MethodReply) {
	switch reply.Method {
	case models.MethodAddOrder:
		var res models.AddOrderResult
		if reply.Success && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, &res); err != nil {
				e.log.WithError(err).Warn("bad add_order result payload")
			}
		}
		e.OnAddOrderAck(reply.ReqID, res.OrderID, reply.Success, reply.Error)
	case models.MethodAmendOrder:
		e.mu.Lock()
		s := e.byReqID[reply.ReqID]
		var orderID string
		if s != nil {
			orderID = s.OrderID
		}
		e.mu.Unlock()
		if orderID == "" {
			e.log.WithFields(logger.Fields{"req_id": reply.ReqID}).Debug("amend reply for unknown request")
			return
		}
		e.OnAmendOrderAck(orderID, reply.Success, reply.Error)
	case models.MethodCancelOrder:
		e.mu.Lock()
		s := e.byReqID[reply.ReqID]
		var orderID string
		if s != nil {
			orderID = s.OrderID
		}
		e.mu.Unlock()
		if orderID == "" {
			e.log.WithFields(logger.Fields{"req_id": reply.ReqID}).Debug("cancel reply for unknown request")
			return
		}
		e.OnCancelAck(orderID, reply.Success, reply.Error)
	}
}

// OnAddOrderAck resolves a pending-new slot by request id. Success
// promotes it to live under the exchange order id; failure resets the
// slot so the level can be re-derived next cycle.
func (e *Engine) OnAddOrderAck(reqID int64, orderID string, success bool, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.byReqID[reqID]
	if s == nil {
		// Index miss: tolerate by scanning pending-new slots for the id.
		for _, cand := range e.slots {
			if cand.State == SlotPendingNew && cand.ReqID == reqID {
				s = cand
				break
			}
		}
	}
	if s == nil || s.State != SlotPendingNew {
		e.log.WithFields(logger.Fields{"req_id": reqID}).Debug("add ack for unknown request")
		return
	}

	delete(e.byReqID, reqID)
	s.ReqID = 0

	if !success {
		e.log.WithFields(logger.Fields{"slot": s.Index, "error": errMsg}).Warn("add_order rejected")
		e.clearSlotLocked(s)
		return
	}

	s.State = SlotLive
	s.OrderID = orderID
	if orderID != "" {
		e.byOrderID[orderID] = s
	}
	s.PendingSince = time.Time{}
	e.log.WithFields(logger.Fields{"slot": s.Index, "order_id": orderID}).Debug("order live")
}

// OnAmendOrderAck resolves an amend-pending slot by exchange order id.
// Success applies the recorded desired level; failure reverts to live
// with prior values so the slot is never stranded pending.
func (e *Engine) OnAmendOrderAck(orderID string, success bool, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.byOrderID[orderID]
	if s == nil || s.State != SlotAmendPending {
		e.log.WithFields(logger.Fields{"order_id": orderID}).Debug("amend ack for unknown order")
		return
	}

	delete(e.byReqID, s.ReqID)
	s.ReqID = 0
	s.State = SlotLive
	s.PendingSince = time.Time{}

	if success && s.Desired != nil {
		s.Price = s.Desired.Price
		s.Qty = s.Desired.Qty
	} else if !success {
		e.log.WithFields(logger.Fields{"slot": s.Index, "order_id": orderID, "error": errMsg}).Warn("amend_order rejected, keeping prior values")
	}
	s.Desired = nil
}

// OnCancelAck resolves a cancel-pending slot by exchange order id.
// Success clears the slot. Failure leaves state unchanged: the order may
// already have filled, and the execution event will settle it.
func (e *Engine) OnCancelAck(orderID string, success bool, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.byOrderID[orderID]
	if s == nil {
		e.log.WithFields(logger.Fields{"order_id": orderID}).Debug("cancel ack for unknown order")
		return
	}

	if !success {
		e.log.WithFields(logger.Fields{"slot": s.Index, "order_id": orderID, "error": errMsg}).Warn("cancel_order rejected, awaiting execution event")
		return
	}
	e.clearSlotLocked(s)
}

// OnExecutionEvent consumes one executions-channel entry. The optional
// authoritative rate counter is forwarded to the budget before anything
// else so estimation drift is corrected even for orphan events.
func (e *Engine) OnExecutionEvent(ev models.ExecutionEvent) {
	if ev.RateCount != nil {
		e.budget.UpdateFromServer(*ev.RateCount)
	}

	e.mu.Lock()
	s := e.byOrderID[ev.OrderID]
	if s == nil && ev.ClOrdID != "" {
		s = e.byClientID[ev.ClOrdID]
	}
	if s == nil || s.State == SlotEmpty {
		e.mu.Unlock()
		e.log.WithFields(logger.Fields{"order_id": ev.OrderID, "exec_type": ev.ExecType}).Debug("execution for untracked order")
		return
	}

	var fill *models.FillEvent
	switch ev.ExecType {
	case models.ExecNew:
		if s.State == SlotPendingNew {
			delete(e.byReqID, s.ReqID)
			s.ReqID = 0
			s.State = SlotLive
			s.PendingSince = time.Time{}
			if s.OrderID == "" && ev.OrderID != "" {
				s.OrderID = ev.OrderID
				e.byOrderID[ev.OrderID] = s
			}
		}

	case models.ExecTrade, models.ExecFilled:
		s.FilledQty = s.FilledQty.Add(ev.LastQty)
		if s.FilledQty.Cmp(s.Qty) > 0 {
			e.log.WithFields(logger.Fields{"slot": s.Index, "filled": s.FilledQty.String(), "qty": s.Qty.String()}).Warn("fill overshoot clamped")
			s.FilledQty = s.Qty
		}
		if s.Qty.Sub(s.FilledQty).Cmp(e.cfg.QtyEpsilon) <= 0 {
			fill = &models.FillEvent{
				SlotIndex: s.Index,
				OrderID:   s.OrderID,
				Symbol:    e.cfg.Symbol,
				Side:      s.Side,
				Price:     s.Price,
				Qty:       s.Qty,
				Timestamp: ev.Timestamp,
			}
			logger.IncrementFill()
			e.clearSlotLocked(s)
		}

	case models.ExecRestated:
		// Exchange-reported values are ground truth after an amend.
		delete(e.byReqID, s.ReqID)
		s.ReqID = 0
		s.State = SlotLive
		s.PendingSince = time.Time{}
		s.Desired = nil
		if !ev.LimitPrice.IsZero() {
			s.Price = ev.LimitPrice
		}
		if !ev.OrderQty.IsZero() {
			s.Qty = ev.OrderQty
		}
		if !ev.CumQty.IsZero() {
			s.FilledQty = ev.CumQty
		}

	case models.ExecCanceled, models.ExecExpired:
		e.clearSlotLocked(s)

	default:
		e.log.WithFields(logger.Fields{"exec_type": ev.ExecType}).Debug("ignoring execution kind")
	}
	subs := append([]func(models.FillEvent){}, e.fillSubs...)
	e.mu.Unlock()

	if fill != nil {
		for _, fn := range subs {
			fn(*fill)
		}
	}
}

// ReconcileSnapshot aligns every non-empty slot with the exchange's
// open-order snapshot after a reconnect. Matched slots adopt the
// exchange-reported values; unmatched slots must have filled or been
// cancelled while disconnected and are conservatively cleared, never
// resubmitted. Exchange orders matching no slot are returned as orphans
// for the caller to cancel.
func (e *Engine) ReconcileSnapshot(openOrders []models.OpenOrder, recentTrades []models.ExecutionEvent) []string {
	cumByOrder := make(map[string]decimal.Decimal, len(recentTrades))
	for _, tr := range recentTrades {
		if tr.ExecType != models.ExecTrade && tr.ExecType != models.ExecFilled {
			continue
		}
		if tr.CumQty.Cmp(cumByOrder[tr.OrderID]) > 0 {
			cumByOrder[tr.OrderID] = tr.CumQty
		}
	}

	byID := make(map[string]*models.OpenOrder, len(openOrders))
	byClID := make(map[string]*models.OpenOrder, len(openOrders))
	for i := range openOrders {
		oo := &openOrders[i]
		byID[oo.OrderID] = oo
		if oo.ClOrdID != "" {
			byClID[oo.ClOrdID] = oo
		}
	}

	e.mu.Lock()
	matched := make(map[string]bool, len(openOrders))
	var fills []models.FillEvent
	for _, s := range e.slots {
		if s.State == SlotEmpty {
			continue
		}
		oo := byID[s.OrderID]
		if oo == nil && s.ClientID != "" {
			oo = byClID[s.ClientID]
		}
		if oo == nil {
			// Filled or cancelled while disconnected. Credit a fill when
			// the trade history proves it, then lose track locally
			// rather than risk double-submission.
			if cum, ok := cumByOrder[s.OrderID]; ok && !s.Qty.IsZero() && cum.Cmp(s.Qty) >= 0 {
				fills = append(fills, models.FillEvent{
					SlotIndex: s.Index,
					OrderID:   s.OrderID,
					Symbol:    e.cfg.Symbol,
					Side:      s.Side,
					Price:     s.Price,
					Qty:       s.Qty,
				})
				logger.IncrementFill()
			}
			e.log.WithFields(logger.Fields{"slot": s.Index, "order_id": s.OrderID}).Warn("slot not in exchange snapshot, clearing")
			e.clearSlotLocked(s)
			continue
		}

		matched[oo.OrderID] = true
		if s.ReqID != 0 {
			delete(e.byReqID, s.ReqID)
			s.ReqID = 0
		}
		if s.OrderID != oo.OrderID {
			if s.OrderID != "" {
				delete(e.byOrderID, s.OrderID)
			}
			s.OrderID = oo.OrderID
			e.byOrderID[oo.OrderID] = s
		} else if e.byOrderID[oo.OrderID] == nil {
			e.byOrderID[oo.OrderID] = s
		}
		s.State = SlotLive
		s.Side = oo.Side
		s.Price = oo.LimitPrice
		s.Qty = oo.OrderQty
		s.FilledQty = oo.CumQty
		s.PendingSince = time.Time{}
		s.Desired = nil
		e.log.WithFields(logger.Fields{"slot": s.Index, "order_id": oo.OrderID}).Debug("slot reconciled from snapshot")
	}

	var orphans []string
	for i := range openOrders {
		if !matched[openOrders[i].OrderID] {
			orphans = append(orphans, openOrders[i].OrderID)
		}
	}
	subs := append([]func(models.FillEvent){}, e.fillSubs...)
	e.mu.Unlock()

	for _, f := range fills {
		for _, fn := range subs {
			fn(f)
		}
	}
	if len(orphans) > 0 {
		e.log.WithFields(logger.Fields{"orphans": orphans}).Warn("exchange reports orders with no local slot")
	}
	return orphans
}

// ExpireStuckCancels clears cancel-pending slots whose cancel itself
// went unacknowledged for twice the pending timeout. The slot is lost
// locally; the exchange-side order surfaces as an orphan on the next
// reconciliation and is swept there. Returns the number cleared.
func (e *Engine) ExpireStuckCancels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.slots {
		if s.State != SlotCancelPending {
			continue
		}
		if e.now().Sub(s.PendingSince) > 2*e.cfg.PendingTimeout {
			e.log.WithFields(logger.Fields{"slot": s.Index, "order_id": s.OrderID}).Warn("cancel unacknowledged, abandoning slot")
			e.clearSlotLocked(s)
			n++
		}
	}
	return n
}

// clearSlotLocked removes the slot from every lookup index and resets
// it. Caller holds e.mu.
func (e *Engine) clearSlotLocked(s *Slot) {
	if s.OrderID != "" {
		delete(e.byOrderID, s.OrderID)
	}
	if s.ClientID != "" {
		delete(e.byClientID, s.ClientID)
	}
	if s.ReqID != 0 {
		delete(e.byReqID, s.ReqID)
	}
	s.reset()
}

func (e *Engine) reqID() int64 {
	e.nextReqID++
	return e.nextReqID
}
