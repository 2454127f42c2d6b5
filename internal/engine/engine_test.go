package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridflow/internal/rate"
	"gridflow/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestEngine(slots int) *Engine {
	return New(Config{
		Symbol:         "BTC/USD",
		Slots:          slots,
		PriceEpsilon:   dec("0.00000001"),
		QtyEpsilon:     dec("0.00000001"),
		PendingTimeout: 30 * time.Second,
	}, rate.NewBudget(180, 3.75, 0.8))
}

func level(price, qty string, side models.Side) *models.DesiredLevel {
	return &models.DesiredLevel{Price: dec(price), Qty: dec(qty), Side: side}
}

func TestOrderLifecycle(t *testing.T) {
	e := newTestEngine(1)

	var fills []models.FillEvent
	e.OnFill(func(f models.FillEvent) { fills = append(fills, f) })

	act := e.DecideAction(0, level("85000.0", "0.01", models.Buy))
	if act.Kind != ActionAdd {
		t.Fatalf("expected add for empty slot, got %s", act.Kind)
	}

	cmd, err := e.PrepareAdd(0, act)
	if err != nil {
		t.Fatalf("PrepareAdd: %v", err)
	}
	if cmd.Method != models.MethodAddOrder {
		t.Errorf("expected add_order, got %s", cmd.Method)
	}
	params, ok := cmd.Params.(models.AddOrderParams)
	if !ok {
		t.Fatalf("unexpected params type %T", cmd.Params)
	}
	if params.LimitPrice != "85000.0" || params.OrderQty != "0.01" {
		t.Errorf("unexpected add params: %+v", params)
	}
	if params.ClOrdID == "" {
		t.Error("add must carry a client order id")
	}
	if e.CountByState(SlotPendingNew) != 1 {
		t.Fatal("slot should be pending-new after prepare")
	}

	// Pending slot must not produce further commands.
	if act := e.DecideAction(0, level("85000.0", "0.01", models.Buy)); act.Kind != ActionNoop {
		t.Errorf("pending slot should noop, got %s", act.Kind)
	}

	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")
	if e.CountByState(SlotLive) != 1 {
		t.Fatal("slot should be live after successful ack")
	}
	if e.Snapshot()[0].OrderID != "O1" {
		t.Errorf("slot should hold exchange order id, got %q", e.Snapshot()[0].OrderID)
	}

	// Partial fill keeps the slot live.
	e.OnExecutionEvent(models.ExecutionEvent{OrderID: "O1", ExecType: models.ExecTrade, LastQty: dec("0.004")})
	if e.CountByState(SlotLive) != 1 {
		t.Fatal("partially filled slot must stay live")
	}
	if len(fills) != 0 {
		t.Fatal("partial fill must not emit a fill event")
	}

	// Completing fill clears the slot and emits exactly one fill event.
	e.OnExecutionEvent(models.ExecutionEvent{OrderID: "O1", ExecType: models.ExecTrade, LastQty: dec("0.006")})
	if e.CountByState(SlotEmpty) != 1 {
		t.Fatal("filled slot must reset to empty")
	}
	if len(fills) != 1 {
		t.Fatalf("expected one fill event, got %d", len(fills))
	}
	if fills[0].OrderID != "O1" || !fills[0].Qty.Equal(dec("0.01")) {
		t.Errorf("unexpected fill event: %+v", fills[0])
	}

	// Late duplicates for the cleared order are ignored.
	e.OnExecutionEvent(models.ExecutionEvent{OrderID: "O1", ExecType: models.ExecTrade, LastQty: dec("0.001")})
	if len(fills) != 1 {
		t.Fatal("cleared order must not emit further fills")
	}
}

func TestAddOrderRejection(t *testing.T) {
	e := newTestEngine(1)
	cmd, err := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Sell)))
	if err != nil {
		t.Fatalf("PrepareAdd: %v", err)
	}
	e.OnAddOrderAck(cmd.ReqID, "", false, "EOrder:Insufficient funds")
	if e.CountByState(SlotEmpty) != 1 {
		t.Fatal("rejected add must reset the slot")
	}
}

func TestHandleMethodReplyRoutesAdd(t *testing.T) {
	e := newTestEngine(1)
	cmd, err := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	if err != nil {
		t.Fatalf("PrepareAdd: %v", err)
	}
	e.HandleMethodReply(&models.MethodReply{
		Method:  models.MethodAddOrder,
		ReqID:   cmd.ReqID,
		Success: true,
		Result:  []byte(`{"order_id":"OX"}`),
	})
	if s := e.Snapshot()[0]; s.State != SlotLive || s.OrderID != "OX" {
		t.Fatalf("reply routing failed, slot %+v", s)
	}
}

func TestAmendDecision(t *testing.T) {
	e := newTestEngine(1)
	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")

	// Same level within epsilon: nothing to do.
	if act := e.DecideAction(0, level("100.0", "1", models.Buy)); act.Kind != ActionNoop {
		t.Errorf("unchanged level should noop, got %s", act.Kind)
	}

	// Price moved: amend carrying only the price.
	act := e.DecideAction(0, level("101.0", "1", models.Buy))
	if act.Kind != ActionAmend {
		t.Fatalf("expected amend, got %s", act.Kind)
	}
	if act.NewPrice == nil || act.NewQty != nil {
		t.Fatalf("amend should carry only the changed field: %+v", act)
	}

	// Side flip cannot be amended.
	if act := e.DecideAction(0, level("101.0", "1", models.Sell)); act.Kind != ActionCancel {
		t.Errorf("side change should cancel, got %s", act.Kind)
	}

	// Level no longer wanted.
	if act := e.DecideAction(0, nil); act.Kind != ActionCancel {
		t.Errorf("dropped level should cancel, got %s", act.Kind)
	}
}

func TestPartialFillDoesNotTriggerAmend(t *testing.T) {
	e := newTestEngine(1)
	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")
	e.OnExecutionEvent(models.ExecutionEvent{OrderID: "O1", ExecType: models.ExecTrade, LastQty: dec("0.4")})

	// Quantities compare as totals: a partial fill with an unchanged
	// level must not amend, or the slot would re-send the same amend
	// every cycle and bleed budget.
	if act := e.DecideAction(0, level("100.0", "1", models.Buy)); act.Kind != ActionNoop {
		t.Fatalf("unchanged level after partial fill should noop, got %s", act.Kind)
	}

	// A genuine quantity change still amends, carrying the new total.
	act := e.DecideAction(0, level("100.0", "2", models.Buy))
	if act.Kind != ActionAmend || act.NewQty == nil || !act.NewQty.Equal(dec("2")) {
		t.Fatalf("changed quantity should amend to the new total, got %+v", act)
	}
}

func TestAmendAckAppliesDesired(t *testing.T) {
	e := newTestEngine(1)
	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")

	act := e.DecideAction(0, level("101.0", "2", models.Buy))
	if _, err := e.PrepareAmend(0, act); err != nil {
		t.Fatalf("PrepareAmend: %v", err)
	}
	if e.CountByState(SlotAmendPending) != 1 {
		t.Fatal("slot should be amend-pending")
	}

	e.OnAmendOrderAck("O1", true, "")
	s := e.Snapshot()[0]
	if s.State != SlotLive {
		t.Fatalf("slot should return to live, got %s", s.State)
	}
	if !s.Price.Equal(dec("101.0")) || !s.Qty.Equal(dec("2")) {
		t.Errorf("successful amend must apply desired values, got price=%s qty=%s", s.Price, s.Qty)
	}
}

func TestAmendAckFailureKeepsPriorValues(t *testing.T) {
	e := newTestEngine(1)
	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")

	if _, err := e.PrepareAmend(0, e.DecideAction(0, level("101.0", "1", models.Buy))); err != nil {
		t.Fatalf("PrepareAmend: %v", err)
	}
	e.OnAmendOrderAck("O1", false, "EOrder:Invalid price")

	s := e.Snapshot()[0]
	if s.State != SlotLive {
		t.Fatalf("failed amend must revert to live, got %s", s.State)
	}
	if !s.Price.Equal(dec("100.0")) {
		t.Errorf("failed amend must keep prior price, got %s", s.Price)
	}
}

func TestCancelLifecycle(t *testing.T) {
	e := newTestEngine(1)
	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")

	act := e.DecideAction(0, nil)
	if _, err := e.PrepareCancel(0, act); err != nil {
		t.Fatalf("PrepareCancel: %v", err)
	}
	if e.CountByState(SlotCancelPending) != 1 {
		t.Fatal("slot should be cancel-pending")
	}

	// Failure leaves the slot untouched; the execution stream settles it.
	e.OnCancelAck("O1", false, "EOrder:Unknown order")
	if e.CountByState(SlotCancelPending) != 1 {
		t.Fatal("failed cancel must not clear the slot")
	}
	e.OnExecutionEvent(models.ExecutionEvent{OrderID: "O1", ExecType: models.ExecCanceled})
	if e.CountByState(SlotEmpty) != 1 {
		t.Fatal("canceled execution must clear the slot")
	}
}

func TestCancelAckSuccessClears(t *testing.T) {
	e := newTestEngine(1)
	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")
	if _, err := e.PrepareCancel(0, e.DecideAction(0, nil)); err != nil {
		t.Fatalf("PrepareCancel: %v", err)
	}
	e.OnCancelAck("O1", true, "")
	if e.CountByState(SlotEmpty) != 1 {
		t.Fatal("successful cancel must clear the slot")
	}
}

func TestStalePendingForcesCancel(t *testing.T) {
	e := newTestEngine(1)
	now := time.Now()
	e.now = func() time.Time { return now }

	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")
	if _, err := e.PrepareAmend(0, e.DecideAction(0, level("101.0", "1", models.Buy))); err != nil {
		t.Fatalf("PrepareAmend: %v", err)
	}

	// Within the timeout the slot stays quiet.
	now = now.Add(10 * time.Second)
	if act := e.DecideAction(0, level("101.0", "1", models.Buy)); act.Kind != ActionNoop {
		t.Fatalf("unexpired pending should noop, got %s", act.Kind)
	}

	now = now.Add(25 * time.Second)
	act := e.DecideAction(0, level("101.0", "1", models.Buy))
	if act.Kind != ActionCancel || act.OrderID != "O1" {
		t.Fatalf("stale pending must force a cancel of O1, got %+v", act)
	}
	if _, err := e.PrepareCancel(0, act); err != nil {
		t.Fatalf("PrepareCancel after stale pending: %v", err)
	}
}

func TestStalePendingNewWithoutOrderIDWaits(t *testing.T) {
	e := newTestEngine(1)
	now := time.Now()
	e.now = func() time.Time { return now }

	if _, err := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy))); err != nil {
		t.Fatalf("PrepareAdd: %v", err)
	}
	now = now.Add(time.Minute)
	// No exchange order id yet, so there is nothing to cancel.
	if act := e.DecideAction(0, level("100.0", "1", models.Buy)); act.Kind != ActionNoop {
		t.Fatalf("pending-new without order id must wait, got %s", act.Kind)
	}
}

func TestExpireStuckCancels(t *testing.T) {
	e := newTestEngine(1)
	now := time.Now()
	e.now = func() time.Time { return now }

	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")
	if _, err := e.PrepareCancel(0, e.DecideAction(0, nil)); err != nil {
		t.Fatalf("PrepareCancel: %v", err)
	}

	now = now.Add(45 * time.Second)
	if n := e.ExpireStuckCancels(); n != 0 {
		t.Fatalf("cancel within 2x timeout must survive, expired %d", n)
	}
	now = now.Add(20 * time.Second)
	if n := e.ExpireStuckCancels(); n != 1 {
		t.Fatalf("expected one expired cancel, got %d", n)
	}
	if e.CountByState(SlotEmpty) != 1 {
		t.Fatal("expired cancel must clear the slot")
	}
}

func TestExecutionPromotesPendingNewByClientID(t *testing.T) {
	e := newTestEngine(1)
	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	clID := cmd.Params.(models.AddOrderParams).ClOrdID

	// The execution stream can outrun the method ack.
	e.OnExecutionEvent(models.ExecutionEvent{OrderID: "O9", ClOrdID: clID, ExecType: models.ExecNew})
	s := e.Snapshot()[0]
	if s.State != SlotLive || s.OrderID != "O9" {
		t.Fatalf("exec new must promote pending slot, got %+v", s)
	}
}

func TestExecutionRateCountCorrectsBudget(t *testing.T) {
	budget := rate.NewBudget(180, 3.75, 0.8)
	e := New(Config{Symbol: "BTC/USD", Slots: 1, PendingTimeout: time.Second}, budget)

	v := 42.0
	e.OnExecutionEvent(models.ExecutionEvent{OrderID: "untracked", ExecType: models.ExecTrade, RateCount: &v})
	if got := budget.EstimatedCount(); got > 42.0 || got < 41.0 {
		t.Errorf("server rate count must override estimate, got %v", got)
	}
}

func TestFilledNeverExceedsQty(t *testing.T) {
	e := newTestEngine(1)
	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")

	var fills []models.FillEvent
	e.OnFill(func(f models.FillEvent) { fills = append(fills, f) })

	// Overshooting report is clamped and still settles as one fill.
	e.OnExecutionEvent(models.ExecutionEvent{OrderID: "O1", ExecType: models.ExecTrade, LastQty: dec("1.5")})
	if len(fills) != 1 {
		t.Fatalf("expected one fill, got %d", len(fills))
	}
	if !fills[0].Qty.Equal(dec("1")) {
		t.Errorf("fill quantity must be clamped to order quantity, got %s", fills[0].Qty)
	}
}

func TestRestatedAdoptsExchangeValues(t *testing.T) {
	e := newTestEngine(1)
	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")
	if _, err := e.PrepareAmend(0, e.DecideAction(0, level("101.0", "1", models.Buy))); err != nil {
		t.Fatalf("PrepareAmend: %v", err)
	}

	e.OnExecutionEvent(models.ExecutionEvent{
		OrderID:    "O1",
		ExecType:   models.ExecRestated,
		LimitPrice: dec("101.5"),
		OrderQty:   dec("1"),
	})
	s := e.Snapshot()[0]
	if s.State != SlotLive || !s.Price.Equal(dec("101.5")) {
		t.Fatalf("restated order must adopt exchange values, got %+v", s)
	}
}

func TestBudgetExhaustion(t *testing.T) {
	budget := rate.NewBudget(2, 0.001, 1.0)
	e := New(Config{
		Symbol:         "BTC/USD",
		Slots:          3,
		PendingTimeout: time.Minute,
	}, budget)

	for i := 0; i < 2; i++ {
		if _, err := e.PrepareAdd(i, e.DecideAction(i, level("100.0", "1", models.Buy))); err != nil {
			t.Fatalf("add %d should fit the budget: %v", i, err)
		}
	}
	_, err := e.PrepareAdd(2, e.DecideAction(2, level("100.0", "1", models.Buy)))
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if e.Snapshot()[2].State != SlotEmpty {
		t.Fatal("refused add must leave the slot empty")
	}
}

func TestReconcileSnapshot(t *testing.T) {
	e := newTestEngine(3)

	// Slot 0: live, present in snapshot with drifted values.
	cmd0, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd0.ReqID, "O1", true, "")

	// Slot 1: pending-new, identified in the snapshot by client id.
	cmd1, _ := e.PrepareAdd(1, e.DecideAction(1, level("99.0", "1", models.Buy)))
	cl1 := cmd1.Params.(models.AddOrderParams).ClOrdID

	// Slot 2: live but gone from the exchange, fully filled per trades.
	cmd2, _ := e.PrepareAdd(2, e.DecideAction(2, level("98.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd2.ReqID, "O3", true, "")

	var fills []models.FillEvent
	e.OnFill(func(f models.FillEvent) { fills = append(fills, f) })

	orphans := e.ReconcileSnapshot([]models.OpenOrder{
		{OrderID: "O1", Symbol: "BTC/USD", Side: models.Buy, LimitPrice: dec("100.5"), OrderQty: dec("1"), CumQty: dec("0.25")},
		{OrderID: "O2", ClOrdID: cl1, Symbol: "BTC/USD", Side: models.Buy, LimitPrice: dec("99.0"), OrderQty: dec("1")},
		{OrderID: "O7", Symbol: "BTC/USD", Side: models.Sell, LimitPrice: dec("120.0"), OrderQty: dec("1")},
	}, []models.ExecutionEvent{
		{OrderID: "O3", ExecType: models.ExecFilled, CumQty: dec("1")},
	})

	if len(orphans) != 1 || orphans[0] != "O7" {
		t.Fatalf("expected orphan O7, got %v", orphans)
	}

	s0 := e.Snapshot()[0]
	if s0.State != SlotLive || !s0.Price.Equal(dec("100.5")) || !s0.FilledQty.Equal(dec("0.25")) {
		t.Errorf("slot 0 must adopt exchange values, got %+v", s0)
	}
	s1 := e.Snapshot()[1]
	if s1.State != SlotLive || s1.OrderID != "O2" {
		t.Errorf("slot 1 must be matched by client id, got %+v", s1)
	}
	s2 := e.Snapshot()[2]
	if s2.State != SlotEmpty {
		t.Errorf("slot 2 must be cleared, got %+v", s2)
	}
	if len(fills) != 1 || fills[0].OrderID != "O3" {
		t.Errorf("slot 2 fill must be credited from trade history, got %v", fills)
	}
}

func TestReconcileUnprovenDisappearance(t *testing.T) {
	e := newTestEngine(1)
	cmd, _ := e.PrepareAdd(0, e.DecideAction(0, level("100.0", "1", models.Buy)))
	e.OnAddOrderAck(cmd.ReqID, "O1", true, "")

	var fills []models.FillEvent
	e.OnFill(func(f models.FillEvent) { fills = append(fills, f) })

	// Order vanished with no trade evidence: clear, but credit nothing.
	orphans := e.ReconcileSnapshot(nil, nil)
	if len(orphans) != 0 {
		t.Fatalf("unexpected orphans %v", orphans)
	}
	if e.CountByState(SlotEmpty) != 1 {
		t.Fatal("vanished order must clear the slot")
	}
	if len(fills) != 0 {
		t.Fatal("no fill may be credited without trade evidence")
	}
}
