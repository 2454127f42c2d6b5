package codec

import (
	"encoding/json"
	"testing"

	"gridflow/models"
)

func TestDecodeClassification(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Kind
	}{
		{"heartbeat", `{"channel":"heartbeat"}`, KindHeartbeat},
		{"book update", `{"channel":"book","type":"update","data":[]}`, KindChannel},
		{"executions", `{"channel":"executions","type":"snapshot","data":[]}`, KindChannel},
		{"method reply", `{"method":"add_order","req_id":7,"success":true,"result":{"order_id":"O1"}}`, KindMethodReply},
		{"status frame", `{"connection_id":123}`, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if msg.Kind != tc.want {
				t.Errorf("kind = %s, want %s", msg.Kind, tc.want)
			}
		})
	}

	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("malformed frame must return an error")
	}
}

func TestDecodeMethodReply(t *testing.T) {
	raw := `{"method":"add_order","req_id":42,"success":false,"error":"EOrder:Insufficient funds"}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	r := msg.Reply
	if r.Method != models.MethodAddOrder || r.ReqID != 42 || r.Success || r.Error != "EOrder:Insufficient funds" {
		t.Errorf("unexpected reply %+v", r)
	}
}

func TestEncodeRequest(t *testing.T) {
	frame, err := EncodeRequest(models.MethodAddOrder, 3, models.AddOrderParams{
		OrderType:  "limit",
		Side:       "buy",
		Symbol:     "BTC/USD",
		LimitPrice: "85000.0",
		OrderQty:   "0.01",
		PostOnly:   true,
		Token:      "tok",
	})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if string(decoded["method"]) != `"add_order"` {
		t.Errorf("method = %s", decoded["method"])
	}
	if string(decoded["req_id"]) != "3" {
		t.Errorf("req_id = %s", decoded["req_id"])
	}
	var params models.AddOrderParams
	if err := json.Unmarshal(decoded["params"], &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.LimitPrice != "85000.0" || !params.PostOnly || params.Token != "tok" {
		t.Errorf("unexpected params %+v", params)
	}
}

func TestDecodeBookData(t *testing.T) {
	raw := `{"channel":"book","type":"snapshot","data":[{"symbol":"BTC/USD","asks":[{"price":"85100.0","qty":"0.5"}],"bids":[{"price":"85000.0","qty":"0.3"}],"checksum":2779241604}]}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	books, err := DecodeBookData(msg.Channel.Data)
	if err != nil {
		t.Fatalf("DecodeBookData: %v", err)
	}
	if len(books) != 1 {
		t.Fatalf("expected one book entry, got %d", len(books))
	}
	b := books[0]
	if b.Symbol != "BTC/USD" || len(b.Asks) != 1 || len(b.Bids) != 1 {
		t.Fatalf("unexpected book %+v", b)
	}
	if b.Asks[0].Price != "85100.0" || b.Asks[0].Qty != "0.5" {
		t.Errorf("ask level must keep the wire strings, got %+v", b.Asks[0])
	}
	if b.Checksum == nil || *b.Checksum != 2779241604 {
		t.Errorf("checksum not decoded: %v", b.Checksum)
	}
}

func TestDecodeExecutions(t *testing.T) {
	raw := `{"channel":"executions","type":"update","data":[{"order_id":"O1","exec_type":"trade","last_qty":"0.004","cum_qty":"0.004","ratecount":17.5}]}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	evs, err := DecodeExecutions(msg.Channel.Data)
	if err != nil {
		t.Fatalf("DecodeExecutions: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected one execution, got %d", len(evs))
	}
	ev := evs[0]
	if ev.OrderID != "O1" || ev.ExecType != models.ExecTrade {
		t.Errorf("unexpected execution %+v", ev)
	}
	if !ev.LastQty.Equal(ev.CumQty) {
		t.Errorf("decimal fields decoded inconsistently: last=%s cum=%s", ev.LastQty, ev.CumQty)
	}
	if ev.RateCount == nil || *ev.RateCount != 17.5 {
		t.Errorf("ratecount not decoded: %v", ev.RateCount)
	}
}
