package models

import "encoding/json"

// MethodRequest is an outbound command frame on the Kraken Spot
// WebSocket v2 protocol. Params carries one of the *Params structs below.
type MethodRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
	ReqID  int64       `json:"req_id,omitempty"`
}

// MethodReply is the exchange's response to a MethodRequest, correlated
// by req_id. Result stays raw until the caller knows the method shape.
type MethodReply struct {
	Method  string          `json:"method"`
	ReqID   int64           `json:"req_id"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// ChannelMessage is a data frame pushed on a subscribed channel.
type ChannelMessage struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// AddOrderResult is the result payload of an add_order reply.
type AddOrderResult struct {
	OrderID string `json:"order_id"`
	ClOrdID string `json:"cl_ord_id,omitempty"`
}

// AmendOrderResult is the result payload of an amend_order reply.
type AmendOrderResult struct {
	OrderID string `json:"order_id"`
}

// CancelOrderResult is the result payload of a cancel_order reply.
type CancelOrderResult struct {
	OrderID string `json:"order_id"`
}

// AddOrderParams places a new limit order. Token is injected by the
// private session just before the frame is written.
type AddOrderParams struct {
	OrderType  string `json:"order_type"`
	Side       string `json:"side"`
	Symbol     string `json:"symbol"`
	LimitPrice string `json:"limit_price,omitempty"`
	OrderQty   string `json:"order_qty,omitempty"`
	ClOrdID    string `json:"cl_ord_id,omitempty"`
	PostOnly   bool   `json:"post_only,omitempty"`
	Token      string `json:"token,omitempty"`
}

// AmendOrderParams modifies a resting order in place, preserving queue
// priority. Only the fields that changed are set.
type AmendOrderParams struct {
	OrderID    string `json:"order_id"`
	LimitPrice string `json:"limit_price,omitempty"`
	OrderQty   string `json:"order_qty,omitempty"`
	Token      string `json:"token,omitempty"`
}

// CancelOrderParams cancels one or more resting orders.
type CancelOrderParams struct {
	OrderID []string `json:"order_id"`
	Token   string   `json:"token,omitempty"`
}

// CancelAllParams cancels every open order on the account.
type CancelAllParams struct {
	Token string `json:"token,omitempty"`
}

// CancelAfterParams arms (or with Timeout 0 disarms) the exchange-side
// dead man's switch that auto-cancels all orders if not re-armed in time.
type CancelAfterParams struct {
	Timeout int    `json:"timeout"`
	Token   string `json:"token,omitempty"`
}

// SubscribeParams subscribes to a channel. Symbols and Depth apply to
// market-data channels; Token to private channels.
type SubscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol,omitempty"`
	Depth    int      `json:"depth,omitempty"`
	Snapshot *bool    `json:"snapshot,omitempty"`
	Token    string   `json:"token,omitempty"`
}

// Method names understood by the exchange.
const (
	MethodAddOrder    = "add_order"
	MethodAmendOrder  = "amend_order"
	MethodCancelOrder = "cancel_order"
	MethodCancelAll   = "cancel_all"
	MethodCancelAfter = "cancel_all_orders_after"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// Channel names.
const (
	ChannelBook       = "book"
	ChannelTrade      = "trade"
	ChannelTicker     = "ticker"
	ChannelExecutions = "executions"
	ChannelBalances   = "balances"
	ChannelHeartbeat  = "heartbeat"
	ChannelStatus     = "status"
)
