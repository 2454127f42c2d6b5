// Package codec translates between raw Kraken Spot WebSocket v2 frames
// and the tagged message model in models. It holds no state.
package codec

import (
	"encoding/json"
	"fmt"

	"gridflow/models"
)

// Kind classifies a decoded inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindHeartbeat
	KindChannel
	KindMethodReply
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindChannel:
		return "channel"
	case KindMethodReply:
		return "method_reply"
	default:
		return "unknown"
	}
}

// Message is a decoded inbound frame. Exactly one of Channel and Reply is
// set, depending on Kind.
type Message struct {
	Kind    Kind
	Channel *models.ChannelMessage
	Reply   *models.MethodReply
}

// Decode classifies a raw frame and decodes it into the tagged model.
// Frames that are valid JSON but match no known shape come back as
// KindUnknown rather than an error so the receive loop can skip them.
func Decode(raw []byte) (Message, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}

	if _, ok := probe["channel"]; ok {
		var ch models.ChannelMessage
		if err := json.Unmarshal(raw, &ch); err != nil {
			return Message{}, fmt.Errorf("decode channel frame: %w", err)
		}
		if ch.Channel == models.ChannelHeartbeat {
			return Message{Kind: KindHeartbeat}, nil
		}
		return Message{Kind: KindChannel, Channel: &ch}, nil
	}

	if _, ok := probe["method"]; ok {
		var reply models.MethodReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return Message{}, fmt.Errorf("decode method reply: %w", err)
		}
		return Message{Kind: KindMethodReply, Reply: &reply}, nil
	}

	return Message{Kind: KindUnknown}, nil
}

// EncodeRequest serializes an outbound method frame.
func EncodeRequest(method string, reqID int64, params interface{}) ([]byte, error) {
	req := models.MethodRequest{Method: method, Params: params, ReqID: reqID}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	return data, nil
}

// DecodeBookData parses the data array of a book channel frame.
func DecodeBookData(data json.RawMessage) ([]models.BookData, error) {
	var books []models.BookData
	if err := json.Unmarshal(data, &books); err != nil {
		return nil, fmt.Errorf("decode book data: %w", err)
	}
	return books, nil
}

// DecodeExecutions parses the data array of an executions channel frame.
func DecodeExecutions(data json.RawMessage) ([]models.ExecutionEvent, error) {
	var evs []models.ExecutionEvent
	if err := json.Unmarshal(data, &evs); err != nil {
		return nil, fmt.Errorf("decode executions data: %w", err)
	}
	return evs, nil
}

// DecodeTrades parses the data array of a trade channel frame.
func DecodeTrades(data json.RawMessage) ([]models.TradeData, error) {
	var trades []models.TradeData
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, fmt.Errorf("decode trade data: %w", err)
	}
	return trades, nil
}
