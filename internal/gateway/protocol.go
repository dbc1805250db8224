// Package gateway owns the single long-lived TCP session to the
// brokerage gateway. It exposes a request/response broker over the
// gateway's async event stream, supervises the session via heartbeats
// with graded recovery, and reconnects with exponential backoff.
package gateway

import "encoding/json"

// Kind identifies the type of a wire frame.
type Kind string

// Request kinds sent to the gateway.
const (
	KindHandshake           Kind = "handshake"
	KindHeartbeat           Kind = "heartbeat"
	KindNextOrderID         Kind = "next_order_id"
	KindPlaceOrder          Kind = "place_order"
	KindCancelOrder         Kind = "cancel_order"
	KindCancelAll           Kind = "cancel_all"
	KindOpenOrders          Kind = "open_orders"
	KindPositions           Kind = "positions"
	KindNewsBulletins       Kind = "news_bulletins"
	KindCancelNewsBulletins Kind = "cancel_news_bulletins"
)

// Event kinds received from the gateway.
const (
	KindHandshakeAck     Kind = "handshake_ack"
	KindHeartbeatAck     Kind = "heartbeat_ack"
	KindOrderIDs         Kind = "order_ids"
	KindOrderStatus      Kind = "order_status"
	KindExecDetails      Kind = "exec_details"
	KindCommissionReport Kind = "commission_report"
	KindOpenOrder        Kind = "open_order"
	KindOpenOrdersEnd    Kind = "open_orders_end"
	KindPosition         Kind = "position"
	KindPositionsEnd     Kind = "positions_end"
	KindNewsBulletin     Kind = "news_bulletin"
	KindError            Kind = "error"
)

// ConnectionLevelReqID tags error frames that concern the connection
// rather than a specific request.
const ConnectionLevelReqID = -1

// Frame is one newline-delimited JSON message on the wire. Responses
// carry the originating request id; commission reports correlate by
// exec id only and news bulletins are untagged (ReqID = 0).
type Frame struct {
	Kind    Kind            `json:"kind"`
	ReqID   int64           `json:"req_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// NewFrame builds a frame with a marshalled payload. Marshalling
// domain payloads cannot fail; a failure here is a programming error.
func NewFrame(kind Kind, reqID int64, payload interface{}) (Frame, error) {
	f := Frame{Kind: kind, ReqID: reqID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}

// HandshakeRequest negotiates a client id with the gateway.
type HandshakeRequest struct {
	ClientID int `json:"client_id"`
}

// HandshakeAck is the gateway's reply to a handshake. A rejected
// handshake with InUse set means the client id is taken and the
// session should retry with id+1.
type HandshakeAck struct {
	Accepted bool   `json:"accepted"`
	InUse    bool   `json:"in_use,omitempty"`
	ServerID int    `json:"server_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HeartbeatPayload carries the send timestamp so the ack latency can
// be measured without clock coordination.
type HeartbeatPayload struct {
	SentAtUnixMs int64 `json:"sent_at_unix_ms"`
}

// NextOrderIDRequest asks the gateway to allocate Count consecutive
// order ids; the bracket pipeline requests three.
type NextOrderIDRequest struct {
	Count int `json:"count"`
}

// OrderIDsPayload is the gateway's order-id allocation reply.
type OrderIDsPayload struct {
	OrderID int64 `json:"order_id"` // first of the allocated block
	Count   int   `json:"count"`
}

// WireOrder is the gateway's view of an order.
type WireOrder struct {
	OrderID          int64    `json:"order_id"`
	Symbol           string   `json:"symbol"`
	Side             string   `json:"side"`
	OrderType        string   `json:"order_type"`
	Quantity         float64  `json:"quantity"`
	LimitPrice       *float64 `json:"limit_price,omitempty"`
	AuxPrice         *float64 `json:"aux_price,omitempty"`
	TrailingPercent  *float64 `json:"trailing_percent,omitempty"`
	DiscretionaryAmt *float64 `json:"discretionary_amt,omitempty"`
	TimeInForce      string   `json:"time_in_force,omitempty"`
	ParentOrderID    int64    `json:"parent_order_id,omitempty"`
	OCAGroup         string   `json:"oca_group,omitempty"`
	OCAType          int      `json:"oca_type,omitempty"`
	Transmit         bool     `json:"transmit"`
	// Status is set on open_order snapshots only.
	Status string `json:"status,omitempty"`
}

// OrderStatusEvent reports a change in an order's lifecycle.
type OrderStatusEvent struct {
	OrderID      int64   `json:"order_id"`
	Status       string  `json:"status"`
	Filled       float64 `json:"filled"`
	Remaining    float64 `json:"remaining"`
	AvgFillPrice float64 `json:"avg_fill_price"`
}

// ExecDetailsEvent reports a single fill.
type ExecDetailsEvent struct {
	ExecID   string  `json:"exec_id"`
	OrderID  int64   `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // BOT / SLD
	Shares   float64 `json:"shares"`
	Price    float64 `json:"price"`
	CumQty   float64 `json:"cum_qty"`
	AvgPrice float64 `json:"avg_price"`
	Account  string  `json:"account,omitempty"`
	TimeUnix int64   `json:"time_unix"`
}

// CommissionReportEvent arrives without a request id; it correlates by
// exec id only.
type CommissionReportEvent struct {
	ExecID      string   `json:"exec_id"`
	Commission  float64  `json:"commission"`
	RealizedPnL *float64 `json:"realized_pnl,omitempty"`
}

// CancelOrderRequest cancels one order by id.
type CancelOrderRequest struct {
	OrderID int64 `json:"order_id"`
}

// PositionEvent reports one open position during a positions snapshot.
type PositionEvent struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"` // signed: negative = short
	AvgCost  float64 `json:"avg_cost"`
	Account  string  `json:"account,omitempty"`
}
