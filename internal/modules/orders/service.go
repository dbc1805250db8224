// Package orders implements the order pipeline: validation, simple and
// bracket placement, in-place modification, cancellation, flattening,
// and the persistent listeners that reconcile gateway events into the
// store.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jmareth/tradewind/internal/config"
	"github.com/jmareth/tradewind/internal/domain"
	"github.com/jmareth/tradewind/internal/gateway"
)

// StatusInFlight is returned when the gateway does not confirm within
// the order timeout. The order is not failed: the persistent listener
// updates the record when the status event eventually arrives.
const StatusInFlight = "Submitted (timeout waiting for confirmation)"

// flattenSettleDelay separates the global cancel from the flattening
// market orders so the gateway has settled the cancels first.
const flattenSettleDelay = 2 * time.Second

// OrderStore is the slice of the durable store the pipeline needs.
type OrderStore interface {
	InsertOrder(o domain.Order) error
	UpdateOrderStatus(orderID int64, status string, filled, avgPrice *float64) error
	UpdateOrderFields(orderID int64, quantity float64, limitPrice, auxPrice, trailingPct *float64, timeInForce string) error
	GetOrder(orderID int64) (*domain.Order, error)
	InsertExecution(e domain.Execution) error
	UpdateExecutionCommission(execID string, commission float64, realizedPnL *float64) error
}

// Broker is the request/response surface of the gateway broker.
type Broker interface {
	Send(ctx context.Context, kind gateway.Kind, payload interface{}) (int64, error)
	Call(ctx context.Context, kind gateway.Kind, payload interface{}, timeout time.Duration, expect ...gateway.Kind) (gateway.Frame, error)
	CallCollect(ctx context.Context, kind gateway.Kind, payload interface{}, timeout time.Duration, collect, until gateway.Kind) ([]gateway.Frame, error)
	GlobalListener(kind gateway.Kind, handler func(gateway.Frame))
}

// Service coordinates order placement against the gateway and the
// durable store.
type Service struct {
	log    zerolog.Logger
	store  OrderStore
	broker Broker

	orderTimeout time.Duration
	execTimeout  time.Duration
	settleDelay  time.Duration

	// invoked after each recorded fill; the auto-linker hooks in here
	onFill func(domain.Execution)
	// invoked after each commission report; drives the close-check debounce
	onCommission func(execID string)
}

// SetFillHook registers a callback for each fill the persistent
// listener records. Must be set before AttachListeners.
func (s *Service) SetFillHook(h func(domain.Execution)) { s.onFill = h }

// SetCommissionHook registers a callback for each commission report.
// Must be set before AttachListeners.
func (s *Service) SetCommissionHook(h func(execID string)) { s.onCommission = h }

// NewService creates the order pipeline service.
func NewService(store OrderStore, broker Broker, cfg config.IBKRConfig, log zerolog.Logger) *Service {
	return &Service{
		log:          log.With().Str("service", "orders").Logger(),
		store:        store,
		broker:       broker,
		orderTimeout: time.Duration(cfg.OrderTimeoutMs) * time.Millisecond,
		execTimeout:  time.Duration(cfg.ExecutionTimeoutMs) * time.Millisecond,
		settleDelay:  flattenSettleDelay,
	}
}

// PlaceRequest is an order intent from a caller.
type PlaceRequest struct {
	Symbol           string   `json:"symbol"`
	Side             string   `json:"side"`
	OrderType        string   `json:"order_type"`
	Quantity         float64  `json:"quantity"`
	LimitPrice       *float64 `json:"limit_price,omitempty"`
	AuxPrice         *float64 `json:"aux_price,omitempty"`
	TrailingPercent  *float64 `json:"trailing_percent,omitempty"`
	DiscretionaryAmt *float64 `json:"discretionary_amt,omitempty"`
	TimeInForce      string   `json:"time_in_force,omitempty"`
	EvaluationID     string   `json:"evaluation_id,omitempty"`
	JournalID        string   `json:"journal_id,omitempty"`
	OrderSource      string   `json:"order_source,omitempty"`
	StrategyVersion  string   `json:"strategy_version,omitempty"`
}

// PlaceResult reports a placed (or in-flight) order back to the caller.
type PlaceResult struct {
	OrderID       int64  `json:"order_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

// PlaceOrder validates, persists, and submits a simple order, then
// waits for the first correlated status event.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	o := s.orderFromRequest(req)
	if err := s.validate(o); err != nil {
		return nil, err
	}

	ids, err := s.nextOrderIDs(ctx, 1)
	if err != nil {
		return nil, err
	}
	o.OrderID = ids
	o.CorrelationID = uuid.NewString()
	o.Transmit = true

	if err := s.store.InsertOrder(o); err != nil {
		return nil, err
	}

	status, err := s.submitAndAwait(ctx, o)
	if err != nil {
		return nil, err
	}

	s.log.Info().Int64("order_id", o.OrderID).Str("symbol", o.Symbol).
		Str("status", status).Msg("Order placed")
	return &PlaceResult{OrderID: o.OrderID, Status: status, CorrelationID: o.CorrelationID}, nil
}

// BracketRequest describes an entry with attached take-profit and
// stop-loss children.
type BracketRequest struct {
	Symbol          string   `json:"symbol"`
	Side            string   `json:"side"`
	Quantity        float64  `json:"quantity"`
	EntryType       string   `json:"entry_type,omitempty"` // default MKT
	EntryLimit      *float64 `json:"entry_limit,omitempty"`
	TakeProfit      float64  `json:"take_profit"`
	StopLoss        float64  `json:"stop_loss"`
	StopType        string   `json:"stop_type,omitempty"` // default STP
	StopLimit       *float64 `json:"stop_limit,omitempty"`
	TrailingPercent *float64 `json:"trailing_percent,omitempty"`
	TimeInForce     string   `json:"time_in_force,omitempty"`
	EvaluationID    string   `json:"evaluation_id,omitempty"`
	OrderSource     string   `json:"order_source,omitempty"`
	// OCA makes the two children mutually exclusive at the gateway.
	OCA     bool `json:"oca,omitempty"`
	OCAType int  `json:"oca_type,omitempty"` // default 1: cancel with block
}

// BracketResult identifies the three legs of a placed bracket.
type BracketResult struct {
	ParentOrderID     int64  `json:"parent_order_id"`
	TakeProfitOrderID int64  `json:"take_profit_order_id"`
	StopLossOrderID   int64  `json:"stop_loss_order_id"`
	CorrelationID     string `json:"correlation_id"`
	OCAGroup          string `json:"oca_group,omitempty"`
	Status            string `json:"status"`
}

// PlaceBracket places a three-leg bracket: entry, take-profit, and
// stop-loss on consecutive order ids sharing one correlation id.
// Transmission protocol: parent and take-profit carry transmit=false;
// only the stop-loss transmits, making the gateway accept the triplet
// atomically. All three rows are persisted before transmission.
func (s *Service) PlaceBracket(ctx context.Context, req BracketRequest) (*BracketResult, error) {
	parent, tp, sl, err := s.buildBracket(req, 0, "")
	if err != nil {
		return nil, err
	}

	firstID, err := s.nextOrderIDs(ctx, 3)
	if err != nil {
		return nil, err
	}

	corrID := uuid.NewString()
	ocaGroup := ""
	if req.OCA {
		ocaGroup = fmt.Sprintf("bracket_%d_%d", firstID, time.Now().Unix())
	}
	parent, tp, sl, err = s.buildBracket(req, firstID, ocaGroup)
	if err != nil {
		return nil, err
	}
	for _, o := range []*domain.Order{&parent, &tp, &sl} {
		o.CorrelationID = corrID
	}

	for _, o := range []domain.Order{parent, tp, sl} {
		if err := s.store.InsertOrder(o); err != nil {
			return nil, err
		}
	}

	if _, err := s.broker.Send(ctx, gateway.KindPlaceOrder, wireOrder(parent)); err != nil {
		return nil, err
	}
	if _, err := s.broker.Send(ctx, gateway.KindPlaceOrder, wireOrder(tp)); err != nil {
		return nil, err
	}
	status, err := s.submitAndAwait(ctx, sl)
	if err != nil {
		return nil, err
	}

	s.log.Info().Int64("parent", parent.OrderID).Str("symbol", req.Symbol).
		Bool("oca", req.OCA).Str("status", status).Msg("Bracket placed")
	return &BracketResult{
		ParentOrderID:     parent.OrderID,
		TakeProfitOrderID: tp.OrderID,
		StopLossOrderID:   sl.OrderID,
		CorrelationID:     corrID,
		OCAGroup:          ocaGroup,
		Status:            status,
	}, nil
}

// buildBracket constructs and validates the three legs. Called once
// with zero ids for early validation and again with allocated ids.
func (s *Service) buildBracket(req BracketRequest, firstID int64, ocaGroup string) (parent, tp, sl domain.Order, err error) {
	entryType := req.EntryType
	if entryType == "" {
		entryType = TypeMarket
	}
	stopType := req.StopType
	if stopType == "" {
		stopType = TypeStop
	}
	ocaType := req.OCAType
	if req.OCA && ocaType == 0 {
		ocaType = 1
	}

	childSide := domain.SideSell
	if domain.Side(req.Side) == domain.SideSell {
		childSide = domain.SideBuy
	}

	parent = domain.Order{
		OrderID:      firstID,
		Symbol:       req.Symbol,
		Side:         domain.Side(req.Side),
		OrderType:    entryType,
		Quantity:     req.Quantity,
		LimitPrice:   req.EntryLimit,
		TimeInForce:  req.TimeInForce,
		EvaluationID: req.EvaluationID,
		OrderSource:  req.OrderSource,
		Transmit:     false,
	}

	parentID := firstID
	tpPrice := req.TakeProfit
	tp = domain.Order{
		OrderID:       firstID + 1,
		Symbol:        req.Symbol,
		Side:          childSide,
		OrderType:     TypeLimit,
		Quantity:      req.Quantity,
		LimitPrice:    &tpPrice,
		TimeInForce:   req.TimeInForce,
		ParentOrderID: &parentID,
		OCAGroup:      ocaGroup,
		EvaluationID:  req.EvaluationID,
		OrderSource:   req.OrderSource,
		Transmit:      false,
	}

	slPrice := req.StopLoss
	sl = domain.Order{
		OrderID:         firstID + 2,
		Symbol:          req.Symbol,
		Side:            childSide,
		OrderType:       stopType,
		Quantity:        req.Quantity,
		AuxPrice:        &slPrice,
		LimitPrice:      req.StopLimit,
		TrailingPercent: req.TrailingPercent,
		TimeInForce:     req.TimeInForce,
		ParentOrderID:   &parentID,
		OCAGroup:        ocaGroup,
		EvaluationID:    req.EvaluationID,
		OrderSource:     req.OrderSource,
		Transmit:        true,
	}
	if req.TrailingPercent != nil && (stopType == TypeTrail || stopType == TypeTrailLimit) {
		sl.AuxPrice = nil
	}
	if ocaGroup != "" {
		tp.OCAType = ocaType
		sl.OCAType = ocaType
	}

	for _, o := range []domain.Order{parent, tp, sl} {
		if err = s.validate(o); err != nil {
			return
		}
	}
	return
}

// ModifyRequest overlays changes onto a live order. Nil fields are
// left as the gateway reports them.
type ModifyRequest struct {
	Quantity        *float64 `json:"quantity,omitempty"`
	LimitPrice      *float64 `json:"limit_price,omitempty"`
	AuxPrice        *float64 `json:"aux_price,omitempty"`
	TrailingPercent *float64 `json:"trailing_percent,omitempty"`
	TimeInForce     *string  `json:"time_in_force,omitempty"`
}

// ModifyOrder changes a live order in place under its original order
// id. It never cancels-and-reopens: that would break OCA and bracket
// links. The store is updated only after the gateway confirms; a
// timeout counts as probably accepted, an explicit rejection leaves
// the store untouched.
func (s *Service) ModifyOrder(ctx context.Context, orderID int64, req ModifyRequest) (*PlaceResult, error) {
	live, err := s.findOpenOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if live.Status != "" && live.Status != domain.StatusPreSubmitted && live.Status != domain.StatusSubmitted {
		return nil, domain.NewValidationError("orderId",
			fmt.Sprintf("order %d is %s and cannot be modified", orderID, live.Status))
	}

	updated := *live
	changed := false
	if req.Quantity != nil && *req.Quantity != updated.Quantity {
		updated.Quantity = *req.Quantity
		changed = true
	}
	if req.LimitPrice != nil && !floatEq(req.LimitPrice, updated.LimitPrice) {
		updated.LimitPrice = req.LimitPrice
		changed = true
	}
	if req.AuxPrice != nil && !floatEq(req.AuxPrice, updated.AuxPrice) {
		updated.AuxPrice = req.AuxPrice
		changed = true
	}
	if req.TrailingPercent != nil && !floatEq(req.TrailingPercent, updated.TrailingPercent) {
		updated.TrailingPercent = req.TrailingPercent
		changed = true
	}
	if req.TimeInForce != nil && *req.TimeInForce != updated.TimeInForce {
		updated.TimeInForce = *req.TimeInForce
		changed = true
	}
	if !changed {
		return nil, domain.NewValidationError("modify", "no fields changed")
	}

	// parent and OCA linkage pass through verbatim
	updated.ParentOrderID = live.ParentOrderID
	updated.OCAGroup = live.OCAGroup
	updated.OCAType = live.OCAType
	updated.Transmit = true

	if err := s.validate(orderFromWire(updated)); err != nil {
		return nil, err
	}

	status := StatusInFlight
	frame, err := s.broker.Call(ctx, gateway.KindPlaceOrder, updated, s.orderTimeout, gateway.KindOrderStatus)
	switch {
	case err == nil:
		status = statusFromFrame(frame, status)
	case errors.Is(err, domain.ErrTimeout):
		// probably accepted; the persistent listener reconciles
	default:
		return nil, err
	}

	if err := s.store.UpdateOrderFields(orderID, updated.Quantity, updated.LimitPrice,
		updated.AuxPrice, updated.TrailingPercent, updated.TimeInForce); err != nil {
		return nil, err
	}

	stored, err := s.store.GetOrder(orderID)
	corrID := ""
	if err == nil && stored != nil {
		corrID = stored.CorrelationID
	}
	s.log.Info().Int64("order_id", orderID).Str("status", status).Msg("Order modified in place")
	return &PlaceResult{OrderID: orderID, Status: status, CorrelationID: corrID}, nil
}

// CancelOrder cancels one order. A timeout is not an error: the cancel
// is in flight and the listener records the terminal status.
func (s *Service) CancelOrder(ctx context.Context, orderID int64) (*PlaceResult, error) {
	status := StatusInFlight
	frame, err := s.broker.Call(ctx, gateway.KindCancelOrder,
		gateway.CancelOrderRequest{OrderID: orderID}, s.orderTimeout, gateway.KindOrderStatus)
	switch {
	case err == nil:
		status = statusFromFrame(frame, status)
	case errors.Is(err, domain.ErrTimeout):
	default:
		return nil, err
	}
	s.log.Info().Int64("order_id", orderID).Str("status", status).Msg("Cancel requested")
	return &PlaceResult{OrderID: orderID, Status: status}, nil
}

// CancelAll issues a global cancel for every open order.
func (s *Service) CancelAll(ctx context.Context) error {
	_, err := s.broker.Send(ctx, gateway.KindCancelAll, nil)
	if err != nil {
		return err
	}
	s.log.Warn().Msg("Global cancel issued")
	return nil
}

// Flatten closes every non-zero position at market with IOC orders,
// after a global cancel and a settle delay. Flatten bypasses any risk
// gate: it is a risk-gate action.
func (s *Service) Flatten(ctx context.Context) ([]PlaceResult, error) {
	if err := s.CancelAll(ctx); err != nil {
		return nil, err
	}

	select {
	case <-time.After(s.settleDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	frames, err := s.broker.CallCollect(ctx, gateway.KindPositions, nil, s.execTimeout,
		gateway.KindPosition, gateway.KindPositionsEnd)
	if err != nil {
		return nil, err
	}

	var results []PlaceResult
	for _, f := range frames {
		var pos gateway.PositionEvent
		if err := json.Unmarshal(f.Payload, &pos); err != nil {
			s.log.Error().Err(err).Msg("Malformed position event during flatten")
			continue
		}
		if pos.Quantity == 0 {
			continue
		}

		side := domain.SideSell
		qty := pos.Quantity
		if qty < 0 {
			side = domain.SideBuy
			qty = -qty
		}
		res, err := s.PlaceOrder(ctx, PlaceRequest{
			Symbol:      pos.Symbol,
			Side:        string(side),
			OrderType:   TypeMarket,
			Quantity:    qty,
			TimeInForce: "IOC",
			OrderSource: "flatten",
		})
		if err != nil {
			s.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to flatten position")
			continue
		}
		results = append(results, *res)
	}
	s.log.Warn().Int("positions", len(results)).Msg("Flatten complete")
	return results, nil
}

// validate applies the pure rules and warns on unknown order types.
func (s *Service) validate(o domain.Order) error {
	if err := ValidateOrder(o); err != nil {
		return err
	}
	if !KnownOrderType(o.OrderType) {
		s.log.Warn().Str("order_type", o.OrderType).Msg("Unknown order type, forwarding to gateway")
	}
	return nil
}

// nextOrderIDs allocates count consecutive order ids from the gateway
// and returns the first.
func (s *Service) nextOrderIDs(ctx context.Context, count int) (int64, error) {
	frame, err := s.broker.Call(ctx, gateway.KindNextOrderID,
		gateway.NextOrderIDRequest{Count: count}, s.orderTimeout, gateway.KindOrderIDs)
	if err != nil {
		return 0, err
	}
	var ids gateway.OrderIDsPayload
	if err := json.Unmarshal(frame.Payload, &ids); err != nil {
		return 0, fmt.Errorf("malformed order_ids payload: %w", err)
	}
	return ids.OrderID, nil
}

// submitAndAwait sends one place_order and waits for the first status
// event, mapping a timeout to the in-flight status.
func (s *Service) submitAndAwait(ctx context.Context, o domain.Order) (string, error) {
	frame, err := s.broker.Call(ctx, gateway.KindPlaceOrder, wireOrder(o), s.orderTimeout, gateway.KindOrderStatus)
	if errors.Is(err, domain.ErrTimeout) {
		return StatusInFlight, nil
	}
	if err != nil {
		return "", err
	}
	return statusFromFrame(frame, StatusInFlight), nil
}

func statusFromFrame(f gateway.Frame, fallback string) string {
	var ev gateway.OrderStatusEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil || ev.Status == "" {
		return fallback
	}
	return ev.Status
}

func (s *Service) orderFromRequest(req PlaceRequest) domain.Order {
	tif := req.TimeInForce
	if tif == "" {
		tif = "DAY"
	}
	return domain.Order{
		Symbol:           req.Symbol,
		Side:             domain.Side(req.Side),
		OrderType:        req.OrderType,
		Quantity:         req.Quantity,
		LimitPrice:       req.LimitPrice,
		AuxPrice:         req.AuxPrice,
		TrailingPercent:  req.TrailingPercent,
		DiscretionaryAmt: req.DiscretionaryAmt,
		TimeInForce:      tif,
		EvaluationID:     req.EvaluationID,
		JournalID:        req.JournalID,
		OrderSource:      req.OrderSource,
		StrategyVersion:  req.StrategyVersion,
	}
}

// findOpenOrder fetches the live open-orders snapshot and returns the
// gateway's view of one order.
func (s *Service) findOpenOrder(ctx context.Context, orderID int64) (*gateway.WireOrder, error) {
	frames, err := s.broker.CallCollect(ctx, gateway.KindOpenOrders, nil, s.execTimeout,
		gateway.KindOpenOrder, gateway.KindOpenOrdersEnd)
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		var wo gateway.WireOrder
		if err := json.Unmarshal(f.Payload, &wo); err != nil {
			continue
		}
		if wo.OrderID == orderID {
			return &wo, nil
		}
	}
	return nil, domain.NewValidationError("orderId", fmt.Sprintf("order %d is not open", orderID))
}

// wireOrder converts a domain order to its gateway representation.
func wireOrder(o domain.Order) gateway.WireOrder {
	wo := gateway.WireOrder{
		OrderID:          o.OrderID,
		Symbol:           o.Symbol,
		Side:             string(o.Side),
		OrderType:        o.OrderType,
		Quantity:         o.Quantity,
		LimitPrice:       o.LimitPrice,
		AuxPrice:         o.AuxPrice,
		TrailingPercent:  o.TrailingPercent,
		DiscretionaryAmt: o.DiscretionaryAmt,
		TimeInForce:      o.TimeInForce,
		OCAGroup:         o.OCAGroup,
		OCAType:          o.OCAType,
		Transmit:         o.Transmit,
	}
	if o.ParentOrderID != nil {
		wo.ParentOrderID = *o.ParentOrderID
	}
	return wo
}

// orderFromWire converts the gateway's view back to a domain order for
// re-validation during modify.
func orderFromWire(wo gateway.WireOrder) domain.Order {
	o := domain.Order{
		OrderID:          wo.OrderID,
		Symbol:           wo.Symbol,
		Side:             domain.Side(wo.Side),
		OrderType:        wo.OrderType,
		Quantity:         wo.Quantity,
		LimitPrice:       wo.LimitPrice,
		AuxPrice:         wo.AuxPrice,
		TrailingPercent:  wo.TrailingPercent,
		DiscretionaryAmt: wo.DiscretionaryAmt,
		TimeInForce:      wo.TimeInForce,
		OCAGroup:         wo.OCAGroup,
		OCAType:          wo.OCAType,
		Transmit:         wo.Transmit,
	}
	if wo.ParentOrderID != 0 {
		pid := wo.ParentOrderID
		o.ParentOrderID = &pid
	}
	return o
}

func floatEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
