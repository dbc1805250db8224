package orders

import (
	"encoding/json"
	"time"

	"github.com/jmareth/tradewind/internal/domain"
	"github.com/jmareth/tradewind/internal/gateway"
)

// AttachListeners registers the persistent gateway listeners. Attached
// once at process start; the broker keeps them across reconnects.
// Handlers run on the session read loop, so store writes are naturally
// serialised per event stream.
func (s *Service) AttachListeners() {
	s.broker.GlobalListener(gateway.KindOrderStatus, s.onOrderStatus)
	s.broker.GlobalListener(gateway.KindExecDetails, s.onExecDetails)
	s.broker.GlobalListener(gateway.KindCommissionReport, s.onCommissionReport)
	s.log.Info().Msg("Persistent order listeners attached")
}

// onOrderStatus reconciles a status event into the store. Events for
// orders this process never recorded are skipped: they belong to
// another client on the same gateway.
func (s *Service) onOrderStatus(f gateway.Frame) {
	var ev gateway.OrderStatusEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		s.log.Error().Err(err).Msg("Malformed order status event")
		return
	}

	known, err := s.store.GetOrder(ev.OrderID)
	if err != nil {
		s.log.Error().Err(err).Int64("order_id", ev.OrderID).Msg("Failed to look up order for status event")
		return
	}
	if known == nil {
		return
	}

	var avg *float64
	if ev.AvgFillPrice > 0 {
		avg = &ev.AvgFillPrice
	}
	if err := s.store.UpdateOrderStatus(ev.OrderID, ev.Status, &ev.Filled, avg); err != nil {
		s.log.Error().Err(err).Int64("order_id", ev.OrderID).Msg("Failed to update order status")
		return
	}
	s.log.Debug().Int64("order_id", ev.OrderID).Str("status", ev.Status).
		Float64("filled", ev.Filled).Msg("Order status reconciled")
}

// onExecDetails records a fill, carrying the owning order's
// correlation id onto the execution row.
func (s *Service) onExecDetails(f gateway.Frame) {
	var ev gateway.ExecDetailsEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		s.log.Error().Err(err).Msg("Malformed exec details event")
		return
	}

	known, err := s.store.GetOrder(ev.OrderID)
	if err != nil {
		s.log.Error().Err(err).Int64("order_id", ev.OrderID).Msg("Failed to look up order for execution")
		return
	}
	if known == nil {
		return
	}

	exec := domain.Execution{
		ExecID:        ev.ExecID,
		OrderID:       ev.OrderID,
		Symbol:        ev.Symbol,
		Side:          domain.ExecSide(ev.Side),
		Shares:        ev.Shares,
		Price:         ev.Price,
		CumQty:        ev.CumQty,
		AvgPrice:      ev.AvgPrice,
		Account:       ev.Account,
		Timestamp:     time.Unix(ev.TimeUnix, 0).UTC(),
		CorrelationID: known.CorrelationID,
	}
	if err := s.store.InsertExecution(exec); err != nil {
		s.log.Error().Err(err).Str("exec_id", ev.ExecID).Msg("Failed to insert execution")
		return
	}
	s.log.Debug().Str("exec_id", ev.ExecID).Int64("order_id", ev.OrderID).
		Float64("shares", ev.Shares).Msg("Execution recorded")

	if s.onFill != nil {
		s.onFill(exec)
	}
}

// onCommissionReport updates an execution row keyed by exec id.
// Commission reports carry no request id and no order id.
func (s *Service) onCommissionReport(f gateway.Frame) {
	var ev gateway.CommissionReportEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		s.log.Error().Err(err).Msg("Malformed commission report")
		return
	}
	if err := s.store.UpdateExecutionCommission(ev.ExecID, ev.Commission, ev.RealizedPnL); err != nil {
		s.log.Error().Err(err).Str("exec_id", ev.ExecID).Msg("Failed to record commission")
		return
	}
	if s.onCommission != nil {
		s.onCommission(ev.ExecID)
	}
}
