package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmareth/tradewind/internal/domain"
)

// ordersColumns is the explicit column list for the orders table.
// Avoids SELECT * so schema changes cannot silently break scans.
const ordersColumns = `order_id, symbol, side, order_type, quantity, limit_price, aux_price,
	trailing_percent, discretionary_amt, time_in_force, parent_order_id, oca_group, oca_type,
	transmit, strategy_version, order_source, correlation_id, evaluation_id, journal_id,
	status, filled_quantity, avg_fill_price, created_at`

// InsertOrder persists an order intent. Idempotent on order_id: a
// duplicate insert is skipped silently.
func (s *Store) InsertOrder(o domain.Order) error {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := o.Status
	if status == "" {
		status = "PendingSubmit"
	}

	query := `
		INSERT INTO orders
		(order_id, symbol, side, order_type, quantity, limit_price, aux_price,
		 trailing_percent, discretionary_amt, time_in_force, parent_order_id, oca_group,
		 oca_type, transmit, strategy_version, order_source, correlation_id,
		 evaluation_id, journal_id, status, filled_quantity, avg_fill_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING
	`
	_, err := s.db.Exec(query,
		o.OrderID, o.Symbol, string(o.Side), o.OrderType, o.Quantity,
		nullFloat(o.LimitPrice), nullFloat(o.AuxPrice), nullFloat(o.TrailingPercent),
		nullFloat(o.DiscretionaryAmt), o.TimeInForce, nullInt(o.ParentOrderID),
		nullString(o.OCAGroup), o.OCAType, boolToInt(o.Transmit),
		nullString(o.StrategyVersion), nullString(o.OrderSource), o.CorrelationID,
		nullString(o.EvaluationID), nullString(o.JournalID), status,
		o.FilledQuantity, nullFloat(o.AvgFillPrice), createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert order %d: %w", o.OrderID, err)
	}
	return nil
}

// UpdateOrderStatus applies a gateway status event to a known order.
// Filled quantity and average price are only touched when provided.
func (s *Store) UpdateOrderStatus(orderID int64, status string, filled, avgPrice *float64) error {
	query := `
		UPDATE orders
		SET status = ?,
		    filled_quantity = COALESCE(?, filled_quantity),
		    avg_fill_price = COALESCE(?, avg_fill_price)
		WHERE order_id = ?
	`
	_, err := s.db.Exec(query, status, nullFloat(filled), nullFloat(avgPrice), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order %d status: %w", orderID, err)
	}
	return nil
}

// UpdateOrderFields overwrites the modifiable fields of an order after
// an in-place modification is confirmed by the gateway. Parent id and
// OCA linkage are deliberately not touched.
func (s *Store) UpdateOrderFields(orderID int64, quantity float64, limitPrice, auxPrice, trailingPct *float64, timeInForce string) error {
	query := `
		UPDATE orders
		SET quantity = ?,
		    limit_price = ?,
		    aux_price = ?,
		    trailing_percent = ?,
		    time_in_force = ?
		WHERE order_id = ?
	`
	_, err := s.db.Exec(query, quantity, nullFloat(limitPrice), nullFloat(auxPrice),
		nullFloat(trailingPct), timeInForce, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order %d fields: %w", orderID, err)
	}
	return nil
}

// GetOrder fetches a single order. Returns (nil, nil) when unknown so
// the persistent listeners can skip events for externally-owned orders.
func (s *Store) GetOrder(orderID int64) (*domain.Order, error) {
	row := s.db.QueryRow(`SELECT `+ordersColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", orderID, err)
	}
	return o, nil
}

// GetOrdersByCorrelation returns every order sharing a correlation id,
// oldest first. A bracket triplet shares one correlation id.
func (s *Store) GetOrdersByCorrelation(correlationID string) ([]domain.Order, error) {
	rows, err := s.db.Query(
		`SELECT `+ordersColumns+` FROM orders WHERE correlation_id = ? ORDER BY order_id ASC`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders by correlation: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRows(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row *sql.Row) (*domain.Order, error)           { return scanOrderFields(row) }
func scanOrderFromRows(rows *sql.Rows) (*domain.Order, error) { return scanOrderFields(rows) }

func scanOrderFields(r rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side string
	var limitPrice, auxPrice, trailingPct, discAmt, avgFill sql.NullFloat64
	var parentID sql.NullInt64
	var ocaGroup, stratVer, source, evalID, journalID, tif sql.NullString
	var transmit int
	var createdAt int64

	err := r.Scan(&o.OrderID, &o.Symbol, &side, &o.OrderType, &o.Quantity,
		&limitPrice, &auxPrice, &trailingPct, &discAmt, &tif, &parentID,
		&ocaGroup, &o.OCAType, &transmit, &stratVer, &source, &o.CorrelationID,
		&evalID, &journalID, &o.Status, &o.FilledQuantity, &avgFill, &createdAt)
	if err != nil {
		return nil, err
	}

	o.Side = domain.Side(side)
	o.LimitPrice = floatPtr(limitPrice)
	o.AuxPrice = floatPtr(auxPrice)
	o.TrailingPercent = floatPtr(trailingPct)
	o.DiscretionaryAmt = floatPtr(discAmt)
	o.TimeInForce = stringOf(tif)
	o.ParentOrderID = intPtr(parentID)
	o.OCAGroup = stringOf(ocaGroup)
	o.Transmit = transmit != 0
	o.StrategyVersion = stringOf(stratVer)
	o.OrderSource = stringOf(source)
	o.EvaluationID = stringOf(evalID)
	o.JournalID = stringOf(journalID)
	o.AvgFillPrice = floatPtr(avgFill)
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
