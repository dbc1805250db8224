package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmareth/tradewind/internal/domain"
)

const executionsColumns = `exec_id, order_id, symbol, side, shares, price, cum_qty,
	avg_price, account, commission, realized_pnl, executed_at, correlation_id`

// InsertExecution persists a fill. Idempotent on exec_id: gateways
// replay execution reports after reconnects.
func (s *Store) InsertExecution(e domain.Execution) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO executions
		(exec_id, order_id, symbol, side, shares, price, cum_qty, avg_price,
		 account, commission, realized_pnl, executed_at, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exec_id) DO NOTHING
	`
	_, err := s.db.Exec(query,
		e.ExecID, e.OrderID, e.Symbol, string(e.Side), e.Shares, e.Price,
		e.CumQty, e.AvgPrice, nullString(e.Account), nullFloat(e.Commission),
		nullFloat(e.RealizedPnL), ts.Unix(), e.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", e.ExecID, err)
	}
	return nil
}

// UpdateExecutionCommission applies a commission report to the fill it
// belongs to. Commission reports correlate by exec id only.
func (s *Store) UpdateExecutionCommission(execID string, commission float64, realizedPnL *float64) error {
	query := `
		UPDATE executions
		SET commission = ?,
		    realized_pnl = COALESCE(?, realized_pnl)
		WHERE exec_id = ?
	`
	_, err := s.db.Exec(query, commission, nullFloat(realizedPnL), execID)
	if err != nil {
		return fmt.Errorf("failed to update commission for execution %s: %w", execID, err)
	}
	return nil
}

// GetExecution fetches a single fill; (nil, nil) when unknown.
func (s *Store) GetExecution(execID string) (*domain.Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionsColumns+` FROM executions WHERE exec_id = ?`, execID)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", execID, err)
	}
	return e, nil
}

// GetExecutionsByCorrelation returns every fill sharing a correlation
// id in execution order. Used by position-close detection.
func (s *Store) GetExecutionsByCorrelation(correlationID string) ([]domain.Execution, error) {
	rows, err := s.db.Query(
		`SELECT `+executionsColumns+` FROM executions WHERE correlation_id = ? ORDER BY executed_at ASC, exec_id ASC`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions by correlation: %w", err)
	}
	defer rows.Close()

	var execs []domain.Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *e)
	}
	return execs, rows.Err()
}

func scanExecution(row *sql.Row) (*domain.Execution, error)       { return scanExecutionFields(row) }
func scanExecutionRows(rows *sql.Rows) (*domain.Execution, error) { return scanExecutionFields(rows) }

func scanExecutionFields(r rowScanner) (*domain.Execution, error) {
	var e domain.Execution
	var side string
	var account sql.NullString
	var commission, realized sql.NullFloat64
	var ts int64

	err := r.Scan(&e.ExecID, &e.OrderID, &e.Symbol, &side, &e.Shares, &e.Price,
		&e.CumQty, &e.AvgPrice, &account, &commission, &realized, &ts, &e.CorrelationID)
	if err != nil {
		return nil, err
	}

	e.Side = domain.ExecSide(side)
	e.Account = stringOf(account)
	e.Commission = floatPtr(commission)
	e.RealizedPnL = floatPtr(realized)
	e.Timestamp = time.Unix(ts, 0).UTC()
	return &e, nil
}
