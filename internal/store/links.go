package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmareth/tradewind/internal/domain"
)

const linksColumns = `evaluation_id, order_id, exec_id, link_type, confidence, symbol, direction, created_at`

// InsertLink records an evaluation-execution link. (evaluation_id,
// order_id) is unique; a duplicate insert returns ErrConflictingLink
// so the auto-linker can skip it silently.
func (s *Store) InsertLink(l domain.EvalExecutionLink) error {
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO eval_execution_links
		(evaluation_id, order_id, exec_id, link_type, confidence, symbol, direction, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		l.EvaluationID, l.OrderID, nullString(l.ExecID), string(l.LinkType),
		l.Confidence, l.Symbol, nullString(string(l.Direction)), createdAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrConflictingLink
		}
		return fmt.Errorf("failed to insert link (%s, %d): %w", l.EvaluationID, l.OrderID, err)
	}
	return nil
}

// GetLinksForOrder returns every link attached to an order.
func (s *Store) GetLinksForOrder(orderID int64) ([]domain.EvalExecutionLink, error) {
	return s.queryLinks(`SELECT `+linksColumns+` FROM eval_execution_links WHERE order_id = ? ORDER BY created_at ASC`, orderID)
}

// GetLinksForEval returns every link attached to an evaluation.
func (s *Store) GetLinksForEval(evaluationID string) ([]domain.EvalExecutionLink, error) {
	return s.queryLinks(`SELECT `+linksColumns+` FROM eval_execution_links WHERE evaluation_id = ? ORDER BY created_at ASC`, evaluationID)
}

// GetLinksForCorrelation returns links for every order sharing a
// correlation id. Used by position-close detection to find the
// evaluation that owns a correlated set of fills.
func (s *Store) GetLinksForCorrelation(correlationID string) ([]domain.EvalExecutionLink, error) {
	return s.queryLinks(`
		SELECT l.evaluation_id, l.order_id, l.exec_id, l.link_type, l.confidence,
		       l.symbol, l.direction, l.created_at
		FROM eval_execution_links l
		JOIN orders o ON o.order_id = l.order_id
		WHERE o.correlation_id = ?
		ORDER BY l.created_at ASC`, correlationID)
}

func (s *Store) queryLinks(query string, args ...interface{}) ([]domain.EvalExecutionLink, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var links []domain.EvalExecutionLink
	for rows.Next() {
		var l domain.EvalExecutionLink
		var execID, direction stringScan
		var createdAt int64
		if err := rows.Scan(&l.EvaluationID, &l.OrderID, &execID, &l.LinkType,
			&l.Confidence, &l.Symbol, &direction, &createdAt); err != nil {
			return nil, err
		}
		l.ExecID = string(execID)
		l.Direction = domain.Direction(direction)
		l.CreatedAt = time.Unix(createdAt, 0).UTC()
		links = append(links, l)
	}
	return links, rows.Err()
}

// stringScan scans a nullable text column into a plain string.
type stringScan string

func (s *stringScan) Scan(v interface{}) error {
	switch x := v.(type) {
	case nil:
		*s = ""
	case string:
		*s = stringScan(x)
	case []byte:
		*s = stringScan(x)
	default:
		return fmt.Errorf("cannot scan %T into string", v)
	}
	return nil
}
