package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmareth/tradewind/internal/domain"
)

// InsertOutcome persists a realised outcome. Idempotent on evaluation
// id: the first write wins and the returned bool reports whether this
// call actually inserted, so downstream updates (Bayesian priors) run
// at most once per evaluation.
func (s *Store) InsertOutcome(o domain.Outcome) (bool, error) {
	recordedAt := o.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	query := `
		INSERT INTO outcomes
		(evaluation_id, trade_taken, decision_type, entry_price, exit_price,
		 r_multiple, exit_reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(evaluation_id) DO NOTHING
	`
	res, err := s.db.Exec(query,
		o.EvaluationID, boolToInt(o.TradeTaken), string(o.DecisionType),
		nullFloat(o.EntryPrice), nullFloat(o.ExitPrice), nullFloat(o.RMultiple),
		nullString(o.ExitReason), recordedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert outcome for %s: %w", o.EvaluationID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read outcome insert result: %w", err)
	}
	return affected > 0, nil
}

// GetOutcomeForEval returns the outcome for an evaluation; (nil, nil)
// when none has been recorded yet.
func (s *Store) GetOutcomeForEval(evaluationID string) (*domain.Outcome, error) {
	row := s.db.QueryRow(`
		SELECT evaluation_id, trade_taken, decision_type, entry_price, exit_price,
		       r_multiple, exit_reason, recorded_at
		FROM outcomes WHERE evaluation_id = ?`, evaluationID)

	o, err := scanOutcome(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outcome for %s: %w", evaluationID, err)
	}
	return o, nil
}

// ListOutcomes returns recent outcomes, newest first.
func (s *Store) ListOutcomes(limit int) ([]domain.Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT evaluation_id, trade_taken, decision_type, entry_price, exit_price,
		       r_multiple, exit_reason, recorded_at
		FROM outcomes ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []domain.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, *o)
	}
	return outcomes, rows.Err()
}

// GetTakenRMultiples returns the R-multiples of taken trades from the
// last `days` days in chronological order. Fuel for edge analytics.
func (s *Store) GetTakenRMultiples(days int) ([]float64, error) {
	since := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := s.db.Query(`
		SELECT r_multiple FROM outcomes
		WHERE trade_taken = 1 AND r_multiple IS NOT NULL AND recorded_at >= ?
		ORDER BY recorded_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query taken R-multiples: %w", err)
	}
	defer rows.Close()

	var rs []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, rows.Err()
}

// CountOutcomes returns the total number of recorded outcomes.
// The recalibrator uses it to fire batch recalibration every N outcomes.
func (s *Store) CountOutcomes() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outcomes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return n, nil
}

// GetModelOutcomesForDrift joins compliant provider outputs with
// realised trade outcomes from the last `days` days. One row per
// (provider, evaluation) pair with the provider's confidence and the
// trade's R-multiple.
func (s *Store) GetModelOutcomesForDrift(days int) ([]domain.ModelOutcomeSample, error) {
	since := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := s.db.Query(`
		SELECT m.provider, m.confidence, o.r_multiple
		FROM model_outputs m
		JOIN outcomes o ON o.evaluation_id = m.evaluation_id
		WHERE m.compliant = 1 AND m.confidence IS NOT NULL
		  AND o.trade_taken = 1 AND o.r_multiple IS NOT NULL
		  AND o.recorded_at >= ?
		ORDER BY o.recorded_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query model outcomes for drift: %w", err)
	}
	defer rows.Close()

	var samples []domain.ModelOutcomeSample
	for rows.Next() {
		var sample domain.ModelOutcomeSample
		var confidence float64
		if err := rows.Scan(&sample.ModelID, &confidence, &sample.RMultiple); err != nil {
			return nil, err
		}
		// Provider confidence is stored in [0,1]; drift buckets use [0,100].
		sample.Confidence = confidence * 100
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func scanOutcome(r rowScanner) (*domain.Outcome, error) {
	var o domain.Outcome
	var taken int
	var decisionType string
	var entry, exit, rMult sql.NullFloat64
	var exitReason sql.NullString
	var recordedAt int64

	err := r.Scan(&o.EvaluationID, &taken, &decisionType, &entry, &exit,
		&rMult, &exitReason, &recordedAt)
	if err != nil {
		return nil, err
	}

	o.TradeTaken = taken != 0
	o.DecisionType = domain.DecisionType(decisionType)
	o.EntryPrice = floatPtr(entry)
	o.ExitPrice = floatPtr(exit)
	o.RMultiple = floatPtr(rMult)
	o.ExitReason = stringOf(exitReason)
	o.RecordedAt = time.Unix(recordedAt, 0).UTC()
	return &o, nil
}
