package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmareth/tradewind/internal/domain"
)

const evaluationsColumns = `id, symbol, direction, entry_price, stop_price, created_at,
	features, ensemble, weights_used, guardrail_allowed, prefilter_passed`

// InsertEvaluation persists an evaluation snapshot. Idempotent on id.
// The weights used for scoring are stored verbatim so historical
// re-scoring reproduces the exact tuple.
func (s *Store) InsertEvaluation(e domain.Evaluation) error {
	features, err := json.Marshal(e.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features for evaluation %s: %w", e.ID, err)
	}
	ensemble, err := json.Marshal(e.Ensemble)
	if err != nil {
		return fmt.Errorf("failed to marshal ensemble for evaluation %s: %w", e.ID, err)
	}
	weights, err := json.Marshal(e.Ensemble.WeightsUsed)
	if err != nil {
		return fmt.Errorf("failed to marshal weights for evaluation %s: %w", e.ID, err)
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO evaluations
		(id, symbol, direction, entry_price, stop_price, created_at,
		 features, ensemble, weights_used, guardrail_allowed, prefilter_passed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = s.db.Exec(query,
		e.ID, e.Symbol, string(e.Direction), nullFloat(e.EntryPrice), nullFloat(e.StopPrice),
		createdAt.Unix(), string(features), string(ensemble), string(weights),
		boolToInt(e.GuardrailAllowed), boolToInt(e.PrefilterPassed))
	if err != nil {
		return fmt.Errorf("failed to insert evaluation %s: %w", e.ID, err)
	}
	return nil
}

// InsertModelOutput persists one provider response for an evaluation.
// Idempotent on (evaluation_id, provider).
func (s *Store) InsertModelOutput(m domain.ModelOutput) error {
	risks, err := json.Marshal(m.ComponentRisks)
	if err != nil {
		return fmt.Errorf("failed to marshal component risks: %w", err)
	}

	var shouldTrade interface{}
	if m.ShouldTrade != nil {
		shouldTrade = boolToInt(*m.ShouldTrade)
	}

	query := `
		INSERT INTO model_outputs
		(evaluation_id, provider, raw_response, compliant, error_message, latency_ms,
		 trade_score, component_risks, expected_rr, confidence, should_trade, reasoning,
		 model_version, prompt_hash, token_count, response_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(evaluation_id, provider) DO NOTHING
	`
	_, err = s.db.Exec(query,
		m.EvaluationID, m.Provider, nullString(m.RawResponse), boolToInt(m.Compliant),
		nullString(m.ErrorMessage), m.LatencyMs, nullFloat(m.TradeScore), string(risks),
		nullFloat(m.ExpectedRR), nullFloat(m.Confidence), shouldTrade,
		nullString(m.Reasoning), nullString(m.ModelVersion), nullString(m.PromptHash),
		m.TokenCount, nullString(m.ResponseID))
	if err != nil {
		return fmt.Errorf("failed to insert model output (%s, %s): %w", m.EvaluationID, m.Provider, err)
	}
	return nil
}

// GetEvaluation fetches one evaluation; (nil, nil) when unknown.
func (s *Store) GetEvaluation(id string) (*domain.Evaluation, error) {
	row := s.db.QueryRow(`SELECT `+evaluationsColumns+` FROM evaluations WHERE id = ?`, id)
	e, err := scanEvaluationFields(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation %s: %w", id, err)
	}
	return e, nil
}

// GetRecentEvalsForSymbol returns slim candidates for heuristic
// linking: same symbol, created at or after sinceTs, oldest first.
func (s *Store) GetRecentEvalsForSymbol(symbol string, sinceTs time.Time) ([]domain.EvalCandidate, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, direction, entry_price, stop_price, created_at
		FROM evaluations
		WHERE symbol = ? AND created_at >= ?
		ORDER BY created_at ASC`,
		symbol, sinceTs.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query recent evaluations for %s: %w", symbol, err)
	}
	defer rows.Close()

	var candidates []domain.EvalCandidate
	for rows.Next() {
		var c domain.EvalCandidate
		var direction sql.NullString
		var entry, stop sql.NullFloat64
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.Symbol, &direction, &entry, &stop, &createdAt); err != nil {
			return nil, err
		}
		c.Direction = domain.Direction(stringOf(direction))
		c.EntryPrice = floatPtr(entry)
		c.StopPrice = floatPtr(stop)
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// ListEvaluations returns recent evaluations, newest first.
func (s *Store) ListEvaluations(limit int) ([]domain.Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT `+evaluationsColumns+` FROM evaluations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []domain.Evaluation
	for rows.Next() {
		e, err := scanEvaluationFields(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, *e)
	}
	return evals, rows.Err()
}

// GetModelOutputsForEval returns all provider responses for one evaluation.
func (s *Store) GetModelOutputsForEval(evaluationID string) ([]domain.ModelOutput, error) {
	rows, err := s.db.Query(`
		SELECT evaluation_id, provider, raw_response, compliant, error_message, latency_ms,
		       trade_score, component_risks, expected_rr, confidence, should_trade, reasoning,
		       model_version, prompt_hash, token_count, response_id
		FROM model_outputs WHERE evaluation_id = ? ORDER BY provider ASC`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query model outputs for %s: %w", evaluationID, err)
	}
	defer rows.Close()

	var outputs []domain.ModelOutput
	for rows.Next() {
		m, err := scanModelOutput(rows)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, *m)
	}
	return outputs, rows.Err()
}

// GetEvalsForSimulation returns evaluations from the last `days` days
// (optionally one symbol) joined with their provider outputs and
// outcome, in chronological order. Fuel for walk-forward replay and
// weight simulation.
func (s *Store) GetEvalsForSimulation(days int, symbol string) ([]domain.SimulationRecord, error) {
	since := time.Now().AddDate(0, 0, -days).Unix()

	query := `SELECT ` + evaluationsColumns + ` FROM evaluations WHERE created_at >= ?`
	args := []interface{}{since}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations for simulation: %w", err)
	}
	defer rows.Close()

	var records []domain.SimulationRecord
	for rows.Next() {
		e, err := scanEvaluationFields(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, domain.SimulationRecord{Evaluation: *e})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range records {
		outputs, err := s.GetModelOutputsForEval(records[i].Evaluation.ID)
		if err != nil {
			return nil, err
		}
		records[i].Outputs = outputs

		outcome, err := s.GetOutcomeForEval(records[i].Evaluation.ID)
		if err != nil {
			return nil, err
		}
		records[i].Outcome = outcome
	}
	return records, nil
}

func scanEvaluationFields(r rowScanner) (*domain.Evaluation, error) {
	var e domain.Evaluation
	var direction string
	var entry, stop sql.NullFloat64
	var createdAt int64
	var features, ensemble, weights string
	var guardrail, prefilter int

	err := r.Scan(&e.ID, &e.Symbol, &direction, &entry, &stop, &createdAt,
		&features, &ensemble, &weights, &guardrail, &prefilter)
	if err != nil {
		return nil, err
	}

	e.Direction = domain.Direction(direction)
	e.EntryPrice = floatPtr(entry)
	e.StopPrice = floatPtr(stop)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.GuardrailAllowed = guardrail != 0
	e.PrefilterPassed = prefilter != 0

	if err := json.Unmarshal([]byte(features), &e.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features for evaluation %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(ensemble), &e.Ensemble); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ensemble for evaluation %s: %w", e.ID, err)
	}
	if e.Ensemble.WeightsUsed == nil {
		if err := json.Unmarshal([]byte(weights), &e.Ensemble.WeightsUsed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal weights for evaluation %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func scanModelOutput(r rowScanner) (*domain.ModelOutput, error) {
	var m domain.ModelOutput
	var raw, errMsg, reasoning, version, promptHash, responseID sql.NullString
	var compliant int
	var score, rr, conf sql.NullFloat64
	var shouldTrade sql.NullInt64
	var risks sql.NullString

	err := r.Scan(&m.EvaluationID, &m.Provider, &raw, &compliant, &errMsg, &m.LatencyMs,
		&score, &risks, &rr, &conf, &shouldTrade, &reasoning,
		&version, &promptHash, &m.TokenCount, &responseID)
	if err != nil {
		return nil, err
	}

	m.RawResponse = stringOf(raw)
	m.Compliant = compliant != 0
	m.ErrorMessage = stringOf(errMsg)
	m.TradeScore = floatPtr(score)
	m.ExpectedRR = floatPtr(rr)
	m.Confidence = floatPtr(conf)
	if shouldTrade.Valid {
		b := shouldTrade.Int64 != 0
		m.ShouldTrade = &b
	}
	m.Reasoning = stringOf(reasoning)
	m.ModelVersion = stringOf(version)
	m.PromptHash = stringOf(promptHash)
	m.ResponseID = stringOf(responseID)
	if risks.Valid && risks.String != "" && risks.String != "null" {
		if err := json.Unmarshal([]byte(risks.String), &m.ComponentRisks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal component risks: %w", err)
		}
	}
	return &m, nil
}
