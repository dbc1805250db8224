package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jmareth/tradewind/internal/domain"
	"github.com/jmareth/tradewind/internal/modules/analytics"
	"github.com/jmareth/tradewind/internal/modules/ensemble"
)

const defaultHistoryLimit = 50

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the domain taxonomy onto HTTP statuses:
// validation 400, gateway unavailability 503, everything else 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case err == domain.ErrSessionUnavailable || err == domain.ErrNoProviders:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

type evaluateRequest struct {
	Symbol     string               `json:"symbol"`
	Direction  string               `json:"direction"`
	EntryPrice *float64             `json:"entry_price,omitempty"`
	StopPrice  *float64             `json:"stop_price,omitempty"`
	Features   domain.FeatureVector `json:"features"`
}

type evaluateResponse struct {
	Evaluation domain.Evaluation    `json:"evaluation"`
	Outputs    []domain.ModelOutput `json:"outputs"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if req.Direction != string(domain.DirectionLong) && req.Direction != string(domain.DirectionShort) {
		writeError(w, http.StatusBadRequest, "direction must be long or short")
		return
	}

	eval, err := s.evaluator.Evaluate(r.Context(), ensemble.EvaluateRequest{
		Symbol:     req.Symbol,
		Direction:  domain.Direction(req.Direction),
		EntryPrice: req.EntryPrice,
		StopPrice:  req.StopPrice,
		Features:   req.Features,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	outputs, err := s.store.GetModelOutputsForEval(eval.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Evaluation: *eval, Outputs: outputs})
}

type outcomeRequest struct {
	EvaluationID string   `json:"evaluation_id"`
	TradeTaken   bool     `json:"trade_taken"`
	DecisionType string   `json:"decision_type,omitempty"`
	EntryPrice   *float64 `json:"entry_price,omitempty"`
	ExitPrice    *float64 `json:"exit_price,omitempty"`
	RMultiple    *float64 `json:"r_multiple,omitempty"`
	ExitReason   string   `json:"exit_reason,omitempty"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.EvaluationID == "" {
		writeError(w, http.StatusBadRequest, "evaluation_id is required")
		return
	}

	eval, err := s.store.GetEvaluation(req.EvaluationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if eval == nil {
		writeError(w, http.StatusBadRequest, "unknown evaluation_id")
		return
	}

	decision := domain.DecisionType(req.DecisionType)
	if decision == "" {
		if req.TradeTaken {
			decision = domain.DecisionTookTrade
		} else {
			decision = domain.DecisionPassedSetup
		}
	}

	outcome := domain.Outcome{
		EvaluationID: req.EvaluationID,
		TradeTaken:   req.TradeTaken,
		DecisionType: decision,
		EntryPrice:   req.EntryPrice,
		ExitPrice:    req.ExitPrice,
		RMultiple:    req.RMultiple,
		ExitReason:   req.ExitReason,
		RecordedAt:   time.Now().UTC(),
	}
	inserted, err := s.store.InsertOutcome(outcome)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if inserted && s.outcomeHook != nil {
		s.outcomeHook(outcome)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recorded": inserted,
		"outcome":  outcome,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	evals, err := s.store.ListEvaluations(queryInt(r, "limit", defaultHistoryLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"evaluations": evals})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var seed int64
	if raw := r.URL.Query().Get("seed"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			seed = v
		}
	}
	report, err := s.analytics.Stats(queryInt(r, "days", 90), seed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	report, err := s.drift.Scan()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleCalibration serves the per-provider bucket view of the drift
// scan without the overall flags.
func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	report, err := s.drift.Scan()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": report.Providers})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.store.ListOutcomes(queryInt(r, "limit", defaultHistoryLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

func (s *Server) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetWeights()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		snap = &domain.WeightSnapshot{Weights: map[string]float64{}}
	}
	writeJSON(w, http.StatusOK, snap)
}

type weightsPatch struct {
	Weights  map[string]float64 `json:"weights"`
	PenaltyK *float64           `json:"penalty_k,omitempty"`
}

// handlePatchWeights merges the submitted providers into the current
// snapshot, renormalises and appends a history entry.
func (s *Server) handlePatchWeights(w http.ResponseWriter, r *http.Request) {
	var patch weightsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if len(patch.Weights) == 0 && patch.PenaltyK == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	for provider, weight := range patch.Weights {
		if weight < 0 {
			writeError(w, http.StatusBadRequest, "weight for "+provider+" must be non-negative")
			return
		}
	}

	current, err := s.store.GetWeights()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if current == nil {
		current = &domain.WeightSnapshot{Weights: map[string]float64{}, PenaltyK: 1.0}
	}

	merged := make(map[string]float64, len(current.Weights))
	for p, v := range current.Weights {
		merged[p] = v
	}
	for p, v := range patch.Weights {
		merged[p] = v
	}
	total := 0.0
	for _, v := range merged {
		total += v
	}
	if total <= 0 {
		writeError(w, http.StatusBadRequest, "weights must sum to a positive value")
		return
	}
	for p, v := range merged {
		merged[p] = v / total
	}

	snap := domain.WeightSnapshot{
		Weights:       merged,
		RegimeWeights: current.RegimeWeights,
		PenaltyK:      current.PenaltyK,
		SampleSize:    current.SampleSize,
		UpdatedAt:     time.Now().UTC(),
	}
	if patch.PenaltyK != nil {
		snap.PenaltyK = *patch.PenaltyK
	}

	if err := s.store.SaveWeights(snap); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.AppendWeightHistory(domain.WeightHistoryEntry{
		Snapshot:  snap,
		Reason:    "manual_update",
		Timestamp: snap.UpdatedAt,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWeightHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.GetWeightHistory(queryInt(r, "limit", defaultHistoryLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

type simulateRequest struct {
	Weights  map[string]float64 `json:"weights"`
	PenaltyK float64            `json:"penalty_k"`
	Days     int                `json:"days"`
}

type simulateResponse struct {
	Evaluations int     `json:"evaluations"`
	Accepted    int     `json:"accepted"`
	Resolved    int     `json:"resolved"`
	WinRate     float64 `json:"win_rate"`
	AvgR        float64 `json:"avg_r"`
}

// handleSimulateWeights re-scores stored evaluations under a candidate
// weight set using the live scorer and reports how the accepted subset
// would have performed.
func (s *Server) handleSimulateWeights(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if len(req.Weights) == 0 {
		writeError(w, http.StatusBadRequest, "weights are required")
		return
	}
	if req.PenaltyK <= 0 {
		req.PenaltyK = 1.0
	}
	if req.Days <= 0 {
		req.Days = 90
	}

	records, err := s.store.GetEvalsForSimulation(req.Days, r.URL.Query().Get("symbol"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	scorer := ensemble.Scorer{PenaltyK: req.PenaltyK}
	resp := simulateResponse{Evaluations: len(records)}
	var rSum float64
	var wins int
	for _, rec := range records {
		result, err := scorer.Score(rec.Outputs, req.Weights)
		if err != nil || !result.ShouldTrade {
			continue
		}
		resp.Accepted++
		if rec.Outcome == nil || rec.Outcome.RMultiple == nil {
			continue
		}
		resp.Resolved++
		rSum += *rec.Outcome.RMultiple
		if *rec.Outcome.RMultiple > 0 {
			wins++
		}
	}
	if resp.Resolved > 0 {
		resp.WinRate = float64(wins) / float64(resp.Resolved)
		resp.AvgR = rSum / float64(resp.Resolved)
	}
	writeJSON(w, http.StatusOK, resp)
}

type edgeMetricsRequest struct {
	Outcomes []float64 `json:"outcomes"`
	Alpha    float64   `json:"alpha"`
}

func (s *Server) handleEdgeMetrics(w http.ResponseWriter, r *http.Request) {
	var req edgeMetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	report, err := analytics.EdgeMetrics(req.Outcomes, req.Alpha)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alpha": report.Alpha,
		"metrics": map[string]float64{
			"recovery_factor": report.RecoveryFactor,
			"cvar":            report.CVaR,
			"skewness":        report.Skewness,
			"ulcer_index":     report.UlcerIndex,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway health unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.health.Snapshot())
}

// handleSystemStatus reports host-level metrics for the operator view.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		status["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		status["memory_percent"] = memStat.UsedPercent
		status["memory_used_mb"] = memStat.Used / 1024 / 1024
	}
	writeJSON(w, http.StatusOK, status)
}
