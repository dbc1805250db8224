// Package domain provides core domain models and types.
// The domain layer is pure: no infrastructure dependencies.
package domain

import "time"

// Direction represents the intended direction of a trade
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Side represents an order side as sent to the gateway
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ExecSide represents the side of a fill as reported by the gateway
type ExecSide string

const (
	ExecSideBought ExecSide = "BOT"
	ExecSideSold   ExecSide = "SLD"
)

// Direction maps a fill side to the trade direction it opens.
// BOT fills open longs, SLD fills open shorts.
func (s ExecSide) Direction() Direction {
	if s == ExecSideBought {
		return DirectionLong
	}
	return DirectionShort
}

// Regime is a coarse classification of market conditions,
// derived from ATR-percentage.
type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeChop     Regime = "CHOP"
	RegimeVolatile Regime = "VOLATILE"
)

// Volatility regime labels captured in the feature vector.
const (
	VolatilityLow     = "low"
	VolatilityNormal  = "normal"
	VolatilityHigh    = "high"
	VolatilityExtreme = "extreme"
)

// MapVolatilityToRegime maps a feature-vector volatility label to the
// prior/weights regime: high/extreme -> VOLATILE, low -> CHOP, else TRENDING.
func MapVolatilityToRegime(volatility string) Regime {
	switch volatility {
	case VolatilityHigh, VolatilityExtreme:
		return RegimeVolatile
	case VolatilityLow:
		return RegimeChop
	default:
		return RegimeTrending
	}
}

// FeatureVector is the per-evaluation snapshot of market features.
// Numeric fields are pointers so "not captured" is distinguishable from zero.
type FeatureVector struct {
	RVOL               *float64 `json:"rvol,omitempty"`
	VWAPDeviation      *float64 `json:"vwap_deviation,omitempty"`
	SpreadPct          *float64 `json:"spread_pct,omitempty"`
	VolumeAcceleration *float64 `json:"volume_acceleration,omitempty"`
	ATRPct             *float64 `json:"atr_pct,omitempty"`
	GapPct             *float64 `json:"gap_pct,omitempty"`
	RangePosition      *float64 `json:"range_position,omitempty"`
	PriceExtension     *float64 `json:"price_extension,omitempty"`
	IndexAlignment     *float64 `json:"index_alignment,omitempty"`
	MinutesSinceOpen   *float64 `json:"minutes_since_open,omitempty"`
	TimeOfDay          string   `json:"time_of_day,omitempty"`
	VolatilityRegime   string   `json:"volatility_regime,omitempty"`
	LiquidityBucket    string   `json:"liquidity_bucket,omitempty"`
}

// Numeric returns the numeric features keyed by name.
// Used by feature attribution; nil values mean "not captured".
func (f FeatureVector) Numeric() map[string]*float64 {
	return map[string]*float64{
		"rvol":                f.RVOL,
		"vwap_deviation":      f.VWAPDeviation,
		"spread_pct":          f.SpreadPct,
		"volume_acceleration": f.VolumeAcceleration,
		"atr_pct":             f.ATRPct,
		"gap_pct":             f.GapPct,
		"range_position":      f.RangePosition,
		"price_extension":     f.PriceExtension,
		"index_alignment":     f.IndexAlignment,
		"minutes_since_open":  f.MinutesSinceOpen,
	}
}

// EnsembleResult holds the aggregated output of one scoring round.
// WeightsUsed is snapshotted so historical re-scoring is reproducible.
type EnsembleResult struct {
	WeightedScore       float64            `json:"weighted_score"`
	MedianScore         float64            `json:"median_score"`
	FinalScore          float64            `json:"final_score"`
	ExpectedRR          float64            `json:"expected_rr"`
	Confidence          float64            `json:"confidence"`
	ShouldTrade         bool               `json:"should_trade"`
	Unanimous           bool               `json:"unanimous"`
	MajorityTrade       bool               `json:"majority_trade"`
	Spread              float64            `json:"spread"`
	DisagreementPenalty float64            `json:"disagreement_penalty"`
	WeightsUsed         map[string]float64 `json:"weights_used"`
	PenaltyK            float64            `json:"penalty_k"`
	ProvidersUsed       []string           `json:"providers_used"`
}

// Evaluation is a snapshot taken at some moment for a (symbol, direction)
// pair. Immutable once written.
type Evaluation struct {
	ID               string         `json:"id"`
	Symbol           string         `json:"symbol"`
	Direction        Direction      `json:"direction"`
	EntryPrice       *float64       `json:"entry_price,omitempty"`
	StopPrice        *float64       `json:"stop_price,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Features         FeatureVector  `json:"features"`
	Ensemble         EnsembleResult `json:"ensemble"`
	GuardrailAllowed bool           `json:"guardrail_allowed"`
	PrefilterPassed  bool           `json:"prefilter_passed"`
}

// ModelOutput is one provider's response for one evaluation.
type ModelOutput struct {
	EvaluationID   string             `json:"evaluation_id"`
	Provider       string             `json:"provider"`
	RawResponse    string             `json:"raw_response,omitempty"`
	Compliant      bool               `json:"compliant"`
	ErrorMessage   string             `json:"error_message,omitempty"`
	LatencyMs      int64              `json:"latency_ms"`
	TradeScore     *float64           `json:"trade_score,omitempty"` // [0,100]
	ComponentRisks map[string]float64 `json:"component_risks,omitempty"`
	ExpectedRR     *float64           `json:"expected_rr,omitempty"`
	Confidence     *float64           `json:"confidence,omitempty"` // [0,1]
	ShouldTrade    *bool              `json:"should_trade,omitempty"`
	Reasoning      string             `json:"reasoning,omitempty"`
	ModelVersion   string             `json:"model_version,omitempty"`
	PromptHash     string             `json:"prompt_hash,omitempty"`
	TokenCount     int                `json:"token_count,omitempty"`
	ResponseID     string             `json:"response_id,omitempty"`
}

// DecisionType classifies why an outcome was (or was not) a trade.
type DecisionType string

const (
	DecisionTookTrade       DecisionType = "took_trade"
	DecisionPassedSetup     DecisionType = "passed_setup"
	DecisionEnsembleNo      DecisionType = "ensemble_no"
	DecisionRiskGateBlocked DecisionType = "risk_gate_blocked"
)

// Exit reasons written by the auto-linker.
const (
	ExitReasonAutoDetected           = "auto_detected"
	ExitReasonReconcileClosedOffline = "reconcile_closed_offline"
)

// Outcome is the realised result of an evaluation. At most one per
// evaluation; a second recording attempt is a no-op.
type Outcome struct {
	EvaluationID string       `json:"evaluation_id"`
	TradeTaken   bool         `json:"trade_taken"`
	DecisionType DecisionType `json:"decision_type"`
	EntryPrice   *float64     `json:"entry_price,omitempty"`
	ExitPrice    *float64     `json:"exit_price,omitempty"`
	RMultiple    *float64     `json:"r_multiple,omitempty"`
	ExitReason   string       `json:"exit_reason,omitempty"`
	RecordedAt   time.Time    `json:"recorded_at"`
}

// ComputeRMultiple computes the realised R-multiple for a closed trade.
// Returns nil when the stop equals the entry (risk is zero, R undefined).
func ComputeRMultiple(direction Direction, entry, stop, exit float64) *float64 {
	var risk, r float64
	if direction == DirectionShort {
		risk = stop - entry
		r = entry - exit
	} else {
		risk = entry - stop
		r = exit - entry
	}
	if risk == 0 {
		return nil
	}
	v := r / risk
	return &v
}

// Order is a record of an order intent. Status fields are mutated only
// by the persistent gateway listeners.
type Order struct {
	OrderID          int64     `json:"order_id"`
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	OrderType        string    `json:"order_type"`
	Quantity         float64   `json:"quantity"`
	LimitPrice       *float64  `json:"limit_price,omitempty"`
	AuxPrice         *float64  `json:"aux_price,omitempty"`
	TrailingPercent  *float64  `json:"trailing_percent,omitempty"`
	DiscretionaryAmt *float64  `json:"discretionary_amt,omitempty"`
	TimeInForce      string    `json:"time_in_force"`
	ParentOrderID    *int64    `json:"parent_order_id,omitempty"`
	OCAGroup         string    `json:"oca_group,omitempty"`
	OCAType          int       `json:"oca_type,omitempty"`
	Transmit         bool      `json:"transmit"`
	StrategyVersion  string    `json:"strategy_version,omitempty"`
	OrderSource      string    `json:"order_source,omitempty"`
	CorrelationID    string    `json:"correlation_id"`
	EvaluationID     string    `json:"evaluation_id,omitempty"`
	JournalID        string    `json:"journal_id,omitempty"`
	Status           string    `json:"status"`
	FilledQuantity   float64   `json:"filled_quantity"`
	AvgFillPrice     *float64  `json:"avg_fill_price,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Order statuses reported by the gateway.
const (
	StatusPreSubmitted = "PreSubmitted"
	StatusSubmitted    = "Submitted"
	StatusFilled       = "Filled"
	StatusCancelled    = "Cancelled"
	StatusAPICancelled = "ApiCancelled"
)

// IsTerminalStatus reports whether an order status is terminal.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusAPICancelled:
		return true
	}
	return false
}

// Execution is a single fill reported by the gateway.
type Execution struct {
	ExecID        string    `json:"exec_id"`
	OrderID       int64     `json:"order_id"`
	Symbol        string    `json:"symbol"`
	Side          ExecSide  `json:"side"`
	Shares        float64   `json:"shares"`
	Price         float64   `json:"price"`
	CumQty        float64   `json:"cum_qty"`
	AvgPrice      float64   `json:"avg_price"`
	Account       string    `json:"account,omitempty"`
	Commission    *float64  `json:"commission,omitempty"`
	RealizedPnL   *float64  `json:"realized_pnl,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

// LinkType classifies how an execution was matched to an evaluation.
type LinkType string

const (
	LinkExplicit  LinkType = "explicit"
	LinkHeuristic LinkType = "heuristic"
)

// EvalExecutionLink maps an execution back to the evaluation that
// produced it. (evaluation_id, order_id) is unique.
type EvalExecutionLink struct {
	EvaluationID string    `json:"evaluation_id"`
	OrderID      int64     `json:"order_id"`
	ExecID       string    `json:"exec_id"`
	LinkType     LinkType  `json:"link_type"`
	Confidence   float64   `json:"confidence"`
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	CreatedAt    time.Time `json:"created_at"`
}

// WeightSnapshot is the current per-provider ensemble weight set.
// Weights are non-negative and normalised to sum to 1 at point of use.
type WeightSnapshot struct {
	Weights       map[string]float64            `json:"weights"`
	RegimeWeights map[Regime]map[string]float64 `json:"regime_weights,omitempty"`
	PenaltyK      float64                       `json:"penalty_k"`
	SampleSize    int                           `json:"sample_size"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

// ForRegime returns the weight set for a regime, falling back to the
// base weights when no regime-specific set exists.
func (w WeightSnapshot) ForRegime(r Regime) map[string]float64 {
	if rw, ok := w.RegimeWeights[r]; ok && len(rw) > 0 {
		return rw
	}
	return w.Weights
}

// WeightHistoryEntry is one append-only weight snapshot with its reason.
type WeightHistoryEntry struct {
	Snapshot  WeightSnapshot `json:"snapshot"`
	Reason    string         `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProviderPrior accumulates correct/incorrect predictions for one
// (regime, provider) pair, weighted by |R-multiple|.
type ProviderPrior struct {
	Correct   float64 `json:"correct"`
	Incorrect float64 `json:"incorrect"`
}

// Mean returns the posterior mean with a symmetric pseudo-count of 1.
func (p ProviderPrior) Mean() float64 {
	return (p.Correct + 1) / (p.Correct + p.Incorrect + 2)
}

// BayesianPriors holds per-(regime, provider) sufficient statistics.
type BayesianPriors struct {
	Version int                                 `json:"version"`
	Regimes map[Regime]map[string]ProviderPrior `json:"regimes"`
}

// NewBayesianPriors returns empty priors at the current schema version.
func NewBayesianPriors() *BayesianPriors {
	return &BayesianPriors{
		Version: 1,
		Regimes: map[Regime]map[string]ProviderPrior{
			RegimeTrending: {},
			RegimeChop:     {},
			RegimeVolatile: {},
		},
	}
}

// ModelOutcomeSample is one realised prediction used by the drift detector.
type ModelOutcomeSample struct {
	ModelID    string  `json:"model_id"`
	Confidence float64 `json:"confidence"` // [0,100]
	RMultiple  float64 `json:"r_multiple"`
}

// EvalCandidate is a slim evaluation projection used by the auto-linker.
type EvalCandidate struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	EntryPrice *float64  `json:"entry_price,omitempty"`
	StopPrice  *float64  `json:"stop_price,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SimulationRecord bundles an evaluation with its provider outputs and
// (optional) outcome, for walk-forward replay and weight simulation.
type SimulationRecord struct {
	Evaluation Evaluation    `json:"evaluation"`
	Outputs    []ModelOutput `json:"outputs"`
	Outcome    *Outcome      `json:"outcome,omitempty"`
}
