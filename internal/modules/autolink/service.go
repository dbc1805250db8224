// Package autolink correlates gateway executions back to the
// evaluations that motivated them, detects position closes, and
// records realised outcomes.
package autolink

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmareth/tradewind/internal/domain"
)

const (
	// linkWindow bounds how far back heuristic matching looks.
	linkWindow = 30 * time.Minute
	// minConfidence rejects heuristic matches below this score.
	minConfidence = 0.1
	// closeDebounce delays the position-close check after a commission
	// report so a burst of fills settles into one check.
	closeDebounce = 2 * time.Second
	// closedEpsilon: a position is closed iff |net shares| is below this.
	closedEpsilon = 1e-3
)

// Store is the slice of the durable store the auto-linker needs.
type Store interface {
	GetOrder(orderID int64) (*domain.Order, error)
	GetExecution(execID string) (*domain.Execution, error)
	GetExecutionsByCorrelation(correlationID string) ([]domain.Execution, error)
	GetEvaluation(id string) (*domain.Evaluation, error)
	GetRecentEvalsForSymbol(symbol string, sinceTs time.Time) ([]domain.EvalCandidate, error)
	ListEvaluations(limit int) ([]domain.Evaluation, error)
	InsertLink(l domain.EvalExecutionLink) error
	GetLinksForOrder(orderID int64) ([]domain.EvalExecutionLink, error)
	GetLinksForEval(evaluationID string) ([]domain.EvalExecutionLink, error)
	GetLinksForCorrelation(correlationID string) ([]domain.EvalExecutionLink, error)
	GetOutcomeForEval(evaluationID string) (*domain.Outcome, error)
	InsertOutcome(o domain.Outcome) (bool, error)
}

// Service owns the link heuristics and the per-correlation close-check
// timers.
type Service struct {
	log   zerolog.Logger
	store Store

	debounce time.Duration
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	// invoked once per newly recorded outcome
	onOutcome func(domain.Outcome)
}

// NewService creates the auto-linker.
func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{
		log:      log.With().Str("service", "autolink").Logger(),
		store:    store,
		debounce: closeDebounce,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
}

// SetOutcomeHook registers a callback fired once for each outcome this
// service records. The recalibrator hooks in here.
func (s *Service) SetOutcomeHook(h func(domain.Outcome)) { s.onOutcome = h }

// Close stops all pending close-check timers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for corr, t := range s.timers {
		t.Stop()
		delete(s.timers, corr)
	}
}

// TryLinkExecution links one execution to an evaluation: explicit by
// eval id when the order carries one, heuristic by symbol, direction,
// recency, and price proximity otherwise.
func (s *Service) TryLinkExecution(e domain.Execution) error {
	order, err := s.store.GetOrder(e.OrderID)
	if err != nil {
		return err
	}

	if order != nil && order.EvaluationID != "" {
		eval, err := s.store.GetEvaluation(order.EvaluationID)
		if err != nil {
			return err
		}
		if eval != nil {
			return s.insertLink(domain.EvalExecutionLink{
				EvaluationID: eval.ID,
				OrderID:      e.OrderID,
				ExecID:       e.ExecID,
				LinkType:     domain.LinkExplicit,
				Confidence:   1.0,
				Symbol:       e.Symbol,
				Direction:    e.Side.Direction(),
			})
		}
	}

	return s.linkHeuristic(e)
}

// linkHeuristic scores candidate evaluations for the execution's
// symbol. confidence = 0.7*timeScore + 0.3*priceScore; on ties the
// earlier evaluation wins.
func (s *Service) linkHeuristic(e domain.Execution) error {
	candidates, err := s.store.GetRecentEvalsForSymbol(e.Symbol, e.Timestamp.Add(-linkWindow))
	if err != nil {
		return err
	}

	direction := e.Side.Direction()
	var best *domain.EvalCandidate
	bestConf := 0.0

	for i := range candidates {
		c := candidates[i]
		if c.Direction != "" && c.Direction != direction {
			continue
		}
		age := e.Timestamp.Sub(c.CreatedAt)
		if age < 0 || age > linkWindow {
			continue
		}

		timeScore := 1 - float64(age)/float64(linkWindow)
		priceScore := 0.0
		if c.EntryPrice != nil && *c.EntryPrice != 0 {
			priceScore = math.Max(0, 1-math.Abs(e.Price-*c.EntryPrice)/(*c.EntryPrice)*10)
		}
		conf := 0.7*timeScore + 0.3*priceScore

		if best == nil || conf > bestConf {
			best = &candidates[i]
			bestConf = conf
		}
	}

	if best == nil || bestConf < minConfidence {
		return nil
	}

	// an existing explicit link for this pair always wins
	existing, err := s.store.GetLinksForOrder(e.OrderID)
	if err != nil {
		return err
	}
	for _, l := range existing {
		if l.EvaluationID == best.ID {
			return nil
		}
	}

	return s.insertLink(domain.EvalExecutionLink{
		EvaluationID: best.ID,
		OrderID:      e.OrderID,
		ExecID:       e.ExecID,
		LinkType:     domain.LinkHeuristic,
		Confidence:   bestConf,
		Symbol:       e.Symbol,
		Direction:    direction,
	})
}

func (s *Service) insertLink(l domain.EvalExecutionLink) error {
	err := s.store.InsertLink(l)
	if errors.Is(err, domain.ErrConflictingLink) {
		// duplicate (evaluation, order) pair, silently skipped
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Info().Str("evaluation_id", l.EvaluationID).Int64("order_id", l.OrderID).
		Str("link_type", string(l.LinkType)).Float64("confidence", l.Confidence).
		Msg("Execution linked to evaluation")
	return nil
}

// OnCommission schedules a debounced close check for the correlation
// that owns the reported execution.
func (s *Service) OnCommission(execID string) {
	exec, err := s.store.GetExecution(execID)
	if err != nil || exec == nil {
		return
	}
	s.scheduleCloseCheck(exec.CorrelationID)
}

// scheduleCloseCheck (re)arms the per-correlation timer. A new report
// for the same correlation replaces the pending timer.
func (s *Service) scheduleCloseCheck(correlationID string) {
	if correlationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[correlationID]; ok {
		t.Stop()
	}
	s.timers[correlationID] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, correlationID)
		s.mu.Unlock()
		if err := s.CheckPositionClosed(correlationID); err != nil {
			s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("Close check failed")
		}
	})
}

// CheckPositionClosed records an outcome if the correlation's fills
// net out to a flat position and the linked evaluation has no outcome
// yet.
func (s *Service) CheckPositionClosed(correlationID string) error {
	execs, err := s.store.GetExecutionsByCorrelation(correlationID)
	if err != nil {
		return err
	}
	if len(execs) == 0 || !isPositionClosed(execs) {
		return nil
	}

	links, err := s.store.GetLinksForCorrelation(correlationID)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return nil
	}
	link := links[0]

	existing, err := s.store.GetOutcomeForEval(link.EvaluationID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	eval, err := s.store.GetEvaluation(link.EvaluationID)
	if err != nil {
		return err
	}

	entry, exit := entryExitPrices(execs, link.Direction)
	var rMultiple *float64
	if eval != nil && eval.StopPrice != nil {
		rMultiple = domain.ComputeRMultiple(link.Direction, entry, *eval.StopPrice, exit)
	}

	outcome := domain.Outcome{
		EvaluationID: link.EvaluationID,
		TradeTaken:   true,
		DecisionType: domain.DecisionTookTrade,
		EntryPrice:   &entry,
		ExitPrice:    &exit,
		RMultiple:    rMultiple,
		ExitReason:   domain.ExitReasonAutoDetected,
		RecordedAt:   s.now(),
	}
	inserted, err := s.store.InsertOutcome(outcome)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	s.log.Info().Str("evaluation_id", link.EvaluationID).Float64("entry", entry).
		Float64("exit", exit).Msg("Position closed, outcome recorded")
	if s.onOutcome != nil {
		s.onOutcome(outcome)
	}
	return nil
}

// ReconcileOffline sweeps recent evaluations for positions that closed
// while the process was down: linked, closed, but without an outcome.
// Run once at startup and periodically by the scheduler.
func (s *Service) ReconcileOffline(limit int) error {
	evals, err := s.store.ListEvaluations(limit)
	if err != nil {
		return err
	}

	reconciled := 0
	for _, eval := range evals {
		links, err := s.store.GetLinksForEval(eval.ID)
		if err != nil {
			return err
		}
		if len(links) == 0 {
			continue
		}

		existing, err := s.store.GetOutcomeForEval(eval.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		order, err := s.store.GetOrder(links[0].OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			continue
		}
		execs, err := s.store.GetExecutionsByCorrelation(order.CorrelationID)
		if err != nil {
			return err
		}
		if len(execs) == 0 || !isPositionClosed(execs) {
			continue
		}

		entry, exit := entryExitPrices(execs, links[0].Direction)
		inserted, err := s.store.InsertOutcome(domain.Outcome{
			EvaluationID: eval.ID,
			TradeTaken:   true,
			DecisionType: domain.DecisionTookTrade,
			EntryPrice:   &entry,
			ExitPrice:    &exit,
			ExitReason:   domain.ExitReasonReconcileClosedOffline,
			RecordedAt:   s.now(),
		})
		if err != nil {
			return err
		}
		if inserted {
			reconciled++
		}
	}

	if reconciled > 0 {
		s.log.Info().Int("outcomes", reconciled).Msg("Reconciled positions closed while offline")
	}
	return nil
}

// isPositionClosed nets fills: +shares for BOT, -shares for SLD.
func isPositionClosed(execs []domain.Execution) bool {
	net := 0.0
	for _, e := range execs {
		if e.Side == domain.ExecSideBought {
			net += e.Shares
		} else {
			net -= e.Shares
		}
	}
	return math.Abs(net) < closedEpsilon
}

// entryExitPrices computes buy and sell VWAPs and assigns them to
// entry/exit by trade direction.
func entryExitPrices(execs []domain.Execution, direction domain.Direction) (entry, exit float64) {
	var buyNotional, buyShares, sellNotional, sellShares float64
	for _, e := range execs {
		if e.Side == domain.ExecSideBought {
			buyNotional += e.Price * e.Shares
			buyShares += e.Shares
		} else {
			sellNotional += e.Price * e.Shares
			sellShares += e.Shares
		}
	}

	buyVwap, sellVwap := 0.0, 0.0
	if buyShares > 0 {
		buyVwap = buyNotional / buyShares
	}
	if sellShares > 0 {
		sellVwap = sellNotional / sellShares
	}

	if direction == domain.DirectionShort {
		return sellVwap, buyVwap
	}
	return buyVwap, sellVwap
}
