package autolink

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmareth/tradewind/internal/domain"
)

// fakeStore is an in-memory Store for link and outcome flows.
type fakeStore struct {
	mu       sync.Mutex
	orders   map[int64]*domain.Order
	execs    map[string]*domain.Execution
	evals    map[string]*domain.Evaluation
	links    []domain.EvalExecutionLink
	outcomes map[string]*domain.Outcome
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   make(map[int64]*domain.Order),
		execs:    make(map[string]*domain.Execution),
		evals:    make(map[string]*domain.Evaluation),
		outcomes: make(map[string]*domain.Outcome),
	}
}

func (s *fakeStore) GetOrder(orderID int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) GetExecution(execID string) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[execID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) GetExecutionsByCorrelation(correlationID string) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Execution
	for _, e := range s.execs {
		if e.CorrelationID == correlationID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) GetEvaluation(id string) (*domain.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.evals[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) GetRecentEvalsForSymbol(symbol string, sinceTs time.Time) ([]domain.EvalCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EvalCandidate
	for _, e := range s.evals {
		if e.Symbol != symbol || e.CreatedAt.Before(sinceTs) {
			continue
		}
		out = append(out, domain.EvalCandidate{
			ID: e.ID, Symbol: e.Symbol, Direction: e.Direction,
			EntryPrice: e.EntryPrice, StopPrice: e.StopPrice, CreatedAt: e.CreatedAt,
		})
	}
	// oldest first, as the store contract promises
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *fakeStore) ListEvaluations(limit int) ([]domain.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Evaluation
	for _, e := range s.evals {
		out = append(out, *e)
	}
	return out, nil
}

func (s *fakeStore) InsertLink(l domain.EvalExecutionLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.links {
		if existing.EvaluationID == l.EvaluationID && existing.OrderID == l.OrderID {
			return domain.ErrConflictingLink
		}
	}
	s.links = append(s.links, l)
	return nil
}

func (s *fakeStore) GetLinksForOrder(orderID int64) ([]domain.EvalExecutionLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EvalExecutionLink
	for _, l := range s.links {
		if l.OrderID == orderID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeStore) GetLinksForEval(evaluationID string) ([]domain.EvalExecutionLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EvalExecutionLink
	for _, l := range s.links {
		if l.EvaluationID == evaluationID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeStore) GetLinksForCorrelation(correlationID string) ([]domain.EvalExecutionLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EvalExecutionLink
	for _, l := range s.links {
		if o, ok := s.orders[l.OrderID]; ok && o.CorrelationID == correlationID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeStore) GetOutcomeForEval(evaluationID string) (*domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[evaluationID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) InsertOutcome(o domain.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outcomes[o.EvaluationID]; ok {
		return false, nil
	}
	cp := o
	s.outcomes[o.EvaluationID] = &cp
	return true, nil
}

func fptr(v float64) *float64 { return &v }

func newTestService(st *fakeStore) *Service {
	svc := NewService(st, zerolog.Nop())
	svc.debounce = time.Millisecond
	return svc
}

func TestExplicitLinkWins(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	st.evals["E1"] = &domain.Evaluation{
		ID: "E1", Symbol: "AAPL", Direction: domain.DirectionLong,
		EntryPrice: fptr(150), CreatedAt: now.Add(-time.Minute),
	}
	// a second eligible eval at the same timestamp must not matter
	st.evals["E2"] = &domain.Evaluation{
		ID: "E2", Symbol: "AAPL", Direction: domain.DirectionLong,
		EntryPrice: fptr(150), CreatedAt: now.Add(-time.Minute),
	}
	st.orders[10] = &domain.Order{OrderID: 10, Symbol: "AAPL", EvaluationID: "E1", CorrelationID: "C1"}

	svc := newTestService(st)
	err := svc.TryLinkExecution(domain.Execution{
		ExecID: "x1", OrderID: 10, Symbol: "AAPL", Side: domain.ExecSideBought,
		Shares: 100, Price: 150.05, Timestamp: now, CorrelationID: "C1",
	})
	require.NoError(t, err)

	require.Len(t, st.links, 1)
	assert.Equal(t, "E1", st.links[0].EvaluationID)
	assert.Equal(t, domain.LinkExplicit, st.links[0].LinkType)
	assert.Equal(t, 1.0, st.links[0].Confidence)

	// re-running the same execution is a no-op
	require.NoError(t, svc.TryLinkExecution(domain.Execution{
		ExecID: "x1", OrderID: 10, Symbol: "AAPL", Side: domain.ExecSideBought,
		Shares: 100, Price: 150.05, Timestamp: now, CorrelationID: "C1",
	}))
	assert.Len(t, st.links, 1, "duplicate (evaluation, order) links are silently skipped")
}

func TestHeuristicLinkScoring(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	// 10 minutes old, entry right at the fill price
	st.evals["E1"] = &domain.Evaluation{
		ID: "E1", Symbol: "AAPL", Direction: domain.DirectionLong,
		EntryPrice: fptr(150), CreatedAt: now.Add(-10 * time.Minute),
	}
	// wrong direction: never a candidate
	st.evals["E2"] = &domain.Evaluation{
		ID: "E2", Symbol: "AAPL", Direction: domain.DirectionShort,
		EntryPrice: fptr(150), CreatedAt: now.Add(-time.Minute),
	}
	st.orders[10] = &domain.Order{OrderID: 10, Symbol: "AAPL", CorrelationID: "C1"}

	svc := newTestService(st)
	err := svc.TryLinkExecution(domain.Execution{
		ExecID: "x1", OrderID: 10, Symbol: "AAPL", Side: domain.ExecSideBought,
		Shares: 100, Price: 150, Timestamp: now, CorrelationID: "C1",
	})
	require.NoError(t, err)

	require.Len(t, st.links, 1)
	l := st.links[0]
	assert.Equal(t, "E1", l.EvaluationID)
	assert.Equal(t, domain.LinkHeuristic, l.LinkType)
	// timeScore = 1 - 10/30 = 2/3, priceScore = 1
	assert.InDelta(t, 0.7*(2.0/3.0)+0.3*1.0, l.Confidence, 1e-9)
}

func TestHeuristicLinkRejectsLowConfidence(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	// almost 30 minutes old and far from the entry price
	st.evals["E1"] = &domain.Evaluation{
		ID: "E1", Symbol: "AAPL", Direction: domain.DirectionLong,
		EntryPrice: fptr(100), CreatedAt: now.Add(-29*time.Minute - 30*time.Second),
	}
	st.orders[10] = &domain.Order{OrderID: 10, Symbol: "AAPL", CorrelationID: "C1"}

	svc := newTestService(st)
	require.NoError(t, svc.TryLinkExecution(domain.Execution{
		ExecID: "x1", OrderID: 10, Symbol: "AAPL", Side: domain.ExecSideBought,
		Shares: 100, Price: 150, Timestamp: now, CorrelationID: "C1",
	}))
	assert.Empty(t, st.links, "confidence below 0.1 must be rejected")
}

func TestNullDirectionMatchesEither(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	st.evals["E1"] = &domain.Evaluation{
		ID: "E1", Symbol: "AAPL", EntryPrice: fptr(150), CreatedAt: now.Add(-time.Minute),
	}
	st.orders[10] = &domain.Order{OrderID: 10, Symbol: "AAPL", CorrelationID: "C1"}

	svc := newTestService(st)
	require.NoError(t, svc.TryLinkExecution(domain.Execution{
		ExecID: "x1", OrderID: 10, Symbol: "AAPL", Side: domain.ExecSideSold,
		Shares: 100, Price: 150, Timestamp: now, CorrelationID: "C1",
	}))
	require.Len(t, st.links, 1)
	assert.Equal(t, domain.DirectionShort, st.links[0].Direction)
}

func TestPositionCloseRecordsOutcome(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	st.evals["E1"] = &domain.Evaluation{
		ID: "E1", Symbol: "AAPL", Direction: domain.DirectionLong,
		EntryPrice: fptr(150), StopPrice: fptr(148), CreatedAt: now.Add(-time.Hour),
	}
	st.orders[10] = &domain.Order{OrderID: 10, Symbol: "AAPL", CorrelationID: "C1"}
	st.links = append(st.links, domain.EvalExecutionLink{
		EvaluationID: "E1", OrderID: 10, ExecID: "x1",
		LinkType: domain.LinkExplicit, Confidence: 1.0,
		Symbol: "AAPL", Direction: domain.DirectionLong,
	})
	st.execs["x1"] = &domain.Execution{
		ExecID: "x1", OrderID: 10, Symbol: "AAPL", Side: domain.ExecSideBought,
		Shares: 100, Price: 150, CorrelationID: "C1", Timestamp: now.Add(-30 * time.Minute),
	}
	st.execs["x2"] = &domain.Execution{
		ExecID: "x2", OrderID: 10, Symbol: "AAPL", Side: domain.ExecSideSold,
		Shares: 100, Price: 152, CorrelationID: "C1", Timestamp: now,
	}

	svc := newTestService(st)
	var hooked []domain.Outcome
	svc.SetOutcomeHook(func(o domain.Outcome) { hooked = append(hooked, o) })

	require.NoError(t, svc.CheckPositionClosed("C1"))

	o := st.outcomes["E1"]
	require.NotNil(t, o, "closed position must record an outcome")
	assert.Equal(t, domain.DecisionTookTrade, o.DecisionType)
	assert.Equal(t, domain.ExitReasonAutoDetected, o.ExitReason)
	assert.Equal(t, 150.0, *o.EntryPrice)
	assert.Equal(t, 152.0, *o.ExitPrice)
	require.NotNil(t, o.RMultiple)
	assert.InDelta(t, 1.0, *o.RMultiple, 1e-9) // (152-150)/(150-148)
	require.Len(t, hooked, 1)

	// re-running is a no-op: still exactly one outcome, hook not re-fired
	require.NoError(t, svc.CheckPositionClosed("C1"))
	assert.Len(t, st.outcomes, 1)
	assert.Len(t, hooked, 1)
}

func TestOpenPositionRecordsNothing(t *testing.T) {
	st := newFakeStore()
	st.orders[10] = &domain.Order{OrderID: 10, Symbol: "AAPL", CorrelationID: "C1"}
	st.links = append(st.links, domain.EvalExecutionLink{EvaluationID: "E1", OrderID: 10})
	st.execs["x1"] = &domain.Execution{
		ExecID: "x1", OrderID: 10, Side: domain.ExecSideBought,
		Shares: 100, Price: 150, CorrelationID: "C1",
	}

	svc := newTestService(st)
	require.NoError(t, svc.CheckPositionClosed("C1"))
	assert.Empty(t, st.outcomes)
}

func TestRMultipleNilWhenStopEqualsEntry(t *testing.T) {
	st := newFakeStore()
	st.evals["E1"] = &domain.Evaluation{
		ID: "E1", Symbol: "AAPL", Direction: domain.DirectionLong,
		EntryPrice: fptr(150), StopPrice: fptr(150),
	}
	st.orders[10] = &domain.Order{OrderID: 10, Symbol: "AAPL", CorrelationID: "C1"}
	st.links = append(st.links, domain.EvalExecutionLink{
		EvaluationID: "E1", OrderID: 10, Direction: domain.DirectionLong,
	})
	st.execs["x1"] = &domain.Execution{
		ExecID: "x1", OrderID: 10, Side: domain.ExecSideBought, Shares: 100, Price: 150, CorrelationID: "C1",
	}
	st.execs["x2"] = &domain.Execution{
		ExecID: "x2", OrderID: 10, Side: domain.ExecSideSold, Shares: 100, Price: 152, CorrelationID: "C1",
	}

	svc := newTestService(st)
	require.NoError(t, svc.CheckPositionClosed("C1"))
	o := st.outcomes["E1"]
	require.NotNil(t, o)
	assert.Nil(t, o.RMultiple, "zero risk means R is undefined")
}

func TestVWAPAcrossPartialFills(t *testing.T) {
	st := newFakeStore()
	st.evals["E1"] = &domain.Evaluation{
		ID: "E1", Symbol: "AAPL", Direction: domain.DirectionLong,
		EntryPrice: fptr(100), StopPrice: fptr(98),
	}
	st.orders[10] = &domain.Order{OrderID: 10, Symbol: "AAPL", CorrelationID: "C1"}
	st.links = append(st.links, domain.EvalExecutionLink{
		EvaluationID: "E1", OrderID: 10, Direction: domain.DirectionLong,
	})
	// entry in two fills: 60 @ 100, 40 @ 101 -> vwap 100.4
	st.execs["x1"] = &domain.Execution{ExecID: "x1", OrderID: 10, Side: domain.ExecSideBought, Shares: 60, Price: 100, CorrelationID: "C1"}
	st.execs["x2"] = &domain.Execution{ExecID: "x2", OrderID: 10, Side: domain.ExecSideBought, Shares: 40, Price: 101, CorrelationID: "C1"}
	st.execs["x3"] = &domain.Execution{ExecID: "x3", OrderID: 10, Side: domain.ExecSideSold, Shares: 100, Price: 103, CorrelationID: "C1"}

	svc := newTestService(st)
	require.NoError(t, svc.CheckPositionClosed("C1"))
	o := st.outcomes["E1"]
	require.NotNil(t, o)
	assert.InDelta(t, 100.4, *o.EntryPrice, 1e-9)
	assert.InDelta(t, 103.0, *o.ExitPrice, 1e-9)
}

func TestCommissionDebounceReplacesTimer(t *testing.T) {
	st := newFakeStore()
	st.evals["E1"] = &domain.Evaluation{
		ID: "E1", Symbol: "AAPL", Direction: domain.DirectionLong,
		EntryPrice: fptr(150), StopPrice: fptr(148),
	}
	st.orders[10] = &domain.Order{OrderID: 10, Symbol: "AAPL", CorrelationID: "C1"}
	st.links = append(st.links, domain.EvalExecutionLink{
		EvaluationID: "E1", OrderID: 10, Direction: domain.DirectionLong,
	})
	st.execs["x1"] = &domain.Execution{ExecID: "x1", OrderID: 10, Side: domain.ExecSideBought, Shares: 100, Price: 150, CorrelationID: "C1"}
	st.execs["x2"] = &domain.Execution{ExecID: "x2", OrderID: 10, Side: domain.ExecSideSold, Shares: 100, Price: 152, CorrelationID: "C1"}

	svc := newTestService(st)
	svc.debounce = 50 * time.Millisecond
	defer svc.Close()

	// a burst of commission reports arms the timer repeatedly
	svc.OnCommission("x1")
	svc.OnCommission("x2")

	svc.mu.Lock()
	pending := len(svc.timers)
	svc.mu.Unlock()
	assert.Equal(t, 1, pending, "same correlation must hold a single pending timer")

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.outcomes) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcileOffline(t *testing.T) {
	st := newFakeStore()
	st.evals["E1"] = &domain.Evaluation{ID: "E1", Symbol: "AAPL", Direction: domain.DirectionLong}
	st.orders[10] = &domain.Order{OrderID: 10, Symbol: "AAPL", CorrelationID: "C1"}
	st.links = append(st.links, domain.EvalExecutionLink{
		EvaluationID: "E1", OrderID: 10, Direction: domain.DirectionLong,
	})
	// closed while the process was down
	st.execs["x1"] = &domain.Execution{ExecID: "x1", OrderID: 10, Side: domain.ExecSideBought, Shares: 50, Price: 10, CorrelationID: "C1"}
	st.execs["x2"] = &domain.Execution{ExecID: "x2", OrderID: 10, Side: domain.ExecSideSold, Shares: 50, Price: 11, CorrelationID: "C1"}

	svc := newTestService(st)
	require.NoError(t, svc.ReconcileOffline(100))

	o := st.outcomes["E1"]
	require.NotNil(t, o)
	assert.Equal(t, domain.ExitReasonReconcileClosedOffline, o.ExitReason)

	// idempotent
	require.NoError(t, svc.ReconcileOffline(100))
	assert.Len(t, st.outcomes, 1)
}
