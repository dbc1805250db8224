package ensemble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmareth/tradewind/internal/domain"
)

type fakeStore struct {
	mu       sync.Mutex
	weights  *domain.WeightSnapshot
	weightsE error
	evals    []domain.Evaluation
	outputs  []domain.ModelOutput
}

func (f *fakeStore) GetWeights() (*domain.WeightSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.weights, f.weightsE
}

func (f *fakeStore) InsertEvaluation(e domain.Evaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals = append(f.evals, e)
	return nil
}

func (f *fakeStore) InsertModelOutput(m domain.ModelOutput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, m)
	return nil
}

type capabilityFunc func(ctx context.Context, req ScoreRequest) (*domain.ModelOutput, error)

func (f capabilityFunc) Score(ctx context.Context, req ScoreRequest) (*domain.ModelOutput, error) {
	return f(ctx, req)
}

func staticCapability(provider string, score float64) ScoringCapability {
	return capabilityFunc(func(context.Context, ScoreRequest) (*domain.ModelOutput, error) {
		return &domain.ModelOutput{
			Provider:    provider,
			Compliant:   true,
			TradeScore:  fptr(score),
			ShouldTrade: bptr(score >= 50),
		}, nil
	})
}

func failingCapability() ScoringCapability {
	return capabilityFunc(func(context.Context, ScoreRequest) (*domain.ModelOutput, error) {
		return nil, errors.New("connection refused")
	})
}

func newTestService(store *fakeStore, registry *Registry, weights map[string]float64, maxConcurrent int) *Service {
	return NewService(store, registry, weights, 1.0, maxConcurrent, zerolog.Nop())
}

func TestEvaluateSurvivorRenormalisation(t *testing.T) {
	registry := &Registry{}
	registry.Register(ProviderGPT, staticCapability("gpt", 70), time.Second)
	registry.Register(ProviderGemini, failingCapability(), time.Second)
	registry.Register(ProviderClaude, staticCapability("claude", 72), time.Second)

	store := &fakeStore{}
	svc := newTestService(store, registry, map[string]float64{"gpt": 0.4, "gemini": 0.3, "claude": 0.3}, 4)

	eval, err := svc.Evaluate(context.Background(), EvaluateRequest{
		Symbol:    "AAPL",
		Direction: domain.DirectionLong,
		Features:  domain.FeatureVector{VolatilityRegime: domain.VolatilityNormal},
	})
	require.NoError(t, err)

	assert.InDelta(t, 4.0/7.0, eval.Ensemble.WeightsUsed["gpt"], 1e-9)
	assert.InDelta(t, 3.0/7.0, eval.Ensemble.WeightsUsed["claude"], 1e-9)
	assert.InDelta(t, 70*4.0/7.0+72*3.0/7.0, eval.Ensemble.WeightedScore, 1e-6)
	assert.True(t, eval.Ensemble.ShouldTrade)

	require.Len(t, store.evals, 1)
	require.Len(t, store.outputs, 3)
	for _, o := range store.outputs {
		assert.Equal(t, eval.ID, o.EvaluationID)
		if o.Provider == "gemini" {
			assert.False(t, o.Compliant)
			assert.Contains(t, o.ErrorMessage, "connection refused")
		}
	}
}

func TestEvaluateAllProvidersFail(t *testing.T) {
	registry := &Registry{}
	registry.Register(ProviderGPT, failingCapability(), time.Second)
	registry.Register(ProviderGemini, failingCapability(), time.Second)

	store := &fakeStore{}
	svc := newTestService(store, registry, map[string]float64{"gpt": 0.5, "gemini": 0.5}, 4)

	_, err := svc.Evaluate(context.Background(), EvaluateRequest{Symbol: "AAPL", Direction: domain.DirectionLong})
	assert.ErrorIs(t, err, domain.ErrNoProviders)
	assert.Empty(t, store.evals)
}

func TestEvaluateRejectsOutOfRangeScore(t *testing.T) {
	registry := &Registry{}
	registry.Register(ProviderGPT, capabilityFunc(func(context.Context, ScoreRequest) (*domain.ModelOutput, error) {
		return &domain.ModelOutput{Provider: "gpt", Compliant: true, TradeScore: fptr(140)}, nil
	}), time.Second)
	registry.Register(ProviderClaude, staticCapability("claude", 60), time.Second)

	store := &fakeStore{}
	svc := newTestService(store, registry, map[string]float64{"gpt": 0.5, "claude": 0.5}, 4)

	eval, err := svc.Evaluate(context.Background(), EvaluateRequest{Symbol: "AAPL", Direction: domain.DirectionLong})
	require.NoError(t, err)

	// The out-of-range provider is excluded, claude carries full weight.
	assert.InDelta(t, 1.0, eval.Ensemble.WeightsUsed["claude"], 1e-9)
	assert.InDelta(t, 60.0, eval.Ensemble.WeightedScore, 1e-9)

	var gpt *domain.ModelOutput
	for i := range store.outputs {
		if store.outputs[i].Provider == "gpt" {
			gpt = &store.outputs[i]
		}
	}
	require.NotNil(t, gpt)
	assert.False(t, gpt.Compliant)
	assert.Contains(t, gpt.ErrorMessage, "trade score")
}

func TestEvaluateUsesRegimeWeights(t *testing.T) {
	registry := &Registry{}
	registry.Register(ProviderGPT, staticCapability("gpt", 80), time.Second)
	registry.Register(ProviderClaude, staticCapability("claude", 40), time.Second)

	store := &fakeStore{weights: &domain.WeightSnapshot{
		Weights: map[string]float64{"gpt": 0.5, "claude": 0.5},
		RegimeWeights: map[domain.Regime]map[string]float64{
			domain.RegimeVolatile: {"gpt": 0.9, "claude": 0.1},
		},
	}}
	svc := newTestService(store, registry, nil, 4)

	eval, err := svc.Evaluate(context.Background(), EvaluateRequest{
		Symbol:    "TSLA",
		Direction: domain.DirectionShort,
		Features:  domain.FeatureVector{VolatilityRegime: domain.VolatilityExtreme},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, eval.Ensemble.WeightsUsed["gpt"], 1e-9)
	assert.InDelta(t, 80*0.9+40*0.1, eval.Ensemble.WeightedScore, 1e-9)
}

func TestEvaluateFallsBackToDefaultWeights(t *testing.T) {
	registry := &Registry{}
	registry.Register(ProviderGPT, staticCapability("gpt", 90), time.Second)
	registry.Register(ProviderClaude, staticCapability("claude", 30), time.Second)

	store := &fakeStore{weightsE: errors.New("table locked")}
	svc := newTestService(store, registry, map[string]float64{"gpt": 0.75, "claude": 0.25}, 4)

	eval, err := svc.Evaluate(context.Background(), EvaluateRequest{Symbol: "NVDA", Direction: domain.DirectionLong})
	require.NoError(t, err)
	assert.InDelta(t, 90*0.75+30*0.25, eval.Ensemble.WeightedScore, 1e-9)
}

func TestEvaluateProviderTimeoutIsNonCompliant(t *testing.T) {
	registry := &Registry{}
	registry.Register(ProviderGPT, capabilityFunc(func(ctx context.Context, _ ScoreRequest) (*domain.ModelOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 20*time.Millisecond)
	registry.Register(ProviderClaude, staticCapability("claude", 55), time.Second)

	store := &fakeStore{}
	svc := newTestService(store, registry, map[string]float64{"gpt": 0.5, "claude": 0.5}, 4)

	eval, err := svc.Evaluate(context.Background(), EvaluateRequest{Symbol: "AMD", Direction: domain.DirectionLong})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, eval.Ensemble.WeightsUsed["claude"], 1e-9)
}

func TestEvaluateQueuesBehindConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	registry := &Registry{}
	registry.Register(ProviderGPT, capabilityFunc(func(ctx context.Context, _ ScoreRequest) (*domain.ModelOutput, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &domain.ModelOutput{Provider: "gpt", Compliant: true, TradeScore: fptr(50)}, nil
	}), time.Second)

	store := &fakeStore{}
	svc := newTestService(store, registry, map[string]float64{"gpt": 1}, 1)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Evaluate(context.Background(), EvaluateRequest{Symbol: "SPY", Direction: domain.DirectionLong})
			assert.NoError(t, err)
		}()
	}

	// Only one fan-out may be in flight while the first holds the slot.
	<-started
	select {
	case <-started:
		t.Fatal("second evaluation ran before the first released its slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	assert.Len(t, store.evals, 2)
}

func TestEvaluateCancelledWhileQueued(t *testing.T) {
	registry := &Registry{}
	registry.Register(ProviderGPT, staticCapability("gpt", 50), time.Second)

	store := &fakeStore{}
	svc := newTestService(store, registry, map[string]float64{"gpt": 1}, 1)
	svc.sem <- struct{}{} // occupy the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Evaluate(ctx, EvaluateRequest{Symbol: "QQQ", Direction: domain.DirectionLong})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
