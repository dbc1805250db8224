package ensemble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jmareth/tradewind/internal/config"
	"github.com/jmareth/tradewind/internal/domain"
)

// ProviderID identifies one external scoring provider.
type ProviderID string

const (
	ProviderGPT    ProviderID = "gpt"
	ProviderGemini ProviderID = "gemini"
	ProviderClaude ProviderID = "claude"
)

// ScoreRequest is the provider-facing view of a candidate trade.
type ScoreRequest struct {
	Symbol     string               `json:"symbol"`
	Direction  domain.Direction     `json:"direction"`
	EntryPrice *float64             `json:"entry_price,omitempty"`
	StopPrice  *float64             `json:"stop_price,omitempty"`
	Features   domain.FeatureVector `json:"features"`
}

// ScoringCapability is one provider's scoring entry point. A failed
// call returns an error; a call that succeeds but fails validation is
// reported by the service as a SchemaMismatch.
type ScoringCapability interface {
	Score(ctx context.Context, req ScoreRequest) (*domain.ModelOutput, error)
}

// providerEntry pairs an id with its capability. The registry keeps
// entries in weight-declaration order; iteration order follows it.
type providerEntry struct {
	id         ProviderID
	capability ScoringCapability
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker
}

// Registry is the ordered provider capability table.
type Registry struct {
	entries []providerEntry
}

// Register appends a provider. Registration order is the weight
// declaration order and fixes fan-out iteration order.
func (r *Registry) Register(id ProviderID, cap ScoringCapability, timeout time.Duration) {
	r.entries = append(r.entries, providerEntry{
		id:         id,
		capability: cap,
		timeout:    timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(id),
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	})
}

// Providers returns the registered ids in declaration order.
func (r *Registry) Providers() []ProviderID {
	out := make([]ProviderID, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.id
	}
	return out
}

// scoreResponse is the JSON shape every provider endpoint returns.
type scoreResponse struct {
	TradeScore     *float64           `json:"trade_score"`
	ComponentRisks map[string]float64 `json:"component_risks,omitempty"`
	ExpectedRR     *float64           `json:"expected_rr,omitempty"`
	Confidence     *float64           `json:"confidence,omitempty"`
	ShouldTrade    *bool              `json:"should_trade,omitempty"`
	Reasoning      string             `json:"reasoning,omitempty"`
	ModelVersion   string             `json:"model_version,omitempty"`
	PromptHash     string             `json:"prompt_hash,omitempty"`
	TokenCount     int                `json:"token_count,omitempty"`
	ResponseID     string             `json:"response_id,omitempty"`
}

// httpProvider scores via a provider's HTTPS scoring endpoint.
type httpProvider struct {
	id      ProviderID
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPProvider builds a provider client over its scoring endpoint.
// The prompt layer lives behind that endpoint; the core only exchanges
// the structured request/response pair. API key precedence: explicit
// config wins, environment fallback is resolved by the config layer.
func NewHTTPProvider(id ProviderID, cfg config.ProviderConfig) ScoringCapability {
	return &httpProvider{
		id:      id,
		baseURL: cfg.ScoreURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
	}
}

func (p *httpProvider) Score(ctx context.Context, req ScoreRequest) (*domain.ModelOutput, error) {
	body, err := json.Marshal(struct {
		ScoreRequest
		Model string `json:"model,omitempty"`
	}{ScoreRequest: req, Model: p.model})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s returned HTTP %d", p.id, resp.StatusCode)
	}

	var sr scoreResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("provider %s returned malformed JSON: %w", p.id, err)
	}

	return &domain.ModelOutput{
		Provider:       string(p.id),
		RawResponse:    string(raw),
		Compliant:      true,
		TradeScore:     sr.TradeScore,
		ComponentRisks: sr.ComponentRisks,
		ExpectedRR:     sr.ExpectedRR,
		Confidence:     sr.Confidence,
		ShouldTrade:    sr.ShouldTrade,
		Reasoning:      sr.Reasoning,
		ModelVersion:   sr.ModelVersion,
		PromptHash:     sr.PromptHash,
		TokenCount:     sr.TokenCount,
		ResponseID:     sr.ResponseID,
	}, nil
}

// NewDefaultRegistry wires the three stock providers in weight
// declaration order: gpt, gemini, claude.
func NewDefaultRegistry(cfg *config.Config) *Registry {
	r := &Registry{}
	r.Register(ProviderGPT, NewHTTPProvider(ProviderGPT, cfg.GPT),
		time.Duration(cfg.GPT.TimeoutMs)*time.Millisecond)
	r.Register(ProviderGemini, NewHTTPProvider(ProviderGemini, cfg.Gemini),
		time.Duration(cfg.Gemini.TimeoutMs)*time.Millisecond)
	r.Register(ProviderClaude, NewHTTPProvider(ProviderClaude, cfg.Claude),
		time.Duration(cfg.Claude.TimeoutMs)*time.Millisecond)
	return r
}
