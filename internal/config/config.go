// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// IBKRConfig holds brokerage gateway connection settings.
type IBKRConfig struct {
	Host               string
	Port               int
	ClientID           int
	MaxClientIDRetries int
	OrderTimeoutMs     int
	ExecutionTimeoutMs int
}

// RESTConfig holds settings for the local REST port.
type RESTConfig struct {
	Port   int
	APIKey string
}

// DriftConfig holds drift-detector thresholds.
type DriftConfig struct {
	AccuracyThreshold    float64
	CalibrationThreshold float64
}

// AutoEvalConfig throttles automatic scoring fan-outs.
type AutoEvalConfig struct {
	MaxConcurrent  int
	DedupWindowMin int
}

// ProviderConfig holds per-provider credentials and timeouts.
// API key precedence: explicit config value wins; the environment
// variable is consulted only when the config value is empty.
type ProviderConfig struct {
	APIKey    string
	TimeoutMs int
	Model     string
	// ScoreURL is the provider's scoring endpoint. The prompt layer
	// lives behind it; the core exchanges structured JSON only.
	ScoreURL string
}

// OrchestratorConfig holds default ensemble weights and consensus rules.
type OrchestratorConfig struct {
	WeightGPT         float64
	WeightGemini      float64
	WeightClaude      float64
	RequiredAgreement float64
	PenaltyK          float64
}

// Config holds application configuration. It is an explicit struct
// passed to each component's constructor; there is no global state.
type Config struct {
	DataDir      string
	LogLevel     string
	DevMode      bool
	IBKR         IBKRConfig
	REST         RESTConfig
	Drift        DriftConfig
	AutoEval     AutoEvalConfig
	Orchestrator OrchestratorConfig
	GPT          ProviderConfig
	Gemini       ProviderConfig
	Claude       ProviderConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TRADEWIND_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		IBKR: IBKRConfig{
			Host:               getEnv("IBKR_HOST", "127.0.0.1"),
			Port:               getEnvAsInt("IBKR_PORT", 7497),
			ClientID:           getEnvAsInt("IBKR_CLIENT_ID", 1),
			MaxClientIDRetries: getEnvAsInt("IBKR_MAX_CLIENT_ID_RETRIES", 5),
			OrderTimeoutMs:     getEnvAsInt("IBKR_ORDER_TIMEOUT_MS", 10000),
			ExecutionTimeoutMs: getEnvAsInt("IBKR_EXECUTION_TIMEOUT_MS", 30000),
		},
		REST: RESTConfig{
			Port:   getEnvAsInt("REST_PORT", 8010),
			APIKey: getEnv("REST_API_KEY", ""),
		},
		Drift: DriftConfig{
			AccuracyThreshold:    getEnvAsFloat("DRIFT_ACCURACY_THRESHOLD", 0.15),
			CalibrationThreshold: getEnvAsFloat("DRIFT_CALIBRATION_THRESHOLD", 0.15),
		},
		AutoEval: AutoEvalConfig{
			MaxConcurrent:  getEnvAsInt("AUTOEVAL_MAX_CONCURRENT", 4),
			DedupWindowMin: getEnvAsInt("AUTOEVAL_DEDUP_WINDOW_MIN", 15),
		},
		Orchestrator: OrchestratorConfig{
			WeightGPT:         getEnvAsFloat("ORCHESTRATOR_WEIGHT_GPT", 0.34),
			WeightGemini:      getEnvAsFloat("ORCHESTRATOR_WEIGHT_GEMINI", 0.33),
			WeightClaude:      getEnvAsFloat("ORCHESTRATOR_WEIGHT_CLAUDE", 0.33),
			RequiredAgreement: getEnvAsFloat("ORCHESTRATOR_REQUIRED_AGREEMENT", 0.5),
			PenaltyK:          getEnvAsFloat("ORCHESTRATOR_PENALTY_K", 1.0),
		},
		GPT: ProviderConfig{
			APIKey:    getEnv("GPT_API_KEY", ""),
			TimeoutMs: getEnvAsInt("GPT_TIMEOUT_MS", 30000),
			Model:     getEnv("GPT_MODEL", "gpt-4o"),
			ScoreURL:  getEnv("GPT_SCORE_URL", "http://127.0.0.1:8021/score"),
		},
		Gemini: ProviderConfig{
			APIKey:    getEnv("GEMINI_API_KEY", ""),
			TimeoutMs: getEnvAsInt("GEMINI_TIMEOUT_MS", 30000),
			Model:     getEnv("GEMINI_MODEL", "gemini-1.5-pro"),
			ScoreURL:  getEnv("GEMINI_SCORE_URL", "http://127.0.0.1:8022/score"),
		},
		Claude: ProviderConfig{
			APIKey:    getEnv("CLAUDE_API_KEY", ""),
			TimeoutMs: getEnvAsInt("CLAUDE_TIMEOUT_MS", 30000),
			Model:     getEnv("CLAUDE_MODEL", "claude-sonnet-4-5"),
			ScoreURL:  getEnv("CLAUDE_SCORE_URL", "http://127.0.0.1:8023/score"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every recognised key against its allowed range.
// Violations fail startup; soft issues (short API key) are returned
// by Warnings instead.
func (c *Config) Validate() error {
	if c.IBKR.Port < 1 || c.IBKR.Port > 65535 {
		return fmt.Errorf("ibkr.port must be in 1..65535, got %d", c.IBKR.Port)
	}
	if c.IBKR.ClientID < 0 || c.IBKR.ClientID > 32 {
		return fmt.Errorf("ibkr.clientId must be in 0..32, got %d", c.IBKR.ClientID)
	}
	if c.IBKR.MaxClientIDRetries < 0 {
		return fmt.Errorf("ibkr.maxClientIdRetries must be >= 0, got %d", c.IBKR.MaxClientIDRetries)
	}
	if c.IBKR.OrderTimeoutMs <= 0 {
		return fmt.Errorf("ibkr.orderTimeoutMs must be > 0, got %d", c.IBKR.OrderTimeoutMs)
	}
	if c.IBKR.ExecutionTimeoutMs < c.IBKR.OrderTimeoutMs {
		return fmt.Errorf("ibkr.executionTimeoutMs (%d) must be >= ibkr.orderTimeoutMs (%d)",
			c.IBKR.ExecutionTimeoutMs, c.IBKR.OrderTimeoutMs)
	}
	if c.REST.Port < 1 || c.REST.Port > 65535 {
		return fmt.Errorf("rest.port must be in 1..65535, got %d", c.REST.Port)
	}
	if c.REST.Port == c.IBKR.Port {
		return fmt.Errorf("rest.port must differ from ibkr.port (both %d)", c.REST.Port)
	}
	if c.Drift.AccuracyThreshold < 0 || c.Drift.AccuracyThreshold > 1 {
		return fmt.Errorf("drift.accuracyThreshold must be in [0,1], got %f", c.Drift.AccuracyThreshold)
	}
	if c.Drift.CalibrationThreshold < 0 || c.Drift.CalibrationThreshold > 1 {
		return fmt.Errorf("drift.calibrationThreshold must be in [0,1], got %f", c.Drift.CalibrationThreshold)
	}
	if c.AutoEval.MaxConcurrent < 1 || c.AutoEval.MaxConcurrent > 20 {
		return fmt.Errorf("autoEval.maxConcurrent must be in [1,20], got %d", c.AutoEval.MaxConcurrent)
	}
	if c.AutoEval.DedupWindowMin <= 0 {
		return fmt.Errorf("autoEval.dedupWindowMin must be > 0, got %d", c.AutoEval.DedupWindowMin)
	}
	if c.Orchestrator.WeightGPT < 0 || c.Orchestrator.WeightGemini < 0 || c.Orchestrator.WeightClaude < 0 {
		return fmt.Errorf("orchestrator.weights must be non-negative")
	}
	if c.Orchestrator.RequiredAgreement < 0 || c.Orchestrator.RequiredAgreement > 1 {
		return fmt.Errorf("orchestrator.requiredAgreement must be in [0,1], got %f", c.Orchestrator.RequiredAgreement)
	}
	for name, p := range map[string]ProviderConfig{"gpt": c.GPT, "gemini": c.Gemini, "claude": c.Claude} {
		if p.TimeoutMs <= 0 {
			return fmt.Errorf("%s.timeoutMs must be > 0, got %d", name, p.TimeoutMs)
		}
	}
	return nil
}

// Warnings returns non-fatal configuration issues to be logged at startup.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.REST.APIKey != "" && len(c.REST.APIKey) < 16 {
		warnings = append(warnings, "rest.apiKey is shorter than 16 characters")
	}
	return warnings
}

// ResolveAPIKey returns the provider's API key: config value first, the
// given environment variable only when the config value is empty.
func (p ProviderConfig) ResolveAPIKey(envVar string) string {
	if p.APIKey != "" {
		return p.APIKey
	}
	return os.Getenv(envVar)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
