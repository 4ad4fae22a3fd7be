package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database (optional; absent disables the API-key store and the
	// durable cost sink)
	PostgresDSN string

	// Cache/queue (optional; absent disables rate limiting and async jobs)
	RedisAddr string

	// Cloud providers
	AzureOpenAIAPIKey   string
	AzureOpenAIEndpoint string
	AWSRegion           string
	BedrockEnabled      bool
	GeminiAPIKey        string

	// Local providers
	OllamaBaseURL string
	VLLMBaseURL   string
	VLLMAPIKey    string

	// Routing
	DefaultBackend      string   // default: azure
	FallbackChain       []string // default: azure,bedrock,gemini,ollama
	LocalBackends       []string // default: ollama,vllm
	ConfidentialBackend string   // default: ollama

	// Budget
	MonthlyBudgetUSD float64 // default: 500
	BudgetWarnRatio  float64 // default: 0.8
	LedgerMaxEntries int     // default: 10000

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		AzureOpenAIAPIKey:    os.Getenv("AZURE_OPENAI_API_KEY"),
		AzureOpenAIEndpoint:  os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AWSRegion:            os.Getenv("AWS_REGION"),
		BedrockEnabled:       getEnv("BEDROCK_ENABLED", "false") == "true",
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		OllamaBaseURL:        getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		VLLMBaseURL:          os.Getenv("VLLM_BASE_URL"),
		VLLMAPIKey:           os.Getenv("VLLM_API_KEY"),
		DefaultBackend:       getEnv("DEFAULT_BACKEND", "azure"),
		FallbackChain:        splitList(getEnv("FALLBACK_CHAIN", "azure,bedrock,gemini,ollama")),
		LocalBackends:        splitList(getEnv("LOCAL_BACKENDS", "ollama,vllm")),
		ConfidentialBackend:  getEnv("CONFIDENTIAL_BACKEND", "ollama"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.MonthlyBudgetUSD, err = floatEnv("MONTHLY_BUDGET_USD", 500); err != nil {
		return nil, err
	}
	if cfg.BudgetWarnRatio, err = floatEnv("BUDGET_WARN_RATIO", 0.8); err != nil {
		return nil, err
	}

	maxEntries := getEnv("LEDGER_MAX_ENTRIES", "10000")
	n, err := strconv.Atoi(maxEntries)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid LEDGER_MAX_ENTRIES: %q", maxEntries)
	}
	cfg.LedgerMaxEntries = n

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	// Validation
	if cfg.DefaultBackend == "" {
		return nil, fmt.Errorf("DEFAULT_BACKEND is required")
	}
	if len(cfg.FallbackChain) == 0 {
		return nil, fmt.Errorf("FALLBACK_CHAIN must name at least one backend")
	}
	if cfg.BudgetWarnRatio <= 0 || cfg.BudgetWarnRatio > 1 {
		return nil, fmt.Errorf("BUDGET_WARN_RATIO must be in (0, 1], got %v", cfg.BudgetWarnRatio)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func floatEnv(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
