package pricing

import (
	"fmt"

	"github.com/GEJFY/inference-gateway/internal/provider"
)

// Tier is the requested quality/cost class of a model.
type Tier string

const (
	TierSOTA          Tier = "sota"
	TierCostEffective Tier = "cost_effective"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierSOTA, TierCostEffective:
		return Tier(s), nil
	case "":
		return TierCostEffective, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Entry resolves one (backend, tier) pair to a concrete model and its price
// per 1K tokens. Local backends carry zero-price entries.
type Entry struct {
	Model       string  `json:"model"`
	InputPer1K  float64 `json:"input_per_1k_usd"`
	OutputPer1K float64 `json:"output_per_1k_usd"`
}

type tableKey struct {
	provider string
	tier     Tier
}

// Table is the per-(backend, tier) model/price configuration. It is loaded
// once at startup and read-only at request time.
type Table struct {
	entries map[tableKey]Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[tableKey]Entry)}
}

// Set adds or replaces an entry. Startup-time only; the Table is not safe
// for mutation once requests are flowing.
func (t *Table) Set(providerName string, tier Tier, e Entry) {
	t.entries[tableKey{provider: providerName, tier: tier}] = e
}

func (t *Table) Lookup(providerName string, tier Tier) (Entry, bool) {
	e, ok := t.entries[tableKey{provider: providerName, tier: tier}]
	return e, ok
}

// Resolve returns the model identifier for (backend, tier).
func (t *Table) Resolve(providerName string, tier Tier) (string, error) {
	e, ok := t.Lookup(providerName, tier)
	if !ok {
		return "", &ModelNotFoundError{Provider: providerName, Tier: tier}
	}
	return e.Model, nil
}

// EstimateCost computes inputTokens/1000*inputPrice +
// outputTokens/1000*outputPrice for (backend, tier). Never negative.
func (t *Table) EstimateCost(providerName string, tier Tier, inputTokens, outputTokens int) (float64, error) {
	e, ok := t.Lookup(providerName, tier)
	if !ok {
		return 0, &ModelNotFoundError{Provider: providerName, Tier: tier}
	}
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return float64(inputTokens)/1000*e.InputPer1K + float64(outputTokens)/1000*e.OutputPer1K, nil
}

// Models returns backend -> tier -> model id, for admin introspection.
func (t *Table) Models() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for k, e := range t.entries {
		if out[k.provider] == nil {
			out[k.provider] = make(map[string]string)
		}
		out[k.provider][string(k.tier)] = e.Model
	}
	return out
}

// DefaultTable ships entries for the reference backends.
func DefaultTable() *Table {
	t := NewTable()
	t.Set("azure", TierSOTA, Entry{Model: "gpt-4o", InputPer1K: 0.0025, OutputPer1K: 0.01})
	t.Set("azure", TierCostEffective, Entry{Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006})
	t.Set("bedrock", TierSOTA, Entry{Model: "anthropic.claude-3-5-sonnet-20241022-v2:0", InputPer1K: 0.003, OutputPer1K: 0.015})
	t.Set("bedrock", TierCostEffective, Entry{Model: "anthropic.claude-3-5-haiku-20241022-v1:0", InputPer1K: 0.0008, OutputPer1K: 0.004})
	t.Set("gemini", TierSOTA, Entry{Model: "gemini-1.5-pro", InputPer1K: 0.00125, OutputPer1K: 0.005})
	t.Set("gemini", TierCostEffective, Entry{Model: "gemini-1.5-flash", InputPer1K: 0.000125, OutputPer1K: 0.000375})
	t.Set("ollama", TierSOTA, Entry{Model: "llama3.1:70b"})
	t.Set("ollama", TierCostEffective, Entry{Model: "llama3.1:8b"})
	t.Set("vllm", TierSOTA, Entry{Model: "meta-llama/Llama-3.1-70B-Instruct"})
	t.Set("vllm", TierCostEffective, Entry{Model: "meta-llama/Llama-3.1-8B-Instruct"})
	return t
}

// ModelNotFoundError is a configuration bug (registered backend without a
// tier entry). Always fatal for the call that hits it.
type ModelNotFoundError struct {
	Provider string
	Tier     Tier
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model not found for provider %s tier %s", e.Provider, e.Tier)
}

func (e *ModelNotFoundError) Code() string { return provider.CodeModelNotFound }
