package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "azure", cfg.DefaultBackend)
	assert.Equal(t, []string{"azure", "bedrock", "gemini", "ollama"}, cfg.FallbackChain)
	assert.Equal(t, []string{"ollama", "vllm"}, cfg.LocalBackends)
	assert.Equal(t, "ollama", cfg.ConfidentialBackend)
	assert.Equal(t, 500.0, cfg.MonthlyBudgetUSD)
	assert.Equal(t, 0.8, cfg.BudgetWarnRatio)
	assert.Equal(t, 10000, cfg.LedgerMaxEntries)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEFAULT_BACKEND", "bedrock")
	t.Setenv("FALLBACK_CHAIN", "bedrock, gemini ,vllm")
	t.Setenv("MONTHLY_BUDGET_USD", "1200.50")
	t.Setenv("BUDGET_WARN_RATIO", "0.9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bedrock", cfg.DefaultBackend)
	assert.Equal(t, []string{"bedrock", "gemini", "vllm"}, cfg.FallbackChain)
	assert.Equal(t, 1200.50, cfg.MonthlyBudgetUSD)
	assert.Equal(t, 0.9, cfg.BudgetWarnRatio)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("warn ratio out of range", func(t *testing.T) {
		t.Setenv("BUDGET_WARN_RATIO", "1.5")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("non-numeric budget", func(t *testing.T) {
		t.Setenv("MONTHLY_BUDGET_USD", "lots")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("empty fallback chain", func(t *testing.T) {
		t.Setenv("FALLBACK_CHAIN", " , ,")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("bad ledger size", func(t *testing.T) {
		t.Setenv("LEDGER_MAX_ENTRIES", "0")
		_, err := Load()
		require.Error(t, err)
	})
}
