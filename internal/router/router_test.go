package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GEJFY/inference-gateway/internal/budget"
	"github.com/GEJFY/inference-gateway/internal/ledger"
	"github.com/GEJFY/inference-gateway/internal/pricing"
	"github.com/GEJFY/inference-gateway/internal/provider"
	"github.com/GEJFY/inference-gateway/internal/registry"
)

type mockProvider struct {
	name      string
	available bool

	resp       *provider.Response
	err        error
	completeFn func(ctx context.Context, req *provider.Request) (*provider.Response, error)

	chunks    []*provider.Chunk
	streamErr error

	embedResp *provider.EmbeddingResponse
	embedErr  error

	completeCalls int
	streamCalls   int
	embedCalls    int
}

func (m *mockProvider) Name() string    { return m.name }
func (m *mockProvider) Available() bool { return m.available }

func (m *mockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.completeCalls++
	if m.completeFn != nil {
		return m.completeFn(ctx, req)
	}
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.resp
	resp.Provider = m.name
	resp.Model = req.Model
	return &resp, nil
}

func (m *mockProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	m.streamCalls++
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	ch := make(chan *provider.Chunk, len(m.chunks))
	for _, c := range m.chunks {
		cc := *c
		ch <- &cc
	}
	close(ch)
	return ch, nil
}

func (m *mockProvider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	m.embedCalls++
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	resp := *m.embedResp
	resp.Provider = m.name
	return &resp, nil
}

func (m *mockProvider) HealthCheck(context.Context) bool { return true }
func (m *mockProvider) Close() error                     { return nil }

func okProvider(name string) *mockProvider {
	return &mockProvider{
		name:      name,
		available: true,
		resp:      &provider.Response{Content: "ok", InputTokens: 1000, OutputTokens: 1000, FinishReason: "stop"},
	}
}

func failingProvider(name string) *mockProvider {
	return &mockProvider{
		name:      name,
		available: true,
		err:       provider.E(name, "complete", errors.New("upstream 500")),
	}
}

func testTable() *pricing.Table {
	t := pricing.NewTable()
	t.Set("azure", pricing.TierSOTA, pricing.Entry{Model: "gpt-4o", InputPer1K: 0.0025, OutputPer1K: 0.01})
	t.Set("azure", pricing.TierCostEffective, pricing.Entry{Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006})
	t.Set("aws", pricing.TierSOTA, pricing.Entry{Model: "claude-sonnet", InputPer1K: 0.003, OutputPer1K: 0.015})
	t.Set("aws", pricing.TierCostEffective, pricing.Entry{Model: "claude-haiku", InputPer1K: 0.0008, OutputPer1K: 0.004})
	t.Set("gcp", pricing.TierSOTA, pricing.Entry{Model: "gemini-pro", InputPer1K: 0.00125, OutputPer1K: 0.005})
	t.Set("gcp", pricing.TierCostEffective, pricing.Entry{Model: "gemini-flash", InputPer1K: 0.000125, OutputPer1K: 0.000375})
	t.Set("ollama", pricing.TierSOTA, pricing.Entry{Model: "llama3.1:70b"})
	t.Set("ollama", pricing.TierCostEffective, pricing.Entry{Model: "llama3.1:8b"})
	return t
}

type fixture struct {
	router  *Router
	ledger  *ledger.Ledger
	breaker *budget.Breaker
}

func newFixture(providers ...*mockProvider) *fixture {
	reg := registry.New()
	for _, p := range providers {
		reg.Register(p.name, p)
	}
	table := testTable()
	led := ledger.New(table, 1000)
	brk := budget.New(500, 0.8)
	rt := New(reg, table, led, brk, Config{
		DefaultBackend:      "azure",
		FallbackChain:       []string{"azure", "aws", "gcp", "ollama"},
		LocalBackends:       []string{"ollama"},
		ConfidentialBackend: "ollama",
	})
	return &fixture{router: rt, ledger: led, breaker: brk}
}

func (f *fixture) totalEntries() int {
	return f.ledger.Summary(time.Time{}, time.Time{}).TotalRequests
}

func TestCompleteUsesDefaultChain(t *testing.T) {
	azure := okProvider("azure")
	aws := okProvider("aws")
	f := newFixture(azure, aws, okProvider("gcp"), okProvider("ollama"))

	resp, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Tier:     pricing.TierSOTA,
		UserID:   "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "azure", resp.Provider)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 1, azure.completeCalls)
	assert.Zero(t, aws.completeCalls)

	// Exactly one cost entry, and the breaker saw the same spend.
	assert.Equal(t, 1, f.totalEntries())
	snap := f.breaker.Snapshot()
	assert.Equal(t, int64(1), snap.Requests)
	assert.InDelta(t, 0.0125, snap.SpendUSD, 1e-9)
}

func TestCompleteFallsBackSequentially(t *testing.T) {
	azure := failingProvider("azure")
	aws := okProvider("aws")
	gcp := okProvider("gcp")
	f := newFixture(azure, aws, gcp, okProvider("ollama"))

	resp, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Tier:     pricing.TierSOTA,
	})
	require.NoError(t, err)
	assert.Equal(t, "aws", resp.Provider)
	assert.Equal(t, 1, azure.completeCalls)
	assert.Equal(t, 1, aws.completeCalls)
	assert.Zero(t, gcp.completeCalls)

	// Cost goes to the provider that actually served, not the one that failed.
	s := f.ledger.Summary(time.Time{}, time.Time{})
	assert.NotContains(t, s.ByProvider, "azure")
	assert.Contains(t, s.ByProvider, "aws")
}

func TestCompleteAllFailed(t *testing.T) {
	f := newFixture(
		failingProvider("azure"),
		failingProvider("aws"),
		failingProvider("gcp"),
		failingProvider("ollama"),
	)

	_, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, provider.CodeAllFailed, provider.CodeOf(err))

	var allFailed *AllFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, []string{"azure", "aws", "gcp", "ollama"}, allFailed.Attempted)
	assert.Zero(t, f.totalEntries())
}

func TestExplicitBackendHeadsChain(t *testing.T) {
	azure := okProvider("azure")
	gcp := okProvider("gcp")
	f := newFixture(azure, okProvider("aws"), gcp, okProvider("ollama"))

	resp, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Backend:  "gcp",
	})
	require.NoError(t, err)
	assert.Equal(t, "gcp", resp.Provider)
	assert.Zero(t, azure.completeCalls)
}

func TestExplicitBackendFallsBackToConfiguredOrder(t *testing.T) {
	azure := okProvider("azure")
	gcp := failingProvider("gcp")
	f := newFixture(azure, okProvider("aws"), gcp, okProvider("ollama"))

	resp, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Backend:  "gcp",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, gcp.completeCalls)
	assert.Equal(t, "azure", resp.Provider)
}

func TestConfidentialStaysLocal(t *testing.T) {
	azure := okProvider("azure")
	ollama := okProvider("ollama")
	f := newFixture(azure, okProvider("aws"), okProvider("gcp"), ollama)

	// Explicit cloud backend must not override the residency rule.
	resp, err := f.router.Complete(context.Background(), &Request{
		Messages:       []provider.Message{{Role: provider.RoleUser, Content: "secret"}},
		Backend:        "azure",
		Classification: ClassConfidential,
		Tier:           pricing.TierSOTA,
	})
	require.NoError(t, err)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Zero(t, azure.completeCalls)

	// The call is audited at zero cost and never counts against the budget.
	assert.Equal(t, 1, f.totalEntries())
	assert.Zero(t, f.ledger.Summary(time.Time{}, time.Time{}).TotalCostUSD)
	assert.Zero(t, f.breaker.Snapshot().Requests)
}

func TestInternalStaysLocal(t *testing.T) {
	azure := okProvider("azure")
	f := newFixture(azure, okProvider("ollama"))

	resp, err := f.router.Complete(context.Background(), &Request{
		Messages:       []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Classification: ClassInternal,
	})
	require.NoError(t, err)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Zero(t, azure.completeCalls)
}

func TestConfidentialAllLocalFailed(t *testing.T) {
	f := newFixture(okProvider("azure"), failingProvider("ollama"))

	_, err := f.router.Complete(context.Background(), &Request{
		Messages:       []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Classification: ClassConfidential,
	})
	require.Error(t, err)

	// The chain never widens to cloud, even when every local backend is down.
	var allFailed *AllFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, []string{"ollama"}, allFailed.Attempted)
}

func TestBudgetOpenRoutesToLocal(t *testing.T) {
	azure := okProvider("azure")
	ollama := okProvider("ollama")
	f := newFixture(azure, okProvider("aws"), okProvider("gcp"), ollama)
	f.breaker.RecordSpend("azure", "gpt-4o", 600)

	resp, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Tier:     pricing.TierCostEffective,
	})
	require.NoError(t, err)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Zero(t, azure.completeCalls)
}

func TestBudgetExceededTerminalWhenNothingInvoked(t *testing.T) {
	// No local fallback registered: the budget rejection is the real story,
	// not a generic all-failed.
	f := newFixture(okProvider("azure"), okProvider("aws"), okProvider("gcp"))
	f.breaker.RecordSpend("azure", "gpt-4o", 600)

	_, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Tier:     pricing.TierSOTA,
	})
	require.Error(t, err)
	assert.Equal(t, provider.CodeBudgetExceeded, provider.CodeOf(err))
}

func TestBudgetNotTerminalAfterInvocation(t *testing.T) {
	// Half-open rejects the sota tier on cloud; ollama is invoked and fails.
	// The caller should see all-failed, because a provider did get its chance.
	f := newFixture(okProvider("azure"), failingProvider("ollama"))
	f.breaker.RecordSpend("azure", "gpt-4o", 480)

	_, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Tier:     pricing.TierSOTA,
	})
	require.Error(t, err)
	assert.Equal(t, provider.CodeAllFailed, provider.CodeOf(err))
}

func TestBudgetHalfOpenAdmitsCostEffective(t *testing.T) {
	azure := okProvider("azure")
	f := newFixture(azure, okProvider("ollama"))
	f.breaker.RecordSpend("azure", "gpt-4o", 480)

	resp, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Tier:     pricing.TierCostEffective,
	})
	require.NoError(t, err)
	assert.Equal(t, "azure", resp.Provider)

	// Same breaker state, sota tier: cloud skipped, local serves.
	resp, err = f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Tier:     pricing.TierSOTA,
	})
	require.NoError(t, err)
	assert.Equal(t, "ollama", resp.Provider)
}

func TestMissingTierEntryIsTerminal(t *testing.T) {
	custom := okProvider("custom") // registered but absent from the tier table
	azure := okProvider("azure")
	f := newFixture(custom, azure)

	_, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Backend:  "custom",
	})
	require.Error(t, err)
	assert.Equal(t, provider.CodeModelNotFound, provider.CodeOf(err))
	assert.Zero(t, custom.completeCalls)
	assert.Zero(t, azure.completeCalls, "a config bug must not burn fallback attempts")
}

func TestUnregisteredCandidateSkipped(t *testing.T) {
	azure := failingProvider("azure")
	gcp := okProvider("gcp")
	f := newFixture(azure, gcp) // aws never registered

	resp, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "gcp", resp.Provider)
}

func TestUnavailableCandidateSkippedWithoutInvocation(t *testing.T) {
	azure := okProvider("azure")
	azure.available = false
	aws := okProvider("aws")
	f := newFixture(azure, aws)

	resp, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "aws", resp.Provider)
	assert.Zero(t, azure.completeCalls)
}

func TestCancellationStopsTraversal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	azure := &mockProvider{
		name:      "azure",
		available: true,
		completeFn: func(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	aws := okProvider("aws")
	f := newFixture(azure, aws)

	_, err := f.router.Complete(ctx, &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Zero(t, aws.completeCalls, "cancelled calls must not retry further candidates")
}

func TestModelOverride(t *testing.T) {
	azure := okProvider("azure")
	f := newFixture(azure)

	resp, err := f.router.Complete(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Model:    "gpt-4o-2024-11-20",
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-2024-11-20", resp.Model)
}

func drain(t *testing.T, ch <-chan *provider.Chunk) []*provider.Chunk {
	t.Helper()
	var out []*provider.Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream never closed")
		}
	}
}

func TestStreamCommitsAndSettles(t *testing.T) {
	azure := &mockProvider{
		name:      "azure",
		available: true,
		chunks: []*provider.Chunk{
			{Delta: "Hel"},
			{Delta: "lo", Done: true, FinishReason: "stop", InputTokens: 1000, OutputTokens: 2000},
		},
	}
	f := newFixture(azure, okProvider("aws"))

	ch, err := f.router.Stream(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Tier:     pricing.TierSOTA,
	})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "azure", chunks[0].Provider)
	assert.Equal(t, "gpt-4o", chunks[0].Model)
	assert.True(t, chunks[1].Done)

	// Cost settled from the usage on the final chunk.
	s := f.ledger.Summary(time.Time{}, time.Time{})
	assert.Equal(t, 1, s.TotalRequests)
	assert.InDelta(t, 0.0025+0.02, s.TotalCostUSD, 1e-9)
}

func TestStreamFallsBackBeforeFirstChunk(t *testing.T) {
	azure := &mockProvider{
		name:      "azure",
		available: true,
		streamErr: provider.E("azure", "stream", errors.New("connection refused")),
	}
	closesEarly := &mockProvider{name: "aws", available: true} // channel closes with no chunks
	gcp := &mockProvider{
		name:      "gcp",
		available: true,
		chunks:    []*provider.Chunk{{Delta: "ok", Done: true, FinishReason: "stop"}},
	}
	f := newFixture(azure, closesEarly, gcp)

	ch, err := f.router.Stream(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "gcp", chunks[0].Provider)
}

func TestStreamMidStreamErrorIsTerminal(t *testing.T) {
	azure := &mockProvider{
		name:      "azure",
		available: true,
		chunks: []*provider.Chunk{
			{Delta: "par"},
			{Err: provider.E("azure", "stream", errors.New("upstream reset"))},
		},
	}
	aws := okProvider("aws")
	f := newFixture(azure, aws)

	ch, err := f.router.Stream(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	assert.Error(t, chunks[1].Err)

	// Partial output was already delivered: no retry, no billing.
	assert.Zero(t, aws.streamCalls)
	assert.Zero(t, f.totalEntries())
}

func TestStreamBudgetAdmission(t *testing.T) {
	azure := &mockProvider{name: "azure", available: true, chunks: []*provider.Chunk{{Delta: "x", Done: true, FinishReason: "stop"}}}
	ollama := &mockProvider{name: "ollama", available: true, chunks: []*provider.Chunk{{Delta: "y", Done: true, FinishReason: "stop"}}}
	f := newFixture(azure, ollama)
	f.breaker.RecordSpend("azure", "gpt-4o", 600)

	ch, err := f.router.Stream(context.Background(), &Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "ollama", chunks[0].Provider)
	assert.Zero(t, azure.streamCalls)
}

func TestEmbedRoutesAndBillsInputOnly(t *testing.T) {
	azure := &mockProvider{
		name:      "azure",
		available: true,
		embedResp: &provider.EmbeddingResponse{
			Embeddings:  [][]float64{{0.1, 0.2}},
			Model:       "text-embedding-3-small",
			InputTokens: 2000,
		},
	}
	f := newFixture(azure)

	resp, err := f.router.Embed(context.Background(), &EmbedRequest{
		Texts: []string{"hello"},
		Tier:  pricing.TierSOTA,
	})
	require.NoError(t, err)
	assert.Equal(t, "azure", resp.Provider)

	s := f.ledger.Summary(time.Time{}, time.Time{})
	assert.Equal(t, 1, s.TotalRequests)
	assert.Equal(t, 2000, s.TotalInputTokens)
	assert.Zero(t, s.TotalOutputTokens)
}

func TestEmbedConfidentialStaysLocal(t *testing.T) {
	azure := &mockProvider{name: "azure", available: true, embedResp: &provider.EmbeddingResponse{Embeddings: [][]float64{{1}}}}
	ollama := &mockProvider{name: "ollama", available: true, embedResp: &provider.EmbeddingResponse{Embeddings: [][]float64{{2}}}}
	f := newFixture(azure, ollama)

	resp, err := f.router.Embed(context.Background(), &EmbedRequest{
		Texts:          []string{"secret"},
		Classification: ClassConfidential,
	})
	require.NoError(t, err)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Zero(t, azure.embedCalls)
}

func TestStatus(t *testing.T) {
	f := newFixture(okProvider("azure"), okProvider("ollama"))

	st := f.router.Status()
	assert.Equal(t, "azure", st.DefaultBackend)
	assert.Equal(t, []string{"azure", "aws", "gcp", "ollama"}, st.FallbackChain)
	assert.Equal(t, []string{"ollama"}, st.LocalBackends)
	assert.ElementsMatch(t, []string{"azure", "ollama"}, st.Available)
	assert.Equal(t, budget.StateClosed, st.Breaker.State)
	assert.Equal(t, "gpt-4o", st.ModelTiers["azure"]["sota"])
}

func TestResolveChainDedup(t *testing.T) {
	f := newFixture()
	chain := f.router.resolveChain("aws", ClassGeneral)
	assert.Equal(t, []string{"aws", "azure", "gcp", "ollama"}, chain)

	chain = f.router.resolveChain("", ClassGeneral)
	assert.Equal(t, []string{"azure", "aws", "gcp", "ollama"}, chain)

	chain = f.router.resolveChain("azure", ClassConfidential)
	assert.Equal(t, []string{"ollama"}, chain)
}
