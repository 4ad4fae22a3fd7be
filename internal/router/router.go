package router

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/GEJFY/inference-gateway/internal/budget"
	"github.com/GEJFY/inference-gateway/internal/ledger"
	"github.com/GEJFY/inference-gateway/internal/metrics"
	"github.com/GEJFY/inference-gateway/internal/pricing"
	"github.com/GEJFY/inference-gateway/internal/provider"
	"github.com/GEJFY/inference-gateway/internal/registry"
)

type Config struct {
	// DefaultBackend heads the chain when the caller names no backend.
	DefaultBackend string
	// FallbackChain is the configured traversal order.
	FallbackChain []string
	// LocalBackends incur no metered cost and are exempt from budget
	// admission; they are the only candidates for internal/confidential
	// data.
	LocalBackends []string
	// ConfidentialBackend heads the local-only chain.
	ConfidentialBackend string
}

// Router is the single entry point for inference calls: provider selection,
// fallback traversal, budget admission, and cost recording.
type Router struct {
	registry *registry.Registry
	table    *pricing.Table
	ledger   *ledger.Ledger
	breaker  *budget.Breaker
	cfg      Config
	local    map[string]bool
}

func New(reg *registry.Registry, table *pricing.Table, led *ledger.Ledger, brk *budget.Breaker, cfg Config) *Router {
	local := make(map[string]bool, len(cfg.LocalBackends))
	for _, name := range cfg.LocalBackends {
		local[name] = true
	}
	return &Router{
		registry: reg,
		table:    table,
		ledger:   led,
		breaker:  brk,
		cfg:      cfg,
		local:    local,
	}
}

type Request struct {
	Messages       []provider.Message `json:"messages"`
	Model          string             `json:"model,omitempty"` // overrides the tier table's model
	Backend        string             `json:"backend,omitempty"`
	Tier           pricing.Tier       `json:"tier,omitempty"`
	Classification Classification     `json:"data_classification,omitempty"`
	Temperature    float64            `json:"temperature,omitempty"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	UserID         string             `json:"user_id,omitempty"`
	RequestID      string             `json:"request_id,omitempty"`
	Extra          map[string]any     `json:"extra,omitempty"`
}

type EmbedRequest struct {
	Texts          []string       `json:"texts"`
	Model          string         `json:"model,omitempty"`
	Backend        string         `json:"backend,omitempty"`
	Tier           pricing.Tier   `json:"tier,omitempty"`
	Classification Classification `json:"data_classification,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
}

// AllFailedError is the terminal failure after the whole chain is exhausted.
// Attempted lists candidate names in traversal order.
type AllFailedError struct {
	Attempted []string
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("all providers failed (attempted: %s)", strings.Join(e.Attempted, ", "))
}

func (e *AllFailedError) Code() string { return provider.CodeAllFailed }

// resolveChain builds the ordered candidate list.
//
// Priority: confidential/internal data forces the local-only set regardless
// of the explicit backend; an explicit backend heads the configured order;
// otherwise the configured order starting from the default backend.
func (r *Router) resolveChain(backend string, class Classification) []string {
	if class.LocalOnly() {
		var chain []string
		if r.local[r.cfg.ConfidentialBackend] {
			chain = append(chain, r.cfg.ConfidentialBackend)
		}
		chain = append(chain, r.cfg.LocalBackends...)
		return dedup(chain)
	}

	full := dedup(append([]string{r.cfg.DefaultBackend}, r.cfg.FallbackChain...))
	if backend == "" {
		return full
	}
	return dedup(append([]string{backend}, full...))
}

func dedup(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func normalizeTier(t pricing.Tier) pricing.Tier {
	if t == "" {
		return pricing.TierCostEffective
	}
	return t
}

// Complete routes one completion request across the candidate chain.
// Candidates are attempted strictly in order, never in parallel; exactly one
// cost entry is recorded for the candidate that succeeds.
func (r *Router) Complete(ctx context.Context, req *Request) (*provider.Response, error) {
	tier := normalizeTier(req.Tier)
	chain := r.resolveChain(req.Backend, req.Classification)

	var attempted []string
	var budgetErr error
	invoked := false

	for _, name := range chain {
		attempted = append(attempted, name)

		p, model, err := r.admit(name, tier, req.Model, &budgetErr)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}

		start := time.Now()
		resp, perr := p.Complete(ctx, &provider.Request{
			Model:       model,
			Messages:    req.Messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			UserID:      req.UserID,
			RequestID:   req.RequestID,
			Extra:       req.Extra,
		})
		invoked = true
		if perr != nil {
			if ctx.Err() != nil {
				// Cancellation is terminal for this call; do not
				// retry further candidates.
				return nil, provider.E(name, "complete", ctx.Err())
			}
			log.Printf("router: provider %s failed, trying next candidate: %v", name, perr)
			metrics.FallbacksTotal.WithLabelValues(name).Inc()
			metrics.RequestsTotal.WithLabelValues(name, "completion", "error").Inc()
			continue
		}

		r.settle(name, model, tier, "completion", req.UserID, req.RequestID,
			resp.InputTokens, resp.OutputTokens)
		metrics.RequestsTotal.WithLabelValues(name, "completion", "success").Inc()
		metrics.RequestDuration.WithLabelValues(name, "completion").Observe(time.Since(start).Seconds())
		return resp, nil
	}

	if budgetErr != nil && !invoked {
		return nil, budgetErr
	}
	return nil, &AllFailedError{Attempted: attempted}
}

// admit performs the per-candidate checks shared by Complete, Stream, and
// Embed. It returns (nil, "", nil) to skip the candidate, a non-nil error to
// abort the whole call, or the provider and resolved model to invoke.
func (r *Router) admit(name string, tier pricing.Tier, modelOverride string, budgetErr *error) (provider.Provider, string, error) {
	p, err := r.registry.Get(name)
	if err != nil {
		log.Printf("router: skipping %s: not registered", name)
		return nil, "", nil
	}
	if !p.Available() {
		log.Printf("router: skipping %s: not configured", name)
		return nil, "", nil
	}

	if !r.local[name] {
		if err := r.breaker.Allow(tier); err != nil {
			log.Printf("router: skipping %s: %v", name, err)
			metrics.BudgetRejectionsTotal.WithLabelValues(string(tier)).Inc()
			*budgetErr = err
			return nil, "", nil
		}
	}

	// Missing tier entry is a configuration bug: fatal for the call, never
	// silently defaulted.
	entry, ok := r.table.Lookup(name, tier)
	if !ok {
		return nil, "", &pricing.ModelNotFoundError{Provider: name, Tier: tier}
	}
	model := modelOverride
	if model == "" {
		model = entry.Model
	}
	return p, model, nil
}

// settle records the cost entry and, for cloud backends, the breaker spend.
// Local backends are free: their zero-price entries keep the audit trail
// without attributing spend.
func (r *Router) settle(name, model string, tier pricing.Tier, op, userID, requestID string, inTokens, outTokens int) {
	entry, err := r.ledger.Record(context.Background(), ledger.Usage{
		Provider:     name,
		Model:        model,
		Tier:         tier,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		UserID:       userID,
		RequestID:    requestID,
		Operation:    op,
	})
	if err != nil {
		log.Printf("router: recording cost for %s: %v", name, err)
		return
	}
	if !r.local[name] {
		r.breaker.RecordSpend(name, model, entry.CostUSD)
		metrics.SpendUSDTotal.WithLabelValues(name).Add(entry.CostUSD)
	}
}

// Stream routes a streaming completion. It commits to the first candidate
// whose stream yields a first chunk without error; once streaming has
// started, a mid-stream failure is terminal for the call — partial output
// already delivered cannot be unsent.
func (r *Router) Stream(ctx context.Context, req *Request) (<-chan *provider.Chunk, error) {
	tier := normalizeTier(req.Tier)
	chain := r.resolveChain(req.Backend, req.Classification)

	var attempted []string
	var budgetErr error
	invoked := false

	for _, name := range chain {
		attempted = append(attempted, name)

		p, model, err := r.admit(name, tier, req.Model, &budgetErr)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}

		ch, perr := p.CompleteStream(ctx, &provider.Request{
			Model:       model,
			Messages:    req.Messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stream:      true,
			UserID:      req.UserID,
			RequestID:   req.RequestID,
			Extra:       req.Extra,
		})
		invoked = true
		if perr != nil {
			log.Printf("router: provider %s failed to open stream, trying next candidate: %v", name, perr)
			metrics.FallbacksTotal.WithLabelValues(name).Inc()
			continue
		}

		first, open := <-ch
		if !open || first == nil || first.Err != nil {
			if ctx.Err() != nil {
				return nil, provider.E(name, "stream", ctx.Err())
			}
			if open && first.Err != nil {
				log.Printf("router: provider %s stream failed before first chunk, trying next candidate: %v", name, first.Err)
			} else {
				log.Printf("router: provider %s stream closed before first chunk, trying next candidate", name)
			}
			metrics.FallbacksTotal.WithLabelValues(name).Inc()
			metrics.RequestsTotal.WithLabelValues(name, "stream", "error").Inc()
			continue
		}

		out := make(chan *provider.Chunk)
		go r.forward(ctx, name, model, tier, req, first, ch, out)
		return out, nil
	}

	if budgetErr != nil && !invoked {
		return nil, budgetErr
	}
	return nil, &AllFailedError{Attempted: attempted}
}

// forward relays chunks from the committed backend to the caller, then
// settles cost from the usage reported on the final chunk.
func (r *Router) forward(ctx context.Context, name, model string, tier pricing.Tier, req *Request, first *provider.Chunk, in <-chan *provider.Chunk, out chan<- *provider.Chunk) {
	defer close(out)
	start := time.Now()

	var inTokens, outTokens int
	finished := false
	failed := false

	relay := func(c *provider.Chunk) bool {
		if c.Provider == "" {
			c.Provider = name
		}
		if c.Model == "" {
			c.Model = model
		}
		if c.Err != nil {
			failed = true
		}
		if c.InputTokens > 0 {
			inTokens = c.InputTokens
		}
		if c.OutputTokens > 0 {
			outTokens = c.OutputTokens
		}
		if c.Done || c.FinishReason != "" {
			finished = true
		}
		select {
		case out <- c:
			return !failed
		case <-ctx.Done():
			return false
		}
	}

	if relay(first) {
		for c := range in {
			if !relay(c) {
				break
			}
		}
	}

	if ctx.Err() != nil {
		// Cancelled mid-stream: the adapter's goroutine unwinds on the
		// same ctx; nothing billable was finalized.
		metrics.RequestsTotal.WithLabelValues(name, "stream", "cancelled").Inc()
		return
	}
	if failed {
		metrics.RequestsTotal.WithLabelValues(name, "stream", "error").Inc()
		return
	}
	if !finished {
		return
	}

	r.settle(name, model, tier, "stream", req.UserID, req.RequestID, inTokens, outTokens)
	metrics.RequestsTotal.WithLabelValues(name, "stream", "success").Inc()
	metrics.RequestDuration.WithLabelValues(name, "stream").Observe(time.Since(start).Seconds())
}

// Embed routes a batch embedding request with the same selection and
// traversal rules as Complete.
func (r *Router) Embed(ctx context.Context, req *EmbedRequest) (*provider.EmbeddingResponse, error) {
	tier := normalizeTier(req.Tier)
	chain := r.resolveChain(req.Backend, req.Classification)

	var attempted []string
	var budgetErr error
	invoked := false

	for _, name := range chain {
		attempted = append(attempted, name)

		p, _, err := r.admit(name, tier, "", &budgetErr)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}

		start := time.Now()
		resp, perr := p.Embed(ctx, &provider.EmbeddingRequest{
			Texts: req.Texts,
			Model: req.Model,
		})
		invoked = true
		if perr != nil {
			if ctx.Err() != nil {
				return nil, provider.E(name, "embed", ctx.Err())
			}
			log.Printf("router: provider %s embed failed, trying next candidate: %v", name, perr)
			metrics.FallbacksTotal.WithLabelValues(name).Inc()
			metrics.RequestsTotal.WithLabelValues(name, "embedding", "error").Inc()
			continue
		}

		r.settle(name, resp.Model, tier, "embedding", req.UserID, req.RequestID, resp.InputTokens, 0)
		metrics.RequestsTotal.WithLabelValues(name, "embedding", "success").Inc()
		metrics.RequestDuration.WithLabelValues(name, "embedding").Observe(time.Since(start).Seconds())
		return resp, nil
	}

	if budgetErr != nil && !invoked {
		return nil, budgetErr
	}
	return nil, &AllFailedError{Attempted: attempted}
}

type Status struct {
	DefaultBackend string                       `json:"default_backend"`
	FallbackChain  []string                     `json:"fallback_chain"`
	LocalBackends  []string                     `json:"local_backends"`
	Available      []string                     `json:"available"`
	Breaker        budget.Snapshot              `json:"breaker"`
	ModelTiers     map[string]map[string]string `json:"model_tiers"`
}

// Status is read-only introspection for the admin surface.
func (r *Router) Status() Status {
	return Status{
		DefaultBackend: r.cfg.DefaultBackend,
		FallbackChain:  dedup(append([]string{r.cfg.DefaultBackend}, r.cfg.FallbackChain...)),
		LocalBackends:  append([]string(nil), r.cfg.LocalBackends...),
		Available:      r.registry.AvailableNames(),
		Breaker:        r.breaker.Snapshot(),
		ModelTiers:     r.table.Models(),
	}
}
