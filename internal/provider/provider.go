package provider

import (
	"context"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
	// Metadata for cost attribution
	UserID    string
	RequestID string
	Extra     map[string]any
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	FinishReason string
	LatencyMs    int64
	Metadata     map[string]any
}

func (r *Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Chunk is one increment of a streaming completion. The final chunk of a
// well-formed stream carries Done=true and a non-empty FinishReason; backends
// that report usage attach it to that final chunk.
type Chunk struct {
	Delta        string
	Provider     string
	Model        string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Done         bool
	Err          error
}

type EmbeddingRequest struct {
	Texts []string
	Model string
	Extra map[string]any
}

type EmbeddingResponse struct {
	Embeddings  [][]float64
	Provider    string
	Model       string
	InputTokens int
}

// Provider is the capability contract every backend adapter satisfies.
// Adapters wrap all transport/auth/backend failures in *Error; they never
// leak backend-specific error types past this boundary.
type Provider interface {
	// Name is the stable identifier used in cost records, logs, and
	// fallback-chain configuration.
	Name() string

	// Available reports whether required configuration (endpoint,
	// credentials) is present. It performs no I/O; a configured backend
	// that is currently failing is still available.
	Available() bool

	Complete(ctx context.Context, req *Request) (*Response, error)

	// CompleteStream produces chunks as they arrive. The channel is closed
	// after a chunk with Done=true or Err!=nil. A fresh call produces a
	// fresh stream; streams are not restartable.
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Embed performs batch embedding. Backends without embedding support
	// return an *Error wrapping ErrUnsupported, never an empty result.
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// HealthCheck is a best-effort liveness probe. It never panics and
	// never returns an error; any failure reports false.
	HealthCheck(ctx context.Context) bool

	// Close releases any cached network clients.
	Close() error
}

// Ping issues a minimal completion and reports whether it produced content.
// It is the shared HealthCheck implementation for adapters; all failures,
// including panics, report false.
func Ping(ctx context.Context, p Provider, model string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	resp, err := p.Complete(ctx, &Request{
		Model:     model,
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 8,
	})
	return err == nil && resp != nil && resp.Content != ""
}
