// Package ollama adapts a local Ollama daemon to the provider contract.
// Ollama keeps data on the box and is free to run, so it is the default
// target for confidential and internal workloads.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GEJFY/inference-gateway/internal/provider"
)

const (
	DefaultBaseURL = "http://localhost:11434"

	// Local models can be slow on first load.
	defaultTimeout = 600 * time.Second
)

type Provider struct {
	baseURL   string
	pingModel string

	once   sync.Once
	client *http.Client
}

func New(baseURL, pingModel string) *Provider {
	return &Provider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		pingModel: pingModel,
	}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) Available() bool { return p.baseURL != "" }

func (p *Provider) httpClient() *http.Client {
	p.once.Do(func() {
		p.client = &http.Client{Timeout: defaultTimeout}
	})
	return p.client
}

func (p *Provider) Close() error {
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
	return nil
}

func (p *Provider) HealthCheck(ctx context.Context) bool {
	return provider.Ping(ctx, p, p.pingModel)
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

func (p *Provider) mapRequest(req *provider.Request, stream bool) chatRequest {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	out := chatRequest{Model: req.Model, Messages: messages, Stream: stream}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		out.Options = &chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	return out
}

func (p *Provider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return p.httpClient().Do(httpReq)
}

func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	resp, err := p.post(ctx, "/api/chat", p.mapRequest(req, false))
	if err != nil {
		return nil, provider.E(p.Name(), "complete", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.E(p.Name(), "complete",
			fmt.Errorf("ollama api error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, provider.E(p.Name(), "complete", err)
	}
	if chatResp.Error != "" {
		return nil, provider.E(p.Name(), "complete", fmt.Errorf("ollama: %s", chatResp.Error))
	}

	finish := chatResp.DoneReason
	if finish == "" && chatResp.Done {
		finish = "stop"
	}
	return &provider.Response{
		Content:      chatResp.Message.Content,
		Model:        chatResp.Model,
		Provider:     p.Name(),
		InputTokens:  chatResp.PromptEvalCount,
		OutputTokens: chatResp.EvalCount,
		FinishReason: finish,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream reads Ollama's JSON-lines stream; the final line carries
// done=true plus the token counts.
func (p *Provider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		resp, err := p.post(ctx, "/api/chat", p.mapRequest(req, true))
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream",
				fmt.Errorf("ollama api error (status %d): %s", resp.StatusCode, string(respBody)))})
			return
		}

		dec := json.NewDecoder(resp.Body)
		for {
			var event chatResponse
			if err := dec.Decode(&event); err != nil {
				if err == io.EOF {
					// Stream ended without a done message.
					emit(ctx, ch, &provider.Chunk{Provider: p.Name(), Model: req.Model, FinishReason: "stop", Done: true})
					return
				}
				emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
				return
			}
			if event.Error != "" {
				emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", fmt.Errorf("ollama: %s", event.Error))})
				return
			}

			if event.Done {
				finish := event.DoneReason
				if finish == "" {
					finish = "stop"
				}
				emit(ctx, ch, &provider.Chunk{
					Delta:        event.Message.Content,
					Provider:     p.Name(),
					Model:        req.Model,
					FinishReason: finish,
					InputTokens:  event.PromptEvalCount,
					OutputTokens: event.EvalCount,
					Done:         true,
				})
				return
			}

			if event.Message.Content != "" {
				if !emit(ctx, ch, &provider.Chunk{Delta: event.Message.Content, Provider: p.Name(), Model: req.Model}) {
					return
				}
			}
		}
	}()
	return ch, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings      [][]float64 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	Error           string      `json:"error"`
}

func (p *Provider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	resp, err := p.post(ctx, "/api/embed", embedRequest{Model: model, Input: req.Texts})
	if err != nil {
		return nil, provider.E(p.Name(), "embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.E(p.Name(), "embed",
			fmt.Errorf("ollama api error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var embResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, provider.E(p.Name(), "embed", err)
	}
	if embResp.Error != "" {
		return nil, provider.E(p.Name(), "embed", fmt.Errorf("ollama: %s", embResp.Error))
	}

	return &provider.EmbeddingResponse{
		Embeddings:  embResp.Embeddings,
		Provider:    p.Name(),
		Model:       model,
		InputTokens: embResp.PromptEvalCount,
	}, nil
}

func emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
