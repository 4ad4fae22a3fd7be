// Package vllm adapts a local vLLM server (OpenAI-compatible API) to the
// provider contract. vLLM is a no-cost backend: it never passes through the
// budget breaker and its tier entries carry zero prices.
package vllm

import (
	"bufio"
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

const defaultTimeout = 300 * time.Second

type Provider struct {
	baseURL   string // http://localhost:8000
	apiKey    string // optional, some deployments front vLLM with a token
	pingModel string

	once   sync.Once
	client *http.Client
}

func New(baseURL, apiKey, pingModel string) *Provider {
	return &Provider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		pingModel: pingModel,
	}
}

func (p *Provider) Name() string { return "vllm" }

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
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		Delta        chatMessage `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
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
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.httpClient().Do(httpReq)
}

func mapMessages(msgs []provider.Message) []chatMessage {
	out := make([]chatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	resp, err := p.post(ctx, "/v1/chat/completions", chatRequest{
		Model:       req.Model,
		Messages:    mapMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, provider.E(p.Name(), "complete", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.E(p.Name(), "complete",
			fmt.Errorf("vllm api error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, provider.E(p.Name(), "complete", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, provider.E(p.Name(), "complete", fmt.Errorf("vllm api returned no choices"))
	}

	out := &provider.Response{
		ID:           chatResp.ID,
		Content:      chatResp.Choices[0].Message.Content,
		Model:        chatResp.Model,
		Provider:     p.Name(),
		FinishReason: chatResp.Choices[0].FinishReason,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if chatResp.Usage != nil {
		out.InputTokens = chatResp.Usage.PromptTokens
		out.OutputTokens = chatResp.Usage.CompletionTokens
	}
	return out, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    mapMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		resp, err := p.post(ctx, "/v1/chat/completions", payload)
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream",
				fmt.Errorf("vllm api error (status %d): %s", resp.StatusCode, string(respBody)))})
			return
		}

		var finishReason string
		var inTokens, outTokens int

		done := func() {
			fr := finishReason
			if fr == "" {
				fr = "stop"
			}
			emit(ctx, ch, &provider.Chunk{
				Provider:     p.Name(),
				Model:        req.Model,
				FinishReason: fr,
				InputTokens:  inTokens,
				OutputTokens: outTokens,
				Done:         true,
			})
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					done()
					return
				}
				emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				done()
				return
			}

			var event chatResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
				return
			}
			if event.Usage != nil {
				inTokens = event.Usage.PromptTokens
				outTokens = event.Usage.CompletionTokens
			}
			if len(event.Choices) == 0 {
				continue
			}
			if fr := event.Choices[0].FinishReason; fr != "" {
				finishReason = fr
			}
			if delta := event.Choices[0].Delta.Content; delta != "" {
				if !emit(ctx, ch, &provider.Chunk{Delta: delta, Provider: p.Name(), Model: req.Model}) {
					return
				}
			}
		}
	}()
	return ch, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

func (p *Provider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = p.pingModel
	}
	resp, err := p.post(ctx, "/v1/embeddings", embeddingRequest{Model: model, Input: req.Texts})
	if err != nil {
		return nil, provider.E(p.Name(), "embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.E(p.Name(), "embed",
			fmt.Errorf("vllm api error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, provider.E(p.Name(), "embed", err)
	}

	out := &provider.EmbeddingResponse{
		Provider:    p.Name(),
		Model:       model,
		InputTokens: embResp.Usage.PromptTokens,
	}
	for _, d := range embResp.Data {
		out.Embeddings = append(out.Embeddings, d.Embedding)
	}
	return out, nil
}

func emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
