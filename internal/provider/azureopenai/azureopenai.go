// Package azureopenai adapts Azure OpenAI chat-completion deployments to the
// provider contract. The model identifier in requests is the Azure
// deployment name.
package azureopenai

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

const (
	defaultAPIVersion = "2024-06-01"
	defaultTimeout    = 120 * time.Second
)

type Provider struct {
	apiKey     string
	endpoint   string // https://<resource>.openai.azure.com
	apiVersion string
	pingModel  string
	embedModel string

	once   sync.Once
	client *http.Client
}

func New(apiKey, endpoint string) *Provider {
	return &Provider{
		apiKey:     apiKey,
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiVersion: defaultAPIVersion,
		pingModel:  "gpt-4o-mini",
		embedModel: "text-embedding-3-small",
	}
}

func (p *Provider) Name() string { return "azure" }

func (p *Provider) Available() bool {
	return p.apiKey != "" && p.endpoint != ""
}

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
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (p *Provider) deploymentURL(deployment, op string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s", p.endpoint, deployment, op, p.apiVersion)
}

func (p *Provider) post(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", p.apiKey)
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
	resp, err := p.post(ctx, p.deploymentURL(req.Model, "chat/completions"), chatRequest{
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
			fmt.Errorf("azure openai api error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, provider.E(p.Name(), "complete", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, provider.E(p.Name(), "complete", fmt.Errorf("azure openai api returned no choices"))
	}

	out := &provider.Response{
		ID:           chatResp.ID,
		Content:      chatResp.Choices[0].Message.Content,
		Model:        chatResp.Model,
		Provider:     p.Name(),
		FinishReason: chatResp.Choices[0].FinishReason,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if chatResp.Usage != nil {
		out.InputTokens = chatResp.Usage.PromptTokens
		out.OutputTokens = chatResp.Usage.CompletionTokens
	}
	return out, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	payload := chatRequest{
		Messages:      mapMessages(req.Messages),
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		resp, err := p.post(ctx, p.deploymentURL(req.Model, "chat/completions"), payload)
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream",
				fmt.Errorf("azure openai api error (status %d): %s", resp.StatusCode, string(respBody)))})
			return
		}

		var finishReason string
		var usage chatUsage

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					emit(ctx, ch, &provider.Chunk{
						Provider:     p.Name(),
						Model:        req.Model,
						FinishReason: orStop(finishReason),
						InputTokens:  usage.PromptTokens,
						OutputTokens: usage.CompletionTokens,
						Done:         true,
					})
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
				emit(ctx, ch, &provider.Chunk{
					Provider:     p.Name(),
					Model:        req.Model,
					FinishReason: orStop(finishReason),
					InputTokens:  usage.PromptTokens,
					OutputTokens: usage.CompletionTokens,
					Done:         true,
				})
				return
			}

			var event chatResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
				return
			}
			if event.Usage != nil {
				usage = *event.Usage
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
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage chatUsage `json:"usage"`
}

func (p *Provider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = p.embedModel
	}
	resp, err := p.post(ctx, p.deploymentURL(model, "embeddings"), embeddingRequest{Input: req.Texts})
	if err != nil {
		return nil, provider.E(p.Name(), "embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.E(p.Name(), "embed",
			fmt.Errorf("azure openai api error (status %d): %s", resp.StatusCode, string(respBody)))
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

func orStop(reason string) string {
	if reason == "" {
		return "stop"
	}
	return reason
}

// emit sends a chunk unless the caller has gone away.
func emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
