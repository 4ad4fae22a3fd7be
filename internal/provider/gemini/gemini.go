// Package gemini adapts the Google Generative Language API to the provider
// contract.
package gemini

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
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultTimeout = 120 * time.Second
)

type Provider struct {
	apiKey    string
	baseURL   string
	pingModel string

	once   sync.Once
	client *http.Client
}

func New(apiKey string) *Provider {
	return &Provider{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		pingModel: "gemini-1.5-flash",
	}
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Available() bool { return p.apiKey != "" }

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

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// mapRequest splits out system messages into systemInstruction and renames
// the assistant role to Gemini's "model".
func (p *Provider) mapRequest(req *provider.Request) geminiRequest {
	var system []geminiPart
	var contents []geminiContent
	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			system = append(system, geminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	out := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	return out
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
	return p.httpClient().Do(httpReq)
}

func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, req.Model, p.apiKey)
	resp, err := p.post(ctx, url, p.mapRequest(req))
	if err != nil {
		return nil, provider.E(p.Name(), "complete", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.E(p.Name(), "complete",
			fmt.Errorf("gemini api error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.E(p.Name(), "complete", err)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, provider.E(p.Name(), "complete", fmt.Errorf("gemini api returned no candidates"))
	}

	return &provider.Response{
		Content:      geminiResp.Candidates[0].Content.Parts[0].Text,
		InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		Model:        req.Model,
		Provider:     p.Name(),
		FinishReason: strings.ToLower(geminiResp.Candidates[0].FinishReason),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", p.baseURL, req.Model, p.apiKey)

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		resp, err := p.post(ctx, url, p.mapRequest(req))
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream",
				fmt.Errorf("gemini api error (status %d): %s", resp.StatusCode, string(respBody)))})
			return
		}

		var finishReason string
		var inTokens, outTokens int

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
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
					return
				}
				emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
				return
			}

			if event.UsageMetadata.PromptTokenCount > 0 {
				inTokens = event.UsageMetadata.PromptTokenCount
			}
			if event.UsageMetadata.CandidatesTokenCount > 0 {
				outTokens = event.UsageMetadata.CandidatesTokenCount
			}
			if len(event.Candidates) == 0 {
				continue
			}
			if fr := event.Candidates[0].FinishReason; fr != "" {
				finishReason = strings.ToLower(fr)
			}
			if len(event.Candidates[0].Content.Parts) > 0 {
				if text := event.Candidates[0].Content.Parts[0].Text; text != "" {
					if !emit(ctx, ch, &provider.Chunk{Delta: text, Provider: p.Name(), Model: req.Model}) {
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

func (p *Provider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return nil, provider.E(p.Name(), "embed", fmt.Errorf("%w: embeddings", provider.ErrUnsupported))
}

func emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
