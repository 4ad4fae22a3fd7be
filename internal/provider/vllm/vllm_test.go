package vllm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GEJFY/inference-gateway/internal/provider"
)

func TestAvailable(t *testing.T) {
	if New("", "", "").Available() {
		t.Error("provider without a base URL should not be available")
	}
	if !New("http://localhost:8000", "", "m").Available() {
		t.Error("configured provider should be available")
	}
}

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		fmt.Fprint(w, `{
			"id": "cmpl-1",
			"model": "meta-llama/Llama-3.1-8B-Instruct",
			"choices": [{"message": {"role": "assistant", "content": "served locally"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 6}
		}`)
	}))
	defer server.Close()

	p := New(server.URL, "tok", "meta-llama/Llama-3.1-8B-Instruct")
	resp, err := p.Complete(context.Background(), &provider.Request{
		Model:    "meta-llama/Llama-3.1-8B-Instruct",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "served locally" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 6 {
		t.Errorf("tokens = %d/%d, want 20/6", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Provider != "vllm" {
		t.Errorf("Provider = %q, want vllm", resp.Provider)
	}
}

func TestCompleteNoAuthHeaderWithoutKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization should be unset, got %q", got)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	p := New(server.URL, "", "m")
	if _, err := p.Complete(context.Background(), &provider.Request{
		Model:    "m",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestCompleteStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream flag not set")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"length\"}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":1}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := New(server.URL, "", "m")
	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Model:    "m",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	var content strings.Builder
	var final *provider.Chunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Err)
		}
		content.WriteString(chunk.Delta)
		if chunk.Done {
			final = chunk
		}
	}
	if content.String() != "lo" {
		t.Errorf("streamed content = %q, want lo", content.String())
	}
	if final == nil {
		t.Fatal("no final chunk")
	}
	if final.FinishReason != "length" {
		t.Errorf("FinishReason = %q, want length", final.FinishReason)
	}
	if final.InputTokens != 5 || final.OutputTokens != 1 {
		t.Errorf("final usage = %d/%d, want 5/1", final.InputTokens, final.OutputTokens)
	}
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[{"embedding":[0.5,0.6]}],"usage":{"prompt_tokens":2}}`)
	}))
	defer server.Close()

	p := New(server.URL, "", "default-model")
	resp, err := p.Embed(context.Background(), &provider.EmbeddingRequest{Texts: []string{"x"}})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if resp.Model != "default-model" {
		t.Errorf("Model = %q, want the ping model as default", resp.Model)
	}
	if len(resp.Embeddings) != 1 {
		t.Errorf("unexpected embeddings %v", resp.Embeddings)
	}
}
