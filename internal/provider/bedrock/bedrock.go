// Package bedrock adapts the AWS Bedrock Converse API to the provider
// contract. Credentials come from the default AWS chain (env, shared config,
// instance role); the adapter only needs a region.
package bedrock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/GEJFY/inference-gateway/internal/provider"
)

// converseAPI is the slice of the Bedrock runtime client the adapter uses;
// tests substitute a fake.
type converseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

type Provider struct {
	region    string
	enabled   bool
	pingModel string

	mu     sync.Mutex
	client converseAPI
}

func New(region string, enabled bool) *Provider {
	return &Provider{
		region:    region,
		enabled:   enabled,
		pingModel: "anthropic.claude-3-5-haiku-20241022-v1:0",
	}
}

func (p *Provider) Name() string { return "bedrock" }

func (p *Provider) Available() bool { return p.enabled && p.region != "" }

// api lazily builds the SDK client once per process.
func (p *Provider) api(ctx context.Context) (converseAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, err
	}
	p.client = bedrockruntime.NewFromConfig(cfg)
	return p.client, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) HealthCheck(ctx context.Context) bool {
	return provider.Ping(ctx, p, p.pingModel)
}

func (p *Provider) mapInput(req *provider.Request) ([]types.Message, []types.SystemContentBlock, *types.InferenceConfiguration) {
	var system []types.SystemContentBlock
	var messages []types.Message
	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == provider.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	var inference *types.InferenceConfiguration
	if req.MaxTokens > 0 || req.Temperature > 0 {
		inference = &types.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		if req.Temperature > 0 {
			inference.Temperature = aws.Float32(float32(req.Temperature))
		}
	}
	return messages, system, inference
}

func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	client, err := p.api(ctx)
	if err != nil {
		return nil, provider.E(p.Name(), "complete", err)
	}

	messages, system, inference := p.mapInput(req)
	start := time.Now()
	out, err := client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, provider.E(p.Name(), "complete", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, provider.E(p.Name(), "complete", fmt.Errorf("bedrock returned no message output"))
	}
	var content strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			content.WriteString(text.Value)
		}
	}
	if content.Len() == 0 {
		return nil, provider.E(p.Name(), "complete", fmt.Errorf("bedrock returned no text content"))
	}

	resp := &provider.Response{
		Content:      content.String(),
		Model:        req.Model,
		Provider:     p.Name(),
		FinishReason: string(out.StopReason),
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		client, err := p.api(ctx)
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
			return
		}

		messages, system, inference := p.mapInput(req)
		out, err := client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
			ModelId:         aws.String(req.Model),
			Messages:        messages,
			System:          system,
			InferenceConfig: inference,
		})
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
			return
		}

		stream := out.GetStream()
		defer stream.Close()

		var finishReason string
		var inTokens, outTokens int

		for event := range stream.Events() {
			switch e := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if text, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && text.Value != "" {
					if !emit(ctx, ch, &provider.Chunk{Delta: text.Value, Provider: p.Name(), Model: req.Model}) {
						return
					}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				finishReason = string(e.Value.StopReason)
			case *types.ConverseStreamOutputMemberMetadata:
				if e.Value.Usage != nil {
					inTokens = int(aws.ToInt32(e.Value.Usage.InputTokens))
					outTokens = int(aws.ToInt32(e.Value.Usage.OutputTokens))
				}
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, ch, &provider.Chunk{Err: provider.E(p.Name(), "stream", err)})
			return
		}

		if finishReason == "" {
			finishReason = "stop"
		}
		emit(ctx, ch, &provider.Chunk{
			Provider:     p.Name(),
			Model:        req.Model,
			FinishReason: finishReason,
			InputTokens:  inTokens,
			OutputTokens: outTokens,
			Done:         true,
		})
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
