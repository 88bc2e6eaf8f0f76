// Package openaicompat streams replies from an OpenAI-compatible chat
// completions endpoint, such as a local agent gateway.
package openaicompat

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/tinyland-inc/dingclaw/pkg/providers/protocoltypes"
)

type (
	Message     = protocoltypes.Message
	ChunkStream = protocoltypes.ChunkStream
)

const defaultModel = "default"

type Provider struct {
	client  *openai.Client
	baseURL string
	model   string
}

// NewProvider targets {baseURL}/v1/chat/completions. token is sent as a
// bearer credential and may be empty for an unauthenticated gateway.
func NewProvider(baseURL, token, model string) *Provider {
	base := normalizeBaseURL(baseURL)
	opts := []option.RequestOption{option.WithBaseURL(base)}
	if token != "" {
		opts = append(opts, option.WithAPIKey(token))
	} else {
		opts = append(opts, option.WithAPIKey("none"))
	}
	client := openai.NewClient(opts...)
	return NewProviderWithClient(&client, base, model)
}

func NewProviderWithClient(client *openai.Client, baseURL, model string) *Provider {
	if model == "" {
		model = defaultModel
	}
	return &Provider{client: client, baseURL: baseURL, model: model}
}

func (p *Provider) BaseURL() string { return p.baseURL }

func (p *Provider) Model() string { return p.model }

// StreamChat starts a streamed completion. The session key is passed as the
// request's user field so the gateway can keep per-session state.
func (p *Provider) StreamChat(ctx context.Context, messages []Message, sessionKey, systemPrompt string) (ChunkStream, error) {
	params := buildParams(messages, sessionKey, systemPrompt, p.model)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("gateway stream: %w", err)
	}
	return &chunkStream{stream: stream}, nil
}

func buildParams(messages []Message, sessionKey, systemPrompt, model string) openai.ChatCompletionNewParams {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openai.SystemMessage(systemPrompt))
	}
	for _, m := range messages {
		switch m.Role {
		case protocoltypes.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case protocoltypes.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: out,
	}
	if sessionKey != "" {
		params.User = openai.String(sessionKey)
	}
	return params
}

// chunkStream yields only chunks that carry reply text.
type chunkStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	current string
}

func (s *chunkStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			s.current = text
			return true
		}
	}
	return false
}

func (s *chunkStream) Current() string { return s.current }

func (s *chunkStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("gateway stream: %w", err)
	}
	return nil
}

func (s *chunkStream) Close() error { return s.stream.Close() }

func normalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		base = "http://127.0.0.1:18789"
	}
	base = strings.TrimSuffix(base, "/v1")
	return base + "/v1/"
}
