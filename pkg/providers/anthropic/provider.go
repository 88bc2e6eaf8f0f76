package anthropicprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/tinyland-inc/dingclaw/pkg/providers/protocoltypes"
)

type (
	Message     = protocoltypes.Message
	ChunkStream = protocoltypes.ChunkStream
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-sonnet-4.6"
	defaultMaxTokens = 4096
)

type Provider struct {
	client    *anthropic.Client
	baseURL   string
	model     string
	maxTokens int64
}

func NewProvider(token string) *Provider {
	return NewProviderWithBaseURL(token, "")
}

func NewProviderWithBaseURL(token, apiBase string) *Provider {
	baseURL := normalizeBaseURL(apiBase)
	client := anthropic.NewClient(
		option.WithAuthToken(token),
		option.WithBaseURL(baseURL),
	)
	p := NewProviderWithClient(&client)
	p.baseURL = baseURL
	return p
}

func NewProviderWithClient(client *anthropic.Client) *Provider {
	return &Provider{
		client:    client,
		baseURL:   defaultBaseURL,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
	}
}

func (p *Provider) SetModel(model string) { p.model = model }

func (p *Provider) SetMaxTokens(n int) { p.maxTokens = int64(n) }

func (p *Provider) Model() string { return p.model }

func (p *Provider) BaseURL() string {
	return p.baseURL
}

// StreamChat streams a Messages API reply. The Messages API has no session
// field, so sessionKey is sent as the request's user metadata.
func (p *Provider) StreamChat(ctx context.Context, messages []Message, sessionKey, systemPrompt string) (ChunkStream, error) {
	params := buildParams(messages, sessionKey, systemPrompt, p.model, p.maxTokens)
	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("claude API call: %w", err)
	}
	return &chunkStream{stream: stream}, nil
}

func buildParams(
	messages []Message,
	sessionKey, systemPrompt, model string,
	maxTokens int64,
) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var anthropicMessages []anthropic.MessageParam

	if systemPrompt != "" {
		system = append(system, anthropic.TextBlockParam{Text: systemPrompt})
	}

	for _, msg := range messages {
		switch msg.Role {
		case protocoltypes.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case protocoltypes.RoleUser:
			anthropicMessages = append(anthropicMessages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)),
			)
		case protocoltypes.RoleAssistant:
			// Empty assistant turns are rejected by the API.
			if msg.Content == "" {
				continue
			}
			anthropicMessages = append(anthropicMessages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)),
			)
		}
	}

	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if sessionKey != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(sessionKey)}
	}
	return params
}

// chunkStream surfaces text deltas and skips every other event.
type chunkStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	current string
}

func (s *chunkStream) Next() bool {
	for s.stream.Next() {
		event := s.stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
			s.current = text.Text
			return true
		}
	}
	return false
}

func (s *chunkStream) Current() string { return s.current }

func (s *chunkStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("claude stream: %w", err)
	}
	return nil
}

func (s *chunkStream) Close() error { return s.stream.Close() }

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return defaultBaseURL
	}

	base = strings.TrimRight(base, "/")
	if b, ok := strings.CutSuffix(base, "/v1"); ok {
		base = b
	}
	if base == "" {
		return defaultBaseURL
	}

	return base
}
