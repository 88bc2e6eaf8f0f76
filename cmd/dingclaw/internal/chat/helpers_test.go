package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tinyland-inc/dingclaw/pkg/channels"
	"github.com/tinyland-inc/dingclaw/pkg/providers"
	"github.com/tinyland-inc/dingclaw/pkg/session"
)

type chunks struct {
	parts []string
	i     int
	err   error
}

func (c *chunks) Next() bool {
	if c.i >= len(c.parts) {
		return false
	}
	c.i++
	return true
}
func (c *chunks) Current() string { return c.parts[c.i-1] }
func (c *chunks) Err() error      { return c.err }
func (c *chunks) Close() error    { return nil }

type echoProvider struct {
	lastMessages []providers.Message
	lastKey      string
	err          error
}

func (p *echoProvider) StreamChat(_ context.Context, messages []providers.Message, sessionKey, _ string) (providers.ChunkStream, error) {
	p.lastMessages = messages
	p.lastKey = sessionKey
	if p.err != nil {
		return nil, p.err
	}
	last := messages[len(messages)-1].Content
	return &chunks{parts: []string{"echo: ", last}}, nil
}

func newChatSession(p providers.StreamProvider) *chatSession {
	return &chatSession{
		provider: p,
		sessions: session.NewManager(),
		history:  session.NewMemoryHistory(0),
		sender:   "cli",
	}
}

func TestChatSession_Send(t *testing.T) {
	p := &echoProvider{}
	cs := newChatSession(p)

	var out strings.Builder
	if err := cs.Send(t.Context(), "hello", &out); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if out.String() != "echo: hello" {
		t.Errorf("output = %q, want %q", out.String(), "echo: hello")
	}
	if p.lastKey != "dingtalk:cli" {
		t.Errorf("session key = %q, want dingtalk:cli", p.lastKey)
	}

	out.Reset()
	if err := cs.Send(t.Context(), "again", &out); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(p.lastMessages) != 3 {
		t.Errorf("history sent = %d messages, want 3", len(p.lastMessages))
	}
}

func TestChatSession_NewSession(t *testing.T) {
	p := &echoProvider{}
	cs := newChatSession(p)

	var out strings.Builder
	if err := cs.Send(t.Context(), "hello", &out); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := cs.Send(t.Context(), "/reset", &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != channels.NewSessionText {
		t.Errorf("reset output = %q", out.String())
	}

	if err := cs.Send(t.Context(), "fresh", &out); err != nil {
		t.Fatal(err)
	}
	if len(p.lastMessages) != 1 {
		t.Errorf("history after reset = %d messages, want 1", len(p.lastMessages))
	}
	if p.lastKey == "dingtalk:cli" {
		t.Error("session key not regenerated after reset")
	}
}

func TestChatSession_ProviderError(t *testing.T) {
	cs := newChatSession(&echoProvider{err: errors.New("gateway down")})

	var out strings.Builder
	if err := cs.Send(t.Context(), "hello", &out); err == nil || err.Error() != "gateway down" {
		t.Errorf("Send() error = %v, want gateway down", err)
	}
}
