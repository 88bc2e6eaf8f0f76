package channels

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/dingclaw/pkg/bus"
	"github.com/tinyland-inc/dingclaw/pkg/card"
	"github.com/tinyland-inc/dingclaw/pkg/config"
	"github.com/tinyland-inc/dingclaw/pkg/dingtalk"
	"github.com/tinyland-inc/dingclaw/pkg/health"
	"github.com/tinyland-inc/dingclaw/pkg/media"
	"github.com/tinyland-inc/dingclaw/pkg/providers"
	"github.com/tinyland-inc/dingclaw/pkg/session"
)

// fakeReceiver hands the registered callback to the test and blocks until
// cancelled.
type fakeReceiver struct {
	ready chan dingtalk.CallbackFunc
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{ready: make(chan dingtalk.CallbackFunc, 1)}
}

func (r *fakeReceiver) Receive(ctx context.Context, fn dingtalk.CallbackFunc) error {
	r.ready <- fn
	<-ctx.Done()
	return nil
}

type sliceStream struct {
	chunks []string
	i      int
	err    error
}

func (s *sliceStream) Next() bool {
	if s.i >= len(s.chunks) {
		return false
	}
	s.i++
	return true
}
func (s *sliceStream) Current() string { return s.chunks[s.i-1] }
func (s *sliceStream) Err() error      { return s.err }
func (s *sliceStream) Close() error    { return nil }

type providerCall struct {
	Messages     []providers.Message
	SessionKey   string
	SystemPrompt string
}

type fakeProvider struct {
	mu     sync.Mutex
	calls  []providerCall
	chunks []string
	err    error
}

func (p *fakeProvider) StreamChat(_ context.Context, messages []providers.Message, sessionKey, systemPrompt string) (providers.ChunkStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, providerCall{
		Messages:     append([]providers.Message(nil), messages...),
		SessionKey:   sessionKey,
		SystemPrompt: systemPrompt,
	})
	if p.err != nil {
		return nil, p.err
	}
	return &sliceStream{chunks: p.chunks}, nil
}

func (p *fakeProvider) Calls() []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerCall(nil), p.calls...)
}

type relayed struct {
	Turn    card.Turn
	Content string
	Err     error
}

type fakeReplier struct {
	mu      sync.Mutex
	relays  []relayed
	replies []relayed
	done    chan struct{}
}

func newFakeReplier() *fakeReplier {
	return &fakeReplier{done: make(chan struct{}, 8)}
}

func (r *fakeReplier) Relay(_ context.Context, turn card.Turn, stream providers.ChunkStream) card.Result {
	content, err := providers.Collect(stream)
	r.mu.Lock()
	r.relays = append(r.relays, relayed{Turn: turn, Content: content, Err: err})
	r.mu.Unlock()
	r.done <- struct{}{}
	return card.Result{Content: content, Err: err, UsedCard: true, Updates: 1}
}

func (r *fakeReplier) Reply(_ context.Context, turn card.Turn, text string) {
	r.mu.Lock()
	r.replies = append(r.replies, relayed{Turn: turn, Content: text})
	r.mu.Unlock()
	r.done <- struct{}{}
}

type sent struct {
	To  dingtalk.Recipient
	Msg dingtalk.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *fakeSender) Send(_ context.Context, to dingtalk.Recipient, msg dingtalk.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, sent{To: to, Msg: msg})
	s.mu.Unlock()
	return nil
}

type harness struct {
	ch       *DingTalkChannel
	receiver *fakeReceiver
	provider *fakeProvider
	replier  *fakeReplier
	sender   *fakeSender
	sessions *session.Manager
	history  *session.MemoryHistory
	meter    *health.TurnMeter
}

func newHarness(t *testing.T, cfg config.DingTalkConfig) *harness {
	t.Helper()
	h := &harness{
		receiver: newFakeReceiver(),
		provider: &fakeProvider{chunks: []string{"Hi", " there"}},
		replier:  newFakeReplier(),
		sender:   &fakeSender{},
		sessions: session.NewManager(),
		history:  session.NewMemoryHistory(10),
		meter:    health.NewTurnMeter(),
	}
	ch, err := NewDingTalkChannel(cfg, DingTalkDeps{
		Receiver: h.receiver,
		Sender:   h.sender,
		Replies:  h.replier,
		Sessions: h.sessions,
		History:  h.history,
		Provider: h.provider,
		Meter:    h.meter,
	})
	require.NoError(t, err)
	h.ch = ch
	return h
}

func callback(t *testing.T, raw string) *chatbot.BotCallbackDataModel {
	t.Helper()
	var data chatbot.BotCallbackDataModel
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	return &data
}

func directText(sender, text string) MessageContext {
	return MessageContext{
		Channel:       DingTalkChannelName,
		Peer:          bus.Peer{Kind: bus.PeerDirect, ID: "cidDM"},
		SenderID:      sender,
		SenderStaffID: "staff-" + sender,
		Content:       bus.MessageContent{Kind: bus.ContentText, Text: text},
	}
}

func TestDecodeCallback_GroupText(t *testing.T) {
	data := callback(t, `{
		"conversationId": "cidGroup",
		"conversationType": "2",
		"senderId": "$:LWCP_v1:$abc",
		"senderStaffId": "staff-1",
		"senderNick": "小明",
		"msgId": "msg-1",
		"msgtype": "text",
		"text": {"content": "  帮我总结一下  "},
		"isInAtList": true,
		"conversationTitle": "研发群",
		"createAt": 1767225600000,
		"sessionWebhook": "https://oapi.dingtalk.com/robot/sendBySession?session=x"
	}`)

	msg, ok := DecodeCallback(data, time.Now())
	require.True(t, ok)
	assert.True(t, msg.IsGroup())
	assert.Equal(t, "cidGroup", msg.ConversationID())
	assert.Equal(t, "staff-1", msg.SenderStaffID)
	assert.Equal(t, bus.ContentText, msg.Content.Kind)
	assert.Equal(t, "帮我总结一下", msg.Content.Text)
	assert.True(t, msg.MentionedBot)
	assert.Equal(t, "研发群", msg.ConversationTitle)
	assert.Equal(t, time.UnixMilli(1767225600000), msg.CreatedAt)
	assert.Equal(t, "text", msg.Metadata["msgtype"])
}

func TestDecodeCallback_Markdown(t *testing.T) {
	data := callback(t, `{
		"conversationId": "cidDM",
		"conversationType": "1",
		"senderId": "u1",
		"msgtype": "markdown",
		"content": {"title": "周报", "text": "# 本周\n完成"}
	}`)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	msg, ok := DecodeCallback(data, now)
	require.True(t, ok)
	assert.False(t, msg.IsGroup())
	assert.Equal(t, bus.ContentMarkdown, msg.Content.Kind)
	assert.Equal(t, "周报", msg.Content.Title)
	assert.Equal(t, "# 本周\n完成", msg.Content.Text)
	assert.Equal(t, now, msg.CreatedAt)
}

func TestDecodeCallback_IgnoresNonText(t *testing.T) {
	for _, raw := range []string{
		`{"conversationId": "c", "msgtype": "picture", "content": {"downloadCode": "x"}}`,
		`{"conversationId": "c", "msgtype": "text", "text": {"content": "   "}}`,
	} {
		_, ok := DecodeCallback(callback(t, raw), time.Now())
		assert.False(t, ok, raw)
	}
	_, ok := DecodeCallback(nil, time.Now())
	assert.False(t, ok)
}

func TestBuildSystemPrompt(t *testing.T) {
	assert.Equal(t, "", BuildSystemPrompt(config.DingTalkConfig{}))
	assert.Equal(t, "你是助手", BuildSystemPrompt(config.DingTalkConfig{SystemPrompt: " 你是助手 "}))
	assert.Equal(t, "你是助手\n\n"+media.SystemPrompt,
		BuildSystemPrompt(config.DingTalkConfig{SystemPrompt: "你是助手", EnableMediaUpload: true}))
}

func TestNewDingTalkChannel_RequiresDeps(t *testing.T) {
	_, err := NewDingTalkChannel(config.DingTalkConfig{}, DingTalkDeps{})
	assert.Error(t, err)
}

func TestHandleTurn_StreamsReply(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{SystemPrompt: "你是助手"})

	h.ch.handleTurn(t.Context(), directText("u1", "你好"))

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "dingtalk:u1", calls[0].SessionKey)
	assert.Equal(t, "你是助手", calls[0].SystemPrompt)
	assert.Equal(t, []providers.Message{{Role: providers.RoleUser, Content: "你好"}}, calls[0].Messages)

	require.Len(t, h.replier.relays, 1)
	got := h.replier.relays[0]
	assert.Equal(t, "Hi there", got.Content)
	assert.Equal(t, "cidDM", got.Turn.To.ConversationID)
	assert.Equal(t, "staff-u1", got.Turn.To.UserID)
	assert.False(t, got.Turn.To.IsGroup)

	snap := h.meter.Snapshot()
	assert.Equal(t, int64(1), snap.Totals.Turns)
	assert.Equal(t, int64(8), snap.Totals.ReplyChars)
}

func TestHandleTurn_SendsHistory(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{})
	require.NoError(t, h.history.Append(t.Context(), "dingtalk:u1",
		providers.Message{Role: providers.RoleUser, Content: "第一句"},
		providers.Message{Role: providers.RoleAssistant, Content: "回答"},
	))
	// Resolve once so the turn below continues an existing session.
	h.sessions.Resolve("u1", false)

	h.ch.handleTurn(t.Context(), directText("u1", "第二句"))

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []providers.Message{
		{Role: providers.RoleUser, Content: "第一句"},
		{Role: providers.RoleAssistant, Content: "回答"},
		{Role: providers.RoleUser, Content: "第二句"},
	}, calls[0].Messages)
}

func TestHandleTurn_NewSessionResetsHistory(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{})
	require.NoError(t, h.history.Append(t.Context(), "dingtalk:u1",
		providers.Message{Role: providers.RoleUser, Content: "旧消息"}))

	h.ch.handleTurn(t.Context(), directText("u1", "hello"))

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].Messages, 1, "history of a new session must start empty")
}

func TestHandleTurn_ResetCommand(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{})
	first := h.sessions.Resolve("u1", false)
	require.NoError(t, h.history.Append(t.Context(), first.SessionKey,
		providers.Message{Role: providers.RoleUser, Content: "x"}))

	h.ch.handleTurn(t.Context(), directText("u1", "/new"))

	assert.Empty(t, h.provider.Calls())
	require.Len(t, h.replier.replies, 1)
	reply := h.replier.replies[0]
	assert.Equal(t, NewSessionText, reply.Content)
	assert.NotEqual(t, first.SessionKey, reply.Turn.SessionKey)

	msgs, err := h.history.Load(t.Context(), reply.Turn.SessionKey)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	next := h.sessions.Resolve("u1", false)
	assert.Equal(t, reply.Turn.SessionKey, next.SessionKey)
	assert.False(t, next.IsNew)
}

func TestHandleTurn_PolicyRejects(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{RequireMention: true})
	msg := directText("u1", "hello")
	msg.Peer = bus.Peer{Kind: bus.PeerGroup, ID: "cidGroup"}

	h.ch.handleTurn(t.Context(), msg)

	assert.Empty(t, h.provider.Calls())
	assert.Empty(t, h.replier.relays)
	assert.Equal(t, int64(1), h.meter.Snapshot().Rejected["bot not mentioned"])
	assert.Equal(t, 0, h.sessions.ActiveCount(), "rejected messages must not create sessions")
}

func TestHandleTurn_ProviderStartFailure(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{})
	h.provider.err = errors.New("connection refused")

	h.ch.handleTurn(t.Context(), directText("u1", "hello"))

	require.Len(t, h.replier.relays, 1)
	assert.EqualError(t, h.replier.relays[0].Err, "connection refused")
	assert.Equal(t, int64(1), h.meter.Snapshot().Totals.Errors)
}

func TestIsAllowed(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{DMPolicy: config.DMPolicyAllowlist, AllowFrom: config.FlexibleStringSlice{"dingtalk:u1"}})
	assert.True(t, h.ch.IsAllowed("u1"))
	assert.False(t, h.ch.IsAllowed("u2"))
}

func TestSend(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{})

	require.NoError(t, h.ch.Send(t.Context(), bus.OutboundMessage{ChatID: "dingtalk:cidGroup", IsGroup: true, Content: "公告"}))
	require.NoError(t, h.ch.Send(t.Context(), bus.OutboundMessage{ChatID: "cidDM", UserID: "staff-1", Content: "# 标题", Markdown: true}))
	assert.Error(t, h.ch.Send(t.Context(), bus.OutboundMessage{ChatID: "  "}))

	require.Len(t, h.sender.sent, 2)
	assert.Equal(t, dingtalk.Recipient{ConversationID: "cidGroup", IsGroup: true}, h.sender.sent[0].To)
	assert.Equal(t, dingtalk.KindText, h.sender.sent[0].Msg.Kind)
	assert.Equal(t, dingtalk.Recipient{ConversationID: "cidDM", UserID: "staff-1"}, h.sender.sent[1].To)
	assert.Equal(t, dingtalk.KindMarkdown, h.sender.sent[1].Msg.Kind)
}

func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{})
	ctx, cancel := context.WithCancel(t.Context())
	runErr := make(chan error, 1)
	go func() { runErr <- h.ch.Run(ctx) }()

	var fn dingtalk.CallbackFunc
	select {
	case fn = <-h.receiver.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver not started")
	}
	assert.True(t, h.ch.IsRunning())
	assert.NoError(t, h.ch.Ready(t.Context()))

	fn(callback(t, `{"conversationId":"cidDM","conversationType":"1","senderId":"u9","msgtype":"text","text":{"content":"ping"}}`))

	select {
	case <-h.replier.done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn not relayed")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	assert.False(t, h.ch.IsRunning())

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "dingtalk:u9", calls[0].SessionKey)
}

func TestRun_DrainsOutbound(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go h.ch.Run(ctx)

	require.NoError(t, h.ch.Bus().PublishOutbound(ctx, bus.OutboundMessage{
		ChatID:  "conv: cidG1",
		IsGroup: true,
		Content: "deploy finished",
	}))

	require.Eventually(t, func() bool {
		h.sender.mu.Lock()
		defer h.sender.mu.Unlock()
		return len(h.sender.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.sender.mu.Lock()
	got := h.sender.sent[0]
	h.sender.mu.Unlock()
	assert.Equal(t, "cidG1", got.To.ConversationID)
	assert.True(t, got.To.IsGroup)
	assert.Equal(t, "deploy finished", got.Msg.Text)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{})
	require.NoError(t, h.ch.Start(t.Context()))
	assert.Error(t, h.ch.Start(t.Context()))

	select {
	case <-h.receiver.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver not started")
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	assert.NoError(t, h.ch.Stop(ctx))
	assert.NoError(t, h.ch.Stop(ctx))
}

func TestRun_ReceiverFailure(t *testing.T) {
	h := newHarness(t, config.DingTalkConfig{})
	h.ch.receiver = failingReceiver{err: &dingtalk.AuthError{StatusCode: 401, Message: "bad"}}

	err := h.ch.Run(t.Context())
	var authErr *dingtalk.AuthError
	assert.ErrorAs(t, err, &authErr)
}

type failingReceiver struct{ err error }

func (r failingReceiver) Receive(context.Context, dingtalk.CallbackFunc) error { return r.err }
