package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/dingclaw/pkg/bus"
	"github.com/tinyland-inc/dingclaw/pkg/card"
	"github.com/tinyland-inc/dingclaw/pkg/config"
	"github.com/tinyland-inc/dingclaw/pkg/dingtalk"
	"github.com/tinyland-inc/dingclaw/pkg/health"
	"github.com/tinyland-inc/dingclaw/pkg/logger"
	"github.com/tinyland-inc/dingclaw/pkg/media"
	"github.com/tinyland-inc/dingclaw/pkg/policy"
	"github.com/tinyland-inc/dingclaw/pkg/providers"
	"github.com/tinyland-inc/dingclaw/pkg/session"
	"github.com/tinyland-inc/dingclaw/pkg/targets"
)

const (
	DingTalkChannelName = "dingtalk"

	// NewSessionText confirms a reset command.
	NewSessionText = "✨ 已开启新会话，之前的对话已清空。"
)

var errReceiverStopped = errors.New("dingtalk: receiver stopped")

// Replier delivers turn output. *card.Bridge implements it.
type Replier interface {
	Relay(ctx context.Context, turn card.Turn, stream providers.ChunkStream) card.Result
	Reply(ctx context.Context, turn card.Turn, text string)
}

// DingTalkDeps are the collaborators of a DingTalkChannel. Receiver,
// Sender, Replies, Sessions, History and Provider are required.
type DingTalkDeps struct {
	Receiver dingtalk.Receiver
	Sender   dingtalk.Sender
	Replies  Replier
	Sessions *session.Manager
	History  session.HistoryStore
	Provider providers.StreamProvider

	Sweeper *session.Sweeper
	Meter   *health.TurnMeter
	Bus     *bus.MessageBus
	Now     func() time.Time
}

// DingTalkChannel runs the bridge: it receives robot callbacks, applies the
// access policy and turns every admitted message into a streamed reply.
type DingTalkChannel struct {
	*BaseChannel

	policy       policy.Config
	systemPrompt string

	receiver dingtalk.Receiver
	sender   dingtalk.Sender
	replies  Replier
	sessions *session.Manager
	history  session.HistoryStore
	provider providers.StreamProvider
	sweeper  *session.Sweeper
	meter    *health.TurnMeter
	now      func() time.Time

	turns sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

func NewDingTalkChannel(cfg config.DingTalkConfig, deps DingTalkDeps) (*DingTalkChannel, error) {
	switch {
	case deps.Receiver == nil:
		return nil, errors.New("dingtalk channel: receiver is required")
	case deps.Sender == nil:
		return nil, errors.New("dingtalk channel: sender is required")
	case deps.Replies == nil:
		return nil, errors.New("dingtalk channel: replier is required")
	case deps.Sessions == nil:
		return nil, errors.New("dingtalk channel: session manager is required")
	case deps.History == nil:
		return nil, errors.New("dingtalk channel: history store is required")
	case deps.Provider == nil:
		return nil, errors.New("dingtalk channel: provider is required")
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &DingTalkChannel{
		BaseChannel:  NewBaseChannel(DingTalkChannelName, deps.Bus),
		policy:       policy.FromConfig(cfg),
		systemPrompt: BuildSystemPrompt(cfg),
		receiver:     deps.Receiver,
		sender:       deps.Sender,
		replies:      deps.Replies,
		sessions:     deps.Sessions,
		history:      deps.History,
		provider:     deps.Provider,
		sweeper:      deps.Sweeper,
		meter:        deps.Meter,
		now:          now,
	}, nil
}

// BuildSystemPrompt joins the configured prompt and, when media upload is
// enabled, the image instructions.
func BuildSystemPrompt(cfg config.DingTalkConfig) string {
	var parts []string
	if p := strings.TrimSpace(cfg.SystemPrompt); p != "" {
		parts = append(parts, p)
	}
	if cfg.EnableMediaUpload {
		parts = append(parts, media.SystemPrompt)
	}
	return strings.Join(parts, "\n\n")
}

// Run receives and answers messages until ctx is cancelled or the receiver
// fails. In-flight turns are finished before it returns.
func (c *DingTalkChannel) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("dingtalk channel: already running")
	}
	defer c.SetRunning(false)

	logger.InfoCF("dingtalk", "DingTalk channel starting", map[string]any{
		"dm_policy":    c.policy.DMPolicy,
		"group_policy": c.policy.GroupPolicy,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.receiver.Receive(gctx, c.onCallback(gctx))
		if err != nil {
			return fmt.Errorf("dingtalk receiver: %w", err)
		}
		if gctx.Err() == nil {
			return errReceiverStopped
		}
		return nil
	})
	g.Go(func() error {
		c.dispatchInbound(gctx, ctx)
		return nil
	})
	g.Go(func() error {
		c.dispatchOutbound(gctx)
		return nil
	})
	if c.sweeper != nil {
		g.Go(func() error { return c.sweeper.Run(gctx) })
	}

	err := g.Wait()
	c.turns.Wait()

	if err != nil {
		logger.ErrorCF("dingtalk", "DingTalk channel stopped", map[string]any{"error": err.Error()})
		return err
	}
	logger.InfoC("dingtalk", "DingTalk channel stopped")
	return nil
}

// Start runs the channel in the background until Stop.
func (c *DingTalkChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("dingtalk channel: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	c.cancel, c.done = cancel, done
	go func() { done <- c.Run(runCtx) }()
	return nil
}

// Stop cancels a channel started with Start and waits for in-flight turns,
// or for ctx to expire.
func (c *DingTalkChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsAllowed applies the direct-message policy to senderID.
func (c *DingTalkChannel) IsAllowed(senderID string) bool {
	return policy.Evaluate(policy.Input{SenderID: senderID}, c.policy).Admit
}

// Ready reports whether the stream connection is up.
func (c *DingTalkChannel) Ready(context.Context) error {
	if !c.IsRunning() {
		return errors.New("dingtalk channel not running")
	}
	if s, ok := c.receiver.(interface{ State() dingtalk.State }); ok {
		if st := s.State(); st != dingtalk.StateConnected {
			return fmt.Errorf("stream %s", st)
		}
	}
	return nil
}

// Send delivers a bridge-initiated message to a conversation.
func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	typ := targets.DirectMessage
	if msg.IsGroup {
		typ = targets.Group
	}
	target := targets.Build(msg.ChatID, typ)
	if target.ConversationID == "" {
		return errors.New("dingtalk channel: empty target")
	}

	out := dingtalk.TextMessage(msg.Content)
	if msg.Markdown {
		out = dingtalk.MarkdownMessage(msg.Title, msg.Content)
	}
	to := dingtalk.Recipient{
		ConversationID: target.ConversationID,
		IsGroup:        target.IsGroup(),
		UserID:         msg.UserID,
	}
	if err := c.sender.Send(ctx, to, out); err != nil {
		return fmt.Errorf("send to %s: %w", targets.Format(target.ConversationID), err)
	}
	return nil
}

// onCallback returns the read-loop handler. It only decodes and queues;
// turns run on their own goroutines.
func (c *DingTalkChannel) onCallback(ctx context.Context) dingtalk.CallbackFunc {
	return func(data *chatbot.BotCallbackDataModel) {
		msg, ok := DecodeCallback(data, c.now())
		if !ok {
			logger.DebugCF("dingtalk", "Ignoring callback without text", map[string]any{
				"message_id": data.MsgId,
				"msgtype":    data.Msgtype,
			})
			return
		}
		if err := c.HandleMessage(ctx, msg); err != nil {
			logger.WarnCF("dingtalk", "Dropping message", map[string]any{
				"message_id": msg.MessageID,
				"error":      err.Error(),
			})
		}
	}
}

func (c *DingTalkChannel) dispatchInbound(ctx, turnCtx context.Context) {
	for {
		msg, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		c.turns.Add(1)
		go func() {
			defer c.turns.Done()
			c.handleTurn(turnCtx, msg)
		}()
	}
}

func (c *DingTalkChannel) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := c.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if err := c.Send(ctx, msg); err != nil {
			logger.ErrorCF("dingtalk", "Outbound send failed", map[string]any{
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

func (c *DingTalkChannel) handleTurn(ctx context.Context, msg MessageContext) {
	decision := policy.Evaluate(policy.Input{
		IsGroup:        msg.IsGroup(),
		ConversationID: msg.ConversationID(),
		SenderID:       msg.SenderID,
		SenderStaffID:  msg.SenderStaffID,
		MentionedBot:   msg.MentionedBot,
	}, c.policy)
	if !decision.Admit {
		logger.DebugCF("dingtalk", "Message rejected by policy", map[string]any{
			"sender":       msg.SenderID,
			"conversation": msg.ConversationID(),
			"reason":       decision.Reason,
		})
		if c.meter != nil {
			c.meter.RecordRejected(decision.Reason)
		}
		return
	}

	to := dingtalk.Recipient{
		ConversationID: msg.ConversationID(),
		IsGroup:        msg.IsGroup(),
		UserID:         msg.SenderStaffID,
		SessionWebhook: msg.SessionWebhook,
	}
	text := msg.Content.Text

	if session.IsNewSessionCommand(text) {
		info := c.sessions.Resolve(msg.SenderID, true)
		c.resetHistory(ctx, info.SessionKey)
		c.replies.Reply(ctx, card.Turn{To: to, SessionKey: info.SessionKey}, NewSessionText)
		logger.InfoCF("dingtalk", "New session started", map[string]any{
			"sender":      msg.SenderID,
			"session_key": info.SessionKey,
		})
		return
	}

	start := c.now()
	info := c.sessions.Resolve(msg.SenderID, false)
	if info.IsNew {
		c.resetHistory(ctx, info.SessionKey)
	}

	logger.InfoCF("dingtalk", "Processing message", map[string]any{
		"sender":      msg.SenderNick,
		"sender_id":   msg.SenderID,
		"session_key": info.SessionKey,
		"new":         info.IsNew,
	})

	userMsg := providers.Message{Role: providers.RoleUser, Content: text}
	if err := c.history.Append(ctx, info.SessionKey, userMsg); err != nil {
		logger.WarnCF("dingtalk", "Failed to append to history", map[string]any{
			"session_key": info.SessionKey,
			"error":       err.Error(),
		})
	}
	messages, err := c.history.Load(ctx, info.SessionKey)
	if err != nil || len(messages) == 0 {
		messages = []providers.Message{userMsg}
	}

	stream, err := c.provider.StreamChat(ctx, messages, info.SessionKey, c.systemPrompt)
	if err != nil {
		stream = failedStream{err: err}
	}
	res := c.replies.Relay(ctx, card.Turn{To: to, SessionKey: info.SessionKey}, stream)

	logger.InfoCF("dingtalk", "Reply delivered", map[string]any{
		"conversation": to.ConversationID,
		"chars":        len([]rune(res.Content)),
		"card":         res.UsedCard,
	})
	if c.meter != nil {
		c.meter.Record(health.TurnEvent{
			SessionKey: info.SessionKey,
			Duration:   c.now().Sub(start),
			Chars:      len([]rune(res.Content)),
			Updates:    res.Updates,
			UsedCard:   res.UsedCard,
			Failed:     res.Err != nil,
			At:         c.now(),
		})
	}
}

func (c *DingTalkChannel) resetHistory(ctx context.Context, sessionKey string) {
	if err := c.history.Reset(ctx, sessionKey); err != nil {
		logger.WarnCF("dingtalk", "Failed to reset history", map[string]any{
			"session_key": sessionKey,
			"error":       err.Error(),
		})
	}
}

// failedStream reports a stream that could not be started.
type failedStream struct{ err error }

func (failedStream) Next() bool      { return false }
func (failedStream) Current() string { return "" }
func (s failedStream) Err() error    { return s.err }
func (failedStream) Close() error    { return nil }

// DecodeCallback converts a robot callback into a MessageContext. It
// reports false for messages without text, such as pictures or files.
func DecodeCallback(data *chatbot.BotCallbackDataModel, now time.Time) (MessageContext, bool) {
	if data == nil {
		return MessageContext{}, false
	}
	content, ok := decodeContent(data)
	if !ok {
		return MessageContext{}, false
	}

	peer := bus.Peer{Kind: bus.PeerDirect, ID: data.ConversationId}
	if targets.ConversationType(data.ConversationType) == targets.Group {
		peer.Kind = bus.PeerGroup
	}
	created := now
	if data.CreateAt > 0 {
		created = time.UnixMilli(data.CreateAt)
	}

	return MessageContext{
		Channel:           DingTalkChannelName,
		Peer:              peer,
		SenderID:          data.SenderId,
		SenderStaffID:     data.SenderStaffId,
		SenderNick:        data.SenderNick,
		MessageID:         data.MsgId,
		Content:           content,
		MentionedBot:      data.IsInAtList,
		ConversationTitle: data.ConversationTitle,
		CreatedAt:         created,
		SessionWebhook:    data.SessionWebhook,
		Metadata: map[string]string{
			"msgtype":    data.Msgtype,
			"robot_code": data.RobotCode,
		},
	}, true
}

func decodeContent(data *chatbot.BotCallbackDataModel) (bus.MessageContent, bool) {
	switch data.Msgtype {
	case "", "text":
		text := strings.TrimSpace(data.Text.Content)
		return bus.MessageContent{Kind: bus.ContentText, Text: text}, text != ""
	case "markdown":
		var text, title string
		switch v := data.Content.(type) {
		case string:
			text = v
		case map[string]any:
			text, _ = v["text"].(string)
			title, _ = v["title"].(string)
		}
		text = strings.TrimSpace(text)
		return bus.MessageContent{Kind: bus.ContentMarkdown, Text: text, Title: title}, text != ""
	}
	return bus.MessageContent{}, false
}
