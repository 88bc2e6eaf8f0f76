package card

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyland-inc/dingclaw/pkg/dingtalk"
	"github.com/tinyland-inc/dingclaw/pkg/logger"
	"github.com/tinyland-inc/dingclaw/pkg/providers"
	"github.com/tinyland-inc/dingclaw/pkg/session"
)

const (
	// ErrorText is shown to the user when the upstream reply fails midway.
	ErrorText = "❌ 处理消息时出错，请稍后重试。"

	DefaultInterval        = 300 * time.Millisecond
	DefaultFinalizeTimeout = 10 * time.Second
)

// Cards is the card lifecycle the bridge drives. *Service implements it.
type Cards interface {
	Create(ctx context.Context, conversationID string, isGroup bool) *Instance
	Stream(ctx context.Context, inst *Instance, content string, finalize bool) error
	Finish(ctx context.Context, inst *Instance, content string) error
}

// Turn identifies where a reply goes and which history it belongs to.
type Turn struct {
	To         dingtalk.Recipient
	SessionKey string
}

// Result summarizes one relayed reply.
type Result struct {
	Content string
	// Err is the upstream stream error, if any. It has already been
	// reported to the user and logged.
	Err      error
	UsedCard bool
	Updates  int
}

// Bridge relays an upstream chunk stream into a live-updating card, or into
// one discrete message when no card could be created.
type Bridge struct {
	cards           Cards
	sender          dingtalk.Sender
	history         session.HistoryStore
	interval        time.Duration
	finalizeTimeout time.Duration
	now             func() time.Time
	postProcess     func(ctx context.Context, content string) string
}

type BridgeOption func(*Bridge)

// WithCards enables the card path. Without it every reply is a discrete
// message.
func WithCards(c Cards) BridgeOption {
	return func(b *Bridge) { b.cards = c }
}

func WithHistory(h session.HistoryStore) BridgeOption {
	return func(b *Bridge) { b.history = h }
}

// WithInterval sets the minimum spacing between intermediate card updates.
func WithInterval(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.interval = d
		}
	}
}

func WithFinalizeTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.finalizeTimeout = d
		}
	}
}

func WithBridgeClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

// WithPostProcessor rewrites the complete reply before it is finalized,
// for example to upload referenced images.
func WithPostProcessor(f func(ctx context.Context, content string) string) BridgeOption {
	return func(b *Bridge) { b.postProcess = f }
}

func NewBridge(sender dingtalk.Sender, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		sender:          sender,
		interval:        DefaultInterval,
		finalizeTimeout: DefaultFinalizeTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Relay consumes stream for one turn. Errors are reported to the user and
// logged, never returned; the accumulated reply is appended to history.
//
// The final card update or fallback send runs on a context detached from
// ctx so a shutdown mid-turn still closes the card.
func (b *Bridge) Relay(ctx context.Context, turn Turn, stream providers.ChunkStream) Result {
	var inst *Instance
	if b.cards != nil {
		inst = b.cards.Create(ctx, turn.To.ConversationID, turn.To.IsGroup)
	}
	res := Result{UsedCard: inst != nil}

	limiter := rate.NewLimiter(rate.Every(b.interval), 1)
	var buf strings.Builder

	for stream.Next() {
		chunk := stream.Current()
		if chunk == "" {
			continue
		}
		buf.WriteString(chunk)
		if inst == nil || !limiter.AllowN(b.now(), 1) {
			continue
		}
		if err := b.cards.Stream(ctx, inst, buf.String(), false); err != nil {
			logger.WarnCF("card", "Streaming update failed", map[string]any{
				"card":  inst.ID,
				"error": err.Error(),
			})
			continue
		}
		res.Updates++
	}
	res.Err = stream.Err()
	if err := stream.Close(); err != nil {
		logger.DebugCF("card", "Closing upstream stream", map[string]any{"error": err.Error()})
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.finalizeTimeout)
	defer cancel()

	res.Content = buf.String()
	final := res.Content
	if res.Err != nil {
		logger.ErrorCF("card", "Upstream stream failed", map[string]any{
			"session_key": turn.SessionKey,
			"error":       res.Err.Error(),
		})
		final = ErrorText
	} else if b.postProcess != nil && final != "" {
		final = b.postProcess(fctx, final)
		res.Content = final
	}

	b.deliver(fctx, turn, inst, final)

	if b.history != nil && res.Content != "" && turn.SessionKey != "" {
		msg := providers.Message{Role: providers.RoleAssistant, Content: res.Content}
		if err := b.history.Append(fctx, turn.SessionKey, msg); err != nil {
			logger.WarnCF("card", "Failed to append reply to history", map[string]any{
				"session_key": turn.SessionKey,
				"error":       err.Error(),
			})
		}
	}
	return res
}

// Reply delivers a fixed text through the same card-or-message path.
func (b *Bridge) Reply(ctx context.Context, turn Turn, text string) {
	var inst *Instance
	if b.cards != nil {
		inst = b.cards.Create(ctx, turn.To.ConversationID, turn.To.IsGroup)
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.finalizeTimeout)
	defer cancel()
	b.deliver(fctx, turn, inst, text)
}

func (b *Bridge) deliver(ctx context.Context, turn Turn, inst *Instance, content string) {
	if inst != nil {
		err := b.cards.Finish(ctx, inst, content)
		if err == nil {
			return
		}
		logger.WarnCF("card", "Finalizing card failed, sending message instead", map[string]any{
			"card":  inst.ID,
			"error": err.Error(),
		})
	}

	if content == "" {
		logger.WarnCF("card", "Empty reply, nothing to send", map[string]any{"session_key": turn.SessionKey})
		return
	}
	if err := b.sender.Send(ctx, turn.To, messageFor(content)); err != nil {
		logger.ErrorCF("card", "Failed to send reply", map[string]any{
			"conversation": turn.To.ConversationID,
			"error":        err.Error(),
		})
	}
}

// messageFor picks markdown when the reply embeds images, which plain text
// messages cannot render.
func messageFor(content string) dingtalk.Message {
	if strings.Contains(content, "![") {
		return dingtalk.MarkdownMessage("", content)
	}
	return dingtalk.TextMessage(content)
}
