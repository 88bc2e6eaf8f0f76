package dingtalk

import (
	"context"
	"errors"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
)

// WebhookSender replies through the per-message session webhook that
// DingTalk attaches to every robot callback. It needs no access token but
// only works while the webhook is still valid.
type WebhookSender struct {
	replier *chatbot.ChatbotReplier
}

func NewWebhookSender() *WebhookSender {
	return &WebhookSender{replier: chatbot.NewChatbotReplier()}
}

func (s *WebhookSender) Send(ctx context.Context, to Recipient, msg Message) error {
	if to.SessionWebhook == "" {
		return errors.New("dingtalk: recipient has no session webhook")
	}
	switch msg.Kind {
	case KindMarkdown:
		title := msg.Title
		if title == "" {
			title = firstLine(msg.Text)
		}
		return s.replier.SimpleReplyMarkdown(ctx, to.SessionWebhook, []byte(title), []byte(msg.Text))
	case KindCard:
		return errors.New("dingtalk: session webhook cannot deliver interactive cards")
	default:
		return s.replier.SimpleReplyText(ctx, to.SessionWebhook, []byte(msg.Text))
	}
}
