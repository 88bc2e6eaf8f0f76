package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// MessageKind selects the robot message template.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindMarkdown MessageKind = "markdown"
	KindCard     MessageKind = "interactiveCard"
)

// Message is one discrete outbound robot message.
type Message struct {
	Kind  MessageKind
	Title string
	Text  string
	// Card carries the action card JSON when Kind is KindCard.
	Card json.RawMessage
}

func TextMessage(text string) Message { return Message{Kind: KindText, Text: text} }

func MarkdownMessage(title, text string) Message {
	return Message{Kind: KindMarkdown, Title: title, Text: text}
}

// Recipient addresses a conversation. UserID is the sender's staff id and
// is required for one-to-one sends; SessionWebhook is only used by the
// webhook sender.
type Recipient struct {
	ConversationID string
	IsGroup        bool
	UserID         string
	SessionWebhook string
}

// Sender delivers one discrete message to a conversation.
type Sender interface {
	Send(ctx context.Context, to Recipient, msg Message) error
}

// msgKeyAndParam maps a Message onto the robot template key and its
// JSON-encoded parameters.
func msgKeyAndParam(msg Message) (string, string, error) {
	var (
		key   string
		param any
	)
	switch msg.Kind {
	case KindText, "":
		key, param = "sampleText", map[string]string{"content": msg.Text}
	case KindMarkdown:
		title := msg.Title
		if title == "" {
			title = firstLine(msg.Text)
		}
		key, param = "sampleMarkdown", map[string]string{"title": title, "text": msg.Text}
	case KindCard:
		if len(msg.Card) == 0 {
			return "", "", errors.New("dingtalk: interactive card message has no card body")
		}
		return "sampleActionCard", string(msg.Card), nil
	default:
		return "", "", fmt.Errorf("dingtalk: unsupported message kind %q", msg.Kind)
	}
	encoded, err := json.Marshal(param)
	if err != nil {
		return "", "", err
	}
	return key, string(encoded), nil
}

type groupSendRequest struct {
	MsgParam           string `json:"msgParam"`
	MsgKey             string `json:"msgKey"`
	OpenConversationID string `json:"openConversationId"`
	RobotCode          string `json:"robotCode"`
}

type directSendRequest struct {
	RobotCode string   `json:"robotCode"`
	UserIDs   []string `json:"userIds"`
	MsgKey    string   `json:"msgKey"`
	MsgParam  string   `json:"msgParam"`
}

// Send posts msg through the robot OpenAPI. Group conversations go to the
// group endpoint; direct conversations are sent one-to-one to UserID.
func (c *Client) Send(ctx context.Context, to Recipient, msg Message) error {
	key, param, err := msgKeyAndParam(msg)
	if err != nil {
		return err
	}

	if to.IsGroup {
		_, err = c.Call(ctx, http.MethodPost, "/v1.0/robot/groupMessages/send", groupSendRequest{
			MsgParam:           param,
			MsgKey:             key,
			OpenConversationID: to.ConversationID,
			RobotCode:          c.robotCode,
		}, nil)
		return err
	}

	if to.UserID == "" {
		return fmt.Errorf("dingtalk: direct send to %s needs a user id", to.ConversationID)
	}
	_, err = c.Call(ctx, http.MethodPost, "/v1.0/robot/oToMessages/batchSend", directSendRequest{
		RobotCode: c.robotCode,
		UserIDs:   []string{to.UserID},
		MsgKey:    key,
		MsgParam:  param,
	}, nil)
	return err
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if runes := []rune(s); len(runes) > 30 {
		return string(runes[:30])
	}
	return s
}
