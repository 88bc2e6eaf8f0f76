package dingtalk

import (
	"context"
	"encoding/json"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	"github.com/tinyland-inc/dingclaw/pkg/logger"
)

// CallbackFunc receives one decoded robot message callback.
type CallbackFunc func(*chatbot.BotCallbackDataModel)

// Receiver delivers robot callbacks until ctx is cancelled.
type Receiver interface {
	Receive(ctx context.Context, fn CallbackFunc) error
}

// StreamReceiver receives robot messages over this package's StreamClient.
type StreamReceiver struct {
	stream *StreamClient
}

func NewStreamReceiver(stream *StreamClient) *StreamReceiver {
	return &StreamReceiver{stream: stream}
}

// State reports the underlying connection state.
func (r *StreamReceiver) State() State { return r.stream.State() }

func (r *StreamReceiver) Receive(ctx context.Context, fn CallbackFunc) error {
	r.stream.OnMessage(TopicBotMessage, func(env Envelope) {
		var data chatbot.BotCallbackDataModel
		if err := json.Unmarshal([]byte(env.Data), &data); err != nil {
			logger.WarnCF("dingtalk", "Malformed robot callback", map[string]any{
				"message_id": env.Headers.MessageID,
				"error":      err.Error(),
			})
			return
		}
		fn(&data)
	})
	r.stream.OnMessage(TopicAll, func(env Envelope) {
		logger.DebugCF("dingtalk", "Event received", map[string]any{
			"event_type": env.Headers.EventType,
			"event_id":   env.Headers.EventID,
		})
	})
	return r.stream.Run(ctx)
}

// SDKReceiver receives robot messages through the official stream SDK
// client, which manages its own connection and reconnects.
type SDKReceiver struct {
	creds Credentials
}

func NewSDKReceiver(creds Credentials) *SDKReceiver {
	return &SDKReceiver{creds: creds}
}

func (r *SDKReceiver) Receive(ctx context.Context, fn CallbackFunc) error {
	if !r.creds.Valid() {
		return &AuthError{Err: ErrMissingCredentials}
	}

	cli := client.NewStreamClient(
		client.WithAppCredential(client.NewAppCredentialConfig(r.creds.AppKey, r.creds.AppSecret)),
		client.WithAutoReconnect(true),
	)
	cli.RegisterChatBotCallbackRouter(func(_ context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
		fn(data)
		return []byte(""), nil
	})

	if err := cli.Start(ctx); err != nil {
		return &SocketError{Op: "sdk start", Err: err}
	}
	logger.InfoC("dingtalk", "SDK stream client started")

	<-ctx.Done()
	cli.Close()
	return nil
}
