package dingtalk

import "encoding/json"

// EnvelopeType is the frame class of a stream envelope.
type EnvelopeType string

const (
	TypeSystem   EnvelopeType = "SYSTEM"
	TypeEvent    EnvelopeType = "EVENT"
	TypeCallback EnvelopeType = "CALLBACK"
)

const (
	TopicPing       = "ping"
	TopicDisconnect = "disconnect"
	// TopicBotMessage carries robot chat messages as CALLBACK envelopes.
	TopicBotMessage = "/v1.0/im/bot/messages/get"
	// TopicAll receives every EVENT envelope.
	TopicAll = "*"
)

type Headers struct {
	Topic       string `json:"topic"`
	MessageID   string `json:"messageId"`
	ContentType string `json:"contentType"`
	Time        string `json:"time"`
	AppID       string `json:"appId,omitempty"`
	EventType   string `json:"eventType,omitempty"`
	EventID     string `json:"eventId,omitempty"`
}

// Envelope is one frame received over the stream socket. Data is itself a
// JSON document whose shape depends on Headers.Topic.
type Envelope struct {
	SpecVersion string       `json:"specVersion"`
	Type        EnvelopeType `json:"type"`
	Headers     Headers      `json:"headers"`
	Data        string       `json:"data"`
}

type AckHeaders struct {
	MessageID   string `json:"messageId"`
	ContentType string `json:"contentType"`
}

// Ack is the response frame sent for every received envelope.
type Ack struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Headers AckHeaders `json:"headers"`
	Data    string     `json:"data"`
}

var (
	eventAckData    = mustJSON(map[string]string{"status": "SUCCESS", "message": "success"})
	callbackAckData = mustJSON(map[string]any{"response": nil})
)

// NewAck builds the acknowledgement for env.
func NewAck(env Envelope) Ack {
	data := callbackAckData
	if env.Type == TypeEvent {
		data = eventAckData
	}
	return Ack{
		Code:    200,
		Message: "OK",
		Headers: AckHeaders{
			MessageID:   env.Headers.MessageID,
			ContentType: "application/json",
		},
		Data: data,
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
