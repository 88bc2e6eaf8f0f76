// Package providers connects a turn to the upstream agent. Replies are
// consumed as a stream of text chunks.
package providers

import (
	"context"

	"github.com/tinyland-inc/dingclaw/pkg/providers/protocoltypes"
)

type (
	Message     = protocoltypes.Message
	ChunkStream = protocoltypes.ChunkStream
)

const (
	RoleSystem    = protocoltypes.RoleSystem
	RoleUser      = protocoltypes.RoleUser
	RoleAssistant = protocoltypes.RoleAssistant
)

// StreamProvider starts one streamed reply. sessionKey groups turns into a
// conversation on the upstream side; systemPrompt may be empty.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message, sessionKey, systemPrompt string) (ChunkStream, error)
}

// Collect drains a stream into a single string.
func Collect(s ChunkStream) (string, error) {
	return protocoltypes.Collect(s)
}
