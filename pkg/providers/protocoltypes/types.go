package protocoltypes

import "strings"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChunkStream is a finite sequence of reply text chunks. Next advances and
// reports whether a chunk is available; Err is checked once Next returns
// false.
type ChunkStream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Collect drains s and returns the concatenated text.
func Collect(s ChunkStream) (string, error) {
	defer s.Close()
	var sb strings.Builder
	for s.Next() {
		sb.WriteString(s.Current())
	}
	return sb.String(), s.Err()
}
