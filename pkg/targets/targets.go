// Package targets normalizes DingTalk conversation identifiers entered by
// users or carried in outbound addresses.
package targets

import (
	"regexp"
	"strings"
)

// ConversationType mirrors DingTalk's conversationType field.
type ConversationType string

const (
	DirectMessage ConversationType = "1"
	Group         ConversationType = "2"
)

var (
	prefixRe    = regexp.MustCompile(`(?i)^(?:dingtalk|conv|conversation):`)
	cidRe       = regexp.MustCompile(`^cid[a-zA-Z0-9]+$`)
	longAlnumRe = regexp.MustCompile(`^[a-zA-Z0-9]{10,}$`)
)

// Target addresses one conversation.
type Target struct {
	ConversationID string
	Type           ConversationType
}

func (t Target) IsGroup() bool { return t.Type == Group }

// Normalize strips the dingtalk:, conv: and conversation: scheme prefixes
// and the whitespace around them. Stacked prefixes are all removed, so
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		next := strings.TrimSpace(prefixRe.ReplaceAllString(s, ""))
		if next == s {
			return s
		}
		s = next
	}
}

// Format renders a conversation id for display.
func Format(conversationID string) string {
	return Normalize(conversationID)
}

// LooksLikeID reports whether s has the shape of a conversation id rather
// than a human alias.
func LooksLikeID(s string) bool {
	if s == "" {
		return false
	}
	return cidRe.MatchString(s) || longAlnumRe.MatchString(s)
}

// Parse normalizes raw and returns a direct-message target when the result
// looks like an id.
func Parse(raw string) (Target, bool) {
	id := Normalize(raw)
	if !LooksLikeID(id) {
		return Target{}, false
	}
	return Target{ConversationID: id, Type: DirectMessage}, true
}

// Build returns a target for conversationID, defaulting to a direct message
// when typ is empty.
func Build(conversationID string, typ ConversationType) Target {
	if typ == "" {
		typ = DirectMessage
	}
	return Target{ConversationID: Normalize(conversationID), Type: typ}
}
