// Package policy decides whether an inbound DingTalk message may start a
// turn. Rejections are silent: callers log the reason and drop the message.
package policy

import (
	"strings"

	"github.com/tinyland-inc/dingclaw/pkg/config"
	"github.com/tinyland-inc/dingclaw/pkg/targets"
)

// Config is the access policy for one robot.
type Config struct {
	DMPolicy       string
	AllowFrom      []string
	GroupPolicy    string
	GroupAllowFrom []string
	RequireMention bool
}

// FromConfig extracts the policy settings from the channel config.
func FromConfig(c config.DingTalkConfig) Config {
	return Config{
		DMPolicy:       c.DMPolicy,
		AllowFrom:      c.AllowFrom,
		GroupPolicy:    c.GroupPolicy,
		GroupAllowFrom: c.GroupAllowFrom,
		RequireMention: c.RequireMention,
	}
}

// Input is the part of an inbound message the gate looks at.
type Input struct {
	IsGroup        bool
	ConversationID string
	SenderID       string
	SenderStaffID  string
	MentionedBot   bool
}

// Decision is the gate's verdict. Reason is empty when Admit is true.
type Decision struct {
	Admit  bool
	Reason string
}

func admit() Decision { return Decision{Admit: true} }

func reject(reason string) Decision { return Decision{Reason: reason} }

// Evaluate applies the DM or group rules to in.
func Evaluate(in Input, cfg Config) Decision {
	if !in.IsGroup {
		switch cfg.DMPolicy {
		case config.DMPolicyAllowlist, config.DMPolicyPairing:
			if matches(cfg.AllowFrom, in.SenderID, NormalizeEntry) ||
				matches(cfg.AllowFrom, in.SenderStaffID, NormalizeEntry) {
				return admit()
			}
			return reject("sender not in allow_from")
		default:
			return admit()
		}
	}

	switch cfg.GroupPolicy {
	case config.GroupPolicyDisabled:
		return reject("group messages disabled")
	case config.GroupPolicyAllowlist:
		if !matches(cfg.GroupAllowFrom, in.ConversationID, targets.Normalize) {
			return reject("conversation not in group_allow_from")
		}
	}

	if cfg.RequireMention && !in.MentionedBot {
		return reject("bot not mentioned")
	}
	return admit()
}

var entryPrefixes = []string{"dingtalk:", "user:", "userid:"}

// NormalizeEntry strips the dingtalk:, user: and userId: prefixes an
// operator may paste into an allow list.
func NormalizeEntry(entry string) string {
	s := strings.TrimSpace(entry)
	for changed := true; changed; {
		changed = false
		for _, p := range entryPrefixes {
			if len(s) >= len(p) && strings.EqualFold(s[:len(p)], p) {
				s = s[len(p):]
				changed = true
			}
		}
	}
	return s
}

// matches reports whether id appears in list, or list holds "*", after both
// sides pass through norm.
func matches(list []string, id string, norm func(string) string) bool {
	id = norm(id)
	if id == "" {
		return false
	}
	for _, entry := range list {
		e := norm(entry)
		if e == "*" || e == id {
			return true
		}
	}
	return false
}
