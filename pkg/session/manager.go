// Package session maps DingTalk senders onto upstream session keys and
// keeps per-session conversation history.
package session

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinyland-inc/dingclaw/pkg/logger"
)

const (
	DefaultTimeout = 30 * time.Minute
	keyPrefix      = "dingtalk:"
)

// Info is the result of resolving a sender's session. IsNew tells the
// caller to drop any cached history for SessionKey.
type Info struct {
	SessionKey string
	IsNew      bool
}

type entry struct {
	key          string
	lastActivity time.Time
}

// Manager tracks one active session per sender. It is safe for concurrent
// use.
type Manager struct {
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	// lastMinted holds the last timestamp used in a regenerated key per
	// sender so keys stay unique even within one millisecond.
	lastMinted map[string]int64
}

type Option func(*Manager)

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		timeout:    DefaultTimeout,
		now:        time.Now,
		sessions:   make(map[string]*entry),
		lastMinted: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Timeout() time.Duration { return m.timeout }

// Resolve returns the session for senderID. A sender seen for the first time
// gets the stable key dingtalk:<sender>; forceNew or an idle timeout mint
// dingtalk:<sender>:<unixMillis>.
func (m *Manager) Resolve(senderID string, forceNew bool) Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if forceNew {
		key := m.mintLocked(senderID, now)
		m.sessions[senderID] = &entry{key: key, lastActivity: now}
		logger.InfoCF("session", "Created new session", map[string]any{
			"sender":      senderID,
			"session_key": key,
		})
		return Info{SessionKey: key, IsNew: true}
	}

	existing, ok := m.sessions[senderID]
	if !ok {
		key := keyPrefix + senderID
		m.sessions[senderID] = &entry{key: key, lastActivity: now}
		logger.InfoCF("session", "Created initial session", map[string]any{
			"sender":      senderID,
			"session_key": key,
		})
		return Info{SessionKey: key, IsNew: true}
	}

	if elapsed := now.Sub(existing.lastActivity); elapsed > m.timeout {
		key := m.mintLocked(senderID, now)
		m.sessions[senderID] = &entry{key: key, lastActivity: now}
		logger.InfoCF("session", "Session timed out, created new", map[string]any{
			"sender":      senderID,
			"idle":        elapsed.Truncate(time.Second).String(),
			"session_key": key,
		})
		return Info{SessionKey: key, IsNew: true}
	}

	existing.lastActivity = now
	return Info{SessionKey: existing.key}
}

func (m *Manager) mintLocked(senderID string, now time.Time) string {
	ts := now.UnixMilli()
	if last := m.lastMinted[senderID]; ts <= last {
		ts = last + 1
	}
	m.lastMinted[senderID] = ts
	return keyPrefix + senderID + ":" + strconv.FormatInt(ts, 10)
}

// ActiveCount drops expired sessions and returns how many remain. Like
// Sweep, it makes a returning sender start again at the stable key.
func (m *Manager) ActiveCount() int {
	m.Sweep()
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions idle for longer than the timeout and returns the
// number removed. A swept sender's next message resolves to the stable key
// dingtalk:<sender> again, reusing any history still stored under it; the
// caller resets history because Resolve reports IsNew.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for sender, e := range m.sessions {
		if now.Sub(e.lastActivity) > m.timeout {
			delete(m.sessions, sender)
			removed++
		}
	}
	return removed
}

// Clear forgets every session.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()
	logger.InfoC("session", "All sessions cleared")
}

var resetCommands = []string{"/new", "/reset", "/clear", "新会话", "重新开始", "清空对话"}

// IsNewSessionCommand reports whether text asks for a fresh conversation.
func IsNewSessionCommand(text string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	for _, cmd := range resetCommands {
		if trimmed == cmd {
			return true
		}
	}
	return false
}
