package health

import (
	"maps"
	"sync"
	"time"
)

// TurnEvent describes one finished turn.
type TurnEvent struct {
	SessionKey string
	Duration   time.Duration
	Chars      int
	Updates    int
	UsedCard   bool
	Failed     bool
	At         time.Time
}

// TurnMeter aggregates turn outcomes overall and per session.
type TurnMeter struct {
	mu       sync.RWMutex
	totals   Totals
	rejected map[string]int64
	sessions map[string]*SessionMeter
}

// Totals are bridge-wide counters.
type Totals struct {
	Turns         int64   `json:"turns"`
	Errors        int64   `json:"errors"`
	CardTurns     int64   `json:"card_turns"`
	FallbackTurns int64   `json:"fallback_turns"`
	CardUpdates   int64   `json:"card_updates"`
	ReplyChars    int64   `json:"reply_chars"`
	TotalLatency  float64 `json:"total_latency_ms"`
}

// SessionMeter tracks one session.
type SessionMeter struct {
	SessionKey   string    `json:"session_key"`
	Turns        int64     `json:"turns"`
	Errors       int64     `json:"errors"`
	ReplyChars   int64     `json:"reply_chars"`
	Duration     float64   `json:"duration_ms"`
	LastActivity time.Time `json:"last_activity"`
}

// Snapshot is a point-in-time copy of the meter.
type Snapshot struct {
	Totals   Totals                   `json:"totals"`
	Rejected map[string]int64         `json:"rejected,omitempty"`
	Sessions map[string]*SessionMeter `json:"sessions"`
}

func NewTurnMeter() *TurnMeter {
	return &TurnMeter{
		rejected: make(map[string]int64),
		sessions: make(map[string]*SessionMeter),
	}
}

// Record adds a finished turn.
func (m *TurnMeter) Record(ev TurnEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(ev.Duration) / float64(time.Millisecond)

	m.totals.Turns++
	m.totals.CardUpdates += int64(ev.Updates)
	m.totals.ReplyChars += int64(ev.Chars)
	m.totals.TotalLatency += ms
	if ev.UsedCard {
		m.totals.CardTurns++
	} else {
		m.totals.FallbackTurns++
	}
	if ev.Failed {
		m.totals.Errors++
	}

	if ev.SessionKey == "" {
		return
	}
	sess, ok := m.sessions[ev.SessionKey]
	if !ok {
		sess = &SessionMeter{SessionKey: ev.SessionKey}
		m.sessions[ev.SessionKey] = sess
	}
	sess.Turns++
	sess.ReplyChars += int64(ev.Chars)
	sess.Duration += ms
	if ev.Failed {
		sess.Errors++
	}
	if ev.At.After(sess.LastActivity) {
		sess.LastActivity = ev.At
	}
}

// RecordRejected counts a message the policy gate dropped.
func (m *TurnMeter) RecordRejected(reason string) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

// Session returns a copy of the meter for sessionKey.
func (m *TurnMeter) Session(sessionKey string) (SessionMeter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey]
	if !ok {
		return SessionMeter{}, false
	}
	return *s, true
}

// Snapshot returns a deep copy safe to encode while turns keep running.
func (m *TurnMeter) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Totals:   m.totals,
		Rejected: maps.Clone(m.rejected),
		Sessions: make(map[string]*SessionMeter, len(m.sessions)),
	}
	for k, v := range m.sessions {
		cp := *v
		snap.Sessions[k] = &cp
	}
	return snap
}

// Prune drops session meters idle since before cutoff and returns how many
// were removed.
func (m *TurnMeter) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, v := range m.sessions {
		if v.LastActivity.Before(cutoff) {
			delete(m.sessions, k)
			n++
		}
	}
	return n
}
