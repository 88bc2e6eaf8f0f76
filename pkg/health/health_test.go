package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/dingclaw/pkg/bus"
)

func TestTurnMeter_Record(t *testing.T) {
	m := NewTurnMeter()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	m.Record(TurnEvent{SessionKey: "dingtalk:u1", Duration: 1500 * time.Millisecond, Chars: 10, Updates: 3, UsedCard: true, At: at})
	m.Record(TurnEvent{SessionKey: "dingtalk:u1", Duration: 500 * time.Millisecond, Chars: 5, Failed: true, At: at.Add(time.Minute)})
	m.Record(TurnEvent{SessionKey: "dingtalk:u2", Chars: 1, At: at})
	m.RecordRejected("bot not mentioned")
	m.RecordRejected("bot not mentioned")

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Totals.Turns)
	assert.Equal(t, int64(1), snap.Totals.Errors)
	assert.Equal(t, int64(1), snap.Totals.CardTurns)
	assert.Equal(t, int64(2), snap.Totals.FallbackTurns)
	assert.Equal(t, int64(3), snap.Totals.CardUpdates)
	assert.Equal(t, int64(16), snap.Totals.ReplyChars)
	assert.InDelta(t, 2000.0, snap.Totals.TotalLatency, 0.001)
	assert.Equal(t, int64(2), snap.Rejected["bot not mentioned"])

	sess, ok := m.Session("dingtalk:u1")
	require.True(t, ok)
	assert.Equal(t, int64(2), sess.Turns)
	assert.Equal(t, int64(1), sess.Errors)
	assert.Equal(t, at.Add(time.Minute), sess.LastActivity)
}

func TestTurnMeter_SnapshotIsCopy(t *testing.T) {
	m := NewTurnMeter()
	m.Record(TurnEvent{SessionKey: "k", Chars: 1})
	snap := m.Snapshot()
	snap.Sessions["k"].Turns = 99

	sess, _ := m.Session("k")
	assert.Equal(t, int64(1), sess.Turns)
}

func TestTurnMeter_Prune(t *testing.T) {
	m := NewTurnMeter()
	now := time.Now()
	m.Record(TurnEvent{SessionKey: "old", At: now.Add(-2 * time.Hour)})
	m.Record(TurnEvent{SessionKey: "new", At: now})

	assert.Equal(t, 1, m.Prune(now.Add(-time.Hour)))
	_, ok := m.Session("old")
	assert.False(t, ok)
	_, ok = m.Session("new")
	assert.True(t, ok)
}

func TestServer_Health(t *testing.T) {
	s := NewServer("127.0.0.1", 0, NewTurnMeter())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Ready(t *testing.T) {
	s := NewServer("127.0.0.1", 0, nil)
	s.AddCheck("stream", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s.AddCheck("history", func(context.Context) error { return errors.New("redis down") })
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "redis down", body.Checks["history"])
	assert.Equal(t, "ok", body.Checks["stream"])
}

func TestServer_Stats(t *testing.T) {
	meter := NewTurnMeter()
	meter.Record(TurnEvent{SessionKey: "dingtalk:u1", Chars: 4, UsedCard: true})
	s := NewServer("127.0.0.1", 0, meter)
	s.AddGauge("active_sessions", func() int { return 7 })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Gauges map[string]int `json:"gauges"`
		Turns  Snapshot       `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 7, body.Gauges["active_sessions"])
	assert.Equal(t, int64(1), body.Turns.Totals.CardTurns)
	assert.Contains(t, body.Turns.Sessions, "dingtalk:u1")
}

func postSend(s *Server, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body)))
	return rec
}

func TestServer_SendDisabled(t *testing.T) {
	s := NewServer("127.0.0.1", 0, nil)
	rec := postSend(s, `{"chat_id":"cid1","content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SendQueuesOutbound(t *testing.T) {
	mb := bus.NewMessageBusSize(1)
	s := NewServer("127.0.0.1", 0, nil)
	s.SetOutbound(mb.PublishOutbound)

	rec := postSend(s, `{"chat_id":"conv:cidG1","is_group":true,"content":"**build green**","markdown":true,"title":"CI"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	msg, ok := mb.SubscribeOutbound(t.Context())
	require.True(t, ok)
	assert.Equal(t, "conv:cidG1", msg.ChatID)
	assert.True(t, msg.IsGroup)
	assert.True(t, msg.Markdown)
	assert.Equal(t, "CI", msg.Title)
	assert.Equal(t, "**build green**", msg.Content)
}

func TestServer_SendRejects(t *testing.T) {
	mb := bus.NewMessageBusSize(1)
	s := NewServer("127.0.0.1", 0, nil)
	s.SetOutbound(mb.PublishOutbound)

	assert.Equal(t, http.StatusBadRequest, postSend(s, `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, postSend(s, `{"chat_id":" ","content":"hi"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postSend(s, `{"chat_id":"cid1"}`).Code)

	mb.Close()
	assert.Equal(t, http.StatusServiceUnavailable, postSend(s, `{"chat_id":"cid1","content":"hi"}`).Code)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1", 0, nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
