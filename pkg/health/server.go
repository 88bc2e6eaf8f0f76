// Package health serves liveness, readiness and turn statistics for the
// running bridge.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinyland-inc/dingclaw/pkg/bus"
	"github.com/tinyland-inc/dingclaw/pkg/logger"
)

const maxSendBody = 1 << 20

// Check reports nil when a dependency is ready.
type Check func(ctx context.Context) error

// Publisher queues a bridge-initiated message, normally
// (*bus.MessageBus).PublishOutbound.
type Publisher func(ctx context.Context, msg bus.OutboundMessage) error

// Server exposes /health, /ready and /stats, and POST /send when a
// publisher is set.
type Server struct {
	addr    string
	meter   *TurnMeter
	started time.Time

	mu       sync.RWMutex
	checks   map[string]Check
	gauges   map[string]func() int
	outbound Publisher

	srv *http.Server
}

func NewServer(host string, port int, meter *TurnMeter) *Server {
	return &Server{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		meter:   meter,
		started: time.Now(),
		checks:  make(map[string]Check),
		gauges:  make(map[string]func() int),
	}
}

// AddCheck registers a readiness check. A later check with the same name
// replaces the earlier one.
func (s *Server) AddCheck(name string, c Check) {
	s.mu.Lock()
	s.checks[name] = c
	s.mu.Unlock()
}

// AddGauge registers a value reported under /stats.
func (s *Server) AddGauge(name string, g func() int) {
	s.mu.Lock()
	s.gauges[name] = g
	s.mu.Unlock()
}

// SetOutbound enables POST /send.
func (s *Server) SetOutbound(p Publisher) {
	s.mu.Lock()
	s.outbound = p
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /send", s.handleSend)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("health", "Health server listening", map[string]any{"addr": s.addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("health server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	body := map[string]any{"status": "ready", "checks": results}
	if status != http.StatusOK {
		body["status"] = "not ready"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	gauges := make(map[string]int, len(s.gauges))
	for name, g := range s.gauges {
		gauges[name] = g()
	}
	s.mu.RUnlock()

	body := map[string]any{"gauges": gauges}
	if s.meter != nil {
		body["turns"] = s.meter.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	publish := s.outbound
	s.mu.RUnlock()
	if publish == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "outbound sends disabled"})
		return
	}

	var msg bus.OutboundMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(msg.ChatID) == "" || msg.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id and content are required"})
		return
	}

	if err := publish(r.Context(), msg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, bus.ErrBusClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	logger.InfoCF("health", "Queued outbound message", map[string]any{
		"chat_id":  msg.ChatID,
		"is_group": msg.IsGroup,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.DebugCF("health", "Writing response", map[string]any{"error": err.Error()})
	}
}
