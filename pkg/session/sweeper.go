package session

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tinyland-inc/dingclaw/pkg/logger"
)

// Sweeper evicts idle sessions on a cron schedule.
type Sweeper struct {
	manager *Manager
	expr    string
	now     func() time.Time
}

// NewSweeper validates expr, a five-field cron expression.
func NewSweeper(manager *Manager, expr string) (*Sweeper, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("session: invalid sweep cron %q", expr)
	}
	return &Sweeper{manager: manager, expr: expr, now: time.Now}, nil
}

// Next returns the first tick strictly after ref.
func (s *Sweeper) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, ref, false)
}

// Run sweeps at each tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return fmt.Errorf("session: next sweep: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if removed := s.manager.Sweep(); removed > 0 {
			logger.DebugCF("session", "Swept idle sessions", map[string]any{"removed": removed})
		}
	}
}
