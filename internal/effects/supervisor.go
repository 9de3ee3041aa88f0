package effects

import (
	"context"
	"fmt"
	"runtime/debug"

	"taskpilot/internal/logging"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs fire-and-forget background effects (notifications, sheet
// appends) with a concurrency cap. Panics are captured and logged; a failed
// background effect never takes the process down. Shutdown waits for
// in-flight work.
type Supervisor struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates a supervisor with at most limit concurrent effects.
func NewSupervisor(parent context.Context, limit int) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	return &Supervisor{group: g, ctx: ctx, cancel: cancel}
}

// Go schedules fn in the background. Errors and panics are logged and
// swallowed so one bad effect cannot cancel its siblings.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logging.Get(logging.CategoryEffects).Error("background effect %s panicked: %v\n%s", name, r, debug.Stack())
				err = nil
			}
		}()
		if err := fn(s.ctx); err != nil {
			logging.Get(logging.CategoryEffects).Warn("background effect %s failed: %v", name, err)
		}
		return nil
	})
}

// Shutdown cancels pending context and waits for in-flight effects.
func (s *Supervisor) Shutdown() error {
	s.cancel()
	if err := s.group.Wait(); err != nil {
		return fmt.Errorf("background effects finished with error: %w", err)
	}
	return nil
}
