package mailbox

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dom-kom12/backende/internal/metrics"
)

// Sweeper runs SweepTrash periodically. Sweeps never overlap: a sweep
// requested while one is running is skipped.
type Sweeper struct {
	engine   *Engine
	window   time.Duration
	interval time.Duration
	log      *slog.Logger
	running  atomic.Bool
}

func NewSweeper(engine *Engine, window, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{engine: engine, window: window, interval: interval, log: logger}
}

// Sweep runs one sweep unless another is in progress. It reports whether it
// ran.
func (s *Sweeper) Sweep(ctx context.Context) (purged int, ran bool, err error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SweepSkippedInc()
		s.log.Info("retention sweep still running, skipping")
		return 0, false, nil
	}
	defer s.running.Store(false)

	purged, err = s.engine.SweepTrash(ctx, s.window)
	if err != nil {
		return 0, true, err
	}
	if purged > 0 {
		s.log.Info("retention sweep purged messages", "count", purged, "window", s.window)
	}
	return purged, true, nil
}

// Run sweeps immediately and then every interval, until ctx is canceled.
// Each sweep runs in its own goroutine, so a slow sweep delays none of the
// following ticks; those are skipped instead.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		go s.sweepSafe(ctx)

		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweepSafe(ctx context.Context) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		s.log.Error("unhandled panic in retention sweep", "err", x)
		debug.PrintStack()
	}()

	if _, _, err := s.Sweep(ctx); err != nil {
		s.log.Error("retention sweep", "error", err)
	}
}
