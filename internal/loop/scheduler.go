package loop

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs the engine on a jittered cadence with bounded crash
// recovery. Shutdown is observed at the top of each iteration; a running
// tick always completes.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	jitter   time.Duration
	backoff  time.Duration
	maxFails int
	now      func() time.Time
	sleep    func(context.Context, time.Duration) bool
}

func NewScheduler(e *Engine) *Scheduler {
	lc := e.cfg.Loop
	return &Scheduler{
		engine:   e,
		interval: time.Duration(lc.IntervalSeconds) * time.Second,
		jitter:   time.Duration(lc.JitterSeconds) * time.Second,
		backoff:  time.Duration(lc.BackoffCapSeconds) * time.Second,
		maxFails: lc.MaxConsecutiveFailures,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run loops until the context is cancelled or too many consecutive ticks
// fail. It relies on a process supervisor for restart after a clean exit.
func (s *Scheduler) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			log.Info().Msg("shutdown requested, loop exiting")
			return nil
		}

		err := s.safeTick(ctx)
		if err == nil {
			failures = 0
			if !s.sleep(ctx, s.jittered()) {
				return nil
			}
			continue
		}

		failures++
		log.Error().Err(err).Int("consecutive_failures", failures).Msg("tick failed")
		s.engine.RecordFailure(err, failures)
		if s.maxFails > 0 && failures >= s.maxFails {
			return fmt.Errorf("loop: %d consecutive failures, exiting for supervisor restart: %w", failures, err)
		}
		if !s.sleep(ctx, s.backoffFor(failures)) {
			return nil
		}
	}
}

// tickPanicError carries the recovered value and stack of a tick panic so
// the failure branch can attach the traceback to the incident.
type tickPanicError struct {
	value any
	stack []byte
}

func (e *tickPanicError) Error() string { return fmt.Sprintf("tick panic: %v", e.value) }

// safeTick converts a panic into an error so one poisoned bar cannot take
// the process down; the failure branch records the incident.
func (s *Scheduler) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &tickPanicError{value: r, stack: debug.Stack()}
		}
	}()
	return s.engine.TickAll(ctx, s.now())
}

// jittered returns the nominal interval with bounded random skew.
func (s *Scheduler) jittered() time.Duration {
	if s.jitter <= 0 {
		return s.interval
	}
	skew := time.Duration(rand.Int63n(int64(2*s.jitter))) - s.jitter
	return s.interval + skew
}

// backoffFor doubles from the nominal interval per consecutive failure,
// capped by the configured ceiling.
func (s *Scheduler) backoffFor(failures int) time.Duration {
	d := s.interval
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.backoff {
			return s.backoff
		}
	}
	if d > s.backoff {
		return s.backoff
	}
	return d
}
