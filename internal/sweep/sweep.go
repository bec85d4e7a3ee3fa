// Package sweep runs periodic expiry sweeps for the credential and
// session stores, off the request-serving path.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Func removes expired entries and reports how many went.
type Func func(ctx context.Context) (int, error)

// Sweeper owns one background goroutine calling a Func on a fixed
// interval. The zero value and sweepers started with a non-positive
// interval do nothing; Stop is always safe.
type Sweeper struct {
	name     string
	interval time.Duration
	fn       Func
	logger   *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start launches a sweeper. When interval <= 0 no goroutine is started
// and expiry is left to explicit calls.
func Start(name string, interval time.Duration, fn Func, logger *slog.Logger) *Sweeper {
	s := &Sweeper{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}

	if interval <= 0 {
		logger.Debug("sweep disabled", slog.String("store", name))
		return s
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop()

	return s
}

// Running reports whether a background goroutine was started.
func (s *Sweeper) Running() bool {
	return s != nil && s.stop != nil
}

// Stop terminates the background goroutine and waits for an in-flight
// sweep to return.
func (s *Sweeper) Stop() {
	if !s.Running() {
		return
	}

	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *Sweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunOnce performs a single sweep synchronously. Errors are logged and
// swallowed so the next tick still runs.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.fn(ctx)
	if err != nil {
		s.logger.Warn("sweep failed",
			slog.String("store", s.name),
			slog.String("error", err.Error()),
		)
	}

	if n > 0 {
		s.logger.Debug("sweep removed expired entries",
			slog.String("store", s.name),
			slog.Int("removed", n),
		)
	}

	return n
}
