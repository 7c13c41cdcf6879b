/*
scheduler.go - Periodic dead-letter replay

PURPOSE:
  Runs Replayer.Replay on a fixed interval so audit records that missed
  the sink during an outage are re-driven without operator action.

DESIGN:
  - One background goroutine per process, ticking at CheckInterval
  - Every instance may run a scheduler; the Redis lock inside Replayer
    lets exactly one of them replay per tick
  - ErrReplayInProgress is expected on the losing instances and logged
    at debug level

USAGE:
  s := NewReplayScheduler(replayer, time.Minute, log)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - replay.go: the replay itself
  - cmd/server/main.go: wiring
*/
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// replayer is the part of *Replayer the scheduler needs.
type replayer interface {
	Replay(ctx context.Context) (ReplayResult, error)
}

// ReplayScheduler drives a Replayer on a ticker.
type ReplayScheduler struct {
	CheckInterval time.Duration

	replayer replayer
	log      *zap.Logger
	ticker   *time.Ticker
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewReplayScheduler creates a scheduler; it does nothing until Start.
func NewReplayScheduler(r replayer, interval time.Duration, log *zap.Logger) *ReplayScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReplayScheduler{
		CheckInterval: interval,
		replayer:      r,
		log:           log,
	}
}

// Start begins ticking. Calling Start twice is a no-op.
func (rs *ReplayScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		return
	}
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.log.Info("dead-letter replay scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop halts the scheduler and waits for an in-flight replay to finish.
func (rs *ReplayScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.log.Info("dead-letter replay scheduler stopped")
}

func (rs *ReplayScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	for {
		select {
		case <-ticker.C:
			rs.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single replay pass.
func (rs *ReplayScheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, rs.CheckInterval)
	defer cancel()

	res, err := rs.replayer.Replay(ctx)
	switch {
	case errors.Is(err, ErrReplayInProgress):
		rs.log.Debug("dead-letter replay held by another instance")
	case err != nil:
		rs.log.Error("dead-letter replay failed", zap.Error(err))
	case res.Failed > 0:
		rs.log.Warn("dead-letter replay incomplete", zap.Int("replayed", res.Replayed), zap.Int("failed", res.Failed))
	}
}
