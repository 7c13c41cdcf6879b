/*
Package audit is the asynchronous side-channel that carries audit records
from the engine to their sink.

PURPOSE:
  The engine calls Emit after every committed transition. Emit never blocks
  and never fails: a record either enters the bounded queue or, when the
  queue is full, goes straight to the dead-letter store. A single worker
  drains the queue and writes each record to the Sink, retrying with
  exponential backoff.

DELIVERY:
  attempt 1 .. MaxAttempts:  sink.Write
  between attempts:          InitialBackoff * 2^(n-1), capped at MaxBackoff
  after MaxAttempts:         dead letter (logged at Error)

  Dead letters are re-driven later by a Replayer (replay.go), which holds
  a Redis lock so only one instance replays at a time.

SEE ALSO:
  - schedule/audit.go: AuditRecord and the AuditEmitter port
  - deadletter.go:     memory and Redis dead-letter stores
*/
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/warp/schedule-engine/schedule"
	"go.uber.org/zap"
)

// deadLetterTimeout bounds the dead-letter write Emit does on a full queue.
const deadLetterTimeout = 2 * time.Second

// Sink persists one audit record.
type Sink interface {
	Write(ctx context.Context, rec schedule.AuditRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec schedule.AuditRecord) error

func (f SinkFunc) Write(ctx context.Context, rec schedule.AuditRecord) error { return f(ctx, rec) }

type Config struct {
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      1024,
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Backoff is the wait after the given failed attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff || d <= 0 {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher implements schedule.AuditEmitter.
type Dispatcher struct {
	sink Sink
	dead DeadLetters
	cfg  Config
	log  *zap.Logger

	mu       sync.RWMutex
	closed   bool
	queue    chan schedule.AuditRecord
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func NewDispatcher(sink Sink, dead DeadLetters, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		sink:  sink,
		dead:  dead,
		cfg:   cfg,
		log:   log.Named("audit"),
		queue: make(chan schedule.AuditRecord, cfg.QueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	go d.run()
}

// Emit enqueues rec without blocking.
func (d *Dispatcher) Emit(rec schedule.AuditRecord) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.deadLetter(rec, "dispatcher closed", 0)
		return
	}
	select {
	case d.queue <- rec:
	default:
		d.deadLetter(rec, "queue full", 0)
	}
}

// Close stops accepting records and waits for the queue to drain. When ctx
// ends first, records still retrying are dead-lettered.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.quitOnce.Do(func() { close(d.quit) })
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	// sink writes are cancelled once Close gives up waiting
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	for rec := range d.queue {
		d.deliver(ctx, rec)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec schedule.AuditRecord) {
	for attempt := 1; ; attempt++ {
		err := d.sink.Write(ctx, rec)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			d.deadLetter(rec, "shutdown: "+err.Error(), attempt)
			return
		}
		if attempt >= d.cfg.MaxAttempts {
			d.log.Error("audit record dead-lettered",
				zap.String("record_id", rec.ID),
				zap.String("action", string(rec.Action)),
				zap.Int("attempts", attempt),
				zap.Error(err))
			d.deadLetter(rec, err.Error(), attempt)
			return
		}
		wait := d.cfg.Backoff(attempt)
		d.log.Warn("audit write failed, retrying",
			zap.String("record_id", rec.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-d.quit:
			timer.Stop()
			d.deadLetter(rec, "shutdown: "+err.Error(), attempt)
			return
		}
	}
}

func (d *Dispatcher) deadLetter(rec schedule.AuditRecord, reason string, attempts int) {
	ctx, cancel := context.WithTimeout(context.Background(), deadLetterTimeout)
	defer cancel()
	dl := DeadLetter{Record: rec, Reason: reason, Attempts: attempts, FailedAt: time.Now().UTC()}
	if err := d.dead.Put(ctx, dl); err != nil {
		// nowhere left to put it
		d.log.Error("audit record dropped",
			zap.String("record_id", rec.ID),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

var _ schedule.AuditEmitter = (*Dispatcher)(nil)

// =============================================================================
// SINKS
// =============================================================================

// LogSink writes records to a structured log stream.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Write(_ context.Context, rec schedule.AuditRecord) error {
	s.Log.Info("audit",
		zap.String("id", rec.ID),
		zap.String("tenant_id", rec.TenantID),
		zap.String("actor_user_id", rec.ActorUserID),
		zap.String("entity_type", rec.EntityType),
		zap.String("entity_id", rec.EntityID),
		zap.String("action", string(rec.Action)),
		zap.ByteString("before", rec.Before),
		zap.ByteString("after", rec.After),
		zap.String("reason", rec.Reason),
		zap.String("request_path", rec.RequestPath),
		zap.String("ip_address", rec.IPAddress),
		zap.Time("occurred_at", rec.OccurredAt),
	)
	return nil
}
