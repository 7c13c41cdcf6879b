package audit

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"
)

// ErrReplayInProgress means another instance holds the replay lock.
var ErrReplayInProgress = errors.New("dead-letter replay already in progress")

const DefaultReplayLockKey = "schedule:audit:replay"

// Replayer re-drives dead letters into the sink. The Redis lock makes it
// safe to schedule on every instance.
type Replayer struct {
	Locker  *redislock.Client
	Dead    DeadLetters
	Sink    Sink
	LockKey string
	LockTTL time.Duration
	Batch   int
	Log     *zap.Logger
}

type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Replay drains up to Batch letters once. Letters that fail again are put
// back with their attempt count bumped. A letter is acknowledged only after
// its write or requeue, so a crash mid-batch leaves it pending for Restore.
func (r *Replayer) Replay(ctx context.Context) (ReplayResult, error) {
	key := r.LockKey
	if key == "" {
		key = DefaultReplayLockKey
	}
	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	batch := r.Batch
	if batch <= 0 {
		batch = 100
	}
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	lock, err := r.Locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ReplayResult{}, ErrReplayInProgress
	}
	if err != nil {
		return ReplayResult{}, err
	}
	defer func() {
		_ = lock.Release(context.Background())
	}()

	if n, err := r.Dead.Restore(ctx); err != nil {
		return ReplayResult{}, err
	} else if n > 0 {
		log.Warn("restored dead letters left pending by an earlier replay", zap.Int("count", n))
	}

	letters, err := r.Dead.Take(ctx, batch)
	if err != nil {
		return ReplayResult{}, err
	}
	var res ReplayResult
	for _, dl := range letters {
		if werr := r.Sink.Write(ctx, dl.Record); werr != nil {
			res.Failed++
			retry := dl
			retry.Attempts++
			retry.Reason = werr.Error()
			retry.FailedAt = time.Now().UTC()
			if perr := r.Dead.Put(ctx, retry); perr != nil {
				// leave it pending; the next replay restores it
				log.Error("dead letter requeue failed", zap.String("record_id", dl.Record.ID), zap.Error(perr))
				continue
			}
		} else {
			res.Replayed++
		}
		if aerr := r.Dead.Ack(ctx, dl); aerr != nil {
			log.Error("dead letter ack failed", zap.String("record_id", dl.Record.ID), zap.Error(aerr))
		}
	}
	log.Info("audit dead letters replayed", zap.Int("replayed", res.Replayed), zap.Int("failed", res.Failed))
	return res, nil
}
