package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/schedule-engine/schedule"
)

// DeadLetter is a record the dispatcher gave up on.
type DeadLetter struct {
	Record   schedule.AuditRecord `json:"record"`
	Reason   string               `json:"reason"`
	Attempts int                  `json:"attempts"`
	FailedAt time.Time            `json:"failed_at"`

	// handle identifies the letter inside the store's pending set.
	handle string
}

// DeadLetters is a FIFO of undelivered records. Take does not delete: a taken
// letter stays pending until Ack, so a replayer that dies mid-batch loses
// nothing. Restore returns orphaned pending letters to the head of the queue.
type DeadLetters interface {
	Put(ctx context.Context, dl DeadLetter) error
	// Take moves up to n letters, oldest first, into the pending set.
	Take(ctx context.Context, n int) ([]DeadLetter, error)
	Ack(ctx context.Context, dl DeadLetter) error
	Restore(ctx context.Context) (int, error)
	Len(ctx context.Context) (int64, error)
}

// =============================================================================
// MEMORY
// =============================================================================

type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
	pending []DeadLetter
	seq     int
}

func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

func (m *MemoryDeadLetters) Put(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	dl.handle = strconv.Itoa(m.seq)
	m.letters = append(m.letters, dl)
	return nil
}

func (m *MemoryDeadLetters) Take(_ context.Context, n int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.letters) {
		n = len(m.letters)
	}
	out := append([]DeadLetter(nil), m.letters[:n]...)
	m.letters = m.letters[n:]
	m.pending = append(m.pending, out...)
	return out, nil
}

func (m *MemoryDeadLetters) Ack(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.pending {
		if p.handle == dl.handle {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryDeadLetters) Restore(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	m.letters = append(m.pending, m.letters...)
	m.pending = nil
	return n, nil
}

func (m *MemoryDeadLetters) Len(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.letters)), nil
}

// =============================================================================
// REDIS - RPUSH to add; LMOVE into <key>:pending to take; LREM to ack
// =============================================================================

const DefaultDeadLetterKey = "schedule:audit:deadletter"

type RedisDeadLetters struct {
	rdb     *redis.Client
	key     string
	pending string
}

func NewRedisDeadLetters(rdb *redis.Client, key string) *RedisDeadLetters {
	if key == "" {
		key = DefaultDeadLetterKey
	}
	return &RedisDeadLetters{rdb: rdb, key: key, pending: key + ":pending"}
}

func (r *RedisDeadLetters) Put(ctx context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return r.rdb.RPush(ctx, r.key, b).Err()
}

func (r *RedisDeadLetters) Take(ctx context.Context, n int) ([]DeadLetter, error) {
	out := make([]DeadLetter, 0, n)
	for len(out) < n {
		v, err := r.rdb.LMove(ctx, r.key, r.pending, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, err
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(v), &dl); err != nil {
			return out, fmt.Errorf("decode dead letter: %w", err)
		}
		dl.handle = v
		out = append(out, dl)
	}
	return out, nil
}

func (r *RedisDeadLetters) Ack(ctx context.Context, dl DeadLetter) error {
	return r.rdb.LRem(ctx, r.pending, 1, dl.handle).Err()
}

// Restore moves pending letters back in their original order. Callers hold
// the replay lock, so anything pending belongs to a replayer that died.
func (r *RedisDeadLetters) Restore(ctx context.Context) (int, error) {
	n := 0
	for {
		err := r.rdb.LMove(ctx, r.pending, r.key, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (r *RedisDeadLetters) Len(ctx context.Context) (int64, error) {
	return r.rdb.LLen(ctx, r.key).Result()
}
