// Package lock guards broadcast runs across processes with Redis leases.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLost means the lease expired or was taken by another holder.
var ErrLost = errors.New("lock: lease lost")

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RunLocker holds at most one lease per owner id. Each process gets its own
// random token, so a lease is only released or extended by its holder.
type RunLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[int64]string
}

func NewRunLocker(client *redis.Client, prefix string, ttl time.Duration) *RunLocker {
	if prefix == "" {
		prefix = "adsbot:run:"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RunLocker{client: client, prefix: prefix, ttl: ttl, tokens: map[int64]string{}}
}

func (l *RunLocker) TTL() time.Duration { return l.ttl }

func (l *RunLocker) key(owner int64) string {
	return l.prefix + strconv.FormatInt(owner, 10)
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Acquire takes the owner's lease. It returns false when another holder has it.
func (l *RunLocker) Acquire(ctx context.Context, owner int64) (bool, error) {
	tok := newToken()
	ok, err := l.client.SetNX(ctx, l.key(owner), tok, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %d: %w", owner, err)
	}
	if ok {
		l.mu.Lock()
		l.tokens[owner] = tok
		l.mu.Unlock()
	}
	return ok, nil
}

func (l *RunLocker) token(owner int64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[owner]
	return t, ok
}

// Extend refreshes the lease TTL. ErrLost means it is no longer ours.
func (l *RunLocker) Extend(ctx context.Context, owner int64) error {
	tok, ok := l.token(owner)
	if !ok {
		return ErrLost
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key(owner)}, tok, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lock: extend %d: %w", owner, err)
	}
	if n == 0 {
		l.mu.Lock()
		delete(l.tokens, owner)
		l.mu.Unlock()
		return ErrLost
	}
	return nil
}

// Release drops the lease if still held. Releasing an unknown owner is a no-op.
func (l *RunLocker) Release(ctx context.Context, owner int64) error {
	l.mu.Lock()
	tok, ok := l.tokens[owner]
	delete(l.tokens, owner)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key(owner)}, tok).Err(); err != nil {
		return fmt.Errorf("lock: release %d: %w", owner, err)
	}
	return nil
}
