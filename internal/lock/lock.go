// Package lock serializes work on a key, within one process (Local) or
// across instances (Redis).
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock not obtained")

// Locker acquires an exclusive hold on key. The returned release func must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is a keyed mutex. Entries are dropped once nobody holds or waits on them.
type Local struct {
	mu   sync.Mutex
	keys map[string]*entry
}

func NewLocal() *Local { return &Local{keys: make(map[string]*entry)} }

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, e)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.drop(key, e)
		})
	}, nil
}

func (l *Local) drop(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
}

// Redis holds a short-lived lock in Redis. Release uses a detached context so
// a cancelled run still frees its keys.
type Redis struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

type RedisOption func(*Redis)

// WithTTL sets how long a lock survives a crashed holder.
func WithTTL(d time.Duration) RedisOption { return func(r *Redis) { r.ttl = d } }

// WithWait bounds how long Acquire retries before giving up.
func WithWait(d time.Duration) RedisOption { return func(r *Redis) { r.wait = d } }

func WithPrefix(p string) RedisOption { return func(r *Redis) { r.prefix = p } }

func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: redislock.New(rdb),
		prefix: "ledgerlink:lock:",
		ttl:    time.Minute,
		wait:   10 * time.Second,
		retry:  100 * time.Millisecond,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()
	l, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer rcancel()
			_ = l.Release(rctx)
		})
	}, nil
}

// Chain acquires each locker in order and releases in reverse.
type Chain []Locker

func (c Chain) Acquire(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	undo := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		rel, err := l.Acquire(ctx, key)
		if err != nil {
			undo()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return undo, nil
}
