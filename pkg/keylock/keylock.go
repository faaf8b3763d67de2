// Package keylock serializes work on overlapping sets of string keys.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrInterrupted is returned when the context ends before every key is held. No key is held when
// it is returned.
var ErrInterrupted = errors.New("key lock interrupted")

// Locker grants exclusive possession of a set of keys.
type Locker interface {
	// Lock blocks until every key is held or ctx is done.
	Lock(ctx context.Context, keys []string) error
	Unlock(ctx context.Context, keys []string)
}

// Normalize sorts and deduplicates keys, dropping empty ones. Every Locker takes keys in this
// order so that two overlapping sets never wait on each other in opposite orders.
func Normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// WithLock runs fn while holding keys.
func WithLock(ctx context.Context, locker Locker, keys []string, fn func() error) error {
	if err := locker.Lock(ctx, keys); err != nil {
		return err
	}
	defer locker.Unlock(ctx, keys)

	return fn()
}

type semaphore struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. Each key maps to a ref-counted semaphore that is dropped once
// nobody holds or waits on it.
type Local struct {
	mu   sync.Mutex
	sems map[string]*semaphore
}

func NewLocal() *Local {
	return &Local{sems: make(map[string]*semaphore)}
}

func (l *Local) Lock(ctx context.Context, keys []string) error {
	keys = Normalize(keys)
	held := make([]string, 0, len(keys))

	for _, key := range keys {
		sem := l.ref(key)

		select {
		case sem.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			l.Unlock(ctx, held)
			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}

	return nil
}

func (l *Local) Unlock(_ context.Context, keys []string) {
	for _, key := range Normalize(keys) {
		l.mu.Lock()
		sem, ok := l.sems[key]
		l.mu.Unlock()
		if !ok {
			continue
		}

		select {
		case <-sem.ch:
			l.unref(key)
		default:
			// not held
		}
	}
}

// Held returns the number of keys currently held.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, sem := range l.sems {
		if len(sem.ch) > 0 {
			n++
		}
	}
	return n
}

func (l *Local) ref(key string) *semaphore {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.sems[key]
	if !ok {
		sem = &semaphore{ch: make(chan struct{}, 1)}
		l.sems[key] = sem
	}
	sem.refs++
	return sem
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.sems[key]
	if !ok {
		return
	}
	sem.refs--
	if sem.refs <= 0 {
		delete(l.sems, key)
	}
}
