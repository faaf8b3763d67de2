package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/keylock"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when trying to release a lock not held
	ErrLockNotHeld = errors.New("lock not held")
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Lock is a held distributed lock. Its value is a token only the holder knows.
type Lock struct {
	client *Client
	key    string
	value  string
	ttl    time.Duration
}

// Locker provides distributed locking operations
type Locker struct {
	client    *Client
	keyPrefix string
}

// NewLocker creates a new Locker
func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "fern:lock:"
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Acquire attempts to acquire a lock once
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	defer observe("lock_acquire", time.Now())

	lockKey := l.keyPrefix + key
	lockValue := uuid.New().String()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)

	return &Lock{
		client: l.client,
		key:    lockKey,
		value:  lockValue,
		ttl:    ttl,
	}, nil
}

// AcquireWait retries Acquire with capped exponential backoff until the lock is held or ctx is
// done.
func (l *Locker) AcquireWait(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	backoff := 10 * time.Millisecond

	for {
		lock, err := l.Acquire(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
	}
}

// Release releases the lock if it is still ours
func (lock *Lock) Release(ctx context.Context) error {
	defer observe("lock_release", time.Now())

	result, err := releaseScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	lock.client.logger.WithContext(ctx).Debugf("Released lock: %s", lock.key)
	return nil
}

// Extend resets the lock's TTL if it is still ours
func (lock *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	lock.ttl = ttl
	return nil
}

// DefaultKeyTTL bounds how long a crashed replica can keep an entity locked
const DefaultKeyTTL = 2 * time.Minute

// KeyLocker is a keylock.Locker shared by every replica. Keys are acquired in normalized order;
// held keys are extended in the background until they are unlocked.
type KeyLocker struct {
	locker *Locker
	ttl    time.Duration

	mu   sync.Mutex
	held map[string]*Lock

	once    sync.Once
	started bool
	stop    chan struct{}
	done    chan struct{}
}

var _ keylock.Locker = (*KeyLocker)(nil)

func NewKeyLocker(client *Client, ttl time.Duration) *KeyLocker {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &KeyLocker{
		locker: NewLocker(client, "fern:keylock:"),
		ttl:    ttl,
		held:   make(map[string]*Lock),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (k *KeyLocker) Lock(ctx context.Context, keys []string) error {
	k.once.Do(func() {
		k.mu.Lock()
		k.started = true
		k.mu.Unlock()
		go k.extendLoop()
	})

	keys = keylock.Normalize(keys)
	acquired := make([]string, 0, len(keys))

	for _, key := range keys {
		lock, err := k.locker.AcquireWait(ctx, key, k.ttl)
		if err != nil {
			k.Unlock(context.WithoutCancel(ctx), acquired)
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", keylock.ErrInterrupted, err)
			}
			return fmt.Errorf("lock %s: %w", key, err)
		}

		k.mu.Lock()
		k.held[key] = lock
		k.mu.Unlock()
		acquired = append(acquired, key)
	}

	return nil
}

func (k *KeyLocker) Unlock(ctx context.Context, keys []string) {
	for _, key := range keylock.Normalize(keys) {
		k.mu.Lock()
		lock, ok := k.held[key]
		delete(k.held, key)
		k.mu.Unlock()
		if !ok {
			continue
		}

		if err := lock.Release(ctx); err != nil {
			k.locker.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to release key lock %s", key)
		}
	}
}

// Held returns the number of keys this replica holds
func (k *KeyLocker) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.held)
}

// Close stops extending held keys. Keys still held expire with their TTL.
func (k *KeyLocker) Close() {
	// no loop may start after Close
	k.once.Do(func() {})

	k.mu.Lock()
	started := k.started
	k.mu.Unlock()

	select {
	case <-k.stop:
		return
	default:
		close(k.stop)
	}
	if started {
		<-k.done
	}
}

func (k *KeyLocker) extendLoop() {
	defer close(k.done)

	ticker := time.NewTicker(k.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			k.mu.Lock()
			locks := make([]*Lock, 0, len(k.held))
			for _, lock := range k.held {
				locks = append(locks, lock)
			}
			k.mu.Unlock()

			for _, lock := range locks {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := lock.Extend(ctx, k.ttl); err != nil {
					k.locker.client.logger.WithError(err).Warnf("Failed to extend key lock %s", lock.key)
				}
				cancel()
			}
		}
	}
}
