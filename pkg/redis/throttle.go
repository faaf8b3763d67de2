package redis

import (
	"context"
	"time"
)

// Throttle is an upstream back-off shared by every replica. When upstream answers 429 one
// replica blocks the key and all of them wait it out.
type Throttle struct {
	client    *Client
	keyPrefix string
}

func NewThrottle(client *Client, keyPrefix string) *Throttle {
	if keyPrefix == "" {
		keyPrefix = "fern:throttle:"
	}
	return &Throttle{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (t *Throttle) blockKey(key string) string {
	return t.keyPrefix + key + ":block"
}

// BlockFor blocks key for d. A shorter block never shortens a longer one already in place.
func (t *Throttle) BlockFor(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	_, remaining, err := t.Blocked(ctx, key)
	if err != nil {
		return err
	}
	if remaining >= d {
		return nil
	}
	return t.client.Set(ctx, t.blockKey(key), "1", d)
}

// Blocked returns whether key is blocked and for how much longer.
func (t *Throttle) Blocked(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, err := t.client.TTL(ctx, t.blockKey(key))
	if err != nil {
		return false, 0, err
	}
	// go-redis reports a missing key as -2 and a key without expiry as -1
	if ttl <= 0 {
		return ttl == -1, 0, nil
	}
	return true, ttl, nil
}
