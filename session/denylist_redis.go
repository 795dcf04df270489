package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDenylistPrefix = "turnstile:revoked:"

// RedisDenylist shares revocations across processes. Each entry is a
// key that Redis expires at the revoked token's own expiry.
type RedisDenylist struct {
	client redis.UniversalClient
}

func NewRedisDenylist(client redis.UniversalClient) *RedisDenylist {
	return &RedisDenylist{client: client}
}

func (d *RedisDenylist) Revoke(ctx context.Context, sessionID string, until time.Time) error {
	if !until.After(time.Now()) {
		return nil
	}
	err := d.client.SetArgs(ctx, redisDenylistPrefix+sessionID, "1", redis.SetArgs{ExpireAt: until}).Err()
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

func (d *RedisDenylist) Revoked(ctx context.Context, sessionID string) (bool, error) {
	err := d.client.Get(ctx, redisDenylistPrefix+sessionID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking revocation: %w", err)
	}
	return true, nil
}
