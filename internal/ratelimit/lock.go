package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseIfOwner deletes the key only while it still holds our token, so an
// expired lease never frees a lock another caller has since taken.
const releaseIfOwner = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockHeld          = errors.New("lock held by another caller")
	errLockNotConfigured = errors.New("lock client not configured")
)

// Lease is an acquired lock. It expires on its own after the ttl passed to
// Lock.
type Lease struct {
	key    string
	token  string
	locker *Locker
}

// Locker hands out single-holder leases on Redis keys.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseIfOwner),
	}
}

// Lock takes key for ttl. ErrLockHeld means another caller owns it; any other
// error comes from Redis.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	switch {
	case l == nil || l.client == nil:
		return nil, errLockNotConfigured
	case key == "":
		return nil, errors.New("lock key is empty")
	case ttl <= 0:
		return nil, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{key: key, token: token, locker: l}, nil
}

// Release gives the lease up early. Releasing a nil or expired lease is a
// no-op.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil {
		return nil
	}
	return le.locker.release.Run(ctx, le.locker.client, []string{le.key}, le.token).Err()
}
