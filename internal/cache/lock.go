package cache

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// Locker is a best-effort mutual exclusion across replicas sharing one
// cache tree. Publishing stays correct without it; it only saves duplicate
// synthesis.
type Locker interface {
	// TryLock returns a release func when the lock was taken, or
	// acquired=false when someone else holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// RedisLocker implements Locker with SET NX and a compare-and-delete release.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker. Keys are stored as prefix+key.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "audiovault:synth:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// releaseScript deletes the lock only if it still carries our token, so an
// expired lock re-taken by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token, err := uuid.NewV4()
	if err != nil {
		return nil, false, err
	}
	name := l.prefix + key

	ok, err := l.client.SetNX(ctx, name, token.String(), ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// On failure the TTL frees it.
		_ = releaseScript.Run(ctx, l.client, []string{name}, token.String()).Err()
	}
	return release, true, nil
}

// Ping checks the connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ Locker = (*RedisLocker)(nil)
