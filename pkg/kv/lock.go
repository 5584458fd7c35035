package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:msg:"

// releaseScript deletes the lock only while the caller still holds it, so a
// worker whose lock expired cannot delete a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// Lock is a single-use distributed lock with token-authenticated release.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// AcquireLock claims lock:msg:<id> for ttl. ok=false without error means
// another holder owns it — the duplicate-delivery case.
func AcquireLock(ctx context.Context, client *redis.Client, id string, ttl time.Duration) (lock *Lock, ok bool, err error) {
	key := lockPrefix + id
	token := uuid.NewString()

	ok, err = client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: client, key: key, token: token}, true, nil
}

// Release frees the lock if this instance still holds it. A lock that
// expired and was re-acquired elsewhere is left untouched.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
