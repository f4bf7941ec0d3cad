package reconcile

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dumuapparels/igbot/internal/redisx"
)

// RedisDeduper backs the callback dedup fast path with the shared Redis
// instance. Errors degrade to "not seen": worst case the conditional
// transition absorbs the duplicate.
type RedisDeduper struct {
	Client *redis.Client
}

func (d *RedisDeduper) key(k string) string {
	return fmt.Sprintf(redisx.KeyCallbackDedup, k)
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	return redisx.Exists(ctx, d.Client, d.key(key))
}

func (d *RedisDeduper) Mark(ctx context.Context, key string) error {
	return d.Client.Set(ctx, d.key(key), "1", redisx.TTLCallbackDedup).Err()
}
