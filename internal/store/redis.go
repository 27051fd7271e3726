package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/serroba/quota-gate/internal/ratelimit"
)

const probeScript = "return 1"

// RedisStore keeps window records in Redis sorted sets, one per window key,
// scored by admission time. It implements every store protocol the gate knows.
type RedisStore struct {
	client  redis.UniversalClient
	scripts sync.Map // source -> *redis.Script
}

// NewRedisStore creates a new Redis-backed window store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// PruneOlderThan removes every record under key scored at or below cutoff.
func (r *RedisStore) PruneOlderThan(ctx context.Context, key string, cutoff float64) error {
	return r.client.ZRemRangeByScore(ctx, key, "-inf", formatScore(cutoff)).Err()
}

// Count returns the cardinality of the sorted set under key.
func (r *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, key).Result()
}

// Insert adds member at score and pushes the key's expiry out to ttl.
func (r *RedisStore) Insert(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.PExpire(ctx, key, ttl)

		return nil
	})

	return err
}

// SupportsScripts loads a trivial script. Only replies that refuse scripting
// (command unknown or renamed, denied by ACL, scripting disabled) mean no.
// Transient replies such as LOADING or BUSY and transport errors are returned,
// since the answer would be wrong for the lifetime of the gate.
func (r *RedisStore) SupportsScripts(ctx context.Context) (bool, error) {
	err := r.client.ScriptLoad(ctx, probeScript).Err()
	if err == nil {
		return true, nil
	}

	var replyErr redis.Error
	if errors.As(err, &replyErr) && scriptingRefused(replyErr.Error()) {
		return false, nil
	}

	return false, err
}

func scriptingRefused(reply string) bool {
	switch {
	case strings.HasPrefix(reply, "NOPERM"), strings.HasPrefix(reply, "NOSCRIPT"):
		return true
	case strings.HasPrefix(reply, "ERR unknown command"):
		return true
	case strings.HasPrefix(reply, "ERR") && strings.Contains(strings.ToLower(reply), "disabled"):
		return true
	default:
		return false
	}
}

// RunAtomic evaluates script by SHA, loading it on NOSCRIPT.
func (r *RedisStore) RunAtomic(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return r.script(script).Run(ctx, r.client, keys, args...).Result()
}

func (r *RedisStore) script(src string) *redis.Script {
	if s, ok := r.scripts.Load(src); ok {
		return s.(*redis.Script)
	}

	s, _ := r.scripts.LoadOrStore(src, redis.NewScript(src))

	return s.(*redis.Script)
}

// Timestamps returns the scores of the sorted set under key.
func (r *RedisStore) Timestamps(ctx context.Context, key string) ([]float64, error) {
	entries, err := r.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(entries))
	for i, z := range entries {
		scores[i] = z.Score
	}

	return scores, nil
}

// SaveTimestamps replaces the sorted set under key in one transaction, so list
// writers and script writers can share keys.
func (r *RedisStore) SaveTimestamps(ctx context.Context, key string, timestamps []float64, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)

		if len(timestamps) == 0 {
			return nil
		}

		members := make([]redis.Z, len(timestamps))
		for i, ts := range timestamps {
			members[i] = redis.Z{Score: ts, Member: formatScore(ts) + "#" + strconv.Itoa(i)}
		}

		pipe.ZAdd(ctx, key, members...)

		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}

		return nil
	})

	return err
}

// Ping checks Redis connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// Compile-time checks.
var (
	_ ratelimit.Store        = (*RedisStore)(nil)
	_ ratelimit.WindowStore  = (*RedisStore)(nil)
	_ ratelimit.ScriptRunner = (*RedisStore)(nil)
)
