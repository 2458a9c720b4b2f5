package streambus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"pipeline-service/internal/apperr"
)

type redisBus struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedis returns a Bus on top of rdb. keyTTL is applied to counters
// created by Incr and SAdd so they expire with the job.
func NewRedis(rdb redis.UniversalClient, keyTTL time.Duration) Bus {
	return &redisBus{rdb: rdb, ttl: keyTTL}
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.BackingStore(err)
}

func (b *redisBus) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	return id, storeErr(err)
}

func (b *redisBus) ReadAfter(ctx context.Context, stream, cursor string, block time.Duration) (Entry, bool, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, cursor},
		Count:   1,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, storeErr(err)
	}
	for _, s := range res {
		for _, m := range s.Messages {
			return Entry{ID: m.ID, Values: m.Values}, true, nil
		}
	}
	return Entry{}, false, nil
}

func (b *redisBus) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return storeErr(b.rdb.XDel(ctx, stream, ids...).Err())
}

func (b *redisBus) Trim(ctx context.Context, stream string, maxLen int64) error {
	return storeErr(b.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err())
}

func (b *redisBus) Range(ctx context.Context, stream string) ([]Entry, error) {
	msgs, err := b.rdb.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Entry{ID: m.ID, Values: m.Values})
	}
	return out, nil
}

func (b *redisBus) Len(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	return n, storeErr(err)
}

func (b *redisBus) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, storeErr(err)
	}
	return v, true, nil
}

func (b *redisBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return storeErr(b.rdb.Set(ctx, key, value, ttl).Err())
}

func (b *redisBus) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, storeErr(err)
}

func (b *redisBus) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return storeErr(b.rdb.Del(ctx, keys...).Err())
}

func (b *redisBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return storeErr(b.rdb.Expire(ctx, key, ttl).Err())
}

func (b *redisBus) Incr(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, storeErr(err)
	}
	b.touch(ctx, key)
	return n, nil
}

func (b *redisBus) SAdd(ctx context.Context, key, member string) (bool, error) {
	n, err := b.rdb.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, storeErr(err)
	}
	b.touch(ctx, key)
	return n > 0, nil
}

func (b *redisBus) SCard(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.SCard(ctx, key).Result()
	return n, storeErr(err)
}

func (b *redisBus) touch(ctx context.Context, key string) {
	if b.ttl > 0 {
		_ = b.rdb.Expire(ctx, key, b.ttl).Err()
	}
}

func (b *redisBus) Ping(ctx context.Context) error {
	return storeErr(b.rdb.Ping(ctx).Err())
}
