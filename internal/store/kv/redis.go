package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backend. The IDS is host-resident
// by default, but a single local redis instance is still the natural
// home for the hot, ephemeral state the channel fabric and profiler
// lean on for transient bookkeeping.
type RedisStore struct {
	cli *redis.Client
}

// NewRedisStore dials addr (host:port) and returns a Store.
func NewRedisStore(addr string, db int) (*RedisStore, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{cli: cli}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, val []byte) error {
	return r.cli.Set(ctx, key, val, 0).Err()
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return r.cli.Incr(ctx, key).Result()
}

func (r *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	b, err := r.cli.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisStore) HSet(ctx context.Context, key, field string, val []byte) error {
	return r.cli.HSet(ctx, key, field, val).Err()
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.cli.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *RedisStore) RPush(ctx context.Context, key string, val []byte) error {
	return r.cli.RPush(ctx, key, val).Err()
}

func (r *RedisStore) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	res, err := r.cli.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if len(res) < 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.cli.Publish(ctx, channel, payload).Err()
}

func (r *RedisStore) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	sub := r.cli.Subscribe(ctx, channels...)
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for msg := range ch {
			out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
	return out, func() { sub.Close() }, nil
}

func (r *RedisStore) Close() error {
	return r.cli.Close()
}
