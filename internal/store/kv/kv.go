// Package kv implements the ephemeral half of the shared store: typed
// get/set, atomic increment, hash fields, ordered-set insert, list
// append/blocking-pop, and the publish/subscribe primitive the channel
// fabric is built on.
//
// The store does not enforce single-writer-per-key; callers serialize
// through the channel discipline instead.
package kv

import (
	"context"
	"time"
)

// Message is one delivery on a subscribed channel: the raw payload plus
// the channel it arrived on.
type Message struct {
	Channel string
	Payload []byte
}

// Store is the facade every stage and module is constructed against.
// Store is implemented both by RedisStore (prod) and by MemStore
// (tests, and the zero-configuration default).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
	Incr(ctx context.Context, key string) (int64, error)

	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HSet(ctx context.Context, key, field string, val []byte) error

	// ZAdd inserts member into the ordered set at key with the given
	// score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// RPush appends val to the list at key.
	RPush(ctx context.Context, key string, val []byte) error
	// BLPop blocks up to timeout for an element to appear at key,
	// returning ok=false on timeout.
	BLPop(ctx context.Context, key string, timeout time.Duration) (val []byte, ok bool, err error)

	// Publish delivers payload to every current subscriber of channel.
	// Publish/Subscribe gives at-least-once delivery to every
	// currently-subscribed consumer, and preserves ordering per
	// publisher per channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of Messages for the given store
	// channel names, plus a cancel func the caller must invoke to stop
	// receiving and release resources.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error)

	Close() error
}
