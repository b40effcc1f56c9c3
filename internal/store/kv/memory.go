package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store: the default when no redis endpoint is
// configured, and the backend every unit test runs against. It honors
// the same FIFO-per-publisher-per-channel delivery guarantee as the
// redis backend: each Publish call is delivered to every
// currently-subscribed consumer in the order it was published, and two
// publishers on the same channel never have their messages interleaved
// out of their own order.
type MemStore struct {
	mtx   sync.Mutex
	kv    map[string][]byte
	hash  map[string]map[string][]byte
	zset  map[string]map[string]float64
	lists map[string][][]byte
	listC map[string]chan struct{}

	subMtx sync.Mutex
	subs   map[string][]chan Message
}

func NewMemStore() *MemStore {
	return &MemStore{
		kv:    make(map[string][]byte),
		hash:  make(map[string]map[string][]byte),
		zset:  make(map[string]map[string]float64),
		lists: make(map[string][][]byte),
		listC: make(map[string]chan struct{}),
		subs:  make(map[string][]chan Message),
	}
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemStore) Set(_ context.Context, key string, val []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.kv[key] = append([]byte(nil), val...)
	return nil
}

func (m *MemStore) Incr(_ context.Context, key string) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var n int64
	if v, ok := m.kv[key]; ok {
		for _, c := range v {
			n = n*10 + int64(c-'0')
		}
	}
	n++
	m.kv[key] = []byte(itoa(n))
	return n, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (m *MemStore) HGet(_ context.Context, key, field string) ([]byte, bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	h, ok := m.hash[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *MemStore) HSet(_ context.Context, key, field string, val []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	h, ok := m.hash[key]
	if !ok {
		h = make(map[string][]byte)
		m.hash[key] = h
	}
	h[field] = append([]byte(nil), val...)
	return nil
}

func (m *MemStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	z, ok := m.zset[key]
	if !ok {
		z = make(map[string]float64)
		m.zset[key] = z
	}
	z[member] = score
	return nil
}

// ZMembers returns the members of key ordered by ascending score; not
// part of the Store interface, but useful for tests and for modules
// that need to walk an ordered set directly.
func (m *MemStore) ZMembers(key string) []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	z := m.zset[key]
	members := make([]string, 0, len(z))
	for mem := range z {
		members = append(members, mem)
	}
	sort.Slice(members, func(i, j int) bool { return z[members[i]] < z[members[j]] })
	return members
}

func (m *MemStore) RPush(_ context.Context, key string, val []byte) error {
	m.mtx.Lock()
	m.lists[key] = append(m.lists[key], append([]byte(nil), val...))
	c, ok := m.listC[key]
	m.mtx.Unlock()
	if ok {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *MemStore) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mtx.Lock()
		if l := m.lists[key]; len(l) > 0 {
			v := l[0]
			m.lists[key] = l[1:]
			m.mtx.Unlock()
			return v, true, nil
		}
		c, ok := m.listC[key]
		if !ok {
			c = make(chan struct{}, 1)
			m.listC[key] = c
		}
		m.mtx.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		select {
		case <-c:
		case <-time.After(remaining):
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (m *MemStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMtx.Lock()
	targets := append([]chan Message(nil), m.subs[channel]...)
	m.subMtx.Unlock()
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	// Deliver to every currently-subscribed consumer in publish order;
	// each subscriber channel is buffered so a slow consumer never
	// reorders a fast one's view of this publisher's stream.
	for _, ch := range targets {
		ch <- msg
	}
	return nil
}

func (m *MemStore) Subscribe(_ context.Context, channels ...string) (<-chan Message, func(), error) {
	out := make(chan Message, 256)
	m.subMtx.Lock()
	for _, c := range channels {
		m.subs[c] = append(m.subs[c], out)
	}
	m.subMtx.Unlock()

	cancel := func() {
		m.subMtx.Lock()
		defer m.subMtx.Unlock()
		for _, c := range channels {
			list := m.subs[c]
			for i, ch := range list {
				if ch == out {
					m.subs[c] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
	}
	return out, cancel, nil
}

func (m *MemStore) Close() error { return nil }
