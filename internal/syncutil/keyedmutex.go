// Package syncutil provides locking primitives keyed by entity ID.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex serializes work per key using a fixed pool of channel-based
// mutexes. Memory stays bounded no matter how many keys are seen; keys that
// hash to the same shard contend with each other. Callers must never hold
// two keys at once.
//
// The lock is not reentrant: code running under a key must not try to lock
// the same key again.
type KeyedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a ready-to-use KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for key, giving up if ctx is done first.
// On success the caller MUST call the returned unlock function.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	// select picks randomly among ready cases; a done ctx must always win.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shard := &m.shards[shardIdx(key)]

	select {
	case <-shard.ch:
		var released sync.Once
		return func() { released.Do(func() { shard.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs fn while holding the lock for key.
func (m *KeyedMutex) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
