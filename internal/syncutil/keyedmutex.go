// Package syncutil provides the keyed locking that serializes billing
// work per session.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// KeyedMutex serializes work per string key over a fixed pool of
// channel-based locks. Memory stays bounded no matter how many keys
// are seen; keys hashing to the same slot contend with each other.
// The zero value is ready to use.
type KeyedMutex struct {
	once  sync.Once
	slots []chan struct{}
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		m.slots = make([]chan struct{}, 128)
		for i := range m.slots {
			ch := make(chan struct{}, 1)
			ch <- struct{}{}
			m.slots[i] = ch
		}
	})
}

// Acquire locks key, waiting until the slot frees or ctx ends. On
// success the returned release function must be called exactly once.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (release func(), err error) {
	m.init()
	slot := m.slots[m.index(key)]
	select {
	case <-slot:
		return func() { slot <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.slots))
}
