// Package cache provides the session-code lookup cache.
//
// Session codes are the public handle clients present on every
// activate/end call, so code-to-ID resolution sits on the hot path. The
// cache is strictly an accelerator: entries expire after a day, misses
// fall through to the store, and a cache outage only costs latency.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TTL is how long a code mapping stays cached. Codes outlive their
// sessions harmlessly; resolution always re-checks the store record.
const TTL = 86400 * time.Second

// ErrMiss is returned when a code has no cached mapping.
var ErrMiss = errors.New("cache: miss")

// SessionCodes maps public session codes to session IDs.
type SessionCodes interface {
	// Put records a code mapping with the standard TTL.
	Put(ctx context.Context, code, sessionID string) error
	// Lookup resolves a code, returning ErrMiss when absent.
	Lookup(ctx context.Context, code string) (string, error)
	Close() error
}

// Memory is a process-local SessionCodes for single-node deployments
// and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	sessionID string
	expires   time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *Memory) Put(_ context.Context, code, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[code] = memoryEntry{sessionID: sessionID, expires: m.now().Add(TTL)}
	return nil
}

func (m *Memory) Lookup(_ context.Context, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[code]
	if !ok {
		return "", ErrMiss
	}
	if m.now().After(e.expires) {
		delete(m.entries, code)
		return "", ErrMiss
	}
	return e.sessionID, nil
}

func (m *Memory) Close() error { return nil }
