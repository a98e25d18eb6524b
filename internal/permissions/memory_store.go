package permissions

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory permission store for demo/development
// mode. The mutex stands in for the database's row locks.
type MemoryStore struct {
	mu    sync.RWMutex
	perms map[string]*SpendingPermission
	now   func() time.Time
}

// NewMemoryStore creates an in-memory permission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		perms: make(map[string]*SpendingPermission),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used by the expiry filter
// (tests).
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, p *SpendingPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.perms[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*SpendingPermission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.perms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetActiveByWallet(_ context.Context, wallet string) (*SpendingPermission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var newest *SpendingPermission
	for _, p := range m.perms {
		if p.UserWalletAddress != wallet || p.Status != StatusActive || !p.ExpiresAt.After(now) {
			continue
		}
		if newest == nil || p.CreatedAt.After(newest.CreatedAt) {
			newest = p
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *MemoryStore) Mutate(_ context.Context, id string, fn func(p *SpendingPermission) (bool, error)) (*SpendingPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.perms[id]
	if !ok {
		return nil, ErrNotFound
	}

	work := *stored
	persist, opErr := fn(&work)
	if !persist {
		cp := work
		return &cp, opErr
	}

	// Mirror the database's partial unique index on active wallets.
	if work.Status == StatusActive && stored.Status != StatusActive {
		for _, other := range m.perms {
			if other.ID != id && other.UserWalletAddress == work.UserWalletAddress && other.Status == StatusActive {
				return nil, ErrActiveExists
			}
		}
	}

	work.UpdatedAt = m.now()
	m.perms[id] = &work
	cp := work
	return &cp, opErr
}

func (m *MemoryStore) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, p := range m.perms {
		if p.Status == StatusActive && !p.ExpiresAt.After(now) {
			p.Status = StatusExpired
			p.UpdatedAt = m.now()
			count++
		}
	}
	return count, nil
}
