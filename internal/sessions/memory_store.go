package sessions

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory session store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*StreamingSession
	byCode   map[string]string
	links    map[string]string
	txs      map[string][]*BillingTransaction
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*StreamingSession),
		byCode:   make(map[string]string),
		links:    make(map[string]string),
		txs:      make(map[string][]*BillingTransaction),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, session *StreamingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byCode[session.SessionCode]; taken {
		return ErrDuplicateCode
	}
	cp := *session
	m.sessions[session.ID] = &cp
	m.byCode[session.SessionCode] = session.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*StreamingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (m *MemoryStore) GetByCode(_ context.Context, code string) (*StreamingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (m *MemoryStore) ListActive(_ context.Context, limit int) ([]*StreamingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StreamingSession
	for _, session := range m.sessions {
		if session.Status != SessionActive {
			continue
		}
		cp := *session
		out = append(out, &cp)
	}
	// Longest-unbilled first, matching the postgres ordering.
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastBilledTime.Before(out[j].LastBilledTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, session *StreamingSession, from SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != from {
		return ErrStatusConflict
	}
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MemoryStore) LinkPermission(_ context.Context, sessionID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	m.links[sessionID] = permissionID
	return nil
}

func (m *MemoryStore) PermissionID(_ context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.links[sessionID], nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *BillingTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tx
	m.txs[tx.SessionID] = append(m.txs[tx.SessionID], &cp)
	return nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, sessionID string, limit int) ([]*BillingTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.txs[sessionID]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*BillingTransaction, 0, len(rows))
	for _, tx := range rows {
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}
