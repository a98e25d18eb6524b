package vendors

import (
	"context"
	"sync"
)

// Static is a fixed in-process directory. It backs development mode,
// where no vendor service is deployed, and tests.
type Static struct {
	mu      sync.RWMutex
	vendors map[string]*Vendor
}

// NewStatic builds a directory from a fixed vendor list.
func NewStatic(vendors ...*Vendor) *Static {
	s := &Static{vendors: make(map[string]*Vendor, len(vendors))}
	for _, v := range vendors {
		cp := *v
		s.vendors[v.ID] = &cp
	}
	return s
}

// Add registers or replaces a vendor.
func (s *Static) Add(v *Vendor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.vendors[v.ID] = &cp
}

// Get looks up a vendor by ID.
func (s *Static) Get(_ context.Context, id string) (*Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}
