// Package health aggregates named subsystem probes for the health
// endpoint.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Status is one subsystem's answer.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry runs registered checkers on demand. Statuses come back in
// registration order regardless of which probe finishes first.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	name  string
	check Checker
}

// NewRegistry returns an empty registry. With nothing registered,
// CheckAll reports healthy.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll probes every subsystem concurrently and reports the
// aggregate: healthy only when every status is.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e entry) {
			defer wg.Done()
			statuses[i] = e.check(ctx)
		}(i, e)
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
			break
		}
	}
	return healthy, statuses
}

// DBChecker pings the database with a short deadline.
func DBChecker(name string, db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}
