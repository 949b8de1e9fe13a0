// Package health aggregates the coarse readiness signals the core exposes:
// auth, call-log permission, connectivity, and stuck-queue state. Rendering
// is left to collaborating surfaces; this is only the source of truth.
package health

import (
	"sync"
	"time"
)

// Status is a point-in-time readiness snapshot
type Status struct {
	Ready        bool      `json:"ready"`
	Auth         bool      `json:"auth"`
	Permission   bool      `json:"permission"`
	Connectivity bool      `json:"connectivity"`
	StuckItems   int       `json:"stuckItems"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Readiness tracks the individual signals
type Readiness struct {
	mu           sync.RWMutex
	auth         bool
	permission   bool
	connectivity bool
	stuckItems   int
	updatedAt    time.Time
}

func New() *Readiness {
	return &Readiness{updatedAt: time.Now()}
}

func (r *Readiness) SetAuth(ok bool)         { r.set(func() { r.auth = ok }) }
func (r *Readiness) SetPermission(ok bool)   { r.set(func() { r.permission = ok }) }
func (r *Readiness) SetConnectivity(ok bool) { r.set(func() { r.connectivity = ok }) }
func (r *Readiness) SetStuckItems(n int)     { r.set(func() { r.stuckItems = n }) }

func (r *Readiness) set(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f()
	r.updatedAt = time.Now()
}

// Snapshot returns the current signals. Ready requires auth, permission, and
// connectivity with no stuck items.
func (r *Readiness) Snapshot() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Ready:        r.auth && r.permission && r.connectivity && r.stuckItems == 0,
		Auth:         r.auth,
		Permission:   r.permission,
		Connectivity: r.connectivity,
		StuckItems:   r.stuckItems,
		UpdatedAt:    r.updatedAt,
	}
}
