package main

import (
	"sync"

	"github.com/google/uuid"
)

// backendDirectory maps each function to its current hash ring. It is written
// only by the backend monitor and read from the request path, so readers never
// block each other and a put or remove is observed as an atomic whole-ring
// replacement.
type backendDirectory struct {
	sync.RWMutex
	m map[uuid.UUID]*hashRing
}

func newBackendDirectory() *backendDirectory {
	return &backendDirectory{
		m: make(map[uuid.UUID]*hashRing),
	}
}

func (d *backendDirectory) get(functionID uuid.UUID) (*hashRing, bool) {
	d.RLock()
	ring, ok := d.m[functionID]
	d.RUnlock()
	return ring, ok
}

func (d *backendDirectory) put(functionID uuid.UUID, ring *hashRing) {
	d.Lock()
	d.m[functionID] = ring
	d.Unlock()
}

func (d *backendDirectory) remove(functionID uuid.UUID) {
	d.Lock()
	delete(d.m, functionID)
	d.Unlock()
}

func (d *backendDirectory) count() int {
	d.RLock()
	defer d.RUnlock()
	return len(d.m)
}

// backendCounts returns the number of registered backends per function, used
// by the metrics feeders.
func (d *backendDirectory) backendCounts() map[uuid.UUID]int {
	d.RLock()
	defer d.RUnlock()

	counts := make(map[uuid.UUID]int, len(d.m))
	for functionID, ring := range d.m {
		counts[functionID] = ring.size() / conhashReplicas
	}
	return counts
}
