package cache

import (
	"sync"
	"sync/atomic"

	"github.com/sarchlab/kilocore/memreq"
)

// filterEntry is the lock-free shadow held per set: a matching tag means
// the access can be satisfied without taking the set's lock at all.
// Fields are read without
// synchronization on the hot path, which is safe because a torn or
// stale read only ever causes an unnecessary slow-path fallback, never
// an incorrect fast-path hit.
type filterEntry struct {
	readAddr  uint64
	writeAddr uint64
	avail     int64 // memreq.Cycle, atomic
}

// FilterCache overlays a direct-mapped shadow array in front of a
// regular Cache. Loads/stores first probe the shadow without locking;
// on a tag mismatch they fall through to the wrapped Cache under a
// per-filter lock.
type FilterCache struct {
	next    *Cache
	entries []filterEntry
	mu      sync.Mutex
}

// NewFilterCache wraps next with a direct-mapped shadow of numSets
// entries, one per set of the wrapped array.
func NewFilterCache(next *Cache, numSets int) *FilterCache {
	return &FilterCache{next: next, entries: make([]filterEntry, numSets)}
}

func (f *FilterCache) setOf(addr uint64) int { return int(addr) % len(f.entries) }

// Access implements memreq.AccessPath for loads and stores (not
// invalidation traffic, which uses Invalidate below).
func (f *FilterCache) Access(req memreq.Req) memreq.Cycle {
	set := f.setOf(req.LineAddr)
	e := &f.entries[set]

	var shadowAddr uint64
	probe := false
	switch req.Type {
	case memreq.GETS:
		shadowAddr = atomic.LoadUint64(&e.readAddr)
		probe = true
	case memreq.GETX:
		shadowAddr = atomic.LoadUint64(&e.writeAddr)
		probe = true
	}

	// +1 offsets a zero line address from the empty-entry encoding.
	if probe && shadowAddr == req.LineAddr+1 {
		avail := memreq.Cycle(atomic.LoadInt64(&e.avail))
		if avail < req.Cycle {
			avail = req.Cycle
		}
		return avail
	}

	f.mu.Lock()
	req.Lock = &f.mu
	respCycle := f.next.Access(req)
	switch req.Type {
	case memreq.GETS:
		atomic.StoreUint64(&e.readAddr, req.LineAddr+1)
	case memreq.GETX:
		atomic.StoreUint64(&e.writeAddr, req.LineAddr+1)
		atomic.StoreUint64(&e.readAddr, req.LineAddr+1)
	}
	atomic.StoreInt64(&e.avail, int64(respCycle))
	f.mu.Unlock()

	return respCycle
}

// Invalidate implements Invalidatee: it nullifies any shadow entry
// matching the line so a subsequent access takes the slow path and
// observes the new coherence state, then forwards to the wrapped cache.
func (f *FilterCache) Invalidate(inv memreq.InvReq) memreq.Cycle {
	set := f.setOf(inv.LineAddr)
	e := &f.entries[set]
	f.mu.Lock()
	if atomic.LoadUint64(&e.readAddr) == inv.LineAddr+1 {
		atomic.StoreUint64(&e.readAddr, 0)
	}
	if atomic.LoadUint64(&e.writeAddr) == inv.LineAddr+1 {
		atomic.StoreUint64(&e.writeAddr, 0)
	}
	f.mu.Unlock()
	return f.next.Invalidate(inv)
}
