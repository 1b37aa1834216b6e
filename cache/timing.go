package cache

import (
	"sync"

	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/recorder"
)

// mshr tracks one in-flight miss: the line address and the cycle it
// will complete.
type mshr struct {
	addr       uint64
	completion memreq.Cycle
}

// Timing is a cache level that models tag-port contention and a bounded
// MSHR pool: hits must acquire the tag port in the cycle they look up;
// misses occupy an MSHR until the backing access completes; writebacks
// compete for a low-priority tag port one cycle behind demand accesses.
// When the MSHR pool is exhausted, new misses are held and requeued
// once a slot frees.
type Timing struct {
	base     *Cache
	requeuer recorder.Requeuer

	mu          sync.Mutex
	mshrs       map[uint64]*mshr
	maxMSHRs    int
	tagPortNext memreq.Cycle // first cycle the demand tag port is free
	wbPortNext  memreq.Cycle // low-priority writeback port, one cycle behind
	held        []heldAccess
}

type heldAccess struct {
	ev  *recorder.Event
	req memreq.Req
}

// NewTiming wraps base with an MSHR pool of the given capacity.
// requeuer may be nil if no event-coupled accesses are made.
func NewTiming(base *Cache, maxMSHRs int, requeuer recorder.Requeuer) *Timing {
	return &Timing{
		base:     base,
		requeuer: requeuer,
		mshrs:    make(map[uint64]*mshr),
		maxMSHRs: maxMSHRs,
	}
}

// acquireTagPortLocked serializes demand lookups on the tag port: an
// access must own the port in the cycle it looks up, so a busy port
// pushes the lookup out.
func (t *Timing) acquireTagPortLocked(cycle memreq.Cycle) memreq.Cycle {
	if cycle < t.tagPortNext {
		cycle = t.tagPortNext
	}
	t.tagPortNext = cycle + 1
	return cycle
}

// acquireWBPortLocked is the low-priority port writebacks compete for,
// one cycle behind demand accesses.
func (t *Timing) acquireWBPortLocked(cycle memreq.Cycle) memreq.Cycle {
	if cycle < t.tagPortNext {
		cycle = t.tagPortNext
	}
	if cycle < t.wbPortNext {
		cycle = t.wbPortNext
	}
	t.wbPortNext = cycle + 1
	return cycle
}

// Access implements memreq.AccessPath: the synchronous path for callers
// that cannot hold/requeue. MSHR occupancy still delays the access: a
// full pool pushes the request out to the earliest completion plus one
// tag-port cycle.
func (t *Timing) Access(req memreq.Req) memreq.Cycle {
	t.mu.Lock()
	if req.Type == memreq.PUTS || req.Type == memreq.PUTX {
		req.Cycle = t.acquireWBPortLocked(req.Cycle)
		t.mu.Unlock()
		return t.base.Access(req)
	}

	req.Cycle = t.acquireTagPortLocked(req.Cycle)
	if m, inFlight := t.mshrs[req.LineAddr]; inFlight {
		// Secondary miss on the same line rides the existing MSHR.
		c := m.completion
		t.mu.Unlock()
		if c < req.Cycle {
			c = req.Cycle
		}
		return c
	}
	if len(t.mshrs) >= t.maxMSHRs {
		wait := t.earliestCompletionLocked()
		t.mu.Unlock()
		req.Cycle = wait + 1 // freed slot is re-acquired one tag-port cycle later
		return t.Access(req)
	}
	m := &mshr{addr: req.LineAddr}
	t.mshrs[req.LineAddr] = m
	t.mu.Unlock()

	respCycle := t.base.Access(req)
	t.completeMiss(req.LineAddr, respCycle)
	return respCycle
}

// completeMiss retires the MSHR for addr at respCycle and requeues any
// held accesses one tag-port cycle later.
func (t *Timing) completeMiss(addr uint64, respCycle memreq.Cycle) {
	t.mu.Lock()
	if m, ok := t.mshrs[addr]; ok {
		m.completion = respCycle
		delete(t.mshrs, addr)
	}
	t.releaseHeldLocked(respCycle)
	t.mu.Unlock()
}

// AccessEvent drives ev through the MSHR discipline: if a miss would
// exceed the MSHR pool, ev is held and requeued once a slot frees,
// rather than blocking the calling goroutine.
func (t *Timing) AccessEvent(ev *recorder.Event, req memreq.Req) (respCycle memreq.Cycle, held bool) {
	t.mu.Lock()
	if _, inFlight := t.mshrs[req.LineAddr]; !inFlight && len(t.mshrs) >= t.maxMSHRs {
		ev.Hold()
		t.held = append(t.held, heldAccess{ev: ev, req: req})
		t.mu.Unlock()
		return 0, true
	}
	t.mu.Unlock()
	return t.Access(req), false
}

func (t *Timing) earliestCompletionLocked() memreq.Cycle {
	var earliest memreq.Cycle
	first := true
	for _, m := range t.mshrs {
		if first || m.completion < earliest {
			earliest = m.completion
			first = false
		}
	}
	return earliest
}

// releaseHeldLocked requeues every held access now that a slot freed,
// one tag-port cycle after the completing miss.
func (t *Timing) releaseHeldLocked(completion memreq.Cycle) {
	if len(t.held) == 0 {
		return
	}
	waiters := t.held
	t.held = nil
	for _, w := range waiters {
		w.ev.Release()
		if t.requeuer != nil {
			w.ev.Requeue(completion + 1)
			t.requeuer.Requeue(w.ev, completion+1)
		}
	}
}

// Invalidate forwards coherence traffic to the wrapped cache; the tag
// ports are not modelled for invalidations, which acquire neither the
// demand port nor the writeback port.
func (t *Timing) Invalidate(inv memreq.InvReq) memreq.Cycle {
	return t.base.Invalidate(inv)
}
