// Package cache implements the coherent cache hierarchy: MESI line
// state, pluggable array/replacement strategies, a lock-free filter
// cache for the L1 hot path, an MSHR-bearing timing variant, and a
// stream prefetcher.
package cache

import (
	"log/slog"
	"sync"

	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/recorder"
)

// MaxChildren bounds the per-line sharer bit-vector, matching the
// source's compile-time cap rather than a growable slice.
const MaxChildren = 64

// Line is one cache line's coherence state. Sharers is the fixed-size
// bit-vector over this cache's children (the caches above it that it
// keeps coherent).
type Line struct {
	Valid   bool
	Tag     uint64
	State   memreq.MESIState
	Sharers uint64
}

// Array is the polymorphic storage strategy behind a Cache: set-
// associative, skewed-associative ("zcache"), or ideal-LRU (unbounded
// associativity, used for characterization runs).
type Array interface {
	// Lookup returns the line index matching addr, or -1 on miss. When
	// updateRepl is true the replacement policy is notified of the
	// access.
	Lookup(addr uint64, updateRepl bool) int
	// Preinsert selects a victim line index for addr via the
	// replacement policy, without installing it.
	Preinsert(addr uint64) int
	// Postinsert installs addr into idx with the given initial state.
	Postinsert(addr uint64, idx int, state memreq.MESIState)
	Line(idx int) *Line
	NumLines() int
}

// Invalidatee is a child cache that can receive downward coherence
// messages (invalidates and downgrades) during evictions and exclusive
// grants.
type Invalidatee interface {
	Invalidate(req memreq.InvReq) memreq.Cycle
}

// RecorderSource resolves the event recorder of the core an access
// originated from, so timing records land in the right per-core slab.
type RecorderSource interface {
	RecorderFor(srcCore uint32) *recorder.Recorder
}

type singleRecorder struct{ rec *recorder.Recorder }

func (s singleRecorder) RecorderFor(uint32) *recorder.Recorder { return s.rec }

// SingleRecorder wraps a private cache's one recorder as a
// RecorderSource.
func SingleRecorder(rec *recorder.Recorder) RecorderSource { return singleRecorder{rec} }

// CC is the per-cache MESI coherence controller: it tracks per-line
// sharer vectors over the cache's children, invalidates them on
// exclusive grants and evictions, and serializes per-line using its own
// lock plus the child-supplied lock it releases during downward
// requests.
type CC struct {
	mu            sync.Mutex
	accessLatency memreq.Cycle
	children      []Invalidatee
	parents       []memreq.AccessPath
}

// NewCC builds a coherence controller with the given hit latency and
// parent access paths (the next level toward memory, or a dram.Backend
// for the last level).
func NewCC(accessLatency memreq.Cycle, parents...memreq.AccessPath) *CC {
	return &CC{accessLatency: accessLatency, parents: parents}
}

// SetChildren registers the child caches this controller keeps
// coherent. Topology is fixed after construction.
func (cc *CC) SetChildren(children...Invalidatee) {
	if len(children) > MaxChildren {
		panic("cache: too many children for the sharer bit-vector")
	}
	cc.children = children
}

func (cc *CC) parentFor(addr uint64) memreq.AccessPath {
	return cc.parents[int(addr)%len(cc.parents)]
}

// Cache is one level of the hierarchy: an Array plus a CC, exposing the
// memreq.AccessPath contract to the level above.
type Cache struct {
	name string
	arr  Array
	cc   *CC
	recs RecorderSource
	pf   *Prefetcher
}

// NewCache builds a cache level. recs may be nil for mid-hierarchy
// levels whose timing is already captured by the level that fronts the
// core.
func NewCache(name string, arr Array, cc *CC, recs RecorderSource) *Cache {
	return &Cache{name: name, arr: arr, cc: cc, recs: recs}
}

// Name reports the cache's configured name.
func (c *Cache) Name() string { return c.name }

// AttachPrefetcher wires a stream prefetcher that observes every demand
// access through this cache.
func (c *Cache) AttachPrefetcher(pf *Prefetcher) { c.pf = pf }

// Access implements memreq.AccessPath: lookup under the controller
// lock, MESI upgrade of sharers on
// hit, victim selection, eviction (off the critical path) and next-
// level fetch on miss, and a final latency add. A child-supplied lock
// travelling with the request is released before the downward fetch to
// avoid deadlock with a concurrent invalidate.
func (c *Cache) Access(req memreq.Req) memreq.Cycle {
	respCycle := req.Cycle

	// A demand access first redeems any in-flight prefetch for the
	// line: its scheduled availability floors the response on a hit and
	// short-circuits the next-level fetch on a miss.
	var pfAvail memreq.Cycle
	pfHit := false
	if c.pf != nil && !req.Flags.Has(memreq.Prefetch) &&
		(req.Type == memreq.GETS || req.Type == memreq.GETX) {
		pfAvail, pfHit = c.pf.ConsumeHit(req.LineAddr)
	}

	c.cc.mu.Lock()

	// startAccess: a PUT for a line a concurrent invalidate already
	// removed is a race that drops to a no-op but still returns a cycle.
	if req.Type == memreq.PUTS || req.Type == memreq.PUTX {
		idx := c.arr.Lookup(req.LineAddr, false)
		if idx >= 0 {
			line := c.arr.Line(idx)
			if req.Type == memreq.PUTX {
				line.State = memreq.Modified
			}
			line.Sharers &^= 1 << req.ChildID
		}
		c.cc.mu.Unlock()
		return respCycle + c.cc.accessLatency
	}

	idx := c.arr.Lookup(req.LineAddr, true)
	if idx >= 0 {
		line := c.arr.Line(idx)
		invCycle := c.processHitLocked(line, req)
		respCycle += c.cc.accessLatency
		if invCycle > respCycle {
			respCycle = invCycle
		}
		if pfHit && pfAvail > respCycle {
			// The line was installed by a prefetch still in flight;
			// the demand access completes when the prefetch does.
			respCycle = pfAvail
		}
		c.setChildState(req, line)
		c.cc.mu.Unlock()
		if c.pf != nil && !req.Flags.Has(memreq.Prefetch) {
			c.pf.Observe(req, respCycle)
		}
		return respCycle
	}

	victim := c.arr.Preinsert(req.LineAddr)
	wbRecord, hadWB := c.evictLocked(victim, req)
	c.cc.mu.Unlock()

	// processAccess: fetch from the next level with the controller's
	// own lock released, and the child's lock too so a concurrent
	// downward invalidate cannot deadlock against us.
	if req.Lock != nil {
		req.Lock.Unlock()
	}
	fetchCycle := respCycle
	if pfHit {
		// The prefetch already fetched the line; the demand access
		// waits for its scheduled arrival instead of re-fetching.
		if pfAvail > fetchCycle {
			fetchCycle = pfAvail
		}
	} else if len(c.cc.parents) > 0 {
		down := req
		down.Lock = nil
		down.ChildState = nil
		fetchCycle = c.cc.parentFor(req.LineAddr).Access(down)
	}
	if req.Lock != nil {
		req.Lock.Lock()
	}
	respCycle = fetchCycle + c.cc.accessLatency

	state := memreq.Exclusive
	if req.Type == memreq.GETX {
		state = memreq.Modified
	} else if req.Flags.Has(memreq.NoExclusive) {
		state = memreq.Shared
	}

	c.cc.mu.Lock()
	c.arr.Postinsert(req.LineAddr, victim, state)
	line := c.arr.Line(victim)
	line.Sharers = 1 << req.ChildID
	c.setChildState(req, line)
	c.cc.mu.Unlock()

	c.recordMiss(req, respCycle, wbRecord, hadWB)

	if c.pf != nil && !req.Flags.Has(memreq.Prefetch) {
		c.pf.Observe(req, respCycle)
	}
	return respCycle
}

func (c *Cache) setChildState(req memreq.Req, line *Line) {
	if req.ChildState != nil {
		*req.ChildState = line.State
	}
}

// processHitLocked applies MESI on a hit: a GETX invalidates every
// other sharer; a GETS leaves them be and adds the requester. Returns
// the cycle the last invalidation acknowledged at (0 if none).
func (c *Cache) processHitLocked(line *Line, req memreq.Req) memreq.Cycle {
	var invCycle memreq.Cycle
	if req.Type == memreq.GETX {
		for i, child := range c.cc.children {
			bit := uint64(1) << uint(i)
			if line.Sharers&bit != 0 && uint32(i) != req.ChildID {
				cyc := child.Invalidate(memreq.InvReq{
					LineAddr: req.LineAddr,
					Type:     memreq.Invalidate,
					Cycle:    req.Cycle,
					SrcID:    req.ChildID,
				})
				if cyc > invCycle {
					invCycle = cyc
				}
				line.Sharers &^= bit
			}
		}
		line.State = memreq.Modified
	}
	line.Sharers |= 1 << req.ChildID
	return invCycle
}

// evictLocked invalidates the victim's sharers and writes back a dirty
// line; the caller holds cc.mu. Eviction cycles never appear on the
// critical path, so the returned writeback record
// carries only the event chain, not added latency.
func (c *Cache) evictLocked(idx int, req memreq.Req) (recorder.TimingRecord, bool) {
	line := c.arr.Line(idx)
	if !line.Valid {
		return recorder.TimingRecord{}, false
	}
	for i, child := range c.cc.children {
		bit := uint64(1) << uint(i)
		if line.Sharers&bit != 0 {
			child.Invalidate(memreq.InvReq{
				LineAddr:     line.Tag,
				Type:         memreq.Invalidate,
				ReqWriteback: line.State == memreq.Modified,
				Cycle:        req.Cycle,
			})
			line.Sharers &^= bit
		}
	}

	var wb recorder.TimingRecord
	hadWB := false
	if line.State == memreq.Modified && len(c.cc.parents) > 0 {
		wbCycle := c.cc.parentFor(line.Tag).Access(memreq.Req{
			LineAddr: line.Tag,
			Type:     memreq.PUTX,
			Cycle:    req.Cycle,
			SrcCore:  req.SrcCore,
		})
		if rec := c.recorderFor(req); rec != nil {
			start := recorder.NewDelayEvent(rec, 0)
			start.SetMinStartCycle(req.Cycle)
			end := recorder.NewDelayEvent(rec, uint32(wbCycle-req.Cycle))
			start.AddChild(end)
			wb = recorder.TimingRecord{
				LineAddr:   line.Tag,
				ReqCycle:   req.Cycle,
				RespCycle:  wbCycle,
				ReqType:    memreq.PUTX,
				StartEvent: start,
				EndEvent:   end,
			}
			hadWB = true
		}
	}
	line.Valid = false
	line.State = memreq.Invalid
	line.Sharers = 0
	return wb, hadWB
}

func (c *Cache) recorderFor(req memreq.Req) *recorder.Recorder {
	if c.recs == nil || req.Flags.Has(memreq.Prefetch) {
		return nil
	}
	return c.recs.RecorderFor(req.SrcCore)
}

// recordMiss deposits the demand access's TimingRecord, stitching in
// the eviction's writeback chain through a branching DelayEvent when
// both exist, so both propagate into the event DAG.
func (c *Cache) recordMiss(req memreq.Req, respCycle memreq.Cycle, wb recorder.TimingRecord, hadWB bool) {
	rec := c.recorderFor(req)
	if rec == nil {
		return
	}

	start := recorder.NewDelayEvent(rec, 0)
	start.SetMinStartCycle(req.Cycle)
	end := recorder.NewDelayEvent(rec, uint32(respCycle-req.Cycle))
	start.AddChild(end)

	if hadWB {
		branch := recorder.NewDelayEvent(rec, 0)
		branch.SetMinStartCycle(req.Cycle)
		branch.AddChild(start)
		branch.AddChild(wb.StartEvent)
		start = branch
	}

	if rec.HasRecord() {
		// An inner level already recorded this access; keep the outer
		// record, whose span covers the whole path.
		slog.Debug("cache: collapsing nested timing record", "cache", c.name, "line", req.LineAddr)
		rec.PopRecord()
	}
	rec.RecordAccess(recorder.TimingRecord{
		LineAddr:   req.LineAddr,
		ReqCycle:   req.Cycle,
		RespCycle:  respCycle,
		ReqType:    req.Type,
		StartEvent: start,
		EndEvent:   end,
	})
}

// Invalidate implements Invalidatee for mid-hierarchy caches: it drops
// the line (downgrading instead when asked) and forwards the message to
// its own sharers.
func (c *Cache) Invalidate(inv memreq.InvReq) memreq.Cycle {
	c.cc.mu.Lock()
	defer c.cc.mu.Unlock()

	idx := c.arr.Lookup(inv.LineAddr, false)
	if idx < 0 {
		return inv.Cycle
	}
	line := c.arr.Line(idx)
	for i, child := range c.cc.children {
		bit := uint64(1) << uint(i)
		if line.Sharers&bit != 0 {
			child.Invalidate(inv)
			line.Sharers &^= bit
		}
	}
	if inv.Type == memreq.Downgrade {
		if line.State == memreq.Modified || line.State == memreq.Exclusive {
			line.State = memreq.Shared
		}
		return inv.Cycle + c.cc.accessLatency
	}
	line.Valid = false
	line.State = memreq.Invalid
	line.Sharers = 0
	return inv.Cycle + c.cc.accessLatency
}
