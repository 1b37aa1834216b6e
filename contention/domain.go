// Package contention implements the weave-phase scheduler: one bucketed
// priority queue per contention domain, drained by a fixed pool of
// simulator threads, plus the crossing-event enqueue protocol that lets
// an event move from one domain's queue to another's.
package contention

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/recorder"
)

// blockWidth and numBlocks give a ring-buffered window of windowSize
// cycles addressable in O(1); events scheduled further out than that are
// kept in the far map and migrated in as the window slides.
const (
	blockWidth = 64
	numBlocks  = 1024
	windowSize = blockWidth * numBlocks
)

type block struct {
	occ   uint64 // bit i set iff slots[i] is non-empty
	slots [blockWidth]*recorder.Event
}

// Domain is one priority queue of pending Events, bucketed by cycle,
// plus the domain's clock, scheduling priority, and profiling
// counters.
type Domain struct {
	mu sync.Mutex

	id       int32
	priority int

	base     memreq.Cycle // cycle represented by blocks[0] slot 0
	curCycle memreq.Cycle
	blocks   [numBlocks]block
	far      map[memreq.Cycle][]*recorder.Event
	count    int

	eventsSimulated uint64 // atomic; total events Run on this domain across all phases
}

// NewDomain creates an empty domain queue with the given id and
// scheduling priority (lower dequeues first at ties).
func NewDomain(id int32, priority int) *Domain {
	return &Domain{
		id:       id,
		priority: priority,
		far:      make(map[memreq.Cycle][]*recorder.Event),
	}
}

// ID reports the domain's index in the Simulator's domain array.
func (d *Domain) ID() int32 { return d.id }

// CurCycle is the last cycle this domain has fully simulated through.
func (d *Domain) CurCycle() memreq.Cycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.curCycle
}

// Count reports the number of events currently queued in this domain.
func (d *Domain) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// EventsSimulated is the profiling counter of events Run on this domain
// (surfaced through the stats tree as a proxy counter).
func (d *Domain) EventsSimulated() uint64 { return atomic.LoadUint64(&d.eventsSimulated) }

func (d *Domain) recordEvent() { atomic.AddUint64(&d.eventsSimulated, 1) }

func (d *Domain) slot(cycle memreq.Cycle) (blk, idx int, inWindow bool) {
	if cycle < d.base {
		cycle = d.base
	}
	offset := cycle - d.base
	if offset >= windowSize {
		return 0, 0, false
	}
	ring := int(offset) % windowSize
	return ring / blockWidth, ring % blockWidth, true
}

// insert locks the domain and links ev into the bucket for cycle,
// pushing it to the front of that slot's intrusive list. A cycle the
// domain's clock has already passed (a late enqueue from a sibling
// worker) is clamped forward so the event stays reachable.
func (d *Domain) insert(ev *recorder.Event, cycle memreq.Cycle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cycle < d.curCycle {
		cycle = d.curCycle
	}
	d.count++
	d.linkLocked(ev, cycle)
}

func (d *Domain) linkLocked(ev *recorder.Event, cycle memreq.Cycle) {
	b, i, ok := d.slot(cycle)
	if !ok {
		d.far[cycle] = append(d.far[cycle], ev)
		return
	}
	blk := &d.blocks[b]
	ev.SetNext(blk.slots[i])
	blk.slots[i] = ev
	blk.occ |= 1 << uint(i)
}

// advanceLocked moves curCycle forward to the next occupied bucket with
// cycle < limit, sliding the window as needed, and reports that cycle.
// ok is false if nothing is pending before limit.
func (d *Domain) advanceLocked(limit memreq.Cycle) (memreq.Cycle, bool) {
	for d.curCycle < limit {
		b, i, inWindow := d.slot(d.curCycle)
		if !inWindow {
			d.slideWindow()
			continue
		}
		blk := &d.blocks[b]
		mask := blk.occ >> uint(i)
		if mask == 0 {
			d.curCycle += memreq.Cycle(blockWidth - i)
			continue
		}
		j := i + bits.TrailingZeros64(mask)
		next := d.curCycle + memreq.Cycle(j-i)
		if next >= limit {
			return 0, false
		}
		d.curCycle = next
		return next, true
	}
	return 0, false
}

// peek reports the cycle of the earliest pending event strictly before
// limit, advancing curCycle past empty buckets as a side effect (which
// is safe: skipped buckets are empty by construction).
func (d *Domain) peek(limit memreq.Cycle) (memreq.Cycle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 {
		return 0, false
	}
	return d.advanceLocked(limit)
}

// pop removes and returns the earliest event with cycle < limit. ok is false if nothing is ready before limit.
func (d *Domain) pop(limit memreq.Cycle) (ev *recorder.Event, cycle memreq.Cycle, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.count == 0 {
		return nil, 0, false
	}
	cyc, found := d.advanceLocked(limit)
	if !found {
		return nil, 0, false
	}
	b, i, _ := d.slot(cyc)
	blk := &d.blocks[b]
	head := blk.slots[i]
	blk.slots[i] = head.Next()
	head.SetNext(nil)
	if blk.slots[i] == nil {
		blk.occ &^= 1 << uint(i)
	}
	d.count--
	return head, cyc, true
}

// finishPhase advances the domain clock to the phase limit once its
// queue has drained for this phase.
func (d *Domain) finishPhase(limit memreq.Cycle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit > d.curCycle {
		d.curCycle = limit
	}
}

// slideWindow re-bases the ring so base == curCycle and migrates any far
// entries that now fall inside the window.
func (d *Domain) slideWindow() {
	d.base = d.curCycle
	for i := range d.blocks {
		d.blocks[i] = block{}
	}
	for cyc, evs := range d.far {
		if cyc-d.base >= windowSize {
			continue
		}
		for _, ev := range evs {
			d.linkLocked(ev, cyc)
		}
		delete(d.far, cyc)
	}
}
