package cache

import (
	"sync"

	"github.com/sarchlab/kilocore/memreq"
)

const (
	prefetchStreamTableSize = 16
	pageLines               = 64
	maxConfidence           = 3
	confidenceThreshold     = 2
)

// streamEntry tracks one page's access history for stride prediction:
// the last two line positions observed, a saturating confidence
// counter, and a bitmap of lines prefetched but not yet consumed.
type streamEntry struct {
	page          uint64
	valid         bool
	seen          int
	stride        int64
	confidence    uint8
	lastPos       int64
	lastLastPos   int64
	prefetchedBit uint64 // bit i set iff line i of the page was prefetched and unconsumed
	scheduled     map[uint64]memreq.Cycle
}

// Prefetcher is a 16-entry stream table indexed by page, issuing up to
// 2 prefetches ahead of a confident stride. It is shared by every core
// reaching the cache it fronts, so the table is mutex-protected.
type Prefetcher struct {
	mu      sync.Mutex
	entries [prefetchStreamTableSize]streamEntry
	next    memreq.AccessPath
}

// NewPrefetcher creates a prefetcher that issues its own prefetch
// accesses through next (typically the same cache it's attached to, as
// Builder.WithStreamPrefetcher wires it).
func NewPrefetcher(next memreq.AccessPath) *Prefetcher {
	p := &Prefetcher{next: next}
	for i := range p.entries {
		p.entries[i].scheduled = make(map[uint64]memreq.Cycle)
	}
	return p
}

func pageOf(addr uint64) (page uint64, pos int64) {
	return addr / pageLines, int64(addr % pageLines)
}

func (p *Prefetcher) slotFor(page uint64) *streamEntry {
	idx := int(page) % prefetchStreamTableSize
	e := &p.entries[idx]
	if !e.valid || e.page != page {
		*e = streamEntry{page: page, valid: true, scheduled: make(map[uint64]memreq.Cycle)}
	}
	return e
}

// ConsumeHit redeems an outstanding prefetch for addr: it returns the
// cycle the prefetched line becomes available and clears the entry so
// the line counts as consumed. The cache calls this on every demand
// access before running its own lookup, so a line already in flight
// never pays the full miss path again.
func (p *Prefetcher) ConsumeHit(addr uint64) (cycle memreq.Cycle, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page, pos := pageOf(addr)
	e := p.slotFor(page)
	c, found := e.scheduled[addr]
	if found {
		delete(e.scheduled, addr)
		e.prefetchedBit &^= 1 << uint(pos)
	}
	return c, found
}

// Observe is called after every demand access completes (or would
// complete) at respCycle; it updates stride/confidence and, once
// confident, issues prefetches for the predicted next line(s).
func (p *Prefetcher) Observe(req memreq.Req, respCycle memreq.Cycle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page, pos := pageOf(req.LineAddr)
	e := p.slotFor(page)

	stride := pos - e.lastPos
	if e.seen >= 2 && stride == e.stride && stride != 0 {
		if e.confidence < maxConfidence {
			e.confidence++
		}
	} else if e.confidence > 0 {
		e.confidence--
	}
	e.seen++
	e.stride = stride
	e.lastLastPos = e.lastPos
	e.lastPos = pos

	if e.confidence < confidenceThreshold || stride == 0 {
		return
	}

	for i := int64(1); i <= 2; i++ {
		predictedPos := pos + stride*i
		if predictedPos < 0 || predictedPos >= pageLines {
			break
		}
		predictedAddr := page*pageLines + uint64(predictedPos)
		if _, already := e.scheduled[predictedAddr]; already {
			continue
		}
		pfRespCycle := p.next.Access(memreq.Req{
			LineAddr: predictedAddr,
			Type:     memreq.GETS,
			Cycle:    respCycle,
			SrcCore:  req.SrcCore,
			Flags:    memreq.Prefetch,
		})
		e.scheduled[predictedAddr] = pfRespCycle
		e.prefetchedBit |= 1 << uint(predictedPos)
	}
}

// PrefetchHit reports whether addr currently has an outstanding,
// unconsumed prefetch, and if so the cycle it will be ready; unlike
// ConsumeHit it leaves the entry in place.
func (p *Prefetcher) PrefetchHit(addr uint64) (cycle memreq.Cycle, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page, _ := pageOf(addr)
	e := p.slotFor(page)
	c, found := e.scheduled[addr]
	return c, found
}
