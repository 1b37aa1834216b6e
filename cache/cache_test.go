package cache_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/kilocore/cache"
	"github.com/sarchlab/kilocore/cache/repl"
	"github.com/sarchlab/kilocore/dram"
	"github.com/sarchlab/kilocore/memreq"
)

// invRecorder is a fake child cache that logs the invalidations it
// receives.
type invRecorder struct {
	mu   sync.Mutex
	invs []memreq.InvReq
}

func (r *invRecorder) Invalidate(inv memreq.InvReq) memreq.Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invs = append(r.invs, inv)
	return inv.Cycle + 1
}

func (r *invRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invs)
}

var _ = Describe("Cache", func() {
	var (
		arr     *cache.SetAssoc
		backing *dram.Simple
		c       *cache.Cache
	)

	BeforeEach(func() {
		arr = cache.NewSetAssoc(64, 4, repl.NewLRU())
		backing = dram.NewSimple(100)
		c = cache.NewCache("l2", arr, cache.NewCC(10, backing), nil)
	})

	It("charges memory latency plus its own on a miss, only its own on a hit", func() {
		miss := c.Access(memreq.Req{LineAddr: 0x40, Type: memreq.GETS, Cycle: 0})
		Expect(miss).To(Equal(memreq.Cycle(110)))

		hit := c.Access(memreq.Req{LineAddr: 0x40, Type: memreq.GETS, Cycle: 200})
		Expect(hit).To(Equal(memreq.Cycle(210)))
	})

	It("never responds before the request cycle", func() {
		// For every access, respCycle >= reqCycle.
		for i, addr := range []uint64{0x1, 0x40, 0x41, 0x1, 0x80} {
			req := memreq.Req{LineAddr: addr, Type: memreq.GETS, Cycle: memreq.Cycle(i * 13)}
			Expect(c.Access(req)).To(BeNumerically(">=", req.Cycle))
		}
	})

	It("grants exclusive on a GETS miss and modified on GETX", func() {
		var st memreq.MESIState
		c.Access(memreq.Req{LineAddr: 0x40, Type: memreq.GETS, Cycle: 0, ChildState: &st})
		Expect(st).To(Equal(memreq.Exclusive))

		c.Access(memreq.Req{LineAddr: 0x80, Type: memreq.GETX, Cycle: 0, ChildState: &st})
		Expect(st).To(Equal(memreq.Modified))
	})

	It("honors the no-exclusive flag", func() {
		var st memreq.MESIState
		c.Access(memreq.Req{
			LineAddr: 0x40, Type: memreq.GETS, Cycle: 0,
			ChildState: &st, Flags: memreq.NoExclusive,
		})
		Expect(st).To(Equal(memreq.Shared))
	})

	Describe("MESI sharer management", func() {
		var child0, child1 *invRecorder

		BeforeEach(func() {
			child0 = &invRecorder{}
			child1 = &invRecorder{}
			cc := cache.NewCC(10, backing)
			cc.SetChildren(child0, child1)
			c = cache.NewCache("l2", cache.NewSetAssoc(64, 4, repl.NewLRU()), cc, nil)
		})

		It("invalidates other sharers on an exclusive request", func() {
			c.Access(memreq.Req{LineAddr: 0x40, Type: memreq.GETS, Cycle: 0, ChildID: 0})
			c.Access(memreq.Req{LineAddr: 0x40, Type: memreq.GETS, Cycle: 10, ChildID: 1})
			Expect(child0.count()).To(BeZero())

			c.Access(memreq.Req{LineAddr: 0x40, Type: memreq.GETX, Cycle: 20, ChildID: 1})
			Expect(child0.count()).To(Equal(1))
			Expect(child0.invs[0].LineAddr).To(Equal(uint64(0x40)))
			Expect(child1.count()).To(BeZero())
		})

		It("invalidates sharers of an evicted line", func() {
			// Fill one set (4 ways map to set 0 with 16 sets): line
			// addresses congruent mod 16.
			for i := 0; i < 4; i++ {
				c.Access(memreq.Req{LineAddr: uint64(i * 16), Type: memreq.GETS, Cycle: 0, ChildID: 0})
			}
			Expect(child0.count()).To(BeZero())
			c.Access(memreq.Req{LineAddr: 4 * 16, Type: memreq.GETS, Cycle: 100, ChildID: 0})
			Expect(child0.count()).To(Equal(1))
		})
	})

	It("treats a PUT for an absent line as a race no-op with a cycle", func() {
		resp := c.Access(memreq.Req{LineAddr: 0x900, Type: memreq.PUTX, Cycle: 50})
		Expect(resp).To(Equal(memreq.Cycle(60)))
	})

	It("writes a dirty victim back to the next level", func() {
		counting := &countingPath{inner: backing}
		c = cache.NewCache("l2", cache.NewSetAssoc(64, 4, repl.NewLRU()), cache.NewCC(10, counting), nil)

		// Dirty one line, then evict it by filling its set.
		c.Access(memreq.Req{LineAddr: 0, Type: memreq.GETX, Cycle: 0})
		c.Access(memreq.Req{LineAddr: 0, Type: memreq.PUTX, Cycle: 5})
		for i := 1; i <= 4; i++ {
			c.Access(memreq.Req{LineAddr: uint64(i * 16), Type: memreq.GETS, Cycle: memreq.Cycle(10 * i)})
		}
		Expect(counting.putx()).To(Equal(1))
	})
})

// countingPath counts PUTX traffic on its way to the inner backend.
type countingPath struct {
	mu    sync.Mutex
	inner memreq.AccessPath
	nPutx int
}

func (p *countingPath) Access(req memreq.Req) memreq.Cycle {
	p.mu.Lock()
	if req.Type == memreq.PUTX {
		p.nPutx++
	}
	p.mu.Unlock()
	return p.inner.Access(req)
}

func (p *countingPath) putx() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nPutx
}

// flagCountingPath counts per-line fetches reaching the backend, split
// by whether they carried the prefetch flag.
type flagCountingPath struct {
	mu     sync.Mutex
	inner  memreq.AccessPath
	demand map[uint64]int
	pf     map[uint64]int
}

func newFlagCountingPath(inner memreq.AccessPath) *flagCountingPath {
	return &flagCountingPath{inner: inner, demand: make(map[uint64]int), pf: make(map[uint64]int)}
}

func (p *flagCountingPath) Access(req memreq.Req) memreq.Cycle {
	p.mu.Lock()
	if req.Flags.Has(memreq.Prefetch) {
		p.pf[req.LineAddr]++
	} else {
		p.demand[req.LineAddr]++
	}
	p.mu.Unlock()
	return p.inner.Access(req)
}

func (p *flagCountingPath) demandFetches(addr uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.demand[addr]
}

func (p *flagCountingPath) prefetchFetches(addr uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pf[addr]
}

var _ = Describe("Prefetched demand path", func() {
	It("redeems an in-flight prefetch instead of re-fetching", func() {
		tap := newFlagCountingPath(dram.NewSimple(100))
		c := cache.MakeBuilder().
			WithName("l1d").
			WithGeometry(64, 4).
			WithLatency(4).
			WithParents(tap).
			WithStreamPrefetcher().
			Build()

		base := uint64(64 * 3)
		var resp memreq.Cycle
		for i := uint64(0); i < 4; i++ {
			resp = c.Access(memreq.Req{LineAddr: base + i, Type: memreq.GETS, Cycle: memreq.Cycle(200 * i)})
		}
		// The confident stride issued a prefetch for the next line
		// through the cache itself.
		Expect(tap.prefetchFetches(base + 4)).To(Equal(1))

		demand := c.Access(memreq.Req{LineAddr: base + 4, Type: memreq.GETS, Cycle: resp + 1})
		// The demand access rides the prefetch: no second backend
		// fetch, and it completes no earlier than the prefetch's
		// scheduled arrival.
		Expect(tap.demandFetches(base + 4)).To(BeZero())
		Expect(demand).To(BeNumerically(">=", resp+1))
	})
})

var _ = Describe("ZCache array", func() {
	It("finds lines through any of its hash functions", func() {
		z := cache.NewZCache(4, 16, 2, repl.NewLRU())
		c := cache.NewCache("z", z, cache.NewCC(1, dram.NewSimple(10)), nil)

		addrs := []uint64{0x11, 0x2345, 0x9999, 0x42}
		for _, a := range addrs {
			c.Access(memreq.Req{LineAddr: a, Type: memreq.GETS, Cycle: 0})
		}
		for _, a := range addrs {
			Expect(z.Lookup(a, false)).To(BeNumerically(">=", 0))
		}
	})
})

var _ = Describe("IdealLRU array", func() {
	It("is fully associative", func() {
		arr := cache.NewIdealLRUArray(4, repl.NewIdealLRU())
		c := cache.NewCache("ideal", arr, cache.NewCC(1, dram.NewSimple(10)), nil)

		// Addresses that would conflict in a set-associative array all
		// coexist until capacity is reached.
		for i := uint64(0); i < 4; i++ {
			c.Access(memreq.Req{LineAddr: i * 1024, Type: memreq.GETS, Cycle: 0})
		}
		for i := uint64(0); i < 4; i++ {
			Expect(arr.Lookup(i*1024, false)).To(BeNumerically(">=", 0))
		}
	})
})
