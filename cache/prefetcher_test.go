package cache_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/kilocore/cache"
	"github.com/sarchlab/kilocore/memreq"
)

// tapPath records prefetch traffic issued through it.
type tapPath struct {
	mu   sync.Mutex
	reqs []memreq.Req
	lat  memreq.Cycle
}

func (p *tapPath) Access(req memreq.Req) memreq.Cycle {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return req.Cycle + p.lat
}

var _ = Describe("Prefetcher", func() {
	var (
		tap *tapPath
		pf  *cache.Prefetcher
	)

	BeforeEach(func() {
		tap = &tapPath{lat: 20}
		pf = cache.NewPrefetcher(tap)
	})

	observe := func(line uint64, cycle memreq.Cycle) {
		pf.Observe(memreq.Req{LineAddr: line, Type: memreq.GETS, Cycle: cycle}, cycle+10)
	}

	It("stays quiet until the stride is confident", func() {
		observe(64*10+0, 0)
		observe(64*10+1, 10)
		Expect(tap.reqs).To(BeEmpty())
	})

	It("issues up to two prefetches once the stride repeats", func() {
		base := uint64(64 * 10)
		observe(base+0, 0)
		observe(base+1, 10)
		observe(base+2, 20)
		observe(base+3, 30)

		Expect(len(tap.reqs)).To(BeNumerically(">=", 1))
		Expect(len(tap.reqs)).To(BeNumerically("<=", 2))
		for _, r := range tap.reqs {
			Expect(r.Flags.Has(memreq.Prefetch)).To(BeTrue())
			Expect(r.LineAddr).To(BeNumerically(">", base+3))
		}
	})

	It("reports a prefetch hit with the scheduled cycle", func() {
		base := uint64(64 * 20)
		for i := uint64(0); i < 6; i++ {
			observe(base+i, memreq.Cycle(i*10))
		}
		Expect(tap.reqs).NotTo(BeEmpty())

		next := tap.reqs[len(tap.reqs)-1].LineAddr
		cycle, ok := pf.PrefetchHit(next)
		Expect(ok).To(BeTrue())
		Expect(cycle).To(BeNumerically(">", 0))
	})

	It("consumes a redeemed prefetch exactly once", func() {
		base := uint64(64 * 30)
		for i := uint64(0); i < 4; i++ {
			observe(base+i, memreq.Cycle(i*10))
		}
		Expect(tap.reqs).NotTo(BeEmpty())

		next := tap.reqs[0].LineAddr
		cycle, ok := pf.ConsumeHit(next)
		Expect(ok).To(BeTrue())
		Expect(cycle).To(BeNumerically(">", 0))

		_, again := pf.ConsumeHit(next)
		Expect(again).To(BeFalse())
	})

	It("tracks streams per page", func() {
		// Interleaved pages must not corrupt each other's stride into
		// spurious prefetches: two observations per page is below the
		// confidence threshold for both.
		observe(64*1+0, 0)
		observe(64*2+0, 5)
		observe(64*1+1, 10)
		observe(64*2+1, 15)
		Expect(tap.reqs).To(BeEmpty())
	})
})
