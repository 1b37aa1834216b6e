package contention_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/kilocore/contention"
	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/recorder"
)

// tracer is a test event that records its simulate cycle and completes
// after service cycles.
type tracer struct {
	rec     *recorder.Recorder
	ev      *recorder.Event
	service memreq.Cycle

	mu          sync.Mutex
	simulatedAt memreq.Cycle
	simulated   bool
}

func newTracer(rec *recorder.Recorder, domain int32, service memreq.Cycle) *tracer {
	tr := &tracer{rec: rec, service: service}
	tr.ev = rec.NewEvent(0, 0, domain)
	tr.ev.Sim = tr
	return tr
}

func (tr *tracer) Simulate(cycle memreq.Cycle) {
	tr.mu.Lock()
	tr.simulatedAt = cycle
	tr.simulated = true
	tr.mu.Unlock()
	tr.ev.Done(tr.rec, cycle+tr.service)
}

func (tr *tracer) at() (memreq.Cycle, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.simulatedAt, tr.simulated
}

var _ = Describe("Simulator", func() {
	It("rejects a domain count that does not divide across workers", func() {
		Expect(func() { contention.New(3, 2) }).To(Panic())
	})

	It("completes a phase over an empty domain immediately", func() {
		sim := contention.New(1, 1)
		defer sim.Terminate()

		sim.SimulatePhase(10000)
		Expect(sim.Domain(0).CurCycle()).To(Equal(memreq.Cycle(10000)))
	})

	It("executes events in dispatch order within a domain", func() {
		sim := contention.New(1, 1)
		defer sim.Terminate()
		rec := recorder.New(0, sim)

		t1 := newTracer(rec, 0, 0)
		t2 := newTracer(rec, 0, 0)
		rec.EnqueueSynced(t2.ev, 500)
		rec.EnqueueSynced(t1.ev, 100)

		sim.SimulatePhase(10000)

		c1, ok1 := t1.at()
		c2, ok2 := t2.at()
		Expect(ok1 && ok2).To(BeTrue())
		Expect(c1).To(Equal(memreq.Cycle(100)))
		Expect(c2).To(Equal(memreq.Cycle(500)))
	})

	It("leaves events at or past the limit for the next phase", func() {
		sim := contention.New(1, 1)
		defer sim.Terminate()
		rec := recorder.New(0, sim)

		tr := newTracer(rec, 0, 0)
		rec.EnqueueSynced(tr.ev, 10000)

		sim.SimulatePhase(10000)
		_, ok := tr.at()
		Expect(ok).To(BeFalse())
		Expect(sim.Domain(0).Count()).To(Equal(1))

		sim.SimulatePhase(20000)
		c, ok := tr.at()
		Expect(ok).To(BeTrue())
		Expect(c).To(Equal(memreq.Cycle(10000)))
	})

	It("produces identical completion cycles across identical runs", func() {
		// The weave phase over the same queued events must yield the
		// same cycles.
		run := func() []memreq.Cycle {
			sim := contention.New(2, 1)
			defer sim.Terminate()
			rec := recorder.New(0, sim)

			var tracers []*tracer
			for i := 0; i < 8; i++ {
				dom := int32(i % 2)
				tr := newTracer(rec, dom, memreq.Cycle(i))
				tracers = append(tracers, tr)
				rec.EnqueueSynced(tr.ev, memreq.Cycle(100*i+7))
			}
			sim.SimulatePhase(10000)

			var out []memreq.Cycle
			for _, tr := range tracers {
				c, ok := tr.at()
				Expect(ok).To(BeTrue())
				out = append(out, c)
			}
			return out
		}
		Expect(run()).To(Equal(run()))
	})

	It("advances every domain's clock to the limit", func() {
		sim := contention.New(4, 2)
		defer sim.Terminate()
		sim.SimulatePhase(12345)
		for i := int32(0); i < 4; i++ {
			Expect(sim.Domain(i).CurCycle()).To(Equal(memreq.Cycle(12345)))
		}
	})

	Describe("cross-domain crossings", func() {
		It("orders the destination after the source's completion", func() {
			sim := contention.New(2, 2)
			defer sim.Terminate()
			rec := recorder.New(0, sim)

			src := newTracer(rec, 0, 0)
			dst := newTracer(rec, 1, 0)
			src.ev.AddChild(dst.ev)
			src.ev.SetMinStartCycle(100)

			rec.ProduceCrossings(src.ev, 0, sim)
			rec.EnqueueSynced(src.ev, 100)

			// A crossing that spins to the limit before its source
			// domain's worker runs completes in the following phase.
			sim.SimulatePhase(10000)
			sim.SimulatePhase(20000)

			srcC, srcOK := src.at()
			dstC, dstOK := dst.at()
			Expect(srcOK && dstOK).To(BeTrue())
			Expect(srcC).To(Equal(memreq.Cycle(100)))
			Expect(dstC).To(BeNumerically(">=", srcC+recorder.MinCrossingSlack))
		})

		It("tracks per-domain event counts", func() {
			sim := contention.New(1, 1)
			defer sim.Terminate()
			rec := recorder.New(0, sim)

			for i := 0; i < 5; i++ {
				rec.EnqueueSynced(newTracer(rec, 0, 0).ev, memreq.Cycle(i*10))
			}
			sim.SimulatePhase(1000)
			Expect(sim.Domain(0).EventsSimulated()).To(Equal(uint64(5)))
		})
	})
})
