package recorder_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/recorder"
)

// miniQueue is a single-domain in-test scheduler: events enqueue in
// cycle order and Drain runs them to completion.
type miniQueue struct {
	entries []struct {
		ev    *recorder.Event
		cycle memreq.Cycle
	}
}

func (q *miniQueue) Enqueue(ev *recorder.Event, cycle memreq.Cycle) {
	q.entries = append(q.entries, struct {
		ev    *recorder.Event
		cycle memreq.Cycle
	}{ev, cycle})
}

func (q *miniQueue) EnqueueSynced(ev *recorder.Event, cycle memreq.Cycle) { q.Enqueue(ev, cycle) }

func (q *miniQueue) Requeue(ev *recorder.Event, cycle memreq.Cycle) { q.Enqueue(ev, cycle) }

func (q *miniQueue) Drain() {
	for len(q.entries) > 0 {
		best := 0
		for i := range q.entries {
			if q.entries[i].cycle < q.entries[best].cycle {
				best = i
			}
		}
		e := q.entries[best]
		q.entries = append(q.entries[:best], q.entries[best+1:]...)
		e.ev.Run(e.cycle)
	}
}

// probe records the cycle it was simulated at and completes after a
// fixed service time.
type probe struct {
	rec     *recorder.Recorder
	ev      *recorder.Event
	service memreq.Cycle

	simulatedAt memreq.Cycle
	simulated   bool
}

func newProbe(rec *recorder.Recorder, domain int32, pre, post uint32, service memreq.Cycle) *probe {
	p := &probe{rec: rec, service: service}
	p.ev = rec.NewEvent(pre, post, domain)
	p.ev.Sim = p
	return p
}

func (p *probe) Simulate(cycle memreq.Cycle) {
	p.simulatedAt = cycle
	p.simulated = true
	p.ev.Done(p.rec, cycle+p.service)
}

var _ = Describe("Event lifecycle", func() {
	var (
		q   *miniQueue
		rec *recorder.Recorder
	)

	BeforeEach(func() {
		q = &miniQueue{}
		rec = recorder.New(0, q)
	})

	It("runs a queued event no earlier than its min start cycle", func() {
		p := newProbe(rec, 0, 0, 0, 5)
		p.ev.SetMinStartCycle(100)
		rec.EnqueueSynced(p.ev, 100)
		q.Drain()

		Expect(p.simulated).To(BeTrue())
		Expect(p.simulatedAt).To(BeNumerically(">=", 100))
		Expect(p.ev.State()).To(Equal(recorder.StateDone))
	})

	It("panics when simulated before its min start cycle", func() {
		p := newProbe(rec, 0, 0, 0, 0)
		p.ev.SetMinStartCycle(100)
		rec.EnqueueSynced(p.ev, 100)
		Expect(func() { p.ev.Run(50) }).To(Panic())
	})

	It("honors parent post-delay plus child pre-delay", func() {
		// simulate(e2).cycle >= simulate(e1).cycle + e1.postDelay +
		// e2.preDelay.
		parent := newProbe(rec, 0, 0, 7, 0)
		child := newProbe(rec, 0, 3, 0, 0)
		parent.ev.AddChild(child.ev)

		rec.EnqueueSynced(parent.ev, 10)
		q.Drain()

		Expect(child.simulated).To(BeTrue())
		Expect(child.simulatedAt).To(BeNumerically(">=", parent.simulatedAt+7+3))
	})

	It("waits for every parent before queuing", func() {
		p1 := newProbe(rec, 0, 0, 0, 0)
		p2 := newProbe(rec, 0, 0, 0, 0)
		child := newProbe(rec, 0, 0, 0, 0)
		p1.ev.AddChild(child.ev)
		p2.ev.AddChild(child.ev)

		p1.ev.SetMinStartCycle(10)
		p2.ev.SetMinStartCycle(50)
		rec.EnqueueSynced(p1.ev, 10)
		rec.EnqueueSynced(p2.ev, 50)
		q.Drain()

		Expect(child.simulatedAt).To(BeNumerically(">=", 50))
	})

	It("propagates a completed parent's cycle to late-added children", func() {
		parent := newProbe(rec, 0, 0, 0, 4)
		rec.EnqueueSynced(parent.ev, 20)
		q.Drain()
		Expect(parent.ev.State()).To(Equal(recorder.StateDone))

		child := newProbe(rec, 0, 0, 0, 0)
		parent.ev.AddChild(child.ev)
		q.Drain()

		Expect(child.simulated).To(BeTrue())
		Expect(child.simulatedAt).To(BeNumerically(">=", parent.simulatedAt+4))
	})

	It("chains DelayEvents without entering the queue", func() {
		parent := newProbe(rec, 0, 0, 0, 0)
		child := newProbe(rec, 0, 0, 0, 0)
		d := recorder.NewDelayEvent(rec, 25)
		parent.ev.AddChild(d).AddChild(child.ev)

		rec.EnqueueSynced(parent.ev, 10)
		q.Drain()

		Expect(child.simulatedAt).To(BeNumerically(">=", parent.simulatedAt+25))
	})
})

var _ = Describe("Hold and release", func() {
	It("lets an external driver park a running event", func() {
		q := &miniQueue{}
		rec := recorder.New(0, q)

		var ev *recorder.Event
		held := false
		holder := rec.NewEvent(0, 0, 0)
		holder.Sim = simulateFunc(func(cycle memreq.Cycle) {
			if !held {
				held = true
				holder.Hold()
				return
			}
		})
		ev = holder
		rec.EnqueueSynced(ev, 5)
		q.Drain()

		Expect(ev.State()).To(Equal(recorder.StateHeld))
		ev.Release()
		ev.Requeue(30)
		q.Enqueue(ev, 30)
		held = true
		wasDone := make(chan struct{})
		ev.Sim = simulateFunc(func(cycle memreq.Cycle) {
			ev.Done(rec, cycle)
			close(wasDone)
		})
		q.Drain()
		Eventually(wasDone).Should(BeClosed())
	})
})

type simulateFunc func(cycle memreq.Cycle)

func (f simulateFunc) Simulate(cycle memreq.Cycle) { f(cycle) }

var _ = Describe("Slab rotation", func() {
	It("keeps the last two generations live", func() {
		rec := recorder.New(0, &miniQueue{})
		slab := rec.Slab()

		e1 := rec.NewEvent(0, 0, 0)
		Expect(slab.Live()).To(Equal(1))
		slab.Rotate()
		Expect(slab.Live()).To(Equal(1)) // e1 now in the prev generation
		e2 := rec.NewEvent(0, 0, 0)
		Expect(slab.Live()).To(Equal(2))
		slab.Rotate()
		// e1's generation retired; e2 promoted to prev.
		Expect(slab.Live()).To(Equal(1))
		_ = e1
		_ = e2
	})
})

var _ = Describe("Future responses", func() {
	It("pops in zero-load cycle order", func() {
		rec := recorder.New(0, &miniQueue{})
		e1 := rec.NewEvent(0, 0, 0)
		e2 := rec.NewEvent(0, 0, 0)
		e3 := rec.NewEvent(0, 0, 0)
		rec.PushFutureResponse(e1, 30)
		rec.PushFutureResponse(e2, 10)
		rec.PushFutureResponse(e3, 20)

		var order []memreq.Cycle
		for {
			fr, ok := rec.PopFutureResponse()
			if !ok {
				break
			}
			order = append(order, fr.Cycle())
		}
		Expect(order).To(Equal([]memreq.Cycle{10, 20, 30}))
	})

	It("skips invalidated responses at stitch time", func() {
		rec := recorder.New(0, &miniQueue{})
		e := rec.NewEvent(0, 0, 0)
		fr := rec.PushFutureResponse(e, 10)
		fr.Invalidate()
		Expect(fr.Event()).To(BeNil())
	})
})
