package recorder_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/recorder"
)

var _ = Describe("CrossingEvent", func() {
	var (
		q   *miniQueue
		rec *recorder.Recorder
	)

	BeforeEach(func() {
		q = &miniQueue{}
		rec = recorder.New(0, q)
	})

	It("floors a zero pre-slack to one and bumps the min start cycle", func() {
		parent := newProbe(rec, 0, 0, 0, 0)
		child := newProbe(rec, 1, 0, 0, 0)
		parent.ev.AddChild(child.ev)

		dst := recorder.NewCrossingEvent(rec, parent.ev, child.ev, 10, 0, 0, 0, 1, q)

		Expect(dst.PreDelay()).To(Equal(uint32(recorder.MinCrossingSlack)))
		Expect(dst.MinStartCycle()).To(Equal(memreq.Cycle(11)))
	})

	It("never completes the destination before the source proxy", func() {
		// Source cycle 100, destination-side zero-load latency 20:
		// the destination must simulate at or after
		// 100 + pre-slack + 20.
		parent := newProbe(rec, 0, 0, 0, 0)
		child := newProbe(rec, 1, 20, 0, 0)
		parent.ev.AddChild(child.ev)

		dst := recorder.NewCrossingEvent(rec, parent.ev, child.ev, 0, 0, 0, 0, 1, q)

		parent.ev.SetMinStartCycle(100)
		q.Enqueue(parent.ev, 100)
		enqueueQueued(q, dst)
		q.Drain()

		Expect(child.simulated).To(BeTrue())
		Expect(child.simulatedAt).To(BeNumerically(">=",
			memreq.Cycle(100)+memreq.Cycle(dst.PreDelay())+20))
	})

	It("keeps spinning until the source side resolves", func() {
		parent := newProbe(rec, 0, 0, 0, 0)
		child := newProbe(rec, 1, 0, 0, 0)
		parent.ev.AddChild(child.ev)
		dst := recorder.NewCrossingEvent(rec, parent.ev, child.ev, 0, 0, 0, 0, 1, q)

		enqueueQueued(q, dst)
		// Source never enqueued: one drain pass requeues the crossing
		// rather than completing the child.
		for i := 0; i < 5; i++ {
			e := q.entries[0]
			q.entries = q.entries[1:]
			e.ev.Run(e.cycle)
		}
		Expect(child.simulated).To(BeFalse())
		Expect(q.entries).To(HaveLen(1))
	})
})

// enqueueQueued inserts an event that was created in the queued state
// (crossings are born queued) without re-marking it.
func enqueueQueued(q *miniQueue, ev *recorder.Event) {
	q.Enqueue(ev, ev.MinStartCycle())
}
