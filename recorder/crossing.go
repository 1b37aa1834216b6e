package recorder

import (
	"sync/atomic"

	"github.com/sarchlab/kilocore/memreq"
)

// Requeuer lets a CrossingEvent put itself back on its destination
// domain's queue while it waits on its source domain. contention.Simulator implements this.
type Requeuer interface {
	Requeue(ev *Event, cycle memreq.Cycle)
}

// CrossingEnqueuer is how a freshly built CrossingEvent is handed to the
// weave-phase scheduler for the first time, applying the per-(src,dst)
// chaining protocol.
type CrossingEnqueuer interface {
	EnqueueCrossing(ev *Event, cycle memreq.Cycle, srcID uint32, srcDomain, dstDomain int32)
}

// CrossingSink is what ProduceCrossings needs from the weave-phase
// scheduler: first-time enqueue with chaining, plus the requeue path a
// crossing spins on while its source side is pending.
type CrossingSink interface {
	Requeuer
	CrossingEnqueuer
}

// ProduceCrossings walks ev's subtree and splits every parent->child
// edge that spans two domains into a proxy/destination crossing pair,
// then hands the destination half to the scheduler. It is invoked on
// the issue-chain tail after each access is recorded.
func (r *Recorder) ProduceCrossings(ev *Event, srcID uint32, sink CrossingSink) {
	if ev.domain == NoDomain {
		panic("ProduceCrossings: event not bound to a domain")
	}
	for i := 0; i < len(ev.children); i++ {
		c := ev.children[i]
		if c.domain != ev.domain && c.domain != NoDomain {
			if _, isCrossing := c.Sim.(*CrossingEvent); !isCrossing {
				dst := NewCrossingEvent(r, ev, c, c.minStartCycle,
					0, 0, ev.domain, c.domain, sink)
				sink.EnqueueCrossing(dst, dst.minStartCycle, srcID, ev.domain, c.domain)
			}
		}
		r.ProduceCrossings(c, srcID, sink)
	}
}

// MinCrossingSlack is the floor the pre-slack of a crossing is clamped
// to even when the computed value is zero; the destination's
// minStartCycle is bumped to match.
const MinCrossingSlack = 1

// crossingSrc lives in the *source* domain. It replaces the original
// child in the parent's children list, so the parent's normal Done()
// fan-out calls crossingSrc.OnParentDone exactly once; that is the only
// signal a CrossingEvent needs to know its source side has completed.
type crossingSrc struct {
	owner *CrossingEvent
}

func (c *crossingSrc) Simulate(cycle memreq.Cycle) {
	panic("crossingSrc.Simulate called; it is driven exclusively through OnParentDone")
}

func (c *crossingSrc) OnParentDone(rec *Recorder, ev *Event, startCycle memreq.Cycle) {
	if ev.numParents != 1 {
		panic("crossingSrc: unexpected fan-in")
	}
	ev.numParents = 0
	ev.state = StateDone
	c.owner.markSourceDone(startCycle)
}

// CrossingEvent is the destination-domain half of a crossing pair. It is
// enqueued directly into the destination domain (never via ParentDone)
// and keeps re-simulating until the source-domain proxy reports done, at
// which point it finishes the original parent->child edge by calling the
// wrapped child's ParentDone.
type CrossingEvent struct {
	rec   *Recorder
	ev    *Event // the destination-domain event wrapping this Simulator
	proxy *Event // source-domain event (crossingSrc)
	child *Event // the original intended child, now driven by us

	srcDomain, dstDomain int32

	// The source side completes on another domain's worker thread, so
	// the done cycle is published before the flag and both are atomic.
	sourceDone         atomic.Bool
	srcDomainDoneCycle atomic.Uint64
	postSlack          uint32
	requeuer           Requeuer
}

// NewCrossingEvent splits the parent->child edge that spans two domains
// into a source-domain proxy and a destination-domain CrossingEvent.
// preSlack/postSlack are the destination's added delay budget; preSlack
// is floored to MinCrossingSlack.
func NewCrossingEvent(
	rec *Recorder,
	parent, child *Event,
	minStartCycle memreq.Cycle,
	preSlack, postSlack uint32,
	srcDomain, dstDomain int32,
	requeuer Requeuer,
) *Event {
	if preSlack < MinCrossingSlack {
		preSlack = MinCrossingSlack
		minStartCycle++
	}

	proxy := rec.NewEvent(0, 0, srcDomain)
	proxySim := &crossingSrc{}
	proxy.Sim = proxySim
	proxy.numParents = 1

	ce := &CrossingEvent{
		rec:       rec,
		proxy:     proxy,
		child:     child,
		srcDomain: srcDomain,
		dstDomain: dstDomain,
		postSlack: postSlack,
		requeuer:  requeuer,
	}
	proxySim.owner = ce

	dst := rec.NewEvent(preSlack, postSlack, dstDomain)
	dst.SetMinStartCycle(minStartCycle)
	dst.Sim = ce
	ce.ev = dst

	// Replace child's slot in parent's children list with the proxy, so
	// parent.Done() drives the proxy instead of the child directly.
	replaced := false
	for i, c := range parent.children {
		if c == child {
			parent.children[i] = proxy
			replaced = true
			break
		}
	}
	if !replaced {
		panic("NewCrossingEvent: child not found among parent's children")
	}
	if parent.domain != NoDomain {
		proxy.domain = parent.domain
	}

	return dst
}

func (c *CrossingEvent) markSourceDone(cycle memreq.Cycle) {
	c.srcDomainDoneCycle.Store(uint64(cycle))
	c.sourceDone.Store(true)
}

// Simulate is invoked every time the destination domain dequeues this
// event. If the source side hasn't finished yet, it requeues itself one
// cycle later (a bounded spin); once the source is done it finalizes
// the edge by driving the wrapped child.
func (c *CrossingEvent) Simulate(cycle memreq.Cycle) {
	if !c.sourceDone.Load() {
		c.ev.state = StateQueued
		c.ev.minStartCycle = cycle + 1
		c.requeuer.Requeue(c.ev, cycle+1)
		return
	}

	doneCycle := cycle
	srcDone := memreq.Cycle(c.srcDomainDoneCycle.Load())
	if floor := srcDone + memreq.Cycle(c.ev.PreDelay()); floor > doneCycle {
		doneCycle = floor
	}
	// The wrapped child joins any crossings chained behind this one.
	c.ev.children = append(c.ev.children, c.child)
	c.ev.Done(c.rec, doneCycle)
}
