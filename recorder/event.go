// Package recorder implements the TimingEvent DAG, the per-core slab
// allocator, and the EventRecorder that bridges the bound and weave
// phases.
package recorder

import (
	"fmt"

	"github.com/sarchlab/kilocore/memreq"
)

// State is a TimingEvent's position in its lifecycle.
type State int

const (
	StateNone State = iota
	StateQueued
	StateRunning
	StateHeld
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateHeld:
		return "held"
	case StateDone:
		return "done"
	default:
		return "invalid"
	}
}

// NoDomain marks an event that has not yet been bound to a domain; it
// inherits its parent's domain the first time a parent links to it.
const NoDomain int32 = -1

// Simulator is implemented by the logic that runs an Event once its
// dependencies are satisfied.
type Simulator interface {
	Simulate(cycle memreq.Cycle)
}

// Event is a node in the per-core timing DAG. It is never constructed
// directly; concrete event kinds attach a Simulator to an Event
// allocated through Recorder.NewEvent so the slab can bulk-reclaim
// them at phase end.
type Event struct {
	Sim Simulator // the concrete behavior; Init leaves it for the caller to set

	owner         *Recorder
	state         State
	cycle         memreq.Cycle
	minStartCycle memreq.Cycle
	arrival       memreq.Cycle // max of parents' done cycles (plus their postDelay)
	domain        int32
	preDelay      uint32
	postDelay     uint32
	numParents    uint32
	children      []*Event

	// next is used exclusively by contention.Domain's intrusive bucket
	// list; it must never be read or written by anything else.
	next *Event
}

// Init prepares ev for reuse from a Slab. Callers must set ev.Sim
// themselves before the event is queued.
func (ev *Event) Init(preDelay, postDelay uint32, domain int32) {
	ev.state = StateNone
	ev.cycle = 0
	ev.minStartCycle = 0
	ev.arrival = 0
	ev.domain = domain
	ev.preDelay = preDelay
	ev.postDelay = postDelay
	ev.numParents = 0
	ev.children = ev.children[:0]
	ev.next = nil
}

func (ev *Event) Domain() int32               { return ev.domain }
func (ev *Event) PreDelay() uint32            { return ev.preDelay }
func (ev *Event) PostDelay() uint32           { return ev.postDelay }
func (ev *Event) SetPreDelay(d uint32)        { ev.preDelay = d }
func (ev *Event) MinStartCycle() memreq.Cycle { return ev.minStartCycle }
func (ev *Event) SetMinStartCycle(c memreq.Cycle) {
	ev.minStartCycle = c
}
func (ev *Event) State() State { return ev.state }
func (ev *Event) NumChildren() int { return len(ev.children) }

// SetNext/Next back the intrusive priority-queue list used by
// contention.Domain; exported because that type lives in another
// package but must stay a zero-allocation linked list.
func (ev *Event) SetNext(n *Event) { ev.next = n }
func (ev *Event) Next() *Event     { return ev.next }

// AddChild links childEv as a dependent of ev. A parent that already completed propagates its
// done cycle to the child immediately instead of linking, matching the
// original's addChild-on-done behavior.
func (ev *Event) AddChild(childEv *Event) *Event {
	if childEv.state != StateNone {
		panic("AddChild: child already scheduled")
	}
	if ev.domain != NoDomain && childEv.domain == NoDomain {
		childEv.propagateDomain(ev.domain)
	}
	childEv.numParents++

	if ev.state == StateDone {
		childEv.ParentDone(ev.owner, ev.cycle+memreq.Cycle(ev.postDelay))
		return childEv
	}
	ev.children = append(ev.children, childEv)
	return childEv
}

func (ev *Event) propagateDomain(dom int32) {
	ev.domain = dom
	for _, c := range ev.children {
		if c.domain == NoDomain {
			c.propagateDomain(dom)
		}
	}
}

// ParentDone is invoked by a parent when it completes; startCycle is the
// parent's done cycle plus its postDelay. The default behavior decrements
// the parent count and, once it reaches zero, queues the event. Event
// kinds that need different fan-in semantics (DelayEvent, CrossingEvent)
// override this by implementing OnParentDone on their Simulator.
func (ev *Event) ParentDone(rec *Recorder, startCycle memreq.Cycle) {
	if pd, ok := ev.Sim.(interface {
		OnParentDone(rec *Recorder, ev *Event, startCycle memreq.Cycle)
	}); ok {
		pd.OnParentDone(rec, ev, startCycle)
		return
	}

	if startCycle > ev.arrival {
		ev.arrival = startCycle
	}
	ev.numParents--
	if ev.numParents == 0 {
		startCycle := ev.arrival + memreq.Cycle(ev.preDelay)
		if startCycle < ev.minStartCycle {
			startCycle = ev.minStartCycle
		}
		ev.state = StateQueued
		rec.enqueue(ev, startCycle)
	}
}

// Run transitions the event to Running and invokes its Simulator. It
// asserts that an event is never simulated before its minimum start
// cycle.
func (ev *Event) Run(startCycle memreq.Cycle) {
	if ev.state != StateNone && ev.state != StateQueued {
		panic(fmt.Sprintf("Run: invalid state %v", ev.state))
	}
	if startCycle < ev.minStartCycle {
		panic(fmt.Sprintf("Run: startCycle %d < minStartCycle %d", startCycle, ev.minStartCycle))
	}
	ev.state = StateRunning
	ev.Sim.Simulate(startCycle)
	if ev.state != StateDone && ev.state != StateQueued && ev.state != StateHeld {
		panic(fmt.Sprintf("Run: invalid post-simulate state %v", ev.state))
	}
}

// Hold lets an externally-driven collaborator (a DRAM access, an MSHR)
// take control of a running event; it must later call Release and Done.
func (ev *Event) Hold() {
	if ev.state != StateRunning {
		panic("Hold: event not running")
	}
	ev.state = StateHeld
}

// Release returns a held event to Running so it can be finished with Done.
func (ev *Event) Release() {
	if ev.state != StateHeld {
		panic("Release: event not held")
	}
	ev.state = StateRunning
}

// Requeue returns a released (running) event to the queued state at
// cycle, ready for its Requeuer to reinsert it into a domain queue.
func (ev *Event) Requeue(cycle memreq.Cycle) {
	if ev.state != StateRunning {
		panic("Requeue: event not running")
	}
	ev.state = StateQueued
	if cycle > ev.minStartCycle {
		ev.minStartCycle = cycle
	}
}

// Done marks ev finished at doneCycle and notifies every child via
// ParentDone(doneCycle + postDelay). Ownership stays with the slab,
// which reclaims the event when its generation rotates out.
func (ev *Event) Done(rec *Recorder, doneCycle memreq.Cycle) {
	if ev.state != StateRunning {
		panic("Done: event not running")
	}
	ev.state = StateDone
	ev.cycle = doneCycle
	for _, c := range ev.children {
		c.ParentDone(rec, doneCycle+memreq.Cycle(ev.postDelay))
	}
}

// Cycle returns the cycle this (now-done) event completed at.
func (ev *Event) Cycle() memreq.Cycle { return ev.cycle }
