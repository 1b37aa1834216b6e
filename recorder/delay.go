package recorder

import "github.com/sarchlab/kilocore/memreq"

// DelayEvent never runs through the normal simulate-on-dequeue path: it
// accumulates the maximum of its parents' done cycles and fires its own
// Done as soon as the last parent reports in, with its preDelay added.
// Issue events chain in program order via DelayEvents covering
// issue-cycle differences.
type DelayEvent struct {
	ev    *Event
	cycle memreq.Cycle
}

// NewDelayEvent allocates a DelayEvent with the given delay as its
// preDelay (it has no postDelay: its only job is to gate its children).
func NewDelayEvent(rec *Recorder, delay uint32) *Event {
	ev := rec.NewEvent(delay, 0, NoDomain)
	ev.Sim = &DelayEvent{ev: ev}
	return ev
}

// Simulate should never be invoked: DelayEvent wakes its children
// directly from OnParentDone.
func (d *DelayEvent) Simulate(cycle memreq.Cycle) {
	panic("DelayEvent.Simulate called directly; DelayEvent wakes children from OnParentDone")
}

// OnParentDone implements the Event.ParentDone override hook.
func (d *DelayEvent) OnParentDone(rec *Recorder, ev *Event, startCycle memreq.Cycle) {
	if startCycle > d.cycle {
		d.cycle = startCycle
	}
	ev.numParents--
	if ev.numParents == 0 {
		doneCycle := d.cycle + memreq.Cycle(ev.preDelay)
		ev.state = StateRunning
		ev.Done(rec, doneCycle)
	}
}
