package recorder

import (
	"container/heap"

	"github.com/sarchlab/kilocore/memreq"
)

// RunState is the EventRecorder's own lifecycle, distinct from an
// individual Event's State.
type RunState int

const (
	Halted RunState = iota
	Running
	Draining
)

// TimingRecord is produced by a lower cache level on every access and
// either consumed into the event DAG within the same bound phase or
// carried forward as a future response.
type TimingRecord struct {
	LineAddr   uint64
	ReqCycle   memreq.Cycle
	RespCycle  memreq.Cycle
	ReqType    memreq.AccessType
	StartEvent *Event
	EndEvent   *Event
}

// IsGet reports whether the record describes a demand fetch (as opposed
// to a writeback PUT, whose end event is never waited on).
func (tr *TimingRecord) IsGet() bool {
	return tr.ReqType == memreq.GETS || tr.ReqType == memreq.GETX
}

// Enqueuer hands a newly queued Event to the weave-phase scheduler. A
// core's Recorder is constructed with the contention.Simulator it
// belongs to, which implements this.
type Enqueuer interface {
	Enqueue(ev *Event, cycle memreq.Cycle)
	// EnqueueSynced is used from the bound phase (an arbitrary host
	// thread) into a domain's queue and must take the domain's lock.
	EnqueueSynced(ev *Event, cycle memreq.Cycle)
}

// FutureResponse is one node in the min-heap of responses the core has
// not yet stitched into the event graph. The event pointer is
// invalidated once the response has been simulated, since the slab may
// recycle it afterwards.
type FutureResponse struct {
	zll memreq.Cycle
	ev  *Event
}

// Cycle is the zero-load-latency cycle the response completes at.
func (f *FutureResponse) Cycle() memreq.Cycle { return f.zll }

// Event returns the response event, or nil if it was already simulated.
func (f *FutureResponse) Event() *Event { return f.ev }

// Invalidate marks the response as already simulated so later issue
// stitching skips it.
func (f *FutureResponse) Invalidate() { f.ev = nil }

type responseHeap []*FutureResponse

func (h responseHeap) Len() int            { return len(h) }
func (h responseHeap) Less(i, j int) bool  { return h[i].zll < h[j].zll }
func (h responseHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *responseHeap) Push(x interface{}) { *h = append(*h, x.(*FutureResponse)) }
func (h *responseHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Recorder is the per-core EventRecorder: a slab allocator, a pending
// TimingRecord slot, a min-heap of future responses, a crossing stack,
// gapCycles, and the bound<->weave start-slack estimate.
type Recorder struct {
	slab *Slab

	domain   int32
	enqueuer Enqueuer

	record    TimingRecord
	hasRecord bool

	futures responseHeap

	crossingStack []*Event

	state RunState

	gapCycles  memreq.Cycle
	startSlack memreq.Cycle
}

// New creates a Recorder bound to the given domain id and enqueue
// target.
func New(domain int32, enqueuer Enqueuer) *Recorder {
	r := &Recorder{
		slab:     NewSlab(),
		domain:   domain,
		enqueuer: enqueuer,
		state:    Halted,
	}
	heap.Init(&r.futures)
	return r
}

// Domain reports the contention domain this recorder's core belongs to.
func (r *Recorder) Domain() int32 { return r.domain }

// Slab exposes the underlying arena so phase-end rotation can be driven
// from outside.
func (r *Recorder) Slab() *Slab { return r.slab }

// NewEvent allocates an event from the slab, initializes it, and binds
// it to this recorder so a completed parent can still propagate its
// done cycle to late-added children.
func (r *Recorder) NewEvent(preDelay, postDelay uint32, domain int32) *Event {
	ev := r.slab.Alloc()
	ev.Init(preDelay, postDelay, domain)
	ev.owner = r
	return ev
}

// GapCycles is the accumulated contention-induced skew between the
// zero-load clock and the simulated clock.
func (r *Recorder) GapCycles() memreq.Cycle { return r.gapCycles }

// AddGapCycles folds weave-phase skew into the gap so the bound-phase
// clock picks up where the weave left off.
func (r *Recorder) AddGapCycles(skew memreq.Cycle) { r.gapCycles += skew }

// ResetGap zeroes the gap on a fresh join, returning the old value so
// the caller can accumulate a lifetime total.
func (r *Recorder) ResetGap() memreq.Cycle {
	g := r.gapCycles
	r.gapCycles = 0
	return g
}

// StartSlack is the bound phase's estimate of the weave-phase start
// cycle for the next issue event.
func (r *Recorder) StartSlack() memreq.Cycle { return r.startSlack }

// SetStartSlack updates the start-slack estimate.
func (r *Recorder) SetStartSlack(s memreq.Cycle) { r.startSlack = s }

func (r *Recorder) enqueue(ev *Event, cycle memreq.Cycle) {
	r.enqueuer.Enqueue(ev, cycle)
}

// EnqueueSynced is used by the bound phase (phase 1) to queue the first
// event of a chain; always synchronized because the caller is an
// arbitrary host thread.
func (r *Recorder) EnqueueSynced(ev *Event, cycle memreq.Cycle) {
	ev.state = StateQueued
	if cycle > ev.minStartCycle {
		ev.SetMinStartCycle(cycle)
	}
	r.enqueuer.EnqueueSynced(ev, cycle)
}

// RecordAccess deposits the TimingRecord describing one cache access.
// At most one record may be outstanding: the core consumes it before
// the next access.
func (r *Recorder) RecordAccess(rec TimingRecord) {
	if r.hasRecord {
		panic("RecordAccess: unconsumed timing record")
	}
	r.record = rec
	r.hasRecord = true
}

// HasRecord reports whether an access deposited a record that the core
// has not yet stitched.
func (r *Recorder) HasRecord() bool { return r.hasRecord }

// PopRecord removes and returns the pending TimingRecord.
func (r *Recorder) PopRecord() TimingRecord {
	if !r.hasRecord {
		panic("PopRecord: no pending record")
	}
	r.hasRecord = false
	return r.record
}

// PushFutureResponse records that ev will complete at zero-load cycle
// zll, for later issues to stitch against.
func (r *Recorder) PushFutureResponse(ev *Event, zll memreq.Cycle) *FutureResponse {
	fr := &FutureResponse{zll: zll, ev: ev}
	heap.Push(&r.futures, fr)
	return fr
}

// PeekFutureResponse returns the earliest pending future response
// without removing it, or ok=false if none remain.
func (r *Recorder) PeekFutureResponse() (*FutureResponse, bool) {
	if len(r.futures) == 0 {
		return nil, false
	}
	return r.futures[0], true
}

// PopFutureResponse removes and returns the earliest pending future
// response.
func (r *Recorder) PopFutureResponse() (*FutureResponse, bool) {
	if len(r.futures) == 0 {
		return nil, false
	}
	return heap.Pop(&r.futures).(*FutureResponse), true
}

// ForEachFuture visits every outstanding future response in heap order
// (not sorted); used when linking a dispatch event against all earlier
// responses.
func (r *Recorder) ForEachFuture(fn func(*FutureResponse)) {
	for _, fr := range r.futures {
		fn(fr)
	}
}

// DrainFutures discards every outstanding future response; used when a
// draining thread fails to rejoin before phase end.
func (r *Recorder) DrainFutures() {
	r.futures = r.futures[:0]
}

// PushCrossing / ClearCrossings implement the crossing stack used to
// match request/response pairs across domains.
func (r *Recorder) PushCrossing(ev *Event) { r.crossingStack = append(r.crossingStack, ev) }

// ClearCrossings empties the crossing stack after ProduceCrossings has
// converted the pending cross-domain edges.
func (r *Recorder) ClearCrossings() { r.crossingStack = r.crossingStack[:0] }

// NotifyJoin transitions Halted -> Running.
func (r *Recorder) NotifyJoin() {
	if r.state == Running {
		panic("NotifyJoin: recorder already running")
	}
	r.state = Running
	r.startSlack = 0
}

// NotifyLeave transitions Running -> Draining.
func (r *Recorder) NotifyLeave() {
	if r.state != Running {
		panic("NotifyLeave: recorder not running")
	}
	r.state = Draining
}

// NotifyHalt transitions Draining -> Halted once the weave phase has
// simulated the terminal event chained at leave.
func (r *Recorder) NotifyHalt() {
	if r.state != Draining {
		panic("NotifyHalt: recorder not draining")
	}
	r.state = Halted
}

// State reports the recorder's Halted/Running/Draining lifecycle state.
func (r *Recorder) State() RunState { return r.state }
