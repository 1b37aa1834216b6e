package core

import (
	"fmt"

	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/recorder"
)

// issueEvent anchors one point of the program-order issue chain. Its
// zll cycle (minStartCycle minus gapCycles) is stable across gap
// readjustments, which is what lets the recorder translate cycles from
// several phases back.
type issueEvent struct {
	zll  memreq.Cycle
	cRec *OOORecorder
	ev   *recorder.Event
}

func (ie *issueEvent) Simulate(cycle memreq.Cycle) {
	ie.cRec.reportIssueSimulated(ie, cycle)
	ie.ev.Done(ie.cRec.rec, cycle)
}

// dispatchEvent marks the cycle a load/store left the scheduler; it
// exists to join the issue chain with the access's start event.
type dispatchEvent struct {
	zll memreq.Cycle
	rec *recorder.Recorder
	ev  *recorder.Event
}

func (de *dispatchEvent) Simulate(cycle memreq.Cycle) {
	de.ev.Done(de.rec, cycle)
}

// respEvent completes a memory response; it invalidates its heap slot
// so a later issue doesn't link against a recycled event.
type respEvent struct {
	ev   *recorder.Event
	rec  *recorder.Recorder
	slot *recorder.FutureResponse
}

func (re *respEvent) Simulate(cycle memreq.Cycle) {
	if re.slot != nil {
		re.slot.Invalidate()
	}
	re.ev.Done(re.rec, cycle)
}

// OOORecorder couples a Core to its recorder.Recorder: it builds the
// issue-event chain during the bound phase, stitches each cache access's
// TimingRecord into the DAG, and reconciles contention skew at phase
// end.
type OOORecorder struct {
	rec    *recorder.Recorder
	domain int32
	srcID  uint32

	// sink converts cross-domain edges into crossings; nil when the
	// whole system runs in a single domain.
	sink recorder.CrossingSink

	lastEvProduced *issueEvent

	lastSimulatedZll   memreq.Cycle
	lastSimulatedCycle memreq.Cycle

	totalGapCycles    memreq.Cycle
	totalHaltedCycles memreq.Cycle
	lastUnhaltedCycle memreq.Cycle
}

// NewOOORecorder wires an OOORecorder over rec for the core identified
// by srcID. sink may be nil in single-domain configurations.
func NewOOORecorder(rec *recorder.Recorder, srcID uint32, sink recorder.CrossingSink) *OOORecorder {
	return &OOORecorder{rec: rec, domain: rec.Domain(), srcID: srcID, sink: sink}
}

// Recorder exposes the underlying event recorder.
func (cr *OOORecorder) Recorder() *recorder.Recorder { return cr.rec }

// GapCycles is the current contention-induced skew.
func (cr *OOORecorder) GapCycles() memreq.Cycle { return cr.rec.GapCycles() }

// TotalGapCycles is the lifetime skew accumulated across all joins.
func (cr *OOORecorder) TotalGapCycles() memreq.Cycle {
	return cr.totalGapCycles + cr.rec.GapCycles()
}

// TotalHaltedCycles is the lifetime count of cycles the core spent
// descheduled.
func (cr *OOORecorder) TotalHaltedCycles() memreq.Cycle { return cr.totalHaltedCycles }

func (cr *OOORecorder) newIssueEvent(preDelay uint32, zll memreq.Cycle) *issueEvent {
	ev := cr.rec.NewEvent(preDelay, 0, cr.domain)
	ie := &issueEvent{zll: zll, cRec: cr, ev: ev}
	ev.Sim = ie
	return ie
}

// NotifyJoin transitions the recorder out of Halted (or Draining) when
// the thread is scheduled onto a context: a fresh issue event is
// anchored at the start of the current phase, or the existing chain is
// extended. Returns the adjusted curCycle.
func (cr *OOORecorder) NotifyJoin(curCycle, globPhaseCycles memreq.Cycle) memreq.Cycle {
	switch cr.rec.State() {
	case recorder.Halted:
		curCycle = globPhaseCycles

		cr.totalGapCycles += cr.rec.ResetGap()
		if cr.lastUnhaltedCycle > curCycle {
			panic("NotifyJoin: halted past the current phase start")
		}
		cr.totalHaltedCycles += curCycle - cr.lastUnhaltedCycle

		ie := cr.newIssueEvent(0, curCycle)
		ie.ev.SetMinStartCycle(curCycle)
		cr.rec.EnqueueSynced(ie.ev, curCycle)
		cr.lastEvProduced = ie
		cr.rec.SetStartSlack(0)
	case recorder.Draining:
		if curCycle < globPhaseCycles {
			panic("NotifyJoin: draining thread fell behind the phase clock")
		}
		cr.addIssueEvent(curCycle)
	default:
		panic(fmt.Sprintf("NotifyJoin: invalid recorder state %d", cr.rec.State()))
	}
	cr.rec.NotifyJoin()
	return curCycle
}

// NotifyLeave tapers the issue chain when the thread deschedules, so
// the weave phase can detect the chain completing cleanly.
func (cr *OOORecorder) NotifyLeave(curCycle memreq.Cycle) {
	cr.addIssueEvent(curCycle)
	cr.rec.NotifyLeave()
}

// addIssueEvent extends the program-order issue chain to evCycle:
// the new event is linked behind every outstanding response that
// completes before it, then behind the previous issue event through a
// DelayEvent covering the issue-cycle difference
// (ooo_core_recorder.cpp's addIssueEvent).
func (cr *OOORecorder) addIssueEvent(evCycle memreq.Cycle) {
	last := cr.lastEvProduced
	if last == nil {
		panic("addIssueEvent: no issue chain to extend")
	}
	gap := cr.rec.GapCycles()
	zll := evCycle - gap
	if zll < last.zll {
		panic(fmt.Sprintf("addIssueEvent: zll %d < last %d", zll, last.zll))
	}

	ie := cr.newIssueEvent(0, zll)

	// 1. Link with prior (<) outstanding responses.
	var maxCycle memreq.Cycle
	for {
		fr, ok := cr.rec.PeekFutureResponse()
		if !ok || fr.Cycle() >= zll {
			break
		}
		cr.rec.PopFutureResponse()
		if ev := fr.Event(); ev != nil {
			ev.AddChild(ie.ev)
			maxCycle = fr.Cycle()
		}
	}
	var preDelay uint32
	if maxCycle != 0 && maxCycle < zll {
		preDelay = uint32(zll - maxCycle)
	}
	ie.ev.SetPreDelay(preDelay)

	// 2. Link with the prior issue event through a delay covering the
	// issue-cycle difference.
	issueDelay := uint32(zll - last.zll - memreq.Cycle(preDelay))
	dIssue := recorder.NewDelayEvent(cr.rec, issueDelay)
	dIssue.SetMinStartCycle(last.ev.MinStartCycle())
	last.ev.AddChild(dIssue).AddChild(ie.ev)

	ie.ev.SetMinStartCycle(evCycle)
	cr.lastEvProduced = ie
}

// RecordAccess stitches the TimingRecord deposited by the last L1
// access into the event DAG:
// GETs get an issue anchor, a dispatch event fanned in from earlier
// responses, an up-link delay to the record's start event, and a
// response event pushed onto the future-response heap; PUTs get only
// the up-link.
func (cr *OOORecorder) RecordAccess(curCycle, dispatchCycle, respCycle memreq.Cycle) {
	if !cr.rec.HasRecord() {
		return
	}
	tr := cr.rec.PopRecord()
	gap := cr.rec.GapCycles()

	if tr.IsGet() {
		if tr.EndEvent == nil {
			panic("RecordAccess: GET record without end event")
		}
		cr.addIssueEvent(curCycle)

		dDisp := recorder.NewDelayEvent(cr.rec, uint32(dispatchCycle-curCycle))
		dDisp.SetMinStartCycle(curCycle)

		dispEv := cr.rec.NewEvent(0, 0, cr.domain)
		dispEv.Sim = &dispatchEvent{zll: dispatchCycle - gap, rec: cr.rec, ev: dispEv}
		dispEv.SetMinStartCycle(dispatchCycle)

		// Fan earlier outstanding responses into the dispatch, delayed
		// up to the dispatch cycle.
		zllDispatch := dispatchCycle - gap
		cr.rec.ForEachFuture(func(fr *recorder.FutureResponse) {
			if fr.Cycle() < zllDispatch && fr.Event() != nil {
				dl := recorder.NewDelayEvent(cr.rec, uint32(zllDispatch-fr.Cycle()))
				fr.Event().AddChild(dl).AddChild(dispEv)
			}
		})

		dUp := recorder.NewDelayEvent(cr.rec, uint32(tr.ReqCycle-dispatchCycle))
		dUp.SetMinStartCycle(dispatchCycle)
		cr.lastEvProduced.ev.AddChild(dDisp).AddChild(dispEv).AddChild(dUp).AddChild(tr.StartEvent)

		if respCycle < tr.RespCycle {
			panic("RecordAccess: response cycle earlier than record's")
		}
		downDelay := uint32(respCycle - tr.RespCycle)
		rEv := cr.rec.NewEvent(downDelay, 0, cr.domain)
		re := &respEvent{ev: rEv, rec: cr.rec}
		rEv.Sim = re
		rEv.SetMinStartCycle(respCycle)
		tr.EndEvent.AddChild(rEv)
		re.slot = cr.rec.PushFutureResponse(rEv, respCycle-gap)
	} else {
		putUp := recorder.NewDelayEvent(cr.rec, uint32(tr.ReqCycle-curCycle))
		putUp.SetMinStartCycle(curCycle)
		cr.lastEvProduced.ev.AddChild(putUp).AddChild(tr.StartEvent)
	}

	if cr.sink != nil {
		cr.rec.ProduceCrossings(cr.lastEvProduced.ev, cr.srcID, cr.sink)
		cr.rec.ClearCrossings()
	}
}

// CSimStart runs at the start of the weave phase for this core: a
// still-running thread gets its chain tapered to the next phase
// boundary; a draining one has its stale futures dropped
// (ooo_core_recorder.cpp's cSimStart).
func (cr *OOORecorder) CSimStart(curCycle, globPhaseCycles, phaseLength memreq.Cycle) memreq.Cycle {
	state := cr.rec.State()
	if state == recorder.Halted {
		return curCycle
	}
	nextPhaseCycle := globPhaseCycles + phaseLength

	switch state {
	case recorder.Running:
		if curCycle <= nextPhaseCycle {
			panic("CSimStart: running thread did not cross the phase boundary")
		}
		if cr.lastEvProduced.zll < nextPhaseCycle-cr.rec.GapCycles() {
			cr.addIssueEvent(nextPhaseCycle)
		}
	case recorder.Draining:
		cr.rec.DrainFutures()
		if curCycle < nextPhaseCycle {
			curCycle = nextPhaseCycle
		}
	}
	return curCycle
}

// CSimEnd runs after the weave phase has drained: the skew between the
// last simulated issue event's zero-load and post-contention cycles is
// folded into gapCycles, keeping the zll clock constant.
func (cr *OOORecorder) CSimEnd(curCycle memreq.Cycle) memreq.Cycle {
	state := cr.rec.State()
	if state == recorder.Halted {
		return curCycle
	}

	preContention := cr.lastSimulatedZll + cr.rec.GapCycles()
	postContention := cr.lastSimulatedCycle
	if preContention > curCycle {
		panic("CSimEnd: last simulated event past the bound clock")
	}
	if preContention > postContention {
		panic(fmt.Sprintf("CSimEnd: negative skew, pre %d post %d", preContention, postContention))
	}
	skew := postContention - preContention

	curCycle += skew
	cr.rec.AddGapCycles(skew)
	cr.lastUnhaltedCycle = curCycle

	// A draining chain whose tail has been simulated is fully drained;
	// the recorder halts until the next join.
	if state == recorder.Draining && cr.lastEvProduced.ev.State() == recorder.StateDone {
		cr.rec.NotifyHalt()
		cr.lastEvProduced = nil
	}
	return curCycle
}

func (cr *OOORecorder) reportIssueSimulated(ie *issueEvent, startCycle memreq.Cycle) {
	cr.lastSimulatedZll = ie.zll
	cr.lastSimulatedCycle = startCycle
	// Start slack lets the bound phase estimate how far ahead of the
	// zll clock the weave phase is running.
	if startCycle > ie.zll {
		cr.rec.SetStartSlack(startCycle - ie.zll)
	}
}
