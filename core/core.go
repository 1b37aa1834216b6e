// Package core implements the out-of-order core timing model: per-uop
// issue/dispatch/retire bookkeeping, the instruction window, ROB,
// load/store queues, uop queue, branch predictor, and STLF table
//, coupled to the per-core event recorder that bridges
// into the weave phase.
package core

import (
	"github.com/sarchlab/kilocore/bbl"
	"github.com/sarchlab/kilocore/memreq"
)

const (
	robSize       = 128
	robRetireRate = 4
	lqSize        = 32
	sqSize        = 32
	uopQueueSize  = 28
	issueWidth    = 4 // MAX_IPC: uops leaving the scheduler per cycle
	regReadPorts  = 3
	l1dLatency    = 4
	fetchLineBytes = 64
	fetchBytesPerCycle = 16
	wrongPathMaxLines  = 5
)

// Core is one simulated out-of-order pipeline. It owns no threads of
// its own: OnBbl is invoked synchronously by the instrumentation front
// end on that thread's host goroutine during the bound phase.
type Core struct {
	ID int32

	curCycle            memreq.Cycle
	decodeCycle         memreq.Cycle
	lastCommit          memreq.Cycle
	lastStoreAddrCommit memreq.Cycle
	lastStoreCommit     memreq.Cycle

	scoreboard map[bbl.RegID]memreq.Cycle

	regPortCycle memreq.Cycle
	regPortsUsed int

	window *Window
	rob    *rob
	lq     *lsq
	sq     *lsq
	uopQ   *uopQueue
	bp     *BranchPredictor
	stlf   STLF

	l1i memreq.AccessPath
	l1d memreq.AccessPath

	crec *OOORecorder

	instrs uint64
}

// New builds a Core bound to the given bound/weave recorder and L1
// instruction/data access paths.
func New(id int32, crec *OOORecorder, l1i, l1d memreq.AccessPath) *Core {
	return &Core{
		ID:         id,
		scoreboard: make(map[bbl.RegID]memreq.Cycle),
		window:     NewWindow(),
		rob:        newROB(robSize, robRetireRate),
		lq:         newLSQ(lqSize),
		sq:         newLSQ(sqSize),
		uopQ:       newUopQueue(uopQueueSize),
		bp:         NewBranchPredictor(),
		l1i:        l1i,
		l1d:        l1d,
		crec:       crec,
	}
}

// CurCycle is the core's bound-phase clock, already gap-adjusted: all
// internal bookkeeping runs on the contention-skewed clock.
func (c *Core) CurCycle() memreq.Cycle { return c.curCycle }

// Instrs reports the number of instructions this core has retired.
func (c *Core) Instrs() uint64 { return c.instrs }

// Recorder exposes the core's bound/weave bridge so the scheduler and
// phase driver can run join/leave and cSimStart/cSimEnd.
func (c *Core) Recorder() *OOORecorder { return c.crec }

// ContextSwitch is the scheduler's notification: gid == -1
// means descheduled, so private per-thread state is flushed.
func (c *Core) ContextSwitch(gid int64) {
	if gid == -1 {
		for r := range c.scoreboard {
			delete(c.scoreboard, r)
		}
		c.stlf = STLF{}
	}
}

// Join notifies the recorder the core's thread has been scheduled; the
// core's clock restarts from the recorder-adjusted cycle.
func (c *Core) Join(globPhaseCycles memreq.Cycle) {
	c.curCycle = c.crec.NotifyJoin(c.curCycle, globPhaseCycles)
}

// Leave notifies the recorder the core's thread is descheduling.
func (c *Core) Leave() {
	c.crec.NotifyLeave(c.curCycle)
}

// rob is the reorder buffer: a capacity and retire rate, modeled only
// as a minimum-allocation-cycle tracker since the core's correctness
// properties depend on minAlloc ordering, not on a literal
// ring buffer of entries.
type rob struct {
	capacity   int
	retireRate int
	occupied   []memreq.Cycle // retire cycle of each currently-occupied slot, oldest first
	minAlloc   memreq.Cycle
}

func newROB(capacity, retireRate int) *rob {
	return &rob{capacity: capacity, retireRate: retireRate}
}

func (r *rob) allocate(retireCycle memreq.Cycle) {
	r.occupied = append(r.occupied, retireCycle)
	if len(r.occupied) > r.capacity {
		r.retire()
	}
}

func (r *rob) retire() {
	n := r.retireRate
	if n > len(r.occupied) {
		n = len(r.occupied)
	}
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		if r.occupied[i] > r.minAlloc {
			r.minAlloc = r.occupied[i]
		}
	}
	r.occupied = r.occupied[n:]
}

// lsq is a fixed-capacity load/store queue modeled the same way as the
// ROB: only the retire cycle of each occupied entry, oldest first, since
// only the wait-for-slot backpressure matters, not per-entry identity.
type lsq struct {
	capacity int
	entries  []memreq.Cycle
}

func newLSQ(capacity int) *lsq { return &lsq{capacity: capacity} }

func (q *lsq) waitForSlot(requestCycle memreq.Cycle) memreq.Cycle {
	if len(q.entries) < q.capacity {
		return requestCycle
	}
	oldest := q.entries[0]
	q.entries = q.entries[1:]
	if oldest > requestCycle {
		return oldest
	}
	return requestCycle
}

func (q *lsq) occupy(retireCycle memreq.Cycle) { q.entries = append(q.entries, retireCycle) }

// uopQueue models the issue queue's issue-width throttle. Its capacity
// is recorded but not enforced: nothing advances minAllocCycle, so the
// minimum-allocation check in OnBbl never delays decode.
type uopQueue struct {
	capacity      int
	minAllocCycle memreq.Cycle
	issuedThisCycle int
	issueCycle      memreq.Cycle
}

func newUopQueue(capacity int) *uopQueue { return &uopQueue{capacity: capacity} }

// throttle enforces the 4-wide issue limit: at most issueWidth uops may
// leave the scheduler per cycle; exceeding it advances the window one
// cycle.
func (q *uopQueue) throttle(cycle memreq.Cycle) memreq.Cycle {
	if cycle > q.issueCycle {
		q.issueCycle = cycle
		q.issuedThisCycle = 0
	}
	for q.issuedThisCycle >= issueWidth {
		q.issueCycle++
		q.issuedThisCycle = 0
	}
	q.issuedThisCycle++
	return q.issueCycle
}
