package core

import (
	"github.com/sarchlab/kilocore/bbl"
	"github.com/sarchlab/kilocore/memreq"
)

// IgnoredAddr is the sentinel recorded for predicated accesses whose
// predicate was false.
const IgnoredAddr = ^uint64(0)

// Callbacks is the struct of function pointers the instrumentation
// front end installs for each simulated thread.
type Callbacks struct {
	OnLoad      func(tid int32, addr uint64)
	OnStore     func(tid int32, addr uint64)
	OnPredLoad  func(tid int32, addr uint64, pred bool)
	OnPredStore func(tid int32, addr uint64, pred bool)
	OnBbl       func(tid int32, bblAddr uint64, info *bbl.Info)
	OnBranch    func(tid int32, pc uint64, taken bool, takenNpc, notTakenNpc uint64)
}

// BarrierTaker is the scheduler-side hook a ThreadDriver invokes when
// its core's clock crosses the phase boundary.
// It blocks until the weave phase completes and returns the (possibly
// skew-adjusted) cycle to resume from plus the next phase boundary.
type BarrierTaker interface {
	TakeBarrier(tid int32, c *Core) (resumeCycle, nextPhaseEnd memreq.Cycle)
}

// ThreadDriver adapts one simulated thread's callback stream onto its
// Core: load/store callbacks buffer addresses in program order, and the
// bbl callback consumes them (the front end always delivers the
// addresses of a block's accesses before the block itself).
type ThreadDriver struct {
	tid     int32
	core    *Core
	barrier BarrierTaker

	phaseEnd memreq.Cycle

	loadAddrs  []uint64
	storeAddrs []uint64
}

// NewThreadDriver builds the driver for tid over c, taking the phase
// barrier through bt once curCycle passes phaseEnd.
func NewThreadDriver(tid int32, c *Core, bt BarrierTaker, phaseEnd memreq.Cycle) *ThreadDriver {
	return &ThreadDriver{tid: tid, core: c, barrier: bt, phaseEnd: phaseEnd}
}

// Callbacks materializes the front-end function-pointer struct for this
// driver's thread.
func (d *ThreadDriver) Callbacks() Callbacks {
	return Callbacks{
		OnLoad:  func(_ int32, addr uint64) { d.loadAddrs = append(d.loadAddrs, addr) },
		OnStore: func(_ int32, addr uint64) { d.storeAddrs = append(d.storeAddrs, addr) },
		OnPredLoad: func(_ int32, addr uint64, pred bool) {
			if !pred {
				addr = IgnoredAddr
			}
			d.loadAddrs = append(d.loadAddrs, addr)
		},
		OnPredStore: func(_ int32, addr uint64, pred bool) {
			if !pred {
				addr = IgnoredAddr
			}
			d.storeAddrs = append(d.storeAddrs, addr)
		},
		OnBbl: func(_ int32, bblAddr uint64, info *bbl.Info) {
			d.core.OnBbl(bblAddr, info, d.loadAddrs, d.storeAddrs)
			d.loadAddrs = d.loadAddrs[:0]
			d.storeAddrs = d.storeAddrs[:0]
			d.maybeTakeBarrier()
		},
		OnBranch: func(_ int32, pc uint64, taken bool, takenNpc, notTakenNpc uint64) {
			d.core.OnBranch(pc, taken, takenNpc, notTakenNpc)
		},
	}
}

// SetPhaseEnd updates the cycle at which the next barrier is taken.
func (d *ThreadDriver) SetPhaseEnd(c memreq.Cycle) { d.phaseEnd = c }

func (d *ThreadDriver) maybeTakeBarrier() {
	for d.barrier != nil && d.core.CurCycle() > d.phaseEnd {
		resume, nextEnd := d.barrier.TakeBarrier(d.tid, d.core)
		d.core.curCycle = resume
		d.phaseEnd = nextEnd
	}
}
