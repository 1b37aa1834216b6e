// Package simctx defines the single simulator-context value that ties
// bound/weave clocks, the scheduler's thread table, and the stats tree
// together. akita/v4/sim contributes HookableBase and the process-wide
// id generator; the engine/port/message model is not used here (see
// DESIGN.md).
package simctx

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sarchlab/akita/v4/monitoring"
	"github.com/sarchlab/akita/v4/sim"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/kilocore/config"
	"github.com/sarchlab/kilocore/contention"
	"github.com/sarchlab/kilocore/core"
	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/sched"
	"github.com/sarchlab/kilocore/stats"
)

// Context is the process-wide simulator context. It is produced once by
// the configuration loader and never mutated by components after
// construction; every component that needs shared state receives a
// *Context through its own constructor instead of reaching for a
// package-level global.
type Context struct {
	*sim.HookableBase

	Config    *config.Tree
	Scheduler *sched.Scheduler
	Simulator *contention.Simulator
	Stats     *stats.Tree
	Monitor   *monitoring.Monitor

	mu              sync.Mutex
	GlobPhaseCycles memreq.Cycle
	PhaseLength     memreq.Cycle

	cores   []*core.Core
	threads map[int32]*sched.ThreadInfo
	resumed map[int32]memreq.Cycle
}

// New builds a Context from an already-loaded configuration and the
// given Scheduler, contention Simulator and stats tree, reading the phase
// length from sys.phaseLength (default 10000). It creates an akita
// monitoring.Monitor; nothing is registered with it.
func New(cfg *config.Tree, schedr *sched.Scheduler, weave *contention.Simulator, tree *stats.Tree) *Context {
	return &Context{
		HookableBase: sim.NewHookableBase(),
		Config:       cfg,
		Scheduler:    schedr,
		Simulator:    weave,
		Stats:        tree,
		Monitor:      monitoring.NewMonitor(),
		PhaseLength:  memreq.Cycle(cfg.GetInt("sys.phaseLength", 10000)),
		threads:      make(map[int32]*sched.ThreadInfo),
		resumed:      make(map[int32]memreq.Cycle),
	}
}

// NextID returns a fresh globally unique id, e.g. for naming a newly
// constructed core or cache component.
func (c *Context) NextID() string { return sim.GetIDGenerator().Generate() }

// RegisterCore adds a core (and its thread record) to the phase
// driver's roster. Topology is fixed before simulation starts.
func (c *Context) RegisterCore(co *core.Core, t *sched.ThreadInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cores = append(c.cores, co)
	c.threads[co.ID] = t
	c.Scheduler.RegisterThread(t)
}

// RegisterFinalDump arranges for a last stats dump on process exit.
func (c *Context) RegisterFinalDump(binW, textW io.Writer) {
	atexit.Register(func() {
		if err := c.Stats.DumpBinary(binW); err != nil {
			slog.Error("simctx: final binary stats dump failed", "err", err)
		}
		c.Stats.DumpText(textW)
	})
}

// TakeBarrier implements core.BarrierTaker: the calling thread has
// crossed the phase boundary in its bound phase. The last arrival
// drives the weave phase for every registered core, then releases the
// barrier; everyone resumes at its skew-adjusted cycle.
func (c *Context) TakeBarrier(tid int32, co *core.Core) (resumeCycle, nextPhaseEnd memreq.Cycle) {
	t := c.threads[tid]
	last := c.Scheduler.Sync(t)
	if last {
		c.runWeavePhase()
		c.Scheduler.ReleaseBarrier()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed[co.ID], c.GlobPhaseCycles + c.PhaseLength
}

// runWeavePhase is phase two of the two-phase protocol: taper every
// running recorder, drain every domain up to the new limit, reconcile
// skew, rotate the event arenas, and advance the global phase clock.
func (c *Context) runWeavePhase() {
	c.mu.Lock()
	glob := c.GlobPhaseCycles
	limit := glob + c.PhaseLength
	cores := append([]*core.Core(nil), c.cores...)
	c.mu.Unlock()

	adjusted := make(map[int32]memreq.Cycle, len(cores))
	for _, co := range cores {
		adjusted[co.ID] = co.Recorder().CSimStart(co.CurCycle(), glob, c.PhaseLength)
	}

	c.Simulator.SimulatePhase(limit)

	c.mu.Lock()
	for _, co := range cores {
		c.resumed[co.ID] = co.Recorder().CSimEnd(adjusted[co.ID])
		co.Recorder().Recorder().Slab().Rotate()
	}
	c.GlobPhaseCycles = limit
	c.mu.Unlock()
}

// AdvancePhase bumps the global phase-cycle counter by PhaseLength and
// runs the scheduler's per-phase bookkeeping; used by drivers that run
// phases without a live barrier (tests, warmup).
func (c *Context) AdvancePhase() {
	c.mu.Lock()
	c.GlobPhaseCycles += c.PhaseLength
	c.mu.Unlock()
	c.Scheduler.AdvancePhase()
}

// ContentionStats builds the per-domain profiling subtree (events
// simulated per domain) as proxy nodes over the Simulator's counters,
// for callers assembling the full stats tree.
func (c *Context) ContentionStats() *stats.Aggregate {
	agg := stats.NewAggregate("contention", "weave-phase domain counters")
	for i := 0; i < c.Simulator.NumDomains(); i++ {
		d := c.Simulator.Domain(int32(i))
		agg.Add(stats.NewProxy(
			fmt.Sprintf("domain%d.events", i),
			"events simulated by this domain",
			func() int64 { return int64(d.EventsSimulated()) },
		))
	}
	return agg
}

// Terminate cooperatively shuts the weave-phase worker pool down.
func (c *Context) Terminate() {
	c.Simulator.Terminate()
}
