package contention

import (
	"fmt"
	"sync"

	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/recorder"
)

// crossingKey identifies one (source core, source domain, destination
// domain) triple so repeated crossings from the same core to the same
// pair of domains chain onto one another in issue order.
type crossingKey struct {
	srcID                uint32
	srcDomain, dstDomain int32
}

type crossingSlot struct {
	ev    *recorder.Event
	cycle memreq.Cycle
}

// Simulator owns every contention domain and a fixed pool of worker
// goroutines, each responsible for a contiguous range of domains, and
// drains them phase by phase.
type Simulator struct {
	domains []*Domain
	workers int

	mu           sync.Mutex
	lastCrossing map[crossingKey]crossingSlot

	limit     memreq.Cycle
	lastLimit memreq.Cycle

	// Worker-pool rendezvous: workers block on wake until SimulatePhase
	// releases them, then the last one to finish releases the barrier.
	wakeMu    sync.Mutex
	wake      *sync.Cond
	phaseSeq  uint64
	finished  int
	phaseDone *sync.Cond

	terminated bool
}

// New builds a Simulator over numDomains domains split across workers
// goroutines. The domain count must be a multiple of the worker count
//; violating it is a configuration
// error and fatal at initialization.
func New(numDomains, workers int) *Simulator {
	if workers < 1 {
		workers = 1
	}
	if numDomains%workers != 0 {
		panic(fmt.Sprintf("contention: domains (%d) must be a multiple of workers (%d)", numDomains, workers))
	}
	s := &Simulator{
		workers:      workers,
		lastCrossing: make(map[crossingKey]crossingSlot),
	}
	s.wake = sync.NewCond(&s.wakeMu)
	s.phaseDone = sync.NewCond(&s.wakeMu)
	for i := 0; i < numDomains; i++ {
		s.domains = append(s.domains, NewDomain(int32(i), 0))
	}
	perWorker := numDomains / workers
	for w := 0; w < workers; w++ {
		go s.workerLoop(w*perWorker, (w+1)*perWorker)
	}
	return s
}

// Domain returns the domain queue with the given id.
func (s *Simulator) Domain(id int32) *Domain { return s.domains[id] }

// NumDomains reports how many domains this Simulator schedules.
func (s *Simulator) NumDomains() int { return len(s.domains) }

// Enqueue implements recorder.Enqueuer: ev has just become ready
// (numParents reached zero) inside a Simulate callback already running
// on this domain's worker, so no lock hand-off across workers is needed
// beyond the domain's own mutex.
func (s *Simulator) Enqueue(ev *recorder.Event, cycle memreq.Cycle) {
	s.domains[ev.Domain()].insert(ev, cycle)
}

// EnqueueSynced implements recorder.Enqueuer for callers outside the
// weave phase (the bound phase, running on an arbitrary host thread).
// It asserts the two-phase clock discipline: nothing may be enqueued
// before the last simulated limit (contention_sim.cpp's enqueueSynced).
func (s *Simulator) EnqueueSynced(ev *recorder.Event, cycle memreq.Cycle) {
	s.mu.Lock()
	last := s.lastLimit
	s.mu.Unlock()
	if cycle < last {
		panic(fmt.Sprintf("contention: enqueued (synced) event before last limit, cycle %d < %d", cycle, last))
	}
	s.domains[ev.Domain()].insert(ev, cycle)
}

// Requeue implements recorder.Requeuer: a CrossingEvent puts itself back
// on its own (destination) domain's queue because its source side has
// not finished yet.
func (s *Simulator) Requeue(ev *recorder.Event, cycle memreq.Cycle) {
	s.domains[ev.Domain()].insert(ev, cycle)
}

// EnqueueCrossing implements recorder.CrossingEnqueuer. It applies the
// "last crossing" chaining rule: if the previous crossing on the same
// (core, srcDomain, dstDomain) route is still ahead of the source
// domain's clock and ordered before the new one, the new crossing is
// chained as its child so the destination sees them in order; otherwise
// it goes straight into the destination domain's queue.
func (s *Simulator) EnqueueCrossing(ev *recorder.Event, cycle memreq.Cycle, srcID uint32, srcDomain, dstDomain int32) {
	key := crossingKey{srcID: srcID, srcDomain: srcDomain, dstDomain: dstDomain}

	s.mu.Lock()
	prev, havePrev := s.lastCrossing[key]
	s.lastCrossing[key] = crossingSlot{ev: ev, cycle: cycle}
	s.mu.Unlock()

	if havePrev &&
		prev.cycle > s.domains[srcDomain].CurCycle() &&
		prev.cycle <= cycle &&
		prev.ev.State() != recorder.StateDone {
		prev.ev.AddChild(ev)
		return
	}

	s.domains[dstDomain].insert(ev, cycle)
}

// Terminate makes every worker exit on its next wake.
func (s *Simulator) Terminate() {
	s.wakeMu.Lock()
	s.terminated = true
	s.phaseSeq++
	s.wakeMu.Unlock()
	s.wake.Broadcast()
	s.phaseDone.Broadcast()
}

// SimulatePhase drains every domain up to (but not including) limit:
// it wakes the worker pool, then blocks until the last worker reports
// its range fully drained. On return every domain's curCycle has been
// advanced to limit.
func (s *Simulator) SimulatePhase(limit memreq.Cycle) {
	if len(s.domains) == 0 {
		return
	}
	s.mu.Lock()
	if limit < s.lastLimit {
		panic("contention: phase limit moved backwards")
	}
	s.limit = limit
	s.mu.Unlock()

	s.wakeMu.Lock()
	s.finished = 0
	s.phaseSeq++
	s.wakeMu.Unlock()
	s.wake.Broadcast()

	s.wakeMu.Lock()
	for s.finished < s.workers && !s.terminated {
		s.phaseDone.Wait()
	}
	s.wakeMu.Unlock()

	s.mu.Lock()
	s.lastLimit = limit
	s.mu.Unlock()
}

// workerLoop is one simulator thread: it starts blocked on the wake
// condition, drains its contiguous domain range each time a phase is
// released, and reports in so the last finisher releases the barrier.
func (s *Simulator) workerLoop(lo, hi int) {
	var seen uint64
	for {
		s.wakeMu.Lock()
		for s.phaseSeq == seen && !s.terminated {
			s.wake.Wait()
		}
		if s.terminated {
			s.wakeMu.Unlock()
			return
		}
		seen = s.phaseSeq
		s.wakeMu.Unlock()

		s.mu.Lock()
		limit := s.limit
		s.mu.Unlock()

		s.drainRange(lo, hi, limit)

		s.wakeMu.Lock()
		s.finished++
		if s.finished == s.workers {
			s.phaseDone.Broadcast()
		}
		s.wakeMu.Unlock()
	}
}

// drainRange runs one worker's contiguous domain range. With a single
// domain it is a plain drain loop; with several it
// multiplexes them, rotating past domains that have stalled (nothing
// ready before the limit) until every domain in range is drained, then
// advances each domain's clock to the limit.
func (s *Simulator) drainRange(lo, hi int, limit memreq.Cycle) {
	if hi-lo == 1 {
		d := s.domains[lo]
		for {
			ev, cycle, ok := d.pop(limit)
			if !ok {
				break
			}
			ev.Run(cycle)
			d.recordEvent()
		}
		d.finishPhase(limit)
		return
	}

	// Multi-domain: always simulate the domain whose next event is
	// earliest (ties broken by domain priority, then index), so
	// crossings between sibling domains interleave with their source's
	// progress instead of spinning to the limit.
	for {
		best := -1
		var bestCycle memreq.Cycle
		for i := lo; i < hi; i++ {
			c, ok := s.domains[i].peek(limit)
			if !ok {
				continue
			}
			if best == -1 || c < bestCycle ||
				(c == bestCycle && s.domains[i].priority < s.domains[best].priority) {
				best = i
				bestCycle = c
			}
		}
		if best == -1 {
			break
		}
		d := s.domains[best]
		ev, cycle, ok := d.pop(limit)
		if !ok {
			continue
		}
		ev.Run(cycle)
		d.recordEvent()
	}
	for i := lo; i < hi; i++ {
		s.domains[i].finishPhase(limit)
	}
}
