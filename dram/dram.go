// Package dram implements the pluggable memory-timing backends behind
// the uniform access(req) -> cycle contract. The core and cache hierarchy never see a concrete backend
// type, only memreq.AccessPath.
package dram

import (
	"sync"

	"github.com/sarchlab/akita/v4/mem/mem"

	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/recorder"
)

// Simple is a fixed-latency memory backend: every access completes
// latency cycles after it arrives, independent of load.
type Simple struct {
	Latency memreq.Cycle
}

// NewSimple builds a fixed-latency backend.
func NewSimple(latency memreq.Cycle) *Simple { return &Simple{Latency: latency} }

func (s *Simple) Access(req memreq.Req) memreq.Cycle { return req.Cycle + s.Latency }

// MD1 models the memory channel as an M/D/1 queue: a fixed per-request
// service time, with waiting time determined by the channel's current
// occupancy rather than a flat latency, capturing bandwidth contention.
type MD1 struct {
	mu          sync.Mutex
	ServiceTime memreq.Cycle // per-request channel occupancy (1/bandwidth)
	Latency     memreq.Cycle // fixed access latency added on top of queueing
	lastFree    memreq.Cycle // cycle the channel becomes free for the next request
}

// NewMD1 builds an MD1 backend with the given fixed latency and
// per-request channel service time.
func NewMD1(latency, serviceTime memreq.Cycle) *MD1 {
	return &MD1{Latency: latency, ServiceTime: serviceTime}
}

func (m *MD1) Access(req memreq.Req) memreq.Cycle {
	m.mu.Lock()
	start := req.Cycle
	if m.lastFree > start {
		start = m.lastFree
	}
	m.lastFree = start + m.ServiceTime
	m.mu.Unlock()

	return start + m.ServiceTime + m.Latency
}

// Backend is the memreq.AccessPath alias used when a component just
// wants to name "some DRAM backend" generically.
type Backend = memreq.AccessPath

// Ranked models rank/bank conflict timing layered on top of MD1: a
// request that collides with the last access to the same bank within
// tRC pays an extra penalty, approximating rank/bank/refresh behavior
// without a full JEDEC-timing controller.
type Ranked struct {
	mu       sync.Mutex
	md1      *MD1
	numBanks int
	tRC      memreq.Cycle
	lastBankAccess []memreq.Cycle
}

// NewRanked builds a rank/bank-aware backend with numBanks banks and a
// row-cycle-time penalty tRC for back-to-back same-bank accesses.
func NewRanked(latency, serviceTime memreq.Cycle, numBanks int, tRC memreq.Cycle) *Ranked {
	return &Ranked{
		md1:            NewMD1(latency, serviceTime),
		numBanks:       numBanks,
		tRC:            tRC,
		lastBankAccess: make([]memreq.Cycle, numBanks),
	}
}

func (r *Ranked) bankOf(addr uint64) int { return int(addr) % r.numBanks }

func (r *Ranked) Access(req memreq.Req) memreq.Cycle {
	bank := r.bankOf(req.LineAddr)

	r.mu.Lock()
	penalty := memreq.Cycle(0)
	if req.Cycle < r.lastBankAccess[bank]+r.tRC {
		penalty = r.lastBankAccess[bank] + r.tRC - req.Cycle
	}
	r.lastBankAccess[bank] = req.Cycle + penalty
	r.mu.Unlock()

	// The bank penalty is added after the channel access so that a busy
	// bank does not hold the shared channel against other banks.
	return r.md1.Access(req) + penalty
}

// Traced is an external-traced backend: it replays a fixed sequence of
// recorded (address, latency) pairs instead of computing timing, for
// validating the simulator against a captured reference trace.
type Traced struct {
	mu      sync.Mutex
	entries []TraceEntry
	pos     int
}

// TraceEntry is one recorded access in a Traced backend's replay log.
type TraceEntry struct {
	LineAddr uint64
	Latency  memreq.Cycle
}

// NewTraced builds a backend that replays entries in order, ignoring
// the requested address beyond bookkeeping (the trace was captured
// against a specific access sequence and is expected to be replayed
// against the same one).
func NewTraced(entries []TraceEntry) *Traced {
	return &Traced{entries: append([]TraceEntry(nil), entries...)}
}

func (t *Traced) Access(req memreq.Req) memreq.Cycle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos >= len(t.entries) {
		return req.Cycle
	}
	e := t.entries[t.pos]
	t.pos++
	return req.Cycle + e.Latency
}

// WeaveMD1 is the weave-phase variant of the M/D/1 model: the bound phase sees only the
// zero-load latency, and the queueing delay is applied by an event the
// weave phase simulates, so bandwidth contention lands in gapCycles
// instead of the bound clock.
type WeaveMD1 struct {
	mu          sync.Mutex
	ServiceTime memreq.Cycle
	Latency     memreq.Cycle
	lastFree    memreq.Cycle
}

// NewWeaveMD1 builds a weave-phase M/D/1 backend.
func NewWeaveMD1(latency, serviceTime memreq.Cycle) *WeaveMD1 {
	return &WeaveMD1{Latency: latency, ServiceTime: serviceTime}
}

// Access is the bound-phase path: zero-load latency only.
func (m *WeaveMD1) Access(req memreq.Req) memreq.Cycle { return req.Cycle + m.Latency }

// claimChannel serializes requests on the channel in weave order.
func (m *WeaveMD1) claimChannel(cycle memreq.Cycle) memreq.Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := cycle
	if m.lastFree > start {
		start = m.lastFree
	}
	m.lastFree = start + m.ServiceTime
	return start
}

// weaveMD1Event applies the queueing delay when the weave phase reaches
// the request's cycle.
type weaveMD1Event struct {
	mem *WeaveMD1
	rec *recorder.Recorder
	ev  *recorder.Event
}

func (e *weaveMD1Event) Simulate(cycle memreq.Cycle) {
	start := e.mem.claimChannel(cycle)
	e.ev.Done(e.rec, start+e.mem.ServiceTime+e.mem.Latency)
}

// NewAccessEvent allocates the weave-phase event for one request; the
// caller links it into the access's timing record chain.
func (m *WeaveMD1) NewAccessEvent(rec *recorder.Recorder, domain int32) *recorder.Event {
	ev := rec.NewEvent(0, 0, domain)
	ev.Sim = &weaveMD1Event{mem: m, rec: rec, ev: ev}
	return ev
}

// DefaultCapacity is a default backing-store size. None of the backends
// in this package has a capacity, and none of them reads this constant.
const DefaultCapacity = 4 * mem.GB
