package sched

import (
	"log/slog"
	"sort"
	"sync"
)

// ProcessTree is the passive collaborator the scheduler consults for
// application liveness.
//
//go:generate mockgen -write_package_comment=false -package=sched_test -destination=mock_proctree_test.go github.com/sarchlab/kilocore/sched ProcessTree
type ProcessTree interface {
	IsAlive(pid int) bool
}

// Scheduler binds application ThreadInfos to a fixed Context pool,
// enforces the per-phase barrier, and drives sleep/wakeup, fake-leave
// and futex-matching bookkeeping.
type Scheduler struct {
	mu sync.Mutex

	contexts []*Context
	threads  map[int64]*ThreadInfo
	runQueue []*ThreadInfo // threads waiting for a free context

	sleepQueue []*ThreadInfo

	curPhase         int64
	quantumPhases    int64
	scheduledThreads int

	barrier *sync.Cond
	joined  int

	// Futex wake/wait matching: maxAllowed is raised
	// before each FUTEX_WAKE and trued up after it returns; unmatched
	// counts woken waiters that have not yet rejoined.
	maxAllowedFutexWakeups int
	unmatchedFutexWakeups  int
	futexCond              *sync.Cond
	futexDesyncPhases      int64
	futexStallSince        int64

	blacklist *Blacklist
	procTree  ProcessTree

	watchdogMaxPhaseGap int64
	fakeLeaveThreshold  int64
}

// New creates a Scheduler over numContexts contexts, rotating handoffs
// every quantumPhases phases. watchdogMaxPhaseGap bounds how far the
// watchdog lets the sleep queue lag before force-advancing curPhase,
// and fakeLeaveThreshold is the phase count after which a fake-leave is
// declared blocking; both are part of the reproducibility contract.
func New(numContexts int, quantumPhases int64, procTree ProcessTree, watchdogMaxPhaseGap, fakeLeaveThreshold int64) *Scheduler {
	s := &Scheduler{
		threads:             make(map[int64]*ThreadInfo),
		quantumPhases:       quantumPhases,
		blacklist:           NewBlacklist(),
		procTree:            procTree,
		watchdogMaxPhaseGap: watchdogMaxPhaseGap,
		fakeLeaveThreshold:  fakeLeaveThreshold,
		futexDesyncPhases:   watchdogMaxPhaseGap,
	}
	s.barrier = sync.NewCond(&s.mu)
	s.futexCond = sync.NewCond(&s.mu)
	for i := 0; i < numContexts; i++ {
		s.contexts = append(s.contexts, &Context{ID: int32(i), State: Idle})
	}
	return s
}

// NumContexts reports the size of the simulated context pool.
func (s *Scheduler) NumContexts() int { return len(s.contexts) }

// ScheduledThreads reports how many contexts currently hold a RUNNING
// thread (the barrier's release count).
func (s *Scheduler) ScheduledThreads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduledThreads
}

func (s *Scheduler) freeContextLocked(mask uint64) *Context {
	for _, c := range s.contexts {
		if c.State == Idle && mask&(1<<uint(c.ID)) != 0 {
			return c
		}
	}
	return nil
}

func (s *Scheduler) bindLocked(ctx *Context, t *ThreadInfo) {
	ctx.State = Used
	ctx.Current = t
	t.LastContext = ctx.ID
	t.State = Running
	s.scheduledThreads++
}

// Join transitions a thread into the context pool: started/out/
// sleeping/blocked -> running when a free context exists, otherwise ->
// queued/blocked. A thread with pending futex state first settles the
// wake/wait matching protocol.
func (s *Scheduler) Join(t *ThreadInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.PendingFutex.Kind {
	case FutexJoinWake:
		// A thread returning from FUTEX_WAKE may not race ahead of the
		// waiters it woke: it blocks until enough woken waiters have
		// been observed.
		for s.unmatchedFutexWakeups < t.PendingFutex.WokenUp {
			s.futexCond.Wait()
		}
		t.PendingFutex = FutexJoinInfo{}
	case FutexJoinWait:
		s.unmatchedFutexWakeups--
		t.PendingFutex = FutexJoinInfo{}
		s.futexCond.Broadcast()
	}

	if t.State == Sleeping {
		s.removeFromSleepQueueLocked(t)
		t.State = Blocked
	}

	mask := t.Affinity
	if mask == 0 {
		mask = ^uint64(0)
	}
	ctx := s.freeContextLocked(mask)
	if ctx == nil {
		if t.State == Started {
			t.State = Queued
		} else {
			t.State = Blocked
		}
		s.runQueue = append(s.runQueue, t)
		return
	}
	s.bindLocked(ctx, t)
}

// Leave transitions running -> out (or -> sleeping if the thread was
// marked for sleep) and releases its context, handing it to a queued
// thread if one is waiting.
func (s *Scheduler) Leave(t *ThreadInfo, sleep bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.FakeLeave = nil
	s.releaseContextLocked(t)
	if sleep {
		t.State = Sleeping
		s.sleepQueue = append(s.sleepQueue, t)
	} else {
		t.State = Out
	}
}

func (s *Scheduler) releaseContextLocked(t *ThreadInfo) {
	for _, c := range s.contexts {
		if c.Current == t {
			c.State = Idle
			c.Current = nil
			s.scheduledThreads--
			break
		}
	}
	if len(s.runQueue) > 0 {
		next := s.runQueue[0]
		mask := next.Affinity
		if mask == 0 {
			mask = ^uint64(0)
		}
		if ctx := s.freeContextLocked(mask); ctx != nil {
			s.runQueue = s.runQueue[1:]
			s.bindLocked(ctx, next)
		}
	}
}

func (s *Scheduler) removeFromSleepQueueLocked(t *ThreadInfo) {
	for i, st := range s.sleepQueue {
		if st == t {
			s.sleepQueue = append(s.sleepQueue[:i], s.sleepQueue[i+1:]...)
			return
		}
	}
}

// MarkForSleep records wakeupPhase and returns a pointer to the
// thread's futex word, which the scheduler signals at wakeup.
func (s *Scheduler) MarkForSleep(t *ThreadInfo, wakeupPhase int64) *int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.WakeupPhase = wakeupPhase
	t.Futex = 0
	return &t.Futex
}

// AdvancePhase bumps curPhase, then pops every sleeper whose wakeupPhase
// has arrived and drives the quantum round-robin and the sleep watchdog.
// Called once per weave-phase completion, serialized with join/leave/
// sync under the scheduler lock.
func (s *Scheduler) AdvancePhase() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.curPhase++
	s.wakeSleepersLocked()

	if s.quantumPhases > 0 && s.curPhase%s.quantumPhases == 0 {
		s.rotateQuantumLocked()
	}

	// Watchdog: if nothing is runnable and the nearest wakeup is far
	// away, drive curPhase forward to avoid deadlock.
	if s.scheduledThreads == 0 && len(s.runQueue) == 0 && len(s.sleepQueue) > 0 {
		nearest := s.sleepQueue[0].WakeupPhase
		for _, t := range s.sleepQueue {
			if t.WakeupPhase < nearest {
				nearest = t.WakeupPhase
			}
		}
		if nearest-s.curPhase > s.watchdogMaxPhaseGap {
			slog.Warn("sched: watchdog advancing phase past idle gap",
				"curPhase", s.curPhase, "nearestWakeup", nearest)
			s.curPhase = nearest
			s.wakeSleepersLocked()
		}
	}

	s.checkFutexDesyncLocked()
}

func (s *Scheduler) wakeSleepersLocked() {
	sort.SliceStable(s.sleepQueue, func(i, j int) bool {
		return s.sleepQueue[i].WakeupPhase < s.sleepQueue[j].WakeupPhase
	})
	i := 0
	for ; i < len(s.sleepQueue); i++ {
		t := s.sleepQueue[i]
		if t.WakeupPhase > s.curPhase {
			break
		}
		t.State = Blocked
		t.Futex = 1 // the front end's retry loop observes this word
	}
	s.sleepQueue = s.sleepQueue[i:]
}

func (s *Scheduler) rotateQuantumLocked() {
	for _, t := range s.runQueue {
		mask := t.Affinity
		if mask == 0 {
			mask = ^uint64(0)
		}
		for _, c := range s.contexts {
			if c.State == Used && c.Current.Handoff == nil && mask&(1<<uint(c.ID)) != 0 {
				c.Current.Handoff = t
				break
			}
		}
	}
}

// Sync is the per-phase barrier rendezvous: a RUNNING thread calls it
// at phase end and blocks until exactly scheduledThreads contexts have
// called it this phase. It reports whether the
// caller was the last to arrive (and should therefore drive the weave
// phase before releasing the others via ReleaseBarrier).
func (s *Scheduler) Sync(t *ThreadInfo) (last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.State != Running {
		return false
	}

	if t.Handoff != nil {
		next := t.Handoff
		t.Handoff = nil
		s.releaseContextLocked(t)
		t.State = Blocked
		s.runQueue = append(s.runQueue, t)
		mask := next.Affinity
		if mask == 0 {
			mask = ^uint64(0)
		}
		if ctx := s.freeContextLocked(mask); ctx != nil {
			s.bindLocked(ctx, next)
		}
		return false
	}

	s.joined++
	if s.joined < s.scheduledThreads {
		phase := s.curPhase
		for s.curPhase == phase {
			s.barrier.Wait()
		}
		return false
	}
	return true
}

// ReleaseBarrier is called by the last thread to arrive, after the
// weave phase has been driven: it resets the join count, advances the
// phase, and releases every waiter.
func (s *Scheduler) ReleaseBarrier() {
	s.mu.Lock()
	s.joined = 0
	s.mu.Unlock()
	s.AdvancePhase()
	s.mu.Lock()
	s.barrier.Broadcast()
	s.mu.Unlock()
}

// NotifyFutexWake is called before a FUTEX_WAKE of n is issued to the
// host kernel: it raises the allowance so concurrent waiters can match.
func (s *Scheduler) NotifyFutexWake(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxAllowedFutexWakeups += n
}

// NotifyFutexWakeReturn trues the allowance up after the wake returned,
// having actually woken actuallyWoken waiters, and installs the
// thread's pending join descriptor.
func (s *Scheduler) NotifyFutexWakeReturn(t *ThreadInfo, n, actuallyWoken int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxAllowedFutexWakeups -= n - actuallyWoken
	t.PendingFutex = FutexJoinInfo{Kind: FutexJoinWake, MaxWakes: n, WokenUp: actuallyWoken}
}

// NotifyFutexWaitReturn is called when a FUTEX_WAIT returned 0 (a real
// wakeup): the waiter counts as unmatched until it rejoins.
func (s *Scheduler) NotifyFutexWaitReturn(t *ThreadInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmatchedFutexWakeups++
	if s.unmatchedFutexWakeups > s.maxAllowedFutexWakeups {
		slog.Warn("sched: futex wakeup exceeds allowance (externally woken thread?)",
			"unmatched", s.unmatchedFutexWakeups, "maxAllowed", s.maxAllowedFutexWakeups)
	}
	t.PendingFutex = FutexJoinInfo{Kind: FutexJoinWait}
	s.futexStallSince = 0
	s.futexCond.Broadcast()
}

// UnmatchedFutexWakeups reports the current unmatched count.
func (s *Scheduler) UnmatchedFutexWakeups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unmatchedFutexWakeups
}

// MaxAllowedFutexWakeups reports the current allowance.
func (s *Scheduler) MaxAllowedFutexWakeups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxAllowedFutexWakeups
}

// checkFutexDesyncLocked clears the matching state after a bounded
// number of stalled phases: externally-woken threads the simulator did
// not observe would otherwise wedge the barrier.
func (s *Scheduler) checkFutexDesyncLocked() {
	if s.unmatchedFutexWakeups == 0 {
		s.futexStallSince = 0
		return
	}
	if s.futexStallSince == 0 {
		s.futexStallSince = s.curPhase
		return
	}
	if s.curPhase-s.futexStallSince > s.futexDesyncPhases {
		slog.Warn("sched: futex matching desync, clearing unmatched counter",
			"unmatched", s.unmatchedFutexWakeups, "stalledPhases", s.curPhase-s.futexStallSince)
		s.unmatchedFutexWakeups = 0
		s.futexStallSince = 0
		s.futexCond.Broadcast()
	}
}

// ShouldFakeLeave decides whether a syscall at pc should really
// deschedule the thread or stay scheduled behind a FakeLeaveInfo.
func (s *Scheduler) ShouldFakeLeave(t *ThreadInfo, pc uint64) bool {
	if s.blacklist.Contains(pc) {
		return false
	}
	s.mu.Lock()
	t.FakeLeave = &FakeLeaveInfo{PC: pc, StartPhase: s.curPhase}
	s.mu.Unlock()
	return true
}

// WatchdogCheckFakeLeaves promotes outstanding fake-leaves to real
// leaves and blacklists their PCs once they have persisted past
// fakeLeaveThreshold phases.
func (s *Scheduler) WatchdogCheckFakeLeaves() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.FakeLeave == nil {
			continue
		}
		if s.curPhase-t.FakeLeave.StartPhase > s.fakeLeaveThreshold {
			slog.Warn("sched: fake-leave declared blocking, blacklisting",
				"gid", t.GID, "pc", t.FakeLeave.PC)
			s.blacklist.Add(t.FakeLeave.PC)
			t.FakeLeave = nil
			s.releaseContextLocked(t)
			t.State = Out
		}
	}
}

// ReapDeadThreads polls procTree liveness and reclaims contexts held by
// threads whose process has died abnormally; other processes continue.
func (s *Scheduler) ReapDeadThreads() {
	if s.procTree == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.State == Destroyed {
			continue
		}
		if !s.procTree.IsAlive(t.PID) {
			slog.Warn("sched: reaping thread of dead process", "gid", t.GID, "pid", t.PID)
			s.releaseContextLocked(t)
			t.State = Destroyed
		}
	}
}

// RegisterThread adds t to the scheduler's thread table (called once,
// at thread creation).
func (s *Scheduler) RegisterThread(t *ThreadInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = Started
	s.threads[t.GID] = t
}

// Finish removes a finished thread, releasing its context if it still
// holds one.
func (s *Scheduler) Finish(t *ThreadInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseContextLocked(t)
	s.removeFromSleepQueueLocked(t)
	t.State = Destroyed
	delete(s.threads, t.GID)
}

// CurPhase reports the scheduler's current phase counter.
func (s *Scheduler) CurPhase() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curPhase
}
