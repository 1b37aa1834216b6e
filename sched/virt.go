package sched

import "log/slog"

// Syscall numbers the virtualization layer recognizes. Only the
// families the scheduler itself must drive are patched here (time,
// sleep, and timeouts on blocking waits); path and socket
// virtualization belong to the front end.
const (
	SysGettimeofday  = 96
	SysTime          = 201
	SysClockGettime  = 228
	SysNanosleep     = 35
	SysClockNanosleep = 230
	SysFutex         = 202
	SysPoll          = 7
	SysEpollWait     = 232
	SysEpollPwait    = 281
)

// SyscallArgs is the mutable view of a syscall a pre-patch function may
// rewrite: the number itself, up to six arguments, and the caller's
// thread.
type SyscallArgs struct {
	Num    int64
	Args   [6]uint64
	Thread *ThreadInfo
}

// PostPatchFn runs after the host syscall returns and may patch the
// result, request a retry driven by the scheduler's simulated wakeup
// phase, or do nothing.
type PostPatchFn func(retval int64) (patched int64, retry bool)

// PrePatchFn runs before the host kernel is invoked; it may rewrite
// arguments or substitute the syscall number, and returns the
// post-patch function for this call.
type PrePatchFn func(args *SyscallArgs) PostPatchFn

// NopPostPatch leaves the return value untouched.
func NopPostPatch(retval int64) (int64, bool) { return retval, false }

// SimClock supplies virtualized time: the simulated nanoseconds the
// patched time family reports instead of host time.
type SimClock interface {
	SimNanos() uint64
	// PhaseForDelay translates a simulated-ns delay into the absolute
	// phase a sleeping thread should wake at.
	PhaseForDelay(ns uint64) int64
}

// SyscallVirt is the registry of pre-patch functions, consulted once
// per recognized syscall. Failure to virtualize is benign: the patch is
// skipped, a warning logged once per syscall number, and the original
// call proceeds.
type SyscallVirt struct {
	sched  *Scheduler
	clock  SimClock
	warned map[int64]bool
}

// NewSyscallVirt builds the registry over the scheduler and simulated
// clock.
func NewSyscallVirt(s *Scheduler, clock SimClock) *SyscallVirt {
	return &SyscallVirt{sched: s, clock: clock, warned: make(map[int64]bool)}
}

func (v *SyscallVirt) warnOnce(num int64, msg string) {
	if !v.warned[num] {
		v.warned[num] = true
		slog.Warn("virt: skipping syscall virtualization", "syscall", num, "reason", msg)
	}
}

// PrePatch dispatches to the family handler for args.Num, or returns a
// no-op pair for unrecognized syscalls.
func (v *SyscallVirt) PrePatch(args *SyscallArgs) PostPatchFn {
	switch args.Num {
	case SysGettimeofday, SysTime, SysClockGettime:
		return v.patchTime(args)
	case SysNanosleep, SysClockNanosleep:
		return v.patchSleep(args)
	case SysFutex, SysPoll, SysEpollWait, SysEpollPwait:
		return v.patchTimeout(args)
	default:
		return NopPostPatch
	}
}

// patchTime substitutes simulated time for host time. The actual struct
// rewrite happens in the front end's address space; here the contract
// is the simulated-ns value the post-patch hands back.
func (v *SyscallVirt) patchTime(args *SyscallArgs) PostPatchFn {
	if v.clock == nil {
		v.warnOnce(args.Num, "no simulated clock")
		return NopPostPatch
	}
	ns := v.clock.SimNanos()
	return func(retval int64) (int64, bool) {
		if retval < 0 {
			return retval, false
		}
		return int64(ns), false
	}
}

// patchSleep parks the thread in the scheduler's sleep queue until the
// simulated wakeup phase; the post-patch retries until that phase
// arrives. It leaves args unchanged.
func (v *SyscallVirt) patchSleep(args *SyscallArgs) PostPatchFn {
	if v.clock == nil {
		v.warnOnce(args.Num, "no simulated clock")
		return NopPostPatch
	}
	t := args.Thread
	wakeupPhase := v.clock.PhaseForDelay(args.Args[0])
	futexWord := v.sched.MarkForSleep(t, wakeupPhase)
	return func(retval int64) (int64, bool) {
		if *futexWord == 0 {
			// Simulated wakeup phase not reached: retry the (short)
			// host sleep.
			return retval, true
		}
		return 0, false
	}
}

// patchTimeout takes args.Args[1] as a blocking wait's timeout in
// simulated ns and enforces it against simulated time through the retry
// loop. It leaves args unchanged.
func (v *SyscallVirt) patchTimeout(args *SyscallArgs) PostPatchFn {
	if v.clock == nil {
		v.warnOnce(args.Num, "no simulated clock")
		return NopPostPatch
	}
	deadline := v.clock.SimNanos() + args.Args[1]
	return func(retval int64) (int64, bool) {
		const etimedout = -110
		if retval == etimedout && v.clock.SimNanos() < deadline {
			// Host-level timeout fired early relative to simulated
			// time: keep waiting.
			return retval, true
		}
		return retval, false
	}
}
