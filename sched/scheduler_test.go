package sched_test

import (
	gomock "github.com/golang/mock/gomock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/kilocore/sched"
)

func newThread(gid int64) *sched.ThreadInfo {
	return &sched.ThreadInfo{GID: gid, PID: int(1000 + gid), TID: int(gid)}
}

var _ = Describe("Scheduler", func() {
	var s *sched.Scheduler

	BeforeEach(func() {
		s = sched.New(2, 0, nil, 100, 100)
	})

	Describe("state transitions", func() {
		It("binds a started thread to a free context", func() {
			t := newThread(1)
			s.RegisterThread(t)
			s.Join(t)
			Expect(t.State).To(Equal(sched.Running))
			Expect(s.ScheduledThreads()).To(Equal(1))
		})

		It("queues a started thread when every context is taken", func() {
			t1, t2, t3 := newThread(1), newThread(2), newThread(3)
			for _, t := range []*sched.ThreadInfo{t1, t2, t3} {
				s.RegisterThread(t)
				s.Join(t)
			}
			Expect(t1.State).To(Equal(sched.Running))
			Expect(t2.State).To(Equal(sched.Running))
			Expect(t3.State).To(Equal(sched.Queued))
		})

		It("moves a leaving thread out and hands its context over", func() {
			t1, t2, t3 := newThread(1), newThread(2), newThread(3)
			for _, t := range []*sched.ThreadInfo{t1, t2, t3} {
				s.RegisterThread(t)
				s.Join(t)
			}
			s.Leave(t1, false)
			Expect(t1.State).To(Equal(sched.Out))
			Expect(t3.State).To(Equal(sched.Running))
			Expect(s.ScheduledThreads()).To(Equal(2))
		})

		It("parks a sleep-marked thread in the sleep queue", func() {
			t := newThread(1)
			s.RegisterThread(t)
			s.Join(t)
			s.MarkForSleep(t, 3)
			s.Leave(t, true)
			Expect(t.State).To(Equal(sched.Sleeping))
		})

		It("destroys a finished thread", func() {
			t := newThread(1)
			s.RegisterThread(t)
			s.Join(t)
			s.Finish(t)
			Expect(t.State).To(Equal(sched.Destroyed))
			Expect(s.ScheduledThreads()).To(BeZero())
		})
	})

	Describe("sleep and wakeup", func() {
		It("wakes a sleeper exactly at its wakeup phase", func() {
			// The sleeper misses the next barrier and joins again
			// once its phase arrives.
			t1, t2 := newThread(1), newThread(2)
			s.RegisterThread(t1)
			s.RegisterThread(t2)
			s.Join(t1)
			s.Join(t2)

			futex := s.MarkForSleep(t2, 2)
			s.Leave(t2, true)
			Expect(s.ScheduledThreads()).To(Equal(1))

			s.AdvancePhase() // phase 1: still sleeping
			Expect(t2.State).To(Equal(sched.Sleeping))
			Expect(*futex).To(BeZero())

			s.AdvancePhase() // phase 2: wakeup fires
			Expect(t2.State).To(Equal(sched.Blocked))
			Expect(*futex).To(Equal(int32(1)))

			s.Join(t2)
			Expect(t2.State).To(Equal(sched.Running))
			Expect(s.ScheduledThreads()).To(Equal(2))
		})

		It("advances past an idle gap via the watchdog", func() {
			s = sched.New(1, 0, nil, 5, 100)
			t := newThread(1)
			s.RegisterThread(t)
			s.Join(t)
			s.MarkForSleep(t, 1000)
			s.Leave(t, true)

			s.AdvancePhase()
			// Nothing runnable and the nearest wakeup is beyond the
			// watchdog gap: curPhase jumps and the wake fires once.
			Expect(s.CurPhase()).To(Equal(int64(1000)))
			Expect(t.State).To(Equal(sched.Blocked))
		})
	})

	Describe("futex wake/wait matching", func() {
		It("matches a two-thread ping-pong", func() {
			t1, t2 := newThread(1), newThread(2)
			s.RegisterThread(t1)
			s.RegisterThread(t2)

			// T1 blocks in FUTEX_WAIT; T2 wakes it.
			s.NotifyFutexWake(1)
			Expect(s.MaxAllowedFutexWakeups()).To(Equal(1))

			joined := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				s.NotifyFutexWakeReturn(t2, 1, 1)
				s.Join(t2) // blocks until the woken waiter is observed
				close(joined)
			}()

			Consistently(joined).ShouldNot(BeClosed())

			s.NotifyFutexWaitReturn(t1)
			Eventually(joined).Should(BeClosed())

			s.Join(t1)
			Expect(s.UnmatchedFutexWakeups()).To(BeZero())
			Expect(t1.State).To(Equal(sched.Running))
			Expect(t2.State).To(Equal(sched.Running))
		})

		It("keeps unmatched within the allowance", func() {
			t1 := newThread(1)
			s.RegisterThread(t1)
			s.NotifyFutexWake(2)
			s.NotifyFutexWaitReturn(t1)
			Expect(s.UnmatchedFutexWakeups()).To(BeNumerically("<=", s.MaxAllowedFutexWakeups()))
		})

		It("clears a desynced counter after the bounded timeout", func() {
			s = sched.New(2, 0, nil, 2, 100)
			t1 := newThread(1)
			s.RegisterThread(t1)
			s.NotifyFutexWake(1)
			s.NotifyFutexWaitReturn(t1)
			t1.PendingFutex = sched.FutexJoinInfo{} // thread never rejoins

			for i := 0; i < 5; i++ {
				s.AdvancePhase()
			}
			Expect(s.UnmatchedFutexWakeups()).To(BeZero())
		})
	})

	Describe("fake leaves", func() {
		It("fake-leaves an unknown PC and blacklists it once it stalls", func() {
			t := newThread(1)
			s.RegisterThread(t)
			s.Join(t)

			s2 := sched.New(2, 0, nil, 100, 3)
			s2.RegisterThread(t)
			s2.Join(t)
			Expect(s2.ShouldFakeLeave(t, 0xDEAD)).To(BeTrue())

			for i := 0; i < 5; i++ {
				s2.AdvancePhase()
			}
			s2.WatchdogCheckFakeLeaves()
			Expect(t.State).To(Equal(sched.Out))
			// The learned blacklist now forces a real leave.
			Expect(s2.ShouldFakeLeave(t, 0xDEAD)).To(BeFalse())
		})
	})

	Describe("dead-process reaping", func() {
		It("reclaims contexts of dead processes and leaves others alone", func() {
			mockCtrl := gomock.NewController(GinkgoT())
			defer mockCtrl.Finish()
			tree := NewMockProcessTree(mockCtrl)

			s = sched.New(2, 0, tree, 100, 100)
			t1, t2 := newThread(1), newThread(2)
			s.RegisterThread(t1)
			s.RegisterThread(t2)
			s.Join(t1)
			s.Join(t2)

			tree.EXPECT().IsAlive(t1.PID).Return(false)
			tree.EXPECT().IsAlive(t2.PID).Return(true)
			s.ReapDeadThreads()

			Expect(t1.State).To(Equal(sched.Destroyed))
			Expect(t2.State).To(Equal(sched.Running))
			Expect(s.ScheduledThreads()).To(Equal(1))
		})
	})

	Describe("barrier", func() {
		It("releases only after every running thread syncs", func() {
			t1, t2 := newThread(1), newThread(2)
			s.RegisterThread(t1)
			s.RegisterThread(t2)
			s.Join(t1)
			s.Join(t2)

			released := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				s.Sync(t1) // not last: blocks
				close(released)
			}()

			Consistently(released).ShouldNot(BeClosed())

			Expect(s.Sync(t2)).To(BeTrue()) // last arrival
			s.ReleaseBarrier()
			Eventually(released).Should(BeClosed())
		})

		It("ignores sync from a non-running thread", func() {
			t := newThread(1)
			s.RegisterThread(t)
			Expect(s.Sync(t)).To(BeFalse())
		})
	})
})
