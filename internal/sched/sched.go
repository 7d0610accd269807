// Package sched implements the CFS-style per-CPU scheduler C7 specifies
// (spec §4.6): red-black-tree-ordered runqueues, thread lifecycle
// transitions, affinity, sleep/wake, tick-driven preemption and
// low-frequency load balancing. This is the largest component in the
// kernel core, per spec §2's relative-share table (22%).
//
// There is no single pack file implementing a CFS-style scheduler; the
// per-CPU mutable-state-behind-a-lock shape follows
// nestybox-libs/pidmonitor's mutex-guarded struct, and online-CPU
// tracking uses github.com/deckarep/golang-set/v2 the way
// idShiftUtils/overlayUtils use mapset.Set for membership tracking
// (spec §4.6's online-CPU edge case).
package sched

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/iyotee/Orion-sub005/internal/hal"
	"github.com/iyotee/Orion-sub005/internal/kerr"
	"github.com/iyotee/Orion-sub005/internal/klog"
	"github.com/iyotee/Orion-sub005/internal/process"
)

// Scheduler owns every per-CPU runqueue and drives admission, ticking,
// sleep/wake and load balancing (spec §4.6).
type Scheduler struct {
	h    hal.HAL
	klog *klog.Ring

	mu  sync.Mutex
	rqs map[int]*Runqueue

	online mapset.Set[int]
}

// New creates a Scheduler bound to h; Init must be called before use.
func New(h hal.HAL, log *klog.Ring) *Scheduler {
	return &Scheduler{h: h, klog: log, rqs: make(map[int]*Runqueue)}
}

// newIdleThread builds a placeholder thread pick_next returns when a
// runqueue's tree is empty (spec §4.6).
func newIdleThread(cpu int) *process.Thread {
	return &process.Thread{
		TID:      0,
		State:    process.ThreadRunning,
		Priority: process.MaxPriority,
		Weight:   process.WeightForPriority(process.MaxPriority),
		RQCPU:    cpu,
	}
}

// Init initializes per-CPU runqueues for every CPU the HAL currently
// reports present (spec §4.6 schedule_init).
func (s *Scheduler) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.h.CPUCount()
	if n <= 0 {
		return kerr.New(kerr.InvalidArgument, "schedule_init: HAL reports %d CPUs", n)
	}
	s.online = mapset.NewSet[int]()
	for _, cpu := range s.h.OnlineCPUs() {
		s.online.Add(cpu)
		s.rqs[cpu] = newRunqueue(cpu, newIdleThread(cpu))
	}
	return nil
}

func (s *Scheduler) runqueue(cpu int) *Runqueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rqs[cpu]
}

// onlineAllowed intersects th's affinity mask with the currently online
// CPU set (spec §4.6: "a thread never lands on an offline CPU").
func (s *Scheduler) onlineAllowed(th *process.Thread) []int {
	s.mu.Lock()
	online := s.online.Clone()
	s.mu.Unlock()
	// drop CPUs the HAL no longer reports online (hotplug after Init)
	online = online.Intersect(mapset.NewSet[int](s.h.OnlineCPUs()...))

	if len(th.AffinityCPUs) == 0 {
		out := online.ToSlice()
		sort.Ints(out)
		return out
	}
	var out []int
	for _, c := range th.AffinityCPUs {
		if online.Contains(c) {
			out = append(out, c)
		}
	}
	sort.Ints(out)
	return out
}

// chooseCPU implements add_to_rq's placement rule: honor affinity,
// among allowed CPUs pick the smallest load weight, tie-break by CPU id
// (spec §4.6).
func (s *Scheduler) chooseCPU(th *process.Thread) (int, error) {
	allowed := s.onlineAllowed(th)
	if len(allowed) == 0 {
		return 0, kerr.New(kerr.InvalidArgument, "add_to_rq: no online CPU satisfies thread %d's affinity", th.TID)
	}

	best := allowed[0]
	bestLoad := s.runqueue(best).LoadWeight()
	for _, c := range allowed[1:] {
		load := s.runqueue(c).LoadWeight()
		if load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best, nil
}

// AddToRQ admits th to a runqueue, choosing the CPU per chooseCPU and
// setting th.VRuntime = max(th.VRuntime, rq.minVruntime) before
// inserting (spec §4.6 add_to_rq).
func (s *Scheduler) AddToRQ(th *process.Thread) error {
	cpu, err := s.chooseCPU(th)
	if err != nil {
		return err
	}
	rq := s.runqueue(cpu)

	rq.lock.Lock()
	rq.insertLocked(th)
	rq.updateMinVruntimeLocked()
	rq.updateRunningCountLocked()
	rq.lock.Unlock()

	th.State = process.ThreadReady
	return nil
}

// RemoveFromRQ deletes th's node from whichever runqueue it is on and
// updates load weight and min_vruntime (spec §4.6 remove_from_rq).
func (s *Scheduler) RemoveFromRQ(th *process.Thread) {
	if th.RQCPU < 0 {
		return
	}
	rq := s.runqueue(th.RQCPU)
	if rq == nil {
		return
	}
	rq.lock.Lock()
	rq.removeLocked(th)
	rq.updateMinVruntimeLocked()
	rq.updateRunningCountLocked()
	rq.lock.Unlock()
}

// PickNext returns the leftmost (smallest-vruntime) thread on cpu's
// tree, or the CPU's idle thread if none is ready (spec §4.6 pick_next).
func (s *Scheduler) PickNext(cpu int) *process.Thread {
	rq := s.runqueue(cpu)
	rq.lock.Lock()
	defer rq.lock.Unlock()

	n := rq.tree.Leftmost()
	if n == nil {
		return rq.idle
	}
	return n.thread
}

// Tick is called at fixed frequency by the HAL timer IRQ (spec §4.6
// tick). It advances the current thread's actual and virtual runtime,
// and raises the CPU's reschedule-needed flag if a cheaper thread
// exists or the slice budget is exhausted. Every LoadBalanceIntervalTicks
// ticks it also considers stealing work from the most-loaded peer.
func (s *Scheduler) Tick(cpu int, deltaNs int64) {
	rq := s.runqueue(cpu)

	rq.lock.Lock()
	rq.ticks++
	cur := rq.current
	if cur != nil {
		cur.ActualRuntime += deltaNs
		cur.VRuntime += deltaNs * NominalWeight / int64(cur.Weight)

		exceededSlice := cur.ActualRuntime-rq.currentSliceBaseNs >= SliceBudgetNs
		cheaperExists := false
		if leftmost := rq.tree.Leftmost(); leftmost != nil {
			cheaperExists = leftmost.thread.VRuntime < cur.VRuntime
		}
		if cheaperExists || exceededSlice {
			rq.rescheduleNeeded = true
		}
	}
	rq.updateMinVruntimeLocked()
	ticks := rq.ticks
	rq.lock.Unlock()

	// wake any sleepers whose deadline has passed
	s.expireSleepers(cpu)

	if ticks%LoadBalanceIntervalTicks == 0 {
		s.loadBalance(cpu)
	}
}

// RescheduleNeeded reports and clears cpu's reschedule-needed flag.
func (s *Scheduler) RescheduleNeeded(cpu int) bool {
	rq := s.runqueue(cpu)
	rq.lock.Lock()
	defer rq.lock.Unlock()
	needed := rq.rescheduleNeeded
	rq.rescheduleNeeded = false
	return needed
}

// Yield places the current thread back at its computed vruntime
// position, picks the next thread, and reports both so the caller can
// drive a context switch (spec §4.6 yield). It does not itself invoke
// ContextSwitch, since that requires both the prev and next register
// contexts plus HAL cooperation.
func (s *Scheduler) Yield(cpu int) (prev, next *process.Thread) {
	rq := s.runqueue(cpu)

	rq.lock.Lock()
	prev = rq.current
	if prev != nil && prev.TID != 0 {
		rq.insertLocked(prev)
	}
	n := rq.tree.Leftmost()
	if n != nil {
		rq.removeLocked(n.thread)
		next = n.thread
	} else {
		next = rq.idle
	}
	rq.current = next
	rq.currentSliceBaseNs = next.ActualRuntime
	rq.updateMinVruntimeLocked()
	rq.updateRunningCountLocked()
	rq.lock.Unlock()

	if prev != nil {
		prev.State = process.ThreadReady
	}
	next.State = process.ThreadRunning

	return prev, next
}

// SleepUntil transitions th to sleeping, removes it from the ready
// tree, and records its wake deadline on a per-CPU sleep list standing
// in for the delta-list/wheel spec §4.6 describes.
func (s *Scheduler) SleepUntil(th *process.Thread, deadlineNs int64) {
	s.RemoveFromRQ(th)

	th.State = process.ThreadSleeping
	th.WakeDeadline = deadlineNs

	cpu := th.RQCPU
	if cpu < 0 {
		cpu = s.h.CurrentCPUID()
	}
	rq := s.runqueue(cpu)
	rq.lock.Lock()
	rq.sleeping = append(rq.sleeping, th)
	rq.lock.Unlock()
}

// expireSleepers wakes every thread on cpu's sleep list whose deadline
// has passed, using the HAL's current timestamp.
func (s *Scheduler) expireSleepers(cpu int) {
	rq := s.runqueue(cpu)
	now := s.h.TimestampNs()

	rq.lock.Lock()
	var expired []*process.Thread
	remaining := rq.sleeping[:0]
	for _, th := range rq.sleeping {
		if th.WakeDeadline <= now {
			expired = append(expired, th)
		} else {
			remaining = append(remaining, th)
		}
	}
	rq.sleeping = remaining
	rq.lock.Unlock()

	for _, th := range expired {
		s.Wakeup(th)
	}
}

// Wakeup transitions th from sleeping/blocked to ready and re-admits it
// to a runqueue (potentially migrating CPUs under add_to_rq's rules). A
// wake on an already-ready thread is a no-op spurious wake (spec §4.6).
func (s *Scheduler) Wakeup(th *process.Thread) error {
	if th.State != process.ThreadSleeping && th.State != process.ThreadBlocked {
		return nil // spurious wake
	}

	// remove from whatever per-CPU sleep list it might still be on; its
	// RQCPU is -1 once it left the ready tree, so every list is checked
	s.mu.Lock()
	rqs := make([]*Runqueue, 0, len(s.rqs))
	for _, rq := range s.rqs {
		rqs = append(rqs, rq)
	}
	s.mu.Unlock()
	for _, rq := range rqs {
		rq.lock.Lock()
		out := rq.sleeping[:0]
		for _, t := range rq.sleeping {
			if t.TID != th.TID {
				out = append(out, t)
			}
		}
		rq.sleeping = out
		rq.lock.Unlock()
	}

	return s.AddToRQ(th)
}

// SetCurrent marks th as the "current" thread of cpu without going
// through the tree (used immediately after PickNext, or to install the
// idle thread).
func (s *Scheduler) SetCurrent(cpu int, th *process.Thread) {
	rq := s.runqueue(cpu)
	rq.lock.Lock()
	rq.current = th
	if th != nil {
		rq.currentSliceBaseNs = th.ActualRuntime
	}
	rq.updateRunningCountLocked()
	rq.lock.Unlock()
	if th != nil {
		th.State = process.ThreadRunning
	}
}

// ContextSwitch saves prev's register blob, loads next's, accounts
// runtime and updates last-switch-time, delegating the actual machine
// switch to the HAL (spec §4.6 context_switch).
func (s *Scheduler) ContextSwitch(prev, next *process.Thread, nowNs int64) {
	var prevCtx *hal.RegisterContext
	if prev != nil {
		prev.LastSwitchNs = nowNs
		prevCtx = &prev.Context
	}
	next.LastSwitchNs = nowNs
	s.h.ContextSwitch(prevCtx, &next.Context)
	if s.klog != nil {
		s.klog.Write(klog.LevelDebug, "sched", "context switch cpu=%d prev=%v next=%d", s.h.CurrentCPUID(), tidOrNil(prev), next.TID)
	}
}

func tidOrNil(th *process.Thread) any {
	if th == nil {
		return nil
	}
	return th.TID
}

// Snapshot returns the runqueue snapshot for cpu, used by property
// tests verifying spec §3's invariants.
func (s *Scheduler) Snapshot(cpu int) Snapshot {
	return s.runqueue(cpu).Snapshot()
}
