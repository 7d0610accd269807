package sched

import (
	"github.com/iyotee/Orion-sub005/internal/process"
	"github.com/iyotee/Orion-sub005/internal/spinlock"
)

// Runqueue is one CPU's ready-thread tree plus accounting (spec §3
// "Runqueue (per CPU)").
type Runqueue struct {
	lock spinlock.Spinlock

	cpu          int
	tree         rbTree
	nodeByTID    map[uint64]*rbNode
	current      *process.Thread
	currentSliceBaseNs int64
	runningCount int
	minVruntime  int64
	totalWeight  int64
	lastUpdateNs int64

	// sleeping holds threads sleep_until parked on this CPU, kept in no
	// particular order; a per-CPU wheel/delta-list in a real
	// implementation, here a small slice scanned on each tick since the
	// simulated scale does not warrant a heap (spec §4.6).
	sleeping []*process.Thread

	idle *process.Thread

	ticks            int64
	rescheduleNeeded bool
}

func newRunqueue(cpu int, idle *process.Thread) *Runqueue {
	return &Runqueue{
		cpu:       cpu,
		nodeByTID: make(map[uint64]*rbNode),
		idle:      idle,
	}
}

// Snapshot is a read-only view of a runqueue's invariant-relevant
// fields, used by property tests (spec §8).
type Snapshot struct {
	CPU          int
	TreeSize     int
	RunningCount int
	HasCurrent   bool
	MinVruntime  int64
	TotalWeight  int64
}

func (rq *Runqueue) Snapshot() Snapshot {
	rq.lock.Lock()
	defer rq.lock.Unlock()
	return Snapshot{
		CPU:          rq.cpu,
		TreeSize:     rq.tree.Size(),
		RunningCount: rq.runningCount,
		HasCurrent:   rq.current != nil,
		MinVruntime:  rq.minVruntime,
		TotalWeight:  rq.totalWeight,
	}
}

// LoadWeight returns the runqueue's total load weight, used by
// add_to_rq's least-loaded-CPU selection and load balancing.
func (rq *Runqueue) LoadWeight() int64 {
	rq.lock.Lock()
	defer rq.lock.Unlock()
	return rq.totalWeight
}

// insertLocked inserts th into the tree, updates bookkeeping. Caller
// holds rq.lock.
func (rq *Runqueue) insertLocked(th *process.Thread) {
	if th.VRuntime < rq.minVruntime {
		th.VRuntime = rq.minVruntime
	}
	n := rq.tree.Insert(th)
	rq.nodeByTID[th.TID] = n
	rq.totalWeight += int64(th.Weight)
	th.RQCPU = rq.cpu
}

// removeLocked deletes th's node if present. Caller holds rq.lock.
func (rq *Runqueue) removeLocked(th *process.Thread) bool {
	n, ok := rq.nodeByTID[th.TID]
	if !ok {
		return false
	}
	rq.tree.Delete(n)
	delete(rq.nodeByTID, th.TID)
	rq.totalWeight -= int64(th.Weight)
	if rq.totalWeight < 0 {
		rq.totalWeight = 0
	}
	if th.RQCPU == rq.cpu {
		th.RQCPU = -1
	}
	return true
}

func (rq *Runqueue) updateMinVruntimeLocked() {
	if leftmost := rq.tree.Leftmost(); leftmost != nil {
		if leftmost.thread.VRuntime > rq.minVruntime {
			rq.minVruntime = leftmost.thread.VRuntime
		}
	}
	// min_vruntime is monotonically non-decreasing (spec §3 invariant):
	// never move it backward even if the tree emptied out.
}

// updateRunningCountLocked recomputes runningCount from the tree size
// plus one if a current thread is installed (spec §3 invariant:
// "running-count equals the number of ready threads in its tree plus
// one if it has a current"). Every mutation of rq.tree or rq.current
// must call this before releasing rq.lock.
func (rq *Runqueue) updateRunningCountLocked() {
	rq.runningCount = rq.tree.Size()
	if rq.current != nil {
		rq.runningCount++
	}
}
