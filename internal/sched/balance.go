package sched

import (
	"sort"

	"github.com/iyotee/Orion-sub005/internal/process"
)

// loadBalance runs every LoadBalanceIntervalTicks ticks on a CPU (spec
// §4.6 "low frequency... periodic rebalancing"). It computes the mean
// load weight across online CPUs, and if the most-loaded peer exceeds
// LoadBalanceThresholdNum/Den times that mean and carries more load
// than the calling CPU, steals its rightmost (most expensive)
// ready thread — provided the thread's affinity allows running on the
// stealing CPU.
func (s *Scheduler) loadBalance(cpu int) {
	s.mu.Lock()
	online := s.online.ToSlice()
	s.mu.Unlock()
	sort.Ints(online)
	if len(online) < 2 {
		return
	}

	var total int64
	loads := make(map[int]int64, len(online))
	for _, c := range online {
		l := s.runqueue(c).LoadWeight()
		loads[c] = l
		total += l
	}
	mean := total / int64(len(online))

	busiest := -1
	var busiestLoad int64
	for _, c := range online {
		if c == cpu {
			continue
		}
		if loads[c] > busiestLoad {
			busiest = c
			busiestLoad = loads[c]
		}
	}
	if busiest < 0 {
		return
	}

	// only steal if the busiest peer is significantly above the mean;
	// a CPU never steals from itself or rebalances below its own load.
	if busiestLoad*LoadBalanceThresholdDen <= mean*LoadBalanceThresholdNum {
		return
	}
	if loads[cpu] >= busiestLoad {
		return
	}

	stolen := s.stealFrom(busiest, cpu)
	if stolen == nil {
		return
	}
	_ = s.AddToRQ(stolen)
}

// stealFrom removes the rightmost (largest-vruntime) thread from src's
// tree whose affinity permits dst, and returns it detached from any
// runqueue, or nil if no such thread exists.
func (s *Scheduler) stealFrom(src, dst int) *process.Thread {
	rq := s.runqueue(src)

	rq.lock.Lock()
	defer rq.lock.Unlock()

	for n := rq.tree.Rightmost(); n != nil; n = prevCandidate(n) {
		th := n.thread
		if !affinityAllows(th, dst) {
			continue
		}
		rq.removeLocked(th)
		rq.updateMinVruntimeLocked()
		rq.updateRunningCountLocked()
		return th
	}
	return nil
}

// prevCandidate walks to the in-order predecessor of n, used by
// stealFrom to skip over threads pinned away from the destination CPU
// without rebuilding a slice of the whole tree.
func prevCandidate(n *rbNode) *rbNode {
	if n.left != nil {
		m := n.left
		for m.right != nil {
			m = m.right
		}
		return m
	}
	child, parent := n, n.parent
	for parent != nil && child == parent.left {
		child, parent = parent, parent.parent
	}
	return parent
}

func affinityAllows(th *process.Thread, cpu int) bool {
	if len(th.AffinityCPUs) == 0 {
		return true
	}
	for _, c := range th.AffinityCPUs {
		if c == cpu {
			return true
		}
	}
	return false
}
