package sched

// Named constants spec.md §9 leaves as "not parameterized in source"
// and asks implementers to fix at build time, documented here and in
// DESIGN.md's Open Question decisions.
const (
	// NominalWeight is the scheduler weight of priority-0 threads;
	// tick() scales a thread's virtual-runtime accrual by
	// NominalWeight/thread.Weight (spec §4.6).
	NominalWeight = 1024

	// TickIntervalNs is the assumed HAL timer tick period (1ms / 1kHz),
	// matching spec §8's "1000 ticks of 1ms" fairness scenario.
	TickIntervalNs = 1_000_000

	// SliceBudgetNs bounds how long a thread may run before tick()
	// raises "reschedule needed" even if it remains leftmost, so a
	// single CPU-bound thread cannot starve bookkeeping indefinitely.
	SliceBudgetNs = 4_000_000

	// LoadBalanceIntervalTicks is how often, in ticks, a CPU considers
	// stealing work from the most-loaded peer (spec §4.6 "low
	// frequency (e.g. every N ticks)").
	LoadBalanceIntervalTicks = 64

	// LoadBalanceThresholdNum/Den express the imbalance threshold as a
	// ratio applied to the mean load weight across CPUs (1.25x mean).
	LoadBalanceThresholdNum = 5
	LoadBalanceThresholdDen = 4
)
