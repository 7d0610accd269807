package process

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"

	"github.com/iyotee/Orion-sub005/internal/capability"
	"github.com/iyotee/Orion-sub005/internal/hal/simhal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(capability.New(), 16, 64, 8)
}

func testImage() Image {
	return Image{
		Spec: specs.Process{Args: []string{"/init"}, Env: []string{"PATH=/bin"}},
		Layout: Layout{
			StackBase: 0x1000,
			StackSize: 4096,
		},
	}
}

func TestCreateProcessAssignsMainThread(t *testing.T) {
	m := newTestManager(t)
	h := simhal.New(1)

	proc, main, err := m.CreateProcess(h, nil, testImage(), 0)
	require.NoError(t, err)
	require.NotZero(t, proc.PID)
	require.NotZero(t, main.TID)
	require.Equal(t, proc, main.Process)
	require.Equal(t, StateNew, proc.State)
	require.Equal(t, ThreadNew, main.State)
	require.Len(t, proc.Threads, 1)
}

func TestCreateProcessRegistersWithParent(t *testing.T) {
	m := newTestManager(t)
	h := simhal.New(1)

	parent, _, err := m.CreateProcess(h, nil, testImage(), 0)
	require.NoError(t, err)

	child, _, err := m.CreateProcess(h, parent, testImage(), 0)
	require.NoError(t, err)
	require.Contains(t, parent.children, child.PID)
}

func TestCreateThreadAddsToProcess(t *testing.T) {
	m := newTestManager(t)
	h := simhal.New(1)

	proc, _, err := m.CreateProcess(h, nil, testImage(), 0)
	require.NoError(t, err)

	th, err := m.CreateThread(proc, h, 0x2000, 0, 0x3000, 4096, 0)
	require.NoError(t, err)
	require.Len(t, proc.Threads, 2)
	require.Equal(t, proc, th.Process)
}

func TestLookupRejectsRecycledSlotMismatch(t *testing.T) {
	m := newTestManager(t)
	h := simhal.New(1)

	proc, _, err := m.CreateProcess(h, nil, testImage(), 0)
	require.NoError(t, err)

	_, ok := m.Lookup(proc.PID)
	require.True(t, ok)

	_, ok = m.Lookup(proc.PID + 999999)
	require.False(t, ok)
}

func TestTwoPhaseThreadTeardown(t *testing.T) {
	m := newTestManager(t)
	h := simhal.New(1)

	proc, main, err := m.CreateProcess(h, nil, testImage(), 0)
	require.NoError(t, err)

	m.DetachThread(main)
	require.Equal(t, ThreadTerminated, main.State)

	// thread is still resolvable until ReapThread runs (phase two).
	_, ok := m.LookupThread(main.TID)
	require.True(t, ok)

	m.ReapThread(main)
	_, ok = m.LookupThread(main.TID)
	require.False(t, ok)
	require.NotNil(t, proc)
}

func TestExitAndReapProcess(t *testing.T) {
	m := newTestManager(t)
	h := simhal.New(1)

	proc, _, err := m.CreateProcess(h, nil, testImage(), 0)
	require.NoError(t, err)

	m.ExitProcess(proc)
	require.Equal(t, StateZombie, proc.State)
	require.Equal(t, StateZombie, AggregateState(proc))

	_, ok := m.Lookup(proc.PID)
	require.True(t, ok)

	m.ReapProcess(proc)
	_, ok = m.Lookup(proc.PID)
	require.False(t, ok)
}

func TestAggregateStateReflectsThreads(t *testing.T) {
	m := newTestManager(t)
	h := simhal.New(1)

	proc, main, err := m.CreateProcess(h, nil, testImage(), 0)
	require.NoError(t, err)

	main.State = ThreadRunning
	require.Equal(t, StateRunning, AggregateState(proc))

	main.State = ThreadBlocked
	require.Equal(t, StateBlocked, AggregateState(proc))

	main.State = ThreadSleeping
	require.Equal(t, StateSleeping, AggregateState(proc))

	main.State = ThreadReady
	require.Equal(t, StateReady, AggregateState(proc))
}

func TestWeightForPriorityMonotonic(t *testing.T) {
	require.Greater(t, WeightForPriority(MinPriority), WeightForPriority(0))
	require.Greater(t, WeightForPriority(0), WeightForPriority(MaxPriority))
	require.Equal(t, WeightForPriority(0), 1024)
}

func TestWeightForPriorityClampsOutOfRange(t *testing.T) {
	require.Equal(t, WeightForPriority(MinPriority), WeightForPriority(MinPriority-10))
	require.Equal(t, WeightForPriority(MaxPriority), WeightForPriority(MaxPriority+10))
}
