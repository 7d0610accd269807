package spinlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpinlockMutualExclusion(t *testing.T) {
	var lock Spinlock
	var counter int
	var wg sync.WaitGroup

	const goroutines = 50
	const iterations = 200

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock.Lock()
				counter++
				lock.Unlock()
			}
		}()
	}

	wg.Wait()
	require.Equal(t, goroutines*iterations, counter)
}

func TestSpinlockTryLock(t *testing.T) {
	var lock Spinlock

	require.True(t, lock.TryLock())
	require.False(t, lock.TryLock(), "already held, must not re-acquire")

	lock.Unlock()
	require.True(t, lock.TryLock())
	lock.Unlock()
}
