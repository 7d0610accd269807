package klog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedClock(n *int64) func() int64 {
	return func() int64 {
		*n++
		return *n
	}
}

func TestWriteReadFIFO(t *testing.T) {
	var ts int64
	r := New(4, LevelInfo, fixedClock(&ts), nil)

	for i := 0; i < 3; i++ {
		r.Write(LevelInfo, "proc", "event %d", i)
	}

	recs := r.Read("proc", 10)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		require.Equal(t, fmt.Sprintf("event %d", i), rec.Message)
	}

	require.False(t, r.Overflow("proc"))
}

func TestDropOldestOnOverflow(t *testing.T) {
	var ts int64
	r := New(2, LevelInfo, fixedClock(&ts), nil)

	for i := 0; i < 5; i++ {
		r.Write(LevelInfo, "proc", "event %d", i)
	}

	require.True(t, r.Overflow("proc"))

	recs := r.Read("proc", 10)
	require.Len(t, recs, 2)
	require.Equal(t, "event 3", recs[0].Message)
	require.Equal(t, "event 4", recs[1].Message)
}

func TestLevelThresholdDropsQuietly(t *testing.T) {
	var ts int64
	r := New(4, LevelWarn, fixedClock(&ts), nil)

	r.Write(LevelDebug, "proc", "too verbose")
	r.Write(LevelWarn, "proc", "kept")

	recs := r.Read("proc", 10)
	require.Len(t, recs, 1)
	require.Equal(t, "kept", recs[0].Message)
}

func TestEmergencyBypassesThresholdAndConsole(t *testing.T) {
	var ts int64
	var console []string
	r := New(4, LevelAlert, fixedClock(&ts), func(s string) {
		console = append(console, s)
	})

	r.Emergency("fatal: %s", "double fault")

	recs := r.Read(DefaultCategory, 10)
	require.Len(t, recs, 1)
	require.Equal(t, "fatal: double fault", recs[0].Message)
	require.Equal(t, []string{"fatal: double fault"}, console)
}

func TestDefaultCategoryWhenEmpty(t *testing.T) {
	var ts int64
	r := New(4, LevelInfo, fixedClock(&ts), nil)

	r.Write(LevelInfo, "", "hello")

	recs := r.Read(DefaultCategory, 1)
	require.Len(t, recs, 1)
	require.Equal(t, "hello", recs[0].Message)
}
