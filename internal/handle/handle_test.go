package handle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iyotee/Orion-sub005/internal/capability"
	"github.com/iyotee/Orion-sub005/internal/kerr"
)

func TestOpenLookupClose(t *testing.T) {
	caps := capability.New()
	const pid = uint64(1)
	capID := caps.Create(capability.TypeFile, 10, capability.Read|capability.Write, pid)

	ht := New(pid, caps, 8)

	h, err := ht.Open(capID, capability.Read)
	require.NoError(t, err)

	got, err := ht.Lookup(h, capability.TypeFile)
	require.NoError(t, err)
	require.Equal(t, capID, got)

	_, err = ht.Lookup(h, capability.TypeIPCPort)
	require.Error(t, err)
	require.Equal(t, kerr.BadHandle, kerr.KindOf(err))

	require.NoError(t, ht.Close(h))
	require.False(t, caps.Check(capID, capability.Read, pid), "sole handle close must destroy the capability")
}

func TestCloseAlreadyClosedIsBadHandle(t *testing.T) {
	caps := capability.New()
	ht := New(1, caps, 4)

	err := ht.Close(0)
	require.Error(t, err)
	require.Equal(t, kerr.BadHandle, kerr.KindOf(err))
}

func TestTableFullReturnsNoSpace(t *testing.T) {
	caps := capability.New()
	const pid = uint64(1)
	ht := New(pid, caps, 2)

	for i := 0; i < 2; i++ {
		capID := caps.Create(capability.TypeFile, uint64(i), capability.Read, pid)
		_, err := ht.Open(capID, capability.Read)
		require.NoError(t, err)
	}

	extra := caps.Create(capability.TypeFile, 99, capability.Read, pid)
	_, err := ht.Open(extra, capability.Read)
	require.Error(t, err)
	require.Equal(t, kerr.NoSpace, kerr.KindOf(err))
}

func TestDupKeepsObjectAliveUntilAllClosed(t *testing.T) {
	caps := capability.New()
	const pid = uint64(1)
	capID := caps.Create(capability.TypeFile, 1, capability.Read, pid)
	ht := New(pid, caps, 4)

	h, err := ht.Open(capID, capability.Read)
	require.NoError(t, err)
	require.NoError(t, ht.Dup(h))

	require.NoError(t, ht.Close(h))
	require.True(t, caps.Check(capID, capability.Read, pid), "still referenced once")

	require.NoError(t, ht.Close(h))
	require.False(t, caps.Check(capID, capability.Read, pid))
}
