package audit

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestWriteAppendsNDJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := New(fs, "/var/log/orion-audit.log", 16)
	defer l.Close()

	l.Emit(1, EventCapGrant, 42, "granted capability %d to pid %d", 7, 9)
	l.Emit(2, EventCapRevoke, 42, "revoked capability %d", 7)

	data, err := afero.ReadFile(fs, "/var/log/orion-audit.log")
	require.NoError(t, err)
	require.Contains(t, string(data), `"kind":"cap_grant"`)
	require.Contains(t, string(data), `"kind":"cap_revoke"`)
}

func TestFallbackBufferBoundedOnUnwritableFs(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	l := New(fs, "/var/log/orion-audit.log", 2)

	l.Emit(1, EventPanic, 1, "first")
	l.Emit(2, EventPanic, 1, "second")
	l.Emit(3, EventPanic, 1, "third")

	recs := l.FallbackRecords()
	require.Len(t, recs, 2)
	require.Equal(t, "second", recs[0].Detail)
	require.Equal(t, "third", recs[1].Detail)
}
