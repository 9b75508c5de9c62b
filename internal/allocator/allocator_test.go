package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectStrategy(t *testing.T) {
	const sectorsPerMiB = (1 << 20) / 512

	require.Equal(t, Geometric, SelectStrategy(8*sectorsPerMiB))
	require.Equal(t, Geometric, SelectStrategy(4*sectorsPerMiB))
	require.Equal(t, Linear, SelectStrategy(2*sectorsPerMiB))
	require.Equal(t, Linear, SelectStrategy(256*1024/512))
	require.Equal(t, Minimal, SelectStrategy(100*1024/512))
}

func TestNewGeometricReservedSet(t *testing.T) {
	const sectorsPerMiB = (1 << 20) / 512
	a, err := New(8*sectorsPerMiB, false)
	require.NoError(t, err)
	require.Equal(t, Geometric, a.Strategy())
	require.Equal(t, []uint64{0, 1024, 2048, 4096, 8192}, a.Snapshot().ReservedSet)
}

func TestNewLinearReservedSet(t *testing.T) {
	n := uint64(2 * (1 << 20) / 512) // 2 MiB spare, matches S2
	a, err := New(n, false)
	require.NoError(t, err)
	require.Equal(t, Linear, a.Strategy())
	require.Equal(t, []uint64{0, n / 3, (2 * n) / 3}, a.Snapshot().ReservedSet)
}

func TestNewMinimalRefusesTooSmall(t *testing.T) {
	_, err := New(100, false)
	require.ErrorIs(t, err, ErrSpareTooSmall)

	a, err := New(100, true)
	require.NoError(t, err)
	require.Equal(t, Minimal, a.Strategy())
	require.Equal(t, []uint64{0}, a.Snapshot().ReservedSet)
}

func TestAllocateNeverReturnsReservedOrDuplicate(t *testing.T) {
	const sectorsPerMiB = (1 << 20) / 512
	a, err := New(8*sectorsPerMiB, false)
	require.NoError(t, err)

	reserved := map[uint64]bool{0: true, 1024: true, 2048: true, 4096: true, 8192: true}
	seen := make(map[uint64]bool, 500)

	for i := 0; i < 500; i++ {
		sector, err := a.Allocate()
		require.NoError(t, err)
		require.False(t, reserved[sector], "allocated a reserved sector: %d", sector)
		require.False(t, seen[sector], "allocated a duplicate sector: %d", sector)
		require.Less(t, sector, a.Snapshot().TotalSectors)
		seen[sector] = true
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a, err := New(3, true) // Minimal, reserved={0}, free sectors {1,2}
	require.NoError(t, err)

	s1, err := a.Allocate()
	require.NoError(t, err)
	s2, err := a.Allocate()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 2}, []uint64{s1, s2})

	_, err = a.Allocate()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestFromConfigRoundTrip(t *testing.T) {
	const sectorsPerMiB = (1 << 20) / 512
	a, err := New(8*sectorsPerMiB, false)
	require.NoError(t, err)

	_, err = a.Allocate()
	require.NoError(t, err)

	snap := a.Snapshot()
	restored := FromConfig(snap)
	require.Equal(t, snap, restored.Snapshot())
}
