package remaptable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstallThenLookup(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Install(1000, 42))

	entry, ok := tab.Lookup(1000)
	require.True(t, ok)
	require.Equal(t, RemapEntry{Logical: 1000, Spare: 42, Status: Active}, entry)
}

func TestInstallDuplicateRejected(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Install(5, 9))
	require.ErrorIs(t, tab.Install(5, 10), ErrDuplicate)
}

func TestLookupMissing(t *testing.T) {
	tab := New()
	_, ok := tab.Lookup(123)
	require.False(t, ok)
}

func TestReserveActivateLifecycle(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Reserve(7, 100))

	var wg sync.WaitGroup
	wg.Add(1)
	var got RemapEntry
	go func() {
		defer wg.Done()
		entry, ok := tab.Lookup(7)
		require.True(t, ok)
		got = entry
	}()

	tab.Activate(7)
	wg.Wait()

	require.Equal(t, Active, got.Status)
	require.Equal(t, uint64(100), got.Spare)
}

func TestReserveRejectsDuplicatePending(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Reserve(7, 100))
	require.ErrorIs(t, tab.Reserve(7, 200), ErrDuplicate)
}

func TestReserveFailLifecycle(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Reserve(7, 100))

	var wg sync.WaitGroup
	wg.Add(1)
	var got RemapEntry
	go func() {
		defer wg.Done()
		entry, ok := tab.Lookup(7)
		require.True(t, ok)
		got = entry
	}()

	tab.Fail(7)
	wg.Wait()

	require.Equal(t, Failed, got.Status)
}

func TestResizeBijection(t *testing.T) {
	tab := New()
	for i := uint64(0); i < 1500; i++ {
		require.NoError(t, tab.Install(i, i+1_000_000))
	}

	require.Greater(t, tab.BucketCount(), 64)
	require.LessOrEqual(t, tab.LoadFactor(), 150)

	for i := uint64(0); i < 1500; i++ {
		entry, ok := tab.Lookup(i)
		require.True(t, ok)
		require.Equal(t, i+1_000_000, entry.Spare)
		require.Equal(t, Active, entry.Status)
	}
}

func TestClear(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Install(1, 2))
	tab.Clear()
	require.Equal(t, 0, tab.Count())
	_, ok := tab.Lookup(1)
	require.False(t, ok)
}

func TestSnapshotReturnsAllEntries(t *testing.T) {
	tab := New()
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, tab.Install(i, i*2))
	}
	snap := tab.Snapshot()
	require.Len(t, snap, 10)
}

func TestConcurrentLookupsAfterInstallSeeEntry(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Install(42, 99))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, ok := tab.Lookup(42)
			require.True(t, ok)
			require.Equal(t, uint64(99), entry.Spare)
		}()
	}
	wg.Wait()
}
