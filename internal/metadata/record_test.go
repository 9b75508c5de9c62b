package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amigatomte/dm-remap-sub007/internal/allocator"
	"github.com/amigatomte/dm-remap-sub007/internal/fingerprint"
	"github.com/amigatomte/dm-remap-sub007/internal/remaptable"
)

func sampleRecord(t *testing.T) *Record {
	t.Helper()
	main := fingerprint.New("/dev/main0", 100_000, 512, "SN-MAIN", "ModelM", "main")
	spare := fingerprint.New("/dev/spare0", 16384, 512, "SN-SPARE", "ModelS", "spare")

	alloc, err := allocator.New(16384, false)
	require.NoError(t, err)

	rec := New(main, []*fingerprint.Fingerprint{spare}, alloc.Snapshot(), TargetParams{
		MainSectors:  100_000,
		SpareSectors: 16384,
		SectorSize:   512,
	}, 1_700_000_000)

	rec.Entries = []remaptable.RemapEntry{
		{Logical: 1000, Spare: 9000, Status: remaptable.Active},
		{Logical: 2000, Spare: 9001, Status: remaptable.Active},
	}
	return rec
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := sampleRecord(t)
	buf, err := rec.Encode()
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)

	require.Equal(t, rec.SequenceCounter, got.SequenceCounter)
	require.Equal(t, rec.Entries, got.Entries)
	require.Equal(t, rec.MainFingerprint.Path, got.MainFingerprint.Path)
	require.Len(t, got.SpareFingerprints, 1)
	require.True(t, got.HeaderCRCValid())
	require.True(t, got.BodyCRCValid())
	require.True(t, got.OverallCRCValid())
}

func TestDecodeToleratesBadMagicForValidatorToCatch(t *testing.T) {
	rec := sampleRecord(t)
	buf, err := rec.Encode()
	require.NoError(t, err)
	buf[0] ^= 0xFF

	got, err := Decode(buf)
	require.NoError(t, err) // still parses structurally
	require.False(t, got.MagicValid())

	res := Validate(got, Minimal, nil, nil)
	require.True(t, res.Has(FaultBadMagic))
	require.Equal(t, SuggestTryBackupAnchors, res.Suggestion)
}

func TestDecodeDetectsTamperedBody(t *testing.T) {
	rec := sampleRecord(t)
	buf, err := rec.Encode()
	require.NoError(t, err)

	// Flip a byte somewhere past the fixed header to corrupt the body
	// without invalidating the magic.
	buf[len(buf)-20] ^= 0xFF

	got, err := Decode(buf)
	require.NoError(t, err) // still parses structurally
	require.False(t, got.BodyCRCValid())
}

func TestNextRevisionMonotonic(t *testing.T) {
	rec := sampleRecord(t)
	next := rec.NextRevision(rec.Entries, rec.Allocator, 1_700_000_100)

	require.Equal(t, rec.SequenceCounter+1, next.SequenceCounter)
	require.Equal(t, rec.SequenceCounter, next.ParentSequence)
	require.Greater(t, next.ModifiedTS, rec.ModifiedTS)
}
