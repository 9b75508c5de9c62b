// Package constants centralizes the tunables spec.md pins to specific
// numbers, so every package reads the same values instead of
// re-declaring them.
package constants

// SectorSize is the fixed logical sector size in bytes (spec.md §2).
const SectorSize = 512

// Allocator reservation thresholds (spec.md §4.D).
const (
	// GeometricThresholdSectors is the minimum spare size (4 MiB, in
	// sectors) above which the Geometric strategy applies.
	GeometricThresholdSectors = (4 << 20) / SectorSize

	// LinearThresholdSectors is the minimum spare size (256 KiB, in
	// sectors) above which the Linear strategy applies.
	LinearThresholdSectors = (256 << 10) / SectorSize

	// MinimalDeviceFloorSectors is the smallest spare size (8 MiB, in
	// sectors) accepted without explicitly opting into small-device mode.
	MinimalDeviceFloorSectors = (8 << 20) / SectorSize
)

// Remap table sizing (spec.md §4.E).
const (
	// InitialBucketCount is the starting power-of-two bucket count.
	InitialBucketCount = 16

	// ResizeGrowLoadFactorPct triggers a doubling resize once the table's
	// entry/bucket ratio crosses this percentage.
	ResizeGrowLoadFactorPct = 150

	// ResizeShrinkLoadFactorPct triggers a halving resize below this
	// percentage, but never below MinBucketsForShrink buckets.
	ResizeShrinkLoadFactorPct = 50

	// MinBucketsForShrink is the floor below which a table never shrinks.
	MinBucketsForShrink = 64

	// FastPathCacheSize is the number of direct-mapped cache lines in the
	// ultra-fast lookup path.
	FastPathCacheSize = 64
)

// Auto-remap controller tunables (spec.md §4.G).
const (
	// MaxTransientRetries bounds the inline retry attempts for a
	// Transient I/O error; when they all fail the error surfaces as
	// TransientIO and the sector's persistent transient counter grows.
	MaxTransientRetries = 3

	// RetryBaseDelayMs is the base backoff delay in milliseconds; each
	// retry doubles this, with full jitter applied.
	RetryBaseDelayMs = 5
)

// Persistence debounce (spec.md §4.H).
const (
	// FlushDebounceWrites flushes metadata after this many dirty writes
	// even if FlushDebounceSeconds has not elapsed.
	FlushDebounceWrites = 16

	// FlushDebounceSeconds flushes metadata after this many seconds even
	// if FlushDebounceWrites has not been reached.
	FlushDebounceSeconds = 5
)

// Device fingerprint match weights (spec.md §4.B), summing to 100.
const (
	FingerprintWeightUUID   = 40
	FingerprintWeightSize   = 25
	FingerprintWeightPath   = 25
	FingerprintWeightSerial = 10
)

// Fingerprint confidence thresholds (spec.md §4.B).
const (
	ConfidencePerfect = 95
	ConfidenceHigh    = 80
	ConfidenceMedium  = 60
	ConfidenceLow     = 40
)
