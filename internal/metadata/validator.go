package metadata

import (
	"fmt"

	"github.com/amigatomte/dm-remap-sub007/internal/fingerprint"
)

// Level is one of the four graduated validation levels of spec.md §4.C.
type Level int

const (
	Minimal Level = iota
	Standard
	Strict
	Paranoid
)

func (l Level) String() string {
	switch l {
	case Minimal:
		return "minimal"
	case Standard:
		return "standard"
	case Strict:
		return "strict"
	case Paranoid:
		return "paranoid"
	default:
		return "unknown"
	}
}

// Fault is one bit of a validation failure bitmask.
type Fault uint32

const (
	FaultBadMagic Fault = 1 << iota
	FaultVersionIncompatible
	FaultSizeAbsurd
	FaultHeaderCRC
	FaultOverallCRC
	FaultMainFingerprintMismatch
	FaultSpareFingerprintMismatch
	FaultSpareSectorNotInFreeSet
	FaultDuplicateLogical
	FaultEntryCountMismatch
)

// Suggestion is a recovery suggestion chosen from the fixed catalog
// spec.md §4.C requires ("a recovery suggestion chosen from a fixed
// catalog").
type Suggestion string

const (
	SuggestTryBackupAnchors  Suggestion = "magic-mismatch: try backup copies at other anchors"
	SuggestLoadBackupOrRepair Suggestion = "crc-mismatch: load a backup anchor or run auto-repair"
	SuggestReconnectOrFuzzy  Suggestion = "device-mismatch: reconnect the expected device or run fuzzy-match"
	SuggestCleanSlate        Suggestion = "no-valid-metadata: force a clean-slate initialization"
	SuggestRestoreFromAnchor Suggestion = "corrupted-metadata: restore from a higher-sequence anchor"
	SuggestNone              Suggestion = ""
)

// Result is the outcome of validating one record at one level.
type Result struct {
	Level      Level
	Faults     Fault
	Suggestion Suggestion
}

// OK reports whether no faults were found.
func (r Result) OK() bool { return r.Faults == 0 }

// Has reports whether a specific fault bit is set.
func (r Result) Has(f Fault) bool { return r.Faults&f != 0 }

// maxPlausibleEntries bounds a record's declared entry count against
// obvious corruption (e.g. a torn write turning the count field into
// garbage), independent of MaxRecordSize, which already bounds the
// serialized form.
const maxPlausibleEntries = MaxRecordSize / 17

// Validate runs the record through the given level, each level
// including the checks of every level below it (spec.md §4.C).
func Validate(r *Record, level Level, mainDevice, spareDevice *fingerprint.Fingerprint) Result {
	res := Result{Level: level}

	if !r.MagicValid() {
		res.Faults |= FaultBadMagic
	}
	if r.VersionMajor != CurrentVersionMajor {
		res.Faults |= FaultVersionIncompatible
	}
	if len(r.Entries) > maxPlausibleEntries {
		res.Faults |= FaultSizeAbsurd
	}
	if res.Faults != 0 {
		res.Suggestion = SuggestTryBackupAnchors
		return res
	}
	if level == Minimal {
		return res
	}

	if !r.HeaderCRCValid() {
		res.Faults |= FaultHeaderCRC
	}
	if !r.OverallCRCValid() {
		res.Faults |= FaultOverallCRC
	}
	if res.Faults != 0 {
		res.Suggestion = SuggestLoadBackupOrRepair
		return res
	}
	if level == Standard {
		return res
	}

	if mainDevice != nil && !fingerprint.Accepted(r.MainFingerprint, mainDevice) {
		res.Faults |= FaultMainFingerprintMismatch
	}
	if spareDevice != nil && len(r.SpareFingerprints) > 0 && !fingerprint.Accepted(r.SpareFingerprints[0], spareDevice) {
		res.Faults |= FaultSpareFingerprintMismatch
	}
	if res.Faults != 0 {
		res.Suggestion = SuggestReconnectOrFuzzy
		return res
	}
	if level == Strict {
		return res
	}

	seen := make(map[uint64]struct{}, len(r.Entries))
	activeCount := 0
	for _, e := range r.Entries {
		if e.Logical == 0 && e.Spare == 0 {
			continue
		}
		if _, dup := seen[e.Logical]; dup {
			res.Faults |= FaultDuplicateLogical
		}
		seen[e.Logical] = struct{}{}
		if e.Spare >= r.Allocator.TotalSectors {
			res.Faults |= FaultSpareSectorNotInFreeSet
		}
		for _, reserved := range r.Allocator.ReservedSet {
			if e.Spare == reserved {
				res.Faults |= FaultSpareSectorNotInFreeSet
			}
		}
		activeCount++
	}
	if uint64(activeCount) > r.Allocator.TotalAllocated {
		res.Faults |= FaultEntryCountMismatch
	}
	if res.Faults != 0 {
		res.Suggestion = SuggestRestoreFromAnchor
	}
	return res
}

// String renders a Result for logging.
func (r Result) String() string {
	if r.OK() {
		return fmt.Sprintf("level=%s ok", r.Level)
	}
	return fmt.Sprintf("level=%s faults=%#x suggestion=%q", r.Level, r.Faults, r.Suggestion)
}
