package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/amigatomte/dm-remap-sub007/internal/remaptable"
)

// Snapshot is the operator-facing point-in-time view the `dump`
// administrative verb writes to disk (SPEC_FULL.md §3). It is a
// separate, human-readable JSON rendering, never read back by the
// engine itself.
type Snapshot struct {
	TakenAt         string                     `json:"taken_at"`
	SequenceCounter uint64                     `json:"sequence_counter"`
	ModifiedAt      int64                      `json:"modified_at"`
	Strategy        string                     `json:"allocator_strategy"`
	TotalSectors    uint64                     `json:"allocator_total_sectors"`
	TotalFree       uint64                     `json:"allocator_total_free"`
	TotalAllocated  uint64                     `json:"allocator_total_allocated"`
	Entries         []remaptable.RemapEntry    `json:"entries"`
}

// BuildSnapshot renders a Record as a Snapshot.
func BuildSnapshot(r *Record) Snapshot {
	return Snapshot{
		TakenAt:         time.Now().UTC().Format(time.RFC3339),
		SequenceCounter: r.SequenceCounter,
		ModifiedAt:      r.ModifiedTS,
		Strategy:        r.Allocator.Strategy.String(),
		TotalSectors:    r.Allocator.TotalSectors,
		TotalFree:       r.Allocator.TotalFree,
		TotalAllocated:  r.Allocator.TotalAllocated,
		Entries:         r.Entries,
	}
}

// WriteSnapshotFile renders snap as indented JSON and writes it to path
// atomically (rename-after-write), so a concurrent reader never
// observes a half-written dump file.
func WriteSnapshotFile(path string, snap Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("metadata: marshal snapshot: %w", err)
	}
	if err := natomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("metadata: write snapshot %s: %w", path, err)
	}
	return nil
}
