package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/amigatomte/dm-remap-sub007/internal/constants"
	"github.com/amigatomte/dm-remap-sub007/internal/interfaces"
)

// ErrNoValidMetadata means every anchor failed validation on attach
// (spec.md §7, NoValidMetadata).
var ErrNoValidMetadata = errors.New("metadata: no anchor produced a valid record")

// ConflictSeverity grades how suspicious a multi-anchor sequence
// disagreement looks (spec.md §4.H step 4).
type ConflictSeverity int

const (
	ConflictNone ConflictSeverity = iota
	ConflictLow
	ConflictCritical
)

func (c ConflictSeverity) String() string {
	switch c {
	case ConflictCritical:
		return "critical"
	case ConflictLow:
		return "low"
	default:
		return "none"
	}
}

// concurrentWriterWindow is the timestamp-clustering window (spec.md
// §4.H: "within a 5-second window") past which a sequence disagreement
// is treated as a probable concurrent-writer anomaly rather than normal
// staggered flush progress.
const concurrentWriterWindow = 5 * time.Second

// VotingConflict describes a disagreement detected while selecting the
// winning record among surviving anchors.
type VotingConflict struct {
	Severity  ConflictSeverity
	Sequences []uint64
}

// anchorResult is one anchor's read-and-validate outcome.
type anchorResult struct {
	index  int
	record *Record
	valid  Result
	err    error
}

// Persistence is the multi-copy anchor read/write/voting engine of
// spec.md §4.H, operating over a fixed set of anchor sectors on the
// spare device.
type Persistence struct {
	spare   interfaces.Device
	logger  interfaces.Logger
	anchors []uint64

	debounceWrites  int
	debounceSeconds int

	mu          sync.Mutex
	dirtyWrites int
	lastFlushAt time.Time
	sectorsEach uint64
}

// sectorsPerAnchor is how many sectors MaxRecordSize spans, derived
// from the fixed sector size rather than hard-coded so a different
// SectorSize constant still yields a consistent anchor stride.
func sectorsPerAnchor() uint64 {
	n := uint64(MaxRecordSize) / uint64(constants.SectorSize)
	if uint64(MaxRecordSize)%uint64(constants.SectorSize) != 0 {
		n++
	}
	return n
}

// NewPersistence builds a Persistence engine writing to the given
// anchor sector indices on spare (the allocator's reserved set).
// debounceWrites/debounceSeconds configure the dirty/flush scheduling
// of spec.md §4.H; a value <= 0 falls back to the package defaults.
func NewPersistence(spare interfaces.Device, anchors []uint64, logger interfaces.Logger, debounceWrites, debounceSeconds int) *Persistence {
	if debounceWrites <= 0 {
		debounceWrites = constants.FlushDebounceWrites
	}
	if debounceSeconds <= 0 {
		debounceSeconds = constants.FlushDebounceSeconds
	}
	return &Persistence{
		spare:           spare,
		logger:          logger,
		anchors:         anchors,
		sectorsEach:     sectorsPerAnchor(),
		debounceWrites:  debounceWrites,
		debounceSeconds: debounceSeconds,
	}
}

func (p *Persistence) readAnchor(anchor uint64) ([]byte, error) {
	buf := make([]byte, p.sectorsEach*uint64(constants.SectorSize))
	_, err := p.spare.ReadAt(buf, anchor)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Persistence) writeAnchor(anchor uint64, data []byte) error {
	padded := make([]byte, p.sectorsEach*uint64(constants.SectorSize))
	copy(padded, data)
	_, err := p.spare.WriteAt(padded, anchor)
	return err
}

// Load implements the read protocol: read every anchor, validate at
// Standard level, drop invalid copies, and vote among the survivors.
func (p *Persistence) Load(ctx context.Context) (*Record, VotingConflict, error) {
	results := make([]anchorResult, len(p.anchors))
	for i, anchor := range p.anchors {
		select {
		case <-ctx.Done():
			return nil, VotingConflict{}, ctx.Err()
		default:
		}

		raw, err := p.readAnchor(anchor)
		if err != nil {
			results[i] = anchorResult{index: i, err: err}
			continue
		}
		rec, err := Decode(raw)
		if err != nil {
			results[i] = anchorResult{index: i, err: err}
			continue
		}
		res := Validate(rec, Standard, nil, nil)
		results[i] = anchorResult{index: i, record: rec, valid: res}
	}

	var survivors []*Record
	for _, r := range results {
		if r.err != nil {
			if p.logger != nil {
				p.logger.Warnf("metadata: anchor %d unreadable: %v", r.index, r.err)
			}
			continue
		}
		if !r.valid.OK() {
			if p.logger != nil {
				p.logger.Warnf("metadata: anchor %d failed validation: %s", r.index, r.valid)
			}
			continue
		}
		survivors = append(survivors, r.record)
	}

	if len(survivors) == 0 {
		return nil, VotingConflict{}, ErrNoValidMetadata
	}

	winner, conflict := vote(survivors)
	return winner, conflict, nil
}

// vote applies the resolution policy of spec.md §4.H step 4: highest
// sequence_counter wins, tie-break highest modified_ts, tie-break
// lexicographically greatest serialized body.
func vote(records []*Record) (*Record, VotingConflict) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.SequenceCounter != b.SequenceCounter {
			return a.SequenceCounter > b.SequenceCounter
		}
		if a.ModifiedTS != b.ModifiedTS {
			return a.ModifiedTS > b.ModifiedTS
		}
		ab, _ := a.Encode()
		bb, _ := b.Encode()
		return bytes.Compare(ab, bb) > 0
	})

	winner := records[0]

	conflict := VotingConflict{Severity: ConflictNone}
	if len(records) > 1 {
		sequences := make([]uint64, len(records))
		distinctSeq := false
		for i, r := range records {
			sequences[i] = r.SequenceCounter
			if r.SequenceCounter != winner.SequenceCounter {
				distinctSeq = true
			}
		}
		if distinctSeq {
			conflict.Severity = ConflictLow
			conflict.Sequences = sequences
			for _, r := range records {
				if r == winner {
					continue
				}
				delta := winner.ModifiedTS - r.ModifiedTS
				if delta < 0 {
					delta = -delta
				}
				if time.Duration(delta)*time.Second < concurrentWriterWindow {
					conflict.Severity = ConflictCritical
				}
			}
		}
	}

	return winner, conflict
}

// Flush implements the write protocol: write record to every anchor,
// best-effort, succeeding as long as at least one anchor is durable
// (spec.md §4.H step 2-3).
func (p *Persistence) Flush(ctx context.Context, record *Record) error {
	data, err := record.Encode()
	if err != nil {
		return fmt.Errorf("metadata: encode failed: %w", err)
	}

	var writeErrs *multierror.Error
	durable := 0
	for _, anchor := range p.anchors {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := p.writeAnchor(anchor, data); err != nil {
			writeErrs = multierror.Append(writeErrs, fmt.Errorf("anchor %d: %w", anchor, err))
			continue
		}
		durable++
	}

	if durable == 0 {
		if writeErrs != nil {
			return fmt.Errorf("metadata: all anchors failed to write: %w", writeErrs)
		}
		return fmt.Errorf("metadata: all anchors failed to write")
	}

	if err := p.spare.Flush(); err != nil {
		return fmt.Errorf("metadata: spare device fsync failed: %w", err)
	}

	if writeErrs != nil && p.logger != nil {
		p.logger.Warnf("metadata: flush durable on %d/%d anchors: %v", durable, len(p.anchors), writeErrs)
	}

	p.mu.Lock()
	p.dirtyWrites = 0
	p.lastFlushAt = time.Now()
	p.mu.Unlock()

	return nil
}

// NoteDirty records one structural edit and reports whether the
// debounce thresholds (spec.md §4.H, "Dirty/flush scheduling") have
// been crossed and a flush should be triggered.
func (p *Persistence) NoteDirty() (shouldFlush bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirtyWrites++
	if p.dirtyWrites >= p.debounceWrites {
		return true
	}
	if p.lastFlushAt.IsZero() {
		return false
	}
	return time.Since(p.lastFlushAt) >= time.Duration(p.debounceSeconds)*time.Second
}
