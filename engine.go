// Package dmremap implements a block-device remapping layer: it
// interposes between an upstream consumer and a main device that may
// develop failing sectors and a spare device that supplies replacement
// sectors, redirecting logical sectors to spare sectors on demand and
// remembering the redirection across restarts.
package dmremap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amigatomte/dm-remap-sub007/internal/allocator"
	"github.com/amigatomte/dm-remap-sub007/internal/fingerprint"
	"github.com/amigatomte/dm-remap-sub007/internal/interfaces"
	"github.com/amigatomte/dm-remap-sub007/internal/logging"
	"github.com/amigatomte/dm-remap-sub007/internal/metadata"
	"github.com/amigatomte/dm-remap-sub007/internal/remaptable"
)

// Engine is one attached main/spare pair: the in-memory remap table,
// allocator, and persistence engine, plus the devices they front.
// There is no package-level state; every Engine is independent.
type Engine struct {
	cfg   Config
	level metadata.Level

	main  interfaces.Device
	spare interfaces.Device

	mainFingerprint *fingerprint.Fingerprint

	table   *remaptable.Table
	alloc   *allocator.Allocator
	persist *metadata.Persistence

	logger   interfaces.Logger
	observer interfaces.Observer
	metrics  *EngineMetrics

	mu     sync.Mutex // guards record
	record *metadata.Record

	// installMu is the table-wide install-serializing critical section
	// of spec.md §4.G step 1: every remap attempt (automatic or
	// administrative) holds it across the check-existing-entry,
	// Allocate, and Reserve sequence, and releases it before copy-back
	// and Activate so the lock only ever guards O(1) work.
	installMu sync.Mutex

	readOnly           atomic.Bool
	allocatorExhausted atomic.Bool
	detached           atomic.Bool

	transientMu     sync.Mutex
	transientCounts map[uint64]int
}

func parseLevel(s string) metadata.Level {
	switch s {
	case "minimal":
		return metadata.Minimal
	case "strict":
		return metadata.Strict
	case "paranoid":
		return metadata.Paranoid
	default:
		return metadata.Standard
	}
}

// fanoutObserver notifies both the engine's own metrics and an
// optional caller-supplied observer for every I/O event.
type fanoutObserver struct {
	metrics *MetricsObserver
	user    interfaces.Observer
}

func (f *fanoutObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	f.metrics.ObserveRead(bytes, latencyNs, success)
	f.user.ObserveRead(bytes, latencyNs, success)
}
func (f *fanoutObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	f.metrics.ObserveWrite(bytes, latencyNs, success)
	f.user.ObserveWrite(bytes, latencyNs, success)
}
func (f *fanoutObserver) ObserveFlush(latencyNs uint64, success bool) {
	f.metrics.ObserveFlush(latencyNs, success)
	f.user.ObserveFlush(latencyNs, success)
}
func (f *fanoutObserver) ObserveAutoRemap(logical, spare uint64) {
	f.metrics.ObserveAutoRemap(logical, spare)
	f.user.ObserveAutoRemap(logical, spare)
}
func (f *fanoutObserver) ObserveManualRemap(logical, spare uint64) {
	f.metrics.ObserveManualRemap(logical, spare)
	f.user.ObserveManualRemap(logical, spare)
}
func (f *fanoutObserver) ObserveAllocatorExhausted() {
	f.metrics.ObserveAllocatorExhausted()
	f.user.ObserveAllocatorExhausted()
}

var _ interfaces.Observer = (*fanoutObserver)(nil)

// Options carries the collaborators Attach does not construct itself:
// a logger, an observer, and (for tests) a clock override is
// deliberately not offered — time.Now is used directly, matching the
// teacher's own backend.go.
type Options struct {
	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// Attach loads or initializes metadata on spare, reconstructs the
// in-memory remap table and allocator, and returns a ready Engine
// (spec §6, "attach").
func Attach(ctx context.Context, cfg Config, main, spare interfaces.Device, opts *Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = interfaces.NoOpObserver{}
	}

	tempAlloc, err := allocator.New(spare.SectorCount(), cfg.AllowSmallSpare)
	if err != nil {
		return nil, WrapError("Attach", ErrCodeInvalidArgument, err)
	}
	anchors := tempAlloc.Snapshot().ReservedSet

	persist := metadata.NewPersistence(spare, anchors, logger, cfg.FlushDebounceWrites, cfg.FlushDebounceSeconds)

	mainFP := fingerprint.New(cfg.MainPath, main.SectorCount(), uint32(main.SectorSize()), cfg.MainSerial, cfg.MainModel, "main")
	spareFP := fingerprint.New(cfg.SparePath, spare.SectorCount(), uint32(spare.SectorSize()), cfg.SpareSerial, cfg.SpareModel, "spare")
	target := metadata.TargetParams{
		MainSectors:  main.SectorCount(),
		SpareSectors: spare.SectorCount(),
		SectorSize:   uint32(main.SectorSize()),
	}

	level := parseLevel(cfg.ValidatorLevel)

	var record *metadata.Record
	var alloc *allocator.Allocator

	loaded, conflict, loadErr := persist.Load(ctx)
	switch {
	case errors.Is(loadErr, metadata.ErrNoValidMetadata):
		record = metadata.New(mainFP, []*fingerprint.Fingerprint{spareFP}, tempAlloc.Snapshot(), target, time.Now().Unix())
		alloc = tempAlloc
	case loadErr != nil:
		return nil, WrapError("Attach", ErrCodeNoValidMetadata, loadErr)
	default:
		res := metadata.Validate(loaded, level, mainFP, spareFP)
		if !res.OK() {
			code := ErrCodeCorruptedMetadata
			if res.Has(metadata.FaultMainFingerprintMismatch) || res.Has(metadata.FaultSpareFingerprintMismatch) {
				code = ErrCodeDeviceMismatch
			}
			return nil, NewError("Attach", code, res.String())
		}
		if conflict.Severity != metadata.ConflictNone {
			logger.Warnf("dmremap: attach: anchor conflict severity=%s sequences=%v", conflict.Severity, conflict.Sequences)
		}
		record = loaded
		alloc = allocator.FromConfig(loaded.Allocator)
	}

	table := remaptable.New()
	installEntries(table, record.Entries)

	metrics := NewEngineMetrics()
	fanout := &fanoutObserver{metrics: NewMetricsObserver(metrics), user: observer}

	e := &Engine{
		cfg:             cfg,
		level:           level,
		main:            main,
		spare:           spare,
		mainFingerprint: mainFP,
		table:           table,
		alloc:           alloc,
		persist:         persist,
		logger:          logger,
		observer:        fanout,
		metrics:         metrics,
		record:          record,
		transientCounts: make(map[uint64]int),
	}
	return e, nil
}

// installEntries reconstructs a fresh table from a record's persisted
// entries. Pending entries reflect a remap that was mid-flight at the
// moment of the last flush and are not reinstalled: the mapping they
// describe was never durably committed as Active, so the logical
// sector simply falls back to the main device and will be remapped
// again on its next failure.
func installEntries(table *remaptable.Table, entries []remaptable.RemapEntry) {
	for _, e := range entries {
		switch e.Status {
		case remaptable.Active:
			_ = table.Install(e.Logical, e.Spare)
		case remaptable.Failed:
			_ = table.Reserve(e.Logical, e.Spare)
			table.Fail(e.Logical)
		}
	}
}

// Detach drains persistence with a final synchronous flush and closes
// both devices (spec §6, "detach").
func (e *Engine) Detach(ctx context.Context) error {
	if !e.detached.CompareAndSwap(false, true) {
		return nil
	}
	defer e.metrics.Stop()

	if err := e.flushLocked(ctx); err != nil {
		e.logger.Errorf("dmremap: detach: final flush failed: %v", err)
	}

	var firstErr error
	if err := e.main.Close(); err != nil {
		firstErr = err
	}
	if err := e.spare.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked builds the next revision from current in-memory state
// and writes it to every anchor.
func (e *Engine) flushLocked(ctx context.Context) error {
	e.mu.Lock()
	next := e.record.NextRevision(e.table.Snapshot(), e.alloc.Snapshot(), time.Now().Unix())
	e.mu.Unlock()

	start := time.Now()
	err := e.persist.Flush(ctx, next)
	e.observer.ObserveFlush(uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.record = next
	e.mu.Unlock()
	return nil
}

// Flush forces an immediate metadata write regardless of the dirty
// debounce counters (the administrative "save"/"sync" verbs).
func (e *Engine) Flush(ctx context.Context) error {
	return e.flushLocked(ctx)
}

// noteDirty is called after every structural table edit; it debounces
// per spec §4.H and triggers a background flush once the threshold is
// crossed.
func (e *Engine) noteDirty(ctx context.Context) {
	if !e.persist.NoteDirty() {
		return
	}
	go func() {
		if err := e.flushLocked(ctx); err != nil {
			e.logger.Errorf("dmremap: debounced flush failed: %v", err)
		}
	}()
}

// Snapshot returns the current metrics for this Engine.
func (e *Engine) Snapshot() MetricsSnapshot { return e.metrics.Snapshot() }

// describe renders this engine's configuration and live allocator
// state as YAML (the "describe" admin verb).
func (e *Engine) describe() (string, error) {
	e.mu.Lock()
	allocCfg := e.alloc.Snapshot()
	e.mu.Unlock()
	return DescribeYAML(e.cfg, allocCfg)
}

// dump writes a JSON point-in-time snapshot of the current record to
// path (the "dump" admin verb).
func (e *Engine) dump(path string) error {
	e.mu.Lock()
	rec := e.record
	e.mu.Unlock()
	snap := metadata.BuildSnapshot(rec)
	if err := metadata.WriteSnapshotFile(path, snap); err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	return nil
}
