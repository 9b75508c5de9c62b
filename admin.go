package dmremap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/amigatomte/dm-remap-sub007/internal/remaptable"
)

// Message dispatches one administrative verb to this engine (spec §6,
// "message"): remap, save, sync, verify, clear, plus the supplemented
// describe/dump verbs. It returns the verb's text reply.
func (e *Engine) Message(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", NewError("Message", ErrCodeInvalidArgument, "empty command")
	}

	switch fields[0] {
	case "remap":
		return e.cmdRemap(ctx, fields)
	case "save":
		return e.cmdSave(ctx)
	case "sync":
		return e.cmdSync(ctx)
	case "verify":
		return e.cmdVerify(fields)
	case "clear":
		return e.cmdClear(ctx)
	case "describe":
		return e.describe()
	case "dump":
		return e.cmdDump(fields)
	case "status":
		return e.StatusLine(), nil
	default:
		return "", NewError("Message", ErrCodeInvalidArgument, "unrecognized verb: "+fields[0])
	}
}

func parseSectorArg(fields []string) (uint64, error) {
	if len(fields) != 2 {
		return 0, NewError("Message", ErrCodeInvalidArgument, "expected exactly one sector argument")
	}
	n, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, NewError("Message", ErrCodeInvalidArgument, "bad sector argument: "+fields[1])
	}
	return n, nil
}

// cmdRemap forces a remap of one logical sector regardless of whether
// the main device has reported an error for it. It shares remapSector's
// table-wide install-serializing critical section (spec.md §4.G step 1)
// so an operator-forced remap can't race an automatic one on the same
// sector.
func (e *Engine) cmdRemap(ctx context.Context, fields []string) (string, error) {
	logical, err := parseSectorArg(fields)
	if err != nil {
		return "", err
	}

	for {
		if entry, ok := e.table.Lookup(logical); ok && entry.Status == remaptable.Active {
			return fmt.Sprintf("already remapped: logical=%d spare=%d", logical, entry.Spare), nil
		}

		e.installMu.Lock()
		spare, err := e.alloc.Allocate()
		if err != nil {
			e.installMu.Unlock()
			e.allocatorExhausted.Store(true)
			e.observer.ObserveAllocatorExhausted()
			return "", WrapError("remap", ErrCodeAllocatorExhausted, err)
		}
		if err := e.table.Reserve(logical, spare); err != nil {
			e.installMu.Unlock()
			continue
		}
		e.installMu.Unlock()

		scratch := make([]byte, e.main.SectorSize())
		if _, err := e.main.ReadAt(scratch, logical); err == nil {
			_, _ = e.spare.WriteAt(scratch, spare)
		}

		e.table.Activate(logical)
		e.noteDirty(ctx)
		e.observer.ObserveManualRemap(logical, spare)

		return fmt.Sprintf("remapped: logical=%d spare=%d", logical, spare), nil
	}
}

func (e *Engine) cmdSave(ctx context.Context) (string, error) {
	go func() {
		if err := e.Flush(ctx); err != nil {
			e.logger.Errorf("dmremap: save: %v", err)
		}
	}()
	return "save scheduled", nil
}

func (e *Engine) cmdSync(ctx context.Context) (string, error) {
	if err := e.Flush(ctx); err != nil {
		return "", WrapError("sync", ErrCodeCorruptedMetadata, err)
	}
	return "synced", nil
}

func (e *Engine) cmdVerify(fields []string) (string, error) {
	logical, err := parseSectorArg(fields)
	if err != nil {
		return "", err
	}
	entry, ok := e.table.Lookup(logical)
	if !ok {
		return fmt.Sprintf("logical=%d unmapped", logical), nil
	}
	return fmt.Sprintf("logical=%d spare=%d status=%s", entry.Logical, entry.Spare, entry.Status), nil
}

func (e *Engine) cmdClear(ctx context.Context) (string, error) {
	e.table.Clear()
	e.noteDirty(ctx)
	return "table cleared", nil
}

func (e *Engine) cmdDump(fields []string) (string, error) {
	if len(fields) != 2 {
		return "", NewError("Message", ErrCodeInvalidArgument, "expected exactly one path argument")
	}
	if err := e.dump(fields[1]); err != nil {
		return "", err
	}
	return "dumped to " + fields[1], nil
}

// health encodes the engine's current degraded state as one of the
// four codes the status line's health=<0|1|2|3> field reports: 0
// healthy, 1 allocator exhausted (writes needing a new remap fail,
// reads continue), 2 read-only after a structural device failure, 3
// detached.
func (e *Engine) health() int {
	switch {
	case e.detached.Load():
		return 3
	case e.readOnly.Load():
		return 2
	case e.allocatorExhausted.Load():
		return 1
	default:
		return 0
	}
}

// StatusLine renders the fixed-shape administrative status line (spec
// §6): "v<major>.<minor> <used>/<cap> <remapped>/<cap>
// <total_allocated>/<cap> health=<0|1|2|3> errors=W<w>:R<r>
// auto_remaps=<n> manual_remaps=<n> scan=<p>% metadata=<enabled|disabled>
// autosave=<active|idle>".
func (e *Engine) StatusLine() string {
	e.mu.Lock()
	rec := e.record
	e.mu.Unlock()
	allocCfg := e.alloc.Snapshot()
	snap := e.Snapshot()

	used := allocCfg.TotalAllocated
	capacity := allocCfg.TotalFree + allocCfg.TotalAllocated
	remapped := uint64(e.table.Count())

	autosave := "idle"
	if snap.FlushOps > 0 {
		autosave = "active"
	}

	return fmt.Sprintf(
		"v%d.%d %d/%d %d/%d %d/%d health=%d errors=W%d:R%d auto_remaps=%d manual_remaps=%d scan=0%% metadata=enabled autosave=%s",
		rec.VersionMajor, rec.VersionMinor,
		used, capacity,
		remapped, capacity,
		used, capacity,
		e.health(),
		snap.WriteErrors, snap.ReadErrors,
		snap.AutoRemaps, snap.ManualRemaps,
		autosave,
	)
}
