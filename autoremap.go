package dmremap

import (
	"context"
	"math/rand"
	"time"

	"github.com/amigatomte/dm-remap-sub007/internal/constants"
	"github.com/amigatomte/dm-remap-sub007/internal/interfaces"
	"github.com/amigatomte/dm-remap-sub007/internal/remaptable"
)

// transientThreshold is how many persistent transient failures on the
// same sector escalate to a remap, separate from the inline retry
// budget (spec §4.G: "do not remap until the counter exceeds
// transient_threshold (default 3)"). It reuses MaxTransientRetries
// since the spec fixes both at 3 without distinguishing them further.
const transientThreshold = constants.MaxTransientRetries

// handleMainError reacts to one failed main-device sector access,
// classifying the error and either retrying, remapping, or declaring
// the engine structurally broken (spec §4.G).
func (e *Engine) handleMainError(ctx context.Context, sector uint64, isWrite bool, payload []byte, rawErr error) error {
	switch classifyErr(rawErr) {
	case interfaces.ErrClassTransient:
		return e.handleTransient(ctx, sector, isWrite, payload, rawErr)
	case interfaces.ErrClassStructural:
		e.readOnly.Store(true)
		return WrapError("handleMainError", ErrCodeStructuralIO, rawErr)
	default: // ErrClassPermanent and unclassified errors alike
		return e.remapSector(ctx, sector, isWrite, payload, rawErr)
	}
}

// handleTransient retries the failing access inline with exponential
// backoff and full jitter, escalating to a remap once the sector's
// persistent transient counter crosses transientThreshold (Open
// Question decision: base 5ms, doubling, full jitter, cap 3 retries).
func (e *Engine) handleTransient(ctx context.Context, sector uint64, isWrite bool, payload []byte, rawErr error) error {
	delay := time.Duration(constants.RetryBaseDelayMs) * time.Millisecond

	var lastErr = rawErr
	for attempt := 0; attempt < constants.MaxTransientRetries; attempt++ {
		jittered := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return ctx.Err()
		}

		var err error
		if isWrite {
			_, err = e.main.WriteAt(payload, sector)
		} else {
			buf := make([]byte, e.main.SectorSize())
			_, err = e.main.ReadAt(buf, sector)
			if err == nil && !isWrite {
				copy(payload, buf)
			}
		}
		if err == nil {
			e.transientMu.Lock()
			delete(e.transientCounts, sector)
			e.transientMu.Unlock()
			return nil
		}
		lastErr = err
		delay *= 2
	}

	e.transientMu.Lock()
	e.transientCounts[sector]++
	count := e.transientCounts[sector]
	e.transientMu.Unlock()

	if count > transientThreshold {
		return e.remapSector(ctx, sector, isWrite, payload, lastErr)
	}
	return WrapError("handleTransient", ErrCodeTransientIO, lastErr)
}

// remapSector executes the single-sector remap procedure of spec §4.G.
// Step 1's table-wide install-serializing critical section (e.installMu)
// covers only steps 2-4 (check for an existing Active entry, Allocate, and
// Reserve); copy-back and Activate (steps 5-6) run unlocked so the lock
// only ever guards O(1) work. The outer Lookup is unlocked and blocks on
// its own if it finds a Pending entry a concurrent attempt already
// installed, so two concurrent remaps of the same permanently-failing
// sector converge on one allocation instead of racing.
func (e *Engine) remapSector(ctx context.Context, sector uint64, isWrite bool, payload []byte, originalErr error) error {
	for {
		if entry, ok := e.table.Lookup(sector); ok && entry.Status == remaptable.Active {
			return e.reissueOnSpare(entry.Spare, isWrite, payload, originalErr)
		}

		e.installMu.Lock()
		spare, err := e.alloc.Allocate()
		if err != nil {
			e.installMu.Unlock()
			e.allocatorExhausted.Store(true)
			e.observer.ObserveAllocatorExhausted()
			return WrapError("remapSector", ErrCodeAllocatorExhausted, originalErr)
		}
		if err := e.table.Reserve(sector, spare); err != nil {
			// Another goroutine's Reserve/Activate landed between our
			// lock-free Lookup above and this Reserve call; the spare
			// allocated above is simply abandoned (the allocator is
			// monotonic by design, see internal/allocator). Release the
			// critical section and retry from the top, which observes
			// (and blocks on, if still Pending) whatever it installed.
			e.installMu.Unlock()
			continue
		}
		e.installMu.Unlock()

		if isWrite {
			// Best-effort preservation of the sector's previous contents;
			// errors are ignored, matching the read path's decision to
			// skip copy-back entirely on a read failure.
			scratch := make([]byte, e.main.SectorSize())
			if _, err := e.main.ReadAt(scratch, sector); err == nil {
				_, _ = e.spare.WriteAt(scratch, spare)
			}
		}

		e.table.Activate(sector)
		e.noteDirty(ctx)
		e.observer.ObserveAutoRemap(sector, spare)

		return e.reissueOnSpare(spare, isWrite, payload, originalErr)
	}
}

// reissueOnSpare re-issues the failing access against its remapped
// spare sector. A write succeeds if the spare write succeeds; a read
// still returns the original error — the data behind it is gone, and
// the remap only protects future reads (spec §4.G step 7, §7).
func (e *Engine) reissueOnSpare(spare uint64, isWrite bool, payload []byte, originalErr error) error {
	if !isWrite {
		return originalErr
	}
	_, err := e.spare.WriteAt(payload, spare)
	if err != nil {
		return WrapError("reissueOnSpare", ErrCodePermanentIO, err)
	}
	return nil
}
