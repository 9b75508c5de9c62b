package dmremap

import (
	"context"
	"testing"

	"github.com/amigatomte/dm-remap-sub007/device"
	"github.com/amigatomte/dm-remap-sub007/internal/remaptable"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MainPath = "/dev/fake-main"
	cfg.SparePath = "/dev/fake-spare"
	cfg.AllowSmallSpare = true
	cfg.MainSerial = "main-serial-1"
	cfg.SpareSerial = "spare-serial-1"
	return cfg
}

func attachFresh(t *testing.T, mainSectors, spareSectors uint64) (*Engine, *device.Memory, *device.Memory) {
	t.Helper()
	main := device.NewMemory(mainSectors)
	spare := device.NewMemory(spareSectors)
	e, err := Attach(context.Background(), testConfig(), main, spare, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return e, main, spare
}

func TestAttachFreshInitializesEmptyTable(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	if e.table.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 on a fresh attach", e.table.Count())
	}
	if e.health() != 0 {
		t.Fatalf("health() = %d, want 0", e.health())
	}
}

func TestAttachRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	main := device.NewMemory(4096)
	spare := device.NewMemory(128)
	if _, err := Attach(context.Background(), cfg, main, spare, nil); err == nil {
		t.Fatalf("expected Attach to reject a config with no main_path/spare_path")
	}
}

// TestFlushThenReattachPreservesTable drives the attach/detach/attach
// round trip: a manually remapped sector must still be Active after a
// fresh Attach against the same spare device.
func TestFlushThenReattachPreservesTable(t *testing.T) {
	ctx := context.Background()
	main := device.NewMemory(4096)
	spare := device.NewMemory(128)

	cfg := testConfig()
	e1, err := Attach(ctx, cfg, main, spare, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if _, err := e1.Message(ctx, "remap 42"); err != nil {
		t.Fatalf("remap: %v", err)
	}
	if err := e1.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	entry, ok := e1.table.Lookup(42)
	if !ok || entry.Status != remaptable.Active {
		t.Fatalf("expected sector 42 to be Active after remap")
	}

	if err := e1.Detach(ctx); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	e2, err := Attach(ctx, cfg, main, spare, nil)
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	defer e2.Detach(ctx)

	reloaded, ok := e2.table.Lookup(42)
	if !ok {
		t.Fatalf("expected sector 42 to survive reattach")
	}
	if reloaded.Spare != entry.Spare {
		t.Fatalf("Spare = %d, want %d", reloaded.Spare, entry.Spare)
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	ctx := context.Background()
	if err := e.Detach(ctx); err != nil {
		t.Fatalf("first Detach: %v", err)
	}
	if err := e.Detach(ctx); err != nil {
		t.Fatalf("second Detach should be a no-op, got %v", err)
	}
	if e.health() != 3 {
		t.Fatalf("health() = %d, want 3 (detached)", e.health())
	}
}

func TestDescribeReportsAllocatorStrategy(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	out, err := e.describe()
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if out == "" {
		t.Fatalf("describe() returned empty output")
	}
}
