package dmremap

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestMessageRemapThenVerify(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	ctx := context.Background()

	if _, err := e.Message(ctx, "remap 5"); err != nil {
		t.Fatalf("remap: %v", err)
	}
	out, err := e.Message(ctx, "verify 5")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "spare=") || !strings.Contains(out, "status=active") {
		t.Fatalf("verify output = %q, want it to report an active spare mapping", out)
	}
}

func TestMessageVerifyUnmappedSector(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	out, err := e.Message(context.Background(), "verify 999")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "unmapped") {
		t.Fatalf("verify output = %q, want it to report the sector unmapped", out)
	}
}

func TestMessageUnknownVerbFails(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	if _, err := e.Message(context.Background(), "bogus"); err == nil {
		t.Fatalf("expected an unrecognized verb to fail")
	}
}

func TestMessageEmptyLineFails(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	if _, err := e.Message(context.Background(), "   "); err == nil {
		t.Fatalf("expected an empty command line to fail")
	}
}

func TestMessageClearRemovesMappings(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	ctx := context.Background()
	if _, err := e.Message(ctx, "remap 3"); err != nil {
		t.Fatalf("remap: %v", err)
	}
	if _, err := e.Message(ctx, "clear"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out, err := e.Message(ctx, "verify 3")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "unmapped") {
		t.Fatalf("verify output = %q, want unmapped after clear", out)
	}
}

func TestMessageSyncFlushesMetadata(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	ctx := context.Background()
	if _, err := e.Message(ctx, "remap 9"); err != nil {
		t.Fatalf("remap: %v", err)
	}
	if _, err := e.Message(ctx, "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestMessageDumpWritesFile(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	ctx := context.Background()

	f, err := os.CreateTemp(t.TempDir(), "dump-*.json")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	f.Close()

	out, err := e.Message(ctx, "dump "+path)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Fatalf("dump output = %q, want it to mention %q", out, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected the dump file to contain data")
	}
}

func TestHealthReflectsAllocatorExhaustion(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 64)
	e.allocatorExhausted.Store(true)
	if e.health() != 1 {
		t.Fatalf("health() = %d, want 1 (allocator exhausted)", e.health())
	}
}

func TestStatusLineHasExpectedShape(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	line := e.StatusLine()
	for _, want := range []string{"health=", "errors=W", "auto_remaps=", "manual_remaps=", "scan=", "metadata=", "autosave="} {
		if !strings.Contains(line, want) {
			t.Fatalf("StatusLine() = %q, missing %q", line, want)
		}
	}
}

func TestStatusLineAutosaveActiveAfterFlush(t *testing.T) {
	e, _, _ := attachFresh(t, 4096, 128)
	if !strings.Contains(e.StatusLine(), "autosave=idle") {
		t.Fatalf("expected autosave=idle before any flush")
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !strings.Contains(e.StatusLine(), "autosave=active") {
		t.Fatalf("expected autosave=active after a flush")
	}
}
