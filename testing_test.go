package dmremap

import (
	"bytes"
	"testing"

	"github.com/amigatomte/dm-remap-sub007/internal/interfaces"
)

func TestMockDeviceRoundTrip(t *testing.T) {
	d := NewMockDevice(1000)
	want := bytes.Repeat([]byte{0x7E}, 512)
	if _, err := d.WriteAt(want, 10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 512)
	if _, err := d.ReadAt(got, 10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestMockDeviceFailNthReadFiresOnceAtSector(t *testing.T) {
	d := NewMockDevice(1000)
	d.FailNthRead(100, 200, 2, interfaces.ErrClassTransient)

	buf := make([]byte, 512)
	if _, err := d.ReadAt(buf, 150); err != nil {
		t.Fatalf("first read should succeed, got %v", err)
	}
	_, err := d.ReadAt(buf, 150)
	if err == nil {
		t.Fatalf("expected second read to fail")
	}
	ce, ok := err.(interfaces.ClassifiedError)
	if !ok {
		t.Fatalf("expected a ClassifiedError, got %T", err)
	}
	if ce.Class() != interfaces.ErrClassTransient {
		t.Fatalf("Class() = %v, want Transient", ce.Class())
	}

	// third read is unaffected; the rule only fires on the 2nd match.
	if _, err := d.ReadAt(buf, 150); err != nil {
		t.Fatalf("third read should succeed, got %v", err)
	}
}

func TestMockDeviceFailNthWriteOutsideRangeUnaffected(t *testing.T) {
	d := NewMockDevice(1000)
	d.FailNthWrite(100, 200, 1, interfaces.ErrClassPermanent)

	buf := make([]byte, 512)
	if _, err := d.WriteAt(buf, 5); err != nil {
		t.Fatalf("write outside fault range should succeed, got %v", err)
	}
}

func TestMockDeviceCloseFailsSubsequentIO(t *testing.T) {
	d := NewMockDevice(10)
	d.Close()

	buf := make([]byte, 512)
	if _, err := d.ReadAt(buf, 0); err == nil {
		t.Fatalf("expected read after Close to fail")
	}
	if _, err := d.WriteAt(buf, 0); err == nil {
		t.Fatalf("expected write after Close to fail")
	}
}

func TestMockDeviceCallCounts(t *testing.T) {
	d := NewMockDevice(10)
	buf := make([]byte, 512)
	d.ReadAt(buf, 0)
	d.ReadAt(buf, 0)
	d.WriteAt(buf, 0)
	d.Flush()

	reads, writes, flushes := d.CallCounts()
	if reads != 2 || writes != 1 || flushes != 1 {
		t.Fatalf("CallCounts() = (%d,%d,%d), want (2,1,1)", reads, writes, flushes)
	}
}
