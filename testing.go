package dmremap

import (
	"fmt"
	"sync"

	"github.com/amigatomte/dm-remap-sub007/internal/constants"
	"github.com/amigatomte/dm-remap-sub007/internal/interfaces"
)

// classifiedErr pairs a plain error with an interfaces.ErrorClass so
// MockDevice can hand the auto-remap controller a specific
// classification instead of forcing it to guess.
type classifiedErr struct {
	msg   string
	class interfaces.ErrorClass
}

func (e *classifiedErr) Error() string                { return e.msg }
func (e *classifiedErr) Class() interfaces.ErrorClass { return e.class }

var _ interfaces.ClassifiedError = (*classifiedErr)(nil)

// faultRule describes one scheduled failure: the Nth read or write
// touching a sector in [start, end) fails with class.
type faultRule struct {
	isWrite    bool
	start, end uint64
	nth        int
	class      interfaces.ErrorClass
	fired      int
}

// MockDevice is a fault-injecting in-memory interfaces.Device, used by
// the interceptor and auto-remap controller tests to force Transient,
// Permanent, and Structural failures on specific sector ranges.
type MockDevice struct {
	mu      sync.Mutex
	data    []byte
	sectors uint64

	rules      []*faultRule
	readCalls  int
	writeCalls int
	flushCalls int
	closed     bool
}

// NewMockDevice returns a MockDevice of sectorCount sectors.
func NewMockDevice(sectorCount uint64) *MockDevice {
	return &MockDevice{
		data:    make([]byte, sectorCount*constants.SectorSize),
		sectors: sectorCount,
	}
}

// FailNthRead schedules the nth read touching [startSector, endSector)
// to fail with the given classification (1-indexed: nth=1 is the first
// matching read).
func (m *MockDevice) FailNthRead(startSector, endSector uint64, nth int, class interfaces.ErrorClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, &faultRule{isWrite: false, start: startSector, end: endSector, nth: nth, class: class})
}

// FailNthWrite schedules the nth write touching [startSector,
// endSector) to fail with the given classification.
func (m *MockDevice) FailNthWrite(startSector, endSector uint64, nth int, class interfaces.ErrorClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, &faultRule{isWrite: true, start: startSector, end: endSector, nth: nth, class: class})
}

func (m *MockDevice) matchRule(isWrite bool, sector uint64, n int) *faultRule {
	for _, r := range m.rules {
		if r.isWrite != isWrite {
			continue
		}
		if sector+uint64(n) <= r.start || sector >= r.end {
			continue
		}
		r.fired++
		if r.fired == r.nth {
			return r
		}
	}
	return nil
}

// SectorSize returns the fixed sector size in bytes.
func (m *MockDevice) SectorSize() int { return constants.SectorSize }

// SectorCount returns the device's total sector count.
func (m *MockDevice) SectorCount() uint64 { return m.sectors }

// ReadAt reads len(p)/SectorSize sectors starting at sector, honoring
// any scheduled fault rule before touching the backing buffer.
func (m *MockDevice) ReadAt(p []byte, sector uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++

	if m.closed {
		return 0, &classifiedErr{msg: "device closed", class: interfaces.ErrClassStructural}
	}

	n := len(p) / constants.SectorSize
	if rule := m.matchRule(false, sector, n); rule != nil {
		return 0, &classifiedErr{msg: fmt.Sprintf("injected read fault at sector %d", sector), class: rule.class}
	}

	off := sector * constants.SectorSize
	if off >= uint64(len(m.data)) {
		return 0, fmt.Errorf("mock device: read beyond end at sector %d", sector)
	}
	copied := copy(p, m.data[off:])
	return copied, nil
}

// WriteAt writes len(p)/SectorSize sectors starting at sector, honoring
// any scheduled fault rule before touching the backing buffer.
func (m *MockDevice) WriteAt(p []byte, sector uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++

	if m.closed {
		return 0, &classifiedErr{msg: "device closed", class: interfaces.ErrClassStructural}
	}

	n := len(p) / constants.SectorSize
	if rule := m.matchRule(true, sector, n); rule != nil {
		return 0, &classifiedErr{msg: fmt.Sprintf("injected write fault at sector %d", sector), class: rule.class}
	}

	off := sector * constants.SectorSize
	if off >= uint64(len(m.data)) {
		return 0, fmt.Errorf("mock device: write beyond end at sector %d", sector)
	}
	copied := copy(m.data[off:], p)
	return copied, nil
}

// Flush records that a flush occurred; it never fails.
func (m *MockDevice) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return nil
}

// Close marks the device closed; subsequent I/O fails Structural.
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// CallCounts returns how many times each operation has been invoked,
// for test assertions.
func (m *MockDevice) CallCounts() (reads, writes, flushes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCalls, m.writeCalls, m.flushCalls
}

var _ interfaces.Device = (*MockDevice)(nil)
