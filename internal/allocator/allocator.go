// Package allocator implements the spare-sector allocator with
// metadata reservation (spec.md §4.D): a placement policy that picks a
// reservation strategy from spare capacity, reserves a handful of
// sectors for metadata anchors, and hands out the rest monotonically
// without ever colliding with a reserved sector.
package allocator

import (
	"errors"
	"sort"
	"sync"

	"github.com/amigatomte/dm-remap-sub007/internal/constants"
)

// Strategy is the reservation layout chosen once from spare device size.
type Strategy int

const (
	Geometric Strategy = iota
	Linear
	Minimal
)

func (s Strategy) String() string {
	switch s {
	case Geometric:
		return "geometric"
	case Linear:
		return "linear"
	case Minimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// ErrExhausted is returned by Allocate when no free, unreserved sector
// remains below the spare device's sector count.
var ErrExhausted = errors.New("allocator: spare device exhausted")

// ErrSpareTooSmall is returned when the spare device is smaller than
// the Minimal strategy's floor and small-device mode was not requested.
var ErrSpareTooSmall = errors.New("allocator: spare device below minimum size")

// SelectStrategy maps a spare device's sector count to the strategy
// spec.md §4.D's table chooses at construction time.
func SelectStrategy(spareSectors uint64) Strategy {
	switch {
	case spareSectors >= constants.GeometricThresholdSectors:
		return Geometric
	case spareSectors >= constants.LinearThresholdSectors:
		return Linear
	default:
		return Minimal
	}
}

// reservedSet computes the ordered, deduplicated reservation list for a
// strategy over a spare device of n sectors. Out-of-range candidates
// are dropped rather than clamped.
func reservedSet(strategy Strategy, n uint64) []uint64 {
	var candidates []uint64
	switch strategy {
	case Geometric:
		candidates = []uint64{0, 1024, 2048, 4096, 8192}
	case Linear:
		candidates = []uint64{0, n / 3, (2 * n) / 3}
	default:
		candidates = []uint64{0}
	}

	seen := make(map[uint64]struct{}, len(candidates))
	reserved := make([]uint64, 0, len(candidates))
	for _, c := range candidates {
		if c >= n {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		reserved = append(reserved, c)
	}
	sort.Slice(reserved, func(i, j int) bool { return reserved[i] < reserved[j] })
	return reserved
}

// Config is the serializable, mostly-immutable allocator state carried
// in a MetadataRecord (spec.md §4.C).
type Config struct {
	Strategy       Strategy
	TotalSectors   uint64
	ReservedSet    []uint64
	NextFreeHint   uint64
	TotalFree      uint64
	TotalAllocated uint64
}

// Allocator hands out spare sectors monotonically: once given out, a
// sector is never reused, even if the caller abandons the mapping it
// was meant for (spec.md §4.D, "simplicity > reuse").
type Allocator struct {
	mu       sync.Mutex
	cfg      Config
	reserved map[uint64]struct{}
}

// New constructs an allocator for a spare device with spareSectors
// sectors. allowSmall permits a spare device below the Minimal floor
// (8 MiB) to be used anyway, for tests and small-device deployments.
func New(spareSectors uint64, allowSmall bool) (*Allocator, error) {
	strategy := SelectStrategy(spareSectors)
	if strategy == Minimal && spareSectors < constants.MinimalDeviceFloorSectors && !allowSmall {
		return nil, ErrSpareTooSmall
	}

	reserved := reservedSet(strategy, spareSectors)
	reservedIdx := make(map[uint64]struct{}, len(reserved))
	for _, r := range reserved {
		reservedIdx[r] = struct{}{}
	}

	hint := firstUnreserved(0, spareSectors, reservedIdx)

	return &Allocator{
		cfg: Config{
			Strategy:       strategy,
			TotalSectors:   spareSectors,
			ReservedSet:    reserved,
			NextFreeHint:   hint,
			TotalFree:      spareSectors - uint64(len(reserved)),
			TotalAllocated: 0,
		},
		reserved: reservedIdx,
	}, nil
}

// FromConfig reconstructs an allocator from a previously persisted
// Config (attach path, spec.md §3 "Attach").
func FromConfig(cfg Config) *Allocator {
	reservedIdx := make(map[uint64]struct{}, len(cfg.ReservedSet))
	for _, r := range cfg.ReservedSet {
		reservedIdx[r] = struct{}{}
	}
	return &Allocator{cfg: cfg, reserved: reservedIdx}
}

func firstUnreserved(start, n uint64, reserved map[uint64]struct{}) uint64 {
	for s := start; s < n; s++ {
		if _, isReserved := reserved[s]; !isReserved {
			return s
		}
	}
	return n
}

// Allocate hands out the next free sector, advancing past reserved
// sectors, and never returns a sector twice.
func (a *Allocator) Allocate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := firstUnreserved(a.cfg.NextFreeHint, a.cfg.TotalSectors, a.reserved)
	if candidate >= a.cfg.TotalSectors {
		return 0, ErrExhausted
	}

	a.cfg.NextFreeHint = firstUnreserved(candidate+1, a.cfg.TotalSectors, a.reserved)
	a.cfg.TotalAllocated++
	if a.cfg.TotalFree > 0 {
		a.cfg.TotalFree--
	}
	return candidate, nil
}

// IsReserved reports whether sector is in the reserved set.
func (a *Allocator) IsReserved(sector uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[sector]
	return ok
}

// Snapshot returns a copy of the allocator's current Config, safe to
// persist or inspect without racing further Allocate calls.
func (a *Allocator) Snapshot() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	reserved := make([]uint64, len(a.cfg.ReservedSet))
	copy(reserved, a.cfg.ReservedSet)
	cfg := a.cfg
	cfg.ReservedSet = reserved
	return cfg
}

// Strategy returns the allocator's reservation strategy.
func (a *Allocator) Strategy() Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Strategy
}
