package device

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/amigatomte/dm-remap-sub007/internal/constants"
	"github.com/amigatomte/dm-remap-sub007/internal/interfaces"
)

var _ interfaces.Device = (*File)(nil)

// File is a plain-file-backed Device, exclusively flocked for the
// lifetime of the attach so two engine instances never interleave
// writes to the same backing file.
type File struct {
	f       *os.File
	sectors uint64
}

// OpenFile opens path for a device of sectorCount sectors, taking an
// exclusive advisory lock (flock) so a second process cannot attach the
// same file concurrently.
func OpenFile(path string, sectorCount uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("device: flock %s: %w", path, err)
	}

	wantSize := int64(sectorCount * constants.SectorSize)
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("device: stat %s: %w", path, err)
	}
	if info.Size() < wantSize {
		if err := f.Truncate(wantSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("device: truncate %s: %w", path, err)
		}
	}

	return &File{f: f, sectors: sectorCount}, nil
}

// SectorSize returns the fixed sector size in bytes.
func (d *File) SectorSize() int { return constants.SectorSize }

// SectorCount returns the device's total sector count.
func (d *File) SectorCount() uint64 { return d.sectors }

// ReadAt reads len(p)/SectorSize sectors starting at sector.
func (d *File) ReadAt(p []byte, sector uint64) (int, error) {
	off := int64(sector * constants.SectorSize)
	n, err := d.f.ReadAt(p, off)
	if err != nil {
		return n, fmt.Errorf("device: read at sector %d: %w", sector, err)
	}
	return n, nil
}

// WriteAt writes len(p)/SectorSize sectors starting at sector.
func (d *File) WriteAt(p []byte, sector uint64) (int, error) {
	off := int64(sector * constants.SectorSize)
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("device: write at sector %d: %w", sector, err)
	}
	return n, nil
}

// Flush fsyncs the backing file.
func (d *File) Flush() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("device: fsync: %w", err)
	}
	return nil
}

// Close releases the advisory lock and closes the file.
func (d *File) Close() error {
	unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
	return d.f.Close()
}
