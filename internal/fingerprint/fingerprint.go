// Package fingerprint implements the stable device-identity token
// described in spec.md §4.B: a compact record of what is knowable
// locally about a block device (path, size, UUID, serial/model), and a
// fuzzy weighted comparison used to recognize the same device across
// reboots and path renames.
package fingerprint

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/google/uuid"

	"github.com/amigatomte/dm-remap-sub007/internal/constants"
)

// Magic identifies a serialized DeviceFingerprint ("DFNT").
const Magic uint32 = 0x44464E54

// Confidence is the bucketed result of comparing two fingerprints.
type Confidence int

const (
	NoMatch Confidence = iota
	Low
	Medium
	High
	Perfect
)

func (c Confidence) String() string {
	switch c {
	case Perfect:
		return "perfect"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return "no-match"
	}
}

// Bucket maps a raw 0-100 score to its Confidence bucket.
func Bucket(score int) Confidence {
	switch {
	case score >= constants.ConfidencePerfect:
		return Perfect
	case score >= constants.ConfidenceHigh:
		return High
	case score >= constants.ConfidenceMedium:
		return Medium
	case score >= constants.ConfidenceLow:
		return Low
	default:
		return NoMatch
	}
}

// Fingerprint is the stable identity token for a block device.
type Fingerprint struct {
	Path        string
	SizeSectors uint64
	SectorSize  uint32
	UUID        [16]byte
	Serial      string
	Model       string
	DeviceType  string
	CreationTS  int64
	LastSeenTS  int64
}

// New builds a fingerprint for a device observed right now. Every call
// generates a fresh random UUID; there is no parameter for a
// device-supplied one, so two fingerprints built by separate New calls
// for the same device never match on UUID.
func New(path string, sizeSectors uint64, sectorSize uint32, serial, model, deviceType string) *Fingerprint {
	now := time.Now().Unix()
	return &Fingerprint{
		Path:        path,
		SizeSectors: sizeSectors,
		SectorSize:  sectorSize,
		UUID:        uuid.New(),
		Serial:      serial,
		Model:       model,
		DeviceType:  deviceType,
		CreationTS:  now,
		LastSeenTS:  now,
	}
}

// Touch updates LastSeenTS to the current time.
func (f *Fingerprint) Touch() {
	f.LastSeenTS = time.Now().Unix()
}

// Compare scores the similarity of f against other on a 0-100 scale
// using the weights from spec.md §4.B: UUID 40, size 25, path 25,
// serial 10. Any criterion that matches contributes its full weight;
// there is no partial credit within a criterion.
func Compare(f, other *Fingerprint) int {
	if f == nil || other == nil {
		return 0
	}
	score := 0
	if f.UUID == other.UUID {
		score += constants.FingerprintWeightUUID
	}
	if f.SizeSectors == other.SizeSectors {
		score += constants.FingerprintWeightSize
	}
	if f.Path == other.Path {
		score += constants.FingerprintWeightPath
	}
	if f.Serial != "" && f.Serial == other.Serial {
		score += constants.FingerprintWeightSerial
	}
	return score
}

// Match reports the confidence bucket for comparing f against other.
func Match(f, other *Fingerprint) Confidence {
	return Bucket(Compare(f, other))
}

// Accepted reports whether other is close enough to f to be treated as
// the same device on attach (score >= 60, spec.md §4.B).
func Accepted(f, other *Fingerprint) bool {
	return Compare(f, other) >= constants.ConfidenceMedium
}

// Serialized layout, fixed width so multiple fingerprints can be packed
// into a MetadataRecord without a length prefix:
//
//	magic(4) path_len(2) path(256) size_sectors(8) sector_size(4)
//	uuid(16) serial(32) model(32) device_type(16)
//	creation_ts(8) last_seen_ts(8) crc(4)
const (
	pathFieldLen       = 256
	serialFieldLen     = 32
	modelFieldLen      = 32
	deviceTypeFieldLen = 16

	EncodedLen = 4 + 2 + pathFieldLen + 8 + 4 + 16 + serialFieldLen + modelFieldLen + deviceTypeFieldLen + 8 + 8 + 4
)

// Encode serializes f into a fixed-width, CRC-protected record. The
// fingerprint's own CRC covers every field except the CRC itself
// (spec.md §4.B).
func (f *Fingerprint) Encode() []byte {
	buf := make([]byte, EncodedLen)
	off := 0

	binary.LittleEndian.PutUint32(buf[off:], Magic)
	off += 4

	pathBytes := []byte(f.Path)
	if len(pathBytes) > pathFieldLen {
		pathBytes = pathBytes[:pathFieldLen]
	}
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(pathBytes)))
	off += 2
	copy(buf[off:off+pathFieldLen], pathBytes)
	off += pathFieldLen

	binary.LittleEndian.PutUint64(buf[off:], f.SizeSectors)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], f.SectorSize)
	off += 4

	copy(buf[off:off+16], f.UUID[:])
	off += 16

	copy(buf[off:off+serialFieldLen], []byte(truncate(f.Serial, serialFieldLen)))
	off += serialFieldLen
	copy(buf[off:off+modelFieldLen], []byte(truncate(f.Model, modelFieldLen)))
	off += modelFieldLen
	copy(buf[off:off+deviceTypeFieldLen], []byte(truncate(f.DeviceType, deviceTypeFieldLen)))
	off += deviceTypeFieldLen

	binary.LittleEndian.PutUint64(buf[off:], uint64(f.CreationTS))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(f.LastSeenTS))
	off += 8

	sum := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], sum)

	return buf
}

// Decode parses a fixed-width fingerprint record produced by Encode,
// verifying its CRC. A CRC mismatch returns ok=false; callers treat
// that fingerprint slot as absent rather than guessing its contents.
func Decode(buf []byte) (f *Fingerprint, ok bool) {
	if len(buf) < EncodedLen {
		return nil, false
	}
	off := 0

	magic := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if magic != Magic {
		return nil, false
	}

	pathLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if pathLen > pathFieldLen {
		return nil, false
	}
	path := string(buf[off : off+pathLen])
	off += pathFieldLen

	sizeSectors := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	sectorSize := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	var id [16]byte
	copy(id[:], buf[off:off+16])
	off += 16

	serial := trimTrailingZeros(buf[off : off+serialFieldLen])
	off += serialFieldLen
	model := trimTrailingZeros(buf[off : off+modelFieldLen])
	off += modelFieldLen
	deviceType := trimTrailingZeros(buf[off : off+deviceTypeFieldLen])
	off += deviceTypeFieldLen

	creationTS := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	lastSeenTS := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	wantCRC := binary.LittleEndian.Uint32(buf[off:])
	gotCRC := crc32.ChecksumIEEE(buf[:off])
	if gotCRC != wantCRC {
		return nil, false
	}

	return &Fingerprint{
		Path:        path,
		SizeSectors: sizeSectors,
		SectorSize:  sectorSize,
		UUID:        id,
		Serial:      serial,
		Model:       model,
		DeviceType:  deviceType,
		CreationTS:  creationTS,
		LastSeenTS:  lastSeenTS,
	}, true
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func trimTrailingZeros(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}
