// Package metadata implements the persistent metadata layer of
// spec.md §4.C/§4.H: a versioned, CRC-protected, multi-copy on-disk
// record of device fingerprints, allocator configuration, and the full
// remap table.
package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/amigatomte/dm-remap-sub007/internal/allocator"
	"github.com/amigatomte/dm-remap-sub007/internal/crc"
	"github.com/amigatomte/dm-remap-sub007/internal/fingerprint"
	"github.com/amigatomte/dm-remap-sub007/internal/remaptable"
)

// RecordMagic identifies a serialized MetadataRecord ("REM4").
const RecordMagic uint32 = 0x52454D34

// MaxRecordSize caps one anchor's serialized record, remap-table body
// included (spec.md §6, "Record size capped (e.g., 512 KiB)").
const MaxRecordSize = 512 * 1024

// CurrentVersionMajor/Minor are stamped into every record this build
// writes; Decode parses any version, and Validate flags a record whose
// major version differs with FaultVersionIncompatible.
const (
	CurrentVersionMajor = 4
	CurrentVersionMinor = 0
)

// TargetParams captures the main/spare device geometry a record was
// written against, used by the Strict validator to sanity-check against
// the devices actually attached.
type TargetParams struct {
	MainSectors  uint64
	SpareSectors uint64
	SectorSize   uint32
}

// Record is the in-memory form of one on-disk metadata copy.
type Record struct {
	VersionMajor uint16
	VersionMinor uint16

	SequenceCounter uint64
	CreatedTS       int64
	ModifiedTS      int64
	ParentSequence  uint64

	MainFingerprint   *fingerprint.Fingerprint
	SpareFingerprints []*fingerprint.Fingerprint

	Allocator allocator.Config
	Target    TargetParams
	Entries   []remaptable.RemapEntry

	HeaderCRC  uint32
	BodyCRC    uint32
	OverallCRC uint32

	// computed*CRC hold the CRCs Decode actually recomputed from the
	// buffer, so the validator can compare them against the stored
	// values without re-parsing. Not part of the serialized format.
	computedHeaderCRC  uint32
	computedBodyCRC    uint32
	computedOverallCRC uint32

	// decodedMagic is the magic word Decode actually read, kept so the
	// Minimal validator can raise FaultBadMagic instead of Decode
	// rejecting the buffer outright. Not part of the serialized format.
	decodedMagic uint32
}

// MagicValid reports whether the record's header magic matched
// RecordMagic. Only meaningful on a record produced by Decode; records
// built with New/NextRevision always report true.
func (r *Record) MagicValid() bool { return r.decodedMagic == RecordMagic }

// New builds a fresh record for first-time initialization (no parent).
func New(main *fingerprint.Fingerprint, spares []*fingerprint.Fingerprint, alloc allocator.Config, target TargetParams, now int64) *Record {
	return &Record{
		VersionMajor:      CurrentVersionMajor,
		VersionMinor:      CurrentVersionMinor,
		SequenceCounter:   0,
		CreatedTS:         now,
		ModifiedTS:        now,
		ParentSequence:    0,
		MainFingerprint:   main,
		SpareFingerprints: spares,
		Allocator:         alloc,
		Target:            target,
		Entries:           nil,
		decodedMagic:      RecordMagic,
	}
}

// NextRevision returns a copy of r advanced for the next flush: sequence
// counter incremented, modified_ts updated, parent_sequence set to r's
// own sequence (spec.md §4.H step 1).
func (r *Record) NextRevision(entries []remaptable.RemapEntry, alloc allocator.Config, now int64) *Record {
	return &Record{
		VersionMajor:      r.VersionMajor,
		VersionMinor:      r.VersionMinor,
		SequenceCounter:   r.SequenceCounter + 1,
		CreatedTS:         r.CreatedTS,
		ModifiedTS:        now,
		ParentSequence:    r.SequenceCounter,
		MainFingerprint:   r.MainFingerprint,
		SpareFingerprints: r.SpareFingerprints,
		Allocator:         alloc,
		Target:            r.Target,
		Entries:           entries,
		decodedMagic:      RecordMagic,
	}
}

func encodeAllocatorConfig(buf *[]byte, cfg allocator.Config) {
	appendUint8(buf, uint8(cfg.Strategy))
	appendUint64(buf, cfg.TotalSectors)
	appendUint32(buf, uint32(len(cfg.ReservedSet)))
	for _, r := range cfg.ReservedSet {
		appendUint64(buf, r)
	}
	appendUint64(buf, cfg.NextFreeHint)
	appendUint64(buf, cfg.TotalFree)
	appendUint64(buf, cfg.TotalAllocated)
}

func decodeAllocatorConfig(b []byte, off int) (allocator.Config, int, error) {
	if off+1+8+4 > len(b) {
		return allocator.Config{}, off, fmt.Errorf("metadata: truncated allocator config")
	}
	strategy := allocator.Strategy(b[off])
	off++
	total := binary.LittleEndian.Uint64(b[off:])
	off += 8
	reservedCount := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4

	if off+reservedCount*8+24 > len(b) {
		return allocator.Config{}, off, fmt.Errorf("metadata: truncated reserved set")
	}
	reserved := make([]uint64, reservedCount)
	for i := 0; i < reservedCount; i++ {
		reserved[i] = binary.LittleEndian.Uint64(b[off:])
		off += 8
	}
	nextFree := binary.LittleEndian.Uint64(b[off:])
	off += 8
	totalFree := binary.LittleEndian.Uint64(b[off:])
	off += 8
	totalAllocated := binary.LittleEndian.Uint64(b[off:])
	off += 8

	return allocator.Config{
		Strategy:       strategy,
		TotalSectors:   total,
		ReservedSet:    reserved,
		NextFreeHint:   nextFree,
		TotalFree:      totalFree,
		TotalAllocated: totalAllocated,
	}, off, nil
}

func appendUint8(buf *[]byte, v uint8)   { *buf = append(*buf, v) }
func appendUint16(buf *[]byte, v uint16) { *buf = binary.LittleEndian.AppendUint16(*buf, v) }
func appendUint32(buf *[]byte, v uint32) { *buf = binary.LittleEndian.AppendUint32(*buf, v) }
func appendUint64(buf *[]byte, v uint64) { *buf = binary.LittleEndian.AppendUint64(*buf, v) }

// Encode serializes r into a self-contained byte slice: fixed header,
// then the remap-table body, then the three trailing CRCs (spec.md
// §4.A: header, body, and overall, the last covering everything except
// itself).
func (r *Record) Encode() ([]byte, error) {
	var header []byte
	appendUint32(&header, RecordMagic)
	appendUint16(&header, r.VersionMajor)
	appendUint16(&header, r.VersionMinor)
	appendUint64(&header, r.SequenceCounter)
	appendUint64(&header, uint64(r.CreatedTS))
	appendUint64(&header, uint64(r.ModifiedTS))
	appendUint64(&header, r.ParentSequence)

	if r.MainFingerprint != nil {
		appendUint8(&header, 1)
		header = append(header, r.MainFingerprint.Encode()...)
	} else {
		appendUint8(&header, 0)
		header = append(header, make([]byte, fingerprint.EncodedLen)...)
	}

	appendUint32(&header, uint32(len(r.SpareFingerprints)))
	for _, fp := range r.SpareFingerprints {
		header = append(header, fp.Encode()...)
	}

	encodeAllocatorConfig(&header, r.Allocator)

	appendUint64(&header, r.Target.MainSectors)
	appendUint64(&header, r.Target.SpareSectors)
	appendUint32(&header, r.Target.SectorSize)

	var body []byte
	appendUint32(&body, uint32(len(r.Entries)))
	for _, e := range r.Entries {
		appendUint64(&body, e.Logical)
		appendUint64(&body, e.Spare)
		appendUint8(&body, uint8(e.Status))
	}

	headerCRC := crc.Checksum32(header)
	bodyCRC := crc.Checksum32(body)

	out := make([]byte, 0, len(header)+len(body)+12)
	out = append(out, header...)
	out = append(out, body...)
	out = binary.LittleEndian.AppendUint32(out, headerCRC)
	out = binary.LittleEndian.AppendUint32(out, bodyCRC)

	overallCRC := crc.Checksum32(out)
	out = binary.LittleEndian.AppendUint32(out, overallCRC)

	if len(out) > MaxRecordSize {
		return nil, fmt.Errorf("metadata: encoded record %d bytes exceeds cap of %d", len(out), MaxRecordSize)
	}

	r.HeaderCRC = headerCRC
	r.BodyCRC = bodyCRC
	r.OverallCRC = overallCRC

	return out, nil
}

// Decode parses a serialized record without validating its CRCs or its
// magic; both are the Validator's job (spec.md §4.C) so that a
// bad-magic anchor (a zeroed or stale sector) still reaches Validate as
// a Record with FaultBadMagic set, rather than Decode rejecting it
// outright and hiding the fault from the recovery-suggestion catalog.
func Decode(buf []byte) (*Record, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("metadata: buffer too short for magic")
	}
	off := 0
	magic := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	r := &Record{decodedMagic: magic}
	if off+2+2+8+8+8+8 > len(buf) {
		return nil, fmt.Errorf("metadata: truncated fixed header")
	}
	r.VersionMajor = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	r.VersionMinor = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	r.SequenceCounter = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.CreatedTS = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	r.ModifiedTS = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	r.ParentSequence = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	if off+1 > len(buf) {
		return nil, fmt.Errorf("metadata: truncated main fingerprint presence flag")
	}
	hasMain := buf[off] == 1
	off++
	if off+fingerprint.EncodedLen > len(buf) {
		return nil, fmt.Errorf("metadata: truncated main fingerprint")
	}
	if hasMain {
		fp, ok := fingerprint.Decode(buf[off : off+fingerprint.EncodedLen])
		if !ok {
			return nil, fmt.Errorf("metadata: main fingerprint failed its own CRC")
		}
		r.MainFingerprint = fp
	}
	off += fingerprint.EncodedLen

	if off+4 > len(buf) {
		return nil, fmt.Errorf("metadata: truncated spare fingerprint count")
	}
	spareCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := 0; i < spareCount; i++ {
		if off+fingerprint.EncodedLen > len(buf) {
			return nil, fmt.Errorf("metadata: truncated spare fingerprint %d", i)
		}
		fp, ok := fingerprint.Decode(buf[off : off+fingerprint.EncodedLen])
		if !ok {
			return nil, fmt.Errorf("metadata: spare fingerprint %d failed its own CRC", i)
		}
		r.SpareFingerprints = append(r.SpareFingerprints, fp)
		off += fingerprint.EncodedLen
	}

	allocCfg, newOff, err := decodeAllocatorConfig(buf, off)
	if err != nil {
		return nil, err
	}
	off = newOff
	r.Allocator = allocCfg

	if off+8+8+4 > len(buf) {
		return nil, fmt.Errorf("metadata: truncated target params")
	}
	r.Target.MainSectors = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.Target.SpareSectors = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.Target.SectorSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	headerEnd := off

	if off+4 > len(buf) {
		return nil, fmt.Errorf("metadata: truncated entry count")
	}
	entryCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	entries := make([]remaptable.RemapEntry, 0, entryCount)
	for i := 0; i < entryCount; i++ {
		if off+17 > len(buf) {
			return nil, fmt.Errorf("metadata: truncated entry %d", i)
		}
		logical := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		spare := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		status := remaptable.Status(buf[off])
		off++
		entries = append(entries, remaptable.RemapEntry{Logical: logical, Spare: spare, Status: status})
	}
	r.Entries = entries
	bodyEnd := off

	if off+12 > len(buf) {
		return nil, fmt.Errorf("metadata: truncated trailing CRCs")
	}
	r.HeaderCRC = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.BodyCRC = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.OverallCRC = binary.LittleEndian.Uint32(buf[off:])

	r.computedHeaderCRC = crc.Checksum32(buf[0:headerEnd])
	r.computedBodyCRC = crc.Checksum32(buf[headerEnd:bodyEnd])
	r.computedOverallCRC = crc.Checksum32(buf[0 : bodyEnd+8])

	return r, nil
}

// HeaderCRCValid reports whether the header region's recomputed CRC
// matches the stored one. Only meaningful on a record from Decode.
func (r *Record) HeaderCRCValid() bool { return r.computedHeaderCRC == r.HeaderCRC }

// BodyCRCValid reports whether the remap-table body's recomputed CRC
// matches the stored one.
func (r *Record) BodyCRCValid() bool { return r.computedBodyCRC == r.BodyCRC }

// OverallCRCValid reports whether the whole-record recomputed CRC
// matches the stored one.
func (r *Record) OverallCRCValid() bool { return r.computedOverallCRC == r.OverallCRC }
