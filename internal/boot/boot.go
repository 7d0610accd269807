// Package boot validates the UEFI-style bootloader handoff blob C1/C3
// depend on before anything else runs (spec §6 "Bootloader handoff").
// The blob is consumed as a passive byte sequence whose layout is fixed
// by spec: an 8-byte magic, version, total size, tagged-record count,
// and two 32-bit additive checksums, followed by a typed record
// sequence. Grounded on linuxUtils's `checkKernelVersion`-style
// probe-and-compare validation, generalized into a full structural
// check that panics through internal/diag on any mismatch.
package boot

import (
	"encoding/binary"

	"github.com/iyotee/Orion-sub005/internal/diag"
	"github.com/iyotee/Orion-sub005/internal/kerr"
)

// Magic is the fixed handoff-blob signature (spec §6): the ASCII bytes
// "ORION" left-packed into a 64-bit word.
const Magic uint64 = 0x4F52494F4E000000

// MinVersion/MaxVersion bound the handoff structure versions this
// kernel understands.
const (
	MinVersion uint32 = 1
	MaxVersion uint32 = 1
)

// HeaderSize is the fixed-size prefix preceding the record sequence:
// magic(8) + version(4) + totalSize(4) + recordCount(4) +
// headerChecksum(4) + dataChecksum(4).
const HeaderSize = 28

// Tag identifies a handoff record's kind (spec §6).
type Tag uint32

const (
	TagMemoryMap Tag = iota + 1
	TagBootloaderInfo
	TagEFISystemTable
)

// Record is one tagged entry in the handoff blob.
type Record struct {
	Tag  Tag
	Data []byte
}

// Handoff is the parsed, validated bootloader handoff.
type Handoff struct {
	Version uint32
	Records []Record
}

// recordHeaderSize is the per-record tag(4) + length(4) prefix.
const recordHeaderSize = 8

// Parse validates and decodes blob per spec §6: magic, version range,
// header and data checksums, and that the sum of record sizes equals
// the declared total size. Any mismatch panics via d (a "bootloader
// handoff validation failure" is one of the explicitly fatal categories
// in spec §7) and returns the error that triggered it.
func Parse(blob []byte, d *diag.Diag) (*Handoff, error) {
	fail := func(format string, args ...interface{}) (*Handoff, error) {
		err := kerr.New(kerr.InvalidArgument, format, args...)
		if d != nil {
			d.Panic("boot.go", 0, "Parse", "%s", err.Error())
		}
		return nil, err
	}

	if len(blob) < HeaderSize {
		return fail("handoff blob too short: %d bytes, need at least %d", len(blob), HeaderSize)
	}

	magic := binary.LittleEndian.Uint64(blob[0:8])
	if magic != Magic {
		return fail("handoff magic mismatch: got %#x, want %#x", magic, Magic)
	}

	version := binary.LittleEndian.Uint32(blob[8:12])
	if version < MinVersion || version > MaxVersion {
		return fail("handoff version %d out of supported range [%d,%d]", version, MinVersion, MaxVersion)
	}

	totalSize := binary.LittleEndian.Uint32(blob[12:16])
	recordCount := binary.LittleEndian.Uint32(blob[16:20])
	headerChecksum := binary.LittleEndian.Uint32(blob[20:24])
	dataChecksum := binary.LittleEndian.Uint32(blob[24:28])

	if int(totalSize) != len(blob) {
		return fail("handoff total size %d does not match blob length %d", totalSize, len(blob))
	}

	if sum := additiveChecksum(blob[0:20]); sum != headerChecksum {
		return fail("handoff header checksum mismatch: computed %#x, declared %#x", sum, headerChecksum)
	}

	data := blob[HeaderSize:]
	if sum := additiveChecksum(data); sum != dataChecksum {
		return fail("handoff data checksum mismatch: computed %#x, declared %#x", sum, dataChecksum)
	}

	records, err := walkRecords(data, recordCount)
	if err != nil {
		return fail("%s", err.Error())
	}

	return &Handoff{Version: version, Records: records}, nil
}

// walkRecords decodes the tag(4)+length(4)+payload record sequence,
// failing if the declared count doesn't match what was found or any
// record overruns the buffer (spec §6 "structural consistency: sum of
// record sizes = total").
func walkRecords(data []byte, declaredCount uint32) ([]Record, error) {
	var records []Record
	off := 0
	for off < len(data) {
		if off+recordHeaderSize > len(data) {
			return nil, kerr.New(kerr.InvalidArgument, "handoff record header overruns buffer at offset %d", off)
		}
		tag := Tag(binary.LittleEndian.Uint32(data[off : off+4]))
		length := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += recordHeaderSize

		if off+int(length) > len(data) {
			return nil, kerr.New(kerr.InvalidArgument, "handoff record payload (tag %d, len %d) overruns buffer", tag, length)
		}
		records = append(records, Record{Tag: tag, Data: data[off : off+int(length)]})
		off += int(length)
	}

	if uint32(len(records)) != declaredCount {
		return nil, kerr.New(kerr.InvalidArgument, "handoff declared %d records, found %d", declaredCount, len(records))
	}
	return records, nil
}

// additiveChecksum is the spec's 32-bit additive checksum: the sum of
// every 4-byte little-endian word, wrapping on overflow. A final
// partial word (if len(b) is not a multiple of 4) is zero-padded.
func additiveChecksum(b []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(b); i += 4 {
		sum += binary.LittleEndian.Uint32(b[i : i+4])
	}
	if rem := len(b) % 4; rem != 0 {
		var last [4]byte
		copy(last[:], b[len(b)-rem:])
		sum += binary.LittleEndian.Uint32(last[:])
	}
	return sum
}

// Encode serializes version and records into a validated blob, used by tests and
// cmd/orion-sim to construct a handoff to feed Parse without depending
// on a real bootloader.
func Encode(version uint32, records []Record) []byte {
	data := make([]byte, 0, 256)
	for _, r := range records {
		hdr := make([]byte, recordHeaderSize)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(r.Tag))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(r.Data)))
		data = append(data, hdr...)
		data = append(data, r.Data...)
	}

	total := HeaderSize + len(data)
	blob := make([]byte, total)
	binary.LittleEndian.PutUint64(blob[0:8], Magic)
	binary.LittleEndian.PutUint32(blob[8:12], version)
	binary.LittleEndian.PutUint32(blob[12:16], uint32(total))
	binary.LittleEndian.PutUint32(blob[16:20], uint32(len(records)))
	copy(blob[HeaderSize:], data)

	binary.LittleEndian.PutUint32(blob[20:24], additiveChecksum(blob[0:20]))
	binary.LittleEndian.PutUint32(blob[24:28], additiveChecksum(data))

	return blob
}
