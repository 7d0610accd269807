package boot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRecords() []Record {
	return []Record{
		{Tag: TagBootloaderInfo, Data: []byte("orion-loader-1.0")},
		{Tag: TagMemoryMap, Data: []byte{0x00, 0x10, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}},
		{Tag: TagEFISystemTable, Data: []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}},
	}
}

func TestParseValidBlob(t *testing.T) {
	blob := Encode(1, sampleRecords())

	h, err := Parse(blob, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), h.Version)
	require.Len(t, h.Records, 3)
	require.Equal(t, TagBootloaderInfo, h.Records[0].Tag)
	require.Equal(t, []byte("orion-loader-1.0"), h.Records[0].Data)
}

func TestParseRejectsBadMagic(t *testing.T) {
	blob := Encode(1, sampleRecords())
	blob[0] ^= 0xFF

	_, err := Parse(blob, nil)
	require.Error(t, err)
}

func TestParseRejectsVersionOutOfRange(t *testing.T) {
	blob := Encode(99, sampleRecords())

	_, err := Parse(blob, nil)
	require.Error(t, err)
}

func TestParseRejectsCorruptHeaderChecksum(t *testing.T) {
	blob := Encode(1, sampleRecords())
	blob[20] ^= 0xFF // perturb the stored header checksum

	_, err := Parse(blob, nil)
	require.Error(t, err)
}

func TestParseRejectsCorruptDataChecksum(t *testing.T) {
	blob := Encode(1, sampleRecords())
	blob[HeaderSize] ^= 0xFF // perturb a data byte without fixing up the checksum

	_, err := Parse(blob, nil)
	require.Error(t, err)
}

func TestParseRejectsTruncatedBlob(t *testing.T) {
	blob := Encode(1, sampleRecords())

	_, err := Parse(blob[:len(blob)-4], nil)
	require.Error(t, err)
}

func TestParseRejectsTotalSizeMismatch(t *testing.T) {
	blob := Encode(1, sampleRecords())
	blob = append(blob, 0x00, 0x00, 0x00, 0x00) // extend without updating totalSize

	_, err := Parse(blob, nil)
	require.Error(t, err)
}
