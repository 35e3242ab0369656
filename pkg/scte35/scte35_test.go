// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SCTE-35 sample 14.1: time_signal, Placement Opportunity Start.
const timeSignalPOStart = "/DA0AAAAAAAA///wBQb+cr0AUAAeAhxDVUVJSAAAjn/PAAGlmbAICAAAAAAsoKGKNAIAmsnRfg=="

// SCTE-35 sample 14.2: splice_insert with avail descriptor.
const spliceInsertOut = "/DAvAAAAAAAA///wFAVIAACPf+/+c2nALv4AUsz1AAAAAAAKAAhDVUVJAAABNWLbowo="

func TestDecodeTimeSignal(t *testing.T) {
	sis, err := DecodeBase64(timeSignalPOStart)
	require.NoError(t, err)

	assert.Equal(t, CommandTimeSignal, sis.CommandType)
	assert.Equal(t, uint16(0xFFF), sis.Tier)
	assert.Equal(t, uint64(0), sis.PTSAdjustment)
	require.NotNil(t, sis.TimeSignal)
	require.NotNil(t, sis.TimeSignal.PTS)
	assert.Equal(t, uint64(0x072bd0050), *sis.TimeSignal.PTS)

	require.Len(t, sis.Descriptors, 1)
	sd, ok := sis.Descriptors[0].(*SegmentationDescriptor)
	require.True(t, ok)
	assert.Equal(t, uint32(0x4800008e), sd.EventID)
	assert.Equal(t, SegProviderPOStart, sd.TypeID)
	require.NotNil(t, sd.Duration)
	assert.Equal(t, uint64(0x0001a599b0), *sd.Duration)
	assert.Equal(t, uint8(2), sd.SegmentNum)
	require.NotNil(t, sd.Restrictions)
	assert.True(t, sd.Restrictions.NoRegionalBlackout)
	assert.True(t, sd.Restrictions.ArchiveAllowed)
	assert.False(t, sd.Restrictions.WebDeliveryAllowed)
	require.Len(t, sd.UPIDs, 1)
	assert.Equal(t, UPIDTypeTI, sd.UPIDs[0].Type)
	assert.Len(t, sd.UPIDs[0].Value, 8)

	assert.True(t, sis.OutOfNetwork()) // via segmentation type id
	pts, ok := sis.SplicePTS()
	require.True(t, ok)
	assert.Equal(t, uint64(0x072bd0050), pts)
}

func TestDecodeSpliceInsert(t *testing.T) {
	sis, err := DecodeBase64(spliceInsertOut)
	require.NoError(t, err)

	assert.Equal(t, CommandSpliceInsert, sis.CommandType)
	require.NotNil(t, sis.Insert)
	assert.Equal(t, uint32(0x4800008f), sis.Insert.EventID)
	assert.True(t, sis.Insert.OutOfNetwork)
	assert.True(t, sis.Insert.ProgramSplice)
	assert.False(t, sis.Insert.Immediate)
	require.NotNil(t, sis.Insert.SpliceTime)
	require.NotNil(t, sis.Insert.SpliceTime.PTS)
	assert.Equal(t, uint64(0x07369c02e), *sis.Insert.SpliceTime.PTS)
	require.NotNil(t, sis.Insert.Duration)
	assert.True(t, sis.Insert.Duration.AutoReturn)
	assert.Equal(t, uint64(0x00052ccf5), sis.Insert.Duration.Ticks)

	require.Len(t, sis.Descriptors, 1)
	ad, ok := sis.Descriptors[0].(*AvailDescriptor)
	require.True(t, ok)
	assert.Equal(t, uint32(0x135), ad.ProviderAvailID)

	assert.True(t, sis.OutOfNetwork())
	d, ok := sis.Duration90k()
	require.True(t, ok)
	assert.Equal(t, uint64(0x00052ccf5), d)
	assert.True(t, sis.AutoReturn())
}

func TestDecodeHexSection(t *testing.T) {
	sis, err := DecodeHex("0xFC3034000000000000FFFFF00506FE72BD0050001E021C435545494800008E7FCF0001A599B00808000000002CA0A18A3402009AC9D17E")
	require.NoError(t, err)
	assert.Equal(t, CommandTimeSignal, sis.CommandType)
	require.NotNil(t, sis.TimeSignal.PTS)
	assert.Equal(t, uint64(0x072bd0050), *sis.TimeSignal.PTS)
}

func TestDecodeWithPrefixBytes(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(spliceInsertOut)
	require.NoError(t, err)
	wrapped := append([]byte{0xD3, 0x00, 0x00, 0x00}, raw...)

	sis, err := Decode(wrapped)
	require.NoError(t, err)
	assert.Equal(t, CommandSpliceInsert, sis.CommandType)
	assert.Equal(t, uint32(0x4800008f), sis.Insert.EventID)
}

func TestDecodeNoTableID(t *testing.T) {
	junk := make([]byte, 32)
	for i := range junk {
		junk[i] = 0xAB
	}
	_, err := Decode(junk)
	assert.ErrorIs(t, err, ErrInvalidTableID)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrInvalidTableID)
}

func TestDecodeTruncated(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(timeSignalPOStart)
	require.NoError(t, err)
	for _, n := range []int{1, 3, 10, len(raw) - 5} {
		_, err := Decode(raw[:n])
		assert.ErrorIs(t, err, ErrTruncated, "cut at %d", n)
	}
}

// Any single-bit corruption must be caught by the CRC.
func TestDecodeBadCRC(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(timeSignalPOStart)
	require.NoError(t, err)
	for _, bit := range []int{0x01, 0x10, 0x80} {
		for _, pos := range []int{4, 11, 20, len(raw) - 2} {
			mutated := make([]byte, len(raw))
			copy(mutated, raw)
			mutated[pos] ^= byte(bit)
			_, err := Decode(mutated)
			assert.Error(t, err, "bit %#x at %d undetected", bit, pos)
		}
	}
}

func TestDecodeEncrypted(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(spliceInsertOut)
	require.NoError(t, err)
	enc := make([]byte, len(raw))
	copy(enc, raw)
	enc[4] |= 0x80 // encrypted_packet
	patchCRC(enc)

	sis, err := Decode(enc)
	assert.ErrorIs(t, err, ErrEncrypted)
	require.NotNil(t, sis)
	assert.True(t, sis.Encrypted)
}

func TestPTSAdjustmentApplied(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(spliceInsertOut)
	require.NoError(t, err)
	adj := make([]byte, len(raw))
	copy(adj, raw)
	// pts_adjustment low 32 bits live in bytes 5..8
	adj[8] = 0x07
	patchCRC(adj)

	sis, err := Decode(adj)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), sis.PTSAdjustment)
	pts, ok := sis.SplicePTS()
	require.True(t, ok)
	assert.Equal(t, (uint64(0x07369c02e)+7)&pts33Mask, pts)

	// Wrap at 2^33.
	assert.Equal(t, uint64(2), sis.AdjustPTS(pts33Mask-4))
}

func TestBuildSpliceInsertRoundtrip(t *testing.T) {
	payload := BuildSpliceInsert(InsertParams{
		PTS:             1234567,
		DurationTicks:   30 * 90000,
		EventID:         4711,
		Tier:            0xFFF,
		UniqueProgramID: 7,
		OutOfNetwork:    true,
		AutoReturn:      true,
	})
	sis, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, CommandSpliceInsert, sis.CommandType)
	require.NotNil(t, sis.Insert)
	assert.Equal(t, uint32(4711), sis.Insert.EventID)
	assert.True(t, sis.Insert.OutOfNetwork)
	assert.Equal(t, uint16(7), sis.Insert.UniqueProgramID)
	require.NotNil(t, sis.Insert.SpliceTime.PTS)
	assert.Equal(t, uint64(1234567), *sis.Insert.SpliceTime.PTS)
	require.NotNil(t, sis.Insert.Duration)
	assert.Equal(t, uint64(30*90000), sis.Insert.Duration.Ticks)
	assert.Equal(t, uint64(30000), TicksToMS(sis.Insert.Duration.Ticks))
}

func TestTickConversions(t *testing.T) {
	assert.Equal(t, uint64(90000), MSToTicks(1000))
	assert.Equal(t, uint64(1000), TicksToMS(90000))
}

// patchCRC recomputes the trailing CRC_32 after a test mutates section bytes.
func patchCRC(data []byte) {
	crc := crc32MPEG2(data[:len(data)-4])
	data[len(data)-4] = byte(crc >> 24)
	data[len(data)-3] = byte(crc >> 16)
	data[len(data)-2] = byte(crc >> 8)
	data[len(data)-1] = byte(crc)
}
