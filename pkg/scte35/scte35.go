// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package scte35 decodes SCTE-35 splice_info_section messages (table id 0xFC)
// as carried in HLS EXT-X-DATERANGE attributes or MPEG-TS sections.
// The decoder is pure and side-effect free. Encrypted sections are not
// decrypted; they are reported as ErrEncrypted.
package scte35

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

const tableID = 0xFC

// pts33Mask keeps PTS values within the 33-bit 90 kHz clock.
const pts33Mask = (uint64(1) << 33) - 1

// Decoder contract errors.
var (
	ErrInvalidTableID     = errors.New("scte35: no splice_info_section table id (0xFC) found")
	ErrTruncated          = errors.New("scte35: section truncated")
	ErrBadCRC             = errors.New("scte35: CRC_32 mismatch")
	ErrEncrypted          = errors.New("scte35: encrypted splice_info_section")
	ErrUnsupportedCommand = errors.New("scte35: unsupported splice command type")
)

// tableIDScanWindow is how many leading bytes are searched for 0xFC when the
// producer prepends transport framing.
const tableIDScanWindow = 16

// SpliceInfoSection is a decoded splice_info_section.
type SpliceInfoSection struct {
	SAPType             uint8
	ProtocolVersion     uint8
	Encrypted           bool
	EncryptionAlgorithm uint8
	PTSAdjustment       uint64 // 33-bit, 90 kHz
	CWIndex             uint8
	Tier                uint16 // 12-bit, 0xFFF means no tier restriction

	CommandType CommandType

	// Exactly one of the following is set, matching CommandType.
	// SpliceNull and BandwidthReservation carry no body.
	Insert     *SpliceInsert
	Schedule   []ScheduleEvent
	TimeSignal *SpliceTime
	Private    *PrivateCommand

	Descriptors []SpliceDescriptor

	CRC32 uint32
}

// DecodeBase64 decodes a base64-encoded splice_info_section.
func DecodeBase64(s string) (*SpliceInfoSection, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, ErrInvalidTableID
	}
	return Decode(b)
}

// DecodeHex decodes a hex-encoded splice_info_section, with or without an
// 0x prefix.
func DecodeHex(s string) (*SpliceInfoSection, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidTableID
	}
	return Decode(b)
}

// Decode decodes a binary splice_info_section.
//
// Some producers prepend transport bytes; if data[0] is not 0xFC the first
// 16 bytes are scanned for the table id and decoding starts there.
func Decode(data []byte) (*SpliceInfoSection, error) {
	if len(data) == 0 {
		return nil, ErrInvalidTableID
	}
	if data[0] != tableID {
		off := -1
		limit := tableIDScanWindow
		if len(data) < limit {
			limit = len(data)
		}
		for i := 1; i < limit; i++ {
			if data[i] == tableID {
				off = i
				break
			}
		}
		if off < 0 {
			return nil, ErrInvalidTableID
		}
		data = data[off:]
	}
	if len(data) < 3 {
		return nil, ErrTruncated
	}
	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	if len(data) < 3+sectionLength {
		return nil, ErrTruncated
	}
	data = data[:3+sectionLength]
	if !verifyCRC32(data) {
		return nil, ErrBadCRC
	}

	sis := &SpliceInfoSection{}
	r := newBitReader(data)
	r.skip(8) // table_id
	r.skip(1) // section_syntax_indicator
	r.skip(1) // private_indicator
	sis.SAPType = r.readUint8(2)
	r.skip(12) // section_length, validated above
	sis.ProtocolVersion = r.readUint8(8)
	sis.Encrypted = r.readBit()
	sis.EncryptionAlgorithm = r.readUint8(6)
	sis.PTSAdjustment = r.readUint64(33)
	sis.CWIndex = r.readUint8(8)
	sis.Tier = r.readUint16(12)
	if sis.Encrypted {
		// No decryption in this package. The fixed header is still
		// reported so callers can log cw_index and algorithm.
		return sis, ErrEncrypted
	}

	cmdLength := int(r.readUint16(12))
	sis.CommandType = CommandType(r.readUint8(8))
	if r.err {
		return nil, ErrTruncated
	}
	if cmdLength == 0xFFF {
		// Legacy value meaning "not specified". The command is taken to
		// run up to the last six bytes, so with this value a non-empty
		// descriptor loop is not decoded.
		cmdLength = r.remainingBytes() - 6 // descriptor_loop_length + CRC at minimum
	}
	if cmdLength < 0 || cmdLength > r.remainingBytes() {
		return nil, ErrTruncated
	}
	if err := sis.decodeCommand(r, cmdLength); err != nil {
		return nil, err
	}

	descLoopLength := int(r.readUint16(16))
	if r.err || descLoopLength > r.remainingBytes() {
		return nil, ErrTruncated
	}
	if descLoopLength > 0 {
		descs, err := decodeDescriptors(r.readBytes(descLoopLength))
		if err != nil {
			return nil, err
		}
		sis.Descriptors = descs
	}

	n := len(data)
	sis.CRC32 = uint32(data[n-4])<<24 | uint32(data[n-3])<<16 |
		uint32(data[n-2])<<8 | uint32(data[n-1])
	if r.err {
		return nil, ErrTruncated
	}
	return sis, nil
}

// AdjustPTS applies the section's pts_adjustment to pts, wrapping at 2^33.
func (sis *SpliceInfoSection) AdjustPTS(pts uint64) uint64 {
	return (pts + sis.PTSAdjustment) & pts33Mask
}

// SplicePTS returns the command's splice time in 90 kHz ticks with
// pts_adjustment already applied. ok is false when the command carries no
// time (splice_null, immediate splice_insert, empty time_signal).
func (sis *SpliceInfoSection) SplicePTS() (pts uint64, ok bool) {
	switch sis.CommandType {
	case CommandSpliceInsert:
		if sis.Insert != nil && sis.Insert.SpliceTime != nil && sis.Insert.SpliceTime.PTS != nil {
			return sis.AdjustPTS(*sis.Insert.SpliceTime.PTS), true
		}
	case CommandTimeSignal:
		if sis.TimeSignal != nil && sis.TimeSignal.PTS != nil {
			return sis.AdjustPTS(*sis.TimeSignal.PTS), true
		}
	}
	return 0, false
}

// OutOfNetwork reports whether the section signals a departure from the
// network feed (ad start). For time_signal commands the segmentation
// descriptors decide.
func (sis *SpliceInfoSection) OutOfNetwork() bool {
	if sis.CommandType == CommandSpliceInsert && sis.Insert != nil {
		return !sis.Insert.Cancel && sis.Insert.OutOfNetwork
	}
	for _, d := range sis.Descriptors {
		if sd, ok := d.(*SegmentationDescriptor); ok && sd.TypeID.IsAdStart() {
			return true
		}
	}
	return false
}

// EventID returns the splice event id: splice_event_id for splice_insert,
// else the first segmentation descriptor's event id. Zero when absent.
func (sis *SpliceInfoSection) EventID() uint32 {
	if sis.CommandType == CommandSpliceInsert && sis.Insert != nil {
		return sis.Insert.EventID
	}
	for _, d := range sis.Descriptors {
		if sd, ok := d.(*SegmentationDescriptor); ok {
			return sd.EventID
		}
	}
	return 0
}

// Duration90k returns the declared break duration in 90 kHz ticks, from the
// splice_insert break_duration or the first segmentation_duration.
func (sis *SpliceInfoSection) Duration90k() (ticks uint64, ok bool) {
	if sis.CommandType == CommandSpliceInsert && sis.Insert != nil && sis.Insert.Duration != nil {
		return sis.Insert.Duration.Ticks, true
	}
	for _, d := range sis.Descriptors {
		if sd, ok := d.(*SegmentationDescriptor); ok && sd.Duration != nil {
			return *sd.Duration, true
		}
	}
	return 0, false
}

// AutoReturn reports whether the break_duration carries the auto_return flag.
func (sis *SpliceInfoSection) AutoReturn() bool {
	return sis.CommandType == CommandSpliceInsert && sis.Insert != nil &&
		sis.Insert.Duration != nil && sis.Insert.Duration.AutoReturn
}

// UniqueProgramID returns the splice_insert unique_program_id, zero otherwise.
func (sis *SpliceInfoSection) UniqueProgramID() uint16 {
	if sis.CommandType == CommandSpliceInsert && sis.Insert != nil {
		return sis.Insert.UniqueProgramID
	}
	return 0
}

// TicksToMS converts 90 kHz ticks to milliseconds.
func TicksToMS(ticks uint64) uint64 {
	return ticks / 90
}

// MSToTicks converts milliseconds to 90 kHz ticks.
func MSToTicks(ms uint64) uint64 {
	return ms * 90
}
