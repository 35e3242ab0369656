// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

import (
	"github.com/Comcast/gots/v2"
	"github.com/Comcast/gots/v2/scte35"
)

// InsertParams describes a splice_insert section to build.
type InsertParams struct {
	PTS             uint64 // 90 kHz, 33-bit
	DurationTicks   uint64 // 90 kHz; zero means no break_duration
	EventID         uint32
	Tier            uint16
	UniqueProgramID uint16
	AvailNum        uint8
	AvailsExpected  uint8
	Cancel          bool
	OutOfNetwork    bool
	Immediate       bool
	AutoReturn      bool
}

// BuildSpliceInsert builds a complete splice_info_section (including CRC_32)
// carrying a splice_insert command. Used for manual cues and test vectors;
// origin-signal decoding never goes through here.
func BuildSpliceInsert(p InsertParams) []byte {
	s := scte35.CreateSCTE35()
	s.SetTier(p.Tier)
	cmd := scte35.CreateSpliceInsertCommand()
	cmd.SetUniqueProgramId(p.UniqueProgramID)
	cmd.SetEventID(p.EventID)
	cmd.SetAvailNum(p.AvailNum)
	cmd.SetAvailsExpected(p.AvailsExpected)
	cmd.SetIsEventCanceled(p.Cancel)
	if p.DurationTicks != 0 {
		cmd.SetHasDuration(true)
		cmd.SetDuration(gots.PTS(p.DurationTicks))
		cmd.SetIsAutoReturn(p.AutoReturn)
	}
	cmd.SetHasPTS(true)
	cmd.SetPTS(gots.PTS(p.PTS))
	cmd.SetIsOut(p.OutOfNetwork)
	cmd.SetSpliceImmediate(p.Immediate)
	s.SetCommandInfo(cmd)
	return s.UpdateData()
}
