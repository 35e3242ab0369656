// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

// CommandType is the splice_command_type field.
type CommandType uint8

const (
	CommandSpliceNull           CommandType = 0x00
	CommandSpliceSchedule       CommandType = 0x04
	CommandSpliceInsert         CommandType = 0x05
	CommandTimeSignal           CommandType = 0x06
	CommandBandwidthReservation CommandType = 0x07
	CommandPrivate              CommandType = 0xFF
)

func (t CommandType) String() string {
	switch t {
	case CommandSpliceNull:
		return "splice_null"
	case CommandSpliceSchedule:
		return "splice_schedule"
	case CommandSpliceInsert:
		return "splice_insert"
	case CommandTimeSignal:
		return "time_signal"
	case CommandBandwidthReservation:
		return "bandwidth_reservation"
	case CommandPrivate:
		return "private_command"
	}
	return "reserved"
}

// SpliceTime is the splice_time() structure. PTS is nil when
// time_specified_flag is 0.
type SpliceTime struct {
	PTS *uint64 // 33-bit, 90 kHz, unadjusted
}

// BreakDuration is the break_duration() structure.
type BreakDuration struct {
	AutoReturn bool
	Ticks      uint64 // 33-bit, 90 kHz
}

// SpliceInsert is the splice_insert command body.
type SpliceInsert struct {
	EventID         uint32
	Cancel          bool
	OutOfNetwork    bool
	ProgramSplice   bool
	Immediate       bool
	SpliceTime      *SpliceTime     // program splice mode, nil when immediate
	Components      []InsertComponent
	Duration        *BreakDuration
	UniqueProgramID uint16
	AvailNum        uint8
	AvailsExpected  uint8
}

// InsertComponent is one entry of the deprecated component splice mode.
type InsertComponent struct {
	Tag        uint8
	SpliceTime *SpliceTime
}

// ScheduleEvent is one event of a splice_schedule command.
type ScheduleEvent struct {
	EventID         uint32
	Cancel          bool
	OutOfNetwork    bool
	ProgramSplice   bool
	UTCSpliceTime   uint32 // GPS seconds, program splice mode
	Components      []ScheduleComponent
	Duration        *BreakDuration
	UniqueProgramID uint16
	AvailNum        uint8
	AvailsExpected  uint8
}

// ScheduleComponent is one component entry of a splice_schedule event.
type ScheduleComponent struct {
	Tag           uint8
	UTCSpliceTime uint32
}

// PrivateCommand is the private_command body: a 32-bit identifier and an
// opaque payload preserved verbatim.
type PrivateCommand struct {
	Identifier uint32
	Data       []byte
}

func (sis *SpliceInfoSection) decodeCommand(r *bitReader, length int) error {
	body := r.readBytes(length)
	if r.err {
		return ErrTruncated
	}
	br := newBitReader(body)
	switch sis.CommandType {
	case CommandSpliceNull, CommandBandwidthReservation:
		// No body.
	case CommandSpliceInsert:
		ins, err := decodeSpliceInsert(br)
		if err != nil {
			return err
		}
		sis.Insert = ins
	case CommandTimeSignal:
		st := decodeSpliceTime(br)
		if br.err {
			return ErrTruncated
		}
		sis.TimeSignal = st
	case CommandSpliceSchedule:
		evs, err := decodeSpliceSchedule(br)
		if err != nil {
			return err
		}
		sis.Schedule = evs
	case CommandPrivate:
		if len(body) < 4 {
			return ErrTruncated
		}
		sis.Private = &PrivateCommand{
			Identifier: br.readUint32(32),
			Data:       body[4:],
		}
	default:
		return ErrUnsupportedCommand
	}
	return nil
}

func decodeSpliceTime(r *bitReader) *SpliceTime {
	st := &SpliceTime{}
	if r.readBit() { // time_specified_flag
		r.skip(6)
		pts := r.readUint64(33)
		st.PTS = &pts
	} else {
		r.skip(7)
	}
	return st
}

func decodeBreakDuration(r *bitReader) *BreakDuration {
	bd := &BreakDuration{}
	bd.AutoReturn = r.readBit()
	r.skip(6)
	bd.Ticks = r.readUint64(33)
	return bd
}

func decodeSpliceInsert(r *bitReader) (*SpliceInsert, error) {
	ins := &SpliceInsert{}
	ins.EventID = r.readUint32(32)
	ins.Cancel = r.readBit()
	r.skip(7)
	if ins.Cancel {
		return ins, nil
	}
	ins.OutOfNetwork = r.readBit()
	ins.ProgramSplice = r.readBit()
	durationFlag := r.readBit()
	ins.Immediate = r.readBit()
	r.skip(4)
	if ins.ProgramSplice && !ins.Immediate {
		ins.SpliceTime = decodeSpliceTime(r)
	}
	if !ins.ProgramSplice {
		count := int(r.readUint8(8))
		for i := 0; i < count; i++ {
			c := InsertComponent{Tag: r.readUint8(8)}
			if !ins.Immediate {
				c.SpliceTime = decodeSpliceTime(r)
			}
			ins.Components = append(ins.Components, c)
		}
	}
	if durationFlag {
		ins.Duration = decodeBreakDuration(r)
	}
	ins.UniqueProgramID = r.readUint16(16)
	ins.AvailNum = r.readUint8(8)
	ins.AvailsExpected = r.readUint8(8)
	if r.err {
		return nil, ErrTruncated
	}
	return ins, nil
}

func decodeSpliceSchedule(r *bitReader) ([]ScheduleEvent, error) {
	count := int(r.readUint8(8))
	evs := make([]ScheduleEvent, 0, count)
	for i := 0; i < count; i++ {
		var ev ScheduleEvent
		ev.EventID = r.readUint32(32)
		ev.Cancel = r.readBit()
		r.skip(7)
		if !ev.Cancel {
			ev.OutOfNetwork = r.readBit()
			ev.ProgramSplice = r.readBit()
			durationFlag := r.readBit()
			r.skip(5)
			if ev.ProgramSplice {
				ev.UTCSpliceTime = r.readUint32(32)
			} else {
				n := int(r.readUint8(8))
				for j := 0; j < n; j++ {
					ev.Components = append(ev.Components, ScheduleComponent{
						Tag:           r.readUint8(8),
						UTCSpliceTime: r.readUint32(32),
					})
				}
			}
			if durationFlag {
				ev.Duration = decodeBreakDuration(r)
			}
			ev.UniqueProgramID = r.readUint16(16)
			ev.AvailNum = r.readUint8(8)
			ev.AvailsExpected = r.readUint8(8)
		}
		if r.err {
			return nil, ErrTruncated
		}
		evs = append(evs, ev)
	}
	return evs, nil
}
