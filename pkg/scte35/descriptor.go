// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

// Splice descriptor tags.
const (
	TagAvail        = 0x00
	TagDTMF         = 0x01
	TagSegmentation = 0x02
	TagTime         = 0x03
)

// cueiIdentifier is the ASCII "CUEI" descriptor identifier.
const cueiIdentifier = 0x43554549

// SpliceDescriptor is one entry of the descriptor loop.
type SpliceDescriptor interface {
	Tag() uint8
}

// AvailDescriptor (tag 0x00).
type AvailDescriptor struct {
	ProviderAvailID uint32
}

func (d *AvailDescriptor) Tag() uint8 { return TagAvail }

// DTMFDescriptor (tag 0x01).
type DTMFDescriptor struct {
	Preroll uint8 // tenths of seconds
	Chars   string
}

func (d *DTMFDescriptor) Tag() uint8 { return TagDTMF }

// TimeDescriptor (tag 0x03) carries a TAI timestamp.
type TimeDescriptor struct {
	TAISeconds uint64
	TAINanos   uint32
	UTCOffset  uint16
}

func (d *TimeDescriptor) Tag() uint8 { return TagTime }

// RawDescriptor preserves descriptors with unknown tags or non-CUEI
// identifiers verbatim.
type RawDescriptor struct {
	DescriptorTag uint8
	Identifier    uint32
	Data          []byte
}

func (d *RawDescriptor) Tag() uint8 { return d.DescriptorTag }

// SegmentationTypeID is the segmentation_type_id field (SCTE-35 table 22).
type SegmentationTypeID uint8

const (
	SegNotIndicated       SegmentationTypeID = 0x00
	SegProgramStart       SegmentationTypeID = 0x10
	SegProgramEnd         SegmentationTypeID = 0x11
	SegBreakStart         SegmentationTypeID = 0x22
	SegBreakEnd           SegmentationTypeID = 0x23
	SegProviderAdStart    SegmentationTypeID = 0x30
	SegProviderAdEnd      SegmentationTypeID = 0x31
	SegDistributorAdStart SegmentationTypeID = 0x32
	SegDistributorAdEnd   SegmentationTypeID = 0x33
	SegProviderPOStart    SegmentationTypeID = 0x34
	SegProviderPOEnd      SegmentationTypeID = 0x35
	SegDistributorPOStart SegmentationTypeID = 0x36
	SegDistributorPOEnd   SegmentationTypeID = 0x37
	SegNetworkStart       SegmentationTypeID = 0x50
	SegNetworkEnd         SegmentationTypeID = 0x51
)

// IsAdStart reports whether the type id opens an ad opportunity.
func (t SegmentationTypeID) IsAdStart() bool {
	switch t {
	case SegBreakStart, SegProviderAdStart, SegDistributorAdStart,
		SegProviderPOStart, SegDistributorPOStart:
		return true
	}
	return false
}

// IsAdEnd reports whether the type id closes an ad opportunity.
func (t SegmentationTypeID) IsAdEnd() bool {
	switch t {
	case SegBreakEnd, SegProviderAdEnd, SegDistributorAdEnd,
		SegProviderPOEnd, SegDistributorPOEnd:
		return true
	}
	return false
}

// UPID types (SCTE-35 table 21). All types are preserved verbatim in
// SegmentationUPID.Value; only UPIDTypeURI is additionally parsed to URI.
type UPIDType uint8

const (
	UPIDTypeNotUsed        UPIDType = 0x00
	UPIDTypeUserDefined    UPIDType = 0x01
	UPIDTypeISCI           UPIDType = 0x02
	UPIDTypeAdID           UPIDType = 0x03
	UPIDTypeUMID           UPIDType = 0x04
	UPIDTypeISANDeprecated UPIDType = 0x05
	UPIDTypeISAN           UPIDType = 0x06
	UPIDTypeTID            UPIDType = 0x07
	UPIDTypeTI             UPIDType = 0x08
	UPIDTypeADI            UPIDType = 0x09
	UPIDTypeEIDR           UPIDType = 0x0A
	UPIDTypeATSCContentID  UPIDType = 0x0B
	UPIDTypeMPU            UPIDType = 0x0C
	UPIDTypeMID            UPIDType = 0x0D
	UPIDTypeADSInfo        UPIDType = 0x0E
	UPIDTypeURI            UPIDType = 0x0F
)

// SegmentationUPID is one upid carried by a segmentation descriptor.
type SegmentationUPID struct {
	Type  UPIDType
	Value []byte
	URI   string // set only for UPIDTypeURI
}

// DeliveryRestrictions of a segmentation descriptor.
type DeliveryRestrictions struct {
	WebDeliveryAllowed bool
	NoRegionalBlackout bool
	ArchiveAllowed     bool
	DeviceRestrictions uint8
}

// SegmentationComponent is a component entry of a segmentation descriptor.
type SegmentationComponent struct {
	Tag       uint8
	PTSOffset uint64
}

// SegmentationDescriptor (tag 0x02).
type SegmentationDescriptor struct {
	EventID             uint32
	Cancel              bool
	Restrictions        *DeliveryRestrictions // nil when delivery_not_restricted
	Components          []SegmentationComponent
	Duration            *uint64 // 90 kHz ticks
	UPIDs               []SegmentationUPID
	TypeID              SegmentationTypeID
	SegmentNum          uint8
	SegmentsExpected    uint8
	SubSegmentNum       uint8
	SubSegmentsExpected uint8
}

func (d *SegmentationDescriptor) Tag() uint8 { return TagSegmentation }

func decodeDescriptors(data []byte) ([]SpliceDescriptor, error) {
	var descs []SpliceDescriptor
	off := 0
	for off < len(data) {
		if off+2 > len(data) {
			return nil, ErrTruncated
		}
		tag := data[off]
		length := int(data[off+1])
		end := off + 2 + length
		if end > len(data) || length < 4 {
			return nil, ErrTruncated
		}
		body := data[off+2 : end]
		ident := uint32(body[0])<<24 | uint32(body[1])<<16 |
			uint32(body[2])<<8 | uint32(body[3])
		if ident != cueiIdentifier {
			descs = append(descs, &RawDescriptor{DescriptorTag: tag, Identifier: ident, Data: body[4:]})
			off = end
			continue
		}
		d, err := decodeCUEIDescriptor(tag, ident, body[4:])
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
		off = end
	}
	return descs, nil
}

func decodeCUEIDescriptor(tag uint8, ident uint32, body []byte) (SpliceDescriptor, error) {
	r := newBitReader(body)
	switch tag {
	case TagAvail:
		d := &AvailDescriptor{ProviderAvailID: r.readUint32(32)}
		if r.err {
			return nil, ErrTruncated
		}
		return d, nil
	case TagDTMF:
		d := &DTMFDescriptor{}
		d.Preroll = r.readUint8(8)
		count := int(r.readUint8(3))
		r.skip(5)
		chars := make([]byte, 0, count)
		for i := 0; i < count; i++ {
			chars = append(chars, r.readUint8(8))
		}
		if r.err {
			return nil, ErrTruncated
		}
		d.Chars = string(chars)
		return d, nil
	case TagSegmentation:
		return decodeSegmentation(r)
	case TagTime:
		d := &TimeDescriptor{}
		d.TAISeconds = r.readUint64(48)
		d.TAINanos = r.readUint32(32)
		d.UTCOffset = r.readUint16(16)
		if r.err {
			return nil, ErrTruncated
		}
		return d, nil
	default:
		return &RawDescriptor{DescriptorTag: tag, Identifier: ident, Data: body}, nil
	}
}

func decodeSegmentation(r *bitReader) (*SegmentationDescriptor, error) {
	d := &SegmentationDescriptor{}
	d.EventID = r.readUint32(32)
	d.Cancel = r.readBit()
	r.skip(7)
	if d.Cancel {
		if r.err {
			return nil, ErrTruncated
		}
		return d, nil
	}
	programSegmentation := r.readBit()
	durationFlag := r.readBit()
	deliveryNotRestricted := r.readBit()
	if !deliveryNotRestricted {
		d.Restrictions = &DeliveryRestrictions{
			WebDeliveryAllowed: r.readBit(),
			NoRegionalBlackout: r.readBit(),
			ArchiveAllowed:     r.readBit(),
			DeviceRestrictions: r.readUint8(2),
		}
	} else {
		r.skip(5)
	}
	if !programSegmentation {
		count := int(r.readUint8(8))
		for i := 0; i < count; i++ {
			c := SegmentationComponent{Tag: r.readUint8(8)}
			r.skip(7)
			c.PTSOffset = r.readUint64(33)
			d.Components = append(d.Components, c)
		}
	}
	if durationFlag {
		dur := r.readUint64(40)
		d.Duration = &dur
	}
	upidType := UPIDType(r.readUint8(8))
	upidLength := int(r.readUint8(8))
	if upidLength > 0 {
		upidBytes := r.readBytes(upidLength)
		if r.err {
			return nil, ErrTruncated
		}
		if upidType == UPIDTypeMID {
			// MID wraps a list of inner upids.
			ir := newBitReader(upidBytes)
			for ir.remainingBytes() >= 2 {
				t := UPIDType(ir.readUint8(8))
				l := int(ir.readUint8(8))
				v := ir.readBytes(l)
				if ir.err {
					return nil, ErrTruncated
				}
				d.UPIDs = append(d.UPIDs, newUPID(t, v))
			}
		} else {
			d.UPIDs = append(d.UPIDs, newUPID(upidType, upidBytes))
		}
	} else if upidType != UPIDTypeNotUsed {
		d.UPIDs = append(d.UPIDs, SegmentationUPID{Type: upidType})
	}
	d.TypeID = SegmentationTypeID(r.readUint8(8))
	d.SegmentNum = r.readUint8(8)
	d.SegmentsExpected = r.readUint8(8)
	// sub_segment fields only exist for some type ids, and some encoders
	// omit them even then.
	switch d.TypeID {
	case SegProviderPOStart, SegDistributorPOStart, SegProviderAdStart:
		if r.remainingBytes() >= 2 {
			d.SubSegmentNum = r.readUint8(8)
			d.SubSegmentsExpected = r.readUint8(8)
		}
	}
	if r.err {
		return nil, ErrTruncated
	}
	return d, nil
}

func newUPID(t UPIDType, v []byte) SegmentationUPID {
	u := SegmentationUPID{Type: t, Value: v}
	if t == UPIDTypeURI {
		u.URI = string(v)
	}
	return u
}
