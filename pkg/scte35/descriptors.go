// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

import (
	"encoding/hex"
	"fmt"

	"github.com/bamiaux/iobit"
)

// CUEIdentifier is the registered identifier ("CUEI") carried by all
// SCTE-35 splice descriptors.
const CUEIdentifier uint32 = 0x43554549

// Splice descriptor tags.
const (
	TagAvail        uint8 = 0x00
	TagDTMF         uint8 = 0x01
	TagSegmentation uint8 = 0x02
	TagTime         uint8 = 0x03
)

// Segmentation UPID types.
const (
	UPIDNotUsed     uint8 = 0x00
	UPIDUserDefined uint8 = 0x01
	UPIDISCI        uint8 = 0x02
	UPIDAdID        uint8 = 0x03
	UPIDUMID        uint8 = 0x04
	UPIDISANDep     uint8 = 0x05
	UPIDISAN        uint8 = 0x06
	UPIDTID         uint8 = 0x07
	UPIDTI          uint8 = 0x08
	UPIDADI         uint8 = 0x09
	UPIDEIDR        uint8 = 0x0A
	UPIDATSC        uint8 = 0x0B
	UPIDMPU         uint8 = 0x0C
	UPIDMID         uint8 = 0x0D
	UPIDADS         uint8 = 0x0E
	UPIDURI         uint8 = 0x0F
	UPIDUUID        uint8 = 0x10
)

// Segmentation type IDs (SCTE-35 table 23).
const (
	SegDescNotIndicated                     uint8 = 0x00
	SegDescContentIdentification            uint8 = 0x01
	SegDescProgramStart                     uint8 = 0x10
	SegDescProgramEnd                       uint8 = 0x11
	SegDescProgramEarlyTermination          uint8 = 0x12
	SegDescProgramBreakaway                 uint8 = 0x13
	SegDescProgramResumption                uint8 = 0x14
	SegDescProgramRunoverPlanned            uint8 = 0x15
	SegDescProgramRunoverUnplanned          uint8 = 0x16
	SegDescProgramOverlapStart              uint8 = 0x17
	SegDescProgramBlackoutOverride          uint8 = 0x18
	SegDescProgramJoin                      uint8 = 0x19
	SegDescChapterStart                     uint8 = 0x20
	SegDescChapterEnd                       uint8 = 0x21
	SegDescBreakStart                       uint8 = 0x22
	SegDescBreakEnd                         uint8 = 0x23
	SegDescProviderAdStart                  uint8 = 0x30
	SegDescProviderAdEnd                    uint8 = 0x31
	SegDescDistributorAdStart               uint8 = 0x32
	SegDescDistributorAdEnd                 uint8 = 0x33
	SegDescProviderPOStart                  uint8 = 0x34
	SegDescProviderPOEnd                    uint8 = 0x35
	SegDescDistributorPOStart               uint8 = 0x36
	SegDescDistributorPOEnd                 uint8 = 0x37
	SegDescProviderOverlayPOStart           uint8 = 0x38
	SegDescProviderOverlayPOEnd             uint8 = 0x39
	SegDescDistributorOverlayPOStart        uint8 = 0x3A
	SegDescDistributorOverlayPOEnd          uint8 = 0x3B
	SegDescProviderPromoStart               uint8 = 0x3C
	SegDescProviderPromoEnd                 uint8 = 0x3D
	SegDescDistributorPromoStart            uint8 = 0x3E
	SegDescDistributorPromoEnd              uint8 = 0x3F
	SegDescUnscheduledEventStart            uint8 = 0x40
	SegDescUnscheduledEventEnd              uint8 = 0x41
	SegDescAlternateContentOpportunityStart uint8 = 0x42
	SegDescAlternateContentOpportunityEnd   uint8 = 0x43
	SegDescProviderAdBlockStart             uint8 = 0x44
	SegDescProviderAdBlockEnd               uint8 = 0x45
	SegDescDistributorAdBlockStart          uint8 = 0x46
	SegDescDistributorAdBlockEnd            uint8 = 0x47
	SegDescNetworkStart                     uint8 = 0x50
	SegDescNetworkEnd                       uint8 = 0x51
)

var segDescNames = map[uint8]string{
	SegDescNotIndicated:                     "Not Indicated",
	SegDescContentIdentification:            "Content Identification",
	SegDescProgramStart:                     "Program Start",
	SegDescProgramEnd:                       "Program End",
	SegDescProgramEarlyTermination:          "Program Early Termination",
	SegDescProgramBreakaway:                 "Program Breakaway",
	SegDescProgramResumption:                "Program Resumption",
	SegDescProgramRunoverPlanned:            "Program Runover Planned",
	SegDescProgramRunoverUnplanned:          "Program Runover Unplanned",
	SegDescProgramOverlapStart:              "Program Overlap Start",
	SegDescProgramBlackoutOverride:          "Program Blackout Override",
	SegDescProgramJoin:                      "Program Join",
	SegDescChapterStart:                     "Chapter Start",
	SegDescChapterEnd:                       "Chapter End",
	SegDescBreakStart:                       "Break Start",
	SegDescBreakEnd:                         "Break End",
	SegDescProviderAdStart:                  "Provider Advertisement Start",
	SegDescProviderAdEnd:                    "Provider Advertisement End",
	SegDescDistributorAdStart:               "Distributor Advertisement Start",
	SegDescDistributorAdEnd:                 "Distributor Advertisement End",
	SegDescProviderPOStart:                  "Provider Placement Opportunity Start",
	SegDescProviderPOEnd:                    "Provider Placement Opportunity End",
	SegDescDistributorPOStart:               "Distributor Placement Opportunity Start",
	SegDescDistributorPOEnd:                 "Distributor Placement Opportunity End",
	SegDescProviderOverlayPOStart:           "Provider Overlay Placement Opportunity Start",
	SegDescProviderOverlayPOEnd:             "Provider Overlay Placement Opportunity End",
	SegDescDistributorOverlayPOStart:        "Distributor Overlay Placement Opportunity Start",
	SegDescDistributorOverlayPOEnd:          "Distributor Overlay Placement Opportunity End",
	SegDescProviderPromoStart:               "Provider Promo Start",
	SegDescProviderPromoEnd:                 "Provider Promo End",
	SegDescDistributorPromoStart:            "Distributor Promo Start",
	SegDescDistributorPromoEnd:              "Distributor Promo End",
	SegDescUnscheduledEventStart:            "Unscheduled Event Start",
	SegDescUnscheduledEventEnd:              "Unscheduled Event End",
	SegDescAlternateContentOpportunityStart: "Alternate Content Opportunity Start",
	SegDescAlternateContentOpportunityEnd:   "Alternate Content Opportunity End",
	SegDescProviderAdBlockStart:             "Provider Ad Block Start",
	SegDescProviderAdBlockEnd:               "Provider Ad Block End",
	SegDescDistributorAdBlockStart:          "Distributor Ad Block Start",
	SegDescDistributorAdBlockEnd:            "Distributor Ad Block End",
	SegDescNetworkStart:                     "Network Start",
	SegDescNetworkEnd:                       "Network End",
}

// SegmentationTypeName returns the human-readable name of a
// segmentation_type_id, or "Unknown" for unassigned values.
func SegmentationTypeName(typeID uint8) string {
	if name, ok := segDescNames[typeID]; ok {
		return name
	}
	return "Unknown"
}

// SpliceDescriptor is one entry of the descriptor loop. Descriptors with
// an identifier other than CUEI, or with an unassigned tag, decode to
// *RawDescriptor.
type SpliceDescriptor interface {
	// Tag returns the splice_descriptor_tag.
	Tag() uint8
}

// AvailDescriptor carries a provider-defined avail identifier for
// splice_insert commands.
type AvailDescriptor struct {
	ProviderAvailID uint32
}

func (d *AvailDescriptor) Tag() uint8 { return TagAvail }

// DTMFDescriptor carries a legacy DTMF tone sequence.
type DTMFDescriptor struct {
	Preroll uint8 // tenths of seconds
	Chars   string
}

func (d *DTMFDescriptor) Tag() uint8 { return TagDTMF }

// TimeDescriptor carries a TAI timestamp for the splice point.
type TimeDescriptor struct {
	TAISeconds     uint64 // 48 bits
	TAINanoseconds uint32
	UTCOffset      uint16
}

func (d *TimeDescriptor) Tag() uint8 { return TagTime }

// RawDescriptor preserves descriptors this package does not interpret.
type RawDescriptor struct {
	DescriptorTag uint8
	Identifier    uint32
	Data          []byte
}

func (d *RawDescriptor) Tag() uint8 { return d.DescriptorTag }

// DeliveryRestrictions is present when delivery_not_restricted_flag is
// unset in a segmentation descriptor.
type DeliveryRestrictions struct {
	WebDeliveryAllowed bool
	NoRegionalBlackout bool
	ArchiveAllowed     bool
	DeviceRestrictions uint8 // 2 bits, 0x3 means none
}

// SegmentationComponent is one component entry of a component-mode
// segmentation descriptor.
type SegmentationComponent struct {
	Tag       uint8
	PTSOffset uint64 // 33 bits
}

// SegmentationUPID is a single segmentation upid. A MID upid decodes
// into one SegmentationUPID per inner entry.
type SegmentationUPID struct {
	Type  uint8
	Value []byte
}

// Name returns the human-readable name of the upid type.
func (u SegmentationUPID) Name() string {
	switch u.Type {
	case UPIDNotUsed:
		return "Not Used"
	case UPIDUserDefined:
		return "User Defined"
	case UPIDISCI:
		return "ISCI"
	case UPIDAdID:
		return "Ad-ID"
	case UPIDUMID:
		return "UMID"
	case UPIDISANDep, UPIDISAN:
		return "ISAN"
	case UPIDTID:
		return "TID"
	case UPIDTI:
		return "TI"
	case UPIDADI:
		return "ADI"
	case UPIDEIDR:
		return "EIDR"
	case UPIDATSC:
		return "ATSC Content Identifier"
	case UPIDMPU:
		return "MPU"
	case UPIDMID:
		return "MID"
	case UPIDADS:
		return "ADS Information"
	case UPIDURI:
		return "URI"
	case UPIDUUID:
		return "UUID"
	default:
		return "Unknown"
	}
}

// String renders the upid value. Text upid types render verbatim, the
// rest render as hex.
func (u SegmentationUPID) String() string {
	switch u.Type {
	case UPIDISCI, UPIDAdID, UPIDTID, UPIDADI, UPIDADS, UPIDURI, UPIDMPU:
		return string(u.Value)
	default:
		return "0x" + hex.EncodeToString(u.Value)
	}
}

// SegmentationDescriptor signals a segmentation point such as a
// placement opportunity or program boundary.
type SegmentationDescriptor struct {
	SegmentationEventID              uint32
	SegmentationEventCancelIndicator bool
	DeliveryRestrictions             *DeliveryRestrictions
	Components                       []SegmentationComponent
	SegmentationDuration             *uint64 // 90 kHz ticks, 40 bits
	UPIDType                         uint8
	UPIDs                            []SegmentationUPID
	SegmentationTypeID               uint8
	SegmentNum                       uint8
	SegmentsExpected                 uint8
	SubSegmentNum                    *uint8
	SubSegmentsExpected              *uint8
}

func (d *SegmentationDescriptor) Tag() uint8 { return TagSegmentation }

// TypeName returns the name of the segmentation_type_id.
func (d *SegmentationDescriptor) TypeName() string {
	return SegmentationTypeName(d.SegmentationTypeID)
}

func decodeSpliceDescriptors(b []byte) ([]SpliceDescriptor, error) {
	var descriptors []SpliceDescriptor
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrTruncated
		}
		tag := b[0]
		length := int(b[1])
		if len(b) < 2+length {
			return nil, ErrTruncated
		}
		d, err := decodeSpliceDescriptor(tag, b[2:2+length])
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
		b = b[2+length:]
	}
	return descriptors, nil
}

func decodeSpliceDescriptor(tag uint8, b []byte) (SpliceDescriptor, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("descriptor 0x%02X: %w", tag, ErrTruncated)
	}
	identifier := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if identifier != CUEIdentifier {
		return &RawDescriptor{DescriptorTag: tag, Identifier: identifier, Data: b[4:]}, nil
	}
	switch tag {
	case TagAvail:
		return decodeAvailDescriptor(b[4:])
	case TagDTMF:
		return decodeDTMFDescriptor(b[4:])
	case TagSegmentation:
		return decodeSegmentationDescriptor(b[4:])
	case TagTime:
		return decodeTimeDescriptor(b[4:])
	default:
		return &RawDescriptor{DescriptorTag: tag, Identifier: identifier, Data: b[4:]}, nil
	}
}

func decodeAvailDescriptor(b []byte) (*AvailDescriptor, error) {
	if len(b) < 4 {
		return nil, ErrTruncated
	}
	r := iobit.NewReader(b)
	return &AvailDescriptor{ProviderAvailID: r.Uint32(32)}, nil
}

func decodeDTMFDescriptor(b []byte) (*DTMFDescriptor, error) {
	r := iobit.NewReader(b)
	d := &DTMFDescriptor{}
	d.Preroll = uint8(r.Uint32(8))
	dtmfCount := int(r.Uint32(3))
	r.Skip(5) // reserved
	d.Chars = string(r.Bytes(dtmfCount))
	if err := r.Error(); err != nil {
		return nil, ErrTruncated
	}
	return d, nil
}

func decodeTimeDescriptor(b []byte) (*TimeDescriptor, error) {
	r := iobit.NewReader(b)
	d := &TimeDescriptor{
		TAISeconds:     r.Uint64(48),
		TAINanoseconds: r.Uint32(32),
		UTCOffset:      uint16(r.Uint32(16)),
	}
	if err := r.Error(); err != nil {
		return nil, ErrTruncated
	}
	return d, nil
}

func decodeSegmentationDescriptor(b []byte) (*SegmentationDescriptor, error) {
	r := iobit.NewReader(b)
	d := &SegmentationDescriptor{}
	d.SegmentationEventID = r.Uint32(32)
	d.SegmentationEventCancelIndicator = r.Bit()
	r.Skip(7) // reserved
	if !d.SegmentationEventCancelIndicator {
		programSegmentationFlag := r.Bit()
		durationFlag := r.Bit()
		deliveryNotRestricted := r.Bit()
		if !deliveryNotRestricted {
			dr := DeliveryRestrictions{}
			dr.WebDeliveryAllowed = r.Bit()
			dr.NoRegionalBlackout = r.Bit()
			dr.ArchiveAllowed = r.Bit()
			dr.DeviceRestrictions = uint8(r.Uint32(2))
			d.DeliveryRestrictions = &dr
		} else {
			r.Skip(5) // reserved
		}
		if !programSegmentationFlag {
			componentCount := int(r.Uint32(8))
			d.Components = make([]SegmentationComponent, componentCount)
			for i := 0; i < componentCount; i++ {
				c := SegmentationComponent{Tag: uint8(r.Uint32(8))}
				r.Skip(7) // reserved
				c.PTSOffset = r.Uint64(33)
				d.Components[i] = c
			}
		}
		if durationFlag {
			duration := r.Uint64(40)
			d.SegmentationDuration = &duration
		}
		d.UPIDType = uint8(r.Uint32(8))
		upidLength := int(r.Uint32(8))
		if uint(upidLength*8) > r.LeftBits() {
			return nil, ErrTruncated
		}
		upidBytes := r.Bytes(upidLength)
		if d.UPIDType == UPIDMID {
			upids, err := decodeMID(upidBytes)
			if err != nil {
				return nil, err
			}
			d.UPIDs = upids
		} else if upidLength > 0 {
			d.UPIDs = []SegmentationUPID{{Type: d.UPIDType, Value: upidBytes}}
		}
		d.SegmentationTypeID = uint8(r.Uint32(8))
		d.SegmentNum = uint8(r.Uint32(8))
		d.SegmentsExpected = uint8(r.Uint32(8))
		if d.SegmentationTypeID == SegDescProviderPOStart ||
			d.SegmentationTypeID == SegDescDistributorPOStart {
			// Sub-segment fields are optional even for these types.
			if r.LeftBits() == 16 {
				n := uint8(r.Uint32(8))
				e := uint8(r.Uint32(8))
				d.SubSegmentNum = &n
				d.SubSegmentsExpected = &e
			}
		}
	}
	if err := r.Error(); err != nil {
		return nil, ErrTruncated
	}
	return d, nil
}

func decodeMID(b []byte) ([]SegmentationUPID, error) {
	var upids []SegmentationUPID
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrTruncated
		}
		upidType := b[0]
		length := int(b[1])
		if len(b) < 2+length {
			return nil, ErrTruncated
		}
		upids = append(upids, SegmentationUPID{Type: upidType, Value: b[2 : 2+length]})
		b = b[2+length:]
	}
	return upids, nil
}
