// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

import (
	"fmt"

	"github.com/bamiaux/iobit"
)

// Splice command types.
const (
	CmdSpliceNull           uint8 = 0x00
	CmdSpliceSchedule       uint8 = 0x04
	CmdSpliceInsert         uint8 = 0x05
	CmdTimeSignal           uint8 = 0x06
	CmdBandwidthReservation uint8 = 0x07
	CmdPrivate              uint8 = 0xFF
)

// SpliceCommand is one of the six splice command structures.
type SpliceCommand interface {
	// Type returns the splice_command_type.
	Type() uint8
	// length returns the encoded command length in bytes.
	length() int
}

// SpliceTime carries an optional 33-bit PTS.
type SpliceTime struct {
	PTSTime *uint64
}

func (st *SpliceTime) length() int {
	if st.PTSTime != nil {
		return 5
	}
	return 1
}

// BreakDuration specifies how long the splice break lasts in 90 kHz ticks.
type BreakDuration struct {
	AutoReturn bool
	Duration   uint64 // 33 bits
}

// SpliceNull is the splice_null command.
type SpliceNull struct{}

func (c *SpliceNull) Type() uint8 { return CmdSpliceNull }
func (c *SpliceNull) length() int { return 0 }

// BandwidthReservation is the bandwidth_reservation command.
type BandwidthReservation struct{}

func (c *BandwidthReservation) Type() uint8 { return CmdBandwidthReservation }
func (c *BandwidthReservation) length() int { return 0 }

// PrivateCommand carries a private 32-bit identifier plus opaque bytes.
type PrivateCommand struct {
	Identifier uint32
	Data       []byte
}

func (c *PrivateCommand) Type() uint8 { return CmdPrivate }
func (c *PrivateCommand) length() int { return 4 + len(c.Data) }

// TimeSignal is the time_signal command. Break semantics are carried by
// the accompanying segmentation descriptors.
type TimeSignal struct {
	SpliceTime SpliceTime
}

func (c *TimeSignal) Type() uint8 { return CmdTimeSignal }
func (c *TimeSignal) length() int { return c.SpliceTime.length() }

// SpliceInsertComponent is one component splice point of a splice_insert.
type SpliceInsertComponent struct {
	Tag        uint8
	SpliceTime *SpliceTime // nil when splice_immediate_flag is set
}

// SpliceInsert is the splice_insert command.
type SpliceInsert struct {
	SpliceEventID              uint32
	SpliceEventCancelIndicator bool
	OutOfNetworkIndicator      bool
	ProgramSpliceFlag          bool
	SpliceImmediateFlag        bool
	SpliceTime                 *SpliceTime // program splice point
	Components                 []SpliceInsertComponent
	BreakDuration              *BreakDuration
	UniqueProgramID            uint16
	AvailNum                   uint8
	AvailsExpected             uint8
}

func (c *SpliceInsert) Type() uint8 { return CmdSpliceInsert }

func (c *SpliceInsert) length() int {
	bits := 32 // splice_event_id
	bits += 8  // cancel + reserved
	if c.SpliceEventCancelIndicator {
		return bits / 8
	}
	bits += 8 // flags + reserved
	if c.ProgramSpliceFlag && !c.SpliceImmediateFlag && c.SpliceTime != nil {
		bits += c.SpliceTime.length() * 8
	}
	if !c.ProgramSpliceFlag {
		bits += 8 // component_count
		for _, comp := range c.Components {
			bits += 8
			if comp.SpliceTime != nil {
				bits += comp.SpliceTime.length() * 8
			}
		}
	}
	if c.BreakDuration != nil {
		bits += 40
	}
	bits += 32 // unique_program_id + avail_num + avails_expected
	return bits / 8
}

// ScheduledSplice is one event of a splice_schedule command. Scheduled
// splices use 32-bit UTC seconds instead of PTS.
type ScheduledSplice struct {
	SpliceEventID              uint32
	SpliceEventCancelIndicator bool
	OutOfNetworkIndicator      bool
	ProgramSpliceFlag          bool
	UTCSpliceTime              uint32
	Components                 []ScheduledSpliceComponent
	BreakDuration              *BreakDuration
	UniqueProgramID            uint16
	AvailNum                   uint8
	AvailsExpected             uint8
}

type ScheduledSpliceComponent struct {
	Tag           uint8
	UTCSpliceTime uint32
}

// SpliceSchedule is the splice_schedule command.
type SpliceSchedule struct {
	Events []ScheduledSplice
}

func (c *SpliceSchedule) Type() uint8 { return CmdSpliceSchedule }

func (c *SpliceSchedule) length() int {
	bits := 8 // splice_count
	for _, e := range c.Events {
		bits += 32 + 8
		if e.SpliceEventCancelIndicator {
			continue
		}
		bits += 8
		if e.ProgramSpliceFlag {
			bits += 32
		} else {
			bits += 8
			bits += len(e.Components) * 40
		}
		if e.BreakDuration != nil {
			bits += 40
		}
		bits += 32
	}
	return bits / 8
}

func decodeSpliceCommand(commandType uint8, b []byte) (SpliceCommand, error) {
	switch commandType {
	case CmdSpliceNull:
		return &SpliceNull{}, nil
	case CmdSpliceSchedule:
		return decodeSpliceSchedule(b)
	case CmdSpliceInsert:
		return decodeSpliceInsert(b)
	case CmdTimeSignal:
		return decodeTimeSignal(b)
	case CmdBandwidthReservation:
		return &BandwidthReservation{}, nil
	case CmdPrivate:
		return decodePrivateCommand(b)
	default:
		return nil, fmt.Errorf("%w: type 0x%02X", ErrUnsupportedCommand, commandType)
	}
}

// decodeSpliceTime reads a splice_time() structure.
func decodeSpliceTime(r *iobit.Reader) SpliceTime {
	var st SpliceTime
	timeSpecifiedFlag := r.Bit()
	if timeSpecifiedFlag {
		r.Skip(6) // reserved
		pts := r.Uint64(33)
		st.PTSTime = &pts
	} else {
		r.Skip(7) // reserved
	}
	return st
}

func decodeTimeSignal(b []byte) (*TimeSignal, error) {
	r := iobit.NewReader(b)
	cmd := &TimeSignal{SpliceTime: decodeSpliceTime(&r)}
	if err := r.Error(); err != nil {
		return nil, ErrTruncated
	}
	return cmd, nil
}

func decodePrivateCommand(b []byte) (*PrivateCommand, error) {
	if len(b) < 4 {
		return nil, ErrTruncated
	}
	r := iobit.NewReader(b)
	cmd := &PrivateCommand{
		Identifier: r.Uint32(32),
		Data:       r.LeftBytes(),
	}
	return cmd, nil
}

func decodeSpliceInsert(b []byte) (*SpliceInsert, error) {
	r := iobit.NewReader(b)
	cmd := &SpliceInsert{}
	cmd.SpliceEventID = r.Uint32(32)
	cmd.SpliceEventCancelIndicator = r.Bit()
	r.Skip(7) // reserved
	if !cmd.SpliceEventCancelIndicator {
		cmd.OutOfNetworkIndicator = r.Bit()
		cmd.ProgramSpliceFlag = r.Bit()
		durationFlag := r.Bit()
		cmd.SpliceImmediateFlag = r.Bit()
		r.Skip(4) // reserved
		if cmd.ProgramSpliceFlag && !cmd.SpliceImmediateFlag {
			st := decodeSpliceTime(&r)
			cmd.SpliceTime = &st
		}
		if !cmd.ProgramSpliceFlag {
			componentCount := int(r.Uint32(8))
			cmd.Components = make([]SpliceInsertComponent, componentCount)
			for i := 0; i < componentCount; i++ {
				c := SpliceInsertComponent{Tag: uint8(r.Uint32(8))}
				if !cmd.SpliceImmediateFlag {
					st := decodeSpliceTime(&r)
					c.SpliceTime = &st
				}
				cmd.Components[i] = c
			}
		}
		if durationFlag {
			bd := BreakDuration{}
			bd.AutoReturn = r.Bit()
			r.Skip(6) // reserved
			bd.Duration = r.Uint64(33)
			cmd.BreakDuration = &bd
		}
		cmd.UniqueProgramID = uint16(r.Uint32(16))
		cmd.AvailNum = uint8(r.Uint32(8))
		cmd.AvailsExpected = uint8(r.Uint32(8))
	}
	if err := r.Error(); err != nil {
		return nil, ErrTruncated
	}
	return cmd, nil
}

func decodeSpliceSchedule(b []byte) (*SpliceSchedule, error) {
	r := iobit.NewReader(b)
	cmd := &SpliceSchedule{}
	spliceCount := int(r.Uint32(8))
	cmd.Events = make([]ScheduledSplice, 0, spliceCount)
	for i := 0; i < spliceCount; i++ {
		var e ScheduledSplice
		e.SpliceEventID = r.Uint32(32)
		e.SpliceEventCancelIndicator = r.Bit()
		r.Skip(7) // reserved
		if !e.SpliceEventCancelIndicator {
			e.OutOfNetworkIndicator = r.Bit()
			e.ProgramSpliceFlag = r.Bit()
			durationFlag := r.Bit()
			r.Skip(5) // reserved
			if e.ProgramSpliceFlag {
				e.UTCSpliceTime = r.Uint32(32)
			} else {
				componentCount := int(r.Uint32(8))
				e.Components = make([]ScheduledSpliceComponent, componentCount)
				for j := 0; j < componentCount; j++ {
					e.Components[j] = ScheduledSpliceComponent{
						Tag:           uint8(r.Uint32(8)),
						UTCSpliceTime: r.Uint32(32),
					}
				}
			}
			if durationFlag {
				bd := BreakDuration{}
				bd.AutoReturn = r.Bit()
				r.Skip(6) // reserved
				bd.Duration = r.Uint64(33)
				e.BreakDuration = &bd
			}
			e.UniqueProgramID = uint16(r.Uint32(16))
			e.AvailNum = uint8(r.Uint32(8))
			e.AvailsExpected = uint8(r.Uint32(8))
		}
		cmd.Events = append(cmd.Events, e)
	}
	if err := r.Error(); err != nil {
		return nil, ErrTruncated
	}
	return cmd, nil
}
