// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package scte35 implements decoding and encoding of SCTE-35 splice_info_section
// messages per ANSI/SCTE 35 2022. The decoder covers all command types
// (splice_null, splice_schedule, splice_insert, time_signal,
// bandwidth_reservation, private_command) and the avail, DTMF, segmentation,
// and time descriptors. Decoding is pure and does no I/O.
package scte35

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/bamiaux/iobit"
)

// TableID is the table_id of a splice_info_section. Always 0xFC.
const TableID = 0xFC

// frameScanLimit is how far into a payload we search for the table_id
// when producers prepend transport bytes.
const frameScanLimit = 16

// ptsWrap is the modulus for 33-bit PTS arithmetic.
const ptsWrap = uint64(1) << 33

// TicksPerSecond is the 90 kHz clock rate used by all PTS fields.
const TicksPerSecond = 90000

// Decode errors. A rejected signal never fails a manifest request; callers
// drop the signal and log.
var (
	ErrInvalidTableId     = errors.New("scte35: table_id 0xFC not found")
	ErrTruncated          = errors.New("scte35: section truncated")
	ErrBadCRC             = errors.New("scte35: CRC_32 mismatch")
	ErrEncrypted          = errors.New("scte35: encrypted_packet not supported")
	ErrUnsupportedCommand = errors.New("scte35: unsupported splice command")
)

// SpliceInfoSection is a decoded splice_info_section.
type SpliceInfoSection struct {
	SAPType             uint8
	ProtocolVersion     uint8
	EncryptedPacket     bool
	EncryptionAlgorithm uint8
	PTSAdjustment       uint64 // 33 bits
	CWIndex             uint8
	Tier                uint16 // 12 bits
	SpliceCommand       SpliceCommand
	Descriptors         []SpliceDescriptor
	CRCValid            bool
}

// DecodeBase64 decodes a base64-encoded splice_info_section.
func DecodeBase64(s string) (*SpliceInfoSection, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("scte35: base64: %w", err)
	}
	return DecodeBytes(b)
}

// DecodeHex decodes a hex-encoded splice_info_section. A leading 0x is allowed.
func DecodeHex(s string) (*SpliceInfoSection, error) {
	if len(s) >= 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("scte35: hex: %w", err)
	}
	return DecodeBytes(b)
}

// DecodeBytes decodes one binary splice_info_section.
//
// Producers sometimes prepend transport bytes. If byte 0 is not the
// table_id, the first 16 bytes are scanned for 0xFC and parsing starts
// there.
func DecodeBytes(b []byte) (*SpliceInfoSection, error) {
	b, err := frame(b)
	if err != nil {
		return nil, err
	}
	sis := &SpliceInfoSection{}
	if err := sis.decode(b); err != nil {
		return nil, err
	}
	return sis, nil
}

// frame locates the splice_info_section within b and trims it to
// section_length, verifying there are enough bytes.
func frame(b []byte) ([]byte, error) {
	if len(b) == 0 || b[0] != TableID {
		limit := frameScanLimit
		if len(b) < limit {
			limit = len(b)
		}
		idx := bytes.IndexByte(b[:limit], TableID)
		if idx < 0 {
			return nil, ErrInvalidTableId
		}
		b = b[idx:]
	}
	if len(b) < 3 {
		return nil, ErrTruncated
	}
	sectionLength := int(b[1]&0x0F)<<8 | int(b[2])
	total := 3 + sectionLength
	if len(b) < total {
		return nil, ErrTruncated
	}
	return b[:total], nil
}

func (sis *SpliceInfoSection) decode(b []byte) error {
	// The CRC_32 covers the full section including table_id.
	// A mismatch rejects the signal before any field is interpreted.
	if !verifyCRC32(b) {
		return ErrBadCRC
	}
	sis.CRCValid = true

	r := iobit.NewReader(b)
	r.Skip(8) // table_id (checked by frame)
	r.Skip(1) // section_syntax_indicator (shall be 0)
	r.Skip(1) // private_indicator (shall be 0)
	sis.SAPType = uint8(r.Uint32(2))
	r.Skip(12) // section_length (checked by frame)

	sis.ProtocolVersion = uint8(r.Uint32(8))
	sis.EncryptedPacket = r.Bit()
	sis.EncryptionAlgorithm = uint8(r.Uint32(6))
	sis.PTSAdjustment = r.Uint64(33)
	sis.CWIndex = uint8(r.Uint32(8))
	sis.Tier = uint16(r.Uint32(12))

	if sis.EncryptedPacket {
		// No decryption in this decoder. cw_index is recorded so a
		// future Decryptor extension can key on it.
		return ErrEncrypted
	}

	spliceCommandLength := int(r.Uint32(12))
	spliceCommandType := uint8(r.Uint32(8))

	var err error
	switch spliceCommandLength {
	case 0xFFF:
		// Legacy signal with unspecified command length. Decode from the
		// remaining bytes and skip what the command consumed.
		r2 := r.Peek()
		sis.SpliceCommand, err = decodeSpliceCommand(spliceCommandType, r2.LeftBytes())
		if err != nil {
			return err
		}
		r.Skip(uint(sis.SpliceCommand.length() * 8))
	default:
		if uint(spliceCommandLength*8) > r.LeftBits() {
			return ErrTruncated
		}
		sis.SpliceCommand, err = decodeSpliceCommand(spliceCommandType, r.Bytes(spliceCommandLength))
		if err != nil {
			return err
		}
	}

	descriptorLoopLength := int(r.Uint32(16))
	if uint(descriptorLoopLength*8) > r.LeftBits() {
		return ErrTruncated
	}
	sis.Descriptors, err = decodeSpliceDescriptors(r.Bytes(descriptorLoopLength))
	if err != nil {
		return err
	}

	// Remaining bits are alignment stuffing plus CRC_32, already verified.
	if err := r.Error(); err != nil {
		return ErrTruncated
	}
	return nil
}

// crc32MPEG2 computes the MPEG-2 section CRC-32
// (polynomial 0x04C11DB7, initial value 0xFFFFFFFF, no final XOR).
func crc32MPEG2(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// verifyCRC32 checks the trailing CRC_32 of a framed section.
func verifyCRC32(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	want := uint32(b[len(b)-4])<<24 | uint32(b[len(b)-3])<<16 |
		uint32(b[len(b)-2])<<8 | uint32(b[len(b)-1])
	return crc32MPEG2(b[:len(b)-4]) == want
}

// TicksToMilliseconds converts 90 kHz ticks to milliseconds, rounding to nearest.
func TicksToMilliseconds(ticks uint64) uint32 {
	return uint32((ticks*1000 + TicksPerSecond/2) / TicksPerSecond)
}

// AdjustPTS returns (pts + adjustment) modulo 2^33.
func AdjustPTS(pts, adjustment uint64) uint64 {
	return (pts + adjustment) % ptsWrap
}
