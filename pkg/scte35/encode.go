// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

import (
	"encoding/base64"

	"github.com/Comcast/gots/v2"
	gotsscte35 "github.com/Comcast/gots/v2/scte35"
)

// SpliceInsertParams collects the fields needed to synthesize a
// splice_insert section, e.g. for operator-triggered cues.
type SpliceInsertParams struct {
	PTSTime                    uint64
	Duration                   uint64 // 90 kHz ticks, 0 means no duration
	SpliceEventID              uint32
	Tier                       uint16
	UniqueProgramID            uint16
	AvailNum                   uint8
	AvailsExpected             uint8
	SpliceEventCancelIndicator bool
	OutOfNetworkIndicator      bool
	SpliceImmediateFlag        bool
	AutoReturn                 bool
}

// CreateSpliceInsertPayload creates a splice_info_section with a
// splice_insert command, including CRC.
func CreateSpliceInsertPayload(p SpliceInsertParams) []byte {
	s := gotsscte35.CreateSCTE35()
	s.SetTier(p.Tier)
	cmd := gotsscte35.CreateSpliceInsertCommand()
	cmd.SetUniqueProgramId(p.UniqueProgramID)
	cmd.SetEventID(p.SpliceEventID)
	cmd.SetAvailNum(p.AvailNum)
	cmd.SetAvailsExpected(p.AvailsExpected)
	cmd.SetIsEventCanceled(p.SpliceEventCancelIndicator)
	if p.Duration != 0 {
		cmd.SetHasDuration(true)
		cmd.SetDuration(gots.PTS(p.Duration))
		cmd.SetIsAutoReturn(p.AutoReturn)
	}
	cmd.SetHasPTS(true)
	cmd.SetPTS(gots.PTS(p.PTSTime))
	cmd.SetIsOut(p.OutOfNetworkIndicator)
	cmd.SetSpliceImmediate(p.SpliceImmediateFlag)
	s.SetCommandInfo(cmd)
	return s.UpdateData()
}

// EncodeBase64SpliceInsert returns the splice_insert payload
// base64-encoded, ready to embed in playlist attributes.
func EncodeBase64SpliceInsert(p SpliceInsertParams) string {
	return base64.StdEncoding.EncodeToString(CreateSpliceInsertPayload(p))
}
