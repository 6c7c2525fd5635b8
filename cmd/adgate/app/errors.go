// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"errors"
	"fmt"
)

var (
	errNotFound = errors.New("not found")
	errGone     = errors.New("gone")

	// ErrVersionConflict is returned by the state store when a CAS
	// write races another writer.
	ErrVersionConflict = errors.New("version conflict")

	// errNoInventory marks a decision that found nothing to play.
	errNoInventory = errors.New("no inventory")

	// errOriginUnavailable means the origin fetch failed and no
	// last-known-good manifest could be served.
	errOriginUnavailable = errors.New("origin unavailable")

	// errCoordinatorBusy means a channel worker's mailbox was full.
	errCoordinatorBusy = errors.New("coordinator busy")
)

// errInvalidDuration rejects break durations outside the sane range.
type errInvalidDuration struct {
	durationMS int64
}

func (e errInvalidDuration) Error() string {
	return fmt.Sprintf("invalid break duration %dms", e.durationMS)
}

// errPDTOutOfWindow rejects signals whose PDT is too far from now.
type errPDTOutOfWindow struct {
	deltaMS int64
}

func (e errPDTOutOfWindow) Error() string {
	return fmt.Sprintf("signal PDT out of window by %dms", e.deltaMS)
}
