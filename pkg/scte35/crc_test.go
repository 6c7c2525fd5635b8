// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32MPEG2CheckValue(t *testing.T) {
	// Standard check value for CRC-32/MPEG-2.
	assert.Equal(t, uint32(0x0376E6E7), crc32MPEG2([]byte("123456789")))
	assert.Equal(t, uint32(0xFFFFFFFF), crc32MPEG2(nil))
}

func TestVerifyCRC32(t *testing.T) {
	b, err := base64.StdEncoding.DecodeString(
		"/DAvAAAAAAAA///wFAVIAACPf+/+c2nALv4AUsz1AAAAAAAKAAhDVUVJAAABNWLbowo=")
	require.NoError(t, err)
	assert.True(t, verifyCRC32(b))

	flipped := append([]byte{}, b...)
	flipped[10] ^= 0x01
	assert.False(t, verifyCRC32(flipped))

	assert.False(t, verifyCRC32(nil))
	assert.False(t, verifyCRC32([]byte{1, 2, 3}))
}
