// Copyright 2025 The Ember Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors returned by TBF header parsing.
var (
	ErrNotTBF      = errors.New("not a TBF header")
	ErrBadChecksum = errors.New("TBF checksum mismatch")
	ErrTruncated   = errors.New("TBF header truncated")
)

// TBF header framing constants.
const (
	// tbfVersion is the app binary format version this loader speaks.
	tbfVersion = 2

	// tbfBaseLen is the fixed prefix before the TLV elements: version,
	// header size, total size, flags, checksum.
	tbfBaseLen = 16

	// TLV element types.
	tlvMain        = 1
	tlvPackageName = 3

	// FlagEnabled marks an app the loader should start.
	FlagEnabled = 1 << 0
)

// TBFHeader is the parsed header of one app binary. The binary occupies
// TotalSize bytes of flash, beginning with the header itself; executable
// code starts at InitOffset from the binary's base.
type TBFHeader struct {
	HeaderSize uint16
	TotalSize  uint32
	Flags      uint32

	// Main element.
	InitOffset     uint32
	ProtectedSize  uint32
	MinimumRAMSize uint32

	// PackageName is empty if the binary carries no name element.
	PackageName string
}

// Enabled returns whether the loader should start this app.
func (h *TBFHeader) Enabled() bool {
	return h.Flags&FlagEnabled != 0
}

// checksumTBF XORs the header as little-endian words, zero-padding a
// ragged tail, with the checksum field itself read as zero.
func checksumTBF(header []byte) uint32 {
	var sum uint32
	for off := 0; off < len(header); off += 4 {
		var word [4]byte
		copy(word[:], header[off:])
		if off == 12 {
			// Checksum field.
			continue
		}
		sum ^= binary.LittleEndian.Uint32(word[:])
	}
	return sum
}

// ParseTBFHeader parses one header from the start of data, which must hold
// at least the whole header. The remainder of the app binary is not
// examined.
func ParseTBFHeader(data []byte) (*TBFHeader, error) {
	if len(data) < tbfBaseLen {
		return nil, ErrTruncated
	}
	if binary.LittleEndian.Uint16(data[0:2]) != tbfVersion {
		return nil, ErrNotTBF
	}
	h := &TBFHeader{
		HeaderSize: binary.LittleEndian.Uint16(data[2:4]),
		TotalSize:  binary.LittleEndian.Uint32(data[4:8]),
		Flags:      binary.LittleEndian.Uint32(data[8:12]),
	}
	if int(h.HeaderSize) < tbfBaseLen || uint32(h.HeaderSize) > h.TotalSize {
		return nil, ErrNotTBF
	}
	if len(data) < int(h.HeaderSize) {
		return nil, ErrTruncated
	}
	header := data[:h.HeaderSize]
	if checksumTBF(header) != binary.LittleEndian.Uint32(data[12:16]) {
		return nil, ErrBadChecksum
	}

	// Walk the TLV elements.
	rest := header[tbfBaseLen:]
	sawMain := false
	for len(rest) >= 4 {
		typ := binary.LittleEndian.Uint16(rest[0:2])
		length := int(binary.LittleEndian.Uint16(rest[2:4]))
		rest = rest[4:]
		if len(rest) < length {
			return nil, ErrTruncated
		}
		body := rest[:length]
		rest = rest[length:]

		switch typ {
		case tlvMain:
			if length < 12 {
				return nil, fmt.Errorf("%w: short main element", ErrNotTBF)
			}
			h.InitOffset = binary.LittleEndian.Uint32(body[0:4])
			h.ProtectedSize = binary.LittleEndian.Uint32(body[4:8])
			h.MinimumRAMSize = binary.LittleEndian.Uint32(body[8:12])
			sawMain = true
		case tlvPackageName:
			h.PackageName = string(body)
		default:
			// Unknown elements are skipped, not rejected; newer
			// toolchains add elements old kernels ignore.
		}
	}
	if !sawMain {
		return nil, fmt.Errorf("%w: no main element", ErrNotTBF)
	}
	return h, nil
}

// EncodeTBFHeader serializes h with a correct checksum. Used by the image
// assembler and by tests; HeaderSize is computed, TotalSize is taken as
// given.
func EncodeTBFHeader(h *TBFHeader) []byte {
	name := []byte(h.PackageName)
	nameLen := len(name)
	headerSize := tbfBaseLen + 4 + 12
	if nameLen > 0 {
		headerSize += 4 + nameLen
	}
	// Word-align so back-to-back headers keep their words aligned.
	for headerSize%4 != 0 {
		headerSize++
	}

	out := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(out[0:2], tbfVersion)
	binary.LittleEndian.PutUint16(out[2:4], uint16(headerSize))
	binary.LittleEndian.PutUint32(out[4:8], h.TotalSize)
	binary.LittleEndian.PutUint32(out[8:12], h.Flags)

	off := tbfBaseLen
	binary.LittleEndian.PutUint16(out[off:], tlvMain)
	binary.LittleEndian.PutUint16(out[off+2:], 12)
	binary.LittleEndian.PutUint32(out[off+4:], h.InitOffset)
	binary.LittleEndian.PutUint32(out[off+8:], h.ProtectedSize)
	binary.LittleEndian.PutUint32(out[off+12:], h.MinimumRAMSize)
	off += 4 + 12

	if nameLen > 0 {
		binary.LittleEndian.PutUint16(out[off:], tlvPackageName)
		binary.LittleEndian.PutUint16(out[off+2:], uint16(nameLen))
		copy(out[off+4:], name)
	}

	binary.LittleEndian.PutUint32(out[12:16], checksumTBF(out))
	return out
}
