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

// Package usermem governs access to process memory.
//
// A process owns exactly one RAM window and references one read-only flash
// region. Both are modeled as a Memory: a guest base address plus a backing
// buffer. All accesses are bounds-checked against the window; guest addresses
// are never trusted.
package usermem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WordSize is the guest word size in bytes. The emulated target is a 32-bit
// machine.
const WordSize = 4

var (
	// ErrOutOfRange indicates an access outside the memory window.
	ErrOutOfRange = errors.New("address out of range")

	// ErrMisaligned indicates an access not aligned to the guest word size.
	ErrMisaligned = errors.New("address misaligned")

	// ErrReadOnly indicates a write to read-only memory.
	ErrReadOnly = errors.New("memory is read-only")
)

// Addr represents a guest address.
type Addr uint32

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint32) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// RoundDown returns the address rounded down to the nearest word boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(WordSize-1)
}

// IsWordAligned returns true if v is aligned to the guest word size.
func (v Addr) IsWordAligned() bool {
	return v%WordSize == 0
}

// Memory is a contiguous region of guest memory: a base guest address plus a
// backing buffer. The zero value is an empty region at address zero.
type Memory struct {
	base     Addr
	data     []byte
	readOnly bool
}

// NewMemory returns a writable memory region of size bytes based at base.
func NewMemory(base Addr, size uint32) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

// NewFlash returns a read-only memory region holding the given image.
func NewFlash(base Addr, image []byte) *Memory {
	return &Memory{base: base, data: image, readOnly: true}
}

// Base returns the lowest guest address of the region.
func (m *Memory) Base() Addr {
	return m.base
}

// End returns the guest address one past the region.
func (m *Memory) End() Addr {
	return m.base + Addr(len(m.data))
}

// Size returns the region size in bytes.
func (m *Memory) Size() uint32 {
	return uint32(len(m.data))
}

// ReadOnly returns true if the region rejects writes.
func (m *Memory) ReadOnly() bool {
	return m.readOnly
}

// CheckRange verifies that [addr, addr+length) lies inside the region.
func (m *Memory) CheckRange(addr Addr, length uint32) error {
	end, ok := addr.AddLength(length)
	if !ok || addr < m.base || end > m.End() {
		return fmt.Errorf("%w: [%#x, %#x) not in [%#x, %#x)", ErrOutOfRange, addr, end, m.base, m.End())
	}
	return nil
}

// ReadWord reads the word at the given guest address.
func (m *Memory) ReadWord(addr Addr) (uint32, error) {
	if !addr.IsWordAligned() {
		return 0, fmt.Errorf("%w: %#x", ErrMisaligned, addr)
	}
	if err := m.CheckRange(addr, WordSize); err != nil {
		return 0, err
	}
	off := addr - m.base
	return binary.LittleEndian.Uint32(m.data[off : off+WordSize]), nil
}

// WriteWord writes the word at the given guest address.
func (m *Memory) WriteWord(addr Addr, value uint32) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if !addr.IsWordAligned() {
		return fmt.Errorf("%w: %#x", ErrMisaligned, addr)
	}
	if err := m.CheckRange(addr, WordSize); err != nil {
		return err
	}
	off := addr - m.base
	binary.LittleEndian.PutUint32(m.data[off:off+WordSize], value)
	return nil
}

// ReadByte reads the byte at the given guest address.
func (m *Memory) ReadByte(addr Addr) (byte, error) {
	if err := m.CheckRange(addr, 1); err != nil {
		return 0, err
	}
	return m.data[addr-m.base], nil
}

// WriteByte writes a single byte at the given guest address.
func (m *Memory) WriteByte(addr Addr, value byte) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if err := m.CheckRange(addr, 1); err != nil {
		return err
	}
	m.data[addr-m.base] = value
	return nil
}

// ReadBytes copies length bytes starting at addr into a new slice.
func (m *Memory) ReadBytes(addr Addr, length uint32) ([]byte, error) {
	if err := m.CheckRange(addr, length); err != nil {
		return nil, err
	}
	off := addr - m.base
	out := make([]byte, length)
	copy(out, m.data[off:off+Addr(length)])
	return out, nil
}

// WriteBytes copies data into the region starting at addr.
func (m *Memory) WriteBytes(addr Addr, data []byte) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if err := m.CheckRange(addr, uint32(len(data))); err != nil {
		return err
	}
	copy(m.data[addr-m.base:], data)
	return nil
}
