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

package x86

import (
	"fmt"

	"emberos.dev/ember/pkg/usermem"
)

// Stack slot layout: slot index i lives at ESP + 4*i. At syscall time the
// process's four arguments occupy slots 0..3; syscall return values are
// written back over the same slots. Upcall delivery writes its arguments
// into the slots and then pushes a return address below them.

// stackSlotAddr computes the guest address of stack slot index and verifies
// it lies entirely within [mem.Base(), appBrk) and is word aligned. The
// stack pointer comes from the process and is never trusted.
func (s *StoredState) stackSlotAddr(index int, mem *usermem.Memory, appBrk usermem.Addr) (usermem.Addr, error) {
	if index < 0 {
		return 0, fmt.Errorf("%w: negative stack slot %d", usermem.ErrOutOfRange, index)
	}
	addr, ok := usermem.Addr(s.ESP).AddLength(uint32(index) * usermem.WordSize)
	if !ok {
		return 0, fmt.Errorf("%w: stack slot %d overflows", usermem.ErrOutOfRange, index)
	}
	if !addr.IsWordAligned() {
		return 0, fmt.Errorf("%w: stack slot %d at %#x", usermem.ErrMisaligned, index, addr)
	}
	end, ok := addr.AddLength(usermem.WordSize)
	if !ok || addr < mem.Base() || end > appBrk || appBrk > mem.End() {
		return 0, fmt.Errorf("%w: stack slot %d at %#x not in [%#x, %#x)", usermem.ErrOutOfRange, index, addr, mem.Base(), appBrk)
	}
	return addr, nil
}

// ReadStackWord reads the index-th word above the current stack pointer.
// Callers typically substitute zero on error: syscall arguments beyond what
// the process provided are defined to be zero.
func (s *StoredState) ReadStackWord(index int, mem *usermem.Memory, appBrk usermem.Addr) (uint32, error) {
	addr, err := s.stackSlotAddr(index, mem, appBrk)
	if err != nil {
		return 0, err
	}
	return mem.ReadWord(addr)
}

// WriteStackWord writes the index-th word above the current stack pointer.
// It fails closed: if the target address is outside the process's memory no
// write occurs.
func (s *StoredState) WriteStackWord(index int, value uint32, mem *usermem.Memory, appBrk usermem.Addr) error {
	addr, err := s.stackSlotAddr(index, mem, appBrk)
	if err != nil {
		return err
	}
	return mem.WriteWord(addr, value)
}
