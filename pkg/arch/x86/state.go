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

// Package x86 implements the userspace/kernel boundary for the emulated
// 32-bit x86 target.
//
// Syscall arguments and return values travel through four reserved
// word-sized slots on the process's own stack rather than through a register
// ABI. A process blocked in yield has no live syscall return value, so
// upcall delivery reuses the exact same slots; the price is that every slot
// access must be bounds-checked against the process's memory window.
package x86

import "fmt"

// Segment selector values loaded for user-mode execution.
const (
	// UserCodeSelector is the user code segment selector (GDT entry 3,
	// RPL 3).
	UserCodeSelector = 0x1b

	// UserDataSelector is the user data/stack segment selector (GDT
	// entry 4, RPL 3).
	UserDataSelector = 0x23
)

// EFLAGS bits the boundary cares about.
const (
	// eflagsReserved is bit 1, architecturally always set.
	eflagsReserved = 0x2

	// eflagsIF is the interrupt enable flag.
	eflagsIF = 0x200
)

// Trap vector assignments.
const (
	// numExceptionVectors is the number of reserved low vectors. Any
	// trap in [0, numExceptionVectors) is an architectural exception and
	// faults the process.
	numExceptionVectors = 32

	// VectorSyscall is the trap vector reserved for system calls.
	VectorSyscall = 0x40
)

// StoredState holds all of the CPU state the kernel must keep for a process
// while the process is not executing. It is reinitialized, not merely
// zeroed, whenever a process image is loaded.
type StoredState struct {
	// General-purpose registers. EAX doubles as the syscall class number
	// on a syscall trap.
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// ESP is the user-mode stack pointer.
	ESP uint32

	// EIP is the program counter.
	EIP uint32

	// EFLAGS is the processor status register.
	EFLAGS uint32

	// Segment selectors.
	CS uint16
	SS uint16
	DS uint16
	ES uint16
	FS uint16
	GS uint16

	// Exception and ErrCode latch the most recent unrecoverable fault.
	// Both are zero when no fault is latched; the boundary refuses to
	// resume a state with either field nonzero.
	Exception uint32
	ErrCode   uint32
}

// LatchedFault implements arch.ProcessState.LatchedFault.
func (s *StoredState) LatchedFault() (vector, code uint32) {
	return s.Exception, s.ErrCode
}

// String implements fmt.Stringer. It is a one-line summary; PrintContext
// produces the full dump.
func (s *StoredState) String() string {
	return fmt.Sprintf("eip=%#08x esp=%#08x exception=%d err=%#x", s.EIP, s.ESP, s.Exception, s.ErrCode)
}
