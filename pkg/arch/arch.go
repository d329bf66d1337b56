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

// Package arch provides abstractions around architecture-dependent details
// of the userspace/kernel boundary: saved process state, the privilege-mode
// switch, and the delivery of syscall return values and upcalls.
//
// Exactly one component in the system is permitted to perform the actual
// mode transition, and this package defines its interface. Each architecture
// supplies one Boundary implementation; all pointer arithmetic for process
// stack access is centralized in the architecture's stack helpers.
package arch

import (
	"io"

	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/usermem"
)

// ProcessState is the architecture-specific saved register state of one
// process. It is exclusively owned by the process control block and mutated
// only by the Boundary, never while the process is executing.
//
// Implementations are concrete register files; the Boundary implementation
// for an architecture asserts the concrete type and panics on mismatch,
// since mixing state across architectures is a kernel bug.
type ProcessState interface {
	// LatchedFault returns the latched exception vector and error code.
	// Both are zero when no fault is latched. A state with a nonzero
	// latched fault must never be resumed.
	LatchedFault() (vector, code uint32)
}

// FunctionCall asks the Boundary to set up a process stack frame that will
// invoke a userspace callback on next resume.
type FunctionCall struct {
	// PC is the entry address of the callback.
	PC uint32

	// Args are the four word-sized callback arguments.
	Args [4]uint32
}

// ContextSwitchReason is why the process stopped executing and the kernel
// regained control. Exactly one reason is produced per switch.
type ContextSwitchReason interface {
	contextSwitchReason()
}

// ContextSwitchFault indicates the process trapped into an unrecoverable
// architectural exception.
type ContextSwitchFault struct{}

// ContextSwitchSyscall indicates the process executed a system call trap.
type ContextSwitchSyscall struct {
	// Syscall is the decoded syscall descriptor.
	Syscall abi.Syscall
}

// ContextSwitchInterrupted indicates an external interrupt arrived while
// user code was executing. No process-visible effect is implied.
type ContextSwitchInterrupted struct{}

func (ContextSwitchFault) contextSwitchReason()       {}
func (ContextSwitchSyscall) contextSwitchReason()     {}
func (ContextSwitchInterrupted) contextSwitchReason() {}

// Boundary performs privilege-mode transitions between the kernel and a
// user process. All operations are parameterized by the process's memory
// window [mem.Base(), appBrk) and its saved state.
//
// The kernel loop serializes calls per process: a return value or function
// call set for a process must be complete before the next SwitchToProcess
// for that process, and SetProcessFunction may only be invoked while the
// process is idle.
type Boundary interface {
	// InitialProcessAppBrkSize returns the minimum number of bytes a
	// fresh process must have between its memory start and app break
	// before it can run. This is a fixed architectural constant.
	InitialProcessAppBrkSize() uint32

	// InitializeProcess resets the saved state so the process can start
	// executing for the first time. It fails with a memory-layout error,
	// leaving state untouched, if the window is smaller than
	// InitialProcessAppBrkSize. The program counter is deliberately left
	// at zero; it is set later via SetProcessFunction.
	InitializeProcess(mem *usermem.Memory, appBrk usermem.Addr, state ProcessState) error

	// SetSyscallReturnValue encodes ret into the reserved argument slots
	// on the process stack, where the calling convention places syscall
	// results. It propagates stack-write errors.
	SetSyscallReturnValue(mem *usermem.Memory, appBrk usermem.Addr, state ProcessState, ret abi.SyscallReturn) error

	// SetProcessFunction prepares the process to run fn on next resume:
	// arguments in the reserved slots, the previous program counter
	// pushed as the callback's return address, and the saved program
	// counter replaced with the callback entry.
	SetProcessFunction(mem *usermem.Memory, appBrk usermem.Addr, state ProcessState, fn FunctionCall) error

	// SwitchToProcess switches into user mode and does not return until
	// a trap occurs. If the state has a latched fault it refuses to
	// switch and reports ContextSwitchFault without altering any
	// register. It always returns the post-switch stack pointer.
	SwitchToProcess(mem *usermem.Memory, appBrk usermem.Addr, state ProcessState) (ContextSwitchReason, usermem.Addr)

	// PrintContext writes a diagnostic dump of the saved state to w. It
	// is best effort and must not panic regardless of state content.
	PrintContext(mem *usermem.Memory, appBrk usermem.Addr, state ProcessState, w io.Writer)
}
