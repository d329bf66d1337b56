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
	"errors"
	"fmt"
	"io"

	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/arch"
	"emberos.dev/ember/pkg/usermem"
)

const (
	// reservedArgBytes is the reserved argument region: four word-sized
	// slots below the app break, shared by syscall returns and upcall
	// arguments.
	reservedArgBytes = 4 * usermem.WordSize

	// initialAppBrkSize is the minimum bytes a fresh process needs
	// reserved before it can run: the argument slots, the slot for the
	// initial upcall's pushed return address, and scratch space for the
	// first few system calls.
	initialAppBrkSize = reservedArgBytes + usermem.WordSize + 4*usermem.WordSize
)

// ErrInsufficientMemory indicates a process was given less memory than the
// architecture requires before it can run.
var ErrInsufficientMemory = errors.New("process memory window too small")

// Trap describes why control returned from user mode: a vector number and,
// for exceptions that provide one, an error code.
type Trap struct {
	Vector  uint32
	ErrCode uint32
}

// Trampoline performs the actual mode transition into user code. Run does
// not return until a trap occurs. Implementations are the emulated machine
// in production and scripted fakes in tests.
type Trampoline interface {
	Run(mem *usermem.Memory, appBrk usermem.Addr, state *StoredState) Trap
}

// SyscallBoundary implements arch.Boundary for the emulated 32-bit x86
// target.
type SyscallBoundary struct {
	tramp Trampoline
}

var _ arch.Boundary = (*SyscallBoundary)(nil)

// NewSyscallBoundary returns a boundary that transitions into user mode via
// tramp.
func NewSyscallBoundary(tramp Trampoline) *SyscallBoundary {
	return &SyscallBoundary{tramp: tramp}
}

// stateOf asserts the concrete state type. Handing this boundary a foreign
// architecture's state is a kernel bug, not a recoverable error.
func stateOf(state arch.ProcessState) *StoredState {
	s, ok := state.(*StoredState)
	if !ok {
		panic(fmt.Sprintf("x86 boundary given foreign process state %T", state))
	}
	return s
}

// InitialProcessAppBrkSize implements arch.Boundary.InitialProcessAppBrkSize.
func (b *SyscallBoundary) InitialProcessAppBrkSize() uint32 {
	return initialAppBrkSize
}

// InitializeProcess implements arch.Boundary.InitializeProcess.
//
// On the error path the state is left untouched; on success every register
// is reset. The program counter stays at zero until SetProcessFunction
// provides the process entry.
func (b *SyscallBoundary) InitializeProcess(mem *usermem.Memory, appBrk usermem.Addr, state arch.ProcessState) error {
	s := stateOf(state)
	if appBrk < mem.Base() || appBrk > mem.End() {
		return fmt.Errorf("%w: app break %#x outside [%#x, %#x]", usermem.ErrOutOfRange, appBrk, mem.Base(), mem.End())
	}
	if !appBrk.IsWordAligned() {
		return fmt.Errorf("%w: app break %#x", usermem.ErrMisaligned, appBrk)
	}
	if uint32(appBrk-mem.Base()) < initialAppBrkSize {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrInsufficientMemory, uint32(appBrk-mem.Base()), initialAppBrkSize)
	}
	*s = StoredState{
		ESP:    uint32(appBrk) - reservedArgBytes,
		EFLAGS: eflagsReserved | eflagsIF,
		CS:     UserCodeSelector,
		SS:     UserDataSelector,
		DS:     UserDataSelector,
		ES:     UserDataSelector,
		FS:     UserDataSelector,
		GS:     UserDataSelector,
	}
	return nil
}

// SetSyscallReturnValue implements arch.Boundary.SetSyscallReturnValue.
func (b *SyscallBoundary) SetSyscallReturnValue(mem *usermem.Memory, appBrk usermem.Addr, state arch.ProcessState, ret abi.SyscallReturn) error {
	s := stateOf(state)
	words := ret.EncodeWords()
	for i, w := range words {
		if err := s.WriteStackWord(i, w, mem, appBrk); err != nil {
			return err
		}
	}
	return nil
}

// SetProcessFunction implements arch.Boundary.SetProcessFunction.
//
// The callback's arguments reuse the reserved syscall-return slots; the
// caller guarantees the process is idle so no live return value is
// clobbered. The previous program counter is pushed as the callback's
// return address, so that the callback's own return resumes the process
// exactly where it stopped.
func (b *SyscallBoundary) SetProcessFunction(mem *usermem.Memory, appBrk usermem.Addr, state arch.ProcessState, fn arch.FunctionCall) error {
	s := stateOf(state)
	for i, a := range fn.Args {
		if err := s.WriteStackWord(i, a, mem, appBrk); err != nil {
			return err
		}
	}
	sp := s.ESP
	s.ESP = sp - usermem.WordSize
	if err := s.WriteStackWord(0, s.EIP, mem, appBrk); err != nil {
		s.ESP = sp
		return err
	}
	s.EIP = fn.PC
	return nil
}

// SwitchToProcess implements arch.Boundary.SwitchToProcess.
func (b *SyscallBoundary) SwitchToProcess(mem *usermem.Memory, appBrk usermem.Addr, state arch.ProcessState) (arch.ContextSwitchReason, usermem.Addr) {
	s := stateOf(state)

	// Refuse to resume unrecoverable state. No register is altered and
	// the trampoline is never invoked.
	if vector, code := s.LatchedFault(); vector != 0 || code != 0 {
		return arch.ContextSwitchFault{}, usermem.Addr(s.ESP)
	}

	trap := b.tramp.Run(mem, appBrk, s)
	sp := usermem.Addr(s.ESP)

	switch {
	case trap.Vector < numExceptionVectors:
		// Latch the fault so any future attempt to resume this state
		// is refused.
		s.Exception = trap.Vector
		s.ErrCode = trap.ErrCode
		return arch.ContextSwitchFault{}, sp

	case trap.Vector == VectorSyscall:
		// The syscall class is in EAX; up to four arguments sit in
		// the reserved stack slots. Arguments the process did not
		// provide read back as zero rather than faulting the kernel.
		var args [4]uint32
		for i := range args {
			if w, err := s.ReadStackWord(i, mem, appBrk); err == nil {
				args[i] = w
			}
		}
		syscall, ok := abi.DecodeSyscall(s.EAX, args[0], args[1], args[2], args[3])
		if !ok {
			return arch.ContextSwitchFault{}, sp
		}
		return arch.ContextSwitchSyscall{Syscall: syscall}, sp

	default:
		return arch.ContextSwitchInterrupted{}, sp
	}
}

// PrintContext implements arch.Boundary.PrintContext. Best-effort only;
// write errors are ignored.
func (b *SyscallBoundary) PrintContext(mem *usermem.Memory, appBrk usermem.Addr, state arch.ProcessState, w io.Writer) {
	s := stateOf(state)
	fmt.Fprintf(w, "\n EAX : %#010x    ESI : %#010x\n", s.EAX, s.ESI)
	fmt.Fprintf(w, " EBX : %#010x    EDI : %#010x\n", s.EBX, s.EDI)
	fmt.Fprintf(w, " ECX : %#010x    EBP : %#010x\n", s.ECX, s.EBP)
	fmt.Fprintf(w, " EDX : %#010x    ESP : %#010x\n", s.EDX, s.ESP)
	fmt.Fprintf(w, " EIP : %#010x EFLAGS : %#010x\n", s.EIP, s.EFLAGS)
	fmt.Fprintf(w, " CS  : %#06x SS : %#06x DS : %#06x ES : %#06x FS : %#06x GS : %#06x\n",
		s.CS, s.SS, s.DS, s.ES, s.FS, s.GS)
	fmt.Fprintf(w, " Exception : %d (err code %#x)\n", s.Exception, s.ErrCode)
	fmt.Fprintf(w, " Memory    : [%#010x, %#010x) app break %#010x\n", mem.Base(), mem.End(), appBrk)
}
