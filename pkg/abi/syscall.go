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

package abi

import "fmt"

// Class identifies one of the syscall classes a process may invoke. The
// numeric values are read straight out of the trap frame and are part of the
// ABI.
type Class uint32

// Syscall classes, in ABI order.
const (
	ClassYield Class = iota
	ClassSubscribe
	ClassCommand
	ClassReadWriteAllow
	ClassReadOnlyAllow
	ClassMemop
	ClassExit
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassYield:
		return "yield"
	case ClassSubscribe:
		return "subscribe"
	case ClassCommand:
		return "command"
	case ClassReadWriteAllow:
		return "allow-rw"
	case ClassReadOnlyAllow:
		return "allow-ro"
	case ClassMemop:
		return "memop"
	case ClassExit:
		return "exit"
	default:
		return fmt.Sprintf("Class(%d)", uint32(c))
	}
}

// YieldVariant selects the behavior of a yield syscall.
type YieldVariant uint32

// Yield variants, in ABI order.
const (
	// YieldNoWait triggers any pending upcalls but does not block.
	YieldNoWait YieldVariant = iota

	// YieldWait blocks until an upcall is ready to deliver.
	YieldWait

	// YieldWaitFor blocks until one specific upcall is ready, and delivers
	// its values without invoking the registered callback.
	YieldWaitFor
)

// Syscall is a decoded system call descriptor. Exactly one concrete type
// below is produced per trap.
type Syscall interface {
	// Class returns the syscall class this descriptor decodes.
	Class() Class
}

// Yield voluntarily suspends the process until an upcall is ready.
type Yield struct {
	// Which selects the yield variant. Values outside YieldVariant are
	// rejected during dispatch, not during decode.
	Which uint32

	// ParamA is variant specific: for YieldNoWait, the address of a flag
	// byte receiving "were upcalls delivered"; for YieldWaitFor, a driver
	// number.
	ParamA uint32

	// ParamB is variant specific: for YieldWaitFor, a subscribe number.
	ParamB uint32
}

// Subscribe registers an upcall with a driver.
type Subscribe struct {
	DriverNum    uint32
	SubscribeNum uint32
	UpcallPtr    uint32
	AppData      uint32
}

// Command invokes a synchronous driver-specific operation.
type Command struct {
	DriverNum  uint32
	CommandNum uint32
	Arg0       uint32
	Arg1       uint32
}

// ReadWriteAllow shares a writable process buffer with a driver.
type ReadWriteAllow struct {
	DriverNum uint32
	AllowNum  uint32
	Addr      uint32
	Size      uint32
}

// ReadOnlyAllow shares a read-only process buffer with a driver.
type ReadOnlyAllow struct {
	DriverNum uint32
	AllowNum  uint32
	Addr      uint32
	Size      uint32
}

// Memop invokes a core memory operation (brk, sbrk, region queries).
type Memop struct {
	Operand uint32
	Arg0    uint32
}

// Exit terminates or restarts the calling process.
type Exit struct {
	Which          uint32
	CompletionCode uint32
}

// Class implements Syscall.Class.
func (Yield) Class() Class { return ClassYield }

// Class implements Syscall.Class.
func (Subscribe) Class() Class { return ClassSubscribe }

// Class implements Syscall.Class.
func (Command) Class() Class { return ClassCommand }

// Class implements Syscall.Class.
func (ReadWriteAllow) Class() Class { return ClassReadWriteAllow }

// Class implements Syscall.Class.
func (ReadOnlyAllow) Class() Class { return ClassReadOnlyAllow }

// Class implements Syscall.Class.
func (Memop) Class() Class { return ClassMemop }

// Class implements Syscall.Class.
func (Exit) Class() Class { return ClassExit }

// DecodeSyscall assembles a syscall class number and four raw arguments into
// a typed descriptor. It returns false if the class number does not name a
// syscall; the caller treats that as a process fault. Arguments beyond those
// a class consumes are ignored, and arguments the process failed to provide
// are defined to be zero by the caller.
func DecodeSyscall(class, a0, a1, a2, a3 uint32) (Syscall, bool) {
	switch Class(class) {
	case ClassYield:
		return Yield{Which: a0, ParamA: a1, ParamB: a2}, true
	case ClassSubscribe:
		return Subscribe{DriverNum: a0, SubscribeNum: a1, UpcallPtr: a2, AppData: a3}, true
	case ClassCommand:
		return Command{DriverNum: a0, CommandNum: a1, Arg0: a2, Arg1: a3}, true
	case ClassReadWriteAllow:
		return ReadWriteAllow{DriverNum: a0, AllowNum: a1, Addr: a2, Size: a3}, true
	case ClassReadOnlyAllow:
		return ReadOnlyAllow{DriverNum: a0, AllowNum: a1, Addr: a2, Size: a3}, true
	case ClassMemop:
		return Memop{Operand: a0, Arg0: a1}, true
	case ClassExit:
		return Exit{Which: a0, CompletionCode: a1}, true
	default:
		return nil, false
	}
}
