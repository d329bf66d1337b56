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

package kernel

import (
	"fmt"

	"emberos.dev/ember/pkg/abi"
)

// SyscallDriver is implemented by peripheral capsules reachable through the
// driver-addressed syscall classes. Methods run on the kernel loop; they
// must not block. Errors returned from Subscribe and the Allow methods
// should carry an abi.ErrorCode; anything else is reported to userspace as
// a generic failure.
type SyscallDriver interface {
	// Subscribe registers upcall in the given subscription slot and
	// returns the previously registered upcall. A null upcall clears the
	// slot. The buffer and pointer validation has already happened by
	// the time this is called.
	Subscribe(subscribeNum uint32, upcall Upcall) (Upcall, error)

	// Command invokes a driver-specific synchronous operation.
	Command(commandNum, arg0, arg1 uint32, pid ProcessID) abi.CommandReturn

	// AllowReadWrite shares a writable process buffer with the driver
	// and returns the previously shared buffer's address and size.
	AllowReadWrite(pid ProcessID, allowNum uint32, addr, size uint32) (prevAddr, prevSize uint32, err error)

	// AllowReadOnly is AllowReadWrite for read-only buffers.
	AllowReadOnly(pid ProcessID, allowNum uint32, addr, size uint32) (prevAddr, prevSize uint32, err error)
}

// SyscallFilter screens driver-addressed syscalls before dispatch. Yield,
// Exit, and Memop are never filtered. A non-nil error rejects the syscall;
// the process receives a failure with the error's code and keeps its
// timeslice.
type SyscallFilter interface {
	FilterSyscall(pid ProcessID, sc abi.Syscall) error
}

// DriverRegistry maps driver numbers to capsules. Registration happens at
// board construction time, before the kernel loop starts; lookups happen on
// the loop.
type DriverRegistry struct {
	drivers map[uint32]SyscallDriver
}

// NewDriverRegistry returns an empty registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{drivers: make(map[uint32]SyscallDriver)}
}

// Register adds a driver under num. Registering the same number twice is a
// board wiring bug and panics.
func (r *DriverRegistry) Register(num uint32, d SyscallDriver) {
	if _, ok := r.drivers[num]; ok {
		panic(fmt.Sprintf("driver %#x registered twice", num))
	}
	r.drivers[num] = d
}

// Lookup resolves a driver number.
func (r *DriverRegistry) Lookup(num uint32) (SyscallDriver, bool) {
	d, ok := r.drivers[num]
	return d, ok
}
