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

// Package abi defines the stable kernel/userspace system call ABI: the
// syscall classes a process may invoke, the decoding of raw trap arguments
// into typed syscall descriptors, and the fixed return-value encoding written
// back onto the process stack.
//
// The return-value layout follows the legacy TRD104 scheme and is treated as
// a frozen wire protocol. Known quirks of that scheme are preserved
// deliberately; do not "fix" them here.
package abi

import (
	"errors"
	"fmt"
)

// ErrorCode is an error returned across the syscall boundary. The numeric
// values are part of the ABI and must not change.
type ErrorCode uint32

// Error codes, in ABI order.
const (
	// Fail is a generic failure condition.
	Fail ErrorCode = iota + 1

	// Busy indicates the underlying system is busy; retry.
	Busy

	// Already indicates the state requested is already set.
	Already

	// Off indicates the component is powered down.
	Off

	// Reserve indicates reservation is required before use.
	Reserve

	// Invalid indicates an invalid parameter was passed.
	Invalid

	// Size indicates a parameter was passed with the wrong size.
	Size

	// Cancel indicates the operation was cancelled.
	Cancel

	// NoMem indicates the memory required is not available.
	NoMem

	// NoSupport indicates the operation is not supported.
	NoSupport

	// NoDevice indicates the addressed device does not exist.
	NoDevice

	// Uninstalled indicates the addressed device is not physically installed.
	Uninstalled

	// NoAck indicates a packet transmission went unacknowledged.
	NoAck
)

// String implements fmt.Stringer.
func (e ErrorCode) String() string {
	switch e {
	case Fail:
		return "FAIL"
	case Busy:
		return "BUSY"
	case Already:
		return "ALREADY"
	case Off:
		return "OFF"
	case Reserve:
		return "RESERVE"
	case Invalid:
		return "INVAL"
	case Size:
		return "SIZE"
	case Cancel:
		return "CANCEL"
	case NoMem:
		return "NOMEM"
	case NoSupport:
		return "NOSUPPORT"
	case NoDevice:
		return "NODEVICE"
	case Uninstalled:
		return "UNINSTALLED"
	case NoAck:
		return "NOACK"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint32(e))
	}
}

// Error implements error, allowing drivers to surface an ErrorCode directly
// through a Go error return.
func (e ErrorCode) Error() string {
	return e.String()
}

// ToErrorCode extracts the ErrorCode wrapped in err, or Fail if err carries
// no code.
func ToErrorCode(err error) ErrorCode {
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return Fail
}
