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

// ReturnVariant tags a syscall return value. The values follow the TRD104
// layout: failures are numbered from 0 and successes from 128. Word 0 of the
// encoded return carries the tag, words 1..3 carry the payload, with failure
// variants carrying the error code in word 1.
type ReturnVariant uint32

// Return variant tags, fixed by TRD104.
const (
	ReturnFailure          ReturnVariant = 0
	ReturnFailureU32       ReturnVariant = 1
	ReturnFailureU32U32    ReturnVariant = 2
	ReturnFailureU64       ReturnVariant = 3
	ReturnSuccess          ReturnVariant = 128
	ReturnSuccessU32       ReturnVariant = 129
	ReturnSuccessU32U32    ReturnVariant = 130
	ReturnSuccessU64       ReturnVariant = 131
	ReturnSuccessU32U32U32 ReturnVariant = 132
	ReturnSuccessU64U32    ReturnVariant = 133
)

// returnYieldWaitFor marks the wakeup value delivered to a process blocked
// in yield-wait-for. TRD104 specifies that this value is written without a
// tag word, so the tag never appears on the wire and any out-of-band value
// works here.
const returnYieldWaitFor ReturnVariant = ^ReturnVariant(0)

// SyscallReturn is a syscall return value ready for encoding into the four
// reserved argument slots on the process stack.
type SyscallReturn struct {
	variant ReturnVariant
	payload [3]uint32
}

// Failure returns a bare failure.
func Failure(code ErrorCode) SyscallReturn {
	return SyscallReturn{variant: ReturnFailure, payload: [3]uint32{uint32(code)}}
}

// FailureU32 returns a failure with one data word.
func FailureU32(code ErrorCode, d0 uint32) SyscallReturn {
	return SyscallReturn{variant: ReturnFailureU32, payload: [3]uint32{uint32(code), d0}}
}

// FailureU32U32 returns a failure with two data words.
func FailureU32U32(code ErrorCode, d0, d1 uint32) SyscallReturn {
	return SyscallReturn{variant: ReturnFailureU32U32, payload: [3]uint32{uint32(code), d0, d1}}
}

// FailureU64 returns a failure with one double word. The double word is
// split little-endian across payload words.
func FailureU64(code ErrorCode, d uint64) SyscallReturn {
	return SyscallReturn{variant: ReturnFailureU64, payload: [3]uint32{uint32(code), uint32(d), uint32(d >> 32)}}
}

// Success returns a bare success.
func Success() SyscallReturn {
	return SyscallReturn{variant: ReturnSuccess}
}

// SuccessU32 returns a success with one data word.
func SuccessU32(d0 uint32) SyscallReturn {
	return SyscallReturn{variant: ReturnSuccessU32, payload: [3]uint32{d0}}
}

// SuccessU32U32 returns a success with two data words.
func SuccessU32U32(d0, d1 uint32) SyscallReturn {
	return SyscallReturn{variant: ReturnSuccessU32U32, payload: [3]uint32{d0, d1}}
}

// SuccessU32U32U32 returns a success with three data words.
func SuccessU32U32U32(d0, d1, d2 uint32) SyscallReturn {
	return SyscallReturn{variant: ReturnSuccessU32U32U32, payload: [3]uint32{d0, d1, d2}}
}

// SuccessU64 returns a success with one double word, split little-endian.
func SuccessU64(d uint64) SyscallReturn {
	return SyscallReturn{variant: ReturnSuccessU64, payload: [3]uint32{uint32(d), uint32(d >> 32)}}
}

// SuccessU64U32 returns a success with a double word and a data word.
func SuccessU64U32(d uint64, d2 uint32) SyscallReturn {
	return SyscallReturn{variant: ReturnSuccessU64U32, payload: [3]uint32{uint32(d), uint32(d >> 32), d2}}
}

// YieldWaitForReturn returns the wakeup value for a process blocked in
// yield-wait-for: the three upcall arguments, delivered untagged.
func YieldWaitForReturn(a0, a1, a2 uint32) SyscallReturn {
	return SyscallReturn{variant: returnYieldWaitFor, payload: [3]uint32{a0, a1, a2}}
}

// Variant returns the TRD104 tag.
func (r SyscallReturn) Variant() ReturnVariant {
	return r.variant
}

// IsSuccess returns true for success variants.
func (r SyscallReturn) IsSuccess() bool {
	return r.variant >= ReturnSuccess && r.variant <= ReturnSuccessU64U32
}

// EncodeWords lays the return value out as the four words written to the
// process's reserved stack slots: tag, then payload. Yield-wait-for wakeup
// values have no tag; their data words start at slot 0.
func (r SyscallReturn) EncodeWords() [4]uint32 {
	if r.variant == returnYieldWaitFor {
		return [4]uint32{r.payload[0], r.payload[1], r.payload[2], 0}
	}
	return [4]uint32{uint32(r.variant), r.payload[0], r.payload[1], r.payload[2]}
}

// String implements fmt.Stringer.
func (r SyscallReturn) String() string {
	switch r.variant {
	case ReturnFailure, ReturnFailureU32, ReturnFailureU32U32, ReturnFailureU64:
		return fmt.Sprintf("Failure(%v)", ErrorCode(r.payload[0]))
	case returnYieldWaitFor:
		return fmt.Sprintf("YieldWaitFor(%#x, %#x, %#x)", r.payload[0], r.payload[1], r.payload[2])
	default:
		return fmt.Sprintf("Success(tag=%d)", uint32(r.variant))
	}
}

// CommandReturn is the restriction of SyscallReturn available to drivers
// responding to a command syscall: a bare failure with error code, or a
// success with zero to three data words.
//
// TRD104 leaves one known inconsistency here: some legacy drivers answer a
// command that was specified to return SuccessU32 with a bare Success. The
// encoding preserves whatever the driver produced; dispatch does not
// second-guess it.
type CommandReturn struct {
	ret SyscallReturn
}

// CommandFailure returns a command failure.
func CommandFailure(code ErrorCode) CommandReturn {
	return CommandReturn{ret: Failure(code)}
}

// CommandFailureU32 returns a command failure with one data word.
func CommandFailureU32(code ErrorCode, d0 uint32) CommandReturn {
	return CommandReturn{ret: FailureU32(code, d0)}
}

// CommandSuccess returns a bare command success.
func CommandSuccess() CommandReturn {
	return CommandReturn{ret: Success()}
}

// CommandSuccessU32 returns a command success with one data word.
func CommandSuccessU32(d0 uint32) CommandReturn {
	return CommandReturn{ret: SuccessU32(d0)}
}

// CommandSuccessU32U32 returns a command success with two data words.
func CommandSuccessU32U32(d0, d1 uint32) CommandReturn {
	return CommandReturn{ret: SuccessU32U32(d0, d1)}
}

// CommandSuccessU32U32U32 returns a command success with three data words.
func CommandSuccessU32U32U32(d0, d1, d2 uint32) CommandReturn {
	return CommandReturn{ret: SuccessU32U32U32(d0, d1, d2)}
}

// CommandSuccessU64 returns a command success with one double word.
func CommandSuccessU64(d uint64) CommandReturn {
	return CommandReturn{ret: SuccessU64(d)}
}

// SyscallReturn unwraps the underlying return value.
func (c CommandReturn) SyscallReturn() SyscallReturn {
	return c.ret
}
