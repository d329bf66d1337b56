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
	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/usermem"
)

// Memop operands. The numbering is part of the ABI.
const (
	memopBrk        = 0
	memopSBrk       = 1
	memopMemStart   = 2
	memopMemEnd     = 3
	memopFlashStart = 4
	memopFlashEnd   = 5
)

// memop handles the memop syscall class: moving the app break and querying
// the process's memory layout.
func memop(p *Process, operand, arg0 uint32) abi.SyscallReturn {
	switch operand {
	case memopBrk:
		if err := p.Brk(usermem.Addr(arg0)); err != nil {
			return abi.Failure(abi.ToErrorCode(err))
		}
		return abi.Success()
	case memopSBrk:
		brk, err := p.SBrk(int32(arg0))
		if err != nil {
			return abi.Failure(abi.ToErrorCode(err))
		}
		return abi.SuccessU32(uint32(brk))
	case memopMemStart:
		return abi.SuccessU32(uint32(p.MemoryStart()))
	case memopMemEnd:
		return abi.SuccessU32(uint32(p.MemoryEnd()))
	case memopFlashStart:
		return abi.SuccessU32(uint32(p.FlashStart()))
	case memopFlashEnd:
		return abi.SuccessU32(uint32(p.FlashEnd()))
	default:
		return abi.Failure(abi.NoSupport)
	}
}
