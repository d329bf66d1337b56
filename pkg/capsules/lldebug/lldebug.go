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

// Package lldebug provides the low-level debug capsule: a driver that lets
// apps print numbers before they have any other I/O working.
package lldebug

import (
	"fmt"
	"io"

	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/kernel"
)

// DriverNum is the driver number apps address this capsule with.
const DriverNum = 0x8

// Commands.
const (
	CmdExists   = 0
	CmdPrintOne = 1
	CmdPrintTwo = 2
)

// LowLevelDebug writes app-supplied numbers to a console writer. It has no
// subscriptions and no buffers; everything rides in command arguments.
type LowLevelDebug struct {
	w io.Writer
}

var _ kernel.SyscallDriver = (*LowLevelDebug)(nil)

// New returns a capsule printing to w.
func New(w io.Writer) *LowLevelDebug {
	return &LowLevelDebug{w: w}
}

// Subscribe implements kernel.SyscallDriver.Subscribe.
func (*LowLevelDebug) Subscribe(uint32, kernel.Upcall) (kernel.Upcall, error) {
	return kernel.Upcall{}, abi.NoSupport
}

// Command implements kernel.SyscallDriver.Command.
func (d *LowLevelDebug) Command(commandNum, arg0, arg1 uint32, pid kernel.ProcessID) abi.CommandReturn {
	switch commandNum {
	case CmdExists:
		return abi.CommandSuccess()
	case CmdPrintOne:
		fmt.Fprintf(d.w, "App %v debug: %#x\n", pid, arg0)
		return abi.CommandSuccess()
	case CmdPrintTwo:
		fmt.Fprintf(d.w, "App %v debug: %#x %#x\n", pid, arg0, arg1)
		return abi.CommandSuccess()
	default:
		return abi.CommandFailure(abi.NoSupport)
	}
}

// AllowReadWrite implements kernel.SyscallDriver.AllowReadWrite.
func (*LowLevelDebug) AllowReadWrite(kernel.ProcessID, uint32, uint32, uint32) (uint32, uint32, error) {
	return 0, 0, abi.NoSupport
}

// AllowReadOnly implements kernel.SyscallDriver.AllowReadOnly.
func (*LowLevelDebug) AllowReadOnly(kernel.ProcessID, uint32, uint32, uint32) (uint32, uint32, error) {
	return 0, 0, abi.NoSupport
}
