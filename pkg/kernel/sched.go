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
	"time"
)

// StoppedExecutingReason tells the scheduler why control returned to it
// after it handed a process to the kernel.
type StoppedExecutingReason int

const (
	// NoWorkLeft means the process has nothing left to do: it blocked
	// with no deliverable task, or it is no longer runnable.
	NoWorkLeft StoppedExecutingReason = iota

	// Stopped means the process was suspended while it was scheduled.
	Stopped

	// TimesliceExpired means the process used up its entire timeslice.
	TimesliceExpired

	// KernelPreemption means the scheduler itself asked for control
	// back, typically to service kernel work.
	KernelPreemption
)

// String implements fmt.Stringer.
func (r StoppedExecutingReason) String() string {
	switch r {
	case NoWorkLeft:
		return "NoWorkLeft"
	case Stopped:
		return "Stopped"
	case TimesliceExpired:
		return "TimesliceExpired"
	case KernelPreemption:
		return "KernelPreemption"
	default:
		return fmt.Sprintf("StoppedExecutingReason(%d)", int(r))
	}
}

// Decision is the scheduler's answer to Next.
type Decision struct {
	// Process is the process to run. Meaningful only when RunProcess is
	// true.
	Process ProcessID

	// Timeslice bounds how long the process may execute before being
	// preempted. Zero grants an unbounded, cooperative slice.
	Timeslice time.Duration

	// RunProcess is false when no process is ready; the kernel should
	// try to put the chip to sleep until an interrupt arrives.
	RunProcess bool
}

// RunProcess builds a decision to run a process.
func RunProcess(id ProcessID, timeslice time.Duration) Decision {
	return Decision{Process: id, Timeslice: timeslice, RunProcess: true}
}

// TrySleep builds a decision to attempt chip sleep.
func TrySleep() Decision {
	return Decision{}
}

// Scheduler decides which process runs and for how long. The kernel's main
// loop is the only caller, so implementations need no locking. The time a
// process spends in the kernel having its syscalls handled is charged to
// the process.
type Scheduler interface {
	// Next picks what to do when the kernel has no pending work of its
	// own. Returning a process that is not ready is allowed; the kernel
	// reports NoWorkLeft back immediately.
	Next() Decision

	// Result informs the scheduler why the process it last handed out
	// stopped executing and how much of its timeslice it consumed. used
	// is zero for cooperative (unbounded) slices.
	Result(reason StoppedExecutingReason, used time.Duration)

	// ContinueProcess is consulted between traps while a process is
	// scheduled: returning false yields control back to the kernel loop
	// without charging a full preemption. interruptsPending reports
	// whether chip interrupts are waiting for service.
	ContinueProcess(id ProcessID, interruptsPending bool) bool
}
