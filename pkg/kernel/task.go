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

	"emberos.dev/ember/pkg/arch"
)

// UpcallID identifies one subscription slot: the driver number plus the
// driver's subscribe number.
type UpcallID struct {
	DriverNum    uint32
	SubscribeNum uint32
}

// String implements fmt.Stringer.
func (id UpcallID) String() string {
	return fmt.Sprintf("%#x:%d", id.DriverNum, id.SubscribeNum)
}

// TaskKind discriminates Task.
type TaskKind int

const (
	// TaskFunctionCall delivers work by invoking a function in userspace.
	TaskFunctionCall TaskKind = iota

	// TaskReturnValue carries the arguments of an upcall whose function
	// pointer is null. It can wake a process blocked in yield-wait-for;
	// a process blocked in plain yield-wait is never woken by one.
	TaskReturnValue
)

// Task is a unit of deferred work owed to a process, queued on its process
// control block until the process is next able to receive it.
type Task struct {
	Kind TaskKind

	// Upcall identifies the subscription that produced this task. It is
	// meaningful only when FromUpcall is true; the function call enqueued
	// at process start has no subscription.
	Upcall     UpcallID
	FromUpcall bool

	// FunctionCall is valid for TaskFunctionCall.
	FunctionCall arch.FunctionCall

	// ReturnArgs is valid for TaskReturnValue.
	ReturnArgs [3]uint32
}

// Upcall is a userspace callback registered with a driver through the
// subscribe syscall. It is plain data; scheduling one performs the checks.
type Upcall struct {
	// Process is the process that registered the upcall. A stale value no
	// longer resolves in the process table once the process restarts.
	Process ProcessID

	// ID is the subscription slot the upcall was registered in.
	ID UpcallID

	// PC is the guest address of the callback. Zero marks the null
	// upcall, which has no function to run.
	PC uint32

	// AppData is an opaque userspace word passed back as the callback's
	// last argument.
	AppData uint32
}

// IsNull returns true if the upcall has no callback function.
func (u Upcall) IsNull() bool {
	return u.PC == 0
}

// Schedule queues the upcall for delivery to p with the given arguments.
// Null upcalls enqueue a bare wakeup value instead of a function call. The
// returned error carries an abi.ErrorCode when the queue is full or the
// process can no longer receive work.
func (u Upcall) Schedule(p *Process, a0, a1, a2 uint32) error {
	var t Task
	if u.IsNull() {
		t = Task{
			Kind:       TaskReturnValue,
			Upcall:     u.ID,
			FromUpcall: true,
			ReturnArgs: [3]uint32{a0, a1, a2},
		}
	} else {
		t = Task{
			Kind:       TaskFunctionCall,
			Upcall:     u.ID,
			FromUpcall: true,
			FunctionCall: arch.FunctionCall{
				PC:   u.PC,
				Args: [4]uint32{a0, a1, a2, u.AppData},
			},
		}
	}
	return p.EnqueueTask(t)
}
