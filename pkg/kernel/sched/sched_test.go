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

package sched

import (
	"io"
	"testing"
	"time"

	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/arch"
	"emberos.dev/ember/pkg/kernel"
	"emberos.dev/ember/pkg/usermem"
)

// idleBoundary is the minimal boundary needed to populate a process table.
type idleBoundary struct{}

type idleState struct{}

func (idleState) LatchedFault() (uint32, uint32) { return 0, 0 }

func (idleBoundary) InitialProcessAppBrkSize() uint32 { return 16 }

func (idleBoundary) InitializeProcess(*usermem.Memory, usermem.Addr, arch.ProcessState) error {
	return nil
}

func (idleBoundary) SetSyscallReturnValue(*usermem.Memory, usermem.Addr, arch.ProcessState, abi.SyscallReturn) error {
	return nil
}

func (idleBoundary) SetProcessFunction(*usermem.Memory, usermem.Addr, arch.ProcessState, arch.FunctionCall) error {
	return nil
}

func (idleBoundary) SwitchToProcess(*usermem.Memory, usermem.Addr, arch.ProcessState) (arch.ContextSwitchReason, usermem.Addr) {
	return arch.ContextSwitchInterrupted{}, 0
}

func (idleBoundary) PrintContext(*usermem.Memory, usermem.Addr, arch.ProcessState, io.Writer) {}

// newTestTable fills n of the table's 4 slots with ready processes.
func newTestTable(t *testing.T, n int) (*kernel.ProcessTable, []kernel.ProcessID) {
	t.Helper()
	table := kernel.NewProcessTable(4)
	ids := make([]kernel.ProcessID, 0, n)
	for i := 0; i < n; i++ {
		p, err := table.Insert(kernel.ProcessConfig{
			Name:     "app",
			Boundary: idleBoundary{},
			State:    idleState{},
			Memory:   usermem.NewMemory(0x20000000, 256),
			AppBrk:   0x20000000 + 64,
			Flash:    usermem.NewFlash(0x40000, make([]byte, 64)),
		})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		ids = append(ids, p.ID())
	}
	return table, ids
}

func TestRoundRobinRotation(t *testing.T) {
	table, ids := newTestTable(t, 3)
	rr := NewRoundRobin(table, 10*time.Millisecond)

	// Two full rotations: each ready process exactly once per rotation,
	// in slot order.
	want := []kernel.ProcessID{ids[0], ids[1], ids[2], ids[0], ids[1], ids[2]}
	for i, w := range want {
		d := rr.Next()
		if !d.RunProcess {
			t.Fatalf("grant %d: got TrySleep, want %v", i, w)
		}
		if d.Process != w {
			t.Errorf("grant %d: got %v, want %v", i, d.Process, w)
		}
		if d.Timeslice != 10*time.Millisecond {
			t.Errorf("grant %d: timeslice %v, want 10ms", i, d.Timeslice)
		}
		rr.Result(kernel.NoWorkLeft, d.Timeslice)
	}
}

func TestRoundRobinSkipsNotReady(t *testing.T) {
	table, ids := newTestTable(t, 3)
	// Exhaust the middle process's work.
	table.Get(ids[1]).Terminate(0)

	rr := NewRoundRobin(table, 10*time.Millisecond)
	want := []kernel.ProcessID{ids[0], ids[2], ids[0], ids[2]}
	for i, w := range want {
		d := rr.Next()
		if !d.RunProcess || d.Process != w {
			t.Errorf("grant %d: got %+v, want %v", i, d, w)
		}
		rr.Result(kernel.NoWorkLeft, d.Timeslice)
	}
}

func TestRoundRobinEmptyTableSleeps(t *testing.T) {
	table, _ := newTestTable(t, 0)
	rr := NewRoundRobin(table, 10*time.Millisecond)
	if d := rr.Next(); d.RunProcess {
		t.Errorf("Next on empty table = %+v, want TrySleep", d)
	}
}

func TestRoundRobinKernelPreemptionResumes(t *testing.T) {
	table, ids := newTestTable(t, 2)
	rr := NewRoundRobin(table, 10*time.Millisecond)

	d := rr.Next()
	if d.Process != ids[0] {
		t.Fatalf("first grant = %v, want %v", d.Process, ids[0])
	}
	// Preempted for kernel work after 4ms: the same process resumes
	// with the remaining 6ms before anyone else runs.
	rr.Result(kernel.KernelPreemption, 4*time.Millisecond)
	d = rr.Next()
	if d.Process != ids[0] {
		t.Errorf("resumed grant = %v, want %v", d.Process, ids[0])
	}
	if d.Timeslice != 6*time.Millisecond {
		t.Errorf("resumed timeslice = %v, want 6ms", d.Timeslice)
	}

	// Once the remainder is consumed the rotation continues.
	rr.Result(kernel.TimesliceExpired, d.Timeslice)
	if d = rr.Next(); d.Process != ids[1] {
		t.Errorf("next grant = %v, want %v", d.Process, ids[1])
	}
}

func TestRoundRobinPreemptionWithNothingLeft(t *testing.T) {
	table, ids := newTestTable(t, 2)
	rr := NewRoundRobin(table, 10*time.Millisecond)

	d := rr.Next()
	// The whole slice was consumed before the preemption; no remainder
	// to resume with.
	rr.Result(kernel.KernelPreemption, d.Timeslice)
	if d = rr.Next(); d.Process != ids[1] {
		t.Errorf("grant after spent preemption = %v, want %v", d.Process, ids[1])
	}
}

func TestRoundRobinDefaultTimeslice(t *testing.T) {
	table, _ := newTestTable(t, 1)
	rr := NewRoundRobin(table, 0)
	if d := rr.Next(); d.Timeslice != DefaultTimeslice {
		t.Errorf("timeslice = %v, want %v", d.Timeslice, DefaultTimeslice)
	}
}

func TestRoundRobinContinueProcess(t *testing.T) {
	table, ids := newTestTable(t, 1)
	rr := NewRoundRobin(table, 10*time.Millisecond)
	if !rr.ContinueProcess(ids[0], false) {
		t.Error("ContinueProcess(no interrupts) = false, want true")
	}
	if rr.ContinueProcess(ids[0], true) {
		t.Error("ContinueProcess(interrupts pending) = true, want false")
	}
}

func TestCooperativeRotation(t *testing.T) {
	table, ids := newTestTable(t, 2)
	c := NewCooperative(table)

	want := []kernel.ProcessID{ids[0], ids[1], ids[0]}
	for i, w := range want {
		d := c.Next()
		if !d.RunProcess || d.Process != w {
			t.Errorf("grant %d: got %+v, want %v", i, d, w)
		}
		if d.Timeslice != 0 {
			t.Errorf("grant %d: timeslice %v, want unbounded", i, d.Timeslice)
		}
		c.Result(kernel.NoWorkLeft, 0)
	}
}

func TestCooperativeInterruptedStaysAtHead(t *testing.T) {
	table, ids := newTestTable(t, 2)
	c := NewCooperative(table)

	// A process interrupted for kernel work resumes before the rotation
	// moves on; only a voluntary block hands the chip to the next slot.
	want := []struct {
		id     kernel.ProcessID
		reason kernel.StoppedExecutingReason
	}{
		{ids[0], kernel.KernelPreemption},
		{ids[0], kernel.KernelPreemption},
		{ids[0], kernel.NoWorkLeft},
		{ids[1], kernel.KernelPreemption},
		{ids[1], kernel.NoWorkLeft},
		{ids[0], kernel.NoWorkLeft},
	}
	for i, w := range want {
		d := c.Next()
		if !d.RunProcess || d.Process != w.id {
			t.Errorf("grant %d: got %+v, want %v", i, d, w.id)
		}
		c.Result(w.reason, 0)
	}
}

func TestCooperativeSleepsWhenIdle(t *testing.T) {
	table, ids := newTestTable(t, 1)
	table.Get(ids[0]).Terminate(0)
	c := NewCooperative(table)
	if d := c.Next(); d.RunProcess {
		t.Errorf("Next with no ready processes = %+v, want TrySleep", d)
	}
}
