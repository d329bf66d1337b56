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
	"io"
	"time"

	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/arch"
	"emberos.dev/ember/pkg/log"
	"emberos.dev/ember/pkg/usermem"
	"github.com/cenkalti/backoff"
)

// State is the lifecycle state of a process.
type State int

const (
	// StateUnstarted means the process is loaded but has never run.
	StateUnstarted State = iota

	// StateRunning means the process expects to execute user code when
	// next scheduled.
	StateRunning

	// StateYielded means the process blocks until any upcall function
	// call is ready to deliver.
	StateYielded

	// StateYieldedFor means the process blocks until one specific upcall
	// fires; its values are delivered without invoking the callback.
	StateYieldedFor

	// StateStopped means the kernel suspended the process; it will not
	// be scheduled until resumed.
	StateStopped

	// StateFaulted means the process trapped into an unrecoverable
	// exception and its saved context is preserved for diagnostics.
	StateFaulted

	// StateTerminated means the process exited or was killed. Its slot
	// may only come back to life through a restart.
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "Unstarted"
	case StateRunning:
		return "Running"
	case StateYielded:
		return "Yielded"
	case StateYieldedFor:
		return "YieldedFor"
	case StateStopped:
		return "Stopped"
	case StateFaulted:
		return "Faulted"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ProcessID names a process: a slot index in the process table plus a
// monotonically increasing identifier. The identifier changes on restart,
// so a stale ProcessID held by a capsule stops resolving rather than
// silently addressing the wrong incarnation.
type ProcessID struct {
	Index int
	ID    uint32
}

// String implements fmt.Stringer.
func (id ProcessID) String() string {
	return fmt.Sprintf("%d.%d", id.Index, id.ID)
}

// defaultTaskQueueLen bounds the number of queued tasks per process when
// the loader does not say otherwise.
const defaultTaskQueueLen = 10

// ProcessConfig carries everything needed to bring a process control block
// to life. All reference fields are required.
type ProcessConfig struct {
	Name     string
	Boundary arch.Boundary
	State    arch.ProcessState

	// Memory is the process's RAM window; AppBrk is the initial app
	// break within it.
	Memory *usermem.Memory
	AppBrk usermem.Addr

	// Flash is the read-only region holding the process binary.
	Flash *usermem.Memory

	// InitialFn is the process entry point, queued as the first task and
	// replayed on restart.
	InitialFn arch.FunctionCall

	// TaskQueueLen bounds queued tasks; zero selects the default.
	TaskQueueLen int
}

// Process is a process control block. It owns the process's saved
// architectural state, its memory window, its lifecycle state, and the FIFO
// of tasks owed to it. It is not safe for concurrent use; the kernel loop
// is its only writer.
type Process struct {
	id   ProcessID
	name string

	boundary arch.Boundary
	stored   arch.ProcessState
	mem      *usermem.Memory
	flash    *usermem.Memory
	appBrk   usermem.Addr

	state       State
	stoppedFrom State
	waitingFor  UpcallID

	tasks    []Task
	maxTasks int

	initialFn      arch.FunctionCall
	completionCode uint32
	hasCompletion  bool

	restartCount   int
	restartBackoff backoff.BackOff
	notBefore      time.Time

	syscallCount         uint64
	lastSyscall          abi.Syscall
	timesliceExpirations uint64
	droppedTasks         uint64
}

func newProcess(id ProcessID, cfg ProcessConfig) (*Process, error) {
	if cfg.Boundary == nil || cfg.State == nil || cfg.Memory == nil || cfg.Flash == nil {
		return nil, fmt.Errorf("process %q: incomplete config", cfg.Name)
	}
	maxTasks := cfg.TaskQueueLen
	if maxTasks <= 0 {
		maxTasks = defaultTaskQueueLen
	}
	p := &Process{
		id:        id,
		name:      cfg.Name,
		boundary:  cfg.Boundary,
		stored:    cfg.State,
		mem:       cfg.Memory,
		flash:     cfg.Flash,
		appBrk:    cfg.AppBrk,
		state:     StateUnstarted,
		maxTasks:  maxTasks,
		initialFn: cfg.InitialFn,
	}
	if err := p.boundary.InitializeProcess(p.mem, p.appBrk, p.stored); err != nil {
		return nil, fmt.Errorf("process %q: %w", cfg.Name, err)
	}
	p.tasks = append(p.tasks, Task{Kind: TaskFunctionCall, FunctionCall: p.initialFn})
	return p, nil
}

// ID returns the process identifier.
func (p *Process) ID() ProcessID {
	return p.id
}

// Name returns the human-readable process name.
func (p *Process) Name() string {
	return p.name
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	return p.state
}

// RestartCount returns how many times the process has been restarted.
func (p *Process) RestartCount() int {
	return p.restartCount
}

// CompletionCode returns the completion code passed on exit and whether one
// has been recorded.
func (p *Process) CompletionCode() (uint32, bool) {
	return p.completionCode, p.hasCompletion
}

// Ready returns whether the process has something to do when scheduled: it
// is either mid-execution or has queued tasks. A restart-paced process is
// not ready until its pacing delay elapses.
func (p *Process) Ready() bool {
	if !p.notBefore.IsZero() && time.Now().Before(p.notBefore) {
		return false
	}
	return len(p.tasks) > 0 || p.state == StateRunning
}

// EnqueueTask appends a task to the process's FIFO. The returned error
// carries abi.NoDevice if the process can no longer receive work and
// abi.NoMem if the queue is full.
func (p *Process) EnqueueTask(t Task) error {
	if p.state == StateFaulted || p.state == StateTerminated {
		return abi.NoDevice
	}
	if len(p.tasks) >= p.maxTasks {
		p.droppedTasks++
		log.Debugf("[%v] dropped task, queue full (%d dropped so far)", p.id, p.droppedTasks)
		return abi.NoMem
	}
	p.tasks = append(p.tasks, t)
	return nil
}

// HasTasks returns whether any tasks are queued.
func (p *Process) HasTasks() bool {
	return len(p.tasks) > 0
}

// PeekTask returns the oldest queued task without removing it.
func (p *Process) PeekTask() (Task, bool) {
	if len(p.tasks) == 0 {
		return Task{}, false
	}
	return p.tasks[0], true
}

// DequeueTask removes and returns the oldest queued task.
func (p *Process) DequeueTask() (Task, bool) {
	if len(p.tasks) == 0 {
		return Task{}, false
	}
	t := p.tasks[0]
	p.tasks = p.tasks[1:]
	return t, true
}

// RemoveUpcall removes and returns the oldest queued task produced by the
// given subscription, leaving the rest of the queue in order.
func (p *Process) RemoveUpcall(id UpcallID) (Task, bool) {
	for i, t := range p.tasks {
		if t.FromUpcall && t.Upcall == id {
			p.tasks = append(p.tasks[:i], p.tasks[i+1:]...)
			return t, true
		}
	}
	return Task{}, false
}

// RemovePendingUpcalls drops every queued task produced by the given
// subscription and returns how many were dropped. Used when a subscribe
// swap succeeds, so stale upcalls with the old function pointer never fire.
func (p *Process) RemovePendingUpcalls(id UpcallID) int {
	kept := p.tasks[:0]
	removed := 0
	for _, t := range p.tasks {
		if t.FromUpcall && t.Upcall == id {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	p.tasks = kept
	return removed
}

// SwitchTo transfers control to the process until its next trap. It returns
// why control came back and the post-switch stack pointer.
func (p *Process) SwitchTo() (arch.ContextSwitchReason, usermem.Addr) {
	return p.boundary.SwitchToProcess(p.mem, p.appBrk, p.stored)
}

// SetSyscallReturnValue writes ret into the process's reserved stack slots
// and marks the process runnable. The state transition mirrors the resume
// path: a process receiving a syscall result is by definition about to run.
func (p *Process) SetSyscallReturnValue(ret abi.SyscallReturn) error {
	if err := p.boundary.SetSyscallReturnValue(p.mem, p.appBrk, p.stored, ret); err != nil {
		return err
	}
	p.state = StateRunning
	return nil
}

// SetProcessFunction prepares the process to run fn on next resume and
// marks it running. The process must be idle; calling this on a running or
// dead process is a kernel bug.
func (p *Process) SetProcessFunction(fn arch.FunctionCall) error {
	if p.state != StateUnstarted && p.state != StateYielded {
		panic(fmt.Sprintf("SetProcessFunction on %v process %v", p.state, p.id))
	}
	if err := p.boundary.SetProcessFunction(p.mem, p.appBrk, p.stored, fn); err != nil {
		return err
	}
	p.state = StateRunning
	return nil
}

// setYielded moves a running process into the yielded state.
func (p *Process) setYielded() {
	if p.state == StateRunning {
		p.state = StateYielded
	}
}

// setYieldedFor blocks a running process on one specific upcall.
func (p *Process) setYieldedFor(id UpcallID) {
	if p.state == StateRunning {
		p.state = StateYieldedFor
		p.waitingFor = id
	}
}

func (p *Process) setFaulted() {
	p.state = StateFaulted
}

// Stop suspends the process, remembering the state to resume into. Dead
// processes are unaffected.
func (p *Process) Stop() {
	switch p.state {
	case StateFaulted, StateTerminated, StateStopped:
	default:
		p.stoppedFrom = p.state
		p.state = StateStopped
	}
}

// Resume undoes Stop.
func (p *Process) Resume() {
	if p.state == StateStopped {
		p.state = p.stoppedFrom
	}
}

// Terminate ends the process, recording its completion code and dropping
// all queued work. The saved context is kept for inspection.
func (p *Process) Terminate(completionCode uint32) {
	if p.state == StateTerminated {
		return
	}
	p.tasks = nil
	p.completionCode = completionCode
	p.hasCompletion = true
	p.state = StateTerminated
}

// restart reinitializes the process under a fresh identifier: saved state
// reset, task queue cleared, entry point requeued. On failure the process
// is terminated rather than left half-initialized.
func (p *Process) restart(newID uint32) error {
	if err := p.boundary.InitializeProcess(p.mem, p.appBrk, p.stored); err != nil {
		p.state = StateTerminated
		return err
	}
	p.id.ID = newID
	p.tasks = p.tasks[:0]
	p.tasks = append(p.tasks, Task{Kind: TaskFunctionCall, FunctionCall: p.initialFn})
	p.state = StateUnstarted
	p.hasCompletion = false
	p.restartCount++
	return nil
}

// MemoryStart returns the lowest guest address of the process's RAM.
func (p *Process) MemoryStart() usermem.Addr {
	return p.mem.Base()
}

// MemoryEnd returns the guest address one past the process's RAM.
func (p *Process) MemoryEnd() usermem.Addr {
	return p.mem.End()
}

// FlashStart returns the lowest guest address of the process binary.
func (p *Process) FlashStart() usermem.Addr {
	return p.flash.Base()
}

// FlashEnd returns the guest address one past the process binary.
func (p *Process) FlashEnd() usermem.Addr {
	return p.flash.End()
}

// AppBrk returns the current app break.
func (p *Process) AppBrk() usermem.Addr {
	return p.appBrk
}

// Brk moves the app break to addr. The break must stay word aligned, above
// the architectural minimum, and inside the process's RAM window.
func (p *Process) Brk(addr usermem.Addr) error {
	if !addr.IsWordAligned() {
		return abi.Invalid
	}
	min := p.mem.Base() + usermem.Addr(p.boundary.InitialProcessAppBrkSize())
	if addr < min || addr > p.mem.End() {
		return abi.NoMem
	}
	p.appBrk = addr
	return nil
}

// SBrk moves the app break by delta bytes and returns the new break.
func (p *Process) SBrk(delta int32) (usermem.Addr, error) {
	addr := p.appBrk + usermem.Addr(delta)
	if delta < 0 && addr > p.appBrk {
		return 0, abi.NoMem
	}
	if delta > 0 && addr < p.appBrk {
		return 0, abi.NoMem
	}
	if err := p.Brk(addr); err != nil {
		return 0, err
	}
	return p.appBrk, nil
}

// checkWritableBuffer verifies that [addr, addr+size) is process-owned
// writable memory. Zero-length buffers are always acceptable.
func (p *Process) checkWritableBuffer(addr usermem.Addr, size uint32) error {
	if size == 0 {
		return nil
	}
	end, ok := addr.AddLength(size)
	if !ok || addr < p.mem.Base() || end > p.appBrk {
		return abi.Invalid
	}
	return nil
}

// checkReadableBuffer verifies that [addr, addr+size) is readable by the
// process: either its writable memory or its flash region.
func (p *Process) checkReadableBuffer(addr usermem.Addr, size uint32) error {
	if p.checkWritableBuffer(addr, size) == nil {
		return nil
	}
	if p.flash.CheckRange(addr, size) == nil {
		return nil
	}
	return abi.Invalid
}

// validUpcallPtr returns whether addr points into process-executable flash.
func (p *Process) validUpcallPtr(addr usermem.Addr) bool {
	return p.flash.CheckRange(addr, 1) == nil
}

func (p *Process) debugSyscallCalled(sc abi.Syscall) {
	p.syscallCount++
	p.lastSyscall = sc
}

func (p *Process) debugTimesliceExpired() {
	p.timesliceExpirations++
}

// PrintFullProcess writes a human-readable dump of the process: identity,
// lifecycle, memory layout, counters, and the saved architectural context.
// Best effort; write errors are ignored.
func (p *Process) PrintFullProcess(w io.Writer) {
	fmt.Fprintf(w, "App: %s   -   [%v]\n", p.name, p.state)
	fmt.Fprintf(w, " Events Queued: %d   Syscall Count: %d   Dropped Tasks: %d\n",
		len(p.tasks), p.syscallCount, p.droppedTasks)
	fmt.Fprintf(w, " Restart Count: %d   Timeslice Expirations: %d\n",
		p.restartCount, p.timesliceExpirations)
	if p.lastSyscall != nil {
		fmt.Fprintf(w, " Last Syscall: %v\n", p.lastSyscall)
	} else {
		fmt.Fprintf(w, " Last Syscall: None\n")
	}
	if p.hasCompletion {
		fmt.Fprintf(w, " Completion Code: %d\n", p.completionCode)
	}
	fmt.Fprintf(w, " Memory: [%#x, %#x)   Brk: %#x\n", p.mem.Base(), p.mem.End(), p.appBrk)
	fmt.Fprintf(w, " Flash:  [%#x, %#x)\n", p.flash.Base(), p.flash.End())
	p.boundary.PrintContext(p.mem, p.appBrk, p.stored, w)
}
