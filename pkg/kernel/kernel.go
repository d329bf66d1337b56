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

// Package kernel implements the core of the operating system: process
// control blocks, the process table, the scheduling contract, syscall
// dispatch, and the main loop that multiplexes the chip between userspace
// processes and kernel work.
//
// The kernel is single-threaded by construction. Everything in this package
// runs on the kernel loop; capsules and the chip deliver work to processes
// through task queues rather than by calling into them.
package kernel

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/arch"
	"emberos.dev/ember/pkg/log"
	"emberos.dev/ember/pkg/platform"
	"emberos.dev/ember/pkg/usermem"
	"github.com/cenkalti/backoff"
)

// minQuantaThreshold is the smallest remaining timeslice worth switching to
// a process for. Below it, the cost of the switch dwarfs the time the
// process would get.
const minQuantaThreshold = 500 * time.Microsecond

// Options configures a Kernel. Chip and Scheduler are required.
type Options struct {
	Chip      platform.Chip
	Scheduler Scheduler

	// Drivers resolves driver-addressed syscalls. Nil means every
	// driver number answers NoDevice.
	Drivers *DriverRegistry

	// FaultPolicy decides what happens to faulting processes. Nil
	// selects PanicFaultPolicy.
	FaultPolicy FaultPolicy

	// Filter optionally screens driver-addressed syscalls.
	Filter SyscallFilter
}

// Kernel ties the process table, scheduler, chip, and driver registry into
// a running system.
type Kernel struct {
	table    *ProcessTable
	chip     platform.Chip
	sched    Scheduler
	registry *DriverRegistry
	policy   FaultPolicy
	filter   SyscallFilter
}

// New creates a kernel over the given process table.
func New(table *ProcessTable, opts Options) *Kernel {
	if opts.Chip == nil || opts.Scheduler == nil {
		panic("kernel.New: Chip and Scheduler are required")
	}
	registry := opts.Drivers
	if registry == nil {
		registry = NewDriverRegistry()
	}
	policy := opts.FaultPolicy
	if policy == nil {
		policy = PanicFaultPolicy{}
	}
	return &Kernel{
		table:    table,
		chip:     opts.Chip,
		sched:    opts.Scheduler,
		registry: registry,
		policy:   policy,
		filter:   opts.Filter,
	}
}

// Table returns the process table.
func (k *Kernel) Table() *ProcessTable {
	return k.table
}

// Loop runs the main loop until the context is done. Most of the loop's
// behavior is controlled by the Scheduler in use.
func (k *Kernel) Loop(ctx context.Context) {
	for ctx.Err() == nil {
		k.LoopOnce(ctx, false)
	}
}

// LoopOnce runs one iteration of the main loop: service pending interrupts
// if there are any, otherwise ask the scheduler for a process to run or put
// the chip to sleep. Tests that generate no interrupts pass noSleep to keep
// the loop from blocking.
func (k *Kernel) LoopOnce(ctx context.Context, noSleep bool) {
	if k.chip.HasPendingInterrupts() {
		k.chip.ServiceInterrupts()
		return
	}
	d := k.sched.Next()
	if !d.RunProcess {
		// Re-check for interrupts that raced the scheduling decision;
		// sleeping past one would strand its bottom half.
		if !noSleep && !k.chip.HasPendingInterrupts() {
			k.chip.Sleep(ctx)
		}
		return
	}
	p := k.table.Get(d.Process)
	if p == nil {
		return
	}
	reason, used := k.doProcess(p, d.Timeslice)
	k.sched.Result(reason, used)
}

// doProcess transfers control to a process and keeps transferring it back
// after each trap until the process runs out of work, runs out of time, or
// the scheduler reclaims the chip. Syscalls are handled here, on the kernel
// loop, and their handling time is charged to the process. The returned
// duration is how much of the timeslice was consumed; zero for cooperative
// slices.
func (k *Kernel) doProcess(p *Process, timeslice time.Duration) (StoppedExecutingReason, time.Duration) {
	var timer platform.SchedulerTimer = platform.NullTimer{}
	if timeslice != 0 {
		timer = k.chip.SchedulerTimer()
	}
	timer.Reset()
	if timeslice != 0 {
		timer.Start(timeslice)
	}

	reason := NoWorkLeft
run:
	for {
		if remaining, ok := timer.Remaining(); !ok || remaining <= minQuantaThreshold {
			// The slice ran out while the kernel was executing on
			// the process's behalf.
			p.debugTimesliceExpired()
			reason = TimesliceExpired
			break
		}
		if !k.sched.ContinueProcess(p.id, k.chip.HasPendingInterrupts()) {
			reason = KernelPreemption
			break
		}
		if !p.Ready() {
			reason = NoWorkLeft
			break
		}

		switch p.state {
		case StateRunning:
			timer.Arm()
			csr, _ := p.SwitchTo()
			timer.Disarm()

			switch r := csr.(type) {
			case arch.ContextSwitchFault:
				k.applyFaultPolicy(p)
			case arch.ContextSwitchSyscall:
				k.handleSyscall(p, r.Syscall)
			case arch.ContextSwitchInterrupted:
				if _, ok := timer.Remaining(); !ok {
					// The interrupt was the slice expiring.
					p.debugTimesliceExpired()
					reason = TimesliceExpired
					break run
				}
			}

		case StateUnstarted, StateYielded:
			task, ok := p.DequeueTask()
			if !ok {
				break run
			}
			switch task.Kind {
			case TaskReturnValue:
				// Plain yield-wait is not woken by events that
				// produced a null upcall.
				break run
			case TaskFunctionCall:
				fc := task.FunctionCall
				log.Debugf("[%v] function call @%#x(%#x, %#x, %#x, %#x)",
					p.id, fc.PC, fc.Args[0], fc.Args[1], fc.Args[2], fc.Args[3])
				if err := p.SetProcessFunction(fc); err != nil {
					log.Warningf("[%v] failed to deliver function call: %v", p.id, err)
					k.applyFaultPolicy(p)
				}
			}

		case StateYieldedFor:
			task, ok := p.RemoveUpcall(p.waitingFor)
			if !ok {
				break run
			}
			// The process asked for the upcall's values, not the
			// callback; deliver them as the yield's wakeup value.
			var a0, a1, a2 uint32
			switch task.Kind {
			case TaskReturnValue:
				a0, a1, a2 = task.ReturnArgs[0], task.ReturnArgs[1], task.ReturnArgs[2]
			case TaskFunctionCall:
				a0, a1, a2 = task.FunctionCall.Args[0], task.FunctionCall.Args[1], task.FunctionCall.Args[2]
			}
			k.setSyscallReturn(p, abi.YieldWaitForReturn(a0, a1, a2))

		case StateFaulted, StateTerminated:
			// Ready() filters these out; reaching here means the
			// scheduler and the table disagree about liveness.
			panic(fmt.Sprintf("attempted to schedule unrunnable process %v (%v)", p.id, p.state))

		case StateStopped:
			reason = Stopped
			break run
		}
	}

	var used time.Duration
	if timeslice != 0 {
		if remaining, ok := timer.Remaining(); ok && reason != TimesliceExpired {
			used = timeslice - remaining
		} else {
			used = timeslice
		}
	}
	// Quiesce the timer so a pending expiration cannot fire during chip
	// sleep.
	timer.Reset()
	return reason, used
}

// handleSyscall dispatches one decoded syscall for a process. Yield, Exit,
// and Memop are handled by the kernel itself; everything else goes through
// the filter (if any) and then to the addressed driver.
func (k *Kernel) handleSyscall(p *Process, sc abi.Syscall) {
	p.debugSyscallCalled(sc)

	switch sc.(type) {
	case abi.Yield, abi.Exit, abi.Memop:
		// Never filtered.
	default:
		if k.filter != nil {
			if err := k.filter.FilterSyscall(p.id, sc); err != nil {
				code := abi.ToErrorCode(err)
				log.Debugf("[%v] filtered: %v rejected with %v", p.id, sc, code)
				k.setSyscallReturn(p, abi.Failure(code))
				return
			}
		}
	}

	switch s := sc.(type) {
	case abi.Memop:
		rval := memop(p, s.Operand, s.Arg0)
		log.Debugf("[%v] memop(%d, %#x) = %v", p.id, s.Operand, s.Arg0, rval)
		k.setSyscallReturn(p, rval)

	case abi.Yield:
		log.Debugf("[%v] yield. which: %d", p.id, s.Which)
		switch abi.YieldVariant(s.Which) {
		case abi.YieldNoWait:
			// Null-upcall wakeups only satisfy yield-wait-for; a
			// plain yield cannot deliver them. Discard them here so
			// they never park a process that asked not to block.
			for {
				task, ok := p.PeekTask()
				if !ok || task.Kind != TaskReturnValue {
					break
				}
				p.DequeueTask()
			}
			hasTasks := p.HasTasks()
			// Report through the flag byte whether yielding will
			// deliver upcalls. An invalid address is ignored.
			flag := byte(0)
			if hasTasks {
				flag = 1
			}
			_ = p.mem.WriteByte(usermem.Addr(s.ParamA), flag)
			if hasTasks {
				p.setYielded()
			}
		case abi.YieldWait:
			p.setYielded()
		case abi.YieldWaitFor:
			p.setYieldedFor(UpcallID{DriverNum: s.ParamA, SubscribeNum: s.ParamB})
		default:
			// Not a valid yield call. Yield has no return value,
			// since delivering one could race a function call
			// being pushed; just return control to the process.
		}

	case abi.Exit:
		log.Debugf("[%v] exit(which: %d, code: %d)", p.id, s.Which, s.CompletionCode)
		switch s.Which {
		case 0:
			p.Terminate(s.CompletionCode)
		case 1:
			k.tryRestart(p, s.CompletionCode)
		default:
			k.setSyscallReturn(p, abi.Failure(abi.NoSupport))
		}

	case abi.Subscribe:
		k.handleSubscribe(p, s)

	case abi.Command:
		var cres abi.CommandReturn
		if drv, ok := k.registry.Lookup(s.DriverNum); ok {
			cres = drv.Command(s.CommandNum, s.Arg0, s.Arg1, p.id)
		} else {
			cres = abi.CommandFailure(abi.NoDevice)
		}
		rval := cres.SyscallReturn()
		log.Debugf("[%v] cmd(%#x, %d, %#x, %#x) = %v",
			p.id, s.DriverNum, s.CommandNum, s.Arg0, s.Arg1, rval)
		k.setSyscallReturn(p, rval)

	case abi.ReadWriteAllow:
		k.handleAllow(p, s.DriverNum, s.AllowNum, s.Addr, s.Size, false)

	case abi.ReadOnlyAllow:
		k.handleAllow(p, s.DriverNum, s.AllowNum, s.Addr, s.Size, true)
	}
}

// handleSubscribe performs the upcall swap for a subscribe syscall. On
// failure the passed upcall is handed back to userspace; on success the
// previous one is, and any queued upcalls with the old function pointer are
// dropped before they can fire.
func (k *Kernel) handleSubscribe(p *Process, s abi.Subscribe) {
	id := UpcallID{DriverNum: s.DriverNum, SubscribeNum: s.SubscribeNum}
	upcall := Upcall{Process: p.id, ID: id, PC: s.UpcallPtr, AppData: s.AppData}

	var rval abi.SyscallReturn
	if s.UpcallPtr != 0 && !p.validUpcallPtr(usermem.Addr(s.UpcallPtr)) {
		rval = abi.FailureU32U32(abi.Invalid, s.UpcallPtr, s.AppData)
	} else if drv, ok := k.registry.Lookup(s.DriverNum); !ok {
		rval = abi.FailureU32U32(abi.NoDevice, s.UpcallPtr, s.AppData)
	} else if prev, err := drv.Subscribe(s.SubscribeNum, upcall); err != nil {
		rval = abi.FailureU32U32(abi.ToErrorCode(err), s.UpcallPtr, s.AppData)
	} else {
		rval = abi.SuccessU32U32(prev.PC, prev.AppData)
	}

	if rval.IsSuccess() {
		if n := p.RemovePendingUpcalls(id); n > 0 {
			log.Debugf("[%v] dropped %d stale upcalls for %v", p.id, n, id)
		}
	}

	log.Debugf("[%v] subscribe(%#x, %d, @%#x, %#x) = %v",
		p.id, s.DriverNum, s.SubscribeNum, s.UpcallPtr, s.AppData, rval)
	k.setSyscallReturn(p, rval)
}

// handleAllow performs the buffer swap for the two allow syscall classes.
// The kernel validates that the buffer lies in process-accessible memory;
// what the driver does with it is between the driver and the process.
func (k *Kernel) handleAllow(p *Process, driverNum, allowNum, addr, size uint32, readOnly bool) {
	check := p.checkWritableBuffer
	name := "read-write allow"
	if readOnly {
		check = p.checkReadableBuffer
		name = "read-only allow"
	}

	var rval abi.SyscallReturn
	if drv, ok := k.registry.Lookup(driverNum); !ok {
		rval = abi.FailureU32U32(abi.NoDevice, addr, size)
	} else if err := check(usermem.Addr(addr), size); err != nil {
		rval = abi.FailureU32U32(abi.ToErrorCode(err), addr, size)
	} else {
		allow := drv.AllowReadWrite
		if readOnly {
			allow = drv.AllowReadOnly
		}
		prevAddr, prevSize, err := allow(p.id, allowNum, addr, size)
		if err != nil {
			rval = abi.FailureU32U32(abi.ToErrorCode(err), addr, size)
		} else {
			rval = abi.SuccessU32U32(prevAddr, prevSize)
		}
	}

	log.Debugf("[%v] %s(%#x, %d, @%#x, %d) = %v",
		p.id, name, driverNum, allowNum, addr, size, rval)
	k.setSyscallReturn(p, rval)
}

// setSyscallReturn delivers a syscall result to a process, faulting it if
// the write into its stack fails.
func (k *Kernel) setSyscallReturn(p *Process, ret abi.SyscallReturn) {
	if err := p.SetSyscallReturnValue(ret); err != nil {
		log.Warningf("[%v] failed writing syscall return: %v", p.id, err)
		k.applyFaultPolicy(p)
	}
}

// applyFaultPolicy marks a process faulted and carries out the configured
// policy.
func (k *Kernel) applyFaultPolicy(p *Process) {
	p.setFaulted()
	switch k.policy.Action(p) {
	case ActionPanic:
		var b strings.Builder
		fmt.Fprintf(&b, "process %v (%s) faulted\n\n", p.id, p.name)
		k.table.Each(func(q *Process) {
			q.PrintFullProcess(&b)
			b.WriteString("\n")
		})
		panic(b.String())
	case ActionStop:
		log.Warningf("[%v] %s faulted; leaving stopped", p.id, p.name)
	case ActionRestart:
		log.Warningf("[%v] %s faulted; restarting", p.id, p.name)
		k.tryRestart(p, 0)
	}
}

// tryRestart restarts a process under restart pacing, terminating it
// instead if the restart cannot proceed.
func (k *Kernel) tryRestart(p *Process, completionCode uint32) {
	if p.restartBackoff == nil {
		p.restartBackoff = newRestartBackoff()
	}
	delay := p.restartBackoff.NextBackOff()
	if delay == backoff.Stop {
		p.Terminate(completionCode)
		return
	}
	if err := p.restart(k.table.nextIdentifier()); err != nil {
		log.Warningf("[%v] restart failed: %v; terminating", p.id, err)
		p.Terminate(completionCode)
		return
	}
	p.notBefore = time.Now().Add(delay)
	log.Infof("[%v] %s restarted (attempt %d, paced %v)", p.id, p.name, p.restartCount, delay)
}

// PrintState writes a dump of every live process for debugging.
func (k *Kernel) PrintState(w io.Writer) {
	k.table.Each(func(p *Process) {
		p.PrintFullProcess(w)
		io.WriteString(w, "\n")
	})
}
