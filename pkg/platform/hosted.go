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

package platform

import (
	"fmt"
	"sync"

	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/arch/x86"
	"emberos.dev/ember/pkg/usermem"
)

// Vectors the hosted CPU raises on behalf of user programs.
const (
	vectorGeneralProtection = 13
	vectorPageFault         = 14
	vectorIRQ               = 0x20
)

// tokenBase is the start of the synthetic code-address range used for
// resume points. It lies far above any flash mapping, so a resume token can
// never collide with a registered program entry.
const tokenBase = 0xf0000000

// Program is a hosted user program: a Go function standing in for machine
// code at some flash address. It runs on its own goroutine and interacts
// with the kernel only through its UserContext. When it returns, the
// emulated CPU pops the return address the kernel pushed, exactly as a ret
// instruction would.
type Program func(ctx *UserContext)

// HostedCPU executes user programs on goroutines and presents the result
// to the boundary as traps. It implements x86.Trampoline.
//
// "Switching to the process" means unblocking the process's innermost
// program frame and waiting for it to trap; the kernel loop goroutine
// blocks for the duration, preserving the single-threaded kernel model.
type HostedCPU struct {
	chip *EmulatedChip

	mu       sync.Mutex
	programs map[uint32]Program
	procs    map[*x86.StoredState]*hostedProc
}

var _ x86.Trampoline = (*HostedCPU)(nil)

// NewHostedCPU returns a CPU with no programs registered.
func NewHostedCPU(chip *EmulatedChip) *HostedCPU {
	return &HostedCPU{
		chip:     chip,
		programs: make(map[uint32]Program),
		procs:    make(map[*x86.StoredState]*hostedProc),
	}
}

// RegisterProgram maps a flash entry address to a program. Process entry
// points and upcall functions must all be registered; jumping anywhere else
// faults. Addresses in the resume-token range are rejected.
func (cpu *HostedCPU) RegisterProgram(pc uint32, prog Program) {
	if pc == 0 || pc >= tokenBase {
		panic(fmt.Sprintf("program address %#x out of range", pc))
	}
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	if _, ok := cpu.programs[pc]; ok {
		panic(fmt.Sprintf("program at %#x registered twice", pc))
	}
	cpu.programs[pc] = prog
}

func (cpu *HostedCPU) lookupProgram(pc uint32) (Program, bool) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	prog, ok := cpu.programs[pc]
	return prog, ok
}

func (cpu *HostedCPU) procFor(mem *usermem.Memory, appBrk usermem.Addr, st *x86.StoredState) *hostedProc {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	p, ok := cpu.procs[st]
	if !ok {
		p = &hostedProc{cpu: cpu, mem: mem, st: st, trapCh: make(chan x86.Trap)}
		cpu.procs[st] = p
	}
	p.appBrk = appBrk
	return p
}

// Run implements x86.Trampoline.Run.
func (cpu *HostedCPU) Run(mem *usermem.Memory, appBrk usermem.Addr, st *x86.StoredState) x86.Trap {
	p := cpu.procFor(mem, appBrk, st)
	for {
		// Interrupts pending at resume are delivered before any user
		// instruction executes, matching interrupt priority over a
		// sleeping iret.
		if cpu.chip.HasPendingInterrupts() {
			return x86.Trap{Vector: vectorIRQ}
		}

		if top := p.top(); top != nil && top.token == st.EIP {
			// The saved context is a suspended frame; continue it.
			top.resume <- struct{}{}
		} else {
			if top != nil {
				// A frame is suspended but the saved context no
				// longer continues it. Either the kernel pushed
				// a callback (then the word at ESP is the frame's
				// resume point) or the process was reinitialized
				// under us; in the latter case the old goroutines
				// belong to a dead incarnation.
				if ret, err := mem.ReadWord(usermem.Addr(st.ESP)); err != nil || ret != top.token {
					p.killAll()
				}
			}
			prog, ok := cpu.lookupProgram(st.EIP)
			if !ok {
				// Jump to unmapped code.
				return x86.Trap{Vector: vectorGeneralProtection}
			}
			p.startFrame(prog)
		}

		active := p.top()
		select {
		case t := <-p.trapCh:
			// The frame suspended. Mint a fresh resume point so the
			// saved EIP uniquely names this suspension, the way a
			// real return address would.
			tok := p.newToken()
			st.EIP = tok
			active.token = tok
			return t
		case <-active.done:
			// The frame's function returned; emulate ret.
			p.pop()
			ret, err := mem.ReadWord(usermem.Addr(st.ESP))
			if err != nil {
				return x86.Trap{Vector: vectorPageFault}
			}
			st.ESP += usermem.WordSize
			st.EIP = ret
		}
	}
}

// hostedProc is the execution state of one process on the hosted CPU: a
// stack of program frames, innermost last.
type hostedProc struct {
	cpu    *HostedCPU
	mem    *usermem.Memory
	appBrk usermem.Addr
	st     *x86.StoredState

	trapCh    chan x86.Trap
	frames    []*hostedFrame
	nextToken uint32
}

type hostedFrame struct {
	resume chan struct{}
	done   chan struct{}
	kill   chan struct{}

	// token is the synthetic EIP this frame resumes at; zero until the
	// frame first traps.
	token uint32

	killed bool
}

// threadKilled unwinds a goroutine whose process incarnation died.
type threadKilled struct{}

func (p *hostedProc) top() *hostedFrame {
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[len(p.frames)-1]
}

func (p *hostedProc) pop() {
	p.frames = p.frames[:len(p.frames)-1]
}

func (p *hostedProc) killAll() {
	for _, f := range p.frames {
		f.killFrame()
	}
	p.frames = nil
}

// killFrame is idempotent: a frame may be killed by its own incarnation's
// exit and again when a later incarnation sweeps the stale stack.
func (f *hostedFrame) killFrame() {
	if !f.killed {
		f.killed = true
		close(f.kill)
	}
}

func (p *hostedProc) newToken() uint32 {
	p.nextToken++
	return tokenBase + p.nextToken*usermem.WordSize
}

func (p *hostedProc) startFrame(prog Program) {
	f := &hostedFrame{
		resume: make(chan struct{}),
		done:   make(chan struct{}),
		kill:   make(chan struct{}),
	}
	p.frames = append(p.frames, f)
	ctx := &UserContext{p: p, f: f}
	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(threadKilled); !ok {
					panic(r)
				}
			}
		}()
		prog(ctx)
	}()
}

// UserContext is a program's window onto its process: syscalls, process
// memory, and voluntary preemption points.
type UserContext struct {
	p *hostedProc
	f *hostedFrame
}

// trap suspends the program until the kernel switches back to it.
func (c *UserContext) trap(t x86.Trap) {
	c.p.trapCh <- t
	select {
	case <-c.f.resume:
	case <-c.f.kill:
		panic(threadKilled{})
	}
}

// Memory returns the process's RAM window.
func (c *UserContext) Memory() *usermem.Memory {
	return c.p.mem
}

// AppBrk returns the process's current app break.
func (c *UserContext) AppBrk() usermem.Addr {
	return c.p.appBrk
}

// Args returns the four arguments the kernel passed when it invoked this
// function: for a process entry point the layout words, for an upcall the
// three upcall values plus appdata.
func (c *UserContext) Args() [4]uint32 {
	var out [4]uint32
	for i := range out {
		// Slot 0 holds the return address the kernel pushed; the
		// arguments start one word above it.
		if w, err := c.p.st.ReadStackWord(i+1, c.p.mem, c.p.appBrk); err == nil {
			out[i] = w
		}
	}
	return out
}

// Syscall performs a raw system call the way compiled code would: push a
// four-word argument frame, class into EAX, trap, read the results back out
// of the frame, pop it. Pushing keeps the frame below any return address
// the kernel placed at the old stack pointer.
func (c *UserContext) Syscall(class abi.Class, a0, a1, a2, a3 uint32) [4]uint32 {
	st := c.p.st
	st.ESP -= 4 * usermem.WordSize
	for i, v := range [...]uint32{a0, a1, a2, a3} {
		if err := st.WriteStackWord(i, v, c.p.mem, c.p.appBrk); err != nil {
			// Stack overflow; there is no coming back.
			c.trap(x86.Trap{Vector: vectorPageFault})
		}
	}
	st.EAX = uint32(class)
	c.trap(x86.Trap{Vector: x86.VectorSyscall})

	var out [4]uint32
	for i := range out {
		// The app break may have moved during the call.
		if w, err := st.ReadStackWord(i, c.p.mem, c.p.appBrk); err == nil {
			out[i] = w
		}
	}
	st.ESP += 4 * usermem.WordSize
	return out
}

// YieldWait blocks the process until any queued upcall has been delivered.
// By the time it returns, the upcall function has run to completion.
func (c *UserContext) YieldWait() {
	c.Syscall(abi.ClassYield, uint32(abi.YieldWait), 0, 0, 0)
}

// YieldNoWait triggers at most one pending upcall without blocking and
// reports whether one was delivered. flagAddr names a byte of process
// memory for the kernel's answer.
func (c *UserContext) YieldNoWait(flagAddr uint32) bool {
	c.Syscall(abi.ClassYield, uint32(abi.YieldNoWait), flagAddr, 0, 0)
	b, err := c.p.mem.ReadByte(usermem.Addr(flagAddr))
	return err == nil && b != 0
}

// YieldWaitFor blocks until the identified upcall fires and returns its
// arguments, without running the registered callback.
func (c *UserContext) YieldWaitFor(driverNum, subscribeNum uint32) (a0, a1, a2 uint32) {
	out := c.Syscall(abi.ClassYield, uint32(abi.YieldWaitFor), driverNum, subscribeNum, 0)
	return out[0], out[1], out[2]
}

// Subscribe registers an upcall function with a driver.
func (c *UserContext) Subscribe(driverNum, subscribeNum, upcallPC, appdata uint32) [4]uint32 {
	return c.Syscall(abi.ClassSubscribe, driverNum, subscribeNum, upcallPC, appdata)
}

// Command invokes a driver operation.
func (c *UserContext) Command(driverNum, commandNum, arg0, arg1 uint32) [4]uint32 {
	return c.Syscall(abi.ClassCommand, driverNum, commandNum, arg0, arg1)
}

// AllowReadWrite shares a writable buffer with a driver.
func (c *UserContext) AllowReadWrite(driverNum, allowNum, addr, size uint32) [4]uint32 {
	return c.Syscall(abi.ClassReadWriteAllow, driverNum, allowNum, addr, size)
}

// AllowReadOnly shares a read-only buffer with a driver.
func (c *UserContext) AllowReadOnly(driverNum, allowNum, addr, size uint32) [4]uint32 {
	return c.Syscall(abi.ClassReadOnlyAllow, driverNum, allowNum, addr, size)
}

// Memop performs a core memory operation.
func (c *UserContext) Memop(operand, arg0 uint32) [4]uint32 {
	return c.Syscall(abi.ClassMemop, operand, arg0, 0, 0)
}

// Exit ends the process with a completion code. It does not return.
func (c *UserContext) Exit(completionCode uint32) {
	c.finalTrap(c.exitTrap(0, completionCode))
}

// ExitRestart asks the kernel to restart the process. It does not return;
// the restarted incarnation begins at the process entry point on a fresh
// goroutine.
func (c *UserContext) ExitRestart(completionCode uint32) {
	c.finalTrap(c.exitTrap(1, completionCode))
}

// Fault raises an unrecoverable exception, as a wild pointer dereference
// would. It does not return.
func (c *UserContext) Fault() {
	c.finalTrap(x86.Trap{Vector: vectorPageFault, ErrCode: 0x2})
}

// exitTrap stages an exit syscall: arguments in a pushed frame, class in
// EAX, ready to trap.
func (c *UserContext) exitTrap(which, completionCode uint32) x86.Trap {
	st := c.p.st
	st.ESP -= 4 * usermem.WordSize
	for i, v := range [...]uint32{which, completionCode, 0, 0} {
		if err := st.WriteStackWord(i, v, c.p.mem, c.p.appBrk); err != nil {
			return x86.Trap{Vector: vectorPageFault}
		}
	}
	st.EAX = uint32(abi.ClassExit)
	return x86.Trap{Vector: x86.VectorSyscall}
}

// finalTrap delivers t and unwinds without waiting to be resumed: an exited
// or faulted process may never be switched to again, and a goroutine parked
// on a resume that cannot come would leak. Frames beneath this one belong
// to the same doomed incarnation, so they are unwound too.
func (c *UserContext) finalTrap(t x86.Trap) {
	for _, f := range c.p.frames {
		if f != c.f {
			f.killFrame()
		}
	}
	c.p.trapCh <- t
	panic(threadKilled{})
}

// Checkpoint is a voluntary preemption point for compute-bound programs:
// if an interrupt is pending (including timeslice expiry), the program
// traps and lets the kernel decide whether it continues.
func (c *UserContext) Checkpoint() {
	if c.p.cpu.chip.HasPendingInterrupts() {
		c.trap(x86.Trap{Vector: vectorIRQ})
	}
}
