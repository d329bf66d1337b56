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

// Package alarm provides the alarm capsule: a per-process one-shot timer
// driven by host time, delivered to apps as an upcall.
//
// Expirations arrive on a chip interrupt line; the upcall itself is
// scheduled by the line's bottom half, on the kernel loop. The timer
// goroutine never touches a process directly.
package alarm

import (
	"sync"
	"time"

	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/kernel"
	"emberos.dev/ember/pkg/platform"
)

// DriverNum is the driver number apps address this capsule with.
const DriverNum = 0x0

// Frequency is the tick rate of the alarm clock, in Hz. One tick per
// microsecond keeps the math with host durations trivial.
const Frequency = 1000000

// Commands.
const (
	CmdExists      = 0
	CmdFrequency   = 1
	CmdNow         = 2
	CmdStop        = 3
	CmdSetAbsolute = 4
	CmdSetRelative = 5
)

// upcallDone is the subscribe slot for the expiration upcall.
const upcallDone = 0

type appAlarm struct {
	upcall    kernel.Upcall
	hasUpcall bool

	timer   *time.Timer
	setTick uint32
	fired   bool
}

// Alarm is the capsule. One per board.
type Alarm struct {
	chip  *platform.EmulatedChip
	table *kernel.ProcessTable
	line  int
	epoch time.Time

	mu   sync.Mutex
	apps map[kernel.ProcessID]*appAlarm
}

var _ kernel.SyscallDriver = (*Alarm)(nil)

// New wires an alarm capsule to a chip interrupt line. The line's handler
// is registered here; the caller only picks the number.
func New(chip *platform.EmulatedChip, table *kernel.ProcessTable, line int) *Alarm {
	a := &Alarm{
		chip:  chip,
		table: table,
		line:  line,
		epoch: time.Now(),
		apps:  make(map[kernel.ProcessID]*appAlarm),
	}
	chip.RegisterHandler(line, a.serviceExpired)
	return a
}

// Now returns the current tick count. Ticks wrap; apps compare with
// wrapping arithmetic the same way they would against a hardware counter.
func (a *Alarm) Now() uint32 {
	return uint32(time.Since(a.epoch) / (time.Second / Frequency))
}

func (a *Alarm) app(pid kernel.ProcessID) *appAlarm {
	if app, ok := a.apps[pid]; ok {
		return app
	}
	app := &appAlarm{}
	a.apps[pid] = app
	return app
}

// Subscribe implements kernel.SyscallDriver.Subscribe.
func (a *Alarm) Subscribe(subscribeNum uint32, upcall kernel.Upcall) (kernel.Upcall, error) {
	if subscribeNum != upcallDone {
		return kernel.Upcall{}, abi.NoSupport
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	app := a.app(upcall.Process)
	prev := app.upcall
	if !app.hasUpcall {
		prev = kernel.Upcall{}
	}
	app.upcall = upcall
	app.hasUpcall = true
	return prev, nil
}

// Command implements kernel.SyscallDriver.Command.
func (a *Alarm) Command(commandNum, arg0, arg1 uint32, pid kernel.ProcessID) abi.CommandReturn {
	switch commandNum {
	case CmdExists:
		return abi.CommandSuccess()
	case CmdFrequency:
		return abi.CommandSuccessU32(Frequency)
	case CmdNow:
		return abi.CommandSuccessU32(a.Now())
	case CmdStop:
		a.mu.Lock()
		defer a.mu.Unlock()
		app := a.app(pid)
		if app.timer == nil {
			return abi.CommandFailure(abi.Already)
		}
		app.timer.Stop()
		app.timer = nil
		app.fired = false
		return abi.CommandSuccess()
	case CmdSetAbsolute:
		return abi.CommandSuccessU32(a.set(pid, arg0))
	case CmdSetRelative:
		return abi.CommandSuccessU32(a.set(pid, a.Now()+arg0))
	default:
		return abi.CommandFailure(abi.NoSupport)
	}
}

// set arms the app's alarm for an absolute tick and returns that tick. An
// already-armed alarm is replaced. A tick at or behind the current time
// fires immediately, matching a counter compare that has already passed.
func (a *Alarm) set(pid kernel.ProcessID, tick uint32) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	app := a.app(pid)
	if app.timer != nil {
		app.timer.Stop()
	}
	app.setTick = tick
	app.fired = false

	// Wrapping distance from now to the target tick. Distances in the
	// upper half of the ring are ticks already behind us; those fire
	// immediately, like a counter compare that has already passed.
	delta := tick - a.Now()
	if delta >= 1<<31 {
		delta = 0
	}
	d := time.Duration(delta) * (time.Second / Frequency)
	app.timer = time.AfterFunc(d, func() {
		a.mu.Lock()
		app.fired = true
		a.mu.Unlock()
		a.chip.Raise(a.line)
	})
	return tick
}

// AllowReadWrite implements kernel.SyscallDriver.AllowReadWrite.
func (*Alarm) AllowReadWrite(kernel.ProcessID, uint32, uint32, uint32) (uint32, uint32, error) {
	return 0, 0, abi.NoSupport
}

// AllowReadOnly implements kernel.SyscallDriver.AllowReadOnly.
func (*Alarm) AllowReadOnly(kernel.ProcessID, uint32, uint32, uint32) (uint32, uint32, error) {
	return 0, 0, abi.NoSupport
}

// serviceExpired is the interrupt bottom half: deliver upcalls for every
// fired alarm. Runs on the kernel loop.
func (a *Alarm) serviceExpired() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for pid, app := range a.apps {
		if !app.fired {
			continue
		}
		app.fired = false
		app.timer = nil
		if !app.hasUpcall {
			continue
		}
		p := a.table.Get(pid)
		if p == nil {
			// Stale incarnation; drop its alarm state.
			delete(a.apps, pid)
			continue
		}
		if err := app.upcall.Schedule(p, a.Now(), app.setTick, 0); err != nil {
			// Queue full; the app sees a missed alarm either way.
			continue
		}
	}
}
