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
	"context"
	"sync"
	"time"

	"emberos.dev/ember/pkg/log"
)

// numIRQLines is the number of interrupt lines the emulated controller
// provides.
const numIRQLines = 32

// spuriousLog throttles the spurious-interrupt warning. A device stuck
// raising an unhandled line would otherwise flood the log on every service
// pass.
var spuriousLog = log.BasicRateLimitedLogger(time.Second)

// EmulatedChip is a Chip backed by host time and goroutines. Interrupt
// lines may be raised from any goroutine; handlers run on the kernel loop
// when it services interrupts. The scheduler timer counts host wall-clock
// time.
type EmulatedChip struct {
	mu       sync.Mutex
	pending  uint32
	handlers [numIRQLines]func()

	// wake is signalled on every raise so Sleep returns promptly.
	wake chan struct{}

	timer hostTimer
}

// NewEmulatedChip returns a chip with no interrupts pending and all lines
// unhandled.
func NewEmulatedChip() *EmulatedChip {
	c := &EmulatedChip{wake: make(chan struct{}, 1)}
	c.timer.chip = c
	return c
}

// RegisterHandler installs the bottom-half handler for a line. Installing
// a handler twice on one line is a board wiring bug.
func (c *EmulatedChip) RegisterHandler(line int, h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[line] != nil {
		panic("interrupt line registered twice")
	}
	c.handlers[line] = h
}

// Raise marks a line pending and wakes the chip if it is sleeping. Safe to
// call from any goroutine; this is how virtual devices deliver interrupts.
func (c *EmulatedChip) Raise(line int) {
	c.mu.Lock()
	c.pending |= 1 << uint(line)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// HasPendingInterrupts implements Chip.HasPendingInterrupts. An armed,
// expired scheduler timer counts: on hardware its expiry line would be
// asserted.
func (c *EmulatedChip) HasPendingInterrupts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != 0 || c.timer.firedLocked()
}

// ServiceInterrupts implements Chip.ServiceInterrupts.
func (c *EmulatedChip) ServiceInterrupts() {
	for {
		c.mu.Lock()
		if c.pending == 0 {
			c.mu.Unlock()
			return
		}
		var line int
		for line = 0; line < numIRQLines; line++ {
			if c.pending&(1<<uint(line)) != 0 {
				break
			}
		}
		c.pending &^= 1 << uint(line)
		h := c.handlers[line]
		c.mu.Unlock()

		if h == nil {
			spuriousLog.Warningf("spurious interrupt on line %d", line)
			continue
		}
		h()
	}
}

// Sleep implements Chip.Sleep.
func (c *EmulatedChip) Sleep(ctx context.Context) {
	select {
	case <-c.wake:
	case <-ctx.Done():
	}
}

// SchedulerTimer implements Chip.SchedulerTimer.
func (c *EmulatedChip) SchedulerTimer() SchedulerTimer {
	return &c.timer
}

// hostTimer is a SchedulerTimer counting host wall-clock time. It has no
// interrupt delivery of its own; expiry while armed surfaces through the
// chip's pending-interrupt check, which hosted programs poll at their
// preemption points.
type hostTimer struct {
	chip     *EmulatedChip
	deadline time.Time
	running  bool
	armed    bool
}

// Reset implements SchedulerTimer.Reset.
func (t *hostTimer) Reset() {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	t.running = false
	t.armed = false
}

// Start implements SchedulerTimer.Start.
func (t *hostTimer) Start(d time.Duration) {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	t.deadline = time.Now().Add(d)
	t.running = true
}

// Arm implements SchedulerTimer.Arm.
func (t *hostTimer) Arm() {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	t.armed = true
}

// Disarm implements SchedulerTimer.Disarm.
func (t *hostTimer) Disarm() {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	t.armed = false
}

// Remaining implements SchedulerTimer.Remaining.
func (t *hostTimer) Remaining() (time.Duration, bool) {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	if !t.running {
		return 0, false
	}
	left := time.Until(t.deadline)
	if left <= 0 {
		return 0, false
	}
	return left, true
}

// firedLocked reports an armed, expired timer. Caller holds chip.mu.
func (t *hostTimer) firedLocked() bool {
	return t.armed && t.running && !time.Now().Before(t.deadline)
}
