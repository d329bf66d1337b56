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

// Package sched provides the scheduling policies shipped with the kernel.
package sched

import (
	"time"

	"emberos.dev/ember/pkg/kernel"
)

// DefaultTimeslice is the round-robin quantum when none is configured.
const DefaultTimeslice = 10 * time.Millisecond

// RoundRobin gives each ready process the same timeslice, in slot order.
// Between any two grants to the same process, every other ready process is
// offered the chip exactly once. A process preempted for kernel work is not
// penalized: it resumes at the head of the rotation with the time it had
// left.
type RoundRobin struct {
	table     *kernel.ProcessTable
	timeslice time.Duration

	lastIndex   int
	granted     time.Duration
	rescheduled bool
	remaining   time.Duration
}

// NewRoundRobin returns a round-robin scheduler over the given table.
// A non-positive timeslice selects DefaultTimeslice.
func NewRoundRobin(table *kernel.ProcessTable, timeslice time.Duration) *RoundRobin {
	if timeslice <= 0 {
		timeslice = DefaultTimeslice
	}
	return &RoundRobin{
		table:     table,
		timeslice: timeslice,
		lastIndex: -1,
	}
}

// Next implements kernel.Scheduler.Next.
func (rr *RoundRobin) Next() kernel.Decision {
	n := rr.table.Capacity()
	if n == 0 {
		return kernel.TrySleep()
	}

	// Resume a kernel-preempted process in place; otherwise start the
	// scan one past the last process that ran.
	start := rr.lastIndex + 1
	if rr.rescheduled {
		start = rr.lastIndex
	}
	for off := 0; off < n; off++ {
		idx := (start + off + n) % n
		p := rr.table.At(idx)
		if p == nil || !p.Ready() {
			continue
		}
		ts := rr.timeslice
		if rr.rescheduled && idx == rr.lastIndex {
			ts = rr.remaining
		}
		rr.lastIndex = idx
		rr.granted = ts
		rr.rescheduled = false
		return kernel.RunProcess(p.ID(), ts)
	}
	return kernel.TrySleep()
}

// Result implements kernel.Scheduler.Result.
func (rr *RoundRobin) Result(reason kernel.StoppedExecutingReason, used time.Duration) {
	if reason == kernel.KernelPreemption {
		if left := rr.granted - used; left > 0 {
			rr.rescheduled = true
			rr.remaining = left
			return
		}
	}
	rr.rescheduled = false
}

// ContinueProcess implements kernel.Scheduler.ContinueProcess. Round robin
// reclaims the chip as soon as kernel work appears.
func (rr *RoundRobin) ContinueProcess(_ kernel.ProcessID, interruptsPending bool) bool {
	return !interruptsPending
}
