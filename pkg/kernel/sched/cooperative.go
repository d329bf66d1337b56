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
	"time"

	"emberos.dev/ember/pkg/kernel"
)

// Cooperative runs each ready process with an unbounded timeslice until it
// blocks or exits, rotating through slots. A process that never yields
// starves everyone else; that is the contract of this policy.
type Cooperative struct {
	table       *kernel.ProcessTable
	lastIndex   int
	rescheduled bool
}

// NewCooperative returns a cooperative scheduler over the given table.
func NewCooperative(table *kernel.ProcessTable) *Cooperative {
	return &Cooperative{table: table, lastIndex: -1}
}

// Next implements kernel.Scheduler.Next. A process preempted for kernel
// work never loses its turn: it is re-offered its slot ahead of the
// rotation once the interrupts are serviced.
func (c *Cooperative) Next() kernel.Decision {
	n := c.table.Capacity()
	start := c.lastIndex + 1
	if c.rescheduled {
		start = c.lastIndex
	}
	for off := 0; off < n; off++ {
		idx := (start + off + n) % n
		p := c.table.At(idx)
		if p == nil || !p.Ready() {
			continue
		}
		c.lastIndex = idx
		c.rescheduled = false
		return kernel.RunProcess(p.ID(), 0)
	}
	return kernel.TrySleep()
}

// Result implements kernel.Scheduler.Result.
func (c *Cooperative) Result(reason kernel.StoppedExecutingReason, _ time.Duration) {
	c.rescheduled = reason == kernel.KernelPreemption
}

// ContinueProcess implements kernel.Scheduler.ContinueProcess. Interrupt
// bottom halves still run promptly; only process-to-process preemption is
// absent.
func (c *Cooperative) ContinueProcess(_ kernel.ProcessID, interruptsPending bool) bool {
	return !interruptsPending
}
