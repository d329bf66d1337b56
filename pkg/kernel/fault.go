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
	"time"

	"github.com/cenkalti/backoff"
)

// FaultAction is what the kernel does with a faulted process.
type FaultAction int

const (
	// ActionPanic brings the whole kernel down with a diagnostic dump.
	ActionPanic FaultAction = iota

	// ActionStop leaves the process faulted with its context preserved;
	// it is never scheduled again.
	ActionStop

	// ActionRestart reinitializes the process and reruns it from its
	// entry point, paced by an exponential backoff.
	ActionRestart
)

// FaultPolicy decides what happens to a process that faults.
type FaultPolicy interface {
	Action(p *Process) FaultAction
}

// PanicFaultPolicy panics the kernel on any process fault. Useful during
// bring-up, when a fault is more likely a kernel bug than an app bug.
type PanicFaultPolicy struct{}

// Action implements FaultPolicy.Action.
func (PanicFaultPolicy) Action(*Process) FaultAction {
	return ActionPanic
}

// StopFaultPolicy permanently stops any process that faults.
type StopFaultPolicy struct{}

// Action implements FaultPolicy.Action.
func (StopFaultPolicy) Action(*Process) FaultAction {
	return ActionStop
}

// RestartFaultPolicy restarts faulting processes, giving up after
// MaxRestarts restarts (zero means never give up).
type RestartFaultPolicy struct {
	MaxRestarts int
}

// Action implements FaultPolicy.Action.
func (r RestartFaultPolicy) Action(p *Process) FaultAction {
	if r.MaxRestarts > 0 && p.RestartCount() >= r.MaxRestarts {
		return ActionStop
	}
	return ActionRestart
}

// newRestartBackoff paces a process's restarts. A crash-looping app gets
// exponentially less CPU; the cap keeps a transiently failing app from
// being penalized forever.
func newRestartBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
