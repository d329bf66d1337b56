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

// Package platform defines the chip-level interfaces the kernel runs
// against, and an emulated chip implementation backed by host time and
// goroutines.
package platform

import (
	"context"
	"time"
)

// Chip models the hardware the kernel multiplexes: an interrupt controller,
// a sleep mode, and a timer dedicated to bounding process timeslices.
type Chip interface {
	// HasPendingInterrupts reports whether any interrupt awaits service.
	HasPendingInterrupts() bool

	// ServiceInterrupts runs the bottom halves of all pending
	// interrupts. Called from the kernel loop with no process running.
	ServiceInterrupts()

	// Sleep idles the chip until an interrupt arrives or the context is
	// done. Callers must check HasPendingInterrupts first; sleeping with
	// interrupts pending would deadlock real hardware.
	Sleep(ctx context.Context)

	// SchedulerTimer returns the timer used to bound process
	// timeslices. There is one; callers serialize through the kernel
	// loop.
	SchedulerTimer() SchedulerTimer
}

// SchedulerTimer is a countdown timer dedicated to process timeslicing.
//
// The expected call sequence per timeslice is Reset, Start, then any number
// of Arm/Disarm pairs around context switches, then Reset. Once Remaining
// reports expiry it may not be consulted again until the next Start.
type SchedulerTimer interface {
	// Reset stops the timer and clears any pending expiration.
	Reset()

	// Start begins counting down from d.
	Start(d time.Duration)

	// Arm enables the expiration interrupt. The countdown itself is
	// unaffected; a process must be interrupted when its slice ends,
	// but the kernel polls instead while it has control.
	Arm()

	// Disarm disables the expiration interrupt.
	Disarm()

	// Remaining returns the time left in the slice. ok is false once
	// the slice has expired.
	Remaining() (remaining time.Duration, ok bool)
}

// NullTimer is the SchedulerTimer used for unbounded slices: it never
// expires and never interrupts.
type NullTimer struct{}

// Reset implements SchedulerTimer.Reset.
func (NullTimer) Reset() {}

// Start implements SchedulerTimer.Start.
func (NullTimer) Start(time.Duration) {}

// Arm implements SchedulerTimer.Arm.
func (NullTimer) Arm() {}

// Disarm implements SchedulerTimer.Disarm.
func (NullTimer) Disarm() {}

// Remaining implements SchedulerTimer.Remaining.
func (NullTimer) Remaining() (time.Duration, bool) {
	return time.Hour, true
}
