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

import "errors"

// ErrTableFull indicates no free process slot remains.
var ErrTableFull = errors.New("process table full")

// ProcessTable is a fixed-capacity arena of process control blocks. Slots
// are addressed by index; each occupant additionally carries a unique
// identifier, so lookups with a stale ProcessID fail instead of resolving
// to a different incarnation.
type ProcessTable struct {
	procs  []*Process
	nextID uint32
}

// NewProcessTable returns an empty table with the given number of slots.
func NewProcessTable(capacity int) *ProcessTable {
	return &ProcessTable{procs: make([]*Process, capacity)}
}

// Insert creates a process in the first free slot.
func (t *ProcessTable) Insert(cfg ProcessConfig) (*Process, error) {
	for i, slot := range t.procs {
		if slot != nil {
			continue
		}
		p, err := newProcess(ProcessID{Index: i, ID: t.nextIdentifier()}, cfg)
		if err != nil {
			return nil, err
		}
		t.procs[i] = p
		return p, nil
	}
	return nil, ErrTableFull
}

// Get resolves a ProcessID. It returns nil if the index is out of range,
// the slot is empty, or the identifier does not match the occupant.
func (t *ProcessTable) Get(id ProcessID) *Process {
	if id.Index < 0 || id.Index >= len(t.procs) {
		return nil
	}
	p := t.procs[id.Index]
	if p == nil || p.id.ID != id.ID {
		return nil
	}
	return p
}

// At returns the occupant of a slot, or nil. Unlike Get, it does not check
// identifiers; schedulers use it to walk slots across restarts.
func (t *ProcessTable) At(index int) *Process {
	if index < 0 || index >= len(t.procs) {
		return nil
	}
	return t.procs[index]
}

// Each calls fn for every live process in slot order.
func (t *ProcessTable) Each(fn func(*Process)) {
	for _, p := range t.procs {
		if p != nil {
			fn(p)
		}
	}
}

// Len returns the number of occupied slots.
func (t *ProcessTable) Len() int {
	n := 0
	for _, p := range t.procs {
		if p != nil {
			n++
		}
	}
	return n
}

// Capacity returns the total number of slots.
func (t *ProcessTable) Capacity() int {
	return len(t.procs)
}

func (t *ProcessTable) nextIdentifier() uint32 {
	id := t.nextID
	t.nextID++
	return id
}
