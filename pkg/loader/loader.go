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

// Package loader discovers app binaries in flash and turns them into
// processes. Binaries are packed back to back, each framed by a TBF
// header; the walk stops at the first flash word that is not one.
package loader

import (
	"fmt"

	"emberos.dev/ember/pkg/arch"
	"emberos.dev/ember/pkg/kernel"
	"emberos.dev/ember/pkg/log"
	"emberos.dev/ember/pkg/usermem"
)

// Loader creates processes from app binaries.
type Loader struct {
	// Boundary is the architecture boundary every process will use.
	Boundary arch.Boundary

	// NewState allocates fresh architecture-specific saved state.
	NewState func() arch.ProcessState

	// Table receives the created processes.
	Table *kernel.ProcessTable

	// RAMBase and RAMSize describe the pool of guest RAM carved into
	// per-process windows, in load order.
	RAMBase usermem.Addr
	RAMSize uint32

	nextRAM uint32
}

// roundUpWord rounds n up to the guest word size.
func roundUpWord(n uint32) uint32 {
	return (n + usermem.WordSize - 1) &^ uint32(usermem.WordSize-1)
}

// LoadProcesses walks the flash region, creating a process for every
// enabled app binary. A binary whose process cannot be created is skipped
// whole, leaving no partial process behind; a malformed header ends the
// walk. Returns the processes created.
func (l *Loader) LoadProcesses(flash *usermem.Memory) ([]*kernel.Process, error) {
	if l.Boundary == nil || l.NewState == nil || l.Table == nil {
		return nil, fmt.Errorf("loader: incomplete config")
	}

	var procs []*kernel.Process
	offset := uint32(0)
	for i := 0; offset+16 <= flash.Size(); i++ {
		appBase := flash.Base() + usermem.Addr(offset)
		peek, err := flash.ReadBytes(appBase, minu32(flash.Size()-offset, 1024))
		if err != nil {
			return procs, err
		}
		header, err := ParseTBFHeader(peek)
		if err != nil {
			// End of the app list.
			log.Debugf("loader: stopping at offset %#x: %v", offset, err)
			break
		}
		if header.TotalSize == 0 || offset+header.TotalSize > flash.Size() {
			log.Warningf("loader: app at %#x overruns flash, stopping", appBase)
			break
		}

		if header.Enabled() {
			p, err := l.loadOne(flash, appBase, header, i)
			if err != nil {
				log.Warningf("loader: skipping app %q at %#x: %v", header.PackageName, appBase, err)
			} else {
				procs = append(procs, p)
				log.Infof("loader: loaded %q at %#x, %d bytes flash, %d bytes ram",
					p.Name(), appBase, header.TotalSize, p.MemoryEnd()-p.MemoryStart())
			}
		} else {
			log.Infof("loader: app %q at %#x disabled, skipping", header.PackageName, appBase)
		}

		offset += header.TotalSize
	}
	return procs, nil
}

// loadOne creates one process. Any failure leaves the loader's RAM pool
// untouched, so the binary consumes nothing.
func (l *Loader) loadOne(flash *usermem.Memory, appBase usermem.Addr, header *TBFHeader, index int) (*kernel.Process, error) {
	name := header.PackageName
	if name == "" {
		name = fmt.Sprintf("app%d", index)
	}

	if header.InitOffset >= header.TotalSize {
		return nil, fmt.Errorf("init offset %#x outside binary", header.InitOffset)
	}

	// The process needs at least the architecture's reserved region, and
	// at least what the binary asked for.
	minBrk := l.Boundary.InitialProcessAppBrkSize()
	ramSize := roundUpWord(maxu32(header.MinimumRAMSize, minBrk))
	if ramSize > l.RAMSize-l.nextRAM {
		return nil, fmt.Errorf("out of process RAM: need %d, have %d", ramSize, l.RAMSize-l.nextRAM)
	}

	image, err := flash.ReadBytes(appBase, header.TotalSize)
	if err != nil {
		return nil, err
	}
	appFlash := usermem.NewFlash(appBase, image)

	ramBase := l.RAMBase + usermem.Addr(l.nextRAM)
	mem := usermem.NewMemory(ramBase, ramSize)
	appBrk := ramBase + usermem.Addr(ramSize)

	p, err := l.Table.Insert(kernel.ProcessConfig{
		Name:     name,
		Boundary: l.Boundary,
		State:    l.NewState(),
		Memory:   mem,
		AppBrk:   appBrk,
		Flash:    appFlash,
		InitialFn: arch.FunctionCall{
			PC: uint32(appBase) + header.InitOffset,
			Args: [4]uint32{
				uint32(appBase),
				uint32(ramBase),
				ramSize,
				uint32(appBrk),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	// RAM is committed only once the process exists.
	l.nextRAM += ramSize
	return p, nil
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
