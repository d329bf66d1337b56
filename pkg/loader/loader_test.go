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

package loader

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/arch"
	"emberos.dev/ember/pkg/kernel"
	"emberos.dev/ember/pkg/usermem"
)

const (
	testFlashBase = usermem.Addr(0x00040000)
	testRAMBase   = usermem.Addr(0x20000000)
)

type testState struct{}

func (testState) LatchedFault() (uint32, uint32) { return 0, 0 }

// testBoundary satisfies arch.Boundary for loader tests.
type testBoundary struct {
	brkSize uint32
}

func (b testBoundary) InitialProcessAppBrkSize() uint32 {
	if b.brkSize != 0 {
		return b.brkSize
	}
	return 16
}

func (testBoundary) InitializeProcess(*usermem.Memory, usermem.Addr, arch.ProcessState) error {
	return nil
}

func (testBoundary) SetSyscallReturnValue(*usermem.Memory, usermem.Addr, arch.ProcessState, abi.SyscallReturn) error {
	return nil
}

func (testBoundary) SetProcessFunction(*usermem.Memory, usermem.Addr, arch.ProcessState, arch.FunctionCall) error {
	return nil
}

func (testBoundary) SwitchToProcess(*usermem.Memory, usermem.Addr, arch.ProcessState) (arch.ContextSwitchReason, usermem.Addr) {
	return arch.ContextSwitchInterrupted{}, 0
}

func (testBoundary) PrintContext(*usermem.Memory, usermem.Addr, arch.ProcessState, io.Writer) {}

// buildApp encodes one app binary: header plus codeSize zero bytes.
func buildApp(t *testing.T, name string, flags, minRAM, codeSize uint32) []byte {
	t.Helper()
	h := &TBFHeader{Flags: flags, MinimumRAMSize: minRAM, PackageName: name}
	hdrLen := uint32(len(EncodeTBFHeader(h)))
	h.InitOffset = hdrLen
	h.TotalSize = hdrLen + codeSize
	out := EncodeTBFHeader(h)
	return append(out, make([]byte, codeSize)...)
}

func newLoader(table *kernel.ProcessTable, ramSize uint32) *Loader {
	return &Loader{
		Boundary: testBoundary{},
		NewState: func() arch.ProcessState { return testState{} },
		Table:    table,
		RAMBase:  testRAMBase,
		RAMSize:  ramSize,
	}
}

func TestTBFHeaderRoundTrip(t *testing.T) {
	in := &TBFHeader{
		TotalSize:      512,
		Flags:          FlagEnabled,
		InitOffset:     0x28,
		ProtectedSize:  8,
		MinimumRAMSize: 2048,
		PackageName:    "sensor",
	}
	data := EncodeTBFHeader(in)
	out, err := ParseTBFHeader(data)
	if err != nil {
		t.Fatalf("ParseTBFHeader failed: %v", err)
	}
	in.HeaderSize = out.HeaderSize
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !out.Enabled() {
		t.Error("Enabled = false, want true")
	}
}

func TestTBFHeaderNoName(t *testing.T) {
	in := &TBFHeader{TotalSize: 64, InitOffset: 0x20, MinimumRAMSize: 128}
	out, err := ParseTBFHeader(EncodeTBFHeader(in))
	if err != nil {
		t.Fatalf("ParseTBFHeader failed: %v", err)
	}
	if out.PackageName != "" {
		t.Errorf("PackageName = %q, want empty", out.PackageName)
	}
	if out.Enabled() {
		t.Error("Enabled = true for header without the enabled flag")
	}
}

func TestParseTBFHeaderErrors(t *testing.T) {
	good := EncodeTBFHeader(&TBFHeader{TotalSize: 64, InitOffset: 0x20, PackageName: "x"})

	t.Run("truncated", func(t *testing.T) {
		if _, err := ParseTBFHeader(good[:8]); !errors.Is(err, ErrTruncated) {
			t.Errorf("got %v, want ErrTruncated", err)
		}
	})
	t.Run("bad-version", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		binary.LittleEndian.PutUint16(bad[0:2], 9)
		if _, err := ParseTBFHeader(bad); !errors.Is(err, ErrNotTBF) {
			t.Errorf("got %v, want ErrNotTBF", err)
		}
	})
	t.Run("bad-checksum", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[12] ^= 0xff
		if _, err := ParseTBFHeader(bad); !errors.Is(err, ErrBadChecksum) {
			t.Errorf("got %v, want ErrBadChecksum", err)
		}
	})
	t.Run("corrupt-body", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[len(bad)-1] ^= 0xff
		if _, err := ParseTBFHeader(bad); !errors.Is(err, ErrBadChecksum) {
			t.Errorf("got %v, want ErrBadChecksum", err)
		}
	})
	t.Run("zeros", func(t *testing.T) {
		if _, err := ParseTBFHeader(make([]byte, 64)); !errors.Is(err, ErrNotTBF) {
			t.Errorf("got %v, want ErrNotTBF", err)
		}
	})
}

func TestLoadProcesses(t *testing.T) {
	image := buildApp(t, "blink", FlagEnabled, 64, 32)
	secondAt := uint32(len(image))
	image = append(image, buildApp(t, "sensor", FlagEnabled, 128, 16)...)
	flash := usermem.NewFlash(testFlashBase, image)

	table := kernel.NewProcessTable(4)
	l := newLoader(table, 4096)
	procs, err := l.LoadProcesses(flash)
	if err != nil {
		t.Fatalf("LoadProcesses failed: %v", err)
	}
	if len(procs) != 2 {
		t.Fatalf("loaded %d processes, want 2", len(procs))
	}
	if procs[0].Name() != "blink" || procs[1].Name() != "sensor" {
		t.Errorf("names = %q, %q", procs[0].Name(), procs[1].Name())
	}

	// Flash windows frame each binary.
	if procs[0].FlashStart() != testFlashBase {
		t.Errorf("first app flash at %#x, want %#x", procs[0].FlashStart(), testFlashBase)
	}
	if want := testFlashBase + usermem.Addr(secondAt); procs[1].FlashStart() != want {
		t.Errorf("second app flash at %#x, want %#x", procs[1].FlashStart(), want)
	}

	// RAM windows are carved in load order without overlap.
	if procs[0].MemoryStart() != testRAMBase {
		t.Errorf("first app RAM at %#x, want %#x", procs[0].MemoryStart(), testRAMBase)
	}
	if procs[1].MemoryStart() != procs[0].MemoryEnd() {
		t.Errorf("second app RAM at %#x, want %#x", procs[1].MemoryStart(), procs[0].MemoryEnd())
	}
	if got := procs[1].MemoryEnd() - procs[1].MemoryStart(); got != 128 {
		t.Errorf("second app RAM size = %d, want its minimum 128", got)
	}
}

func TestLoadProcessesStopsAtGarbage(t *testing.T) {
	image := buildApp(t, "blink", FlagEnabled, 64, 32)
	image = append(image, 0xff, 0xff, 0xff, 0xff)
	image = append(image, make([]byte, 60)...)
	flash := usermem.NewFlash(testFlashBase, image)

	table := kernel.NewProcessTable(4)
	procs, err := newLoader(table, 4096).LoadProcesses(flash)
	if err != nil {
		t.Fatalf("LoadProcesses failed: %v", err)
	}
	if len(procs) != 1 {
		t.Errorf("loaded %d processes, want 1", len(procs))
	}
}

func TestLoadProcessesSkipsDisabled(t *testing.T) {
	image := buildApp(t, "off", 0, 64, 32)
	image = append(image, buildApp(t, "on", FlagEnabled, 64, 32)...)
	flash := usermem.NewFlash(testFlashBase, image)

	table := kernel.NewProcessTable(4)
	procs, err := newLoader(table, 4096).LoadProcesses(flash)
	if err != nil {
		t.Fatalf("LoadProcesses failed: %v", err)
	}
	if len(procs) != 1 || procs[0].Name() != "on" {
		t.Fatalf("loaded %v, want only the enabled app", procs)
	}
	// The disabled app consumed no RAM.
	if procs[0].MemoryStart() != testRAMBase {
		t.Errorf("RAM starts at %#x, want %#x", procs[0].MemoryStart(), testRAMBase)
	}
}

func TestLoadProcessesRAMExhaustion(t *testing.T) {
	image := buildApp(t, "big", FlagEnabled, 4096, 32)
	image = append(image, buildApp(t, "small", FlagEnabled, 64, 32)...)
	flash := usermem.NewFlash(testFlashBase, image)

	table := kernel.NewProcessTable(4)
	procs, err := newLoader(table, 1024).LoadProcesses(flash)
	if err != nil {
		t.Fatalf("LoadProcesses failed: %v", err)
	}
	// The oversized app is skipped whole; the later one still loads,
	// from the start of the untouched pool.
	if len(procs) != 1 || procs[0].Name() != "small" {
		t.Fatalf("loaded %v, want only the small app", procs)
	}
	if procs[0].MemoryStart() != testRAMBase {
		t.Errorf("RAM starts at %#x, want the pool untouched at %#x", procs[0].MemoryStart(), testRAMBase)
	}
}

func TestLoadProcessesOverrunStops(t *testing.T) {
	// A header whose TotalSize reaches past the end of flash.
	app := buildApp(t, "truncated", FlagEnabled, 64, 32)
	flash := usermem.NewFlash(testFlashBase, app[:len(app)-8])

	table := kernel.NewProcessTable(4)
	procs, err := newLoader(table, 4096).LoadProcesses(flash)
	if err != nil {
		t.Fatalf("LoadProcesses failed: %v", err)
	}
	if len(procs) != 0 {
		t.Errorf("loaded %d processes from truncated flash, want 0", len(procs))
	}
}

func TestLoadProcessesEntryArguments(t *testing.T) {
	image := buildApp(t, "blink", FlagEnabled, 64, 32)
	header, err := ParseTBFHeader(image)
	if err != nil {
		t.Fatalf("ParseTBFHeader failed: %v", err)
	}
	flash := usermem.NewFlash(testFlashBase, image)

	table := kernel.NewProcessTable(4)
	procs, err := newLoader(table, 4096).LoadProcesses(flash)
	if err != nil || len(procs) != 1 {
		t.Fatalf("LoadProcesses = (%v, %v), want one process", procs, err)
	}
	p := procs[0]

	// The queued entry call starts at InitOffset and receives the
	// process's layout.
	task, ok := p.DequeueTask()
	if !ok || task.Kind != kernel.TaskFunctionCall {
		t.Fatalf("initial task = (%+v, %t), want function call", task, ok)
	}
	if want := uint32(testFlashBase) + header.InitOffset; task.FunctionCall.PC != want {
		t.Errorf("entry PC = %#x, want %#x", task.FunctionCall.PC, want)
	}
	want := [4]uint32{
		uint32(testFlashBase),
		uint32(testRAMBase),
		uint32(p.MemoryEnd() - p.MemoryStart()),
		uint32(p.AppBrk()),
	}
	if task.FunctionCall.Args != want {
		t.Errorf("entry args = %v, want %v", task.FunctionCall.Args, want)
	}
}
