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

package x86

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"emberos.dev/ember/pkg/abi"
	"emberos.dev/ember/pkg/arch"
	"emberos.dev/ember/pkg/usermem"
)

const (
	testBase = usermem.Addr(0x20000000)
	testSize = 4096
)

// fakeTrampoline returns scripted traps in order.
type fakeTrampoline struct {
	traps []Trap
	setup []func(mem *usermem.Memory, appBrk usermem.Addr, s *StoredState)
}

func (f *fakeTrampoline) Run(mem *usermem.Memory, appBrk usermem.Addr, s *StoredState) Trap {
	if len(f.traps) == 0 {
		panic("fake trampoline ran out of traps")
	}
	t := f.traps[0]
	f.traps = f.traps[1:]
	if len(f.setup) > 0 {
		if fn := f.setup[0]; fn != nil {
			fn(mem, appBrk, s)
		}
		f.setup = f.setup[1:]
	}
	return t
}

func newTestProcess(t *testing.T, tramp Trampoline) (*SyscallBoundary, *usermem.Memory, usermem.Addr, *StoredState) {
	t.Helper()
	b := NewSyscallBoundary(tramp)
	mem := usermem.NewMemory(testBase, testSize)
	appBrk := testBase + 256
	s := &StoredState{}
	if err := b.InitializeProcess(mem, appBrk, s); err != nil {
		t.Fatalf("InitializeProcess failed: %v", err)
	}
	return b, mem, appBrk, s
}

func TestInitializeProcess(t *testing.T) {
	b := NewSyscallBoundary(nil)
	mem := usermem.NewMemory(testBase, testSize)
	appBrk := testBase + 256
	s := &StoredState{EAX: 99, EIP: 0x1234, Exception: 13, ErrCode: 5}
	if err := b.InitializeProcess(mem, appBrk, s); err != nil {
		t.Fatalf("InitializeProcess failed: %v", err)
	}
	want := &StoredState{
		ESP:    uint32(appBrk) - 4*usermem.WordSize,
		EFLAGS: eflagsReserved | eflagsIF,
		CS:     UserCodeSelector,
		SS:     UserDataSelector,
		DS:     UserDataSelector,
		ES:     UserDataSelector,
		FS:     UserDataSelector,
		GS:     UserDataSelector,
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("initialized state mismatch (-want +got):\n%s", diff)
	}
}

func TestInitializeProcessErrors(t *testing.T) {
	b := NewSyscallBoundary(nil)
	mem := usermem.NewMemory(testBase, testSize)
	for _, test := range []struct {
		name   string
		appBrk usermem.Addr
	}{
		{"below-base", testBase - 4},
		{"past-end", mem.End() + 4},
		{"misaligned", testBase + 258},
		{"too-small", testBase + 8},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := &StoredState{EAX: 7}
			if err := b.InitializeProcess(mem, test.appBrk, s); err == nil {
				t.Fatalf("InitializeProcess(appBrk=%#x) succeeded, want error", test.appBrk)
			}
			// Error path leaves the state untouched.
			if s.EAX != 7 {
				t.Errorf("state modified on error path: EAX = %d, want 7", s.EAX)
			}
		})
	}
}

func TestStackSlotBounds(t *testing.T) {
	mem := usermem.NewMemory(testBase, testSize)
	appBrk := testBase + 512
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 10000; i++ {
		s := &StoredState{ESP: uint32(testBase) + uint32(rng.Intn(1024)) - 256}
		index := rng.Intn(8)
		addr, err := s.stackSlotAddr(index, mem, appBrk)
		slotLo := usermem.Addr(s.ESP) + usermem.Addr(index*usermem.WordSize)
		inWindow := slotLo >= testBase &&
			slotLo+usermem.WordSize <= appBrk &&
			slotLo.IsWordAligned()
		if err == nil != inWindow {
			t.Fatalf("stackSlotAddr(esp=%#x, index=%d): err=%v, want in-window=%t", s.ESP, index, err, inWindow)
		}
		if err == nil && addr != slotLo {
			t.Fatalf("stackSlotAddr(esp=%#x, index=%d) = %#x, want %#x", s.ESP, index, addr, slotLo)
		}
	}
}

func TestStackSlotOverflow(t *testing.T) {
	mem := usermem.NewMemory(testBase, testSize)
	s := &StoredState{ESP: 0xfffffff8}
	if _, err := s.stackSlotAddr(3, mem, testBase+256); err == nil {
		t.Error("stackSlotAddr with wrapping slot succeeded, want error")
	}
	if _, err := s.ReadStackWord(3, mem, testBase+256); err == nil {
		t.Error("ReadStackWord with wrapping slot succeeded, want error")
	}
}

func TestSetSyscallReturnValue(t *testing.T) {
	b, mem, appBrk, s := newTestProcess(t, nil)
	if err := b.SetSyscallReturnValue(mem, appBrk, s, abi.FailureU32(abi.Invalid, 0xbeef)); err != nil {
		t.Fatalf("SetSyscallReturnValue failed: %v", err)
	}
	want := [4]uint32{uint32(abi.ReturnFailureU32), uint32(abi.Invalid), 0xbeef, 0}
	for i, w := range want {
		got, err := s.ReadStackWord(i, mem, appBrk)
		if err != nil {
			t.Fatalf("ReadStackWord(%d) failed: %v", i, err)
		}
		if got != w {
			t.Errorf("slot %d = %#x, want %#x", i, got, w)
		}
	}
}

func TestSetSyscallReturnValueBadStack(t *testing.T) {
	b, mem, appBrk, s := newTestProcess(t, nil)
	s.ESP = uint32(appBrk) // slots [appBrk, appBrk+16) are outside the window
	if err := b.SetSyscallReturnValue(mem, appBrk, s, abi.Success()); err == nil {
		t.Error("SetSyscallReturnValue with out-of-window stack succeeded, want error")
	}
}

func TestSetProcessFunction(t *testing.T) {
	b, mem, appBrk, s := newTestProcess(t, nil)
	s.EIP = 0x00041000
	oldSP := s.ESP

	fn := arch.FunctionCall{PC: 0x00042000, Args: [4]uint32{1, 2, 3, 4}}
	if err := b.SetProcessFunction(mem, appBrk, s, fn); err != nil {
		t.Fatalf("SetProcessFunction failed: %v", err)
	}
	if s.EIP != fn.PC {
		t.Errorf("EIP = %#x, want %#x", s.EIP, fn.PC)
	}
	if s.ESP != oldSP-usermem.WordSize {
		t.Errorf("ESP = %#x, want %#x", s.ESP, oldSP-usermem.WordSize)
	}
	// Slot 0 holds the pushed return address; the arguments follow.
	want := [5]uint32{0x00041000, 1, 2, 3, 4}
	for i, w := range want {
		got, err := s.ReadStackWord(i, mem, appBrk)
		if err != nil {
			t.Fatalf("ReadStackWord(%d) failed: %v", i, err)
		}
		if got != w {
			t.Errorf("slot %d = %#x, want %#x", i, got, w)
		}
	}
}

func TestSetProcessFunctionBadStack(t *testing.T) {
	b, mem, appBrk, s := newTestProcess(t, nil)
	s.ESP = uint32(testBase) // push would land below the window
	oldSP := s.ESP
	fn := arch.FunctionCall{PC: 0x00042000}
	if err := b.SetProcessFunction(mem, appBrk, s, fn); err == nil {
		t.Fatal("SetProcessFunction with full stack succeeded, want error")
	}
	if s.ESP != oldSP {
		t.Errorf("ESP changed on error path: %#x, want %#x", s.ESP, oldSP)
	}
}

func TestSwitchToProcessSyscall(t *testing.T) {
	tramp := &fakeTrampoline{
		traps: []Trap{{Vector: VectorSyscall}},
		setup: []func(mem *usermem.Memory, appBrk usermem.Addr, s *StoredState){
			func(mem *usermem.Memory, appBrk usermem.Addr, s *StoredState) {
				s.EAX = uint32(abi.ClassCommand)
				for i, w := range []uint32{8, 1, 2, 3} {
					if err := s.WriteStackWord(i, w, mem, appBrk); err != nil {
						panic(err)
					}
				}
			},
		},
	}
	b, mem, appBrk, s := newTestProcess(t, tramp)
	reason, sp := b.SwitchToProcess(mem, appBrk, s)
	sys, ok := reason.(arch.ContextSwitchSyscall)
	if !ok {
		t.Fatalf("SwitchToProcess = %T, want ContextSwitchSyscall", reason)
	}
	want := abi.Command{DriverNum: 8, CommandNum: 1, Arg0: 2, Arg1: 3}
	if diff := cmp.Diff(abi.Syscall(want), sys.Syscall); diff != "" {
		t.Errorf("decoded syscall mismatch (-want +got):\n%s", diff)
	}
	if sp != usermem.Addr(s.ESP) {
		t.Errorf("returned stack pointer %#x, want %#x", sp, s.ESP)
	}
}

func TestSwitchToProcessBadClassFaults(t *testing.T) {
	tramp := &fakeTrampoline{
		traps: []Trap{{Vector: VectorSyscall}},
		setup: []func(mem *usermem.Memory, appBrk usermem.Addr, s *StoredState){
			func(mem *usermem.Memory, appBrk usermem.Addr, s *StoredState) {
				s.EAX = 0xff // not a syscall class
			},
		},
	}
	b, mem, appBrk, s := newTestProcess(t, tramp)
	if reason, _ := b.SwitchToProcess(mem, appBrk, s); reason != (arch.ContextSwitchFault{}) {
		t.Errorf("SwitchToProcess = %T, want ContextSwitchFault", reason)
	}
}

func TestSwitchToProcessException(t *testing.T) {
	tramp := &fakeTrampoline{traps: []Trap{{Vector: 14, ErrCode: 0x2}}}
	b, mem, appBrk, s := newTestProcess(t, tramp)
	if reason, _ := b.SwitchToProcess(mem, appBrk, s); reason != (arch.ContextSwitchFault{}) {
		t.Fatalf("SwitchToProcess = %T, want ContextSwitchFault", reason)
	}
	if vector, code := s.LatchedFault(); vector != 14 || code != 0x2 {
		t.Errorf("LatchedFault = (%d, %#x), want (14, 0x2)", vector, code)
	}

	// A latched fault must refuse future switches without touching state.
	before := *s
	if reason, _ := b.SwitchToProcess(mem, appBrk, s); reason != (arch.ContextSwitchFault{}) {
		t.Errorf("resumed faulted state: %T", reason)
	}
	if diff := cmp.Diff(&before, s); diff != "" {
		t.Errorf("faulted state modified (-want +got):\n%s", diff)
	}
}

func TestSwitchToProcessInterrupted(t *testing.T) {
	tramp := &fakeTrampoline{traps: []Trap{{Vector: 0x20}}}
	b, mem, appBrk, s := newTestProcess(t, tramp)
	if reason, _ := b.SwitchToProcess(mem, appBrk, s); reason != (arch.ContextSwitchInterrupted{}) {
		t.Errorf("SwitchToProcess = %T, want ContextSwitchInterrupted", reason)
	}
}

func TestSyscallMissingArgsReadAsZero(t *testing.T) {
	tramp := &fakeTrampoline{
		traps: []Trap{{Vector: VectorSyscall}},
		setup: []func(mem *usermem.Memory, appBrk usermem.Addr, s *StoredState){
			func(mem *usermem.Memory, appBrk usermem.Addr, s *StoredState) {
				// Stack pointer so close to the break that no
				// argument slot is readable.
				s.EAX = uint32(abi.ClassYield)
				s.ESP = uint32(appBrk)
			},
		},
	}
	b, mem, appBrk, s := newTestProcess(t, tramp)
	reason, _ := b.SwitchToProcess(mem, appBrk, s)
	sys, ok := reason.(arch.ContextSwitchSyscall)
	if !ok {
		t.Fatalf("SwitchToProcess = %T, want ContextSwitchSyscall", reason)
	}
	if diff := cmp.Diff(abi.Syscall(abi.Yield{}), sys.Syscall); diff != "" {
		t.Errorf("syscall args not zeroed (-want +got):\n%s", diff)
	}
}
