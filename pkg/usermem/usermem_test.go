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

package usermem

import (
	"errors"
	"testing"
)

func TestAddrAddLength(t *testing.T) {
	for _, test := range []struct {
		addr    Addr
		length  uint32
		wantEnd Addr
		wantOK  bool
	}{
		{0, 0, 0, true},
		{0x1000, 0x10, 0x1010, true},
		{0xfffffffc, 4, 0, false},
		{0xffffffff, 1, 0, false},
		{0xffffffff, 0, 0xffffffff, true},
	} {
		end, ok := test.addr.AddLength(test.length)
		if ok != test.wantOK || (ok && end != test.wantEnd) {
			t.Errorf("Addr(%#x).AddLength(%#x) = (%#x, %t), want (%#x, %t)",
				test.addr, test.length, end, ok, test.wantEnd, test.wantOK)
		}
	}
}

func TestReadWriteWord(t *testing.T) {
	m := NewMemory(0x20000000, 64)
	if err := m.WriteWord(0x20000004, 0xdeadbeef); err != nil {
		t.Fatalf("WriteWord failed: %v", err)
	}
	got, err := m.ReadWord(0x20000004)
	if err != nil {
		t.Fatalf("ReadWord failed: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("ReadWord = %#x, want %#x", got, 0xdeadbeef)
	}

	// Little-endian byte order within a word.
	b, err := m.ReadByte(0x20000004)
	if err != nil {
		t.Fatalf("ReadByte failed: %v", err)
	}
	if b != 0xef {
		t.Errorf("ReadByte = %#x, want 0xef", b)
	}
}

func TestAccessOutOfRange(t *testing.T) {
	m := NewMemory(0x20000000, 64)
	for _, addr := range []Addr{0x1ffffffc, 0x20000040, 0xfffffffc} {
		if _, err := m.ReadWord(addr); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("ReadWord(%#x) = %v, want ErrOutOfRange", addr, err)
		}
		if err := m.WriteWord(addr, 0); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("WriteWord(%#x) = %v, want ErrOutOfRange", addr, err)
		}
	}
}

func TestAccessMisaligned(t *testing.T) {
	m := NewMemory(0x20000000, 64)
	// 0x2000003d is both misaligned and past the region end; alignment is
	// checked first.
	for _, addr := range []Addr{0x20000001, 0x20000002, 0x20000003, 0x2000003d} {
		if _, err := m.ReadWord(addr); !errors.Is(err, ErrMisaligned) {
			t.Errorf("ReadWord(%#x) = %v, want ErrMisaligned", addr, err)
		}
		if err := m.WriteWord(addr, 0); !errors.Is(err, ErrMisaligned) {
			t.Errorf("WriteWord(%#x) = %v, want ErrMisaligned", addr, err)
		}
	}
}

func TestFlashReadOnly(t *testing.T) {
	f := NewFlash(0x40000, []byte{1, 0, 0, 0, 2, 0, 0, 0})
	got, err := f.ReadWord(0x40004)
	if err != nil {
		t.Fatalf("ReadWord failed: %v", err)
	}
	if got != 2 {
		t.Errorf("ReadWord = %d, want 2", got)
	}
	if err := f.WriteWord(0x40000, 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("WriteWord on flash = %v, want ErrReadOnly", err)
	}
	if err := f.WriteByte(0x40000, 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("WriteByte on flash = %v, want ErrReadOnly", err)
	}
	if err := f.WriteBytes(0x40000, []byte{9}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("WriteBytes on flash = %v, want ErrReadOnly", err)
	}
}

func TestReadWriteBytes(t *testing.T) {
	m := NewMemory(0x1000, 16)
	data := []byte{0xaa, 0xbb, 0xcc}
	if err := m.WriteBytes(0x100d, data); err != nil {
		t.Fatalf("WriteBytes failed: %v", err)
	}
	got, err := m.ReadBytes(0x100d, 3)
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("ReadBytes = %v, want %v", got, data)
	}
	if err := m.WriteBytes(0x100e, data); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("WriteBytes past end = %v, want ErrOutOfRange", err)
	}
}

func TestCheckRange(t *testing.T) {
	m := NewMemory(0x1000, 16)
	if err := m.CheckRange(0x1000, 16); err != nil {
		t.Errorf("CheckRange(full region) = %v, want nil", err)
	}
	if err := m.CheckRange(0x1010, 0); err != nil {
		t.Errorf("CheckRange(end, 0) = %v, want nil", err)
	}
	if err := m.CheckRange(0x1000, 17); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("CheckRange(overlong) = %v, want ErrOutOfRange", err)
	}
	if err := m.CheckRange(0xffffffff, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("CheckRange(wrapping) = %v, want ErrOutOfRange", err)
	}
}
