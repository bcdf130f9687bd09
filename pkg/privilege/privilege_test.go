// Copyright 2026 The gVisor Authors.
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

package privilege

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kcore.dev/kcore/pkg/esr"
)

type fakeClock uint64

func (c *fakeClock) Now() uint64 {
	*c++
	return uint64(*c)
}

const (
	svc64  = 0x56000000
	dabort = 0x92000007
)

func svcFrame(nr uint64, args ...uint64) *Frame {
	f := &Frame{ESR: svc64, ELR: 0x400004, SPSR: UserFlagsSet, SP: 0x7fff0000}
	f.Regs[syscallNumberReg] = nr
	copy(f.Regs[:], args)
	return f
}

func TestStartsAtEL1(t *testing.T) {
	m := NewManager(nil, nil)
	if got := m.Current(); got != EL1 {
		t.Errorf("Current() got %v, want %v", got, EL1)
	}
}

func TestRoundTrip(t *testing.T) {
	var clock fakeClock
	m := NewManager(&clock, nil)
	if err := m.TransitionToUser(0x400000, 0); err != nil {
		t.Fatalf("initial TransitionToUser: %v", err)
	}

	f := svcFrame(172, 1, 2, 3, 4, 5, 6)
	tr := m.TransitionToKernel(esr.Decode(uint32(f.ESR)), f)
	if got := m.Current(); got != EL1 {
		t.Fatalf("Current() after entry got %v, want %v", got, EL1)
	}
	want := Transition{
		Syndrome:      svc64,
		ReturnAddress: 0x400004,
		SavedStatus:   UserFlagsSet,
		Syscall:       &Syscall{Number: 172, Args: [NumSyscallArgs]uint64{1, 2, 3, 4, 5, 6}},
		From:          EL0,
		Timestamp:     1,
	}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Errorf("Transition mismatch (-want +got):\n%s", diff)
	}

	if err := m.TransitionToUser(tr.ReturnAddress, 42); err != nil {
		t.Fatalf("TransitionToUser: %v", err)
	}
	if got := m.Current(); got != EL0 {
		t.Errorf("Current() after return got %v, want %v", got, EL0)
	}
	rs := m.ReturnState()
	wantRS := ReturnState{ELR: 0x400004, SPSR: UserFlagsSet, Result: 42, SP: 0x7fff0000}
	if diff := cmp.Diff(wantRS, rs); diff != "" {
		t.Errorf("ReturnState mismatch (-want +got):\n%s", diff)
	}
	if ModeOf(rs.SPSR) != EL0 {
		t.Errorf("SPSR %#x does not target EL0", rs.SPSR)
	}

	var out Frame
	rs.Apply(&out)
	if out.ELR != 0x400004 || out.Regs[0] != 42 || out.SP != 0x7fff0000 {
		t.Errorf("Apply produced %+v", out)
	}

	want2 := Stats{ToKernel: 1, ToUser: 2, Syscalls: 1}
	if diff := cmp.Diff(want2, m.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestReturnFromUserFails(t *testing.T) {
	m := NewManager(nil, nil)
	if err := m.TransitionToUser(0x1000, 0); err != nil {
		t.Fatalf("TransitionToUser: %v", err)
	}
	before := m.ReturnState()
	err := m.TransitionToUser(0x2000, 7)
	if !errors.Is(err, ErrNotInKernel) {
		t.Fatalf("second TransitionToUser got %v, want %v", err, ErrNotInKernel)
	}
	if m.Current() != EL0 {
		t.Errorf("failed return changed level to %v", m.Current())
	}
	if diff := cmp.Diff(before, m.ReturnState()); diff != "" {
		t.Errorf("failed return changed return state (-want +got):\n%s", diff)
	}
	if got := m.Stats().ToUser; got != 1 {
		t.Errorf("ToUser got %d, want 1", got)
	}
}

func TestEntryFromKernelIsCountedNotFatal(t *testing.T) {
	var seen []Violation
	m := NewManager(nil, func(v Violation) { seen = append(seen, v) })
	f := &Frame{ESR: dabort, ELR: 0xffff000000001000, FAR: 0xdead0000}
	tr := m.TransitionToKernel(esr.Decode(dabort), f)
	if tr.Syscall != nil {
		t.Errorf("data abort produced a syscall: %+v", tr.Syscall)
	}
	if tr.FaultAddress != 0xdead0000 || tr.From != EL1 {
		t.Errorf("Transition got %+v", tr)
	}
	if m.Current() != EL1 {
		t.Errorf("Current() got %v, want %v", m.Current(), EL1)
	}
	want := []Violation{{Kind: EntryNotFromUser, Current: EL1, Required: EL0}}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("violations mismatch (-want +got):\n%s", diff)
	}
	if got := m.Stats().Violations; got != 1 {
		t.Errorf("Violations got %d, want 1", got)
	}
}

func TestValidatePrivilege(t *testing.T) {
	for _, tc := range []struct {
		name     string
		atUser   bool
		required Level
		wantErr  bool
	}{
		{"user needs user", true, EL0, false},
		{"user needs kernel", true, EL1, true},
		{"user needs el2", true, EL2, true},
		{"kernel needs kernel", false, EL1, false},
		{"kernel needs el3", false, EL3, false},
		{"kernel needs user", false, EL0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			m := NewManager(nil, func(Violation) { calls++ })
			if tc.atUser {
				m.TransitionToUser(0, 0)
			}
			err := m.ValidatePrivilege(tc.required)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("ValidatePrivilege(%v) got %v, want error %t", tc.required, err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPrivilegeViolation) {
				t.Errorf("error %v does not wrap %v", err, ErrPrivilegeViolation)
			}
			wantCount := uint64(0)
			if tc.wantErr {
				wantCount = 1
			}
			if got := m.Stats().Violations; got != wantCount {
				t.Errorf("Violations got %d, want %d", got, wantCount)
			}
			if uint64(calls) != wantCount {
				t.Errorf("policy called %d times, want %d", calls, wantCount)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	if got := EL0.String(); got != "EL0" {
		t.Errorf("EL0.String() got %q", got)
	}
	if ModeOf(KernelFlagsSet) != EL1 {
		t.Errorf("KernelFlagsSet mode got %v, want EL1", ModeOf(KernelFlagsSet))
	}
	if !InterruptsMasked(KernelFlagsSet) || InterruptsMasked(UserFlagsSet) {
		t.Errorf("interrupt mask bits wrong")
	}
}
