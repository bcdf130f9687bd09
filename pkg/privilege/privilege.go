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

// Package privilege tracks the current exception level and performs the
// EL0 <-> EL1 transitions of exception entry and exception return.
//
// EL2 and EL3 are representable but never entered.
package privilege

import (
	"errors"
	"fmt"

	"kcore.dev/kcore/pkg/esr"
)

// Level is an exception level.
type Level uint8

// Exception levels.
const (
	EL0 Level = iota
	EL1
	EL2
	EL3
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	if l > EL3 {
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
	return fmt.Sprintf("EL%d", uint8(l))
}

// SPSR bits.
const (
	// DAIF bits: debug, SError, IRQ, FIQ.
	psrD = 0x00000200
	psrA = 0x00000100
	psrI = 0x00000080
	psrF = 0x00000040

	psrModeEL0t = 0x00000000
	psrModeEL1h = 0x00000005
	psrModeMask = 0x0000000f

	// KernelFlagsSet is the SPSR of kernel execution: EL1h with every
	// exception masked.
	KernelFlagsSet = psrModeEL1h | psrD | psrA | psrI | psrF

	// UserFlagsSet is the SPSR of user execution: EL0t with every exception
	// unmasked.
	UserFlagsSet = psrModeEL0t
)

// Syscall register convention: the number is in X8, arguments in X0..X5 and
// the result is returned in X0.
const (
	syscallNumberReg = 8
	resultReg        = 0

	// NumSyscallArgs is the number of syscall argument registers.
	NumSyscallArgs = 6
)

// Errors returned by Manager.
var (
	// ErrNotInKernel is returned when returning to user mode while not
	// at EL1.
	ErrNotInKernel = errors.New("exception return requested while not at EL1")

	// ErrPrivilegeViolation is returned when an EL0 caller requests an
	// operation that requires a higher level.
	ErrPrivilegeViolation = errors.New("privilege violation")
)

// Frame is the register state saved on exception entry and restored on
// exception return.
type Frame struct {
	// Regs are X0..X30.
	Regs [31]uint64

	// SP is SP_EL0, the user stack pointer.
	SP uint64

	// ELR is ELR_EL1, the exception return address.
	ELR uint64

	// SPSR is SPSR_EL1, the saved program status.
	SPSR uint64

	// ESR is ESR_EL1, the exception syndrome.
	ESR uint64

	// FAR is FAR_EL1, the fault address.
	FAR uint64
}

// Syscall is the system call carried by an SVC.
type Syscall struct {
	Number uint64
	Args   [NumSyscallArgs]uint64
}

// Transition records one EL0 -> EL1 crossing.
type Transition struct {
	// Syndrome is the raw ESR_EL1 value.
	Syndrome uint64

	// ReturnAddress is ELR_EL1.
	ReturnAddress uint64

	// SavedStatus is SPSR_EL1.
	SavedStatus uint64

	// FaultAddress is FAR_EL1.
	FaultAddress uint64

	// Syscall is set if the exception was a system call.
	Syscall *Syscall

	// From is the level the Manager recorded before the crossing.
	From Level

	// Timestamp is the clock reading at the crossing.
	Timestamp uint64
}

// ReturnState is what the hardware reads on exception return.
type ReturnState struct {
	// ELR is the address execution resumes at.
	ELR uint64

	// SPSR holds the target level and interrupt masks.
	SPSR uint64

	// Result is the value placed in X0.
	Result uint64

	// SP is the user stack pointer restored into SP_EL0.
	SP uint64
}

// Apply copies r into the registers of f.
func (r ReturnState) Apply(f *Frame) {
	f.ELR = r.ELR
	f.SPSR = r.SPSR
	f.SP = r.SP
	f.Regs[resultReg] = r.Result
}

// ViolationKind is the kind of a Violation.
type ViolationKind uint8

// Violation kinds.
const (
	// EntryNotFromUser is an exception entry recorded while the Manager
	// was not at EL0.
	EntryNotFromUser ViolationKind = iota

	// InsufficientLevel is a privilege check failed by an EL0 caller.
	InsufficientLevel
)

// String implements fmt.Stringer.String.
func (k ViolationKind) String() string {
	switch k {
	case EntryNotFromUser:
		return "entry-not-from-user"
	case InsufficientLevel:
		return "insufficient-level"
	default:
		return fmt.Sprintf("ViolationKind(%d)", uint8(k))
	}
}

// Violation describes one counted violation.
type Violation struct {
	Kind     ViolationKind
	Current  Level
	Required Level
}

// Clock supplies transition timestamps.
type Clock interface {
	// Now returns the current time in ticks.
	Now() uint64
}

// Stats are the Manager counters.
type Stats struct {
	// ToKernel counts EL0 -> EL1 transitions.
	ToKernel uint64 `json:"el0_to_el1"`

	// ToUser counts EL1 -> EL0 transitions.
	ToUser uint64 `json:"el1_to_el0"`

	// Violations counts privilege violations of every kind.
	Violations uint64 `json:"violations"`

	// Syscalls counts system calls.
	Syscalls uint64 `json:"syscalls"`
}

// Manager tracks the current exception level.
//
// Manager is not synchronized; the kernel calls it with its lock held.
type Manager struct {
	clock   Clock
	current Level
	userSP  uint64
	kernSP  uint64
	ret     ReturnState
	stats   Stats

	// onViolation is the caller supplied violation policy. It may be nil.
	onViolation func(Violation)
}

// NewManager returns a Manager at EL1. onViolation, if not nil, is called for
// every violation after it is counted; deciding what to do about the
// violating caller is up to it.
func NewManager(clock Clock, onViolation func(Violation)) *Manager {
	return &Manager{
		clock:       clock,
		current:     EL1,
		onViolation: onViolation,
	}
}

// Current returns the current exception level.
func (m *Manager) Current() Level {
	return m.current
}

// SetUserStack sets the stack pointer restored on the next return to EL0.
func (m *Manager) SetUserStack(sp uint64) {
	m.userSP = sp
}

// UserStack returns the user stack pointer.
func (m *Manager) UserStack() uint64 {
	return m.userSP
}

// SetKernelStack sets the kernel stack pointer.
func (m *Manager) SetKernelStack(sp uint64) {
	m.kernSP = sp
}

// KernelStack returns the kernel stack pointer.
func (m *Manager) KernelStack() uint64 {
	return m.kernSP
}

func (m *Manager) violation(v Violation) {
	m.stats.Violations++
	if m.onViolation != nil {
		m.onViolation(v)
	}
}

// TransitionToKernel records exception entry. It reads ESR, ELR, SPSR and
// FAR from frame; for a system call it also extracts the number and
// arguments. The level becomes EL1.
//
// Entry while not at EL0 is counted as a violation but still recorded: the
// hardware has already changed level regardless.
func (m *Manager) TransitionToKernel(syn esr.Syndrome, frame *Frame) Transition {
	from := m.current
	if from != EL0 {
		m.violation(Violation{Kind: EntryNotFromUser, Current: from, Required: EL0})
	}

	t := Transition{
		Syndrome:      frame.ESR,
		ReturnAddress: frame.ELR,
		SavedStatus:   frame.SPSR,
		FaultAddress:  frame.FAR,
		From:          from,
	}
	if m.clock != nil {
		t.Timestamp = m.clock.Now()
	}
	if syn.IsSystemCall() {
		sc := &Syscall{Number: frame.Regs[syscallNumberReg]}
		copy(sc.Args[:], frame.Regs[:NumSyscallArgs])
		t.Syscall = sc
		m.stats.Syscalls++
	}
	if from == EL0 {
		m.userSP = frame.SP
	}

	m.current = EL1
	m.stats.ToKernel++
	return t
}

// TransitionToUser programs an exception return to EL0 at returnAddress
// with returnValue in X0. It fails, leaving all state unchanged, if the
// Manager is not at EL1.
func (m *Manager) TransitionToUser(returnAddress, returnValue uint64) error {
	if m.current != EL1 {
		return fmt.Errorf("%w: at %s", ErrNotInKernel, m.current)
	}
	m.ret = ReturnState{
		ELR:    returnAddress,
		SPSR:   UserFlagsSet,
		Result: returnValue,
		SP:     m.userSP,
	}
	m.current = EL0
	m.stats.ToUser++
	return nil
}

// ReturnState returns the registers programmed by the last successful
// TransitionToUser.
func (m *Manager) ReturnState() ReturnState {
	return m.ret
}

// ValidatePrivilege checks that the current level may perform an operation
// requiring level required. Only EL0 callers are ever refused; EL1 callers
// are trusted.
func (m *Manager) ValidatePrivilege(required Level) error {
	if m.current == EL0 && required > EL0 {
		m.violation(Violation{Kind: InsufficientLevel, Current: m.current, Required: required})
		return fmt.Errorf("%w: %s required, caller at %s", ErrPrivilegeViolation, required, m.current)
	}
	return nil
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	return m.stats
}

// ModeOf returns the level encoded in an SPSR value.
func ModeOf(spsr uint64) Level {
	return Level((spsr & psrModeMask) >> 2)
}

// InterruptsMasked returns true if the SPSR value masks IRQs.
func InterruptsMasked(spsr uint64) bool {
	return spsr&psrI != 0
}
