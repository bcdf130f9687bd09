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

package esr

import (
	"fmt"
)

// Details is the class specific part of a Syndrome. The concrete type is one
// of NoDetails, SystemCall, DataAbort, InstructionAbort, Alignment or
// Breakpoint.
type Details interface {
	fmt.Stringer

	isDetails()
}

// NoDetails is used for classes whose ISS is not interpreted.
type NoDetails struct{}

func (NoDetails) isDetails() {}

// String implements fmt.Stringer.String.
func (NoDetails) String() string { return "-" }

// SystemCall holds the immediate of an SVC, HVC or SMC instruction.
type SystemCall struct {
	Immediate uint16
}

func (SystemCall) isDetails() {}

// String implements fmt.Stringer.String.
func (s SystemCall) String() string {
	return fmt.Sprintf("imm16=%#x", s.Immediate)
}

func decodeSystemCall(iss uint32) Details {
	return SystemCall{Immediate: uint16(iss & 0xffff)}
}

// Data abort ISS fields.
const (
	issISV   = 1 << 24
	issSAS   = 22
	issSSE   = 1 << 21
	issSRT   = 16
	issSF    = 1 << 15
	issFnV   = 1 << 10
	issEA    = 1 << 9
	issCM    = 1 << 8
	issS1PTW = 1 << 7
	issWnR   = 1 << 6
	issFSC   = 0x3f
)

// DataAbort is the decoded ISS of a data abort.
//
// AccessSize, SignExtend, Register and Sixty4 are only meaningful when
// SyndromeValid is set.
type DataAbort struct {
	// SyndromeValid is ISV: the access size and register fields are valid.
	SyndromeValid bool

	// AccessSize is the size of the faulting access in bytes.
	AccessSize uint8

	// SignExtend is SSE.
	SignExtend bool

	// Register is SRT, the transfer register.
	Register uint8

	// Sixty4 is SF: the register is 64 bits wide.
	Sixty4 bool

	// FaultAddressValid is the inverse of FnV: FAR holds the fault address.
	FaultAddressValid bool

	// External is EA.
	External bool

	// CacheMaintenance is CM: the fault came from a cache maintenance or
	// address translation instruction.
	CacheMaintenance bool

	// StageOneWalk is S1PTW: the fault happened during a stage 2
	// translation of a stage 1 table walk.
	StageOneWalk bool

	// Write is WnR: the access was a write.
	Write bool

	// Status is DFSC.
	Status FaultStatus
}

func (DataAbort) isDetails() {}

// String implements fmt.Stringer.String.
func (d DataAbort) String() string {
	dir := "read"
	if d.Write {
		dir = "write"
	}
	s := fmt.Sprintf("%s status=%s far_valid=%t", dir, d.Status, d.FaultAddressValid)
	if d.SyndromeValid {
		s += fmt.Sprintf(" size=%d sse=%t x%d", d.AccessSize, d.SignExtend, d.Register)
	}
	if d.CacheMaintenance {
		s += " cm"
	}
	return s
}

func decodeDataAbort(iss uint32) Details {
	return DataAbort{
		SyndromeValid:     iss&issISV != 0,
		AccessSize:        1 << ((iss >> issSAS) & 0x3),
		SignExtend:        iss&issSSE != 0,
		Register:          uint8((iss >> issSRT) & 0x1f),
		Sixty4:            iss&issSF != 0,
		FaultAddressValid: iss&issFnV == 0,
		External:          iss&issEA != 0,
		CacheMaintenance:  iss&issCM != 0,
		StageOneWalk:      iss&issS1PTW != 0,
		Write:             iss&issWnR != 0,
		Status:            FaultStatus(iss & issFSC),
	}
}

// InstructionAbort is the decoded ISS of an instruction abort.
type InstructionAbort struct {
	FaultAddressValid bool
	External          bool
	StageOneWalk      bool

	// Status is IFSC.
	Status FaultStatus
}

func (InstructionAbort) isDetails() {}

// String implements fmt.Stringer.String.
func (i InstructionAbort) String() string {
	return fmt.Sprintf("fetch status=%s far_valid=%t", i.Status, i.FaultAddressValid)
}

func decodeInstructionAbort(iss uint32) Details {
	return InstructionAbort{
		FaultAddressValid: iss&issFnV == 0,
		External:          iss&issEA != 0,
		StageOneWalk:      iss&issS1PTW != 0,
		Status:            FaultStatus(iss & issFSC),
	}
}

// AlignmentTarget is the register whose alignment was checked.
type AlignmentTarget uint8

// Alignment targets.
const (
	AlignmentPC AlignmentTarget = iota
	AlignmentSP
)

// Alignment records a PC or SP alignment fault. The ISS of these classes is
// reserved, so nothing else is decoded.
type Alignment struct {
	Target AlignmentTarget
}

func (Alignment) isDetails() {}

// String implements fmt.Stringer.String.
func (a Alignment) String() string {
	if a.Target == AlignmentSP {
		return "misaligned sp"
	}
	return "misaligned pc"
}

func decodePCAlignment(uint32) Details { return Alignment{Target: AlignmentPC} }

func decodeSPAlignment(uint32) Details { return Alignment{Target: AlignmentSP} }

// Breakpoint holds the comment immediate of a BRK or BKPT instruction.
type Breakpoint struct {
	Immediate uint16
}

func (Breakpoint) isDetails() {}

// String implements fmt.Stringer.String.
func (b Breakpoint) String() string {
	return fmt.Sprintf("comment=%#x", b.Immediate)
}

func decodeBreakpoint(iss uint32) Details {
	return Breakpoint{Immediate: uint16(iss & 0xffff)}
}
