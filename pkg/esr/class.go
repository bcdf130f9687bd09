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

// Class is an exception class, ESR_ELx.EC.
type Class uint8

// Exception classes defined by the architecture.
const (
	ClassUnknown               Class = 0x00
	ClassWFx                   Class = 0x01
	ClassCP15MCR               Class = 0x03
	ClassCP15MCRR              Class = 0x04
	ClassCP14MCR               Class = 0x05
	ClassCP14LDC               Class = 0x06
	ClassFPAccess              Class = 0x07
	ClassCP10ID                Class = 0x08
	ClassPointerAuth           Class = 0x09
	ClassLS64                  Class = 0x0a
	ClassCP14MRRC              Class = 0x0c
	ClassBranchTarget          Class = 0x0d
	ClassIllegalState          Class = 0x0e
	ClassSVC32                 Class = 0x11
	ClassHVC32                 Class = 0x12
	ClassSMC32                 Class = 0x13
	ClassSVC64                 Class = 0x15
	ClassHVC64                 Class = 0x16
	ClassSMC64                 Class = 0x17
	ClassSystemRegister        Class = 0x18
	ClassSVEAccess             Class = 0x19
	ClassERET                  Class = 0x1a
	ClassPointerAuthFail       Class = 0x1c
	ClassImplementationDefined Class = 0x1f
	ClassInstructionAbortLower Class = 0x20
	ClassInstructionAbortSame  Class = 0x21
	ClassPCAlignment           Class = 0x22
	ClassDataAbortLower        Class = 0x24
	ClassDataAbortSame         Class = 0x25
	ClassSPAlignment           Class = 0x26
	ClassMemoryOperation       Class = 0x27
	ClassFP32                  Class = 0x28
	ClassFP64                  Class = 0x2c
	ClassSError                Class = 0x2f
	ClassBreakpointLower       Class = 0x30
	ClassBreakpointSame        Class = 0x31
	ClassSoftwareStepLower     Class = 0x32
	ClassSoftwareStepSame      Class = 0x33
	ClassWatchpointLower       Class = 0x34
	ClassWatchpointSame        Class = 0x35
	ClassBKPT32                Class = 0x38
	ClassVectorCatch32         Class = 0x3a
	ClassBRK64                 Class = 0x3c
)

// classInfo describes one exception class. decode is nil for classes whose
// ISS carries nothing this kernel interprets.
type classInfo struct {
	name        string
	description string
	decode      func(iss uint32) Details
}

var classes = [classMask + 1]classInfo{
	ClassUnknown:               {"Unknown", "unknown reason", nil},
	ClassWFx:                   {"WFx", "trapped WFI or WFE instruction", nil},
	ClassCP15MCR:               {"CP15MCR", "trapped MCR or MRC access to CP15 (AArch32)", nil},
	ClassCP15MCRR:              {"CP15MCRR", "trapped MCRR or MRRC access to CP15 (AArch32)", nil},
	ClassCP14MCR:               {"CP14MCR", "trapped MCR or MRC access to CP14 (AArch32)", nil},
	ClassCP14LDC:               {"CP14LDC", "trapped LDC or STC access to CP14 (AArch32)", nil},
	ClassFPAccess:              {"FPAccess", "access to SVE, Advanced SIMD or floating point trapped", nil},
	ClassCP10ID:                {"CP10ID", "trapped VMRS access to an ID register (AArch32)", nil},
	ClassPointerAuth:           {"PointerAuth", "trapped pointer authentication instruction", nil},
	ClassLS64:                  {"LS64", "trapped LD64B or ST64B instruction", nil},
	ClassCP14MRRC:              {"CP14MRRC", "trapped MRRC access to CP14 (AArch32)", nil},
	ClassBranchTarget:          {"BranchTarget", "branch target identification exception", nil},
	ClassIllegalState:          {"IllegalState", "illegal execution state", nil},
	ClassSVC32:                 {"SVC32", "SVC instruction execution (AArch32)", decodeSystemCall},
	ClassHVC32:                 {"HVC32", "HVC instruction execution (AArch32)", decodeSystemCall},
	ClassSMC32:                 {"SMC32", "SMC instruction execution (AArch32)", decodeSystemCall},
	ClassSVC64:                 {"SVC64", "SVC instruction execution (AArch64)", decodeSystemCall},
	ClassHVC64:                 {"HVC64", "HVC instruction execution (AArch64)", decodeSystemCall},
	ClassSMC64:                 {"SMC64", "SMC instruction execution (AArch64)", decodeSystemCall},
	ClassSystemRegister:        {"SystemRegister", "trapped MSR, MRS or system instruction (AArch64)", nil},
	ClassSVEAccess:             {"SVEAccess", "access to SVE functionality trapped", nil},
	ClassERET:                  {"ERET", "trapped ERET, ERETAA or ERETAB instruction", nil},
	ClassPointerAuthFail:       {"PointerAuthFail", "pointer authentication failure", nil},
	ClassImplementationDefined: {"ImplementationDefined", "implementation defined exception to EL3", nil},
	ClassInstructionAbortLower: {"InstructionAbortLower", "instruction abort from a lower exception level", decodeInstructionAbort},
	ClassInstructionAbortSame:  {"InstructionAbortSame", "instruction abort taken without a change in exception level", decodeInstructionAbort},
	ClassPCAlignment:           {"PCAlignment", "PC alignment fault", decodePCAlignment},
	ClassDataAbortLower:        {"DataAbortLower", "data abort from a lower exception level", decodeDataAbort},
	ClassDataAbortSame:         {"DataAbortSame", "data abort taken without a change in exception level", decodeDataAbort},
	ClassSPAlignment:           {"SPAlignment", "SP alignment fault", decodeSPAlignment},
	ClassMemoryOperation:       {"MemoryOperation", "memory operation (CPY/SET) exception", nil},
	ClassFP32:                  {"FP32", "trapped floating point exception (AArch32)", nil},
	ClassFP64:                  {"FP64", "trapped floating point exception (AArch64)", nil},
	ClassSError:                {"SError", "SError interrupt", nil},
	ClassBreakpointLower:       {"BreakpointLower", "breakpoint exception from a lower exception level", nil},
	ClassBreakpointSame:        {"BreakpointSame", "breakpoint exception taken without a change in exception level", nil},
	ClassSoftwareStepLower:     {"SoftwareStepLower", "software step exception from a lower exception level", nil},
	ClassSoftwareStepSame:      {"SoftwareStepSame", "software step exception taken without a change in exception level", nil},
	ClassWatchpointLower:       {"WatchpointLower", "watchpoint exception from a lower exception level", nil},
	ClassWatchpointSame:        {"WatchpointSame", "watchpoint exception taken without a change in exception level", nil},
	ClassBKPT32:                {"BKPT32", "BKPT instruction execution (AArch32)", decodeBreakpoint},
	ClassVectorCatch32:         {"VectorCatch32", "vector catch exception (AArch32)", nil},
	ClassBRK64:                 {"BRK64", "BRK instruction execution (AArch64)", decodeBreakpoint},
}

// Defined returns true if c is an architecturally defined class.
func (c Class) Defined() bool {
	return int(c) < len(classes) && classes[c].name != ""
}

// String implements fmt.Stringer.String.
func (c Class) String() string {
	if !c.Defined() {
		return fmt.Sprintf("Class(%#x)", uint8(c))
	}
	return classes[c].name
}

// Description returns a human readable description of c.
func (c Class) Description() string {
	if !c.Defined() {
		return fmt.Sprintf("undefined exception class %#x", uint8(c))
	}
	return classes[c].description
}

func (c Class) decode(iss uint32) Details {
	if !c.Defined() || classes[c].decode == nil {
		return NoDetails{}
	}
	return classes[c].decode(iss)
}
