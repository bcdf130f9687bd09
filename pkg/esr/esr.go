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

// Package esr decodes the AArch64 Exception Syndrome Register (ESR_ELx).
//
// Decoding is total: every 32-bit value yields a Syndrome. Class codes that
// the architecture does not define decode to ClassUnknown.
package esr

import (
	"fmt"
)

// Field layout of ESR_ELx.
const (
	classShift = 26
	classMask  = 0x3f
	ilBit      = 1 << 25
	issMask    = 1<<25 - 1
)

// Syndrome is a decoded exception syndrome.
type Syndrome struct {
	// Raw is the register value that was decoded.
	Raw uint32

	// Class is the exception class, bits [31:26].
	Class Class

	// IL is the instruction length bit, bit [25]. It is set for a trapped
	// 32-bit instruction.
	IL bool

	// ISS is the instruction specific syndrome, bits [24:0].
	ISS uint32

	// Details is the class specific decoding of ISS. It is never nil.
	Details Details
}

// Decode decodes a raw ESR_ELx value.
func Decode(raw uint32) Syndrome {
	class := classOf(raw)
	iss := raw & issMask
	return Syndrome{
		Raw:     raw,
		Class:   class,
		IL:      raw&ilBit != 0,
		ISS:     iss,
		Details: class.decode(iss),
	}
}

// classOf extracts the class from raw, mapping undefined codes to
// ClassUnknown.
func classOf(raw uint32) Class {
	c := Class((raw >> classShift) & classMask)
	if !c.Defined() {
		return ClassUnknown
	}
	return c
}

// IsSystemCall returns true if the exception was caused by an SVC
// instruction.
func (s Syndrome) IsSystemCall() bool {
	return s.Class == ClassSVC64 || s.Class == ClassSVC32
}

// IsAbort returns true for instruction and data aborts.
func (s Syndrome) IsAbort() bool {
	switch s.Class {
	case ClassInstructionAbortLower, ClassInstructionAbortSame, ClassDataAbortLower, ClassDataAbortSame:
		return true
	}
	return false
}

// FromLowerLevel returns true if the class records that the exception was
// taken from a lower exception level. Classes that do not encode the origin
// return false.
func (s Syndrome) FromLowerLevel() bool {
	switch s.Class {
	case ClassInstructionAbortLower, ClassDataAbortLower, ClassBreakpointLower, ClassSoftwareStepLower, ClassWatchpointLower:
		return true
	}
	return false
}

// String implements fmt.Stringer.String.
func (s Syndrome) String() string {
	return fmt.Sprintf("ESR=%#08x class=%s il=%t iss=%#07x %s", s.Raw, s.Class, s.IL, s.ISS, s.Details)
}
