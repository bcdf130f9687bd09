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

// FaultStatus is a data or instruction fault status code (DFSC/IFSC). Codes
// without a name below are representable but report FaultKindUnknown.
type FaultStatus uint8

// Fault status codes.
const (
	FaultAddressSizeL0      FaultStatus = 0x00
	FaultAddressSizeL1      FaultStatus = 0x01
	FaultAddressSizeL2      FaultStatus = 0x02
	FaultAddressSizeL3      FaultStatus = 0x03
	FaultTranslationL0      FaultStatus = 0x04
	FaultTranslationL1      FaultStatus = 0x05
	FaultTranslationL2      FaultStatus = 0x06
	FaultTranslationL3      FaultStatus = 0x07
	FaultAccessFlagL0       FaultStatus = 0x08
	FaultAccessFlagL1       FaultStatus = 0x09
	FaultAccessFlagL2       FaultStatus = 0x0a
	FaultAccessFlagL3       FaultStatus = 0x0b
	FaultPermissionL0       FaultStatus = 0x0c
	FaultPermissionL1       FaultStatus = 0x0d
	FaultPermissionL2       FaultStatus = 0x0e
	FaultPermissionL3       FaultStatus = 0x0f
	FaultSyncExternal       FaultStatus = 0x10
	FaultTagCheck           FaultStatus = 0x11
	FaultSyncExternalWalkL0 FaultStatus = 0x14
	FaultSyncExternalWalkL1 FaultStatus = 0x15
	FaultSyncExternalWalkL2 FaultStatus = 0x16
	FaultSyncExternalWalkL3 FaultStatus = 0x17
	FaultParity             FaultStatus = 0x18
	FaultParityWalkL0       FaultStatus = 0x1c
	FaultParityWalkL1       FaultStatus = 0x1d
	FaultParityWalkL2       FaultStatus = 0x1e
	FaultParityWalkL3       FaultStatus = 0x1f
	FaultAlignment          FaultStatus = 0x21
	FaultTLBConflict        FaultStatus = 0x30
	FaultUnsupportedAtomic  FaultStatus = 0x31
	FaultLockdown           FaultStatus = 0x34
	FaultExclusive          FaultStatus = 0x35
)

// FaultKind is the cause of a fault, independent of the table level.
type FaultKind uint8

// Fault kinds.
const (
	FaultKindUnknown FaultKind = iota
	FaultKindAddressSize
	FaultKindTranslation
	FaultKindAccessFlag
	FaultKindPermission
	FaultKindSyncExternal
	FaultKindTagCheck
	FaultKindSyncExternalWalk
	FaultKindParity
	FaultKindParityWalk
	FaultKindAlignment
	FaultKindTLBConflict
	FaultKindUnsupportedAtomic
	FaultKindLockdown
	FaultKindExclusive
)

var faultKindNames = [...]string{
	FaultKindUnknown:           "unknown",
	FaultKindAddressSize:       "address size fault",
	FaultKindTranslation:       "translation fault",
	FaultKindAccessFlag:        "access flag fault",
	FaultKindPermission:        "permission fault",
	FaultKindSyncExternal:      "synchronous external abort",
	FaultKindTagCheck:          "synchronous tag check fault",
	FaultKindSyncExternalWalk:  "synchronous external abort on table walk",
	FaultKindParity:            "synchronous parity or ECC error",
	FaultKindParityWalk:        "synchronous parity or ECC error on table walk",
	FaultKindAlignment:         "alignment fault",
	FaultKindTLBConflict:       "TLB conflict abort",
	FaultKindUnsupportedAtomic: "unsupported atomic hardware update",
	FaultKindLockdown:          "implementation defined lockdown",
	FaultKindExclusive:         "implementation defined unsupported exclusive",
}

// String implements fmt.Stringer.String.
func (k FaultKind) String() string {
	if int(k) < len(faultKindNames) {
		return faultKindNames[k]
	}
	return fmt.Sprintf("FaultKind(%d)", uint8(k))
}

// Kind returns the cause of the fault.
func (f FaultStatus) Kind() FaultKind {
	switch {
	case f <= FaultAddressSizeL3:
		return FaultKindAddressSize
	case f <= FaultTranslationL3:
		return FaultKindTranslation
	case f <= FaultAccessFlagL3:
		return FaultKindAccessFlag
	case f <= FaultPermissionL3:
		return FaultKindPermission
	case f == FaultSyncExternal:
		return FaultKindSyncExternal
	case f == FaultTagCheck:
		return FaultKindTagCheck
	case f >= FaultSyncExternalWalkL0 && f <= FaultSyncExternalWalkL3:
		return FaultKindSyncExternalWalk
	case f == FaultParity:
		return FaultKindParity
	case f >= FaultParityWalkL0 && f <= FaultParityWalkL3:
		return FaultKindParityWalk
	case f == FaultAlignment:
		return FaultKindAlignment
	case f == FaultTLBConflict:
		return FaultKindTLBConflict
	case f == FaultUnsupportedAtomic:
		return FaultKindUnsupportedAtomic
	case f == FaultLockdown:
		return FaultKindLockdown
	case f == FaultExclusive:
		return FaultKindExclusive
	}
	return FaultKindUnknown
}

// Level returns the translation table level the fault is reported at. ok is
// false for faults that are not tied to a level.
func (f FaultStatus) Level() (level int, ok bool) {
	switch f.Kind() {
	case FaultKindAddressSize, FaultKindTranslation, FaultKindAccessFlag, FaultKindPermission, FaultKindSyncExternalWalk, FaultKindParityWalk:
		return int(f & 0x3), true
	}
	return 0, false
}

// String implements fmt.Stringer.String.
func (f FaultStatus) String() string {
	k := f.Kind()
	if k == FaultKindUnknown {
		return fmt.Sprintf("unknown(%#x)", uint8(f))
	}
	if level, ok := f.Level(); ok {
		return fmt.Sprintf("%s, level %d", k, level)
	}
	return k.String()
}
