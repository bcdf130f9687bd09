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

package sync

import (
	"sync/atomic"
)

// InterruptMask models the DAIF.I bit of the single core: it is set for the
// duration of an interrupt handler and an attempt to take a second interrupt
// while it is set is refused rather than nested.
//
// The zero value is unmasked.
type InterruptMask struct {
	masked atomic.Bool

	// refused counts TryMask calls that found the mask already set.
	refused atomic.Uint64
}

// TryMask masks interrupts. It returns false, and leaves the mask untouched,
// if interrupts were already masked.
func (m *InterruptMask) TryMask() bool {
	if m.masked.CompareAndSwap(false, true) {
		return true
	}
	m.refused.Add(1)
	return false
}

// Unmask unmasks interrupts.
//
// Preconditions: a prior TryMask call returned true.
func (m *InterruptMask) Unmask() {
	if !m.masked.CompareAndSwap(true, false) {
		panic("Unmask called with interrupts unmasked")
	}
}

// Masked returns true if interrupts are currently masked.
func (m *InterruptMask) Masked() bool {
	return m.masked.Load()
}

// Refused returns the number of refused nested mask attempts.
func (m *InterruptMask) Refused() uint64 {
	return m.refused.Load()
}
