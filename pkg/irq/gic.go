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

package irq

import (
	"fmt"

	"kcore.dev/kcore/pkg/ringbuf"
)

// MaxID is the largest interrupt id a GIC can deliver. Ids 1020 to 1023 are
// reserved.
const MaxID = 1019

// eoiHistory is the number of end of interrupt writes a GIC remembers.
const eoiHistory = 64

// DefaultPriority is the priority of ids that were never configured. Lower
// values are more urgent.
const DefaultPriority = 0xa0

// GIC is a model of a GICv2 distributor and CPU interface for a single core.
// It holds the per-id priority table, the pending set and the active set.
//
// GIC is not synchronized; the kernel calls it with its lock held.
type GIC struct {
	priority [MaxID + 1]uint8
	enabled  [MaxID + 1]bool
	pending  [MaxID + 1]bool
	active   [MaxID + 1]bool

	// eoi holds the most recent end of interrupt writes, oldest first.
	eoi      ringbuf.Ring[uint32]
	eoiCount uint64
}

// NewGIC returns a GIC with every id enabled at DefaultPriority.
func NewGIC() *GIC {
	g := &GIC{}
	g.eoi.Init(eoiHistory)
	for id := range g.priority {
		g.priority[id] = DefaultPriority
		g.enabled[id] = true
	}
	return g
}

func checkID(id uint32) error {
	if id > MaxID {
		return fmt.Errorf("interrupt id %d out of range [0, %d]", id, MaxID)
	}
	return nil
}

// SetPriority configures the priority of id.
func (g *GIC) SetPriority(id uint32, prio uint8) error {
	if err := checkID(id); err != nil {
		return err
	}
	g.priority[id] = prio
	return nil
}

// Enable enables or disables delivery of id.
func (g *GIC) Enable(id uint32, enable bool) error {
	if err := checkID(id); err != nil {
		return err
	}
	g.enabled[id] = enable
	return nil
}

// Raise marks id pending, as a device asserting its line would.
func (g *GIC) Raise(id uint32) error {
	if err := checkID(id); err != nil {
		return err
	}
	g.pending[id] = true
	return nil
}

// Pending returns true if any enabled id is pending and not active.
func (g *GIC) Pending() bool {
	_, ok := g.highestPending()
	return ok
}

func (g *GIC) highestPending() (uint32, bool) {
	best, found := uint32(0), false
	for id := range g.pending {
		if !g.pending[id] || !g.enabled[id] || g.active[id] {
			continue
		}
		if !found || g.priority[id] < g.priority[best] {
			best, found = uint32(id), true
		}
	}
	return best, found
}

// Acknowledge reads the acknowledge register: the most urgent pending id
// becomes active and is returned, ties going to the lowest id. It returns
// SpuriousID if nothing is pending.
func (g *GIC) Acknowledge() uint32 {
	id, ok := g.highestPending()
	if !ok {
		return SpuriousID
	}
	g.pending[id] = false
	g.active[id] = true
	return id
}

// Priority implements Controller.Priority.
func (g *GIC) Priority(id uint32) uint8 {
	if id > MaxID {
		return DefaultPriority
	}
	return g.priority[id]
}

// EndOfInterrupt implements Controller.EndOfInterrupt.
func (g *GIC) EndOfInterrupt(ack uint32) {
	if g.eoi.Full() {
		g.eoi.Pop()
	}
	g.eoi.Push(ack)
	g.eoiCount++
	if id := ack & ackIDMask; id <= MaxID {
		g.active[id] = false
	}
}

// EOIs returns the most recent end of interrupt writes, oldest first, and
// the total number of writes.
func (g *GIC) EOIs() ([]uint32, uint64) {
	out := make([]uint32, 0, g.eoi.Len())
	g.eoi.Each(func(ack uint32) bool {
		out = append(out, ack)
		return true
	})
	return out, g.eoiCount
}
