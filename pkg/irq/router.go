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

// Package irq routes hardware interrupts to per-source handlers.
//
// The router consumes the raw value read from the interrupt controller's
// acknowledge register, classifies the interrupt id, dispatches exactly one
// handler and always signals end of interrupt, even for spurious and unknown
// interrupts, so the controller never stalls.
package irq

import (
	"fmt"
	"sort"
	"time"

	"github.com/mohae/deepcopy"
	"kcore.dev/kcore/pkg/log"
)

// SpuriousID is the interrupt id the controller returns when nothing is
// pending.
const SpuriousID = 1023

// ackIDMask selects the interrupt id from an acknowledge value. The bits
// above it carry the source CPU for software generated interrupts.
const ackIDMask = 0x3ff

// Source is the device class an interrupt id belongs to.
type Source uint8

// Interrupt sources.
const (
	SourceUnknown Source = iota
	SourceTimer
	SourceUART
	SourceGPIO

	// NumSources is the number of sources, including SourceUnknown.
	NumSources = int(SourceGPIO) + 1
)

var sourceNames = [NumSources]string{
	SourceUnknown: "unknown",
	SourceTimer:   "timer",
	SourceUART:    "uart",
	SourceGPIO:    "gpio",
}

// String implements fmt.Stringer.String.
func (s Source) String() string {
	if int(s) >= NumSources {
		return fmt.Sprintf("Source(%d)", uint8(s))
	}
	return sourceNames[s]
}

// ParseSource parses a source name as returned by Source.String.
func ParseSource(name string) (Source, error) {
	for i, n := range sourceNames {
		if n == name {
			return Source(i), nil
		}
	}
	return SourceUnknown, fmt.Errorf("unknown interrupt source %q", name)
}

// Descriptor describes one acknowledged interrupt.
type Descriptor struct {
	Source   Source
	ID       uint32
	Priority uint8

	// Valid is false for a spurious acknowledge.
	Valid bool
}

// Handler handles one interrupt. It runs with interrupts masked and should
// do O(1) work, deferring anything longer to a soft interrupt.
type Handler func(d Descriptor)

// Controller is the part of the interrupt controller the router needs.
type Controller interface {
	// Priority returns the configured priority of id.
	Priority(id uint32) uint8

	// EndOfInterrupt writes ack back to the end of interrupt register.
	EndOfInterrupt(ack uint32)
}

// Stats are the router counters.
type Stats struct {
	// Total counts valid interrupts.
	Total uint64 `json:"total"`

	// Spurious counts acknowledges that returned SpuriousID.
	Spurious uint64 `json:"spurious"`

	// PerSource counts valid interrupts by source.
	PerSource [NumSources]uint64 `json:"per_source"`

	// UnknownIDs counts interrupts by id for ids with no configured source.
	UnknownIDs map[uint32]uint64 `json:"unknown_ids,omitempty"`

	// EndOfInterrupts counts end of interrupt writes.
	EndOfInterrupts uint64 `json:"end_of_interrupts"`
}

// Router classifies and dispatches interrupts.
//
// Router is not synchronized; the kernel calls it with its lock held.
type Router struct {
	ctrl     Controller
	sources  map[uint32]Source
	handlers [NumSources]Handler
	stats    Stats

	// warn is rate limited: an interrupt storm must not flood the log.
	warn log.Logger
}

// DefaultSources maps the interrupt ids of the QEMU virt board: the virtual
// and physical timer PPIs, PL011 UART0 and the PL061 GPIO controller.
func DefaultSources() map[uint32]Source {
	return map[uint32]Source{
		27: SourceTimer,
		30: SourceTimer,
		33: SourceUART,
		39: SourceGPIO,
	}
}

// NewRouter returns a Router that classifies ids with sources. A nil sources
// uses DefaultSources. Until a handler is registered, every source goes to
// the default handler, which only logs.
func NewRouter(ctrl Controller, sources map[uint32]Source) *Router {
	if sources == nil {
		sources = DefaultSources()
	}
	r := &Router{
		ctrl:    ctrl,
		sources: make(map[uint32]Source, len(sources)),
		warn:    log.BasicRateLimitedLogger(time.Second),
		stats: Stats{
			UnknownIDs: make(map[uint32]uint64),
		},
	}
	for id, src := range sources {
		r.sources[id] = src
	}
	return r
}

// SetLogger replaces the rate limited logger used for warnings.
func (r *Router) SetLogger(l log.Logger) {
	r.warn = l
}

// Register installs h as the handler for src, replacing any previous one.
func (r *Router) Register(src Source, h Handler) {
	r.handlers[src] = h
}

// Classify returns the source of id.
func (r *Router) Classify(id uint32) Source {
	if src, ok := r.sources[id]; ok {
		return src
	}
	return SourceUnknown
}

// IDs returns the interrupt ids mapped to src, in ascending order.
func (r *Router) IDs(src Source) []uint32 {
	var ids []uint32
	for id, s := range r.sources {
		if s == src {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HandleIRQ handles the interrupt identified by the acknowledge value ack.
//
// A spurious acknowledge yields an invalid Descriptor and runs no handler.
// Otherwise exactly one handler runs: the one registered for the source, or
// the default handler. End of interrupt is signalled in every case.
func (r *Router) HandleIRQ(ack uint32) Descriptor {
	defer r.endOfInterrupt(ack)

	id := ack & ackIDMask
	if id == SpuriousID {
		r.stats.Spurious++
		r.warn.Debugf("Spurious interrupt acknowledge %#x", ack)
		return Descriptor{ID: id}
	}

	src := r.Classify(id)
	d := Descriptor{
		Source:   src,
		ID:       id,
		Priority: r.ctrl.Priority(id),
		Valid:    true,
	}
	r.stats.Total++
	r.stats.PerSource[src]++
	if src == SourceUnknown {
		r.stats.UnknownIDs[id]++
	}

	if h := r.handlers[src]; h != nil {
		h(d)
	} else {
		r.defaultHandler(d)
	}
	return d
}

func (r *Router) endOfInterrupt(ack uint32) {
	r.stats.EndOfInterrupts++
	r.ctrl.EndOfInterrupt(ack)
}

// defaultHandler takes interrupts nobody registered for.
func (r *Router) defaultHandler(d Descriptor) {
	if d.Source == SourceUnknown {
		r.warn.Warningf("Unhandled interrupt %d (priority %#x): no source mapped", d.ID, d.Priority)
		return
	}
	r.warn.Infof("Unhandled %s interrupt %d: no handler registered", d.Source, d.ID)
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return deepcopy.Copy(r.stats).(Stats)
}
