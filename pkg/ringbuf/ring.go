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

// Package ringbuf provides a fixed-capacity circular buffer.
//
// Storage is allocated once, when the ring is created, and never grows: a
// push onto a full ring fails instead of allocating. Entries can be appended
// or removed from the front in O(1) time.
package ringbuf

import (
	"fmt"
)

// Ring is a fixed-capacity FIFO ring of T.
//
// Invariants: count <= len(slots); head and tail are always < len(slots).
//
// Ring is not synchronized; callers provide their own locking.
type Ring[T any] struct {
	slots []T
	head  int
	tail  int
	count int
}

// New returns an empty ring that holds at most capacity entries.
func New[T any](capacity int) *Ring[T] {
	r := &Ring[T]{}
	r.Init(capacity)
	return r
}

// Init (re)initializes r as an empty ring holding at most capacity entries.
func (r *Ring[T]) Init(capacity int) {
	if capacity <= 0 {
		panic(fmt.Sprintf("invalid ring capacity %d", capacity))
	}
	r.slots = make([]T, capacity)
	r.head = 0
	r.tail = 0
	r.count = 0
}

// Len returns the number of entries in the ring.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return len(r.slots)
}

// Empty returns true iff the ring holds no entries.
func (r *Ring[T]) Empty() bool {
	return r.count == 0
}

// Full returns true iff a Push would fail.
func (r *Ring[T]) Full() bool {
	return r.count == len(r.slots)
}

// Push appends v at the back of the ring. It returns false, and leaves the
// ring unchanged, if the ring is full.
func (r *Ring[T]) Push(v T) bool {
	if r.Full() {
		return false
	}
	r.slots[r.tail] = v
	r.tail = r.next(r.tail)
	r.count++
	return true
}

// Pop removes and returns the entry at the front of the ring.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.slots[r.head]
	// Drop the reference so popped pointers can be collected.
	r.slots[r.head] = zero
	r.head = r.next(r.head)
	r.count--
	return v, true
}

// Peek returns the entry at the front of the ring without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.slots[r.head], true
}

// At returns the i'th entry from the front. i must be in [0, Len()).
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic(fmt.Sprintf("ring index %d out of range [0, %d)", i, r.count))
	}
	return r.slots[(r.head+i)%len(r.slots)]
}

// Each calls fn on every entry from front to back, stopping early if fn
// returns false.
func (r *Ring[T]) Each(fn func(T) bool) {
	for i := 0; i < r.count; i++ {
		if !fn(r.slots[(r.head+i)%len(r.slots)]) {
			return
		}
	}
}

// Remove removes the first entry for which match returns true, preserving
// the order of the remaining entries.
func (r *Ring[T]) Remove(match func(T) bool) (T, bool) {
	var zero T
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.slots)
		if !match(r.slots[idx]) {
			continue
		}
		v := r.slots[idx]
		// Shift the entries behind the hole forward by one slot.
		for j := i; j < r.count-1; j++ {
			cur := (r.head + j) % len(r.slots)
			r.slots[cur] = r.slots[r.next(cur)]
		}
		r.tail = r.prev(r.tail)
		r.slots[r.tail] = zero
		r.count--
		return v, true
	}
	return zero, false
}

// Reset empties the ring, keeping its capacity.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.slots {
		r.slots[i] = zero
	}
	r.head = 0
	r.tail = 0
	r.count = 0
}

func (r *Ring[T]) next(i int) int {
	if i++; i == len(r.slots) {
		return 0
	}
	return i
}

func (r *Ring[T]) prev(i int) int {
	if i == 0 {
		return len(r.slots) - 1
	}
	return i - 1
}
