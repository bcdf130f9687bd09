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

// Package softirq implements deferred interrupt work: bounded FIFO work
// queues and a soft interrupt layer that drains them outside interrupt
// context.
//
// Interrupt handlers enqueue work and raise a cause in O(1); the work itself
// runs later from ProcessPending. Nothing in this package blocks. A full
// queue rejects new work at submission time; accepted work always runs.
package softirq

import (
	"kcore.dev/kcore/pkg/ringbuf"
)

// WorkQueueCapacity is the number of items a WorkQueue holds.
const WorkQueueCapacity = 32

// WorkFunc is a deferred function. It receives the data and context words
// given when the work was scheduled.
type WorkFunc func(data, context uint64)

// WorkItem is one unit of deferred work.
type WorkItem struct {
	// Func is run when the item is processed. It may be nil.
	Func WorkFunc

	// Data and Context are passed to Func.
	Data    uint64
	Context uint64

	// ID is assigned on submission and increases monotonically per queue.
	ID uint64

	// Valid is set for submitted items and cleared once processed.
	Valid bool
}

// run executes the item.
func (w *WorkItem) run() {
	if w.Func != nil {
		w.Func(w.Data, w.Context)
	}
	w.Valid = false
}

// WorkQueueStats are cumulative WorkQueue counters.
type WorkQueueStats struct {
	// Scheduled is the number of items accepted.
	Scheduled uint64 `json:"scheduled"`

	// Processed is the number of items removed for execution.
	Processed uint64 `json:"processed"`

	// QueueFull is the number of items rejected because the queue was full.
	QueueFull uint64 `json:"queue_full_events"`
}

// WorkQueue is a fixed-capacity FIFO of WorkItems.
//
// WorkQueue is not synchronized. Callers that share a queue between
// interrupt and task context must hold the kernel lock.
type WorkQueue struct {
	items  ringbuf.Ring[WorkItem]
	nextID uint64
	stats  WorkQueueStats
}

// NewWorkQueue returns an empty queue with WorkQueueCapacity slots.
func NewWorkQueue() *WorkQueue {
	q := &WorkQueue{}
	q.init()
	return q
}

func (q *WorkQueue) init() {
	q.items.Init(WorkQueueCapacity)
	q.nextID = 1
}

// Schedule appends a work item. It returns false, and counts a queue full
// event, if the queue is at capacity.
func (q *WorkQueue) Schedule(fn WorkFunc, data, context uint64) bool {
	item := WorkItem{
		Func:    fn,
		Data:    data,
		Context: context,
		ID:      q.nextID,
		Valid:   true,
	}
	if !q.items.Push(item) {
		q.stats.QueueFull++
		return false
	}
	q.nextID++
	q.stats.Scheduled++
	return true
}

// take removes the oldest item and counts it as processed.
func (q *WorkQueue) take() (WorkItem, bool) {
	item, ok := q.items.Pop()
	if ok {
		q.stats.Processed++
	}
	return item, ok
}

// ProcessOne removes the oldest item and runs it if it is valid. It returns
// false only if the queue was empty.
func (q *WorkQueue) ProcessOne() bool {
	item, ok := q.take()
	if !ok {
		return false
	}
	if item.Valid {
		item.run()
	}
	return true
}

// ProcessAll runs items until the queue is empty and returns how many were
// processed. Items scheduled by running work are processed too.
func (q *WorkQueue) ProcessAll() int {
	n := 0
	for q.ProcessOne() {
		n++
	}
	return n
}

// Len returns the number of queued items.
func (q *WorkQueue) Len() int {
	return q.items.Len()
}

// Cap returns the queue capacity.
func (q *WorkQueue) Cap() int {
	return q.items.Cap()
}

// Stats returns a copy of the queue counters.
func (q *WorkQueue) Stats() WorkQueueStats {
	return q.stats
}
