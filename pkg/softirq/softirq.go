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

package softirq

import (
	"fmt"

	"kcore.dev/kcore/pkg/sync"
)

// Cause is a soft interrupt cause. Each cause owns one WorkQueue.
type Cause uint8

// Soft interrupt causes, in processing order.
const (
	Timer Cause = iota
	Network
	Block
	Tasklet
	Scheduler

	// NumCauses is the number of causes.
	NumCauses = int(Scheduler) + 1
)

var causeNames = [NumCauses]string{
	Timer:     "timer",
	Network:   "network",
	Block:     "block",
	Tasklet:   "tasklet",
	Scheduler: "scheduler",
}

// String implements fmt.Stringer.String.
func (c Cause) String() string {
	if !c.valid() {
		return fmt.Sprintf("Cause(%d)", uint8(c))
	}
	return causeNames[c]
}

func (c Cause) valid() bool {
	return int(c) < NumCauses
}

func (c Cause) bit() uint32 {
	return 1 << c
}

// Causes returns all causes in processing order.
func Causes() []Cause {
	return []Cause{Timer, Network, Block, Tasklet, Scheduler}
}

// ParseCause parses a cause name as returned by Cause.String.
func ParseCause(name string) (Cause, error) {
	for i, n := range causeNames {
		if n == name {
			return Cause(i), nil
		}
	}
	return 0, fmt.Errorf("unknown soft interrupt cause %q", name)
}

// CauseStats are the counters of one cause.
type CauseStats struct {
	WorkQueueStats

	// Raised counts Raise calls, including those for an already pending
	// cause.
	Raised uint64 `json:"raised"`

	// Runs counts ProcessPending passes that found the cause pending.
	Runs uint64 `json:"runs"`
}

// Stats is a snapshot of the Engine counters.
type Stats struct {
	Causes [NumCauses]CauseStats `json:"causes"`

	// Pending is the pending bitmask at the time of the snapshot.
	Pending uint32 `json:"pending"`
}

// Engine is the soft interrupt layer: one WorkQueue per Cause and a pending
// bitmask.
//
// Engine is not synchronized; see Engine.ProcessPending for how the kernel
// lock interacts with running work.
type Engine struct {
	// mu is the lock held by callers of ProcessPending. It is released while
	// a work function runs so that the function may schedule more work.
	mu sync.Locker

	queues  [NumCauses]WorkQueue
	pending uint32
	raised  [NumCauses]uint64
	runs    [NumCauses]uint64
}

// NewEngine returns an Engine with empty queues and nothing pending.
//
// mu is the lock that callers hold while calling into the Engine; a nil mu
// means the Engine is driven from a single goroutine and work runs inline.
func NewEngine(mu sync.Locker) *Engine {
	if mu == nil {
		mu = sync.NoopLocker{}
	}
	e := &Engine{mu: mu}
	for i := range e.queues {
		e.queues[i].init()
	}
	return e
}

// Queue returns the WorkQueue owned by c.
func (e *Engine) Queue(c Cause) *WorkQueue {
	return &e.queues[c]
}

// Raise marks c pending. Raising an already pending cause only counts the
// call.
func (e *Engine) Raise(c Cause) {
	e.raised[c]++
	e.pending |= c.bit()
}

// IsPending returns true if c is pending.
func (e *Engine) IsPending(c Cause) bool {
	return e.pending&c.bit() != 0
}

// Pending returns the pending bitmask; bit i is Cause(i).
func (e *Engine) Pending() uint32 {
	return e.pending
}

// ScheduleWork enqueues work on c's queue and raises c. It returns false if
// the queue is full, in which case c is not raised.
func (e *Engine) ScheduleWork(c Cause, fn WorkFunc, data, context uint64) bool {
	if !e.queues[c].Schedule(fn, data, context) {
		return false
	}
	e.Raise(c)
	return true
}

// ProcessPending makes one pass over all causes in order. For each pending
// cause it runs the items that were queued when the pass reached it, then
// clears the cause only if its queue is empty. Work queued during the pass,
// by a running item or by another context while the lock was released,
// leaves the cause pending for the next pass.
//
// It returns the number of items processed.
//
// Preconditions: the Engine's lock is held. It is released while each work
// function runs and reacquired before ProcessPending returns.
func (e *Engine) ProcessPending() int {
	total := 0
	for i := range e.queues {
		c := Cause(i)
		if !e.IsPending(c) {
			continue
		}
		e.runs[c]++
		q := &e.queues[c]
		for n := q.Len(); n > 0; n-- {
			item, ok := q.take()
			if !ok {
				break
			}
			total++
			if !item.Valid {
				continue
			}
			e.mu.Unlock()
			item.run()
			e.mu.Lock()
		}
		if q.Len() == 0 {
			e.pending &^= c.bit()
		}
	}
	return total
}

// Stats returns a snapshot of the Engine counters.
func (e *Engine) Stats() Stats {
	var s Stats
	for i := range e.queues {
		s.Causes[i] = CauseStats{
			WorkQueueStats: e.queues[i].Stats(),
			Raised:         e.raised[i],
			Runs:           e.runs[i],
		}
	}
	s.Pending = e.pending
	return s
}
