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

// Package sched implements a strict-priority preemptive task scheduler for a
// single core.
//
// Tasks at the same priority are scheduled round-robin. A task at a lower
// priority never runs while a task at a higher priority is Ready. When no
// task is Ready the reserved idle task runs.
//
// The Scheduler is not synchronized. Callers serialize access with the
// kernel lock.
package sched

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"kcore.dev/kcore/pkg/ringbuf"
)

const (
	// ReadyListCapacity is the capacity of each per-priority ready list.
	// At most this many live tasks may exist at one priority, so that a
	// preempted or unblocked task can always be requeued.
	ReadyListCapacity = 16

	// MaxTasks is the maximum number of tracked tasks, not counting the
	// idle task.
	MaxTasks = 64

	// btreeDegree is the degree of the task table.
	btreeDegree = 8
)

// Errors returned by the Scheduler.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrReadyListFull   = errors.New("ready list full")
	ErrTooManyTasks    = errors.New("too many tasks")
	ErrIdleTask        = errors.New("operation not permitted on the idle task")
	ErrNoCurrentTask   = errors.New("no running task")
	ErrNotBlocked      = errors.New("task is not blocked")
	ErrInvalidPriority = errors.New("invalid priority")
)

// Clock supplies creation timestamps.
type Clock interface {
	Now() uint64
}

type zeroClock struct{}

// Now implements Clock.Now.
func (zeroClock) Now() uint64 { return 0 }

// Stats are cumulative scheduler statistics.
type Stats struct {
	ContextSwitches uint64 `json:"context_switches"`
	Preemptions     uint64 `json:"preemptions"`
	TasksCreated    uint64 `json:"tasks_created"`
	TasksDestroyed  uint64 `json:"tasks_destroyed"`
	Invocations     uint64 `json:"invocations"`
	IdleTime        uint64 `json:"idle_time"`
	TotalRunTime    uint64 `json:"total_run_time"`

	// CreateFailures counts CreateTask calls rejected for capacity.
	CreateFailures uint64 `json:"create_failures"`

	// Ready is the number of Ready tasks queued at each priority, indexed by
	// Priority.Index.
	Ready [NumPriorities]int `json:"ready"`

	// Blocked is the number of Blocked tasks.
	Blocked int `json:"blocked"`
}

// Scheduler selects which task runs next.
type Scheduler struct {
	clock  Clock
	slices [NumPriorities]uint32

	// ready holds Ready tasks, one FIFO per priority.
	ready [NumPriorities]ringbuf.Ring[*Task]

	// blocked holds Blocked tasks.
	blocked ringbuf.Ring[*Task]

	// tasks holds every live task other than idle, ordered by ID.
	tasks *btree.BTreeG[*Task]

	// live is the number of live tasks at each priority.
	live [NumPriorities]int

	idle    *Task
	current *Task
	nextID  TaskID
	stats   Stats
}

func taskLess(a, b *Task) bool {
	return a.ID < b.ID
}

// New returns a Scheduler with only the idle task. A nil clock stamps every
// task with zero. Entries of slices override the default time slices.
func New(clock Clock, slices TimeSlices) *Scheduler {
	if clock == nil {
		clock = zeroClock{}
	}
	s := &Scheduler{
		clock:  clock,
		tasks:  btree.NewG(btreeDegree, taskLess),
		nextID: IdleTaskID + 1,
	}
	for _, p := range byUrgency {
		s.slices[p.Index()] = p.TimeSlice()
		if n := slices[p]; n != 0 {
			s.slices[p.Index()] = n
		}
		s.ready[p.Index()].Init(ReadyListCapacity)
	}
	s.blocked.Init(MaxTasks)
	s.idle = &Task{
		ID:       IdleTaskID,
		Name:     "idle",
		Priority: Idle,
		State:    Ready,
		Context:  Context{TimeSlice: s.slices[Idle.Index()]},
		Created:  clock.Now(),
	}
	return s
}

// TimeSlice returns the time slice used for tasks at priority p.
func (s *Scheduler) TimeSlice(p Priority) uint32 {
	return s.slices[p.Index()]
}

// CreateTask creates a Ready task and appends it to its priority's ready
// list.
func (s *Scheduler) CreateTask(spec TaskSpec) (TaskID, error) {
	if !spec.Priority.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPriority, uint8(spec.Priority))
	}
	if s.tasks.Len() >= MaxTasks {
		s.stats.CreateFailures++
		return 0, fmt.Errorf("creating %q: %w (%d)", spec.Name, ErrTooManyTasks, MaxTasks)
	}
	i := spec.Priority.Index()
	if s.live[i] >= ReadyListCapacity {
		s.stats.CreateFailures++
		return 0, fmt.Errorf("creating %q: %w at priority %s", spec.Name, ErrReadyListFull, spec.Priority)
	}
	t := &Task{
		ID:       s.nextID,
		Name:     truncateName(spec.Name),
		Priority: spec.Priority,
		State:    Ready,
		Context: Context{
			SP:        spec.StackBase + spec.StackSize,
			PC:        spec.Entry,
			TimeSlice: s.slices[i],
		},
		Entry:        spec.Entry,
		StackBase:    spec.StackBase,
		StackSize:    spec.StackSize,
		Created:      s.clock.Now(),
		AddressSpace: spec.AddressSpace,
	}
	s.nextID++
	s.enqueue(t)
	s.tasks.ReplaceOrInsert(t)
	s.live[i]++
	s.stats.TasksCreated++
	return t.ID, nil
}

// enqueue appends t to the back of its ready list and marks it Ready.
func (s *Scheduler) enqueue(t *Task) {
	t.State = Ready
	if !s.ready[t.Priority.Index()].Push(t) {
		// Bounded by live.
		panic(fmt.Sprintf("ready list overflow requeueing %v", t))
	}
}

// DestroyTask terminates the task with the given id and forgets it. It is
// removed from whichever list holds it; if it is the current task, there
// is no current task until the next Schedule.
func (s *Scheduler) DestroyTask(id TaskID) error {
	if id == IdleTaskID {
		return ErrIdleTask
	}
	t, ok := s.tasks.Get(&Task{ID: id})
	if !ok {
		return fmt.Errorf("destroying task %d: %w", id, ErrTaskNotFound)
	}
	is := func(o *Task) bool { return o == t }
	switch t.State {
	case Ready:
		s.ready[t.Priority.Index()].Remove(is)
	case Blocked:
		s.blocked.Remove(is)
	}
	if s.current == t {
		s.current = nil
	}
	t.State = Terminated
	s.tasks.Delete(t)
	s.live[t.Priority.Index()]--
	s.stats.TasksDestroyed++
	return nil
}

// Schedule selects the next task to run and makes it current.
//
// If the previous task is still Running it is appended to the back of its
// ready list first. The first task of the most urgent non-empty ready list
// is selected and its time slice reset; if every list is empty, the idle
// task is selected. Schedule never returns nil.
func (s *Scheduler) Schedule() *Task {
	s.stats.Invocations++
	prev := s.current
	if prev != nil && prev.State == Running {
		if prev == s.idle {
			prev.State = Ready
		} else {
			s.enqueue(prev)
		}
	}

	next := s.pick()
	if next == nil {
		next = s.idle
		s.stats.IdleTime++
		if prev != s.idle {
			next.Context.TimeSlice = s.slices[Idle.Index()]
		}
	} else {
		next.Context.TimeSlice = s.slices[next.Priority.Index()]
	}
	next.State = Running
	if next != prev {
		s.stats.ContextSwitches++
	}
	s.current = next
	return next
}

// pick dequeues the head of the most urgent non-empty ready list.
func (s *Scheduler) pick() *Task {
	for _, p := range byUrgency {
		if t, ok := s.ready[p.Index()].Pop(); ok {
			return t
		}
	}
	return nil
}

// readyAbove returns true if a Ready task more urgent than p exists.
func (s *Scheduler) readyAbove(p Priority) bool {
	for _, q := range byUrgency {
		if q <= p {
			return false
		}
		if !s.ready[q.Index()].Empty() {
			return true
		}
	}
	return false
}

// HasReady returns true if any task is waiting in a ready list.
func (s *Scheduler) HasReady() bool {
	for i := range s.ready {
		if !s.ready[i].Empty() {
			return true
		}
	}
	return false
}

// HandleTimerPreemption accounts one tick to the current task.
//
// It returns true if the caller must invoke Schedule: the current task's
// time slice reached zero, a strictly more urgent task is Ready, or the
// idle task is running while a task is Ready. A preempted task is set back
// to Ready and requeued.
func (s *Scheduler) HandleTimerPreemption() bool {
	cur := s.current
	if cur == nil || cur.State != Running {
		return s.HasReady()
	}
	s.stats.TotalRunTime++
	cur.RunTime++
	if cur == s.idle {
		return s.HasReady()
	}
	if cur.Context.TimeSlice > 0 {
		cur.Context.TimeSlice--
	}
	if cur.Context.TimeSlice == 0 || s.readyAbove(cur.Priority) {
		s.enqueue(cur)
		s.stats.Preemptions++
		return true
	}
	return false
}

// BlockCurrent moves the running task to Blocked and returns its id. The
// caller must invoke Schedule afterwards.
func (s *Scheduler) BlockCurrent() (TaskID, error) {
	cur := s.current
	if cur == nil || cur.State != Running {
		return 0, ErrNoCurrentTask
	}
	if cur == s.idle {
		return 0, ErrIdleTask
	}
	cur.State = Blocked
	if !s.blocked.Push(cur) {
		panic(fmt.Sprintf("blocked registry overflow blocking %v", cur))
	}
	return cur.ID, nil
}

// Unblock moves a Blocked task back to the end of its ready list.
func (s *Scheduler) Unblock(id TaskID) error {
	if id == IdleTaskID {
		return ErrIdleTask
	}
	t, ok := s.tasks.Get(&Task{ID: id})
	if !ok {
		return fmt.Errorf("unblocking task %d: %w", id, ErrTaskNotFound)
	}
	if t.State != Blocked {
		return fmt.Errorf("unblocking task %d (%s): %w", id, t.State, ErrNotBlocked)
	}
	s.blocked.Remove(func(o *Task) bool { return o == t })
	s.enqueue(t)
	return nil
}

// Current returns the current task, or nil if there is none. The current
// task may have left the Running state (preempted, blocked) if Schedule has
// not been invoked since.
func (s *Scheduler) Current() *Task {
	return s.current
}

// IdleTask returns the idle task.
func (s *Scheduler) IdleTask() *Task {
	return s.idle
}

// Lookup returns the live task with the given id.
func (s *Scheduler) Lookup(id TaskID) (*Task, bool) {
	if id == IdleTaskID {
		return s.idle, true
	}
	return s.tasks.Get(&Task{ID: id})
}

// Tasks returns a view of every live task ordered by id, idle first.
func (s *Scheduler) Tasks() []TaskInfo {
	infos := make([]TaskInfo, 0, s.tasks.Len()+1)
	infos = append(infos, s.idle.Info())
	s.tasks.Ascend(func(t *Task) bool {
		infos = append(infos, t.Info())
		return true
	})
	return infos
}

// Stats returns a snapshot of the scheduler statistics.
func (s *Scheduler) Stats() Stats {
	st := s.stats
	for i := range s.ready {
		st.Ready[i] = s.ready[i].Len()
	}
	st.Blocked = s.blocked.Len()
	return st
}
