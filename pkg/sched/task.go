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

package sched

import (
	"fmt"
)

// TaskID identifies a task. IDs are assigned in increasing order and never
// reused; 0 is the idle task.
type TaskID uint64

// IdleTaskID is the ID of the idle task.
const IdleTaskID TaskID = 0

// MaxNameLen is the maximum length of a task name. Longer names are
// truncated.
const MaxNameLen = 32

// TaskState is the scheduling state of a task.
type TaskState uint8

// Task states.
const (
	Ready TaskState = iota
	Running
	Blocked
	Terminated
)

// String implements fmt.Stringer.String.
func (s TaskState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("TaskState(%d)", uint8(s))
	}
}

// Context is the saved execution context of a task.
type Context struct {
	// SP is the stack pointer.
	SP uint64

	// KernelSP is the kernel stack pointer used while the task is in an
	// exception.
	KernelSP uint64

	// PC is the address execution resumes at.
	PC uint64

	// TimeSlice is the number of ticks left before forced preemption.
	TimeSlice uint32
}

// Task is a schedulable thread of execution.
type Task struct {
	ID       TaskID
	Name     string
	Priority Priority
	State    TaskState
	Context  Context

	// Entry is the initial program counter.
	Entry uint64

	// StackBase and StackSize describe the task stack. The stack grows down
	// from StackBase+StackSize.
	StackBase uint64
	StackSize uint64

	// Created is the clock reading when the task was created.
	Created uint64

	// RunTime is the number of ticks the task has been running.
	RunTime uint64

	// AddressSpace is the handle of the task's user address space. Zero
	// means the task runs in the kernel.
	AddressSpace uint64
}

// User returns true if the task runs at EL0.
func (t *Task) User() bool {
	return t.AddressSpace != 0
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s, %s, %s)", t.ID, t.Name, t.Priority, t.State)
}

// TaskInfo is a read-only view of a task.
type TaskInfo struct {
	ID           TaskID    `json:"id"`
	Name         string    `json:"name"`
	Priority     Priority  `json:"priority"`
	State        TaskState `json:"state"`
	TimeSlice    uint32    `json:"time_slice"`
	RunTime      uint64    `json:"run_time"`
	Created      uint64    `json:"created"`
	AddressSpace uint64    `json:"address_space,omitempty"`
}

// Info returns a read-only view of t.
func (t *Task) Info() TaskInfo {
	return TaskInfo{
		ID:           t.ID,
		Name:         t.Name,
		Priority:     t.Priority,
		State:        t.State,
		TimeSlice:    t.Context.TimeSlice,
		RunTime:      t.RunTime,
		Created:      t.Created,
		AddressSpace: t.AddressSpace,
	}
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	Name      string
	Priority  Priority
	Entry     uint64
	StackBase uint64
	StackSize uint64

	// AddressSpace is optional; see Task.AddressSpace.
	AddressSpace uint64
}

func truncateName(name string) string {
	if len(name) > MaxNameLen {
		return name[:MaxNameLen]
	}
	return name
}
