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

package kernel

import (
	"fmt"

	"kcore.dev/kcore/pkg/privilege"
	"kcore.dev/kcore/pkg/sched"
	"kcore.dev/kcore/pkg/softirq"
)

// CreateTask creates a Ready task. It does not preempt the current task;
// a more urgent task takes over at the next timer tick.
func (k *Kernel) CreateTask(spec sched.TaskSpec) (sched.TaskID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.CreateTask(spec)
}

// DestroyTask terminates task id. Destroying the current task leaves the
// kernel without one until the next reschedule.
func (k *Kernel) DestroyTask(id sched.TaskID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.terminate(id)
}

// terminate destroys task id and drops its timers and saved registers.
//
// Preconditions: k.mu is held.
func (k *Kernel) terminate(id sched.TaskID) error {
	cur := k.sched.Current()
	if err := k.sched.DestroyTask(id); err != nil {
		return err
	}
	k.cancelTimer(id)
	delete(k.saved, id)
	if k.live == id {
		k.live = 0
	}
	if cur != nil && cur.ID == id {
		k.needResched = true
	}
	k.log.Debugf("Task %d terminated", id)
	return nil
}

// ScheduleWork queues fn on the work queue of cause c and raises c. It
// returns false if the queue is full or c is not a valid cause.
func (k *Kernel) ScheduleWork(c softirq.Cause, fn softirq.WorkFunc, data, context uint64) bool {
	if int(c) >= softirq.NumCauses {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.engine.ScheduleWork(c, fn, data, context) {
		k.stats.WorkRejected++
		k.log.Debugf("Work queue %s full", c)
		return false
	}
	return true
}

// ScheduleSoftIRQ raises c without queueing work.
func (k *Kernel) ScheduleSoftIRQ(c softirq.Cause) error {
	if int(c) >= softirq.NumCauses {
		return fmt.Errorf("invalid soft interrupt cause %d", uint8(c))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.engine.Raise(c)
	return nil
}

// BlockCurrentTask blocks the running task and switches to the next one.
// It returns the id of the blocked task.
func (k *Kernel) BlockCurrentTask() (sched.TaskID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id, err := k.sched.BlockCurrent()
	if err != nil {
		return 0, err
	}
	k.schedule()
	return id, nil
}

// UnblockTask makes a blocked task Ready again, cancelling its sleep timer
// if it has one. If the task is more urgent than the current one, it runs at
// the next reschedule point.
func (k *Kernel) UnblockTask(id sched.TaskID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.sched.Unblock(id); err != nil {
		return err
	}
	k.cancelTimer(id)
	k.checkPreempt(id)
	return nil
}

// SleepCurrentTask blocks the running task for the given number of timer
// ticks and switches to the next one. Zero ticks only yields.
func (k *Kernel) SleepCurrentTask(ticks uint64) (sched.TaskID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ticks == 0 {
		cur := k.sched.Current()
		if cur == nil {
			return 0, sched.ErrNoCurrentTask
		}
		k.schedule()
		return cur.ID, nil
	}
	id, err := k.sched.BlockCurrent()
	if err != nil {
		return 0, err
	}
	deadline := k.ticks + ticks
	k.timers.ReplaceOrInsert(sleepTimer{deadline: deadline, task: id})
	k.sleeping[id] = deadline
	k.schedule()
	return id, nil
}

// cancelTimer removes the sleep timer of task id, if any.
//
// Preconditions: k.mu is held.
func (k *Kernel) cancelTimer(id sched.TaskID) {
	deadline, ok := k.sleeping[id]
	if !ok {
		return
	}
	k.timers.Delete(sleepTimer{deadline: deadline, task: id})
	delete(k.sleeping, id)
}

// Yield moves the running task to the back of its ready list and returns
// the id of the task that runs next.
func (k *Kernel) Yield() sched.TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.schedule().ID
}

// ValidatePrivilege checks that the current level may perform an operation
// requiring level required. A refused check is counted and handled by the
// configured ViolationAction.
func (k *Kernel) ValidatePrivilege(required privilege.Level) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.priv.ValidatePrivilege(required)
}

// violation is the privilege manager's violation hook.
//
// Preconditions: k.mu is held.
func (k *Kernel) violation(v privilege.Violation) {
	cur := k.sched.Current()
	k.warn.Warningf("Privilege violation (%s) by %v: at %s, %s required", v.Kind, cur, v.Current, v.Required)
	if k.onViolation != ViolationTerminate || v.Kind != privilege.InsufficientLevel {
		return
	}
	if cur == nil || cur == k.sched.IdleTask() {
		return
	}
	if err := k.terminate(cur.ID); err != nil {
		k.log.Warningf("Terminating task %d after privilege violation: %v", cur.ID, err)
	}
}
