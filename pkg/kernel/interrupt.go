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
	"errors"
	"fmt"

	"kcore.dev/kcore/pkg/irq"
	"kcore.dev/kcore/pkg/sched"
	"kcore.dev/kcore/pkg/softirq"
)

// RaiseIRQ marks interrupt id pending at the controller, as a device would.
func (k *Kernel) RaiseIRQ(id uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.gic.Raise(id)
}

// RegisterDeferred installs a handler for src that only queues fn on the
// work queue of c, with the interrupt id as data and the tick count as
// context. fn later runs from RunSoftIRQs.
func (k *Kernel) RegisterDeferred(src irq.Source, c softirq.Cause, fn softirq.WorkFunc) error {
	if src == irq.SourceTimer {
		return errors.New("timer handler is owned by the kernel")
	}
	if int(c) >= softirq.NumCauses {
		return fmt.Errorf("invalid soft interrupt cause %d", uint8(c))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.router.Register(src, func(d irq.Descriptor) {
		if !k.engine.ScheduleWork(c, fn, uint64(d.ID), k.ticks) {
			k.stats.WorkRejected++
			k.warn.Warningf("%s work queue full, dropping work for interrupt %d", c, d.ID)
		}
	})
	return nil
}

// IRQPending returns true if the controller has an enabled interrupt
// pending.
func (k *Kernel) IRQPending() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.gic.Pending()
}

// HandleIRQ is the IRQ exception entry point. It acknowledges the most
// urgent pending interrupt, dispatches it through the router and signals end
// of interrupt. If a handler asked for a reschedule, the scheduler runs
// after end of interrupt.
//
// Interrupts are masked for the duration; a second entry while one is in
// progress returns ErrNestedInterrupt and leaves the interrupt pending.
func (k *Kernel) HandleIRQ() (irq.Descriptor, error) {
	if !k.mask.TryMask() {
		return irq.Descriptor{}, ErrNestedInterrupt
	}
	defer k.mask.Unmask()

	k.mu.Lock()
	defer k.mu.Unlock()
	d := k.router.HandleIRQ(k.gic.Acknowledge())
	if k.needResched {
		k.schedule()
	}
	return d, nil
}

// Tick raises the first timer interrupt id and handles it.
func (k *Kernel) Tick() error {
	k.mu.Lock()
	ids := k.router.IDs(irq.SourceTimer)
	if len(ids) == 0 {
		k.mu.Unlock()
		return ErrNoTimer
	}
	err := k.gic.Raise(ids[0])
	k.mu.Unlock()
	if err != nil {
		return fmt.Errorf("raising timer interrupt: %w", err)
	}
	_, err = k.HandleIRQ()
	return err
}

// timerInterrupt is the timer handler. It advances the clock, runs the
// preemption check and defers sleep timer expiry to the timer soft
// interrupt.
//
// Preconditions: k.mu is held.
func (k *Kernel) timerInterrupt(irq.Descriptor) {
	k.ticks++
	if k.sched.HandleTimerPreemption() {
		k.needResched = true
	}
	if k.expiryQueued {
		return
	}
	if t, ok := k.timers.Min(); ok && t.deadline <= k.ticks {
		if !k.engine.ScheduleWork(softirq.Timer, k.expireTimers, k.ticks, 0) {
			k.stats.WorkRejected++
			k.warn.Warningf("Timer work queue full at tick %d", k.ticks)
			return
		}
		k.expiryQueued = true
	}
}

// expireTimers wakes every task whose deadline has passed. It runs as soft
// interrupt work, without the kernel lock. At most one such item is queued
// at a time, so it checks against the current tick rather than the one it
// was queued at.
func (k *Kernel) expireTimers(_, _ uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.expiryQueued = false
	now := k.ticks
	for {
		t, ok := k.timers.Min()
		if !ok || t.deadline > now {
			return
		}
		k.timers.DeleteMin()
		delete(k.sleeping, t.task)
		if err := k.sched.Unblock(t.task); err != nil {
			k.log.Debugf("Sleep timer for task %d: %v", t.task, err)
			continue
		}
		k.stats.TimersExpired++
		k.checkPreempt(t.task)
	}
}

// checkPreempt requests a reschedule if task id is more urgent than the
// current task.
//
// Preconditions: k.mu is held.
func (k *Kernel) checkPreempt(id sched.TaskID) {
	t, ok := k.sched.Lookup(id)
	if !ok {
		return
	}
	cur := k.sched.Current()
	if cur == nil || cur == k.sched.IdleTask() || t.Priority > cur.Priority {
		k.needResched = true
	}
}

// RunSoftIRQs makes one pass over the pending soft interrupts and returns
// the number of work items processed. It then reschedules if any work asked
// for it.
func (k *Kernel) RunSoftIRQs() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := k.engine.ProcessPending()
	if k.needResched {
		k.schedule()
	}
	return n
}

// SoftIRQPending returns true if any soft interrupt is pending.
func (k *Kernel) SoftIRQPending() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.engine.Pending() != 0
}
