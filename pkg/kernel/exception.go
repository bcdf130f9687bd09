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

	"kcore.dev/kcore/pkg/esr"
	"kcore.dev/kcore/pkg/privilege"
	"kcore.dev/kcore/pkg/sched"
)

// Fault describes an exception other than a system call taken from EL0.
type Fault struct {
	// Task is the faulting task.
	Task sched.TaskID

	// Syndrome is the decoded ESR_EL1.
	Syndrome esr.Syndrome

	// PC is ELR_EL1, the faulting instruction.
	PC uint64

	// Address is FAR_EL1. It is meaningful only for aborts and alignment
	// faults.
	Address uint64
}

// FaultAction is the outcome chosen by a FaultPolicy.
type FaultAction uint8

// Fault actions.
const (
	// FaultTerminate destroys the faulting task.
	FaultTerminate FaultAction = iota

	// FaultSkip resumes the task after the faulting instruction.
	FaultSkip

	// FaultRetry resumes the task at the faulting instruction.
	FaultRetry
)

// String implements fmt.Stringer.String.
func (a FaultAction) String() string {
	switch a {
	case FaultTerminate:
		return "terminate"
	case FaultSkip:
		return "skip"
	case FaultRetry:
		return "retry"
	default:
		return fmt.Sprintf("FaultAction(%d)", uint8(a))
	}
}

// ParseFaultAction parses a name returned by FaultAction.String.
func ParseFaultAction(s string) (FaultAction, error) {
	for _, a := range []FaultAction{FaultTerminate, FaultSkip, FaultRetry} {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("invalid fault action %q", s)
}

// Get implements flag.Getter.Get.
func (a *FaultAction) Get() any {
	return *a
}

// Set implements flag.Value.Set.
func (a *FaultAction) Set(v string) error {
	parsed, err := ParseFaultAction(v)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// FaultPolicy decides what happens to a task that took a Fault. It runs
// with the kernel lock held and must not call back into the Kernel.
type FaultPolicy func(Fault) FaultAction

// TerminateOnFault is the default FaultPolicy.
func TerminateOnFault(Fault) FaultAction {
	return FaultTerminate
}

// FixedFaultPolicy returns a FaultPolicy that always chooses a.
func FixedFaultPolicy(a FaultAction) FaultPolicy {
	return func(Fault) FaultAction {
		return a
	}
}

// instructionLength returns the length of the instruction that took the
// exception described by syn.
func instructionLength(syn esr.Syndrome) uint64 {
	if syn.IL {
		return 4
	}
	return 2
}

// HandleException is the synchronous exception entry point. f holds the
// registers saved on entry; on return it holds the registers to restore.
//
// The syndrome is decoded and the entry recorded by the privilege manager.
// A system call is dispatched on its number; any other exception from EL0 is
// handed to the fault policy. Exceptions from EL1 are logged and counted,
// and return to EL1 unchanged. On the way out the scheduler runs if needed,
// and the frame is loaded with the user context of the task that runs next.
func (k *Kernel) HandleException(f *privilege.Frame) error {
	if f == nil {
		return ErrNilFrame
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	syn := esr.Decode(uint32(f.ESR))
	fromUser := privilege.ModeOf(f.SPSR) == privilege.EL0
	tr := k.priv.TransitionToKernel(syn, f)
	if !fromUser {
		k.stats.KernelFaults++
		k.warn.Warningf("Exception taken from EL1 at %#x: %v", f.ELR, syn)
		return nil
	}

	cur := k.sched.Current()
	if cur != nil && cur.User() {
		cur.Context.PC = f.ELR
		cur.Context.SP = f.SP
		k.saved[cur.ID] = *f
	}

	if tr.Syscall != nil {
		ret := k.syscall(cur, tr.Syscall)
		if cur != nil && cur.State != sched.Terminated && cur.User() {
			regs := k.saved[cur.ID]
			regs.Regs[0] = ret
			k.saved[cur.ID] = regs
		}
	} else {
		k.fault(cur, syn, f)
	}

	if next := k.sched.Current(); k.needResched || next == nil || next.State != sched.Running {
		k.schedule()
	}
	return k.enter(f, k.sched.Current())
}

// fault applies the fault policy to cur.
//
// Preconditions: k.mu is held.
func (k *Kernel) fault(cur *sched.Task, syn esr.Syndrome, f *privilege.Frame) {
	k.stats.UserFaults++
	if cur == nil || cur == k.sched.IdleTask() {
		k.warn.Warningf("User exception with no user task at %#x: %v", f.ELR, syn)
		return
	}
	ft := Fault{Task: cur.ID, Syndrome: syn, PC: f.ELR, Address: f.FAR}
	action := k.faultPolicy(ft)
	k.warn.Infof("Task %d fault at %#x (address %#x): %v: %v", cur.ID, ft.PC, ft.Address, syn, action)
	switch action {
	case FaultSkip:
		cur.Context.PC = f.ELR + instructionLength(syn)
	case FaultRetry:
	default:
		k.terminate(cur.ID)
	}
}

// enter loads f with the context of next and returns to it. A task with a
// user address space is entered at EL0 through the privilege manager; any
// other task continues at EL1.
//
// Preconditions: k.mu is held.
func (k *Kernel) enter(f *privilege.Frame, next *sched.Task) error {
	if !next.User() {
		*f = privilege.Frame{ELR: next.Context.PC, SPSR: privilege.KernelFlagsSet}
		k.live = 0
		return nil
	}
	regs, ok := k.saved[next.ID]
	if !ok {
		regs = privilege.Frame{SP: next.Context.SP}
	}
	delete(k.saved, next.ID)
	*f = regs
	k.priv.SetUserStack(next.Context.SP)
	if err := k.priv.TransitionToUser(next.Context.PC, regs.Regs[0]); err != nil {
		return fmt.Errorf("returning to task %d: %w", next.ID, err)
	}
	k.priv.ReturnState().Apply(f)
	k.live = next.ID
	return nil
}

// Resume loads f with the context of the current task, scheduling first if
// there is none.
//
// At EL1 this is an exception return into the task. At EL0, f holds the
// registers of the last task entered; if an interrupt has since switched
// tasks, those registers are saved. A new user task's registers are then
// loaded in place; a kernel task is entered through the interrupt's
// exception entry, leaving the level at EL1.
func (k *Kernel) Resume(f *privilege.Frame) error {
	if f == nil {
		return ErrNilFrame
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	next := k.sched.Current()
	if next == nil || next.State != sched.Running {
		next = k.schedule()
	}
	if k.priv.Current() != privilege.EL0 {
		return k.enter(f, next)
	}
	if next.ID == k.live {
		return nil
	}
	k.saveLive(f)
	if !next.User() {
		entry := *f
		entry.ESR = 0
		entry.FAR = 0
		k.priv.TransitionToKernel(esr.Decode(0), &entry)
		return k.enter(f, next)
	}
	regs, ok := k.saved[next.ID]
	if !ok {
		regs = privilege.Frame{SP: next.Context.SP, SPSR: privilege.UserFlagsSet}
	}
	delete(k.saved, next.ID)
	regs.ELR = next.Context.PC
	*f = regs
	k.live = next.ID
	return nil
}

// saveLive saves f as the registers of the user task last entered, if it
// still exists.
//
// Preconditions: k.mu is held.
func (k *Kernel) saveLive(f *privilege.Frame) {
	prev, ok := k.sched.Lookup(k.live)
	if !ok || !prev.User() {
		return
	}
	prev.Context.PC = f.ELR
	prev.Context.SP = f.SP
	k.saved[prev.ID] = *f
}
