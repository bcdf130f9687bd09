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
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kcore.dev/kcore/pkg/irq"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/privilege"
	"kcore.dev/kcore/pkg/sched"
	"kcore.dev/kcore/pkg/softirq"
)

const (
	svc64       = 0x56000000 // SVC #0 from AArch64.
	dataAbortL3 = 0x92000007 // Data abort from EL0, translation fault level 3.
	brk         = 0xf2000000 // BRK #0.
)

func newTestKernel(t *testing.T, conf Config) *Kernel {
	t.Helper()
	if conf.Logger == nil {
		conf.Logger = &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	}
	k, err := New(conf)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return k
}

func userTask(name string, p sched.Priority, entry uint64) sched.TaskSpec {
	return sched.TaskSpec{
		Name:         name,
		Priority:     p,
		Entry:        entry,
		StackBase:    0x7f0000,
		StackSize:    0x10000,
		AddressSpace: 1,
	}
}

func mustCreate(t *testing.T, k *Kernel, spec sched.TaskSpec) sched.TaskID {
	t.Helper()
	id, err := k.CreateTask(spec)
	if err != nil {
		t.Fatalf("CreateTask(%+v) failed: %v", spec, err)
	}
	return id
}

func tick(t *testing.T, k *Kernel, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := k.Tick(); err != nil {
			t.Fatalf("Tick() failed: %v", err)
		}
	}
}

// syscall issues system call nr from the frame f, which holds user state.
func syscall(t *testing.T, k *Kernel, f *privilege.Frame, nr uint64, args ...uint64) {
	t.Helper()
	copy(f.Regs[:], args)
	f.Regs[8] = nr
	f.ESR = svc64
	f.ELR += 4
	if err := k.HandleException(f); err != nil {
		t.Fatalf("HandleException(syscall %d) failed: %v", nr, err)
	}
}

func currentID(t *testing.T, k *Kernel) sched.TaskID {
	t.Helper()
	info, ok := k.Current()
	if !ok {
		t.Fatalf("no current task")
	}
	return info.ID
}

func TestTimerPreemption(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := mustCreate(t, k, sched.TaskSpec{Name: "a", Priority: sched.Low})
	b := mustCreate(t, k, sched.TaskSpec{Name: "b", Priority: sched.Low})
	if got := k.Schedule(); got != a {
		t.Fatalf("Schedule() = %d, want %d", got, a)
	}
	tick(t, k, 4)
	if got := currentID(t, k); got != a {
		t.Fatalf("current after 4 ticks = %d, want %d", got, a)
	}
	tick(t, k, 1)
	if got := currentID(t, k); got != b {
		t.Fatalf("current after 5 ticks = %d, want %d", got, b)
	}

	s := k.Stats()
	if s.Ticks != 5 || s.Scheduler.Preemptions != 1 {
		t.Errorf("Ticks = %d, Preemptions = %d, want 5, 1", s.Ticks, s.Scheduler.Preemptions)
	}
	if got := s.IRQ.PerSource[irq.SourceTimer]; got != 5 {
		t.Errorf("timer interrupts = %d, want 5", got)
	}
	if s.IRQ.EndOfInterrupts != 5 {
		t.Errorf("EndOfInterrupts = %d, want 5", s.IRQ.EndOfInterrupts)
	}
}

func TestTickWakesIdle(t *testing.T) {
	k := newTestKernel(t, Config{})
	if got := k.Schedule(); got != sched.IdleTaskID {
		t.Fatalf("Schedule() = %d, want idle", got)
	}
	a := mustCreate(t, k, sched.TaskSpec{Name: "a", Priority: sched.Normal})
	if got := currentID(t, k); got != sched.IdleTaskID {
		t.Fatalf("CreateTask preempted idle immediately")
	}
	tick(t, k, 1)
	if got := currentID(t, k); got != a {
		t.Errorf("current after tick = %d, want %d", got, a)
	}
}

func TestSpuriousIRQ(t *testing.T) {
	k := newTestKernel(t, Config{})
	d, err := k.HandleIRQ()
	if err != nil {
		t.Fatalf("HandleIRQ() failed: %v", err)
	}
	if d.Valid || d.ID != irq.SpuriousID {
		t.Errorf("HandleIRQ() = %+v, want invalid descriptor with id %d", d, irq.SpuriousID)
	}
	s := k.Stats()
	if s.IRQ.Spurious != 1 || s.IRQ.Total != 0 || s.Ticks != 0 {
		t.Errorf("IRQ stats = %+v, ticks %d, want one spurious and nothing else", s.IRQ, s.Ticks)
	}
}

func TestDeviceAndUnknownIRQ(t *testing.T) {
	k := newTestKernel(t, Config{})
	var uart []uint32
	if err := k.RegisterHandler(irq.SourceUART, func(d irq.Descriptor) {
		uart = append(uart, d.ID)
	}); err != nil {
		t.Fatalf("RegisterHandler() failed: %v", err)
	}
	if err := k.RegisterHandler(irq.SourceTimer, func(irq.Descriptor) {}); err == nil {
		t.Errorf("replacing the timer handler succeeded")
	}
	for _, id := range []uint32{33, 50} {
		if err := k.RaiseIRQ(id); err != nil {
			t.Fatalf("RaiseIRQ(%d) failed: %v", id, err)
		}
	}
	for k.IRQPending() {
		if _, err := k.HandleIRQ(); err != nil {
			t.Fatalf("HandleIRQ() failed: %v", err)
		}
	}
	if diff := cmp.Diff([]uint32{33}, uart); diff != "" {
		t.Errorf("UART handler calls mismatch (-want +got):\n%s", diff)
	}
	s := k.Stats()
	if diff := cmp.Diff(map[uint32]uint64{50: 1}, s.IRQ.UnknownIDs); diff != "" {
		t.Errorf("UnknownIDs mismatch (-want +got):\n%s", diff)
	}
	if s.IRQ.Total != 2 {
		t.Errorf("Total = %d, want 2", s.IRQ.Total)
	}
}

func TestNestedIRQRefused(t *testing.T) {
	k := newTestKernel(t, Config{})
	var nestedErr error
	if err := k.RegisterHandler(irq.SourceGPIO, func(irq.Descriptor) {
		_, nestedErr = k.HandleIRQ()
	}); err != nil {
		t.Fatalf("RegisterHandler() failed: %v", err)
	}
	if err := k.RaiseIRQ(39); err != nil {
		t.Fatalf("RaiseIRQ() failed: %v", err)
	}
	if _, err := k.HandleIRQ(); err != nil {
		t.Fatalf("HandleIRQ() failed: %v", err)
	}
	if !errors.Is(nestedErr, ErrNestedInterrupt) {
		t.Errorf("nested HandleIRQ() = %v, want %v", nestedErr, ErrNestedInterrupt)
	}
	if got := k.Stats().NestedIRQs; got != 1 {
		t.Errorf("NestedIRQs = %d, want 1", got)
	}
	// The mask is released afterwards.
	if _, err := k.HandleIRQ(); err != nil {
		t.Errorf("HandleIRQ() after nesting = %v", err)
	}
}

func TestSyscallRoundTrip(t *testing.T) {
	k := newTestKernel(t, Config{})
	id := mustCreate(t, k, userTask("init", sched.Normal, 0x400000))

	var f privilege.Frame
	if err := k.Resume(&f); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	want := privilege.Frame{ELR: 0x400000, SP: 0x800000, SPSR: privilege.UserFlagsSet}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Fatalf("frame after Resume mismatch (-want +got):\n%s", diff)
	}
	if got := k.Level(); got != privilege.EL0 {
		t.Fatalf("Level() = %v, want EL0", got)
	}

	f.Regs[19] = 0xfeed
	syscall(t, k, &f, SysGetpid)
	if got := f.Regs[0]; got != uint64(id) {
		t.Errorf("getpid returned %d, want %d", got, id)
	}
	if f.ELR != 0x400004 || f.Regs[19] != 0xfeed || f.SPSR != privilege.UserFlagsSet {
		t.Errorf("frame after syscall = %+v, want ELR 0x400004 and preserved registers", f)
	}
	if got := k.Level(); got != privilege.EL0 {
		t.Errorf("Level() after syscall = %v, want EL0", got)
	}

	syscall(t, k, &f, 4242)
	if got, want := int64(f.Regs[0]), int64(-38); got != want {
		t.Errorf("unknown syscall returned %d, want %d", got, want)
	}

	s := k.Stats()
	wantPriv := privilege.Stats{ToKernel: 2, ToUser: 3, Syscalls: 2}
	if diff := cmp.Diff(wantPriv, s.Privilege); diff != "" {
		t.Errorf("privilege stats mismatch (-want +got):\n%s", diff)
	}
	if s.UnknownSyscalls != 1 || s.Syscalls["getpid"] != 1 {
		t.Errorf("syscall stats = %v, unknown %d, want getpid 1, unknown 1", s.Syscalls, s.UnknownSyscalls)
	}
}

func TestSyscallYieldSwitchesTasks(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := mustCreate(t, k, userTask("a", sched.Normal, 0x1000))
	b := mustCreate(t, k, userTask("b", sched.Normal, 0x2000))

	var f privilege.Frame
	if err := k.Resume(&f); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	f.Regs[1] = 0xaaaa
	syscall(t, k, &f, SysSchedYield)
	if got := currentID(t, k); got != b {
		t.Fatalf("current after yield = %d, want %d", got, b)
	}
	if f.ELR != 0x2000 || f.Regs[1] != 0 {
		t.Fatalf("frame after yield = %+v, want fresh context of b", f)
	}

	syscall(t, k, &f, SysGettid)
	if f.Regs[0] != uint64(b) {
		t.Errorf("gettid = %d, want %d", f.Regs[0], b)
	}
	syscall(t, k, &f, SysSchedYield)
	if got := currentID(t, k); got != a {
		t.Fatalf("current after second yield = %d, want %d", got, a)
	}
	// a resumes after its SVC with its registers and a zero return value.
	if f.ELR != 0x1004 || f.Regs[1] != 0xaaaa || f.Regs[0] != 0 {
		t.Errorf("frame of a = %+v, want ELR 0x1004, X1 0xaaaa, X0 0", f)
	}
}

func TestPreemptionToKernelTask(t *testing.T) {
	k := newTestKernel(t, Config{OnViolation: ViolationTerminate})
	u := mustCreate(t, k, userTask("u", sched.Low, 0x1000))
	kt := mustCreate(t, k, sched.TaskSpec{Name: "k", Priority: sched.Low, Entry: 0x5000})

	var f privilege.Frame
	if err := k.Resume(&f); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	// u has run ahead before the timer fires.
	f.ELR = 0x1010
	f.Regs[19] = 0x1919

	tick(t, k, 5)
	if got := currentID(t, k); got != kt {
		t.Fatalf("current after time slice = %d, want %d", got, kt)
	}
	if err := k.Resume(&f); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if got := k.Level(); got != privilege.EL1 {
		t.Errorf("Level() in kernel task = %v, want %v", got, privilege.EL1)
	}
	if diff := cmp.Diff(privilege.Frame{ELR: 0x5000, SPSR: privilege.KernelFlagsSet}, f); diff != "" {
		t.Errorf("kernel task frame mismatch (-want +got):\n%s", diff)
	}
	if err := k.ValidatePrivilege(privilege.EL1); err != nil {
		t.Errorf("ValidatePrivilege(EL1) in kernel task failed: %v", err)
	}
	if got := currentID(t, k); got != kt {
		t.Fatalf("current after privilege check = %d, want %d", got, kt)
	}

	tick(t, k, 5)
	if got := currentID(t, k); got != u {
		t.Fatalf("current after second time slice = %d, want %d", got, u)
	}
	if err := k.Resume(&f); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if got := k.Level(); got != privilege.EL0 {
		t.Errorf("Level() in user task = %v, want %v", got, privilege.EL0)
	}
	if f.ELR != 0x1010 || f.Regs[19] != 0x1919 || f.SPSR != privilege.UserFlagsSet {
		t.Errorf("frame of u = %+v, want ELR 0x1010, X19 0x1919 at EL0", f)
	}
	want := privilege.Stats{ToKernel: 1, ToUser: 2}
	if diff := cmp.Diff(want, k.Stats().Privilege); diff != "" {
		t.Errorf("privilege stats mismatch (-want +got):\n%s", diff)
	}
}

func TestSyscallExit(t *testing.T) {
	k := newTestKernel(t, Config{})
	id := mustCreate(t, k, userTask("a", sched.Normal, 0x1000))
	var f privilege.Frame
	if err := k.Resume(&f); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	syscall(t, k, &f, SysExit, 3)
	if got := currentID(t, k); got != sched.IdleTaskID {
		t.Errorf("current after exit = %d, want idle", got)
	}
	if f.SPSR != privilege.KernelFlagsSet {
		t.Errorf("SPSR = %#x, want a return to EL1", f.SPSR)
	}
	if got := k.Level(); got != privilege.EL1 {
		t.Errorf("Level() = %v, want EL1", got)
	}
	if err := k.DestroyTask(id); !errors.Is(err, sched.ErrTaskNotFound) {
		t.Errorf("DestroyTask(exited) = %v, want %v", err, sched.ErrTaskNotFound)
	}
}

// recordEmitter keeps every formatted message.
type recordEmitter struct {
	msgs []string
}

func (r *recordEmitter) Emit(_ int, _ log.Level, _ time.Time, format string, v ...any) {
	r.msgs = append(r.msgs, fmt.Sprintf(format, v...))
}

func TestSyscallExitUnknownTaskLogged(t *testing.T) {
	rec := &recordEmitter{}
	k := newTestKernel(t, Config{Logger: &log.BasicLogger{Level: log.Info, Emitter: rec}})

	k.mu.Lock()
	ret := sysExit(k, &sched.Task{ID: 42}, [privilege.NumSyscallArgs]uint64{})
	k.mu.Unlock()
	if ret != 0 {
		t.Errorf("sysExit() = %d, want 0", ret)
	}
	if len(rec.msgs) != 1 || !strings.Contains(rec.msgs[0], "Terminating task 42 on exit") {
		t.Errorf("logged %q, want one termination failure", rec.msgs)
	}
}

func TestUserFaultPolicies(t *testing.T) {
	for _, tc := range []struct {
		name    string
		policy  FaultPolicy
		esr     uint64
		wantPC  uint64
		wantRun bool
	}{
		{name: "default terminates", esr: dataAbortL3, wantRun: false},
		{name: "skip", policy: FixedFaultPolicy(FaultSkip), esr: brk, wantPC: 0x1004, wantRun: true},
		{name: "retry", policy: FixedFaultPolicy(FaultRetry), esr: dataAbortL3, wantPC: 0x1000, wantRun: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var faults []Fault
			policy := tc.policy
			if policy != nil {
				policy = func(ft Fault) FaultAction {
					faults = append(faults, ft)
					return tc.policy(ft)
				}
			}
			k := newTestKernel(t, Config{FaultPolicy: policy})
			id := mustCreate(t, k, userTask("a", sched.Normal, 0x1000))
			var f privilege.Frame
			if err := k.Resume(&f); err != nil {
				t.Fatalf("Resume() failed: %v", err)
			}
			f.ESR = tc.esr
			f.FAR = 0xdead0000
			if err := k.HandleException(&f); err != nil {
				t.Fatalf("HandleException() failed: %v", err)
			}
			if got := k.Stats().UserFaults; got != 1 {
				t.Errorf("UserFaults = %d, want 1", got)
			}
			cur := currentID(t, k)
			if !tc.wantRun {
				if cur != sched.IdleTaskID {
					t.Errorf("current = %d, want idle after termination", cur)
				}
				return
			}
			if cur != id || f.ELR != tc.wantPC {
				t.Errorf("current %d at %#x, want %d at %#x", cur, f.ELR, id, tc.wantPC)
			}
			if len(faults) != 1 || faults[0].Task != id || faults[0].Address != 0xdead0000 || faults[0].PC != 0x1000 {
				t.Errorf("policy saw %+v, want one fault of task %d", faults, id)
			}
		})
	}
}

func TestKernelFault(t *testing.T) {
	k := newTestKernel(t, Config{})
	f := privilege.Frame{ESR: 0x96000000, ELR: 0xffff0000, SPSR: privilege.KernelFlagsSet}
	want := f
	if err := k.HandleException(&f); err != nil {
		t.Fatalf("HandleException() failed: %v", err)
	}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Errorf("frame changed (-want +got):\n%s", diff)
	}
	s := k.Stats()
	if s.KernelFaults != 1 || s.UserFaults != 0 {
		t.Errorf("KernelFaults = %d, UserFaults = %d, want 1, 0", s.KernelFaults, s.UserFaults)
	}
	if err := k.HandleException(nil); !errors.Is(err, ErrNilFrame) {
		t.Errorf("HandleException(nil) = %v, want %v", err, ErrNilFrame)
	}
}

func TestSleep(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := mustCreate(t, k, sched.TaskSpec{Name: "a", Priority: sched.Normal})
	b := mustCreate(t, k, sched.TaskSpec{Name: "b", Priority: sched.Low})
	k.Schedule()

	if id, err := k.SleepCurrentTask(3); err != nil || id != a {
		t.Fatalf("SleepCurrentTask(3) = %d, %v, want %d, nil", id, err, a)
	}
	if got := currentID(t, k); got != b {
		t.Fatalf("current while a sleeps = %d, want %d", got, b)
	}
	tick(t, k, 2)
	if k.SoftIRQPending() {
		t.Fatalf("timer soft interrupt raised before the deadline")
	}
	tick(t, k, 1)
	if n := k.RunSoftIRQs(); n != 1 {
		t.Errorf("RunSoftIRQs() = %d, want 1", n)
	}
	if got := currentID(t, k); got != a {
		t.Errorf("current after wakeup = %d, want %d", got, a)
	}
	s := k.Stats()
	if s.TimersExpired != 1 {
		t.Errorf("TimersExpired = %d, want 1", s.TimersExpired)
	}
	if got := s.SoftIRQ.Causes[softirq.Timer].Processed; got != 1 {
		t.Errorf("timer work processed = %d, want 1", got)
	}
}

func TestSleepExpiryQueuedOnce(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := mustCreate(t, k, sched.TaskSpec{Name: "a", Priority: sched.Normal})
	k.Schedule()

	if _, err := k.SleepCurrentTask(1); err != nil {
		t.Fatalf("SleepCurrentTask(1) failed: %v", err)
	}
	tick(t, k, 40)
	s := k.Stats()
	if got := s.SoftIRQ.Causes[softirq.Timer].Scheduled; got != 1 {
		t.Errorf("timer work scheduled = %d, want 1", got)
	}
	if s.WorkRejected != 0 || s.SoftIRQ.Causes[softirq.Timer].QueueFull != 0 {
		t.Errorf("WorkRejected = %d, timer queue full = %d, want 0, 0", s.WorkRejected, s.SoftIRQ.Causes[softirq.Timer].QueueFull)
	}
	// Caller work on the timer queue is still accepted.
	if !k.ScheduleWork(softirq.Timer, func(uint64, uint64) {}, 0, 0) {
		t.Errorf("ScheduleWork(Timer) refused with one expiry queued")
	}

	if n := k.RunSoftIRQs(); n != 2 {
		t.Errorf("RunSoftIRQs() = %d, want 2", n)
	}
	if got := currentID(t, k); got != a {
		t.Fatalf("current after wakeup = %d, want %d", got, a)
	}

	// A later sleep queues a new expiry.
	if _, err := k.SleepCurrentTask(1); err != nil {
		t.Fatalf("SleepCurrentTask(1) failed: %v", err)
	}
	tick(t, k, 3)
	k.RunSoftIRQs()
	s = k.Stats()
	if got := s.SoftIRQ.Causes[softirq.Timer].Scheduled; got != 3 {
		t.Errorf("timer work scheduled = %d, want 3", got)
	}
	if s.TimersExpired != 2 {
		t.Errorf("TimersExpired = %d, want 2", s.TimersExpired)
	}
}

func TestUnblockCancelsSleep(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := mustCreate(t, k, sched.TaskSpec{Name: "a", Priority: sched.Low})
	k.Schedule()
	if _, err := k.SleepCurrentTask(2); err != nil {
		t.Fatalf("SleepCurrentTask() failed: %v", err)
	}
	if err := k.UnblockTask(a); err != nil {
		t.Fatalf("UnblockTask() failed: %v", err)
	}
	tick(t, k, 3)
	k.RunSoftIRQs()
	if got := k.Stats().TimersExpired; got != 0 {
		t.Errorf("TimersExpired = %d, want 0 after the timer was cancelled", got)
	}
	if err := k.UnblockTask(a); !errors.Is(err, sched.ErrNotBlocked) {
		t.Errorf("UnblockTask(running) = %v, want %v", err, sched.ErrNotBlocked)
	}
}

func TestBlockCurrentTask(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := mustCreate(t, k, sched.TaskSpec{Name: "a", Priority: sched.High})
	k.Schedule()
	if id, err := k.BlockCurrentTask(); err != nil || id != a {
		t.Fatalf("BlockCurrentTask() = %d, %v, want %d, nil", id, err, a)
	}
	if got := currentID(t, k); got != sched.IdleTaskID {
		t.Errorf("current = %d, want idle", got)
	}
	if err := k.UnblockTask(a); err != nil {
		t.Fatalf("UnblockTask() failed: %v", err)
	}
	// Waking a task more urgent than idle takes effect at the next exit.
	if _, err := k.HandleIRQ(); err != nil {
		t.Fatalf("HandleIRQ() failed: %v", err)
	}
	if got := currentID(t, k); got != a {
		t.Errorf("current after wakeup = %d, want %d", got, a)
	}
}

func TestScheduleWorkCapacity(t *testing.T) {
	k := newTestKernel(t, Config{})
	var ran []uint64
	fn := func(data, _ uint64) { ran = append(ran, data) }
	for i := 0; i < softirq.WorkQueueCapacity; i++ {
		if !k.ScheduleWork(softirq.Tasklet, fn, uint64(i), 0) {
			t.Fatalf("ScheduleWork() #%d rejected", i)
		}
	}
	if k.ScheduleWork(softirq.Tasklet, fn, 99, 0) {
		t.Fatalf("ScheduleWork() past capacity accepted")
	}
	if k.ScheduleWork(softirq.Cause(softirq.NumCauses), fn, 0, 0) {
		t.Errorf("ScheduleWork() with an invalid cause accepted")
	}
	if n := k.RunSoftIRQs(); n != softirq.WorkQueueCapacity {
		t.Errorf("RunSoftIRQs() = %d, want %d", n, softirq.WorkQueueCapacity)
	}
	if len(ran) != softirq.WorkQueueCapacity || ran[0] != 0 || ran[len(ran)-1] != softirq.WorkQueueCapacity-1 {
		t.Errorf("work ran out of order: %v", ran)
	}
	s := k.Stats()
	if s.WorkRejected != 1 || s.SoftIRQ.Causes[softirq.Tasklet].QueueFull != 1 {
		t.Errorf("WorkRejected = %d, QueueFull = %d, want 1, 1", s.WorkRejected, s.SoftIRQ.Causes[softirq.Tasklet].QueueFull)
	}
}

func TestWorkMayScheduleWork(t *testing.T) {
	k := newTestKernel(t, Config{})
	var count int
	var fn softirq.WorkFunc
	fn = func(data, _ uint64) {
		count++
		if data > 0 {
			k.ScheduleWork(softirq.Network, fn, data-1, 0)
		}
	}
	k.ScheduleWork(softirq.Network, fn, 2, 0)
	for i := 1; k.SoftIRQPending(); i++ {
		if n := k.RunSoftIRQs(); n != 1 {
			t.Fatalf("pass %d processed %d items, want 1", i, n)
		}
	}
	if count != 3 {
		t.Errorf("work ran %d times, want 3", count)
	}
}

func TestScheduleSoftIRQ(t *testing.T) {
	k := newTestKernel(t, Config{})
	if err := k.ScheduleSoftIRQ(softirq.Block); err != nil {
		t.Fatalf("ScheduleSoftIRQ() failed: %v", err)
	}
	if !k.SoftIRQPending() {
		t.Fatalf("soft interrupt not pending")
	}
	if n := k.RunSoftIRQs(); n != 0 {
		t.Errorf("RunSoftIRQs() = %d, want 0", n)
	}
	if k.SoftIRQPending() {
		t.Errorf("empty cause still pending after a pass")
	}
	if err := k.ScheduleSoftIRQ(softirq.Cause(200)); err == nil {
		t.Errorf("ScheduleSoftIRQ(200) succeeded")
	}
}

func TestPrivilegeViolation(t *testing.T) {
	for _, tc := range []struct {
		action    ViolationAction
		wantAlive bool
	}{
		{action: ViolationLog, wantAlive: true},
		{action: ViolationTerminate, wantAlive: false},
	} {
		t.Run(tc.action.String(), func(t *testing.T) {
			k := newTestKernel(t, Config{OnViolation: tc.action})
			if err := k.ValidatePrivilege(privilege.EL1); err != nil {
				t.Fatalf("ValidatePrivilege(EL1) at EL1 = %v", err)
			}
			id := mustCreate(t, k, userTask("u", sched.Normal, 0x1000))
			var f privilege.Frame
			if err := k.Resume(&f); err != nil {
				t.Fatalf("Resume() failed: %v", err)
			}
			if err := k.ValidatePrivilege(privilege.EL1); !errors.Is(err, privilege.ErrPrivilegeViolation) {
				t.Fatalf("ValidatePrivilege(EL1) at EL0 = %v, want %v", err, privilege.ErrPrivilegeViolation)
			}
			if err := k.ValidatePrivilege(privilege.EL0); err != nil {
				t.Errorf("ValidatePrivilege(EL0) at EL0 = %v", err)
			}
			if got := k.Stats().Privilege.Violations; got != 1 {
				t.Errorf("Violations = %d, want 1", got)
			}
			alive := false
			for _, ti := range k.Tasks() {
				if ti.ID == id {
					alive = true
				}
			}
			if alive != tc.wantAlive {
				t.Errorf("task alive = %t, want %t", alive, tc.wantAlive)
			}
		})
	}
}

func TestParseActions(t *testing.T) {
	for _, a := range []ViolationAction{ViolationLog, ViolationTerminate} {
		if got, err := ParseViolationAction(a.String()); err != nil || got != a {
			t.Errorf("ParseViolationAction(%q) = %v, %v", a.String(), got, err)
		}
	}
	for _, a := range []FaultAction{FaultTerminate, FaultSkip, FaultRetry} {
		if got, err := ParseFaultAction(a.String()); err != nil || got != a {
			t.Errorf("ParseFaultAction(%q) = %v, %v", a.String(), got, err)
		}
	}
	if _, err := ParseViolationAction("panic"); err == nil {
		t.Errorf("ParseViolationAction(panic) succeeded")
	}
	if _, err := ParseFaultAction("ignore"); err == nil {
		t.Errorf("ParseFaultAction(ignore) succeeded")
	}
}

func TestNoTimer(t *testing.T) {
	k := newTestKernel(t, Config{Sources: map[uint32]irq.Source{33: irq.SourceUART}})
	if err := k.Tick(); !errors.Is(err, ErrNoTimer) {
		t.Errorf("Tick() = %v, want %v", err, ErrNoTimer)
	}
}

func TestStatsSnapshotIsCopy(t *testing.T) {
	k := newTestKernel(t, Config{})
	id := mustCreate(t, k, userTask("a", sched.Normal, 0x1000))
	var f privilege.Frame
	if err := k.Resume(&f); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	syscall(t, k, &f, SysGetpid)
	s := k.Stats()
	s.Syscalls["getpid"] = 100
	if got := k.Stats().Syscalls["getpid"]; got != 1 {
		t.Errorf("snapshot aliased kernel state: getpid = %d", got)
	}
	if f.Regs[0] != uint64(id) {
		t.Errorf("getpid = %d, want %d", f.Regs[0], id)
	}
}

func TestRegisterDeferred(t *testing.T) {
	k := newTestKernel(t, Config{})
	var got [][2]uint64
	if err := k.RegisterDeferred(irq.SourceUART, softirq.Network, func(data, context uint64) {
		got = append(got, [2]uint64{data, context})
	}); err != nil {
		t.Fatalf("RegisterDeferred() failed: %v", err)
	}
	if err := k.RegisterDeferred(irq.SourceTimer, softirq.Timer, nil); err == nil {
		t.Errorf("RegisterDeferred(timer) succeeded")
	}
	if err := k.RegisterDeferred(irq.SourceGPIO, softirq.Cause(softirq.NumCauses), nil); err == nil {
		t.Errorf("RegisterDeferred() with an invalid cause succeeded")
	}

	tick(t, k, 2)
	if err := k.RaiseIRQ(33); err != nil {
		t.Fatalf("RaiseIRQ() failed: %v", err)
	}
	if _, err := k.HandleIRQ(); err != nil {
		t.Fatalf("HandleIRQ() failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("deferred work ran in interrupt context")
	}
	if n := k.RunSoftIRQs(); n != 1 {
		t.Errorf("RunSoftIRQs() = %d, want 1", n)
	}
	if diff := cmp.Diff([][2]uint64{{33, 2}}, got); diff != "" {
		t.Errorf("deferred work mismatch (-want +got):\n%s", diff)
	}
}
