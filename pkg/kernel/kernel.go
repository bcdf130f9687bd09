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

// Package kernel owns the control plane of a single-core kernel: the
// interrupt controller and router, the soft interrupt engine, the privilege
// manager and the scheduler, all serialized by one lock.
//
// There are three entry points from the hardware: HandleIRQ for an IRQ
// exception, HandleException for a synchronous exception, and RunSoftIRQs
// for the deferred work that interrupt handlers queued. Everything else is
// the application API used from task context.
package kernel

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/mohae/deepcopy"
	"kcore.dev/kcore/pkg/irq"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/privilege"
	"kcore.dev/kcore/pkg/sched"
	"kcore.dev/kcore/pkg/softirq"
	"kcore.dev/kcore/pkg/sync"
)

// Errors returned by the Kernel.
var (
	// ErrNestedInterrupt is returned by HandleIRQ when an interrupt is
	// already being handled.
	ErrNestedInterrupt = errors.New("nested interrupt refused")

	// ErrNoTimer is returned when no interrupt id is mapped to the timer.
	ErrNoTimer = errors.New("no timer interrupt configured")

	// ErrNilFrame is returned for an exception without a register frame.
	ErrNilFrame = errors.New("nil exception frame")
)

// ViolationAction is what the kernel does to a task that fails a privilege
// check.
type ViolationAction uint8

// Violation actions.
const (
	// ViolationLog logs the violation and lets the task continue.
	ViolationLog ViolationAction = iota

	// ViolationTerminate destroys the violating task.
	ViolationTerminate
)

// String implements fmt.Stringer.String.
func (a ViolationAction) String() string {
	switch a {
	case ViolationLog:
		return "log"
	case ViolationTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("ViolationAction(%d)", uint8(a))
	}
}

// ParseViolationAction parses a name returned by ViolationAction.String.
func ParseViolationAction(s string) (ViolationAction, error) {
	switch s {
	case "log":
		return ViolationLog, nil
	case "terminate":
		return ViolationTerminate, nil
	}
	return 0, fmt.Errorf("invalid violation action %q", s)
}

// Get implements flag.Getter.Get.
func (a *ViolationAction) Get() any {
	return *a
}

// Set implements flag.Value.Set.
func (a *ViolationAction) Set(v string) error {
	parsed, err := ParseViolationAction(v)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Config configures a Kernel. The zero value is usable.
type Config struct {
	// Sources maps interrupt ids to sources. Nil means
	// irq.DefaultSources.
	Sources map[uint32]irq.Source

	// Priorities overrides the controller priority of interrupt ids.
	Priorities map[uint32]uint8

	// TimeSlices overrides the default time slices.
	TimeSlices sched.TimeSlices

	// OnViolation is applied to tasks failing a privilege check.
	OnViolation ViolationAction

	// FaultPolicy decides the fate of tasks that take a fault at EL0. Nil
	// means every faulting task is terminated.
	FaultPolicy FaultPolicy

	// Logger receives kernel diagnostics. Nil means log.Log().
	Logger log.Logger

	// WarnEvery rate limits warnings that hardware events can trigger.
	// Zero means unlimited.
	WarnEvery time.Duration
}

// Stats is a snapshot of every counter in the kernel.
type Stats struct {
	// Ticks is the number of timer interrupts handled.
	Ticks uint64 `json:"ticks"`

	Scheduler sched.Stats     `json:"scheduler"`
	IRQ       irq.Stats       `json:"irq"`
	SoftIRQ   softirq.Stats   `json:"softirq"`
	Privilege privilege.Stats `json:"privilege"`

	// NestedIRQs counts refused nested interrupts.
	NestedIRQs uint64 `json:"nested_irqs"`

	// UserFaults counts non-syscall exceptions taken from EL0.
	UserFaults uint64 `json:"user_faults"`

	// KernelFaults counts exceptions taken from EL1.
	KernelFaults uint64 `json:"kernel_faults"`

	// Syscalls counts system calls by name.
	Syscalls map[string]uint64 `json:"syscalls,omitempty"`

	// UnknownSyscalls counts system calls with no handler.
	UnknownSyscalls uint64 `json:"unknown_syscalls"`

	// TimersExpired counts sleep timers that woke their task.
	TimersExpired uint64 `json:"timers_expired"`

	// WorkRejected counts ScheduleWork calls refused for a full queue.
	WorkRejected uint64 `json:"work_rejected"`
}

// sleepTimer wakes task at deadline.
type sleepTimer struct {
	deadline uint64
	task     sched.TaskID
}

func sleepTimerLess(a, b sleepTimer) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.task < b.task
}

// Kernel is the kernel context.
type Kernel struct {
	// mu serializes everything below. The soft interrupt engine releases it
	// while a work function runs.
	mu sync.Mutex

	// mask is set while an interrupt is being handled.
	mask sync.InterruptMask

	gic    *irq.GIC
	router *irq.Router
	engine *softirq.Engine
	priv   *privilege.Manager
	sched  *sched.Scheduler

	// ticks is the timer tick count; it is the kernel clock.
	ticks uint64

	// needResched is set when the current task must be rescheduled on the
	// way out of the kernel.
	needResched bool

	// timers holds sleeping tasks by deadline. sleeping maps each sleeping
	// task to its deadline.
	timers   *btree.BTreeG[sleepTimer]
	sleeping map[sched.TaskID]uint64

	// expiryQueued is set while an expireTimers item is on the timer work
	// queue.
	expiryQueued bool

	// saved holds the user registers of tasks switched out in
	// HandleException.
	saved map[sched.TaskID]privilege.Frame

	// live is the user task whose registers were last loaded for EL0, or
	// zero.
	live sched.TaskID

	onViolation ViolationAction
	faultPolicy FaultPolicy

	log   log.Logger
	warn  log.Logger
	stats Stats
}

// clock reads the tick count. Callers hold mu.
type clock struct {
	k *Kernel
}

// Now implements privilege.Clock.Now and sched.Clock.Now.
func (c clock) Now() uint64 {
	return c.k.ticks
}

// New returns a Kernel with only the idle task, interrupts unmasked and the
// privilege level at EL1.
func New(conf Config) (*Kernel, error) {
	logger := conf.Logger
	if logger == nil {
		logger = log.Log()
	}
	k := &Kernel{
		gic:         irq.NewGIC(),
		timers:      btree.NewG(4, sleepTimerLess),
		sleeping:    make(map[sched.TaskID]uint64),
		saved:       make(map[sched.TaskID]privilege.Frame),
		onViolation: conf.OnViolation,
		faultPolicy: conf.FaultPolicy,
		log:         logger,
		warn:        log.RateLimitedLogger(logger, conf.WarnEvery),
		stats: Stats{
			Syscalls: make(map[string]uint64),
		},
	}
	if k.faultPolicy == nil {
		k.faultPolicy = TerminateOnFault
	}
	c := clock{k}
	k.engine = softirq.NewEngine(&k.mu)
	k.priv = privilege.NewManager(c, k.violation)
	k.sched = sched.New(c, conf.TimeSlices)
	k.router = irq.NewRouter(k.gic, conf.Sources)
	k.router.SetLogger(k.warn)

	for id, prio := range conf.Priorities {
		if err := k.gic.SetPriority(id, prio); err != nil {
			return nil, fmt.Errorf("setting interrupt priority: %w", err)
		}
	}
	k.router.Register(irq.SourceTimer, k.timerInterrupt)
	return k, nil
}

// RegisterHandler installs h for interrupts from src. The timer handler
// cannot be replaced. h runs with the kernel lock held.
func (k *Kernel) RegisterHandler(src irq.Source, h irq.Handler) error {
	if src == irq.SourceTimer {
		return errors.New("timer handler is owned by the kernel")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.router.Register(src, h)
	return nil
}

// schedule picks the next task.
//
// Preconditions: k.mu is held.
func (k *Kernel) schedule() *sched.Task {
	k.needResched = false
	return k.sched.Schedule()
}

// Schedule runs the scheduler and returns the new current task.
func (k *Kernel) Schedule() sched.TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.schedule().ID
}

// Ticks returns the number of timer ticks handled.
func (k *Kernel) Ticks() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ticks
}

// Level returns the current exception level.
func (k *Kernel) Level() privilege.Level {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.priv.Current()
}

// Current returns the current task, if any.
func (k *Kernel) Current() (sched.TaskInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.sched.Current()
	if t == nil {
		return sched.TaskInfo{}, false
	}
	return t.Info(), true
}

// Tasks returns every live task.
func (k *Kernel) Tasks() []sched.TaskInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.Tasks()
}

// Stats returns a snapshot of all counters.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := deepcopy.Copy(k.stats).(Stats)
	s.Ticks = k.ticks
	s.Scheduler = k.sched.Stats()
	s.IRQ = k.router.Stats()
	s.SoftIRQ = k.engine.Stats()
	s.Privilege = k.priv.Stats()
	s.NestedIRQs = k.mask.Refused()
	return s
}
