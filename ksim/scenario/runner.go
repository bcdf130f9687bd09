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

package scenario

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"kcore.dev/kcore/pkg/irq"
	"kcore.dev/kcore/pkg/kernel"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/privilege"
	"kcore.dev/kcore/pkg/sched"
	"kcore.dev/kcore/pkg/softirq"
)

// svc64 is the syndrome of SVC #0 from AArch64.
const svc64 = 0x56000000

// retryTimeout bounds how long a load goroutine waits for the kernel.
const retryTimeout = 10 * time.Second

var errQueueFull = errors.New("work queue full")

// Result is the outcome of a scenario run.
type Result struct {
	Scenario string           `json:"scenario"`
	Stats    kernel.Stats     `json:"stats"`
	Tasks    []sched.TaskInfo `json:"tasks"`

	// WorkRun counts deferred work items run, per soft interrupt cause.
	WorkRun map[string]uint64 `json:"work_run"`

	// StepErrors are the errors returned by the kernel for individual steps.
	// They do not stop the run.
	StepErrors []string `json:"step_errors,omitempty"`
}

// runner holds the state of one run.
type runner struct {
	s     *Scenario
	k     *kernel.Kernel
	frame privilege.Frame
	tasks map[string]sched.TaskID

	// work counts items run, indexed by cause. Work functions run with the
	// kernel lock dropped and may race with load goroutines.
	work [softirq.NumCauses]atomic.Uint64

	stepErrors []string
}

// Run creates a kernel from conf and runs s against it.
func Run(ctx context.Context, s *Scenario, conf kernel.Config) (*Result, error) {
	s = s.Clone()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	k, err := kernel.New(conf)
	if err != nil {
		return nil, fmt.Errorf("creating kernel: %w", err)
	}
	r := &runner{
		s:     s,
		k:     k,
		tasks: make(map[string]sched.TaskID, len(s.Tasks)),
	}
	if err := r.createTasks(); err != nil {
		return nil, err
	}
	if err := r.k.Resume(&r.frame); err != nil {
		return nil, fmt.Errorf("entering first task: %w", err)
	}
	for i := range s.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := &s.Steps[i]
		n := st.Count
		if n == 0 {
			n = 1
		}
		for j := 0; j < n; j++ {
			if err := r.step(st); err != nil {
				r.stepErrors = append(r.stepErrors, fmt.Sprintf("step %d (%s): %v", i, st.Action, err))
			}
		}
	}
	if s.Load != nil {
		if err := r.load(ctx, s.Load, sources(conf)); err != nil {
			return nil, err
		}
	}

	res := &Result{
		Scenario:   s.Name,
		Stats:      k.Stats(),
		Tasks:      k.Tasks(),
		WorkRun:    make(map[string]uint64),
		StepErrors: r.stepErrors,
	}
	for _, c := range softirq.Causes() {
		if n := r.work[c].Load(); n > 0 {
			res.WorkRun[c.String()] = n
		}
	}
	return res, nil
}

func sources(conf kernel.Config) map[uint32]irq.Source {
	if conf.Sources != nil {
		return conf.Sources
	}
	return irq.DefaultSources()
}

func (r *runner) createTasks() error {
	for i, t := range r.s.Tasks {
		p := sched.Normal
		if t.Priority != "" {
			p, _ = sched.ParsePriority(t.Priority)
		}
		spec := sched.TaskSpec{
			Name:      t.Name,
			Priority:  p,
			Entry:     t.Entry,
			StackBase: t.StackBase,
			StackSize: t.StackSize,
		}
		if spec.Entry == 0 {
			spec.Entry = DefaultEntry + uint64(i)*0x1000
		}
		if spec.StackSize == 0 {
			spec.StackSize = DefaultStackSize
		}
		if spec.StackBase == 0 {
			spec.StackBase = DefaultStackBase + uint64(i)*spec.StackSize
		}
		if t.User {
			spec.AddressSpace = uint64(i) + 1
		}
		id, err := r.k.CreateTask(spec)
		if err != nil {
			return fmt.Errorf("creating task %q: %w", t.Name, err)
		}
		r.tasks[t.Name] = id
		log.Debugf("Created task %q with id %d", t.Name, id)
	}
	return nil
}

// countWork returns a WorkFunc that counts runs of c.
func (r *runner) countWork(c softirq.Cause) softirq.WorkFunc {
	return func(uint64, uint64) {
		r.work[c].Add(1)
	}
}

// step runs one repetition of st.
func (r *runner) step(st *Step) error {
	switch st.Action {
	case ActionSchedule:
		r.k.Schedule()
		return r.k.Resume(&r.frame)
	case ActionTick:
		if err := r.k.Tick(); err != nil {
			return err
		}
		return r.k.Resume(&r.frame)
	case ActionIRQ:
		if err := r.k.RaiseIRQ(st.IRQ); err != nil {
			return err
		}
		if _, err := r.k.HandleIRQ(); err != nil {
			return err
		}
		return r.k.Resume(&r.frame)
	case ActionSyscall:
		if err := r.k.Resume(&r.frame); err != nil {
			return err
		}
		if r.k.Level() != privilege.EL0 {
			return errors.New("no user task is running")
		}
		copy(r.frame.Regs[:privilege.NumSyscallArgs], st.Args)
		r.frame.Regs[8] = st.Number
		r.frame.ESR = svc64
		r.frame.ELR += 4
		return r.k.HandleException(&r.frame)
	case ActionFault:
		if err := r.k.Resume(&r.frame); err != nil {
			return err
		}
		r.frame.ESR = uint64(st.ESR)
		r.frame.FAR = st.Address
		return r.k.HandleException(&r.frame)
	case ActionWork:
		c, _ := softirq.ParseCause(st.Cause)
		if !r.k.ScheduleWork(c, r.countWork(c), 0, r.k.Ticks()) {
			return errQueueFull
		}
		return nil
	case ActionSoftIRQ:
		c, _ := softirq.ParseCause(st.Cause)
		return r.k.ScheduleSoftIRQ(c)
	case ActionRunSoftIRQs:
		r.k.RunSoftIRQs()
		return r.k.Resume(&r.frame)
	case ActionYield:
		r.k.Yield()
		return r.k.Resume(&r.frame)
	case ActionBlock:
		if _, err := r.k.BlockCurrentTask(); err != nil {
			return err
		}
		return r.k.Resume(&r.frame)
	case ActionUnblock:
		if err := r.k.UnblockTask(r.tasks[st.Task]); err != nil {
			return err
		}
		return r.k.Resume(&r.frame)
	case ActionSleep:
		if _, err := r.k.SleepCurrentTask(st.Ticks); err != nil {
			return err
		}
		return r.k.Resume(&r.frame)
	case ActionDestroy:
		if err := r.k.DestroyTask(r.tasks[st.Task]); err != nil {
			return err
		}
		return r.k.Resume(&r.frame)
	case ActionValidate:
		l, _ := parseLevel(st.Level)
		return r.k.ValidatePrivilege(l)
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
}

// retry calls op until it succeeds, fails permanently, or the retry budget
// or ctx runs out.
func retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = retryTimeout
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// handleIRQ acknowledges one interrupt, retrying while another goroutine is
// inside the interrupt handler.
func (r *runner) handleIRQ(ctx context.Context) error {
	return retry(ctx, func() error {
		_, err := r.k.HandleIRQ()
		if errors.Is(err, kernel.ErrNestedInterrupt) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	})
}

// load runs the concurrent phase and then drains every pending interrupt
// and soft interrupt.
func (r *runner) load(ctx context.Context, l *Load, srcs map[uint32]irq.Source) error {
	registered := make(map[irq.Source]softirq.Cause)
	for _, d := range l.Devices {
		src := srcs[d.IRQ]
		if src == irq.SourceUnknown || src == irq.SourceTimer {
			return fmt.Errorf("device %q: interrupt %d is routed to %s", d.Name, d.IRQ, src)
		}
		c, _ := softirq.ParseCause(d.Cause)
		if prev, ok := registered[src]; ok {
			if prev != c {
				return fmt.Errorf("device %q: %s interrupts already deferred to %s", d.Name, src, prev)
			}
			continue
		}
		if err := r.k.RegisterDeferred(src, c, r.countWork(c)); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		registered[src] = c
	}

	g, gctx := errgroup.WithContext(ctx)
	if l.Ticks > 0 {
		g.Go(func() error {
			for i := 0; i < l.Ticks; i++ {
				err := retry(gctx, func() error {
					err := r.k.Tick()
					if errors.Is(err, kernel.ErrNestedInterrupt) {
						return err
					}
					if err != nil {
						return backoff.Permanent(err)
					}
					return nil
				})
				if err != nil {
					return fmt.Errorf("timer tick %d: %w", i, err)
				}
			}
			return nil
		})
	}
	for _, d := range l.Devices {
		d := d
		g.Go(func() error {
			for i := 0; i < d.Interrupts; i++ {
				if err := r.k.RaiseIRQ(d.IRQ); err != nil {
					return fmt.Errorf("device %q: %w", d.Name, err)
				}
				if err := r.handleIRQ(gctx); err != nil {
					return fmt.Errorf("device %q: %w", d.Name, err)
				}
			}
			return nil
		})
	}
	for _, p := range l.Producers {
		c, _ := softirq.ParseCause(p.Cause)
		items := p.Items
		g.Go(func() error {
			fn := r.countWork(c)
			for i := 0; i < items; i++ {
				err := retry(gctx, func() error {
					if !r.k.ScheduleWork(c, fn, uint64(i), 0) {
						return errQueueFull
					}
					return nil
				})
				if err != nil {
					return fmt.Errorf("producer %s item %d: %w", c, i, err)
				}
			}
			return nil
		})
	}

	stop := make(chan struct{})
	var daemon errgroup.Group
	daemon.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			case <-gctx.Done():
				return nil
			default:
			}
			if r.k.RunSoftIRQs() == 0 {
				runtime.Gosched()
			}
		}
	})

	err := g.Wait()
	close(stop)
	daemon.Wait()
	if err != nil {
		return err
	}

	for r.k.IRQPending() {
		if err := r.handleIRQ(ctx); err != nil {
			return err
		}
	}
	for r.k.SoftIRQPending() {
		r.k.RunSoftIRQs()
	}
	return r.k.Resume(&r.frame)
}
