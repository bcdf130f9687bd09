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

// Package metric exports kernel statistics in the Prometheus text exposition
// format.
package metric

import (
	"fmt"
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"kcore.dev/kcore/pkg/irq"
	"kcore.dev/kcore/pkg/kernel"
	"kcore.dev/kcore/pkg/sched"
	"kcore.dev/kcore/pkg/softirq"
)

// Prefix is prepended to every metric name.
const Prefix = "kcore_"

// family accumulates the samples of one metric.
type family struct {
	mf *dto.MetricFamily
}

func newFamily(name, help string, typ dto.MetricType) *family {
	return &family{mf: &dto.MetricFamily{
		Name: proto.String(Prefix + name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}}
}

func counter(name, help string) *family {
	return newFamily(name, help, dto.MetricType_COUNTER)
}

func gauge(name, help string) *family {
	return newFamily(name, help, dto.MetricType_GAUGE)
}

// add appends a sample. labels alternate name and value.
func (f *family) add(value float64, labels ...string) *family {
	if len(labels)%2 != 0 {
		panic(fmt.Sprintf("odd number of label strings for %s", f.mf.GetName()))
	}
	m := &dto.Metric{}
	for i := 0; i < len(labels); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{
			Name:  proto.String(labels[i]),
			Value: proto.String(labels[i+1]),
		})
	}
	switch f.mf.GetType() {
	case dto.MetricType_COUNTER:
		m.Counter = &dto.Counter{Value: proto.Float64(value)}
	default:
		m.Gauge = &dto.Gauge{Value: proto.Float64(value)}
	}
	f.mf.Metric = append(f.mf.Metric, m)
	return f
}

func (f *family) addUint(value uint64, labels ...string) *family {
	return f.add(float64(value), labels...)
}

// Families converts s to metric families, ordered by name.
func Families(s kernel.Stats) []*dto.MetricFamily {
	var fs []*family
	fs = append(fs, counter("ticks_total", "Timer interrupts handled.").addUint(s.Ticks))
	fs = append(fs, schedulerFamilies(s.Scheduler)...)
	fs = append(fs, irqFamilies(s)...)
	fs = append(fs, softirqFamilies(s.SoftIRQ)...)
	fs = append(fs, privilegeFamilies(s)...)

	out := make([]*dto.MetricFamily, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.mf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

func schedulerFamilies(s sched.Stats) []*family {
	ready := gauge("scheduler_ready_tasks", "Ready tasks queued per priority.")
	for i, n := range s.Ready {
		ready.add(float64(n), "priority", sched.PriorityAt(i).String())
	}
	return []*family{
		counter("scheduler_context_switches_total", "Switches between distinct tasks.").addUint(s.ContextSwitches),
		counter("scheduler_preemptions_total", "Tasks preempted by the timer.").addUint(s.Preemptions),
		counter("scheduler_tasks_created_total", "Tasks created.").addUint(s.TasksCreated),
		counter("scheduler_tasks_destroyed_total", "Tasks destroyed.").addUint(s.TasksDestroyed),
		counter("scheduler_create_failures_total", "Task creations rejected for capacity.").addUint(s.CreateFailures),
		counter("scheduler_invocations_total", "Scheduler invocations.").addUint(s.Invocations),
		counter("scheduler_idle_total", "Scheduler invocations that selected the idle task.").addUint(s.IdleTime),
		counter("scheduler_run_ticks_total", "Ticks accounted to running tasks.").addUint(s.TotalRunTime),
		gauge("scheduler_blocked_tasks", "Blocked tasks.").add(float64(s.Blocked)),
		ready,
	}
}

func irqFamilies(s kernel.Stats) []*family {
	bySource := counter("irq_total", "Valid interrupts by source.")
	for i := 0; i < irq.NumSources; i++ {
		bySource.addUint(s.IRQ.PerSource[i], "source", irq.Source(i).String())
	}
	fs := []*family{
		bySource,
		counter("irq_spurious_total", "Spurious interrupt acknowledges.").addUint(s.IRQ.Spurious),
		counter("irq_eoi_total", "End of interrupt writes.").addUint(s.IRQ.EndOfInterrupts),
		counter("irq_nested_refused_total", "Nested interrupts refused.").addUint(s.NestedIRQs),
	}
	if len(s.IRQ.UnknownIDs) > 0 {
		ids := make([]uint32, 0, len(s.IRQ.UnknownIDs))
		for id := range s.IRQ.UnknownIDs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		unknown := counter("irq_unknown_id_total", "Interrupts with no mapped source, by id.")
		for _, id := range ids {
			unknown.addUint(s.IRQ.UnknownIDs[id], "id", fmt.Sprint(id))
		}
		fs = append(fs, unknown)
	}
	return fs
}

func softirqFamilies(s softirq.Stats) []*family {
	var (
		raised    = counter("softirq_raised_total", "Soft interrupt raises.")
		runs      = counter("softirq_runs_total", "Passes that found the cause pending.")
		pending   = gauge("softirq_pending", "Whether the cause is pending.")
		scheduled = counter("workqueue_scheduled_total", "Work items accepted.")
		processed = counter("workqueue_processed_total", "Work items processed.")
		full      = counter("workqueue_full_total", "Work items rejected for a full queue.")
	)
	for _, c := range softirq.Causes() {
		cs := s.Causes[c]
		name := c.String()
		raised.addUint(cs.Raised, "cause", name)
		runs.addUint(cs.Runs, "cause", name)
		pending.addUint(uint64(s.Pending>>c&1), "cause", name)
		scheduled.addUint(cs.Scheduled, "cause", name)
		processed.addUint(cs.Processed, "cause", name)
		full.addUint(cs.QueueFull, "cause", name)
	}
	return []*family{raised, runs, pending, scheduled, processed, full}
}

func privilegeFamilies(s kernel.Stats) []*family {
	syscalls := counter("syscalls_total", "System calls by name.")
	names := make([]string, 0, len(s.Syscalls))
	for name := range s.Syscalls {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		syscalls.addUint(s.Syscalls[name], "name", name)
	}
	syscalls.addUint(s.UnknownSyscalls, "name", "unknown")

	return []*family{
		counter("privilege_transitions_total", "Exception level transitions.").
			addUint(s.Privilege.ToKernel, "direction", "el0_to_el1").
			addUint(s.Privilege.ToUser, "direction", "el1_to_el0"),
		counter("privilege_violations_total", "Privilege violations.").addUint(s.Privilege.Violations),
		counter("privilege_syscalls_total", "System call entries seen by the privilege manager.").addUint(s.Privilege.Syscalls),
		syscalls,
		counter("faults_total", "Exceptions other than system calls.").
			addUint(s.UserFaults, "level", "el0").
			addUint(s.KernelFaults, "level", "el1"),
		counter("timers_expired_total", "Sleep timers that woke their task.").addUint(s.TimersExpired),
		counter("work_rejected_total", "ScheduleWork calls rejected by the kernel.").addUint(s.WorkRejected),
	}
}

// WriteText writes s to w in the Prometheus text format.
func WriteText(w io.Writer, s kernel.Stats) error {
	for _, mf := range Families(s) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
