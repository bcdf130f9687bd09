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

// Package scenario loads and runs kernel scenarios: a set of tasks, a
// sequence of steps issued from task and interrupt context, and an optional
// concurrent load phase.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"kcore.dev/kcore/pkg/irq"
	"kcore.dev/kcore/pkg/privilege"
	"kcore.dev/kcore/pkg/sched"
	"kcore.dev/kcore/pkg/softirq"
)

// Default task layout.
const (
	DefaultEntry     = 0x400000
	DefaultStackBase = 0x7ff000
	DefaultStackSize = 0x1000
)

// Scenario is a scenario file.
type Scenario struct {
	Name  string `toml:"name" yaml:"name"`
	Tasks []Task `toml:"tasks" yaml:"tasks"`
	Steps []Step `toml:"steps" yaml:"steps"`

	// Load is an optional concurrent phase run after the steps.
	Load *Load `toml:"load" yaml:"load"`
}

// Task is created before the first step.
type Task struct {
	Name string `toml:"name" yaml:"name"`
	// Priority defaults to normal.
	Priority  string `toml:"priority" yaml:"priority"`
	Entry     uint64 `toml:"entry" yaml:"entry"`
	StackBase uint64 `toml:"stack_base" yaml:"stack_base"`
	StackSize uint64 `toml:"stack_size" yaml:"stack_size"`

	// User tasks run at EL0 in their own address space.
	User bool `toml:"user" yaml:"user"`
}

// Action is the kind of a Step.
type Action string

// Step actions.
const (
	ActionSchedule    Action = "schedule"
	ActionTick        Action = "tick"
	ActionIRQ         Action = "irq"
	ActionSyscall     Action = "syscall"
	ActionFault       Action = "fault"
	ActionWork        Action = "work"
	ActionSoftIRQ     Action = "softirq"
	ActionRunSoftIRQs Action = "run-softirqs"
	ActionYield       Action = "yield"
	ActionBlock       Action = "block"
	ActionUnblock     Action = "unblock"
	ActionSleep       Action = "sleep"
	ActionDestroy     Action = "destroy"
	ActionValidate    Action = "validate"
)

var actions = map[Action]struct{}{
	ActionSchedule: {}, ActionTick: {}, ActionIRQ: {}, ActionSyscall: {},
	ActionFault: {}, ActionWork: {}, ActionSoftIRQ: {}, ActionRunSoftIRQs: {},
	ActionYield: {}, ActionBlock: {}, ActionUnblock: {}, ActionSleep: {},
	ActionDestroy: {}, ActionValidate: {},
}

// Step is one operation. Which fields apply depends on Action.
type Step struct {
	Action Action `toml:"action" yaml:"action"`

	// Count repeats the step. Zero means once.
	Count int `toml:"count" yaml:"count"`

	// IRQ is the interrupt id raised by an irq step.
	IRQ uint32 `toml:"irq" yaml:"irq"`

	// Number and Args are the system call of a syscall step.
	Number uint64   `toml:"number" yaml:"number"`
	Args   []uint64 `toml:"args" yaml:"args"`

	// ESR and Address are the syndrome and fault address of a fault step.
	ESR     uint32 `toml:"esr" yaml:"esr"`
	Address uint64 `toml:"address" yaml:"address"`

	// Cause names the soft interrupt of a work or softirq step.
	Cause string `toml:"cause" yaml:"cause"`

	// Task names the target of an unblock or destroy step.
	Task string `toml:"task" yaml:"task"`

	// Ticks is the duration of a sleep step.
	Ticks uint64 `toml:"ticks" yaml:"ticks"`

	// Level is the level required by a validate step: "EL0" or "EL1".
	Level string `toml:"level" yaml:"level"`
}

// Load is the concurrent phase. The timer, every device and every producer
// run in their own goroutine while a soft interrupt goroutine drains the
// work queues.
type Load struct {
	// Ticks is the number of timer interrupts to deliver.
	Ticks int `toml:"ticks" yaml:"ticks"`

	Devices   []Device   `toml:"devices" yaml:"devices"`
	Producers []Producer `toml:"producers" yaml:"producers"`
}

// Device raises an interrupt repeatedly. Its handler defers work to Cause.
type Device struct {
	Name       string `toml:"name" yaml:"name"`
	IRQ        uint32 `toml:"irq" yaml:"irq"`
	Interrupts int    `toml:"interrupts" yaml:"interrupts"`
	Cause      string `toml:"cause" yaml:"cause"`
}

// Producer schedules work from task context, retrying while the queue is
// full.
type Producer struct {
	Cause string `toml:"cause" yaml:"cause"`
	Items int    `toml:"items" yaml:"items"`
}

// LoadFile reads a scenario from a .toml, .yaml or .yml file.
func LoadFile(path string) (*Scenario, error) {
	var s Scenario
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, &s)
		if err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unable to decode %q: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("unable to open scenario: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown scenario format %q", ext)
	}
	if s.Name == "" {
		s.Name = filepath.Base(path)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", path, err)
	}
	return &s, nil
}

// Clone returns a deep copy of s.
func (s *Scenario) Clone() *Scenario {
	return deepcopy.Copy(s).(*Scenario)
}

// Validate checks that every name in s resolves.
func (s *Scenario) Validate() error {
	names := make(map[string]struct{}, len(s.Tasks))
	for i, t := range s.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task %d has no name", i)
		}
		if _, dup := names[t.Name]; dup {
			return fmt.Errorf("duplicate task %q", t.Name)
		}
		names[t.Name] = struct{}{}
		if t.Priority == "" {
			continue
		}
		if _, err := sched.ParsePriority(t.Priority); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
	}
	for i, st := range s.Steps {
		if err := st.validate(names); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Action, err)
		}
	}
	if s.Load == nil {
		return nil
	}
	for _, d := range s.Load.Devices {
		if d.IRQ > irq.MaxID {
			return fmt.Errorf("device %q: interrupt id %d out of range", d.Name, d.IRQ)
		}
		if _, err := softirq.ParseCause(d.Cause); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
	}
	for _, p := range s.Load.Producers {
		if _, err := softirq.ParseCause(p.Cause); err != nil {
			return fmt.Errorf("producer: %w", err)
		}
	}
	return nil
}

func (st *Step) validate(tasks map[string]struct{}) error {
	if _, ok := actions[st.Action]; !ok {
		return fmt.Errorf("unknown action %q", st.Action)
	}
	if st.Count < 0 {
		return fmt.Errorf("negative count %d", st.Count)
	}
	switch st.Action {
	case ActionWork, ActionSoftIRQ:
		if _, err := softirq.ParseCause(st.Cause); err != nil {
			return err
		}
	case ActionUnblock, ActionDestroy:
		if _, ok := tasks[st.Task]; !ok {
			return fmt.Errorf("unknown task %q", st.Task)
		}
	case ActionValidate:
		if _, err := parseLevel(st.Level); err != nil {
			return err
		}
	case ActionIRQ:
		if st.IRQ > irq.MaxID {
			return fmt.Errorf("interrupt id %d out of range", st.IRQ)
		}
	case ActionSyscall:
		if len(st.Args) > privilege.NumSyscallArgs {
			return fmt.Errorf("%d arguments, at most %d allowed", len(st.Args), privilege.NumSyscallArgs)
		}
	}
	return nil
}

func parseLevel(s string) (privilege.Level, error) {
	for _, l := range []privilege.Level{privilege.EL0, privilege.EL1} {
		if strings.EqualFold(l.String(), s) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("invalid level %q", s)
}
