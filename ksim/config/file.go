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

package config

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"kcore.dev/kcore/ksim/flag"
	"kcore.dev/kcore/pkg/irq"
	"kcore.dev/kcore/pkg/kernel"
	"kcore.dev/kcore/pkg/sched"
)

// KernelFile is the kernel configuration file.
//
// Example:
//
//	[flags]
//	violation-action = "terminate"
//
//	[time_slices]
//	normal = 4
//
//	[[interrupts]]
//	id = 30
//	source = "timer"
//	priority = 0x20
type KernelFile struct {
	// Flags are applied with Config.Override. The key is the flag name.
	Flags map[string]string `toml:"flags"`

	// TimeSlices overrides the time slice of priorities, by name.
	TimeSlices map[string]uint32 `toml:"time_slices"`

	// Interrupts replaces the default interrupt id map when not empty.
	Interrupts []Interrupt `toml:"interrupts"`
}

// Interrupt maps one interrupt id.
type Interrupt struct {
	ID     uint32 `toml:"id"`
	Source string `toml:"source"`

	// Priority is the controller priority; lower is more urgent. Unset
	// keeps the controller default.
	Priority *uint8 `toml:"priority"`
}

// LoadKernelFile loads a kernel configuration file.
func LoadKernelFile(path string) (*KernelFile, error) {
	var f KernelFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("loading kernel config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("loading kernel config %q: unknown keys %v", path, undecoded)
	}
	return &f, nil
}

// Kernel returns the kernel configuration. If a kernel configuration file is
// set, its flags are applied to c first, through flagSet.
func (c *Config) Kernel(flagSet *flag.FlagSet) (kernel.Config, error) {
	var kf *KernelFile
	if c.KernelFile != "" {
		var err error
		if kf, err = LoadKernelFile(c.KernelFile); err != nil {
			return kernel.Config{}, err
		}
		names := make([]string, 0, len(kf.Flags))
		for name := range kf.Flags {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := c.Override(flagSet, name, kf.Flags[name]); err != nil {
				return kernel.Config{}, fmt.Errorf("kernel config %q: %w", c.KernelFile, err)
			}
		}
	}

	kc := kernel.Config{
		OnViolation: c.ViolationAction,
		FaultPolicy: kernel.FixedFaultPolicy(c.FaultAction),
		WarnEvery:   c.WarnInterval,
	}
	if kf == nil {
		return kc, nil
	}

	if len(kf.TimeSlices) > 0 {
		kc.TimeSlices = make(sched.TimeSlices)
		for name, n := range kf.TimeSlices {
			p, err := sched.ParsePriority(name)
			if err != nil {
				return kernel.Config{}, fmt.Errorf("kernel config %q: time_slices: %w", c.KernelFile, err)
			}
			kc.TimeSlices[p] = n
		}
	}
	if len(kf.Interrupts) > 0 {
		kc.Sources = make(map[uint32]irq.Source)
		kc.Priorities = make(map[uint32]uint8)
		for _, in := range kf.Interrupts {
			src, err := irq.ParseSource(in.Source)
			if err != nil {
				return kernel.Config{}, fmt.Errorf("kernel config %q: interrupt %d: %w", c.KernelFile, in.ID, err)
			}
			if in.ID > irq.MaxID {
				return kernel.Config{}, fmt.Errorf("kernel config %q: interrupt id %d out of range", c.KernelFile, in.ID)
			}
			kc.Sources[in.ID] = src
			if in.Priority != nil {
				kc.Priorities[in.ID] = *in.Priority
			}
		}
	}
	return kc, nil
}
