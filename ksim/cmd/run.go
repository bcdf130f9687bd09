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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"kcore.dev/kcore/ksim/config"
	"kcore.dev/kcore/ksim/flag"
	"kcore.dev/kcore/ksim/scenario"
	"kcore.dev/kcore/pkg/metric"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	format  string
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a kernel scenario"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario file> - runs a TOML or YAML scenario against a fresh kernel and prints the resulting task table and statistics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.format, "format", "text", "output format: text, json or prometheus")
	f.DurationVar(&r.timeout, "timeout", time.Minute, "abort the scenario after this long")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	kconf, err := conf.Kernel(flag.CommandLine)
	if err != nil {
		Fatalf("%v", err)
	}
	s, err := scenario.LoadFile(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := scenario.Run(ctx, s, kconf)
	if err != nil {
		Fatalf("running scenario %q: %v", s.Name, err)
	}
	Infof("Scenario %q finished after %d ticks", s.Name, res.Stats.Ticks)

	if err := writeResult(os.Stdout, r.format, res); err != nil {
		Fatalf("writing result: %v", err)
	}
	if len(res.StepErrors) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func writeResult(w io.Writer, format string, res *scenario.Result) error {
	switch format {
	case "text":
		return writeResultText(w, res)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "prometheus":
		return metric.WriteText(w, res.Stats)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func writeResultText(w io.Writer, res *scenario.Result) error {
	st := &res.Stats
	fmt.Fprintf(w, "scenario %s: %d ticks, %d context switches, %d preemptions\n\n",
		res.Scenario, st.Ticks, st.Scheduler.ContextSwitches, st.Scheduler.Preemptions)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tPRIORITY\tSTATE\tRUNTIME\n")
	for _, t := range res.Tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", t.ID, t.Name, t.Priority, t.State, t.RunTime)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\ninterrupts: %d total, %d spurious, %d nested refused\n", st.IRQ.Total, st.IRQ.Spurious, st.NestedIRQs)
	fmt.Fprintf(w, "faults: %d user, %d kernel; privilege violations: %d\n", st.UserFaults, st.KernelFaults, st.Privilege.Violations)
	writeCounts(w, "syscalls", st.Syscalls)
	writeCounts(w, "work run", res.WorkRun)
	if len(res.StepErrors) > 0 {
		fmt.Fprintf(w, "\nstep errors:\n")
		for _, e := range res.StepErrors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	return nil
}

// writeCounts prints counts sorted by name.
func writeCounts(w io.Writer, title string, counts map[string]uint64) {
	if len(counts) == 0 {
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "%s:", title)
	for _, name := range names {
		fmt.Fprintf(w, " %s=%d", name, counts[name])
	}
	fmt.Fprintln(w)
}
