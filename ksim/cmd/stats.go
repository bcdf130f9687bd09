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

	"github.com/google/subcommands"
	"kcore.dev/kcore/ksim/flag"
	"kcore.dev/kcore/ksim/scenario"
	"kcore.dev/kcore/pkg/metric"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct{}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "export the statistics of a saved run in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats <result file> - reads the output of "run -format=json" and prints its kernel statistics in Prometheus text format. "-" reads stdin.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Stats) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Stats) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var in io.Reader = os.Stdin
	if path := f.Arg(0); path != "-" {
		file, err := os.Open(path)
		if err != nil {
			Fatalf("opening result: %v", err)
		}
		defer file.Close()
		in = file
	}
	if err := exportStats(os.Stdout, in); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func exportStats(w io.Writer, r io.Reader) error {
	var res scenario.Result
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return metric.WriteText(w, res.Stats)
}
