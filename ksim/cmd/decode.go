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
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"kcore.dev/kcore/ksim/flag"
	"kcore.dev/kcore/pkg/esr"
)

// Decode implements subcommands.Command for the "decode" command.
type Decode struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "decode exception syndrome register values"
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode [-format=text|json] <esr>... - prints the exception class, instruction length and ISS details of each ESR_EL1 value. Values may be hex (0x...) or decimal.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Decode) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.format, "format", "text", "output format: text or json")
}

// Execute implements subcommands.Command.Execute.
func (d *Decode) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	syns, err := parseSyndromes(f.Args())
	if err != nil {
		Fatalf("%v", err)
	}
	if err := writeSyndromes(os.Stdout, d.format, syns); err != nil {
		Fatalf("writing syndromes: %v", err)
	}
	return subcommands.ExitSuccess
}

func parseSyndromes(args []string) ([]esr.Syndrome, error) {
	syns := make([]esr.Syndrome, 0, len(args))
	for _, arg := range args {
		v, err := strconv.ParseUint(arg, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid syndrome %q: %w", arg, err)
		}
		syns = append(syns, esr.Decode(uint32(v)))
	}
	return syns, nil
}

// syndromeJSON is the JSON form of a decoded syndrome.
type syndromeJSON struct {
	ESR         string `json:"esr"`
	Class       string `json:"class"`
	ClassValue  uint8  `json:"class_value"`
	Description string `json:"description"`
	IL          bool   `json:"il"`
	ISS         string `json:"iss"`
	Details     string `json:"details"`
	SystemCall  bool   `json:"system_call"`
	Abort       bool   `json:"abort"`
}

func writeSyndromes(w io.Writer, format string, syns []esr.Syndrome) error {
	switch format {
	case "text":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "ESR\tCLASS\tIL\tISS\tDETAILS\tDESCRIPTION\n")
		for _, s := range syns {
			fmt.Fprintf(tw, "%#08x\t%s\t%t\t%#07x\t%s\t%s\n", s.Raw, s.Class, s.IL, s.ISS, s.Details, s.Class.Description())
		}
		return tw.Flush()
	case "json":
		out := make([]syndromeJSON, 0, len(syns))
		for _, s := range syns {
			out = append(out, syndromeJSON{
				ESR:         fmt.Sprintf("%#08x", s.Raw),
				Class:       s.Class.String(),
				ClassValue:  uint8(s.Class),
				Description: s.Class.Description(),
				IL:          s.IL,
				ISS:         fmt.Sprintf("%#07x", s.ISS),
				Details:     s.Details.String(),
				SystemCall:  s.IsSystemCall(),
				Abort:       s.IsAbort(),
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
