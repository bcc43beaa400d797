// Copyright 2024 The gVisor Authors.
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
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"x86pt.dev/x86pt/pkg/hostarch"
	"x86pt.dev/x86pt/pkg/pagetables"
	"x86pt.dev/x86pt/ptgen/cmd/util"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	access string
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "list the entries of a page table image or translate addresses through it"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect [-access rwx] <image> [addr...] - without addresses, list the present entries
of every page of <image>. Otherwise walk the image from its root for every <addr>.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.access, "access", "r", "access type to check, any of r, w and x.")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	at, err := hostarch.ParseAccessType(i.access)
	if err != nil {
		util.Fatalf("%v", err)
	}
	addrs, err := parseAddrs(f.Args()[1:])
	if err != nil {
		util.Fatalf("%v", err)
	}

	input, err := os.Open(f.Arg(0))
	if err != nil {
		util.Fatalf("error opening image: %v", err)
	}
	image, err := pagetables.ReadImage(input)
	input.Close()
	if err != nil {
		util.Fatalf("error reading image %q: %v", f.Arg(0), err)
	}
	defer releaseImage(image)

	if len(addrs) == 0 {
		printEntries(os.Stdout, image)
		return subcommands.ExitSuccess
	}
	for _, addr := range addrs {
		fmt.Println(formatTranslation(addr, at, image.Translate))
	}
	return subcommands.ExitSuccess
}

// printEntries lists the present entries of every page in image.
func printEntries(w io.Writer, image *pagetables.Image) {
	image.Ascend(func(pa hostarch.Addr, _ []byte) bool {
		fmt.Fprintf(w, "page %v:\n", pa)
		for index, e := range image.Entries(pa) {
			fmt.Fprintf(w, "  [%3d] %v\n", index, e)
		}
		return true
	})
}
