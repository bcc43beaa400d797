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
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"x86pt.dev/x86pt/pkg/hostarch"
	"x86pt.dev/x86pt/ptgen/cmd/util"
)

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	access string
}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "translate virtual addresses through the page tables built from a mappings file"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate [-access rwx] <mappings> <addr>... - build the mappings in <mappings> and
print the physical address each <addr> translates to.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Translate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.access, "access", "r", "access type to check, any of r, w and x.")
}

// Execute implements subcommands.Command.Execute.
func (t *Translate) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	at, err := hostarch.ParseAccessType(t.access)
	if err != nil {
		util.Fatalf("%v", err)
	}
	addrs, err := parseAddrs(f.Args()[1:])
	if err != nil {
		util.Fatalf("%v", err)
	}
	pt, err := buildTables(f.Arg(0))
	if err != nil {
		util.Fatalf("%v", err)
	}

	results := make([]string, len(addrs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, addr := range addrs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = formatTranslation(addr, at, pt.Translate)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return util.Errorf("translating: %v", err)
	}
	for _, r := range results {
		fmt.Println(r)
	}
	return subcommands.ExitSuccess
}

func parseAddrs(args []string) ([]hostarch.Addr, error) {
	addrs := make([]hostarch.Addr, 0, len(args))
	for _, arg := range args {
		addr, err := util.ParseAddr(arg)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// formatTranslation returns the output line for vaddr.
func formatTranslation(vaddr hostarch.Addr, at hostarch.AccessType, translate func(hostarch.Addr, hostarch.AccessType) (hostarch.Addr, bool)) string {
	pa, ok := translate(vaddr, at)
	if !ok {
		return fmt.Sprintf("%v %v -> unmapped", vaddr, at)
	}
	return fmt.Sprintf("%v %v -> %v", vaddr, at, pa)
}
