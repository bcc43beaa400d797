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
	"os"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"x86pt.dev/x86pt/pkg/log"
	"x86pt.dev/x86pt/pkg/pagetables"
	"x86pt.dev/x86pt/ptgen/cmd/util"
	"x86pt.dev/x86pt/ptgen/config"
)

// Build implements subcommands.Command for the "build" command.
type Build struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Build) Name() string {
	return "build"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Build) Synopsis() string {
	return "build page tables from a mappings file and write their physical image"
}

// Usage implements subcommands.Command.Usage.
func (*Build) Usage() string {
	return `build -o <image> <mappings> - commit the mappings in <mappings> (.toml or .yaml) and write
the table pages to <image>, the page at physical address N at offset N. The
root table is at physical address 0.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Build) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.output, "o", "", "file to write the image to.")
}

// Execute implements subcommands.Command.Execute.
func (b *Build) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || b.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	pt, err := buildTables(f.Arg(0))
	if err != nil {
		util.Fatalf("%v", err)
	}
	image, err := pt.Commit(conf.Allocator())
	if err != nil {
		util.Fatalf("committing page tables: %v", err)
	}
	defer releaseImage(image)

	if err := writeImage(b.output, image); err != nil {
		util.Fatalf("%v", err)
	}
	fmt.Printf("root: %v\npages: %d\n", image.Root(), image.Len())
	return subcommands.ExitSuccess
}

// writeImage writes image to path while holding a lock on path's lock file,
// so that concurrent builds of the same output do not interleave.
func writeImage(path string, image *pagetables.Image) (retErr error) {
	lockPath := path + ".lock"
	l := flock.NewFlock(lockPath)
	if err := l.Lock(); err != nil {
		return fmt.Errorf("error acquiring lock on %q: %v", lockPath, err)
	}
	defer func() {
		if err := l.Unlock(); err != nil && retErr == nil {
			retErr = fmt.Errorf("error releasing lock on %q: %v", lockPath, err)
		}
	}()

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error opening output: %v", err)
	}
	n, err := image.WriteTo(out)
	if err != nil {
		out.Close()
		return fmt.Errorf("error writing image to %q: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("error flushing output: %v", err)
	}
	log.Infof("Wrote %d bytes to %q", n, path)
	return nil
}
