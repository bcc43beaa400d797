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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"x86pt.dev/x86pt/pkg/hostarch"
	"x86pt.dev/x86pt/pkg/pagetables"
	"x86pt.dev/x86pt/ptgen/cmd/util"
)

const mappings = `
regions:
  - vaddr: 0x41410000
    paddr: 0x81810000
    size: 0x2000
    flags: [present, user]
  - vaddr: 0x818181000
    paddr: 0
    size: 0x1000
    flags: [present, writable, nx]
`

func writeMappings(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	if err := os.WriteFile(path, []byte(mappings), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildTables(t *testing.T) {
	pt, err := buildTables(writeMappings(t))
	if err != nil {
		t.Fatalf("buildTables failed: %v", err)
	}
	// 0x41410000 and 0x818181000 share only the PML4 and the PDPT.
	if got, want := pt.NodeCount(), 6; got != want {
		t.Errorf("NodeCount() = %d, want %d", got, want)
	}
	if _, err := buildTables(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("buildTables succeeded on a missing file")
	}
}

func TestTranslateOutput(t *testing.T) {
	pt, err := buildTables(writeMappings(t))
	if err != nil {
		t.Fatalf("buildTables failed: %v", err)
	}
	var got []string
	for _, arg := range []string{"0x41411234", "0x818181008", "0x71710000"} {
		addr, err := util.ParseAddr(arg)
		if err != nil {
			t.Fatalf("ParseAddr(%q) failed: %v", arg, err)
		}
		got = append(got, formatTranslation(addr, hostarch.Read, pt.Translate))
	}
	want := []string{
		"0x41411234 r-- -> 0x81811234",
		"0x818181008 r-- -> 0x8",
		"0x71710000 r-- -> unmapped",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("translations mismatch (-want +got):\n%s", diff)
	}

	// The NX region shares the PDPT with the user region, so neither is
	// executable.
	got = nil
	for _, addr := range []hostarch.Addr{0x41411234, 0x818181008} {
		got = append(got, formatTranslation(addr, hostarch.Execute, pt.Translate))
	}
	want = []string{
		"0x41411234 --x -> unmapped",
		"0x818181008 --x -> unmapped",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("translations mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAddrs(t *testing.T) {
	got, err := parseAddrs([]string{"4096", "0x2000", "0o10"})
	if err != nil {
		t.Fatalf("parseAddrs failed: %v", err)
	}
	if diff := cmp.Diff([]hostarch.Addr{0x1000, 0x2000, 8}, got); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}
	if _, err := parseAddrs([]string{"0x1000", "zero"}); err == nil {
		t.Errorf("parseAddrs succeeded on an invalid address")
	}
}

func TestWriteImage(t *testing.T) {
	pt, err := buildTables(writeMappings(t))
	if err != nil {
		t.Fatalf("buildTables failed: %v", err)
	}
	image, err := pt.Commit(pagetables.NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	defer releaseImage(image)

	path := filepath.Join(t.TempDir(), "tables.img")
	// Stale contents longer than the image are truncated.
	if err := os.WriteFile(path, make([]byte, 10*hostarch.PageSize), 0644); err != nil {
		t.Fatal(err)
	}
	if err := writeImage(path, image); err != nil {
		t.Fatalf("writeImage failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(data), image.Len()*hostarch.PageSize; got != want {
		t.Errorf("image file has %d bytes, want %d", got, want)
	}

	read, err := pagetables.ReadImage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadImage failed: %v", err)
	}
	defer releaseImage(read)
	if got := formatTranslation(0x41410042, hostarch.Read, read.Translate); got != "0x41410042 r-- -> 0x81810042" {
		t.Errorf("translation through written image = %q", got)
	}

	var out bytes.Buffer
	printEntries(&out, read)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// One header per page plus one line per present entry: the PML4 and
	// PDPT hold one and two, each PD and PT one, except the first PT with
	// two leaves.
	if got, want := len(lines), 6+1+2+1+1+2+1; got != want {
		t.Errorf("printEntries printed %d lines, want %d:\n%s", got, want, out.String())
	}
	if want := "page 0x0:"; lines[0] != want {
		t.Errorf("first line = %q, want %q", lines[0], want)
	}
	if want := "  [  0] 0x1000 P|W|U|NX"; lines[1] != want {
		t.Errorf("second line = %q, want %q", lines[1], want)
	}
}
