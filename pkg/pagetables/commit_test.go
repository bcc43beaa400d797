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

package pagetables

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"x86pt.dev/x86pt/pkg/hostarch"
)

type mapping struct {
	vaddr, paddr hostarch.Addr
	flags        Flags
}

func build(ms ...mapping) *PageTables {
	pt := New()
	for _, m := range ms {
		pt.Insert(m.vaddr, m.paddr, m.flags)
	}
	return pt
}

func commit(t *testing.T, pt *PageTables) *Image {
	t.Helper()
	image, err := pt.Commit(NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return image
}

// words returns the non-zero entries of every page, keyed by physical
// address and index.
func words(image *Image) map[string]uint64 {
	out := make(map[string]uint64)
	image.Ascend(func(pa hostarch.Addr, data []byte) bool {
		page := Page{Data: data}
		for i := uint16(0); i < entriesPerPage; i++ {
			if e := page.Entry(i); e != 0 {
				out[fmt.Sprintf("%#x[%d]", uint64(pa), i)] = uint64(e)
			}
		}
		return true
	})
	return out
}

func TestCommitSingle(t *testing.T) {
	pt := build(mapping{0x4141_0000, 0x8181_0000, Present})
	image := commit(t, pt)

	if got := image.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
	if got := image.Root(); got != 0 {
		t.Errorf("Root() = %v, want 0", got)
	}
	want := map[string]uint64{
		"0x0[0]":     0x1001,
		"0x1000[1]":  0x2001,
		"0x2000[10]": 0x3001,
		"0x3000[16]": 0x8181_0001,
	}
	if diff := cmp.Diff(want, words(image)); diff != "" {
		t.Errorf("image words mismatch (-want +got):\n%s", diff)
	}
}

func TestCommitSharedPath(t *testing.T) {
	pt := build(
		mapping{0x4141_0000, 0x8181_0000, Present},
		mapping{0x4141_1000, 0x8181_1000, Present | Writable},
	)
	image := commit(t, pt)

	if got := image.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
	want := map[string]uint64{
		"0x0[0]":     0x1003,
		"0x1000[1]":  0x2003,
		"0x2000[10]": 0x3003,
		"0x3000[16]": 0x8181_0001,
		"0x3000[17]": 0x8181_1003,
	}
	if diff := cmp.Diff(want, words(image)); diff != "" {
		t.Errorf("image words mismatch (-want +got):\n%s", diff)
	}
}

func TestCommitDepthFirst(t *testing.T) {
	// Inserted out of order: layout follows index order, not insertion
	// order, and each subtree is laid out before its next sibling.
	pt := build(
		mapping{0x80_0000_0000, 0xa000, Present | NX},
		mapping{0x4000_0000, 0xb000, Present},
		mapping{0x0, 0xc000, Present | User},
	)
	image := commit(t, pt)

	if got, want := image.Len(), 1+3+5; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
	const nx = uint64(NX)
	want := map[string]uint64{
		// PML4.
		"0x0[0]": 0x1000 | 0x5,
		"0x0[1]": 0x6000 | 0x1 | nx,
		// First PDPT and its two subtrees.
		"0x1000[0]": 0x2000 | 0x5,
		"0x1000[1]": 0x4000 | 0x1,
		"0x2000[0]": 0x3000 | 0x5,
		"0x3000[0]": 0xc000 | 0x5,
		"0x4000[0]": 0x5000 | 0x1,
		"0x5000[0]": 0xb000 | 0x1,
		// Second PDPT.
		"0x6000[0]": 0x7000 | 0x1 | nx,
		"0x7000[0]": 0x8000 | 0x1 | nx,
		"0x8000[0]": 0xa000 | 0x1 | nx,
	}
	if diff := cmp.Diff(want, words(image)); diff != "" {
		t.Errorf("image words mismatch (-want +got):\n%s", diff)
	}
}

func TestCommitEmpty(t *testing.T) {
	image := commit(t, New())
	if got := image.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	if diff := cmp.Diff(map[string]uint64{}, words(image)); diff != "" {
		t.Errorf("empty PML4 has entries:\n%s", diff)
	}
}

// randomMappings returns a deterministic spread of mappings across many
// tables.
func randomMappings() []mapping {
	var ms []mapping
	x := uint64(0x9e37_79b9_7f4a_7c15)
	for i := 0; i < 200; i++ {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		f := Present
		if x&1 != 0 {
			f |= Writable
		}
		if x&2 != 0 {
			f |= NX
		}
		if x&4 != 0 {
			f |= User
		}
		ms = append(ms, mapping{
			vaddr: hostarch.Addr(x & 0x0000_ffff_ffff_f000),
			paddr: hostarch.Addr((x >> 8) & 0x000f_ffff_ffff_f000),
			flags: f,
		})
	}
	return ms
}

func TestCommitLayout(t *testing.T) {
	ms := randomMappings()
	pt := build(ms...)
	nodes := pt.NodeCount()
	image := commit(t, pt)

	if got := image.Len(); got != nodes {
		t.Errorf("Len() = %d, want NodeCount() = %d", got, nodes)
	}
	want := hostarch.Addr(0)
	image.Ascend(func(pa hostarch.Addr, data []byte) bool {
		if pa != want {
			t.Errorf("page at %v, want %v", pa, want)
		}
		if len(data) != hostarch.PageSize {
			t.Errorf("page at %v has %d bytes", pa, len(data))
		}
		want += hostarch.PageSize
		return true
	})

	// Every intermediate entry references a later page.
	image.Ascend(func(pa hostarch.Addr, data []byte) bool {
		page := Page{Data: data}
		for i := uint16(0); i < entriesPerPage; i++ {
			e := page.Entry(i)
			if !e.Valid() {
				continue
			}
			if _, ok := image.Page(e.Address()); ok && e.Address() <= pa {
				t.Errorf("entry %d of %v references earlier page %v", i, pa, e.Address())
			}
		}
		return true
	})
}

func TestCommitDeterministic(t *testing.T) {
	var out [2]bytes.Buffer
	for i := range out {
		image := commit(t, build(randomMappings()...))
		if _, err := image.WriteTo(&out[i]); err != nil {
			t.Fatalf("WriteTo failed: %v", err)
		}
	}
	if !bytes.Equal(out[0].Bytes(), out[1].Bytes()) {
		t.Errorf("two commits of the same mappings differ")
	}
}

func TestReinsertIdempotent(t *testing.T) {
	ms := randomMappings()
	once := build(ms...)
	twice := build(append(ms, ms...)...)

	var a, b bytes.Buffer
	if _, err := commit(t, once).WriteTo(&a); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if _, err := commit(t, twice).WriteTo(&b); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Errorf("re-inserting the same mappings changed the image")
	}
}

func TestImageTranslate(t *testing.T) {
	ms := randomMappings()
	tree := build(ms...)

	type result struct {
		Addr hostarch.Addr
		OK   bool
	}
	want := make(map[string]result)
	probes := []hostarch.Addr{0, 0x7171_0000}
	for _, m := range ms {
		probes = append(probes, m.vaddr, m.vaddr+0x123, m.vaddr+hostarch.PageSize)
	}
	for _, v := range probes {
		for _, at := range allAccessTypes {
			addr, ok := tree.Translate(v, at)
			want[fmt.Sprintf("%v/%v", v, at)] = result{addr, ok}
		}
	}

	image := commit(t, tree)
	got := make(map[string]result)
	for _, v := range probes {
		for _, at := range allAccessTypes {
			addr, ok := image.Translate(v, at)
			got[fmt.Sprintf("%v/%v", v, at)] = result{addr, ok}
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("image and tree translations differ (-tree +image):\n%s", diff)
	}
}

func TestCommitAllocationFailure(t *testing.T) {
	pt := build(mapping{0x4141_0000, 0x8181_0000, Present})
	a := &LimitAllocator{Allocator: NewRuntimeAllocator(), Limit: 2}
	image, err := pt.Commit(a)
	if !errors.Is(err, ErrPageLimit) {
		t.Errorf("Commit error = %v, want %v", err, ErrPageLimit)
	}
	if err != nil && !strings.Contains(err.Error(), "PD page") {
		t.Errorf("Commit error %q does not name the failing level", err)
	}
	if image != nil {
		t.Errorf("Commit returned an image on failure")
	}
	mustPanic(t, "Translate", func() { pt.Translate(0x4141_0000, hostarch.Read) })
}

type shortAllocator struct{}

func (shortAllocator) NewPage() (*Page, error) {
	return &Page{Data: make([]byte, 8)}, nil
}

func TestCommitShortPage(t *testing.T) {
	if _, err := New().Commit(shortAllocator{}); err == nil {
		t.Errorf("Commit succeeded with short pages")
	}
}

func TestWriteReadImage(t *testing.T) {
	tree := build(randomMappings()...)
	image := commit(t, tree)

	var buf bytes.Buffer
	n, err := image.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if want := int64(image.Len() * hostarch.PageSize); n != want || int64(buf.Len()) != want {
		t.Errorf("WriteTo wrote %d bytes (buffer %d), want %d", n, buf.Len(), want)
	}

	read, err := ReadImage(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadImage failed: %v", err)
	}
	if read.Root() != 0 || read.Len() != image.Len() {
		t.Errorf("ReadImage: root %v len %d, want 0 and %d", read.Root(), read.Len(), image.Len())
	}
	if diff := cmp.Diff(words(image), words(read)); diff != "" {
		t.Errorf("read image differs (-written +read):\n%s", diff)
	}
}

func TestReadImageErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"partial", make([]byte, 100)},
		{"trailing", make([]byte, hostarch.PageSize+1)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ReadImage(bytes.NewReader(tc.data)); err == nil {
				t.Errorf("ReadImage succeeded")
			}
		})
	}
}

func TestImageEntry(t *testing.T) {
	image := commit(t, build(mapping{0x4141_0000, 0x8181_0000, Present | Writable | NX}))
	e, ok := image.Entry(0x3000, 16)
	if !ok {
		t.Fatalf("Entry(0x3000, 16) missing")
	}
	if got, want := e.Address(), hostarch.Addr(0x8181_0000); got != want {
		t.Errorf("Address() = %v, want %v", got, want)
	}
	if got, want := e.Flags(), uint64(Present|Writable|NX); got != want {
		t.Errorf("Flags() = %#x, want %#x", got, want)
	}
	if !e.Valid() {
		t.Errorf("entry not valid")
	}
	var indices []uint16
	for i := range image.Entries(0x3000) {
		indices = append(indices, i)
	}
	if diff := cmp.Diff([]uint16{16}, indices); diff != "" {
		t.Errorf("Entries(0x3000) indices (-want +got):\n%s", diff)
	}
	for range image.Entries(0x4000) {
		t.Errorf("Entries past the image yielded an entry")
	}
	if _, ok := image.Entry(0x4000, 0); ok {
		t.Errorf("Entry past the image succeeded")
	}
	if _, ok := image.Entry(0, entriesPerPage); ok {
		t.Errorf("Entry past the page succeeded")
	}
	if err := image.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if got := image.Len(); got != 0 {
		t.Errorf("Len() after Release = %d", got)
	}
}
