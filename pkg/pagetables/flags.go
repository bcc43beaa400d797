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
	"fmt"
	"strings"

	"x86pt.dev/x86pt/pkg/hostarch"
)

// Flags are the permission and caching bits accepted by Insert.
//
// Bits outside of the constants below are ignored by Insert.
type Flags uint64

// Bits in page table entries.
const (
	Present       Flags = 1 << 0
	Writable      Flags = 1 << 1
	User          Flags = 1 << 2
	WriteThrough  Flags = 1 << 3
	CacheDisabled Flags = 1 << 4
	Accessed      Flags = 1 << 5
	Dirty         Flags = 1 << 6
	NX            Flags = 1 << 63

	insertMask = Present | Writable | User | WriteThrough | CacheDisabled | Accessed | Dirty | NX
)

// TableFlags are the bits of a PDPT, PD or PT entry.
//
// The bits have identical meaning at the three intermediate levels.
type TableFlags uint64

// Size marks a large page. It is never set by this package.
const Size TableFlags = 1 << 7

const tableMask = TableFlags(Present|Writable|User|WriteThrough|CacheDisabled|Accessed|NX) | Size

// PTEFlags are the bits of a leaf entry.
type PTEFlags uint64

// Leaf-only bits.
const (
	AttributeTable PTEFlags = 1 << 7
	Global         PTEFlags = 1 << 8
)

const pteMask = PTEFlags(Present|Writable|User|WriteThrough|CacheDisabled|Accessed|Dirty|NX) | AttributeTable | Global

// TableFlagsFrom truncates f to the bits valid at an intermediate level.
func TableFlagsFrom(f Flags) TableFlags {
	return TableFlags(f) & tableMask
}

// PTEFlagsFrom truncates f to the bits valid in a leaf entry.
func PTEFlagsFrom(f Flags) PTEFlags {
	return PTEFlags(f) & pteMask
}

// Union returns the bits set in either f or o.
func (f Flags) Union(o Flags) Flags { return f | o }

// Contains returns true iff every bit of o is set in f.
func (f Flags) Contains(o Flags) bool { return f&o == o }

// Union returns the bits set in either f or o.
func (f TableFlags) Union(o TableFlags) TableFlags { return f | o }

// Contains returns true iff every bit of o is set in f.
func (f TableFlags) Contains(o TableFlags) bool { return f&o == o }

// Union returns the bits set in either f or o.
func (f PTEFlags) Union(o PTEFlags) PTEFlags { return f | o }

// Contains returns true iff every bit of o is set in f.
func (f PTEFlags) Contains(o PTEFlags) bool { return f&o == o }

// permits implements the per-level check of a hardware walk: the entry must
// be present, writable if a write is requested, and executable if an
// execute is requested. Read is granted by Present alone.
func permits[F ~uint64](f F, at hostarch.AccessType) bool {
	bits := Flags(f)
	if !bits.Contains(Present) {
		return false
	}
	if at.Write && !bits.Contains(Writable) {
		return false
	}
	if at.Execute && bits.Contains(NX) {
		return false
	}
	return true
}

type flagName struct {
	bit  uint64
	name string
}

var commonNames = []flagName{
	{uint64(Present), "P"},
	{uint64(Writable), "W"},
	{uint64(User), "U"},
	{uint64(WriteThrough), "PWT"},
	{uint64(CacheDisabled), "PCD"},
	{uint64(Accessed), "A"},
	{uint64(Dirty), "D"},
}

func formatFlags(bits uint64, extra ...flagName) string {
	var parts []string
	for _, n := range commonNames {
		if bits&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	for _, n := range extra {
		if bits&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if bits&uint64(NX) != 0 {
		parts = append(parts, "NX")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	return formatFlags(uint64(f & insertMask))
}

// String implements fmt.Stringer.String.
func (f TableFlags) String() string {
	return formatFlags(uint64(f&tableMask), flagName{uint64(Size), "PS"})
}

// String implements fmt.Stringer.String.
func (f PTEFlags) String() string {
	return formatFlags(uint64(f&pteMask), flagName{uint64(AttributeTable), "PAT"}, flagName{uint64(Global), "G"})
}

var flagsByName = map[string]Flags{
	"present":        Present,
	"writable":       Writable,
	"user":           User,
	"write-through":  WriteThrough,
	"cache-disabled": CacheDisabled,
	"accessed":       Accessed,
	"dirty":          Dirty,
	"nx":             NX,
}

// ParseFlags returns the union of the named flags. Names are the lowercase
// forms "present", "writable", "user", "write-through", "cache-disabled",
// "accessed", "dirty" and "nx".
func ParseFlags(names ...string) (Flags, error) {
	var f Flags
	for _, name := range names {
		bit, ok := flagsByName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown page table flag %q", name)
		}
		f |= bit
	}
	return f, nil
}
