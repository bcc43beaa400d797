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
	"iter"

	"x86pt.dev/x86pt/pkg/hostarch"
)

// slots is a sparse array of 512 exclusively owned children. A nil slot is
// absent. The zero value has every slot absent.
type slots[C any] struct {
	entries [entriesPerPage]*C
}

// get returns the child at index, or nil.
func (s *slots[C]) get(index uint16) *C {
	return s.entries[index]
}

// getOrInsert returns the child at index, creating it with mk if absent.
func (s *slots[C]) getOrInsert(index uint16, mk func() *C) *C {
	c := s.entries[index]
	if c == nil {
		c = mk()
		s.entries[index] = c
	}
	return c
}

// All returns the present children in increasing index order.
//
// The sequence may be iterated more than once and does not modify s.
func (s *slots[C]) All() iter.Seq2[uint16, *C] {
	return func(yield func(uint16, *C) bool) {
		for i, c := range s.entries {
			if c == nil {
				continue
			}
			if !yield(uint16(i), c) {
				return
			}
		}
	}
}

// Len returns the number of present children.
func (s *slots[C]) Len() int {
	n := 0
	for _, c := range s.entries {
		if c != nil {
			n++
		}
	}
	return n
}

// Directory is an intermediate node: 512 optional children and the union of
// the flags of every insert that passed through it.
type Directory[C any] struct {
	slots[C]

	flags TableFlags
}

// Intermediate levels, outermost first.
type (
	// PDPT is a page directory pointer table. Its slots hold PDs.
	PDPT = Directory[PD]

	// PD is a page directory. Its slots hold PTs.
	PD = Directory[PT]

	// PT is a page table. Its slots hold leaf entries.
	PT = Directory[PTE]
)

func newDirectory[C any]() *Directory[C] {
	return &Directory[C]{}
}

// Flags returns the aggregate flags of the node.
func (d *Directory[C]) Flags() TableFlags {
	return d.flags
}

// widen adds f to the aggregate flags. Flags are never removed.
func (d *Directory[C]) widen(f TableFlags) {
	d.flags = d.flags.Union(f)
}

// PTE is a leaf entry: the physical page a virtual page maps to.
type PTE struct {
	addr  hostarch.Addr
	flags PTEFlags
}

func newPTE() *PTE {
	return &PTE{}
}

// Address returns the page-aligned physical address.
func (p *PTE) Address() hostarch.Addr {
	return p.addr
}

// SetAddress sets the physical address, discarding the page offset.
func (p *PTE) SetAddress(addr hostarch.Addr) {
	p.addr = addr.RoundDown()
}

// Flags returns the entry's flags.
func (p *PTE) Flags() PTEFlags {
	return p.flags
}

// SetFlags replaces the entry's flags.
func (p *PTE) SetFlags(f PTEFlags) {
	p.flags = f
}
