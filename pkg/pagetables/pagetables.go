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

// Package pagetables builds 4-level x86-64 page tables in memory and
// serializes them into the binary layout consumed by the MMU.
//
// A PageTables is populated with Insert, queried with Translate and finally
// frozen with Commit, which lays every table out in its own physical page
// starting at physical address zero.
//
// PageTables is not synchronized. Insert requires exclusive access.
// Translate may be called concurrently with other calls to Translate, but
// not with Insert or Commit. After Commit the tree no longer exists and any
// further call panics.
package pagetables

import (
	"iter"

	"x86pt.dev/x86pt/pkg/hostarch"
)

// PageTables is a set of page tables rooted at a PML4.
type PageTables struct {
	// root holds the PML4 slots. It is nil once the tables have been
	// committed.
	root *slots[PDPT]
}

// New returns new, empty PageTables.
func New() *PageTables {
	return &PageTables{root: &slots[PDPT]{}}
}

// live returns the root, panicking if the tables were committed.
func (p *PageTables) live() *slots[PDPT] {
	if p.root == nil {
		panic("page tables already committed")
	}
	return p.root
}

// Insert maps the page containing vaddr to the page containing paddr.
//
// Every node on the path is created as needed and has f (truncated to the
// bits valid at its level) added to its flags. The leaf's flags are likewise
// widened, and its address replaced. Insert never fails.
func (p *PageTables) Insert(vaddr, paddr hostarch.Addr, f Flags) {
	root := p.live()
	f &= insertMask
	tf := TableFlagsFrom(f)

	pdpt := root.getOrInsert(PML4Index(vaddr), newDirectory[PD])
	pdpt.widen(tf)

	pd := pdpt.getOrInsert(PDPTIndex(vaddr), newDirectory[PT])
	pd.widen(tf)

	pt := pd.getOrInsert(PDIndex(vaddr), newDirectory[PTE])
	pt.widen(tf)

	pte := pt.getOrInsert(PTIndex(vaddr), newPTE)
	pte.SetFlags(pte.Flags().Union(PTEFlagsFrom(f)))
	pte.SetAddress(paddr)
}

// InsertRange maps length bytes starting at vaddr to the physically
// contiguous range starting at paddr, one page at a time. A partial trailing
// page is mapped in full.
func (p *PageTables) InsertRange(vaddr, paddr hostarch.Addr, length uint64, f Flags) {
	pages := length >> hostarch.PageShift
	if length&hostarch.PageMask != 0 {
		pages++
	}
	for i := uint64(0); i < pages; i++ {
		off := hostarch.Addr(i << hostarch.PageShift)
		p.Insert(vaddr+off, paddr+off, f)
	}
}

// All returns the present PDPTs in increasing PML4 index order.
func (p *PageTables) All() iter.Seq2[uint16, *PDPT] {
	return p.live().All()
}

// PDPT returns the PDPT covering vaddr, or nil.
func (p *PageTables) PDPT(vaddr hostarch.Addr) *PDPT {
	return p.live().get(PML4Index(vaddr))
}

// PD returns the PD covering vaddr, or nil.
func (p *PageTables) PD(vaddr hostarch.Addr) *PD {
	pdpt := p.PDPT(vaddr)
	if pdpt == nil {
		return nil
	}
	return pdpt.get(PDPTIndex(vaddr))
}

// PT returns the PT covering vaddr, or nil.
func (p *PageTables) PT(vaddr hostarch.Addr) *PT {
	pd := p.PD(vaddr)
	if pd == nil {
		return nil
	}
	return pd.get(PDIndex(vaddr))
}

// PTE returns the leaf entry for vaddr, or nil.
func (p *PageTables) PTE(vaddr hostarch.Addr) *PTE {
	pt := p.PT(vaddr)
	if pt == nil {
		return nil
	}
	return pt.get(PTIndex(vaddr))
}

// NodeCount returns the number of table pages Commit will allocate: the
// PML4 plus every present PDPT, PD and PT.
func (p *PageTables) NodeCount() int {
	n := 1
	for _, pdpt := range p.All() {
		n++
		for _, pd := range pdpt.All() {
			n++
			n += pd.Len()
		}
	}
	return n
}
