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

	"x86pt.dev/x86pt/pkg/hostarch"
	"x86pt.dev/x86pt/pkg/log"
)

// committer lays nodes out in physical memory.
type committer struct {
	alloc Allocator
	image *Image

	// next is the physical address of the next page.
	next hostarch.Addr
}

// allocate returns a new page for a table at level l and its physical
// address.
func (c *committer) allocate(l Level) (*Page, hostarch.Addr, error) {
	page, err := c.alloc.NewPage()
	if err != nil {
		return nil, 0, fmt.Errorf("allocating %s page at %v: %w", l, c.next, err)
	}
	if len(page.Data) != hostarch.PageSize {
		return nil, 0, fmt.Errorf("allocating %s page at %v: got %d bytes, want %d", l, c.next, len(page.Data), hostarch.PageSize)
	}
	pa := c.next
	c.next += hostarch.PageSize
	c.image.insert(pa, page)
	return page, pa, nil
}

// encoder produces the entry referencing a node in its parent's page,
// committing the node's subtree first.
type encoder[C any] func(c *committer, node *C) (Entry, error)

// commitTable allocates the page for s and fills it with the entries of its
// present children, in index order. Each child is allocated and fully
// committed before the next sibling.
func commitTable[C any](c *committer, l Level, s *slots[C], encode encoder[C]) (hostarch.Addr, error) {
	page, pa, err := c.allocate(l)
	if err != nil {
		return 0, err
	}
	for i, child := range s.All() {
		e, err := encode(c, child)
		if err != nil {
			return 0, err
		}
		page.setEntry(i, e)
	}
	return pa, nil
}

// encodeDirectory returns the encoder for a directory at level l whose
// children are encoded by child.
func encodeDirectory[C any](l Level, child encoder[C]) encoder[Directory[C]] {
	return func(c *committer, d *Directory[C]) (Entry, error) {
		pa, err := commitTable(c, l, &d.slots, child)
		if err != nil {
			return 0, err
		}
		return MakeEntry(pa, uint64(d.flags)), nil
	}
}

func encodePTE(_ *committer, pte *PTE) (Entry, error) {
	return MakeEntry(pte.addr, uint64(pte.flags)), nil
}

var (
	encodePT   = encodeDirectory[PTE](LevelPT, encodePTE)
	encodePD   = encodeDirectory[PT](LevelPD, encodePT)
	encodePDPT = encodeDirectory[PD](LevelPDPT, encodePD)
)

// Commit serializes the tables into physical pages obtained from a.
//
// The PML4 is allocated first, at physical address 0. Every present child
// is then allocated at the next physical page, depth first and in
// increasing index order, and referenced from its parent by an entry
// holding its address and flags. The result holds one page per node.
//
// Commit consumes p, whether or not it succeeds. On failure no image is
// returned and pages already obtained from a are not released: reclaiming
// them is the allocator's business.
func (p *PageTables) Commit(a Allocator) (*Image, error) {
	root := p.live()
	p.root = nil

	c := committer{
		alloc: a,
		image: newImage(),
	}
	rootPA, err := commitTable(&c, LevelPML4, root, encodePDPT)
	if err != nil {
		return nil, err
	}
	c.image.root = rootPA
	log.Debugf("Committed page tables: %d pages, root at %v", c.image.Len(), rootPA)
	return c.image, nil
}
