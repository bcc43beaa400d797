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
	"encoding/binary"
	"errors"

	"x86pt.dev/x86pt/pkg/hostarch"
	"x86pt.dev/x86pt/pkg/memutil"
)

// Page is one page of physical memory backing a table.
type Page struct {
	// Data is exactly hostarch.PageSize bytes.
	Data []byte

	// release frees Data, if required.
	release func([]byte) error
}

// Entry returns the entry at index.
func (p *Page) Entry(index uint16) Entry {
	return Entry(binary.LittleEndian.Uint64(p.Data[int(index)*entrySize:]))
}

// setEntry stores e at index.
func (p *Page) setEntry(index uint16, e Entry) {
	binary.LittleEndian.PutUint64(p.Data[int(index)*entrySize:], uint64(e))
}

// Release frees the backing memory. The page must not be used afterwards.
func (p *Page) Release() error {
	if p.release == nil {
		return nil
	}
	err := p.release(p.Data)
	p.release = nil
	p.Data = nil
	return err
}

// Allocator is used to allocate table pages during Commit.
//
// Pages handed out are owned by the caller of Commit, never by the
// allocator or by this package.
type Allocator interface {
	// NewPage returns a new zeroed, writable page.
	NewPage() (*Page, error)
}

// RuntimeAllocator allocates pages from the Go heap.
type RuntimeAllocator struct{}

// NewRuntimeAllocator returns an allocator that uses the Go heap.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{}
}

// NewPage implements Allocator.NewPage.
func (*RuntimeAllocator) NewPage() (*Page, error) {
	return &Page{Data: make([]byte, hostarch.PageSize)}, nil
}

// MmapAllocator allocates every page as its own anonymous mapping.
//
// Releasing the page unmaps it.
type MmapAllocator struct{}

// NewMmapAllocator returns an allocator backed by mmap(2).
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{}
}

// NewPage implements Allocator.NewPage.
func (*MmapAllocator) NewPage() (*Page, error) {
	data, err := memutil.MapAnonymous(hostarch.PageSize)
	if err != nil {
		return nil, err
	}
	return &Page{Data: data, release: memutil.UnmapSlice}, nil
}

// ErrPageLimit is returned by a LimitAllocator once its limit is reached.
var ErrPageLimit = errors.New("page table page limit reached")

// LimitAllocator fails once Limit pages have been handed out.
type LimitAllocator struct {
	Allocator

	// Limit is the number of pages that may be allocated.
	Limit int

	count int
}

// NewPage implements Allocator.NewPage.
func (l *LimitAllocator) NewPage() (*Page, error) {
	if l.count >= l.Limit {
		return nil, ErrPageLimit
	}
	page, err := l.Allocator.NewPage()
	if err != nil {
		return nil, err
	}
	l.count++
	return page, nil
}
