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
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/google/btree"
	"x86pt.dev/x86pt/pkg/hostarch"
)

// Entry is a page table entry as the MMU reads it: a 64-bit little-endian
// word holding a physical address in bits 51:12 and flags in bits 11:0 and
// 63.
type Entry uint64

const (
	entryAddressMask = 0x000f_ffff_ffff_f000
	entryFlagsMask   = uint64(NX) | hostarch.PageMask
)

// MakeEntry returns the entry referencing addr with the given flags.
func MakeEntry(addr hostarch.Addr, flags uint64) Entry {
	return Entry(uint64(addr) | flags)
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (e Entry) Address() hostarch.Addr {
	return hostarch.Addr(uint64(e) & entryAddressMask)
}

// Flags extracts the entry's flags.
func (e Entry) Flags() uint64 {
	return uint64(e) & entryFlagsMask
}

// Valid returns true iff this entry is present.
func (e Entry) Valid() bool {
	return Flags(e).Contains(Present)
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	return fmt.Sprintf("%v %s", e.Address(), Flags(e.Flags()))
}

// imagePage is a page of an Image, ordered by physical address.
type imagePage struct {
	addr hostarch.Addr
	page *Page
}

func imagePageLess(a, b imagePage) bool {
	return a.addr < b.addr
}

// Image is the physical memory holding committed page tables: a root
// address and the pages by physical address.
//
// The pages form a contiguous run starting at physical address 0. They are
// owned by the holder of the Image and remain valid until Release.
type Image struct {
	root  hostarch.Addr
	pages *btree.BTreeG[imagePage]
}

func newImage() *Image {
	return &Image{
		pages: btree.NewG(8, imagePageLess),
	}
}

func (i *Image) insert(pa hostarch.Addr, page *Page) {
	i.pages.ReplaceOrInsert(imagePage{addr: pa, page: page})
}

// Root returns the physical address of the PML4, the value for CR3.
func (i *Image) Root() hostarch.Addr {
	return i.root
}

// Len returns the number of pages.
func (i *Image) Len() int {
	return i.pages.Len()
}

// Page returns the contents of the page at pa.
func (i *Image) Page(pa hostarch.Addr) ([]byte, bool) {
	item, ok := i.pages.Get(imagePage{addr: pa})
	if !ok {
		return nil, false
	}
	return item.page.Data, true
}

// Ascend calls fn for every page in increasing physical address order,
// until fn returns false.
func (i *Image) Ascend(fn func(pa hostarch.Addr, data []byte) bool) {
	i.pages.Ascend(func(item imagePage) bool {
		return fn(item.addr, item.page.Data)
	})
}

// Entry returns entry index of the table page at pa.
func (i *Image) Entry(pa hostarch.Addr, index uint16) (Entry, bool) {
	item, ok := i.pages.Get(imagePage{addr: pa})
	if !ok || index >= entriesPerPage {
		return 0, false
	}
	return item.page.Entry(index), true
}

// Entries returns the present entries of the table page at pa, in index
// order.
func (i *Image) Entries(pa hostarch.Addr) iter.Seq2[uint16, Entry] {
	return func(yield func(uint16, Entry) bool) {
		item, ok := i.pages.Get(imagePage{addr: pa})
		if !ok {
			return
		}
		for index := uint16(0); index < entriesPerPage; index++ {
			if e := item.page.Entry(index); e.Valid() && !yield(index, e) {
				return
			}
		}
	}
}

// Translate walks the serialized tables from Root the way the MMU does and
// returns the physical address vaddr maps to for an access of type at.
//
// It agrees with PageTables.Translate on the tables the image was committed
// from, provided every inserted physical address is below 1<<52. Higher bits
// land in the flag and reserved bits of the encoded entry.
func (i *Image) Translate(vaddr hostarch.Addr, at hostarch.AccessType) (hostarch.Addr, bool) {
	table := i.root
	for l := LevelPML4; ; l-- {
		e, ok := i.Entry(table, Index(vaddr, l))
		if !ok || !permits(e.Flags(), at) {
			return 0, false
		}
		if l == LevelPT {
			return e.Address() + hostarch.Addr(PageOffset(vaddr)), true
		}
		table = e.Address()
	}
}

// WriteTo writes every page in physical address order, so that the page at
// physical address N lands at offset N of w.
//
// WriteTo implements io.WriterTo.
func (i *Image) WriteTo(w io.Writer) (int64, error) {
	var (
		n    int64
		err  error
		want hostarch.Addr
	)
	i.Ascend(func(pa hostarch.Addr, data []byte) bool {
		if pa != want {
			err = fmt.Errorf("image is not contiguous: page at %v, want %v", pa, want)
			return false
		}
		var written int
		written, err = w.Write(data)
		n += int64(written)
		if err != nil {
			return false
		}
		want += hostarch.PageSize
		return true
	})
	return n, err
}

// Release releases every page. The image must not be used afterwards.
func (i *Image) Release() error {
	var errs []error
	i.pages.Ascend(func(item imagePage) bool {
		if err := item.page.Release(); err != nil {
			errs = append(errs, fmt.Errorf("releasing page at %v: %w", item.addr, err))
		}
		return true
	})
	i.pages.Clear(false)
	return errors.Join(errs...)
}

// ReadImage reads an image written by WriteTo. The root is at physical
// address 0.
func ReadImage(r io.Reader) (*Image, error) {
	image := newImage()
	for pa := hostarch.Addr(0); ; pa += hostarch.PageSize {
		data := make([]byte, hostarch.PageSize)
		if _, err := io.ReadFull(r, data); err == io.EOF {
			break
		} else if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("reading page at %v: trailing partial page", pa)
		} else if err != nil {
			return nil, fmt.Errorf("reading page at %v: %w", pa, err)
		}
		image.insert(pa, &Page{Data: data})
	}
	if image.Len() == 0 {
		return nil, errors.New("empty page table image")
	}
	return image, nil
}
