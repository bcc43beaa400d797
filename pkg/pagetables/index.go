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
)

const (
	entriesPerPage = 512
	entrySize      = 8

	levelBits = 9
	levelMask = entriesPerPage - 1
)

// Level identifies one of the four levels of the radix tree, innermost
// first.
type Level int

// Page table levels.
const (
	LevelPT Level = iota
	LevelPD
	LevelPDPT
	LevelPML4
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case LevelPT:
		return "PT"
	case LevelPD:
		return "PD"
	case LevelPDPT:
		return "PDPT"
	case LevelPML4:
		return "PML4"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// shift returns the shift of the index field of level l.
func (l Level) shift() uint {
	return hostarch.PageShift + levelBits*uint(l)
}

// Index returns the 9-bit index of addr at level l.
//
// Bits above 47 are ignored; canonical form is not checked.
func Index(addr hostarch.Addr, l Level) uint16 {
	return uint16((addr >> l.shift()) & levelMask)
}

// PML4Index returns bits 47:39 of addr.
func PML4Index(addr hostarch.Addr) uint16 { return Index(addr, LevelPML4) }

// PDPTIndex returns bits 38:30 of addr.
func PDPTIndex(addr hostarch.Addr) uint16 { return Index(addr, LevelPDPT) }

// PDIndex returns bits 29:21 of addr.
func PDIndex(addr hostarch.Addr) uint16 { return Index(addr, LevelPD) }

// PTIndex returns bits 20:12 of addr.
func PTIndex(addr hostarch.Addr) uint16 { return Index(addr, LevelPT) }

// PageOffset returns bits 11:0 of addr.
func PageOffset(addr hostarch.Addr) uint64 {
	return addr.PageOffset()
}
