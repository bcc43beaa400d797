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
	"x86pt.dev/x86pt/pkg/hostarch"
)

// Translate returns the physical address vaddr maps to for an access of
// type at.
//
// Every level of the walk must independently be present, writable for a
// write and executable for an execute. ok is false if vaddr is unmapped or
// the access is denied; the two cases are not distinguished.
func (p *PageTables) Translate(vaddr hostarch.Addr, at hostarch.AccessType) (hostarch.Addr, bool) {
	pdpt := p.live().get(PML4Index(vaddr))
	if pdpt == nil || !permits(pdpt.flags, at) {
		return 0, false
	}
	pd := pdpt.get(PDPTIndex(vaddr))
	if pd == nil || !permits(pd.flags, at) {
		return 0, false
	}
	pt := pd.get(PDIndex(vaddr))
	if pt == nil || !permits(pt.flags, at) {
		return 0, false
	}
	pte := pt.get(PTIndex(vaddr))
	if pte == nil || !permits(pte.flags, at) {
		return 0, false
	}
	return pte.Address() + hostarch.Addr(PageOffset(vaddr)), true
}
