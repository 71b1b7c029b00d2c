/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sandbox

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

const (
	// superslabShift is the pagemap granularity: one entry per
	// 16 MiB superslab unit.
	superslabShift = 24

	// SuperslabSize is the byte size of one pagemap unit.
	SuperslabSize = 1 << superslabShift

	// numLargeClasses bounds the large size classes. Class k covers
	// allocations of exactly 1<<(superslabShift+k) bytes.
	numLargeClasses = 24

	// pagemapAbsent marks an address with no allocation metadata.
	pagemapAbsent = byte(0)

	// pagemapSlab marks a single superslab owned by the host-side
	// small-object allocator.
	pagemapSlab = byte(1)
)

func isLargeClass(c uint64) bool {
	return c < numLargeClasses
}

func largeClassToSize(c uint8) uintptr {
	return uintptr(1) << (superslabShift + uint(c))
}

// largeClassFor returns the smallest class whose size fits n bytes, and
// false if n exceeds the largest class.
func largeClassFor(n uintptr) (uint8, bool) {
	for c := uint8(0); c < numLargeClasses; c++ {
		if largeClassToSize(c) >= n {
			return c, true
		}
	}
	return 0, false
}

// addressRange is the contiguous span a sandbox is entitled to claim.
// Every address in a sandbox request must be validated against it before
// any metadata is touched.
type addressRange struct {
	start uintptr
	end   uintptr
}

// contains reports whether [addr, addr+size) lies fully inside the range.
// Written to be overflow-safe: size is compared against the remaining
// span, never added to addr.
func (r addressRange) contains(addr, size uintptr) bool {
	if addr < r.start || addr > r.end {
		return false
	}
	return size <= r.end-addr
}

func indexForAddress(addr uintptr) uint64 {
	return uint64(addr) >> superslabShift
}

// pagemap is the host's authoritative table from superslab index to
// size-class byte, covering the whole address space sparsely. Entries are
// mutated concurrently by the pagemap service goroutine (for
// sandbox-claimed addresses) and by host allocator threads through the
// bridge (for host-claimed addresses); a given index is only ever owned by
// one of the two, so the sharded map is enough.
type pagemap struct {
	entries cmap.ConcurrentMap[uint64, byte]
}

func newPagemap() *pagemap {
	return &pagemap{
		entries: cmap.NewWithCustomShardingFunction[uint64, byte](func(key uint64) uint32 {
			return uint32(key ^ key>>32)
		}),
	}
}

func (p *pagemap) get(addr uintptr) byte {
	v, ok := p.entries.Get(indexForAddress(addr))
	if !ok {
		return pagemapAbsent
	}
	return v
}

func (p *pagemap) set(addr uintptr, v byte) {
	p.entries.Set(indexForAddress(addr), v)
}

func (p *pagemap) clear(addr uintptr) {
	p.entries.Remove(indexForAddress(addr))
}

func (p *pagemap) setRange(addr, size uintptr, v byte) {
	for off := uintptr(0); off < size; off += SuperslabSize {
		p.set(addr+off, v)
	}
}

func (p *pagemap) clearRange(addr, size uintptr) {
	for off := uintptr(0); off < size; off += SuperslabSize {
		p.clear(addr + off)
	}
}

// mirror is the host-writable, sandbox-readable page holding the pagemap
// entries for one sandbox's address range. Entry i describes the i-th
// superslab unit counted from the range start.
type mirror struct {
	mem  []byte
	base uint64 // superslab index of the range start
}

func newMirror(mem []byte, rangeStart uintptr) *mirror {
	return &mirror{mem: mem, base: indexForAddress(rangeStart)}
}

// put writes the entry for the given global superslab index. Out-of-window
// indices are ignored; validation upstream means they only occur if the
// mirror page is smaller than the arena, which is a configuration bug
// worth surviving.
func (m *mirror) put(index uint64, v byte) {
	rel := index - m.base
	if index < m.base || rel >= uint64(len(m.mem)) {
		internalLogger.warnf("pagemap mirror index %d outside window (base %d, len %d)", index, m.base, len(m.mem))
		return
	}
	m.mem[rel] = v
}

// sync copies entries from the authoritative pagemap into the mirror for
// the span [addr, addr+size). Called only after validation accepted the
// span, so mirror and authority never diverge for addresses the sandbox
// is entitled to see.
func (m *mirror) sync(pm *pagemap, addr, size uintptr) {
	for off := uintptr(0); off < size; off += SuperslabSize {
		m.put(indexForAddress(addr+off), pm.get(addr+off))
	}
}

// get reads the mirror entry for a host address inside the window. Used
// on the child side, where mem is the read-only mapping of this page.
func (m *mirror) get(addr uintptr) byte {
	index := indexForAddress(addr)
	rel := index - m.base
	if index < m.base || rel >= uint64(len(m.mem)) {
		return pagemapAbsent
	}
	return m.mem[rel]
}
