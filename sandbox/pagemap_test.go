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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressRangeContains(t *testing.T) {
	r := addressRange{start: 1 << 32, end: 1<<32 + 1<<30}

	assert.True(t, r.contains(1<<32, 1))
	assert.True(t, r.contains(1<<32, 1<<30))
	assert.True(t, r.contains(1<<32+SuperslabSize, SuperslabSize))

	assert.False(t, r.contains(1<<32-1, 1))
	assert.False(t, r.contains(1<<32, 1<<30+1))
	assert.False(t, r.contains(r.end, 1))
	assert.False(t, r.contains(0, 1))
}

// A hostile request can pick addr and size so that addr+size wraps around
// the address space and lands back inside the range. contains must reject
// that without relying on the sum.
func TestAddressRangeContainsOverflow(t *testing.T) {
	r := addressRange{start: 1 << 32, end: 1<<32 + 1<<30}

	assert.False(t, r.contains(1<<32, ^uintptr(0)-(1<<31)))
	assert.False(t, r.contains(1<<32+SuperslabSize, ^uintptr(0)))
}

func TestLargeClasses(t *testing.T) {
	assert.Equal(t, uintptr(SuperslabSize), largeClassToSize(0))
	assert.Equal(t, uintptr(SuperslabSize)*2, largeClassToSize(1))

	c, ok := largeClassFor(1)
	assert.True(t, ok)
	assert.Equal(t, uint8(0), c)

	c, ok = largeClassFor(SuperslabSize + 1)
	assert.True(t, ok)
	assert.Equal(t, uint8(1), c)

	_, ok = largeClassFor(uintptr(1) << (superslabShift + numLargeClasses))
	assert.False(t, ok)

	assert.True(t, isLargeClass(0))
	assert.True(t, isLargeClass(numLargeClasses-1))
	assert.False(t, isLargeClass(numLargeClasses))
	assert.False(t, isLargeClass(math.MaxUint64))
}

func TestPagemapSetGetClear(t *testing.T) {
	pm := newPagemap()
	addr := uintptr(1) << 32

	assert.Equal(t, pagemapAbsent, pm.get(addr))
	pm.set(addr, 25)
	assert.Equal(t, byte(25), pm.get(addr))
	// Same superslab, different offset.
	assert.Equal(t, byte(25), pm.get(addr+123))
	// Neighboring superslab untouched.
	assert.Equal(t, pagemapAbsent, pm.get(addr+SuperslabSize))

	pm.clear(addr)
	assert.Equal(t, pagemapAbsent, pm.get(addr))
}

func TestPagemapRanges(t *testing.T) {
	pm := newPagemap()
	addr := uintptr(1) << 32
	size := uintptr(4 * SuperslabSize)

	pm.setRange(addr, size, 26)
	for off := uintptr(0); off < size; off += SuperslabSize {
		assert.Equal(t, byte(26), pm.get(addr+off))
	}
	assert.Equal(t, pagemapAbsent, pm.get(addr+size))

	pm.clearRange(addr, size)
	for off := uintptr(0); off < size; off += SuperslabSize {
		assert.Equal(t, pagemapAbsent, pm.get(addr+off))
	}
}

func TestMirrorWindow(t *testing.T) {
	base := uintptr(1) << 32
	m := newMirror(make([]byte, 16), base)

	m.put(indexForAddress(base), 25)
	assert.Equal(t, byte(25), m.get(base))
	assert.Equal(t, byte(25), m.get(base+SuperslabSize-1))

	// Below and beyond the window: ignored on write, absent on read.
	m.put(indexForAddress(base)-1, 30)
	m.put(indexForAddress(base)+16, 30)
	assert.Equal(t, pagemapAbsent, m.get(base-1))
	assert.Equal(t, pagemapAbsent, m.get(base+16*SuperslabSize))
}

// The arena base is page aligned but not superslab aligned, so the span
// of the largest permitted arena can straddle one extra superslab index.
// The mirror page must still cover the arena's last byte.
func TestMirrorCoversLargestArena(t *testing.T) {
	// Worst case: the base sits one page before the next superslab
	// boundary.
	base := uintptr(1)<<40 + SuperslabSize - mirrorPageSize
	size := uintptr(mirrorPageSize-1) << superslabShift
	m := newMirror(make([]byte, mirrorPageSize), base)

	m.put(indexForAddress(base), 25)
	assert.Equal(t, byte(25), m.get(base))

	m.put(indexForAddress(base+size-1), 26)
	assert.Equal(t, byte(26), m.get(base+size-1))
}

func TestMirrorSyncMatchesPagemap(t *testing.T) {
	base := uintptr(1) << 32
	pm := newPagemap()
	m := newMirror(make([]byte, 64), base)

	size := uintptr(8 * SuperslabSize)
	pm.setRange(base, size, 27)
	m.sync(pm, base, size)
	for off := uintptr(0); off < size; off += SuperslabSize {
		assert.Equal(t, pm.get(base+off), m.get(base+off))
	}

	pm.clearRange(base, size)
	m.sync(pm, base, size)
	for off := uintptr(0); off < size; off += SuperslabSize {
		assert.Equal(t, pagemapAbsent, m.get(base+off))
	}
}
