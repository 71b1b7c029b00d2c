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
	"testing"

	"github.com/stretchr/testify/assert"
)

// testArena builds an arena over a fictitious address range; nothing here
// dereferences the addresses, so no backing memory is needed.
func testArena(size uintptr) (*arena, *pagemap, *mirror) {
	base := uintptr(1) << 32
	pm := newPagemap()
	m := newMirror(make([]byte, mirrorPageSize), base)
	a := newArena(addressRange{start: base, end: base + size}, heapOffset, &pagemapAdaptor{pm: pm, mirror: m})
	return a, pm, m
}

func TestArenaReserveAlignment(t *testing.T) {
	a, _, _ := testArena(1 << 30)

	first := a.reserveLarge(0)
	assert.NotEqual(t, uintptr(0), first)
	assert.Equal(t, uintptr(0), first%SuperslabSize)

	second := a.reserveLarge(1)
	assert.NotEqual(t, uintptr(0), second)
	assert.Equal(t, uintptr(0), second%SuperslabSize)
	assert.Equal(t, first+SuperslabSize, second)
}

func TestArenaReserveExhaustion(t *testing.T) {
	a, _, _ := testArena(4 * SuperslabSize)

	// The header page eats into the first superslab, so only three
	// aligned blocks fit.
	for i := 0; i < 3; i++ {
		assert.NotEqual(t, uintptr(0), a.reserveLarge(0), "block %d", i)
	}
	assert.Equal(t, uintptr(0), a.reserveLarge(0))
}

func TestArenaPushPop(t *testing.T) {
	a, _, _ := testArena(1 << 30)

	assert.Equal(t, uintptr(0), a.popLarge(3))

	addr := a.reserveLarge(3)
	a.pushLarge(3, addr)
	assert.Equal(t, addr, a.popLarge(3))
	assert.Equal(t, uintptr(0), a.popLarge(3))
}

func TestArenaAllocLargeRegistersPagemap(t *testing.T) {
	a, pm, m := testArena(1 << 30)

	addr := a.alloc(SuperslabSize)
	assert.NotEqual(t, uintptr(0), addr)
	assert.Equal(t, byte(superslabShift), pm.get(addr))
	assert.Equal(t, byte(superslabShift), m.get(addr))

	a.free(addr)
	assert.Equal(t, pagemapAbsent, pm.get(addr))
	assert.Equal(t, pagemapAbsent, m.get(addr))

	// The freed block comes back out of the free list.
	again := a.alloc(SuperslabSize)
	assert.Equal(t, addr, again)
}

func TestArenaAllocSmall(t *testing.T) {
	a, pm, _ := testArena(1 << 30)

	p1 := a.alloc(32)
	p2 := a.alloc(32)
	assert.NotEqual(t, uintptr(0), p1)
	assert.NotEqual(t, uintptr(0), p2)
	assert.NotEqual(t, p1, p2)
	// Both live in the same slab superslab.
	assert.Equal(t, indexForAddress(p1), indexForAddress(p2))
	assert.Equal(t, pagemapSlab, pm.get(p1))

	// Freeing a slab interior is a no-op.
	a.free(p1)
	assert.Equal(t, pagemapSlab, pm.get(p1))
}

func TestArenaAllocTooLarge(t *testing.T) {
	a, _, _ := testArena(1 << 30)
	assert.Equal(t, uintptr(0), a.alloc(uintptr(1)<<(superslabShift+numLargeClasses)))
}

func TestMulOverflows(t *testing.T) {
	v, over := mulOverflows(1<<40, 1<<40)
	assert.True(t, over)
	_ = v

	v, over = mulOverflows(16, 32)
	assert.False(t, over)
	assert.Equal(t, uintptr(512), v)
}
