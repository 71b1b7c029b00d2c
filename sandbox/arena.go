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
	"sync"

	queuepkg "github.com/Workiva/go-datastructures/queue"
)

// arena is the memory provider for one sandbox's shared region: the heap
// span after the region header, carved into superslab-granular blocks.
// Large blocks are handed out from per-size-class free lists with a bump
// reserve as the fallback; small host-side allocations are bump-allocated
// out of a dedicated slab chunk. Every metadata change flows through the
// pagemap adaptor so the child's mirror stays current.
//
// The allocation strategy is deliberately simple. The supervisor only
// allocates call-argument frames and the occasional buffer here; the
// child's own allocator does the high-frequency work inside the sandbox
// and only comes back for fresh address space.
type arena struct {
	mu sync.Mutex

	rng  addressRange // whole shared region, header included
	heap addressRange // usable span after the header page

	// next is the bump pointer for fresh reservations, always advanced
	// in absolutely superslab-aligned steps so pagemap indices of
	// distinct blocks never collide.
	next uintptr

	large  [numLargeClasses]*queuepkg.Queue
	sizes  map[uintptr]uintptr // host allocation base -> rounded size
	bridge *pagemapAdaptor

	// Current small-object slab.
	slabAddr uintptr
	slabOff  uintptr
}

const smallAlign = 16

func newArena(rng addressRange, heapOffset uintptr, bridge *pagemapAdaptor) *arena {
	heap := addressRange{start: rng.start + heapOffset, end: rng.end}
	return &arena{
		rng:    rng,
		heap:   heap,
		next:   alignUp(heap.start, SuperslabSize),
		sizes:  make(map[uintptr]uintptr),
		bridge: bridge,
	}
}

// contains reports whether [addr, addr+size) lies inside the arena's
// usable heap. This is the range check the pagemap service runs before
// trusting any sandbox-supplied address.
func (a *arena) contains(addr, size uintptr) bool {
	return a.heap.contains(addr, size)
}

// reserveLarge hands out fresh address space for one block of the given
// class. Returns 0 when the arena is exhausted. The pagemap is not
// touched: the caller registers the block itself (the sandbox via
// ChunkMapSetRange, the host via the bridge).
func (a *arena) reserveLarge(c uint8) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserveLocked(c)
}

func (a *arena) reserveLocked(c uint8) uintptr {
	size := largeClassToSize(c)
	addr := alignUp(a.next, SuperslabSize)
	if addr < a.next || addr > a.heap.end || size > a.heap.end-addr {
		return 0
	}
	a.next = addr + size
	return addr
}

// pushLarge deposits a block into the free list for its class. The caller
// has already validated that the block lies inside the arena.
func (a *arena) pushLarge(c uint8, addr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushLocked(c, addr)
}

func (a *arena) pushLocked(c uint8, addr uintptr) {
	if a.large[c] == nil {
		a.large[c] = queuepkg.New(8)
	}
	if err := a.large[c].Put(addr); err != nil {
		internalLogger.warnf("large free list put failed: %s", err.Error())
	}
}

// popLarge removes a block from the free list for the class. Returns 0
// when the list is empty, which is a valid "none available" answer.
func (a *arena) popLarge(c uint8) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.popLocked(c)
}

func (a *arena) popLocked(c uint8) uintptr {
	q := a.large[c]
	if q == nil || q.Empty() {
		return 0
	}
	items, err := q.Get(1)
	if err != nil || len(items) == 0 {
		return 0
	}
	return items[0].(uintptr)
}

// alloc serves a host-side allocation from the arena. Returns 0 on
// exhaustion. Small requests come out of a slab chunk; anything that
// rounds up to a superslab multiple becomes a large block with its span
// registered through the bridge.
func (a *arena) alloc(size uintptr) uintptr {
	if size == 0 {
		size = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if size <= SuperslabSize/2 {
		return a.allocSmallLocked(size)
	}

	c, ok := largeClassFor(size)
	if !ok {
		return 0
	}
	addr := a.popLocked(c)
	if addr == 0 {
		addr = a.reserveLocked(c)
	}
	if addr == 0 {
		return 0
	}
	a.bridge.setLargeSize(addr, largeClassToSize(c))
	a.sizes[addr] = largeClassToSize(c)
	return addr
}

func (a *arena) allocSmallLocked(size uintptr) uintptr {
	size = alignUp(size, smallAlign)
	if a.slabAddr == 0 || a.slabOff+size > SuperslabSize {
		slab := a.popLocked(0)
		if slab == 0 {
			slab = a.reserveLocked(0)
		}
		if slab == 0 {
			return 0
		}
		a.bridge.setSlab(slab)
		a.slabAddr = slab
		a.slabOff = 0
	}
	addr := a.slabAddr + a.slabOff
	a.slabOff += size
	return addr
}

// free returns a host-side allocation. Small allocations are retained by
// their slab until the arena goes away; only whole large blocks are
// recycled.
func (a *arena) free(addr uintptr) {
	if addr == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.sizes[addr]
	if !ok {
		// Interior of a small slab, or not ours. Nothing to reclaim.
		internalLogger.tracef("free of non-large address %#x ignored", addr)
		return
	}
	delete(a.sizes, addr)
	a.bridge.clearLargeSize(addr, size)
	c, ok := largeClassFor(size)
	if !ok {
		return
	}
	a.pushLocked(c, addr)
}
