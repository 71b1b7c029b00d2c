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

import "math/bits"

// pagemapAdaptor is the allocator bridge: it wraps the authoritative
// pagemap so that every metadata mutation made by the host-side allocator
// while serving a shared arena is also copied into that sandbox's mirror
// page. The copy is synchronous; there is no window in which host and
// mirror disagree about host-owned memory.
type pagemapAdaptor struct {
	pm     *pagemap
	mirror *mirror
}

func log2Size(size uintptr) byte {
	return byte(bits.Len64(uint64(size)) - 1)
}

func (a *pagemapAdaptor) get(addr uintptr) byte {
	return a.pm.get(addr)
}

// setSlab marks a single superslab unit as a host small-object slab.
func (a *pagemapAdaptor) setSlab(addr uintptr) {
	a.pm.set(addr, pagemapSlab)
	a.mirror.sync(a.pm, addr, SuperslabSize)
}

func (a *pagemapAdaptor) clearSlab(addr uintptr) {
	a.pm.clear(addr)
	a.mirror.sync(a.pm, addr, SuperslabSize)
}

// setLargeSize marks a multi-unit span with the log2 of its byte size.
func (a *pagemapAdaptor) setLargeSize(addr, size uintptr) {
	a.pm.setRange(addr, size, log2Size(size))
	a.mirror.sync(a.pm, addr, size)
}

func (a *pagemapAdaptor) clearLargeSize(addr, size uintptr) {
	a.pm.clearRange(addr, size)
	a.mirror.sync(a.pm, addr, size)
}
