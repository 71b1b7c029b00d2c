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
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/srediag/libsandbox/internal/futex"
)

// The shared region header lives at the base of the arena and is the only
// memory both processes mutate concurrently. Layout is fixed and
// versioned; both sides are compiled from this file. Everything past
// heapOffset is the sandbox's arbitrary heap and carries no consistency
// guarantee from this layer.
//
//	0   magic           uint64
//	8   layout version  uint32
//	12  should_exit     uint32  (atomic)
//	16  range start     uint64  (host address of the region base)
//	24  range end       uint64
//	32  child executing uint32  (atomic handshake flag)
//	36  handshake seq   uint32  (futex word, bumped on every signal)
//	40  call index      uint64
//	48  arg buffer      uint64  (host address inside the arena)
const (
	regionMagic         = uint64(0x53424f584d454d31) // "SBOXMEM1"
	regionLayoutVersion = uint32(1)

	offMagic          = 0
	offLayoutVersion  = 8
	offShouldExit     = 12
	offRangeStart     = 16
	offRangeEnd       = 24
	offChildExecuting = 32
	offHandshakeSeq   = 36
	offCallIndex      = 40
	offArgBuffer      = 48

	// heapOffset reserves the first page of the region for the header.
	heapOffset = 4096
)

// region is a typed view over the mapped header bytes. Both host and
// child construct one over their own mapping of the same object.
type region struct {
	mem []byte
}

func (r *region) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *region) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

// initHeader is called once by the host after mapping a fresh region.
func (r *region) initHeader(start, end uintptr) {
	*r.u64(offRangeStart) = uint64(start)
	*r.u64(offRangeEnd) = uint64(end)
	atomic.StoreUint32(r.u32(offShouldExit), 0)
	atomic.StoreUint32(r.u32(offChildExecuting), 0)
	atomic.StoreUint32(r.u32(offHandshakeSeq), 0)
	atomic.StoreUint32(r.u32(offLayoutVersion), regionLayoutVersion)
	*r.u64(offMagic) = regionMagic
}

// checkHeader validates magic and layout version on the attaching side.
func (r *region) checkHeader() error {
	if len(r.mem) < heapOffset {
		return fmt.Errorf("shared region too small: %d bytes", len(r.mem))
	}
	if *r.u64(offMagic) != regionMagic {
		return fmt.Errorf("shared region magic mismatch: %#x", *r.u64(offMagic))
	}
	if v := atomic.LoadUint32(r.u32(offLayoutVersion)); v != regionLayoutVersion {
		return fmt.Errorf("shared region layout version %d, want %d", v, regionLayoutVersion)
	}
	return nil
}

func (r *region) rangeStart() uintptr { return uintptr(*r.u64(offRangeStart)) }
func (r *region) rangeEnd() uintptr   { return uintptr(*r.u64(offRangeEnd)) }

func (r *region) shouldExit() bool {
	return atomic.LoadUint32(r.u32(offShouldExit)) != 0
}

func (r *region) setShouldExit() {
	atomic.StoreUint32(r.u32(offShouldExit), 1)
}

func (r *region) setCall(index int, argBuffer uintptr) {
	*r.u64(offCallIndex) = uint64(index)
	*r.u64(offArgBuffer) = uint64(argBuffer)
}

func (r *region) callIndex() int     { return int(*r.u64(offCallIndex)) }
func (r *region) argBuffer() uintptr { return uintptr(*r.u64(offArgBuffer)) }

func (r *region) childExecuting() bool {
	return atomic.LoadUint32(r.u32(offChildExecuting)) != 0
}

// signal updates the child-executing flag and wakes all waiters in both
// processes. The wait functions only unblock for flag changes made
// through signal.
func (r *region) signal(state bool) {
	var v uint32
	if state {
		v = 1
	}
	atomic.StoreUint32(r.u32(offChildExecuting), v)
	atomic.AddUint32(r.u32(offHandshakeSeq), 1)
	if err := futex.WakeAll(r.u32(offHandshakeSeq)); err != nil {
		fatalf("waking handshake waiters failed: %v", err)
	}
}

// wait blocks until the child-executing flag equals expected.
func (r *region) wait(expected bool) error {
	for {
		ok, err := r.waitStep(expected, 0)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// waitTimeout blocks until the flag equals expected or the timeout
// passes; it reports whether the expected state was observed.
func (r *region) waitTimeout(expected bool, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return r.childExecuting() == expected, nil
		}
		ok, err := r.waitStep(expected, remain)
		if err != nil || ok {
			return ok, err
		}
	}
}

// waitStep performs one flag check plus at most one sleep on the futex
// word. The sequence word is sampled before the flag is re-checked, so a
// signal between the check and the sleep makes the sleep return
// immediately instead of being lost.
func (r *region) waitStep(expected bool, timeout time.Duration) (bool, error) {
	if r.childExecuting() == expected {
		return true, nil
	}
	seq := atomic.LoadUint32(r.u32(offHandshakeSeq))
	if r.childExecuting() == expected {
		return true, nil
	}
	if _, err := futex.Wait(r.u32(offHandshakeSeq), seq, timeout); err != nil {
		return false, fmt.Errorf("handshake wait: %w", err)
	}
	return r.childExecuting() == expected, nil
}
