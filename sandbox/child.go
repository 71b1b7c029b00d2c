//go:build linux

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
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/srediag/libsandbox/internal/shm"
)

// CallHandler is one entry of the vtable a sandboxed library exports. The
// argument points at the call's argument frame inside the shared arena,
// already translated to this process's mapping; it is nil for calls sent
// without a frame.
type CallHandler func(c *Child, args unsafe.Pointer)

// Child is the sandbox-side attachment to the shared state: the arena and
// mirror mappings, the handshake, and the metadata channel back to the
// host. Exactly one Child exists per sandboxed process.
type Child struct {
	heapMem   []byte
	mirrorMem []byte
	region    *region
	mirror    *mirror
	host      *HostClient

	// The region maps at whatever address this process's loader picked;
	// delta converts a host address into a local one. All protocol
	// addresses stay host addresses.
	hostRange addressRange
	delta     uintptr

	allocMu  sync.Mutex
	slabHost uintptr
	slabOff  uintptr
}

// AttachChild maps the shared regions from the fixed descriptor table and
// validates the header the host wrote. It must be called once, before
// anything touches the arena.
func AttachChild() (*Child, error) {
	if err := checkFdTableVersion(); err != nil {
		return nil, err
	}
	hostBase, size, err := parseLocation()
	if err != nil {
		return nil, err
	}

	heapMem, err := shm.MapFd(FdSharedMemRegion, int(size), unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, fmt.Errorf("mapping shared arena: %w", err)
	}
	mirrorMem, err := shm.MapFd(FdPagemapPage, mirrorPageSize, unix.PROT_READ)
	if err != nil {
		_ = shm.Unmap(heapMem)
		return nil, fmt.Errorf("mapping pagemap mirror: %w", err)
	}

	reg := &region{mem: heapMem}
	if err := reg.checkHeader(); err != nil {
		_ = shm.Unmap(heapMem)
		_ = shm.Unmap(mirrorMem)
		return nil, err
	}
	if reg.rangeStart() != hostBase || reg.rangeEnd() != hostBase+uintptr(size) {
		_ = shm.Unmap(heapMem)
		_ = shm.Unmap(mirrorMem)
		return nil, fmt.Errorf("region header range %#x-%#x disagrees with location token %#x+%#x",
			reg.rangeStart(), reg.rangeEnd(), hostBase, size)
	}

	localBase := uintptr(unsafe.Pointer(&heapMem[0]))
	c := &Child{
		heapMem:   heapMem,
		mirrorMem: mirrorMem,
		region:    reg,
		mirror:    newMirror(mirrorMem, hostBase),
		host:      &HostClient{fd: FdPagemapUpdates},
		hostRange: addressRange{start: hostBase, end: hostBase + uintptr(size)},
		delta:     localBase - hostBase,
	}
	return c, nil
}

// Host returns the metadata client for issuing requests to the pagemap
// service.
func (c *Child) Host() *HostClient { return c.host }

// Translate converts a host address inside the shared range into a local
// pointer. Returns nil for zero or out-of-range addresses.
func (c *Child) Translate(hostAddr uintptr) unsafe.Pointer {
	if hostAddr == 0 || !c.hostRange.contains(hostAddr, 1) {
		return nil
	}
	return unsafe.Pointer(hostAddr + c.delta)
}

// ToHost converts a local pointer into the shared range back into the
// host address the protocol speaks. Returns 0 for pointers outside the
// arena.
func (c *Child) ToHost(p unsafe.Pointer) uintptr {
	local := uintptr(p)
	hostAddr := local - c.delta
	if !c.hostRange.contains(hostAddr, 1) {
		return 0
	}
	return hostAddr
}

// Bytes exposes n bytes at a local arena pointer as a slice.
func (c *Child) Bytes(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// Serve runs the call loop: wait for the host to hand over execution,
// dispatch through the vtable, hand execution back. Returns nil when the
// host requests exit.
func (c *Child) Serve(vtable []CallHandler) error {
	for {
		if err := c.region.wait(true); err != nil {
			return err
		}
		if c.region.shouldExit() {
			return nil
		}
		idx := c.region.callIndex()
		args := c.Translate(c.region.argBuffer())
		if idx >= 0 && idx < len(vtable) && vtable[idx] != nil {
			vtable[idx](c, args)
		} else {
			internalLogger.warnf("call to unknown vtable index %d ignored", idx)
		}
		c.region.signal(false)
	}
}

// HostClient issues metadata requests over the update channel. Requests
// are serialized; the protocol is strict request/response.
type HostClient struct {
	mu sync.Mutex
	fd int
}

func (h *HostClient) call(req hostRequest) (hostResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := writeRequest(h.fd, req); err != nil {
		return hostResponse{}, fmt.Errorf("metadata request %s: %w", req.Kind, err)
	}
	var buf [responseSize]byte
	n, eof, err := readFull(h.fd, buf[:])
	if eof {
		return hostResponse{}, fmt.Errorf("metadata channel closed during %s", req.Kind)
	}
	if err != nil {
		return hostResponse{}, fmt.Errorf("metadata response for %s: %w", req.Kind, err)
	}
	if n != responseSize {
		return hostResponse{}, fmt.Errorf("short metadata response for %s: %d bytes", req.Kind, n)
	}
	return decodeResponse(buf[:]), nil
}

// PushLargeStack returns a freed block of the given class to the host's
// free list.
func (h *HostClient) PushLargeStack(hostAddr uintptr, class uint8) error {
	resp, err := h.call(hostRequest{Kind: kindPushLargeStack, Arg0: uint64(hostAddr), Arg1: uint64(class)})
	if err != nil {
		return err
	}
	if resp.Err {
		return ErrRequestRejected
	}
	return nil
}

// PopLargeStack pops a block of the given class from the host's free
// list. A zero address means none available.
func (h *HostClient) PopLargeStack(class uint8) (uintptr, error) {
	resp, err := h.call(hostRequest{Kind: kindPopLargeStack, Arg1: uint64(class)})
	if err != nil {
		return 0, err
	}
	if resp.Err {
		return 0, ErrRequestRejected
	}
	return uintptr(resp.Value), nil
}

// Reserve asks the host for fresh address space of the given class.
func (h *HostClient) Reserve(class uint8) (uintptr, error) {
	resp, err := h.call(hostRequest{Kind: kindReserve, Arg1: uint64(class)})
	if err != nil {
		return 0, err
	}
	if resp.Err {
		return 0, ErrRequestRejected
	}
	return uintptr(resp.Value), nil
}

// ChunkMapSet writes one pagemap entry for a host address.
func (h *HostClient) ChunkMapSet(hostAddr uintptr, value byte) error {
	resp, err := h.call(hostRequest{Kind: kindChunkMapSet, Arg0: uint64(hostAddr), Arg1: uint64(value)})
	if err != nil {
		return err
	}
	if resp.Err {
		return ErrRequestRejected
	}
	return nil
}

// ChunkMapSetRange marks [hostAddr, hostAddr+1<<log2Size) in the pagemap.
func (h *HostClient) ChunkMapSetRange(hostAddr uintptr, log2Size uint8) error {
	resp, err := h.call(hostRequest{Kind: kindChunkMapSetRange, Arg0: uint64(hostAddr), Arg1: uint64(log2Size)})
	if err != nil {
		return err
	}
	if resp.Err {
		return ErrRequestRejected
	}
	return nil
}

// ChunkMapClearRange clears [hostAddr, hostAddr+1<<log2Size) in the
// pagemap.
func (h *HostClient) ChunkMapClearRange(hostAddr uintptr, log2Size uint8) error {
	resp, err := h.call(hostRequest{Kind: kindChunkMapClearRange, Arg0: uint64(hostAddr), Arg1: uint64(log2Size)})
	if err != nil {
		return err
	}
	if resp.Err {
		return ErrRequestRejected
	}
	return nil
}

// Alloc allocates n bytes of shared memory from inside the sandbox. Large
// requests go through the host's free list and pagemap; small ones are
// bump-allocated out of a slab the sandbox claims for itself. Returns nil
// on exhaustion.
func (c *Child) Alloc(n uintptr) unsafe.Pointer {
	if n == 0 {
		n = 1
	}
	if n <= SuperslabSize/2 {
		return c.allocSmall(n)
	}
	class, ok := largeClassFor(n)
	if !ok {
		return nil
	}
	addr, err := c.host.PopLargeStack(class)
	if err != nil {
		internalLogger.warnf("pop large stack failed: %s", err.Error())
		return nil
	}
	if addr == 0 {
		addr, err = c.host.Reserve(class)
		if err != nil || addr == 0 {
			return nil
		}
	}
	if err := c.host.ChunkMapSetRange(addr, superslabShift+class); err != nil {
		// The block is unusable without metadata; push it back rather
		// than leak it silently.
		_ = c.host.PushLargeStack(addr, class)
		return nil
	}
	return c.Translate(addr)
}

func (c *Child) allocSmall(n uintptr) unsafe.Pointer {
	n = alignUp(n, smallAlign)
	c.allocMu.Lock()
	defer c.allocMu.Unlock()
	if c.slabHost == 0 || c.slabOff+n > SuperslabSize {
		addr, err := c.host.PopLargeStack(0)
		if err != nil {
			return nil
		}
		if addr == 0 {
			addr, err = c.host.Reserve(0)
			if err != nil || addr == 0 {
				return nil
			}
		}
		if err := c.host.ChunkMapSet(addr, pagemapSlab); err != nil {
			// Without its metadata the slab is unusable; hand it back
			// instead of leaking the address space.
			_ = c.host.PushLargeStack(addr, 0)
			return nil
		}
		c.slabHost = addr
		c.slabOff = 0
	}
	addr := c.slabHost + c.slabOff
	c.slabOff += n
	return c.Translate(addr)
}

// Free returns memory obtained from Alloc. Large blocks go back to the
// host's free list; small allocations are retained by their slab.
func (c *Child) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	hostAddr := c.ToHost(p)
	if hostAddr == 0 {
		return
	}
	entry := c.mirror.get(hostAddr)
	if entry < superslabShift {
		// A slab byte or no metadata: nothing to reclaim individually.
		return
	}
	class := entry - superslabShift
	if err := c.host.ChunkMapClearRange(hostAddr, entry); err != nil {
		internalLogger.warnf("clearing pagemap range failed: %s", err.Error())
		return
	}
	if err := c.host.PushLargeStack(hostAddr, class); err != nil {
		internalLogger.warnf("push large stack failed: %s", err.Error())
	}
}

// SizeOf reports the allocation size recorded in the pagemap mirror for a
// pointer from Alloc, or 0 when the mirror has no entry for it.
func (c *Child) SizeOf(p unsafe.Pointer) uintptr {
	hostAddr := c.ToHost(p)
	if hostAddr == 0 {
		return 0
	}
	entry := c.mirror.get(hostAddr)
	if entry < superslabShift {
		return 0
	}
	return uintptr(1) << entry
}
