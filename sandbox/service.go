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
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/srediag/libsandbox/internal/poller"
)

// sandboxEntry is the metadata the service keeps per registered sandbox,
// keyed by the descriptor its update requests arrive on. Created on
// register, destroyed when the channel reports end-of-stream.
type sandboxEntry struct {
	arena  *arena
	mirror *mirror
}

// PagemapService owns the host's authoritative pagemap and applies update
// requests from every active sandbox. One background goroutine multiplexes
// all metadata channels, so request handling is serialized and neither the
// pagemap nor any mirror needs a lock beyond the entry-table mutex.
//
// A process normally runs exactly one service (DefaultService), created
// lazily and never shut down. Tests and embedders that want explicit
// ownership can run their own instance and hand it to supervisors through
// Config.Service.
type PagemapService struct {
	pm     *pagemap
	poller *poller.Poller

	mu        sync.Mutex
	sandboxes map[int]*sandboxEntry

	loopExited atomic.Bool
}

var (
	defaultService     *PagemapService
	defaultServiceOnce sync.Once
)

// DefaultService returns the process-wide pagemap service, creating it on
// first use. It lives for the rest of the process.
func DefaultService() *PagemapService {
	defaultServiceOnce.Do(func() {
		s, err := NewPagemapService()
		if err != nil {
			fatalf("creating default pagemap service: %v", err)
		}
		defaultService = s
	})
	return defaultService
}

// NewPagemapService creates a service and starts its background loop.
func NewPagemapService() (*PagemapService, error) {
	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("pagemap service: %w", err)
	}
	s := &PagemapService{
		pm:        newPagemap(),
		poller:    p,
		sandboxes: make(map[int]*sandboxEntry),
	}
	go s.run()
	return s, nil
}

// register adds a sandbox: its arena (which defines the address range all
// its requests are validated against), the channel its requests arrive
// on, and the mirror page to propagate accepted updates into. Safe to
// call from any goroutine; there is no ordering requirement against other
// registrations.
func (s *PagemapService) register(a *arena, fd int, m *mirror) {
	s.mu.Lock()
	s.sandboxes[fd] = &sandboxEntry{arena: a, mirror: m}
	s.mu.Unlock()
	s.poller.Add(fd)
	activeSandboxes.Inc()
	internalLogger.infof("registered sandbox on channel %d, range %#x-%#x", fd, a.rng.start, a.rng.end)
}

func (s *PagemapService) lookup(fd int) *sandboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandboxes[fd]
}

// remove drops the entry for a departed sandbox and stops watching its
// channel. The descriptor itself stays open: it belongs to the Library
// that registered it, and keeping it open until that Library's teardown
// stops the kernel from recycling the number into a new registration that
// a stale remove could then alias. The mirror page is simply abandoned;
// the Library unmaps it during teardown.
func (s *PagemapService) remove(fd int) {
	s.mu.Lock()
	_, known := s.sandboxes[fd]
	delete(s.sandboxes, fd)
	s.mu.Unlock()
	if !known {
		return
	}
	s.poller.Remove(fd)
	activeSandboxes.Dec()
	internalLogger.infof("sandbox on channel %d departed", fd)
}

// run is the service loop: wait for a ready channel, read exactly one
// request, validate, apply, respond. A failure of the poll primitive or a
// torn read is fatal to the host; it cannot distinguish sandbox hostility
// from protocol corruption, and recovery from either is undefined.
func (s *PagemapService) run() {
	defer s.loopExited.Store(true)
	for {
		ev, err := s.poller.Wait()
		if err != nil {
			fatalf("waiting for pagemap updates failed: %v", err)
		}
		if ev.EOF {
			s.remove(ev.Fd)
			continue
		}
		s.handle(ev.Fd)
	}
}

func (s *PagemapService) handle(fd int) {
	var buf [requestSize]byte
	n, eof, err := readFull(fd, buf[:])
	if eof {
		s.remove(fd)
		return
	}
	if err == unix.EBADF {
		// The owning Library closed the channel between readiness and
		// this read. Its teardown already deregistered; just drop it.
		s.remove(fd)
		return
	}
	if err != nil || n != requestSize {
		fatalf("read from host service channel %d failed: n=%d err=%v", fd, n, err)
	}
	req := decodeRequest(buf[:])

	entry := s.lookup(fd)
	if entry == nil {
		// Raced with removal: the peer is already gone, so there is
		// nobody to respond to. Drop the request but record it.
		droppedResponses.Inc()
		internalLogger.debugf("dropping %s request on removed channel %d", req.Kind, fd)
		return
	}

	resp := s.dispatch(entry, req)
	countRequest(req.Kind, resp.Err)
	if err := writeResponse(fd, resp); err != nil {
		// The peer vanished between read and write; the next poll
		// iteration observes the EOF and removes the entry.
		internalLogger.warnf("writing response on channel %d: %s", fd, err.Error())
	}
}

// dispatch validates one request against the sandbox's address range and
// applies it. Any validation failure returns the error response with no
// mutation performed: rejected requests are inert, never partially
// applied.
func (s *PagemapService) dispatch(e *sandboxEntry, req hostRequest) hostResponse {
	fail := hostResponse{Err: true}
	switch req.Kind {
	case kindPushLargeStack:
		if !isLargeClass(req.Arg1) {
			return fail
		}
		c := uint8(req.Arg1)
		base := uintptr(req.Arg0)
		if !e.arena.contains(base, largeClassToSize(c)) {
			return fail
		}
		e.arena.pushLarge(c, base)
		return hostResponse{}

	case kindPopLargeStack:
		if !isLargeClass(req.Arg1) {
			return fail
		}
		return hostResponse{Value: uint64(e.arena.popLarge(uint8(req.Arg1)))}

	case kindReserve:
		if !isLargeClass(req.Arg1) {
			return fail
		}
		return hostResponse{Value: uint64(e.arena.reserveLarge(uint8(req.Arg1)))}

	case kindChunkMapSet, kindChunkMapSetRange, kindChunkMapClearRange:
		if !s.validateAndInsert(e, req) {
			return fail
		}
		return hostResponse{}
	}
	return fail
}

// validateAndInsert checks that the span named by a ChunkMap request lies
// inside the requesting sandbox's range, applies it to the authoritative
// pagemap, and copies the affected entries into the sandbox's mirror page
// so mirror and authority never diverge for addresses the sandbox is
// entitled to see.
func (s *PagemapService) validateAndInsert(e *sandboxEntry, req hostRequest) bool {
	addr := uintptr(req.Arg0)
	switch req.Kind {
	case kindChunkMapSet:
		if !e.arena.contains(addr, SuperslabSize) {
			return false
		}
		s.pm.set(addr, byte(req.Arg1))
		e.mirror.sync(s.pm, addr, SuperslabSize)
		return true

	case kindChunkMapSetRange, kindChunkMapClearRange:
		// Arg1 is log2 of the byte size; bound it before shifting.
		if req.Arg1 < superslabShift || req.Arg1 >= superslabShift+numLargeClasses {
			return false
		}
		size := uintptr(1) << req.Arg1
		if !e.arena.contains(addr, size) {
			return false
		}
		if req.Kind == kindChunkMapSetRange {
			s.pm.setRange(addr, size, byte(req.Arg1))
		} else {
			s.pm.clearRange(addr, size)
		}
		e.mirror.sync(s.pm, addr, size)
		return true
	}
	return false
}
