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
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/srediag/libsandbox/internal/shm"
)

var librarySeq atomic.Uint64

// Library is the host-side handle for one sandboxed native library: the
// shared arena it runs in, the child process serving its calls, and the
// registration with the pagemap service. Calls are synchronous and
// non-reentrant; use one Library per concurrent caller.
type Library struct {
	conf *Config
	svc  *PagemapService

	heap       *shm.Region
	mirrorPage *shm.Region
	region     *region
	arena      *arena
	mirror     *mirror

	metaFd      int
	controlHost *os.File

	cmd *exec.Cmd
	pid int

	inFlight   atomic.Bool
	exitCh     chan struct{}
	exitStatus int

	closed       atomic.Bool
	teardownOnce sync.Once

	tracer      trace.Tracer
	callCounter metric.Int64Counter
}

func (t MemMapType) shmType() shm.MemMapType {
	if t == MemMapTypeDevShmFile {
		return shm.MemMapTypeDevShmFile
	}
	return shm.MemMapTypeMemFd
}

// NewLibrary creates the shared arena and mirror page, registers them with
// the pagemap service, and spawns the runner with the library image. The
// child may still be bootstrapping when NewLibrary returns; the first Send
// synchronizes with it through the handshake.
func NewLibrary(libraryPath string, conf *Config) (*Library, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	if !pathExists(libraryPath) {
		return nil, fmt.Errorf("library image %s does not exist", libraryPath)
	}

	seq := librarySeq.Add(1)
	heapName := fmt.Sprintf("libsandbox.heap.%d.%d", os.Getpid(), seq)
	mirrorName := fmt.Sprintf("libsandbox.pagemap.%d.%d", os.Getpid(), seq)

	if conf.MemMapType == MemMapTypeDevShmFile &&
		!canCreateOnDevShm(conf.ArenaSize+mirrorPageSize, "/dev/shm/"+heapName) {
		return nil, ErrShareMemoryHadNotLeftSpace
	}

	heap, err := shm.NewRegion(heapName, int(conf.ArenaSize), conf.MemMapType.shmType())
	if err != nil {
		return nil, err
	}
	mirrorPage, err := shm.NewRegion(mirrorName, mirrorPageSize, conf.MemMapType.shmType())
	if err != nil {
		_ = heap.Close()
		return nil, err
	}

	// The mirror is host-writable only; the child must not be able to
	// remap the descriptor it inherits as writable.
	if err := mirrorPage.SealReadOnly(); err != nil {
		_ = heap.Close()
		_ = mirrorPage.Close()
		return nil, err
	}

	base := uintptr(unsafe.Pointer(&heap.Mem[0]))
	rng := addressRange{start: base, end: base + uintptr(conf.ArenaSize)}

	reg := &region{mem: heap.Mem}
	reg.initHeader(rng.start, rng.end)

	m := newMirror(mirrorPage.Mem, rng.start)

	svc := conf.Service
	if svc == nil {
		svc = DefaultService()
	}
	ar := newArena(rng, heapOffset, &pagemapAdaptor{pm: svc.pm, mirror: m})

	l := &Library{
		conf:       conf,
		svc:        svc,
		heap:       heap,
		mirrorPage: mirrorPage,
		region:     reg,
		arena:      ar,
		mirror:     m,
		exitCh:     make(chan struct{}),
		tracer:     conf.Tracer,
	}
	if conf.Meter != nil {
		l.callCounter, err = conf.Meter.Int64Counter("libsandbox.calls")
		if err != nil {
			internalLogger.warnf("creating call counter: %s", err.Error())
		}
	}

	// The metadata channel is SEQPACKET so the fixed-size messages keep
	// their boundaries; the reserved control channel is a plain stream.
	metaFds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		l.releaseRegions()
		return nil, fmt.Errorf("metadata socketpair: %w", err)
	}
	controlFds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		unix.Close(metaFds[0])
		unix.Close(metaFds[1])
		l.releaseRegions()
		return nil, fmt.Errorf("control socketpair: %w", err)
	}
	l.metaFd = metaFds[0]
	l.controlHost = os.NewFile(uintptr(controlFds[0]), "sandbox-control")
	metaChild := os.NewFile(uintptr(metaFds[1]), "sandbox-meta")
	controlChild := os.NewFile(uintptr(controlFds[1]), "sandbox-control")

	// Register before spawn: the child may issue metadata requests the
	// moment it attaches.
	svc.register(ar, l.metaFd, m)

	cmd, err := spawn(conf, libraryPath, rng.start, conf.ArenaSize,
		heap.File, mirrorPage.File, controlChild, metaChild)
	_ = metaChild.Close()
	_ = controlChild.Close()
	if err != nil {
		svc.remove(l.metaFd)
		unix.Close(l.metaFd)
		_ = l.controlHost.Close()
		l.releaseRegions()
		return nil, err
	}
	l.cmd = cmd
	l.pid = cmd.Process.Pid

	go l.reap()

	internalLogger.infof("sandbox %d started for %s, arena %#x-%#x",
		l.pid, libraryPath, rng.start, rng.end)
	return l, nil
}

func (l *Library) releaseRegions() {
	_ = l.heap.Close()
	_ = l.mirrorPage.Close()
}

// reap waits for the child and publishes its exit. Closing exitCh is the
// only exit broadcast; everything else derives liveness from it.
func (l *Library) reap() {
	err := l.cmd.Wait()
	l.exitStatus = l.cmd.ProcessState.ExitCode()
	if err != nil {
		internalLogger.debugf("sandbox %d exited: %s", l.pid, err.Error())
	}
	close(l.exitCh)
}

// HasExited reports whether the child process has exited. It does not
// block.
func (l *Library) HasExited() bool {
	select {
	case <-l.exitCh:
		return true
	default:
		return false
	}
}

// ExitStatus returns the child's exit code once it has exited.
func (l *Library) ExitStatus() (int, bool) {
	if !l.HasExited() {
		return 0, false
	}
	return l.exitStatus, true
}

// Send invokes the function at the given vtable index in the sandbox,
// passing the argument frame (which must have been allocated in this
// sandbox's arena, or be nil), and blocks until the call returns or the
// child dies. At most one call may be in flight per Library.
func (l *Library) Send(index int, args unsafe.Pointer) error {
	if l.closed.Load() {
		return ErrSandboxClosed
	}
	if l.HasExited() {
		return ErrSandboxTerminated
	}
	addr := uintptr(args)
	if addr != 0 && !l.arena.contains(addr, 1) {
		return fmt.Errorf("argument frame %#x is outside the sandbox arena", addr)
	}
	if !l.inFlight.CompareAndSwap(false, true) {
		return ErrCallInProgress
	}
	defer l.inFlight.Store(false)

	callsInFlight.Inc()
	defer callsInFlight.Dec()
	if l.tracer != nil {
		_, span := l.tracer.Start(context.Background(), "sandbox.Send",
			trace.WithAttributes(attribute.Int("call.index", index)))
		defer span.End()
	}
	if l.callCounter != nil {
		l.callCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.Int("call.index", index)))
	}

	l.region.setCall(index, addr)
	l.region.signal(true)

	// Wake periodically to notice a child that died mid-call; the exit
	// of the child never flips the flag back.
	for {
		done, err := l.region.waitTimeout(false, l.conf.SendPollInterval)
		if err != nil {
			fatalf("waiting for sandbox %d call return: %v", l.pid, err)
		}
		if done {
			return nil
		}
		if l.HasExited() {
			// The child may have completed the call and exited before
			// this poll; only an unfinished call is a failure.
			if !l.region.childExecuting() {
				return nil
			}
			return ErrSandboxTerminated
		}
	}
}

// AllocInSandbox allocates count*size bytes inside the sandbox's arena.
// Returns nil on overflow or arena exhaustion. The memory is visible to
// both processes at the same address.
func (l *Library) AllocInSandbox(count, size uintptr) unsafe.Pointer {
	if l.closed.Load() {
		return nil
	}
	total, overflow := mulOverflows(count, size)
	if overflow || total == 0 {
		return nil
	}
	addr := l.arena.alloc(total)
	if addr == 0 {
		return nil
	}
	return unsafe.Pointer(addr)
}

// DeallocInSandbox returns memory obtained from AllocInSandbox.
func (l *Library) DeallocInSandbox(p unsafe.Pointer) {
	if p == nil || l.closed.Load() {
		return
	}
	l.arena.free(uintptr(p))
}

// Bytes exposes n bytes of arena memory as a slice. The pointer must come
// from AllocInSandbox and n must not exceed the allocation.
func (l *Library) Bytes(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

const (
	exitGracePeriod = 500 * time.Millisecond
	exitTermPeriod  = 2 * time.Second
)

// WaitForExit asks the child to exit and blocks until it has. Escalates
// from the cooperative exit flag to SIGTERM and finally SIGKILL on the
// child's process group, so a wedged or hostile child cannot stall
// teardown forever. Returns the child's exit code.
func (l *Library) WaitForExit() int {
	if !l.HasExited() {
		l.region.setShouldExit()
		l.region.signal(true)

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 10 * time.Millisecond
		bo.MaxInterval = 200 * time.Millisecond
		bo.MaxElapsedTime = 0

		start := time.Now()
		termSent, killSent := false, false
	waitLoop:
		for {
			select {
			case <-l.exitCh:
				break waitLoop
			case <-time.After(bo.NextBackOff()):
			}
			switch elapsed := time.Since(start); {
			case !termSent && elapsed > exitGracePeriod:
				internalLogger.warnf("sandbox %d ignored exit request, sending SIGTERM", l.pid)
				_ = unix.Kill(-l.pid, unix.SIGTERM)
				termSent = true
			case !killSent && elapsed > exitTermPeriod:
				internalLogger.warnf("sandbox %d survived SIGTERM, sending SIGKILL", l.pid)
				_ = unix.Kill(-l.pid, unix.SIGKILL)
				killSent = true
			case killSent:
				// SIGKILL cannot be ignored; the reaper will fire.
				<-l.exitCh
				break waitLoop
			}
		}
	}
	l.teardown()
	return l.exitStatus
}

// Close tears the sandbox down: the child is asked to exit (and killed if
// it refuses), the service registration is dropped and the shared regions
// are unmapped. Safe to call more than once.
func (l *Library) Close() error {
	if l.closed.Load() {
		return nil
	}
	l.WaitForExit()
	return nil
}

func (l *Library) teardown() {
	l.teardownOnce.Do(func() {
		l.closed.Store(true)
		// Drop the service entry before the mappings go away; the EOF
		// path does the same removal when the child exits first. The
		// channel descriptor is ours to close, and only after the
		// deregistration, so its number cannot be recycled into a
		// registration this teardown would then alias.
		l.svc.remove(l.metaFd)
		if err := unix.Close(l.metaFd); err != nil {
			internalLogger.warnf("closing metadata channel %d: %s", l.metaFd, err.Error())
		}
		if l.controlHost != nil {
			_ = l.controlHost.Close()
		}
		l.releaseRegions()
		internalLogger.infof("sandbox %d torn down, exit status %d", l.pid, l.exitStatus)
	})
}
