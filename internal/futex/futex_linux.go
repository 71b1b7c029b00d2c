//go:build linux

// Package futex implements cross-process wait/wake on a 32-bit word that
// lives in memory shared between otherwise unrelated processes.
//
// The kernel keys non-private futexes by the backing page, so two processes
// that map the same shared memory object at different virtual addresses
// still wake each other. This is the property that rules out in-process
// primitives (sync.Cond, channels) for the sandbox handshake.
package futex

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operation codes from the Linux ABI (<linux/futex.h>); x/sys/unix
// does not export them.
const (
	futexWait = 0
	futexWake = 1
)

// Wait blocks until the word at addr no longer holds val, the timeout
// expires, or a spurious wakeup occurs. A zero timeout means wait forever.
// Returns false only when the wait timed out.
func Wait(addr *uint32, val uint32, timeout time.Duration) (bool, error) {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWait),
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return true, nil
	case unix.ETIMEDOUT:
		return false, nil
	default:
		return false, errno
	}
}

// WakeAll wakes every waiter blocked on the word at addr.
func WakeAll(addr *uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWake),
		uintptr(^uint32(0)>>1),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
