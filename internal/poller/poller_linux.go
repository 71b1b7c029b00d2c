//go:build linux

// Package poller multiplexes readiness over a dynamic set of descriptors
// with poll(2). Registration may happen from any goroutine; a self-pipe
// kicks the blocked poll so a freshly added descriptor is picked up
// immediately. poll is the lowest-common-denominator interface and is fine
// here: the set holds one descriptor per live sandbox.
package poller

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Event is one readiness report from Wait.
type Event struct {
	// Fd is the ready descriptor.
	Fd int

	// EOF is set when the remote end has gone away. The descriptor is
	// not removed automatically; the caller decides what teardown means.
	EOF bool
}

// Poller waits for readable descriptors.
type Poller struct {
	mu  sync.Mutex
	fds map[int]struct{}

	// Self-pipe used to interrupt poll after the descriptor set changes.
	wakeR, wakeW int

	// Ready events cached from the last poll call, handed out one at a
	// time so a burst doesn't force repeated poll syscalls.
	ready []Event
}

// New creates a Poller.
func New() (*Poller, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("poller: pipe: %w", err)
	}
	return &Poller{
		fds:   make(map[int]struct{}),
		wakeR: p[0],
		wakeW: p[1],
	}, nil
}

// Add registers a descriptor. Safe to call from any goroutine.
func (p *Poller) Add(fd int) {
	p.mu.Lock()
	p.fds[fd] = struct{}{}
	p.mu.Unlock()
	// Kick the poll loop so it rebuilds its descriptor vector.
	_, _ = unix.Write(p.wakeW, []byte{0})
}

// Remove drops a descriptor from the set. The caller still owns the fd.
// Events already cached for it are discarded before hand-out, so the
// caller may close the fd as soon as Remove returns.
func (p *Poller) Remove(fd int) {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
}

// Wait blocks until a registered descriptor is readable or its peer has
// closed. Only one goroutine may call Wait.
func (p *Poller) Wait() (Event, error) {
	for {
		if len(p.ready) > 0 {
			ev := p.ready[0]
			p.ready = p.ready[1:]
			// The descriptor may have been removed (and its number
			// recycled) after this event was cached; never hand out an
			// event for an fd no longer in the set.
			p.mu.Lock()
			_, registered := p.fds[ev.Fd]
			p.mu.Unlock()
			if !registered {
				continue
			}
			return ev, nil
		}

		pfds := []unix.PollFd{{Fd: int32(p.wakeR), Events: unix.POLLIN}}
		p.mu.Lock()
		for fd := range p.fds {
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
		p.mu.Unlock()

		n, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Event{}, fmt.Errorf("poller: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		for _, pfd := range pfds {
			if pfd.Revents == 0 {
				continue
			}
			// Drain the self-pipe; it only exists to interrupt poll.
			if int(pfd.Fd) == p.wakeR {
				var buf [8]byte
				_, _ = unix.Read(p.wakeR, buf[:])
				continue
			}
			p.ready = append(p.ready, Event{
				Fd:  int(pfd.Fd),
				EOF: pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 && pfd.Revents&unix.POLLIN == 0,
			})
		}
	}
}

// Close releases the self-pipe. Registered descriptors stay open; they
// belong to the caller.
func (p *Poller) Close() error {
	_ = unix.Close(p.wakeW)
	return unix.Close(p.wakeR)
}
