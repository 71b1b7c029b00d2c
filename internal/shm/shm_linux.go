//go:build linux

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// NewRegion creates a shared memory object of the given size and maps it
// read-write. The name is advisory for memfd regions and becomes the file
// name under /dev/shm otherwise.
func NewRegion(name string, size int, typ MemMapType) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid region size %d", size)
	}
	switch typ {
	case MemMapTypeMemFd:
		fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
		if err != nil {
			return nil, fmt.Errorf("shm: memfd_create %s: %w", name, err)
		}
		f := os.NewFile(uintptr(fd), name)
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("shm: truncate memfd to %d: %w", size, err)
		}
		mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("shm: mmap memfd: %w", err)
		}
		return &Region{Mem: mem, File: f, Type: typ}, nil

	case MemMapTypeDevShmFile:
		path := filepath.Join("/dev/shm", name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("shm: open %s: %w", path, err)
		}
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("shm: truncate %s to %d: %w", path, size, err)
		}
		mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
		}
		return &Region{Mem: mem, File: f, Type: typ, path: path}, nil

	default:
		return nil, fmt.Errorf("shm: unknown map type %d", typ)
	}
}

// MapFd maps an existing shared memory object, typically one received over
// the fixed descriptor table in the child process. prot is a unix.PROT_*
// combination; the mirror page is mapped read-only in the child.
func MapFd(fd int, size int, prot int) ([]byte, error) {
	mem, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap fd %d: %w", fd, err)
	}
	return mem, nil
}

// Unmap releases a mapping created with MapFd.
func Unmap(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

// SealReadOnly downgrades the backing descriptor so that a process
// receiving it cannot create a writable mapping or resize the object.
// The host's existing read-write mapping is unaffected. Must be called
// after the host mapping is established and before the descriptor is
// handed to an untrusted process.
func (r *Region) SealReadOnly() error {
	switch r.Type {
	case MemMapTypeMemFd:
		seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_FUTURE_WRITE | unix.F_SEAL_SEAL
		if _, err := unix.FcntlInt(r.File.Fd(), unix.F_ADD_SEALS, seals); err != nil {
			return fmt.Errorf("shm: sealing memfd: %w", err)
		}
		return nil

	case MemMapTypeDevShmFile:
		ro, err := os.OpenFile(r.path, os.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("shm: reopening %s read-only: %w", r.path, err)
		}
		_ = r.File.Close()
		r.File = ro
		return nil

	default:
		return fmt.Errorf("shm: unknown map type %d", r.Type)
	}
}

// Close unmaps the region and releases its backing object.
func (r *Region) Close() error {
	var first error
	if r.Mem != nil {
		if err := unix.Munmap(r.Mem); err != nil && first == nil {
			first = err
		}
		r.Mem = nil
	}
	if r.File != nil {
		if err := r.File.Close(); err != nil && first == nil {
			first = err
		}
		r.File = nil
	}
	if r.path != "" {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
		r.path = ""
	}
	return first
}

// Size reports the length of the host mapping.
func (r *Region) Size() int {
	return len(r.Mem)
}
