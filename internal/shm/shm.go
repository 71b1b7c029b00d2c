// Package shm provides the shared memory mappings that back a sandbox:
// the heap arena and the pagemap mirror page. A region is created and
// mapped by the host, and its backing descriptor is handed to the child,
// which maps the same object at whatever address its own linker picked.
package shm

import "os"

// MemMapType selects how the backing object for a region is created.
type MemMapType int

const (
	// MemMapTypeDevShmFile backs the region with a file under /dev/shm.
	// The file is unlinked when the region is closed.
	MemMapTypeDevShmFile MemMapType = iota

	// MemMapTypeMemFd backs the region with an anonymous memfd. Nothing
	// to unlink, and the object disappears with its last descriptor.
	MemMapTypeMemFd
)

// Region is a host-side view of a shared memory object.
type Region struct {
	// Mem is the host mapping of the whole object.
	Mem []byte

	// File owns the backing descriptor. It is what gets passed to the
	// child process, which performs its own mapping.
	File *os.File

	// Type records how the backing object was created.
	Type MemMapType

	path string
}
