// Package sandbox loads an untrusted native library into a separate,
// privilege-restricted child process and gives that process a bounded
// shared-memory arena as its only heap. The trusted host invokes functions
// inside the sandbox through a call/return handshake in shared memory, and
// the two processes exchange bulk data through the arena instead of
// serialized IPC.
//
// The package contains both sides of the protocol. The host side is the
// Library supervisor plus the process-wide PagemapService that validates
// and applies allocator metadata updates from every live sandbox. The
// child side (AttachChild, Child.Serve) is what cmd/library-runner runs
// after the supervisor spawns it with the fixed descriptor table.
//
// Linux only.
package sandbox
