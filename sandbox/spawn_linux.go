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
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// The child finds every resource it needs at a fixed descriptor number.
// This table is load-bearing ABI between the supervisor and the child's
// bootstrap, not an implementation detail: the supervisor populates
// exec.Cmd.ExtraFiles in slot order (slot i lands on descriptor 3+i), and
// AttachChild reads the same constants. FdTableVersion is bumped on any
// reordering and checked by the child before it touches anything.
const (
	// FdTableVersion identifies this layout of the descriptor table.
	FdTableVersion = 1

	// FdSharedMemRegion is the shared heap arena, mapped read-write.
	FdSharedMemRegion = 3

	// FdPagemapPage is the pagemap mirror page, mapped read-only in
	// the child and written only by the host.
	FdPagemapPage = 4

	// FdControlSocket is reserved for future control messages
	// (descriptor passing). Created and passed, not yet spoken on.
	FdControlSocket = 5

	// FdMainLibrary is the library image the runner loads.
	FdMainLibrary = 6

	// FdPagemapUpdates is the metadata channel: host service requests
	// go out, responses come back.
	FdPagemapUpdates = 7

	// FdFirstLibraryDir is the first of the library search directory
	// descriptors, one per Config.LibraryDirs entry.
	FdFirstLibraryDir = 8
)

// ExitBootstrapFailure is the status a runner exits with when it cannot
// attach or load the library. The supervisor observes it as an ordinary
// child exit on the next liveness check.
const ExitBootstrapFailure = 125

const (
	envLocation = "SANDBOX_LOCATION"
	envFdTable  = "SANDBOX_FD_TABLE"
)

// locationToken encodes the host's base address and size of the shared
// region. The child cannot inherit heap data across exec, so the two
// values travel as a short textual token; the child uses them to compute
// absolute pointers despite mapping the region at a different address.
func locationToken(base uintptr, size uint64) string {
	return fmt.Sprintf("%s=%x:%x", envLocation, base, size)
}

func parseLocation() (base uintptr, size uint64, err error) {
	tok := os.Getenv(envLocation)
	if tok == "" {
		return 0, 0, fmt.Errorf("%s not set", envLocation)
	}
	parts := strings.SplitN(tok, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed %s token %q", envLocation, tok)
	}
	b, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed %s base: %w", envLocation, err)
	}
	s, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed %s size: %w", envLocation, err)
	}
	return uintptr(b), s, nil
}

func checkFdTableVersion() error {
	v := os.Getenv(envFdTable)
	if v != strconv.Itoa(FdTableVersion) {
		return fmt.Errorf("descriptor table version %q, want %d", v, FdTableVersion)
	}
	return nil
}

// spawn starts the runner with the fixed descriptor table and a minimal
// environment. The returned Cmd has been started; the caller owns the
// parent-side descriptors and reaps the process.
func spawn(conf *Config, libraryPath string, base uintptr, size uint64, heapFile, mirrorFile, controlChild, metaChild *os.File) (*exec.Cmd, error) {
	lib, err := os.Open(libraryPath)
	if err != nil {
		return nil, fmt.Errorf("open library image %s: %w", libraryPath, err)
	}
	defer lib.Close()

	var dirs []*os.File
	defer func() {
		for _, d := range dirs {
			_ = d.Close()
		}
	}()
	for _, dir := range conf.LibraryDirs {
		d, err := os.Open(dir)
		if err != nil {
			internalLogger.warnf("library dir %s unavailable: %s", dir, err.Error())
			continue
		}
		dirs = append(dirs, d)
	}

	cmd := exec.Command(conf.RunnerPath)
	// Slot order is the descriptor contract; see the Fd* constants.
	cmd.ExtraFiles = []*os.File{heapFile, mirrorFile, controlChild, lib, metaChild}
	cmd.ExtraFiles = append(cmd.ExtraFiles, dirs...)

	// Only the location token, the table version and whatever the
	// caller explicitly asked for. No ambient environment leaks into
	// the sandbox.
	cmd.Env = append([]string{
		locationToken(base, size),
		fmt.Sprintf("%s=%d", envFdTable, FdTableVersion),
	}, conf.RunnerEnv...)

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// Own process group for clean teardown; kernel-delivered SIGKILL
	// if the supervisor dies first.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn runner %s: %w", conf.RunnerPath, err)
	}
	return cmd, nil
}
