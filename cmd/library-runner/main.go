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

// library-runner is the default executable spawned inside a sandbox. It
// attaches to the shared regions, loads the library image from the fixed
// descriptor table and serves the call loop until the host asks it to
// exit.
//
// The library must be a Go plugin exporting its vtable as
//
//	var SandboxExports = []sandbox.CallHandler{...}
//
// Entry i of the slice serves calls sent with index i.
package main

import (
	"fmt"
	"os"
	"plugin"

	"github.com/srediag/libsandbox/sandbox"
)

func main() {
	c, err := sandbox.AttachChild()
	if err != nil {
		fmt.Fprintf(os.Stderr, "library-runner: attach: %v\n", err)
		os.Exit(sandbox.ExitBootstrapFailure)
	}

	// The image arrives as an open descriptor, never as a path the
	// sandbox could substitute.
	p, err := plugin.Open(fmt.Sprintf("/proc/self/fd/%d", sandbox.FdMainLibrary))
	if err != nil {
		fmt.Fprintf(os.Stderr, "library-runner: load library: %v\n", err)
		os.Exit(sandbox.ExitBootstrapFailure)
	}
	sym, err := p.Lookup("SandboxExports")
	if err != nil {
		fmt.Fprintf(os.Stderr, "library-runner: %v\n", err)
		os.Exit(sandbox.ExitBootstrapFailure)
	}
	vtable, ok := sym.(*[]sandbox.CallHandler)
	if !ok {
		fmt.Fprintf(os.Stderr, "library-runner: SandboxExports has type %T, want *[]sandbox.CallHandler\n", sym)
		os.Exit(sandbox.ExitBootstrapFailure)
	}

	if err := c.Serve(*vtable); err != nil {
		fmt.Fprintf(os.Stderr, "library-runner: serve: %v\n", err)
		os.Exit(1)
	}
}
