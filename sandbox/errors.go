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

import "errors"

var (
	// ErrSandboxTerminated is returned by Send when the child process
	// exited without completing the call. It is never reported as a
	// successful return.
	ErrSandboxTerminated = errors.New("sandboxed library terminated abnormally")

	// ErrCallInProgress is returned by Send when another call is still
	// in flight. The call interface is synchronous and non-reentrant:
	// one in-flight call per sandbox.
	ErrCallInProgress = errors.New("a sandbox call is already in progress")

	// ErrSandboxClosed is returned by operations on a Library after
	// teardown has completed.
	ErrSandboxClosed = errors.New("sandbox has been closed")

	// ErrAllocTooLarge is returned by host service operations when a
	// request names an invalid size class.
	ErrAllocTooLarge = errors.New("size class out of range")

	// ErrRequestRejected is returned on the child side when the host
	// refused a metadata request (out-of-range address or malformed
	// arguments). The request had no effect; the sandbox may continue.
	ErrRequestRejected = errors.New("host rejected metadata request")

	// ErrShareMemoryHadNotLeftSpace is returned when /dev/shm does not
	// have enough free space for the requested arena.
	ErrShareMemoryHadNotLeftSpace = errors.New("share memory had not left space")
)
