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
	"os"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The end-to-end tests spawn a real sandboxed process by re-executing the
// test binary: TestMain detects the marker variable and plays the child
// side instead of running tests.
const testChildEnv = "LIBSANDBOX_TEST_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(testChildEnv) == "1" {
		runTestChild()
	}
	os.Exit(m.Run())
}

const (
	callEcho = iota
	callChildAlloc
	callDieLoudly
	callSleep
)

func runTestChild() {
	c, err := AttachChild()
	if err != nil {
		os.Exit(ExitBootstrapFailure)
	}
	vtable := []CallHandler{
		callEcho: func(c *Child, args unsafe.Pointer) {
			if args == nil {
				return
			}
			b := c.Bytes(args, 8)
			for i := range b {
				b[i]++
			}
		},
		callChildAlloc: func(c *Child, args unsafe.Pointer) {
			// Walk the allocation protocol from inside the sandbox and
			// report the outcome through the argument byte.
			out := c.Bytes(args, 1)
			p := c.Alloc(64)
			if p == nil {
				out[0] = 0
				return
			}
			c.Bytes(p, 1)[0] = 0x5a
			c.Free(p)
			out[0] = 1
		},
		callDieLoudly: func(c *Child, args unsafe.Pointer) {
			os.Exit(3)
		},
		callSleep: func(c *Child, args unsafe.Pointer) {
			time.Sleep(300 * time.Millisecond)
		},
	}
	if err := c.Serve(vtable); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	svc, err := NewPagemapService()
	require.NoError(t, err)

	conf := DefaultConfig()
	conf.ArenaSize = 4 * SuperslabSize
	conf.RunnerPath = exe
	conf.RunnerEnv = []string{testChildEnv + "=1"}
	conf.LibraryDirs = nil
	conf.SendPollInterval = 20 * time.Millisecond
	conf.Service = svc
	return conf
}

func openTestLibrary(t *testing.T) *Library {
	t.Helper()
	conf := testConfig(t)
	// The child never loads the image; the test binary stands in for it.
	l, err := NewLibrary(conf.RunnerPath, conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSandboxEcho(t *testing.T) {
	l := openTestLibrary(t)

	p := l.AllocInSandbox(8, 1)
	require.NotNil(t, p)
	b := l.Bytes(p, 8)
	for i := range b {
		b[i] = byte(i)
	}

	require.NoError(t, l.Send(callEcho, p))
	for i := range b {
		assert.Equal(t, byte(i+1), b[i])
	}

	// Calls are repeatable over the same frame.
	require.NoError(t, l.Send(callEcho, p))
	for i := range b {
		assert.Equal(t, byte(i+2), b[i])
	}
	l.DeallocInSandbox(p)
}

func TestSandboxChildAllocates(t *testing.T) {
	l := openTestLibrary(t)

	p := l.AllocInSandbox(1, 1)
	require.NotNil(t, p)
	l.Bytes(p, 1)[0] = 0xff

	require.NoError(t, l.Send(callChildAlloc, p))
	assert.Equal(t, byte(1), l.Bytes(p, 1)[0], "child-side allocation failed")
}

func TestSandboxTerminationMidCall(t *testing.T) {
	l := openTestLibrary(t)

	err := l.Send(callDieLoudly, nil)
	assert.ErrorIs(t, err, ErrSandboxTerminated)
	assert.True(t, l.HasExited())

	status, ok := l.ExitStatus()
	assert.True(t, ok)
	assert.Equal(t, 3, status)
	assert.Equal(t, 3, l.WaitForExit())

	// The handle is unusable after the child died and teardown ran.
	assert.ErrorIs(t, l.Send(callEcho, nil), ErrSandboxClosed)
}

func TestSandboxSingleCallInFlight(t *testing.T) {
	l := openTestLibrary(t)

	done := make(chan error, 1)
	go func() { done <- l.Send(callSleep, nil) }()

	// Let the first call reach the child before contending.
	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, l.Send(callEcho, nil), ErrCallInProgress)

	assert.NoError(t, <-done)
}

func TestSandboxRejectsForeignArgPointer(t *testing.T) {
	l := openTestLibrary(t)

	var local [8]byte
	assert.Error(t, l.Send(callEcho, unsafe.Pointer(&local[0])))
}

func TestSandboxCleanShutdown(t *testing.T) {
	conf := testConfig(t)
	l, err := NewLibrary(conf.RunnerPath, conf)
	require.NoError(t, err)

	require.NoError(t, l.Send(callEcho, nil))
	assert.Equal(t, 0, l.WaitForExit())
	assert.NoError(t, l.Close())
	assert.ErrorIs(t, l.Send(callEcho, nil), ErrSandboxClosed)
}

func TestRegistryCloseAll(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	defer r.Close()

	conf1 := testConfig(t)
	conf2 := testConfig(t)
	l1, err := r.Open(conf1.RunnerPath, conf1)
	require.NoError(t, err)
	l2, err := r.Open(conf2.RunnerPath, conf2)
	require.NoError(t, err)

	require.NoError(t, l1.Send(callEcho, nil))
	require.NoError(t, l2.Send(callEcho, nil))

	assert.NoError(t, r.CloseAll())
	assert.ErrorIs(t, l1.Send(callEcho, nil), ErrSandboxClosed)
	assert.ErrorIs(t, l2.Send(callEcho, nil), ErrSandboxClosed)
}
