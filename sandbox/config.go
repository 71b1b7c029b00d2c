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
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MemMapType selects how the shared arena is backed.
type MemMapType uint8

const (
	// MemMapTypeDevShmFile backs the arena with a file under /dev/shm.
	MemMapTypeDevShmFile MemMapType = iota

	// MemMapTypeMemFd backs the arena with an anonymous memfd. This is
	// the default: nothing to unlink, and the object disappears with
	// its last descriptor.
	MemMapTypeMemFd
)

const (
	// mirrorPageSize is the size of the pagemap mirror page, one byte
	// per superslab unit. The arena base is page- not superslab-aligned,
	// so its span can straddle one extra superslab index; VerifyConfig
	// keeps a one-entry slack so the mirror window always covers the
	// whole arena.
	mirrorPageSize = 4096

	defaultArenaSize    = 1 << 30
	defaultPollInterval = 100 * time.Millisecond
)

// Config controls the construction of a sandboxed Library.
type Config struct {
	// ArenaSize is the size of the shared heap region in bytes,
	// header included.
	ArenaSize uint64

	// MemMapType selects the backing for the arena and mirror page.
	MemMapType MemMapType

	// RunnerPath is the executable spawned as the sandboxed process.
	// It must attach with AttachChild and serve the call loop; see
	// cmd/library-runner.
	RunnerPath string

	// RunnerEnv is appended to the minimal environment the child
	// receives. The supervisor never passes its own environment
	// through.
	RunnerEnv []string

	// LibraryDirs are the directories handed to the child as open
	// descriptors for resolving the library's dependencies.
	LibraryDirs []string

	// SendPollInterval is how often Send wakes from the handshake wait
	// to check whether the child died mid-call.
	SendPollInterval time.Duration

	// Service receives this sandbox's metadata registration. Nil means
	// the process-wide DefaultService.
	Service *PagemapService

	// Meter and Tracer enable OpenTelemetry instrumentation of the
	// call path when non-nil.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns the production defaults: a 1 GiB memfd-backed
// arena and the conventional library search path.
func DefaultConfig() *Config {
	return &Config{
		ArenaSize:        defaultArenaSize,
		MemMapType:       MemMapTypeMemFd,
		LibraryDirs:      []string{"/lib", "/usr/lib", "/usr/local/lib"},
		SendPollInterval: defaultPollInterval,
	}
}

// VerifyConfig checks a configuration before any resources are created.
func VerifyConfig(c *Config) error {
	if c.ArenaSize < 2*SuperslabSize {
		return fmt.Errorf("arena size %d too small, need at least %d", c.ArenaSize, 2*SuperslabSize)
	}
	if c.ArenaSize > uint64(mirrorPageSize-1)<<superslabShift {
		return fmt.Errorf("arena size %d exceeds what one mirror page covers", c.ArenaSize)
	}
	if c.ArenaSize%mirrorPageSize != 0 {
		return fmt.Errorf("arena size %d is not page aligned", c.ArenaSize)
	}
	if c.RunnerPath == "" {
		return fmt.Errorf("runner path is required")
	}
	if c.SendPollInterval <= 0 {
		return fmt.Errorf("send poll interval must be positive")
	}
	return nil
}
