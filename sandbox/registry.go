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
	"errors"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Registry tracks a set of Libraries sharing one pagemap service and
// tears them down together. Teardown runs in parallel: each child gets its
// grace period concurrently instead of back to back.
type Registry struct {
	svc  *PagemapService
	pool *ants.Pool

	mu   sync.Mutex
	libs map[*Library]struct{}
}

// NewRegistry creates a registry over the given service (nil means the
// process-wide DefaultService).
func NewRegistry(svc *PagemapService) (*Registry, error) {
	if svc == nil {
		svc = DefaultService()
	}
	pool, err := ants.NewPool(8, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	return &Registry{
		svc:  svc,
		pool: pool,
		libs: make(map[*Library]struct{}),
	}, nil
}

// Open creates a Library through the registry. The configuration's
// Service field is overridden with the registry's service.
func (r *Registry) Open(libraryPath string, conf *Config) (*Library, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	conf.Service = r.svc
	l, err := NewLibrary(libraryPath, conf)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.libs[l] = struct{}{}
	r.mu.Unlock()
	return l, nil
}

// Forget drops a Library from the registry without closing it. Called by
// embedders that hand ownership elsewhere.
func (r *Registry) Forget(l *Library) {
	r.mu.Lock()
	delete(r.libs, l)
	r.mu.Unlock()
}

// CloseAll closes every registered Library concurrently and returns the
// combined errors.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	libs := make([]*Library, 0, len(r.libs))
	for l := range r.libs {
		libs = append(libs, l)
	}
	r.libs = make(map[*Library]struct{})
	r.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, l := range libs {
		l := l
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			if err := l.Close(); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}); err != nil {
			// Pool refused the task; close inline rather than leak the
			// sandbox.
			wg.Done()
			if cerr := l.Close(); cerr != nil {
				errMu.Lock()
				errs = append(errs, cerr)
				errMu.Unlock()
			}
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close closes every Library and releases the worker pool.
func (r *Registry) Close() error {
	err := r.CloseAll()
	r.pool.Release()
	return err
}
