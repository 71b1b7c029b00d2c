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

	"github.com/heptiolabs/healthcheck"
)

// HealthHandler returns an HTTP health handler wired to the pagemap
// service: liveness fails once the background loop has exited (which in
// this design only happens when the isolation machinery itself failed).
func (s *PagemapService) HealthHandler() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("pagemap-service-loop", func() error {
		if s.loopExited.Load() {
			return errors.New("pagemap service loop exited")
		}
		return nil
	})
	h.AddReadinessCheck("pagemap-service", func() error {
		if s.loopExited.Load() {
			return errors.New("pagemap service loop exited")
		}
		return nil
	})
	return h
}
