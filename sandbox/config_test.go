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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyConfig(t *testing.T) {
	valid := DefaultConfig()
	valid.RunnerPath = "/usr/bin/true"
	assert.NoError(t, VerifyConfig(valid))

	c := DefaultConfig()
	c.RunnerPath = "/usr/bin/true"
	c.ArenaSize = SuperslabSize
	assert.Error(t, VerifyConfig(c), "arena below two superslabs")

	// The mmap base is only page aligned, so the largest arena must
	// leave one mirror entry of slack for the straddled superslab.
	c = DefaultConfig()
	c.RunnerPath = "/usr/bin/true"
	c.ArenaSize = uint64(mirrorPageSize-1) << superslabShift
	assert.NoError(t, VerifyConfig(c), "largest coverable arena")

	c = DefaultConfig()
	c.RunnerPath = "/usr/bin/true"
	c.ArenaSize = uint64(mirrorPageSize) << superslabShift
	assert.Error(t, VerifyConfig(c), "arena beyond mirror coverage")

	c = DefaultConfig()
	c.RunnerPath = "/usr/bin/true"
	c.ArenaSize = defaultArenaSize + 1
	assert.Error(t, VerifyConfig(c), "unaligned arena")

	c = DefaultConfig()
	assert.Error(t, VerifyConfig(c), "missing runner path")

	c = DefaultConfig()
	c.RunnerPath = "/usr/bin/true"
	c.SendPollInterval = 0
	assert.Error(t, VerifyConfig(c), "zero poll interval")
}
