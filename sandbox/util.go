/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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
	"math/bits"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// canCreateOnDevShm reports whether /dev/shm has room for a region of the
// given size. Paths outside /dev/shm (and non-Linux hosts) always pass;
// tmpfs is the only place where a sparse-looking file can still run the
// backing store out of memory.
func canCreateOnDevShm(size uint64, path string) bool {
	if runtime.GOOS == "linux" && strings.HasPrefix(path, "/dev/shm") {
		stat, err := disk.Usage("/dev/shm")
		if err != nil {
			internalLogger.warnf("stat /dev/shm failed: %s", err.Error())
			return true
		}
		return stat.Free >= size
	}
	return true
}

// mulOverflows reports n*size and whether the multiplication overflowed
// the address width.
func mulOverflows(n, size uintptr) (uintptr, bool) {
	hi, lo := bits.Mul64(uint64(n), uint64(size))
	return uintptr(lo), hi != 0
}

// alignUp rounds v up to the next multiple of align. align must be a
// power of two.
func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
