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
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func metadataPair(t *testing.T) (host, child int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	assert.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestProtocolRoundTrip(t *testing.T) {
	host, child := metadataPair(t)

	req := hostRequest{Kind: kindChunkMapSetRange, Arg0: 0xdeadbeef000, Arg1: 26}
	assert.NoError(t, writeRequest(child, req))

	var buf [requestSize]byte
	n, eof, err := readFull(host, buf[:])
	assert.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, requestSize, n)
	assert.Equal(t, req, decodeRequest(buf[:]))

	resp := hostResponse{Err: true, Value: 42}
	assert.NoError(t, writeResponse(host, resp))

	var rbuf [responseSize]byte
	n, eof, err = readFull(child, rbuf[:])
	assert.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, responseSize, n)
	assert.Equal(t, resp, decodeResponse(rbuf[:]))
}

// A closed peer must surface as end-of-stream, not as a short read or an
// error: it is the service's cue to drop the sandbox entry.
func TestProtocolPeerClose(t *testing.T) {
	host, child := metadataPair(t)

	assert.NoError(t, unix.Close(child))
	var buf [requestSize]byte
	n, eof, err := readFull(host, buf[:])
	assert.NoError(t, err)
	assert.True(t, eof)
	assert.Equal(t, 0, n)
}
