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
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// The metadata channel carries fixed-size binary messages over a
// SOCK_SEQPACKET socketpair: one request per packet, one response per
// request. There is no length prefix; both sides rely on the fixed struct
// size, and a zero-length read means the peer has gone away.

type requestKind uint32

const (
	// kindPushLargeStack deposits a freed large block (arg0 = base,
	// arg1 = size class) into the host allocator's free list.
	kindPushLargeStack requestKind = iota

	// kindPopLargeStack pops a block from the free list for size class
	// arg1. A zero address in the response means none available.
	kindPopLargeStack

	// kindReserve reserves fresh address space in the sandbox's arena
	// for a large allocation of size class arg1.
	kindReserve

	// kindChunkMapSet writes a single pagemap entry: arg0 = address,
	// arg1 = encoded size-class byte.
	kindChunkMapSet

	// kindChunkMapSetRange sets a multi-entry span: arg0 = address,
	// arg1 = log2 of the byte size.
	kindChunkMapSetRange

	// kindChunkMapClearRange clears a multi-entry span, same arguments
	// as kindChunkMapSetRange.
	kindChunkMapClearRange

	kindCount
)

var kindNames = [kindCount]string{
	"push_large_stack",
	"pop_large_stack",
	"reserve",
	"chunkmap_set",
	"chunkmap_set_range",
	"chunkmap_clear_range",
}

func (k requestKind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", uint32(k))
}

const (
	requestSize  = 24
	responseSize = 16
)

// hostRequest is the sandbox-to-host metadata message.
type hostRequest struct {
	Kind requestKind
	Arg0 uint64
	Arg1 uint64
}

// hostResponse is the host-to-sandbox reply.
type hostResponse struct {
	Err   bool
	Value uint64
}

func writeRequest(fd int, req hostRequest) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	b := buf.B
	if cap(b) < requestSize {
		b = make([]byte, requestSize)
	}
	b = b[:requestSize]
	binary.LittleEndian.PutUint32(b[0:4], uint32(req.Kind))
	binary.LittleEndian.PutUint32(b[4:8], 0)
	binary.LittleEndian.PutUint64(b[8:16], req.Arg0)
	binary.LittleEndian.PutUint64(b[16:24], req.Arg1)
	buf.B = b
	return writeFull(fd, b)
}

func writeResponse(fd int, resp hostResponse) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	b := buf.B
	if cap(b) < responseSize {
		b = make([]byte, responseSize)
	}
	b = b[:responseSize]
	var e uint32
	if resp.Err {
		e = 1
	}
	binary.LittleEndian.PutUint32(b[0:4], e)
	binary.LittleEndian.PutUint32(b[4:8], 0)
	binary.LittleEndian.PutUint64(b[8:16], resp.Value)
	buf.B = b
	return writeFull(fd, b)
}

func decodeRequest(b []byte) hostRequest {
	return hostRequest{
		Kind: requestKind(binary.LittleEndian.Uint32(b[0:4])),
		Arg0: binary.LittleEndian.Uint64(b[8:16]),
		Arg1: binary.LittleEndian.Uint64(b[16:24]),
	}
}

func decodeResponse(b []byte) hostResponse {
	return hostResponse{
		Err:   binary.LittleEndian.Uint32(b[0:4]) != 0,
		Value: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func writeFull(fd int, b []byte) error {
	for {
		n, err := unix.Write(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n != len(b) {
			return fmt.Errorf("short write on metadata channel: %d of %d", n, len(b))
		}
		return nil
	}
}

// readFull reads exactly len(b) bytes. n==0 with a nil error reports a
// closed peer (eof=true). A short packet is returned to the caller as a
// byte count; the caller decides how fatal that is.
func readFull(fd int, b []byte) (n int, eof bool, err error) {
	for {
		n, err = unix.Read(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, false, err
		}
		if n == 0 {
			return 0, true, nil
		}
		return n, false, nil
	}
}
