// Copyright 2024 Michael J. Fromberger. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package worker

import (
	"context"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// fdReader is satisfied by connections (e.g. *net.TCPConn, via a hijacked
// http.Conn) that expose their underlying file descriptor, which is a
// prerequisite for splice/tee. Readers that do not implement it (the common
// case for an un-hijacked http.Request.Body) fall back to copyFallback.
type fdReader interface {
	SyscallConn() (syscall.RawConn, error)
}

// writeAndHash is the linux fastpath of §4.I.3: it splices the body from
// src's socket into a pipe, tees the pipe so the same bytes can be forked
// without a userspace copy, then splices one branch into the data file at
// offset and the other into an in-kernel AF_ALG SHA-256 socket. Any setup
// failure degrades to copyFallback so observable behavior never depends on
// which path ran.
func writeAndHash(ctx context.Context, f *os.File, offset int64, src io.Reader, size int64) ([32]byte, error) {
	fr, ok := src.(fdReader)
	if !ok {
		return copyFallback(f, offset, src, size)
	}
	raw, err := fr.SyscallConn()
	if err != nil {
		return copyFallback(f, offset, src, size)
	}

	var srcFD int
	if err := raw.Control(func(fd uintptr) { srcFD = int(fd) }); err != nil {
		return copyFallback(f, offset, src, size)
	}

	sum, err := spliceTeeHash(srcFD, int(f.Fd()), offset, size)
	if err != nil {
		return copyFallback(f, offset, src, size)
	}
	return sum, nil
}

// spliceTeeHash implements the fork-without-copy described in §4.I.1 step 4.
func spliceTeeHash(srcFD, dstFD int, offset, size int64) ([32]byte, error) {
	bodyR, bodyW, err := pipe()
	if err != nil {
		return [32]byte{}, err
	}
	defer bodyR.Close()
	defer bodyW.Close()
	hashR, hashW, err := pipe()
	if err != nil {
		return [32]byte{}, err
	}
	defer hashR.Close()
	defer hashW.Close()

	algFD, err := algHashSocket()
	if err != nil {
		return [32]byte{}, err
	}
	defer unix.Close(algFD)

	fileOff := offset
	var remaining = size
	for remaining > 0 {
		n, err := unix.Splice(srcFD, nil, int(bodyW.Fd()), nil, int(remaining), unix.SPLICE_F_MOVE)
		if err != nil {
			return [32]byte{}, err
		}
		if n == 0 {
			break
		}
		if _, err := unix.Tee(int(bodyR.Fd()), int(hashW.Fd()), int(n), 0); err != nil {
			return [32]byte{}, err
		}
		if _, err := unix.Splice(int(bodyR.Fd()), nil, dstFD, &fileOff, int(n), unix.SPLICE_F_MOVE); err != nil {
			return [32]byte{}, err
		}
		more := 0
		if remaining-n > 0 {
			more = unix.SPLICE_F_MORE
		}
		if _, err := unix.Splice(int(hashR.Fd()), nil, algFD, nil, int(n), unix.SPLICE_F_MOVE|more); err != nil {
			return [32]byte{}, err
		}
		remaining -= n
	}

	var sum [32]byte
	if _, err := unix.Read(algFD, sum[:]); err != nil {
		return [32]byte{}, err
	}
	return sum, nil
}

// readInto is the linux fastpath for GET: it splices directly from the data
// file into the destination socket, falling back to a buffered copy if dst
// does not expose a raw file descriptor.
func readInto(ctx context.Context, dst io.Writer, f *os.File, offset, size int64) error {
	fr, ok := dst.(fdReader)
	if !ok {
		return readSection(dst, f, offset, size)
	}
	raw, err := fr.SyscallConn()
	if err != nil {
		return readSection(dst, f, offset, size)
	}
	var dstFD int
	if err := raw.Control(func(fd uintptr) { dstFD = int(fd) }); err != nil {
		return readSection(dst, f, offset, size)
	}

	fileOff := offset
	remaining := size
	for remaining > 0 {
		n, err := unix.Splice(int(f.Fd()), &fileOff, dstFD, nil, int(remaining), unix.SPLICE_F_MOVE)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		remaining -= n
	}
	return nil
}

// pipe returns the two ends of a fresh Linux pipe as *os.File, convenient
// for use with unix.Splice/unix.Tee which take raw descriptors.
func pipe() (r, w *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "pipe-r"), os.NewFile(uintptr(fds[1]), "pipe-w"), nil
}

// algHashSocket opens an AF_ALG SHA-256 hashing socket. Each call opens a
// new socket, used for a single digest; no hashing socket is kept open
// across PUT requests.
func algHashSocket() (int, error) {
	sock, err := unix.Socket(unix.AF_ALG, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return -1, err
	}
	addr := &unix.SockaddrALG{Type: "hash", Name: "sha256"}
	if err := unix.Bind(sock, addr); err != nil {
		unix.Close(sock)
		return -1, err
	}
	op, err := unix.Accept(sock)
	unix.Close(sock)
	if err != nil {
		return -1, err
	}
	return op, nil
}
