// Copyright 2026 The goshadow Authors
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

// Package sockfd bridges net.Conn/net.PacketConn to the raw file
// descriptors the epoll reactor registers. The TCP data path (the
// listener and every session's two sockets) is driven directly through
// internal/rawsock and needs no bridge at all; the DNS resolver's UDP
// socket is the one place that still reads and writes through the
// ordinary net package, since datagram I/O has no short-write problem
// to hide, and only wants epoll for readiness notification. To let
// both the Go runtime's own netpoller and our explicit epoll instance
// watch the same underlying open file description safely, we register
// a dup'd descriptor and close only that dup on deregistration; the
// original net.PacketConn is unaffected and keeps working normally.
package sockfd

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Dup returns a duplicate of conn's underlying file descriptor,
// suitable for registering with the reactor. Close it (via the
// returned closer) once it is deregistered.
func Dup(conn syscall.Conn) (fd int, closer func() error, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, nil, fmt.Errorf("sockfd: SyscallConn: %w", err)
	}

	var (
		dup    int
		dupErr error
	)
	ctrlErr := raw.Control(func(fd uintptr) {
		dup, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil {
		return 0, nil, fmt.Errorf("sockfd: Control: %w", ctrlErr)
	}
	if dupErr != nil {
		return 0, nil, fmt.Errorf("sockfd: dup: %w", dupErr)
	}

	return dup, func() error { return unix.Close(dup) }, nil
}
