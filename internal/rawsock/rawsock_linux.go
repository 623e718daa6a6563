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

// Package rawsock wraps the handful of raw, non-blocking socket
// syscalls the TCP processor needs directly.
//
// The rest of this codebase reads and writes through idiomatic Go
// wherever that's sufficient (the DNS resolver's UDP socket, the
// config loader, logging). The TCP data path can't be one of those
// places: spec §4.E's write path explicitly requires observing a
// *partial* write and buffering the remainder for the next writable
// event, and the standard library's net.Conn.Write deliberately hides
// exactly that — it parks the calling goroutine on Go's own runtime
// netpoller and only returns once everything is written or a real
// error occurs. That's the right default for almost everything Go
// serves over the network, and it's exactly wrong for the single
// reactor goroutine this system's core is built around, which must
// observe "wrote 3 of 10 bytes, EAGAIN" itself so it can flip the
// socket's reactor interest to writable and resume later. So the
// session sockets here are plain non-blocking file descriptors driven
// directly by epoll, matching the original mio-based implementation
// one level closer to the syscall boundary than the rest of the repo.
package rawsock

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Listen creates a non-blocking, listening TCP socket bound to
// host:port.
func Listen(host string, port uint16, backlog int) (fd int, err error) {
	sa, ipv6, err := resolveSockaddr(host, port)
	if err != nil {
		return 0, err
	}

	domain := unix.AF_INET
	if ipv6 {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("rawsock: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("rawsock: SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("rawsock: bind %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("rawsock: listen: %w", err)
	}
	return fd, nil
}

// Accept accepts one pending connection from listenFd. wouldBlock is
// true when there is nothing to accept right now (EAGAIN/EWOULDBLOCK),
// which is not an error: the caller should stop looping.
func Accept(listenFd int) (fd int, host string, port uint16, wouldBlock bool, err error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, "", 0, true, nil
		}
		return 0, "", 0, false, fmt.Errorf("rawsock: accept: %w", err)
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	host, port = sockaddrToHostPort(sa)
	return nfd, host, port, false, nil
}

// ConnectNonblocking starts a non-blocking connect to host:port. A
// connect in progress is reported via inProgress=true, not an error;
// the caller learns the outcome from a later writable event, checked
// with ConnectError.
func ConnectNonblocking(host string, port uint16) (fd int, inProgress bool, err error) {
	sa, ipv6, err := resolveSockaddr(host, port)
	if err != nil {
		return 0, false, err
	}

	domain := unix.AF_INET
	if ipv6 {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, false, fmt.Errorf("rawsock: socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return 0, false, fmt.Errorf("rawsock: connect %s:%d: %w", host, port, err)
}

// ConnectError returns the pending error on fd recorded by the kernel
// for an asynchronous connect, or nil if it succeeded.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Read performs one non-blocking read. wouldBlock is true when there
// is currently nothing to read; eof is true on an orderly shutdown by
// the peer (a zero-length read).
func Read(fd int, buf []byte) (n int, wouldBlock, eof bool, err error) {
	n, err = unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, true, false, nil
		}
		return 0, false, false, err
	}
	if n == 0 {
		return 0, false, true, nil
	}
	return n, false, false, nil
}

// Write performs one non-blocking write, returning however many bytes
// were accepted. A partial write (n < len(buf)) without wouldBlock is
// the case the caller must buffer and retry on the next writable
// event; the spec's entire write-path design exists for this.
func Write(fd int, buf []byte) (n int, wouldBlock bool, err error) {
	if len(buf) == 0 {
		return 0, false, nil
	}
	n, err = unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, false, nil
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// LocalAddr reports the address fd is bound to, for reporting back
// the actual port the kernel picked when a listener was bound to
// port 0.
func LocalAddr(fd int) (host string, port uint16, err error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", 0, fmt.Errorf("rawsock: getsockname: %w", err)
	}
	h, p := sockaddrToHostPort(sa)
	return h, p, nil
}

// resolveSockaddr turns host into a Sockaddr. host must already be a
// literal IP address: this package never performs its own DNS lookup
// (unbounded, and blind to the configured DNS server override). Every
// caller here is expected to have gone through resolver.BlockResolve
// (at startup) or the async resolver (per session) first.
func resolveSockaddr(host string, port uint16) (unix.Sockaddr, bool, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, false, fmt.Errorf("rawsock: %q is not a literal IP address", host)
	}
	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return &unix.SockaddrInet4{Port: int(port), Addr: addr}, false, nil
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return &unix.SockaddrInet6{Port: int(port), Addr: addr}, true, nil
}

func sockaddrToHostPort(sa unix.Sockaddr) (string, uint16) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), uint16(a.Port)
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), uint16(a.Port)
	default:
		return "", 0
	}
}
