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

// Package reactor is the single-threaded I/O multiplexer every session,
// the DNS resolver, and the listening socket are registered with. It is
// a thin, Token-keyed wrapper over epoll(7); nothing above this package
// ever touches a raw file descriptor directly except to hand it here.
package reactor

import (
	"time"

	"github.com/tuian/goshadow/internal/slab"
)

// Events is a bitset of the readiness conditions a registration cares
// about. It mirrors mio's EventSet from the original implementation:
// every registration implicitly includes Hup and Err.
type Events uint8

const (
	Readable Events = 1 << iota
	Writable
	Hup
	Err
)

// Basic is the event set every registration carries regardless of
// direction: hangup and error must always wake the session so it can
// destroy itself promptly.
const Basic = Hup | Err

// Event is one readiness notification delivered by Poll.
type Event struct {
	Token  slab.Token
	Events Events
}

// Reactor is implemented by *epollReactor on Linux. It is kept as an
// interface so the relay and session layers can be driven by a fake in
// unit tests without a real kernel epoll instance.
type Reactor interface {
	// Register adds fd under token with the given interest set.
	Register(token slab.Token, fd int, ev Events) error
	// Reregister changes the interest set for an fd already registered
	// under token.
	Reregister(token slab.Token, fd int, ev Events) error
	// Deregister removes fd from the reactor. It is safe to call on an
	// fd that was never registered.
	Deregister(fd int) error
	// Poll blocks for up to timeout waiting for readiness events. A
	// timeout of zero polls without blocking; a negative timeout blocks
	// indefinitely.
	Poll(timeout time.Duration) ([]Event, error)
	// Close releases the underlying epoll instance.
	Close() error
}
