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

package reactor

import (
	"time"

	"github.com/tuian/goshadow/internal/slab"
)

// Registration records one call to Fake.Register or Fake.Reregister, in
// call order, so tests can assert on the exact sequence of interest
// changes a session made (e.g. "flipped to writable on short write").
type Registration struct {
	Token  slab.Token
	Fd     int
	Events Events
}

// Fake is an in-memory Reactor for unit tests: it never touches epoll,
// it just records registrations so processor/relay tests can run
// without a real listening socket.
type Fake struct {
	Registrations []Registration
	Deregistered  []int
	current       map[int]Events
}

// NewFake returns a ready-to-use Fake reactor.
func NewFake() *Fake {
	return &Fake{current: make(map[int]Events)}
}

func (f *Fake) Register(token slab.Token, fd int, ev Events) error {
	f.Registrations = append(f.Registrations, Registration{Token: token, Fd: fd, Events: ev})
	f.current[fd] = ev
	return nil
}

func (f *Fake) Reregister(token slab.Token, fd int, ev Events) error {
	return f.Register(token, fd, ev)
}

func (f *Fake) Deregister(fd int) error {
	f.Deregistered = append(f.Deregistered, fd)
	delete(f.current, fd)
	return nil
}

func (f *Fake) Poll(time.Duration) ([]Event, error) { return nil, nil }
func (f *Fake) Close() error                        { return nil }

// InterestFor returns the last registered interest set for fd.
func (f *Fake) InterestFor(fd int) (Events, bool) {
	ev, ok := f.current[fd]
	return ev, ok
}
