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

//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/tuian/goshadow/internal/slab"
)

// epollReactor is the production Reactor, backed directly by epoll(7).
// Tokens, not file descriptors, are what the rest of the program deals
// in; this type is the only place the two are stitched together.
type epollReactor struct {
	epfd      int
	tokenByFd map[int]slab.Token
	fdByToken map[slab.Token]int
	eventsBuf []unix.EpollEvent
}

// New creates an epoll-backed Reactor.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollReactor{
		epfd:      epfd,
		tokenByFd: make(map[int]slab.Token),
		fdByToken: make(map[slab.Token]int),
		eventsBuf: make([]unix.EpollEvent, 128),
	}, nil
}

func toEpollEvents(ev Events) uint32 {
	var e uint32
	if ev&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	if ev&Hup != 0 {
		e |= unix.EPOLLRDHUP | unix.EPOLLHUP
	}
	if ev&Err != 0 {
		e |= unix.EPOLLERR
	}
	return e
}

func fromEpollEvents(e uint32) Events {
	var ev Events
	if e&unix.EPOLLIN != 0 {
		ev |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if e&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		ev |= Hup
	}
	if e&unix.EPOLLERR != 0 {
		ev |= Err
	}
	return ev
}

func (r *epollReactor) Register(token slab.Token, fd int, ev Events) error {
	event := unix.EpollEvent{Events: toEpollEvents(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return err
	}
	r.tokenByFd[fd] = token
	r.fdByToken[token] = fd
	return nil
}

func (r *epollReactor) Reregister(token slab.Token, fd int, ev Events) error {
	event := unix.EpollEvent{Events: toEpollEvents(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		return err
	}
	r.tokenByFd[fd] = token
	r.fdByToken[token] = fd
	return nil
}

func (r *epollReactor) Deregister(fd int) error {
	tok, ok := r.tokenByFd[fd]
	if ok {
		delete(r.tokenByFd, fd)
		delete(r.fdByToken, tok)
	}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (r *epollReactor) Poll(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	n, err := unix.EpollWait(r.epfd, r.eventsBuf, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		fd := int(r.eventsBuf[i].Fd)
		tok, ok := r.tokenByFd[fd]
		if !ok {
			continue
		}
		out = append(out, Event{Token: tok, Events: fromEpollEvents(r.eventsBuf[i].Events)})
	}
	return out, nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
