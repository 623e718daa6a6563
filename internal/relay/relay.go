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

package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tuian/goshadow/internal/chooser"
	"github.com/tuian/goshadow/internal/config"
	"github.com/tuian/goshadow/internal/metrics"
	"github.com/tuian/goshadow/internal/rawsock"
	"github.com/tuian/goshadow/internal/reactor"
	"github.com/tuian/goshadow/internal/resolver"
	"github.com/tuian/goshadow/internal/slab"
)

// pollInterval bounds how long Poll ever blocks, so the idle-timeout
// sweep and the resolver's CheckTimeouts run at least this often even
// when nothing on the wire is happening.
const pollInterval = time.Second

// Relay is the TCP listener and session dispatcher, component F of
// spec §2. It owns the slab every session token is registered in; a
// Processor itself never touches the slab directly, only through the
// onDestroy callback Relay hands it at construction.
type Relay struct {
	cfg config.Config
	rc  reactor.Reactor
	sl  *slab.Slab

	listenFD    int
	listenToken slab.Token

	res     *resolver.Resolver
	chooser chooser.ServerChooser
	role    Role

	log *zap.Logger
}

// New binds the configured local endpoint, opens the shared DNS
// resolver, and returns a Relay ready to Run. capacity is the slab's
// token capacity: each session consumes two tokens and the listener
// and the resolver one each, so at most (capacity-2)/2 sessions fit.
func New(cfg config.Config, capacity int, log *zap.Logger) (*Relay, error) {
	rc, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("relay: new reactor: %w", err)
	}

	sl := slab.New(capacity)

	// The bind host is resolved synchronously, once, before the async
	// resolver exists to drive a lookup (spec §4.C's block_resolve
	// variant). An unresolvable hostname here must fail the process's
	// startup, not fall back to an unbounded, un-overridable lookup.
	localHost, err := resolver.BlockResolve(cfg.DNSServer, cfg.Local.Host, cfg.PreferIPv6, 0)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("relay: resolve local host %s: %w", cfg.Local.Host, err)
	}

	listenFD, err := rawsock.Listen(localHost, cfg.Local.Port, 1024)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("relay: listen on %s: %w", cfg.Local, err)
	}

	listenToken, err := sl.Alloc()
	if err != nil {
		rc.Close()
		rawsock.Close(listenFD)
		return nil, fmt.Errorf("relay: allocate listener token: %w", err)
	}
	if err := rc.Register(listenToken, listenFD, reactor.Readable|reactor.Basic); err != nil {
		rc.Close()
		rawsock.Close(listenFD)
		return nil, fmt.Errorf("relay: register listener: %w", err)
	}

	resolverToken, err := sl.Alloc()
	if err != nil {
		rc.Close()
		rawsock.Close(listenFD)
		return nil, fmt.Errorf("relay: allocate resolver token: %w", err)
	}

	role := RoleClient
	if cfg.Role == config.RoleServer {
		role = RoleServer
	}

	r := &Relay{
		cfg:         cfg,
		rc:          rc,
		sl:          sl,
		listenFD:    listenFD,
		listenToken: listenToken,
		chooser:     chooser.NewStatic(cfg.Server),
		role:        role,
		log:         log,
	}

	lookup := func(tok slab.Token) (resolver.Caller, bool) {
		owner, ok := sl.Get(tok)
		if !ok {
			return nil, false
		}
		p, ok := owner.(*Processor)
		if !ok {
			return nil, false
		}
		return p, true
	}
	res, err := resolver.New(resolverToken, cfg.DNSServer, cfg.PreferIPv6, lookup, rc, cfg.TimeoutDuration())
	if err != nil {
		rc.Close()
		rawsock.Close(listenFD)
		return nil, fmt.Errorf("relay: new resolver: %w", err)
	}
	sl.Insert(resolverToken, res)
	r.res = res

	return r, nil
}

// ListenAddr reports the address the relay actually bound, which
// matters when Config.Local.Port is 0 and the kernel picked one.
func (r *Relay) ListenAddr() (string, uint16, error) {
	host, port, err := rawsock.LocalAddr(r.listenFD)
	if err != nil {
		return "", 0, fmt.Errorf("relay: listen addr: %w", err)
	}
	return host, port, nil
}

// Run drives the reactor loop until ctx is cancelled. This is the only
// goroutine that ever touches r.sl, any Processor, or the resolver:
// the single-threaded core spec §5 requires.
func (r *Relay) Run(ctx context.Context) error {
	defer r.rc.Close()
	defer r.res.Close()
	defer rawsock.Close(r.listenFD)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		events, err := r.rc.Poll(pollInterval)
		if err != nil {
			return fmt.Errorf("relay: poll: %w", err)
		}

		for _, ev := range events {
			r.dispatch(ev)
		}

		now := time.Now()
		r.res.CheckTimeouts(now)
		r.sweepIdle(now)
	}
}

func (r *Relay) dispatch(ev reactor.Event) {
	if ev.Token == r.listenToken {
		r.acceptLoop()
		return
	}
	if ev.Token == r.res.Token() {
		r.res.OnReadable()
		return
	}

	owner, ok := r.sl.Get(ev.Token)
	if !ok {
		return // stale event for an already-destroyed session
	}
	p, ok := owner.(*Processor)
	if !ok {
		return
	}
	p.Process(ev.Token, ev.Events)
}

// acceptLoop drains every pending connection on the listening socket
// in one pass, since level-triggered epoll only promises at least one
// more readable event, not one per pending connection.
func (r *Relay) acceptLoop() {
	for {
		fd, host, port, wouldBlock, err := rawsock.Accept(r.listenFD)
		if wouldBlock {
			return
		}
		if err != nil {
			r.log.Error("accept failed", zap.Error(err))
			return
		}
		r.onAccept(fd, config.Endpoint{Host: host, Port: port})
	}
}

func (r *Relay) onAccept(fd int, clientAddr config.Endpoint) {
	localToken, err := r.sl.Alloc()
	if err != nil {
		r.log.Warn("slab exhausted, dropping accepted connection", zap.Error(err))
		rawsock.Close(fd)
		return
	}
	remoteToken, err := r.sl.Alloc()
	if err != nil {
		r.log.Warn("slab exhausted, dropping accepted connection", zap.Error(err))
		r.sl.Remove(localToken)
		rawsock.Close(fd)
		return
	}

	onDestroy := func(local, remote slab.Token) {
		r.sl.Remove(local)
		r.sl.Remove(remote)
		metrics.SessionsLive.Dec()
	}

	p, err := NewProcessor(r.role, fd, localToken, remoteToken, clientAddr, r.cfg, r.res, r.chooser, r.rc, onDestroy, r.log)
	if err != nil {
		r.log.Error("new processor failed", zap.Error(err))
		r.sl.Remove(localToken)
		r.sl.Remove(remoteToken)
		rawsock.Close(fd)
		return
	}

	if err := r.rc.Register(localToken, fd, reactor.Readable|reactor.Basic); err != nil {
		r.log.Error("register accepted socket failed", zap.Error(err))
		r.sl.Remove(localToken)
		r.sl.Remove(remoteToken)
		rawsock.Close(fd)
		return
	}

	r.sl.Insert(localToken, p)
	r.sl.Insert(remoteToken, p)
	metrics.SessionsOpened.Inc()
	metrics.SessionsLive.Inc()
}

// sweepIdle destroys every session that hasn't done anything within
// the configured timeout. Destroying a session removes its tokens from
// the slab, which Each forbids during the walk, so we collect first,
// then destroy.
func (r *Relay) sweepIdle(now time.Time) {
	timeout := r.cfg.TimeoutDuration()
	seen := make(map[*Processor]bool)
	var stale []*Processor

	r.sl.Each(func(_ slab.Token, owner any) {
		p, ok := owner.(*Processor)
		if !ok || seen[p] {
			return
		}
		seen[p] = true
		if now.Sub(p.IdleSince()) > timeout {
			stale = append(stale, p)
		}
	})

	for _, p := range stale {
		r.log.Debug("idle session timed out", zap.Stringer("stage", p.stage))
		p.Destroy()
	}
}
