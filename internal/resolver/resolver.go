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

// Package resolver implements the non-blocking, multi-waiter DNS
// resolver described in spec §4.C. One Resolver is shared by every
// session in the relay; it owns a single UDP socket registered with
// the reactor under its own token, and multiplexes concurrently
// outstanding hostname lookups.
//
// Per spec §9's design note, the resolver never holds a reference to a
// waiting session directly — only its Token. To deliver a callback it
// asks the relay (via the injected Lookup function) for whatever is
// currently registered under that token, so a session destroyed while
// its resolution was in flight simply can't be found and is silently
// skipped.
package resolver

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/tuian/goshadow/internal/reactor"
	"github.com/tuian/goshadow/internal/slab"
	"github.com/tuian/goshadow/internal/sockfd"
)

// Caller is implemented by anything that can wait on a DNS resolution
// (in practice, *relay.Processor). Exactly one of ip/err is set.
type Caller interface {
	HandleDNSResolved(hostname, ip string, err error)
}

// Lookup resolves a waiter's token back to its live Caller. It returns
// false if the token is unknown (the session was destroyed before its
// resolution completed), in which case the resolver must not invoke
// any callback for it.
type Lookup func(slab.Token) (Caller, bool)

// DefaultTimeout bounds both the async and synchronous resolution
// paths when the configuration doesn't override it.
const DefaultTimeout = 5 * time.Second

type pendingQuery struct {
	id       uint16
	hostname string
	qtype    uint16
	waiters  []slab.Token
	deadline time.Time
}

// Resolver is the shared async DNS collaborator, component C of spec
// §2. It is driven entirely by the reactor goroutine: OnReadable is
// called when its socket becomes readable, CheckTimeouts on every
// reactor tick.
type Resolver struct {
	token    slab.Token
	conn     *net.UDPConn
	fdCloser func() error
	reactor  reactor.Reactor
	lookup   Lookup
	qtype    uint16
	timeout  time.Duration

	nextID uint16
	byID   map[uint16]*pendingQuery
	byHost map[string]*pendingQuery
}

// New opens the resolver's UDP socket, dials it to server (or the
// system default if server is empty), and registers it with r under
// token. lookup is how the resolver turns a waiter token back into a
// callback target.
func New(token slab.Token, server string, preferIPv6 bool, lookup Lookup, r reactor.Reactor, timeout time.Duration) (*Resolver, error) {
	if server == "" {
		server = systemDefaultServer()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := net.Dial("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolver: dial %s: %w", server, err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("resolver: expected a UDP connection to %s", server)
	}

	qtype := uint16(dns.TypeA)
	if preferIPv6 {
		qtype = dns.TypeAAAA
	}

	res := &Resolver{
		token:   token,
		conn:    udpConn,
		reactor: r,
		lookup:  lookup,
		qtype:   qtype,
		timeout: timeout,
		byID:    make(map[uint16]*pendingQuery),
		byHost:  make(map[string]*pendingQuery),
	}

	fd, closer, err := sockfd.Dup(udpConn)
	if err != nil {
		udpConn.Close()
		return nil, err
	}
	res.fdCloser = closer
	if err := r.Register(token, fd, reactor.Readable|reactor.Basic); err != nil {
		closer()
		udpConn.Close()
		return nil, err
	}

	return res, nil
}

// Close releases the resolver's socket and its reactor registration.
func (r *Resolver) Close() error {
	if r.fdCloser != nil {
		_ = r.fdCloser()
	}
	return r.conn.Close()
}

// Token returns the reactor token this resolver's socket is registered
// under, so the relay's dispatcher can route events to it.
func (r *Resolver) Token() slab.Token { return r.token }

// Resolve enqueues a lookup for hostname on behalf of waiter. If this
// is the first waiter currently interested in hostname, a query packet
// is sent; if another waiter is already waiting on the same hostname,
// this one is folded into the same in-flight query (no duplicate
// traffic, no stale-cache reuse of a completed lookup — completed
// queries are removed, never cached).
//
// IP literals short-circuit: the callback fires inline, before Resolve
// returns, without touching the network.
func (r *Resolver) Resolve(hostname string, waiter slab.Token) {
	if ip, ok := parseLiteral(hostname); ok {
		if caller, ok := r.lookup(waiter); ok {
			caller.HandleDNSResolved(hostname, ip, nil)
		}
		return
	}

	if q, ok := r.byHost[hostname]; ok {
		q.waiters = append(q.waiters, waiter)
		return
	}

	id := r.nextID
	r.nextID++

	q := &pendingQuery{
		id:       id,
		hostname: hostname,
		qtype:    r.qtype,
		waiters:  []slab.Token{waiter},
		deadline: time.Now().Add(r.timeout),
	}
	r.byID[id] = q
	r.byHost[hostname] = q

	msg := buildQuery(id, hostname, r.qtype)
	packed, err := msg.Pack()
	if err != nil {
		r.failQuery(q, fmt.Errorf("resolver: build query: %w", err))
		return
	}
	if _, err := r.conn.Write(packed); err != nil {
		r.failQuery(q, fmt.Errorf("resolver: send query: %w", err))
	}
}

// RemoveCaller cancels waiter's interest in any in-flight query. It is
// safe to call when no interest exists (the common case: most sessions
// never have a pending resolution when destroyed).
func (r *Resolver) RemoveCaller(waiter slab.Token) {
	for _, q := range r.byID {
		for i, w := range q.waiters {
			if w == waiter {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
	}
}

// OnReadable drains and processes one datagram from the resolver's
// socket. Called by the relay dispatcher when the resolver's token has
// a readable event.
func (r *Resolver) OnReadable() {
	buf := make([]byte, 4096)
	n, err := r.conn.Read(buf)
	if err != nil {
		return
	}

	var msg dns.Msg
	if err := msg.Unpack(buf[:n]); err != nil {
		return
	}

	q, ok := r.byID[msg.Id]
	if !ok {
		return // response to a query we've already timed out and forgotten
	}

	ip := firstAddress(&msg, q.qtype)
	if ip == "" {
		r.failQuery(q, fmt.Errorf("resolver: no address record for %s", q.hostname))
		return
	}

	r.deliver(q, q.hostname, ip, nil)
}

// CheckTimeouts expires any query whose deadline has passed, notifying
// every waiter with an error and forgetting the query. It must be
// called regularly by the relay's event loop (spec §4.C).
func (r *Resolver) CheckTimeouts(now time.Time) {
	for _, q := range r.byID {
		if now.After(q.deadline) {
			r.failQuery(q, fmt.Errorf("resolver: timed out resolving %s", q.hostname))
		}
	}
}

func (r *Resolver) failQuery(q *pendingQuery, err error) {
	r.deliver(q, q.hostname, "", err)
}

// deliver notifies every waiter of q, in registration order, then
// forgets q entirely (spec §4.C ordering guarantee).
func (r *Resolver) deliver(q *pendingQuery, hostname, ip string, err error) {
	delete(r.byID, q.id)
	delete(r.byHost, q.hostname)

	for _, waiter := range q.waiters {
		caller, ok := r.lookup(waiter)
		if !ok {
			continue // session was destroyed while this resolution was in flight
		}
		caller.HandleDNSResolved(hostname, ip, err)
	}
}

// BlockResolve synchronously resolves hostname, bounded by timeout.
// It is used only once, at startup, by relay.New to resolve the
// configured local bind host before the listening socket opens. The
// peer relay's host is not resolved here; client sessions resolve it
// through Resolve.
func BlockResolve(server, hostname string, preferIPv6 bool, timeout time.Duration) (string, error) {
	if ip, ok := parseLiteral(hostname); ok {
		return ip, nil
	}
	if server == "" {
		server = systemDefaultServer()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := net.DialTimeout("udp", server, timeout)
	if err != nil {
		return "", fmt.Errorf("resolver: dial %s: %w", server, err)
	}
	defer conn.Close()

	qtype := uint16(dns.TypeA)
	if preferIPv6 {
		qtype = dns.TypeAAAA
	}

	msg := buildQuery(1, hostname, qtype)
	packed, err := msg.Pack()
	if err != nil {
		return "", fmt.Errorf("resolver: build query: %w", err)
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	if _, err := conn.Write(packed); err != nil {
		return "", fmt.Errorf("resolver: send query: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("resolver: timed out resolving %s: %w", hostname, err)
	}

	var resp dns.Msg
	if err := resp.Unpack(buf[:n]); err != nil {
		return "", fmt.Errorf("resolver: parse response: %w", err)
	}

	ip := firstAddress(&resp, qtype)
	if ip == "" {
		return "", fmt.Errorf("resolver: no address record for %s", hostname)
	}
	return ip, nil
}

func buildQuery(id uint16, hostname string, qtype uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.Id = id
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{Name: dns.Fqdn(hostname), Qtype: qtype, Qclass: dns.ClassINET}}
	return msg
}

func firstAddress(msg *dns.Msg, qtype uint16) string {
	for _, rr := range msg.Answer {
		switch qtype {
		case dns.TypeAAAA:
			if aaaa, ok := rr.(*dns.AAAA); ok {
				return aaaa.AAAA.String()
			}
		default:
			if a, ok := rr.(*dns.A); ok {
				return a.A.String()
			}
		}
	}
	return ""
}

// parseLiteral recognizes dotted-quad and bracketed-hex IP literals so
// Resolve/BlockResolve can short-circuit without a network round trip.
func parseLiteral(hostname string) (string, bool) {
	h := hostname
	if len(h) >= 2 && h[0] == '[' && h[len(h)-1] == ']' {
		h = h[1 : len(h)-1]
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.String(), true
	}
	return "", false
}
