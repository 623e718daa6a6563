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

// Package relay implements the TCP processor state machine (spec
// §4.E) and the listener/dispatcher that owns every session (spec
// §4.F).
//
// A Processor is a session: one local socket (the application or the
// peer relay, depending on role), one remote socket (the peer relay
// or the final destination), a Stage, and the two half-duplex write
// buffers the reactor drains as the peer sockets become writable.
// Exactly one of its two tokens is ever looked up in the relay's slab
// per dispatched event; the processor itself holds no reference back
// to the slab or to any other session, only the injected collaborators
// it needs (resolver, chooser, reactor).
package relay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tuian/goshadow/internal/chooser"
	"github.com/tuian/goshadow/internal/cipher"
	"github.com/tuian/goshadow/internal/config"
	"github.com/tuian/goshadow/internal/metrics"
	"github.com/tuian/goshadow/internal/rawsock"
	"github.com/tuian/goshadow/internal/reactor"
	"github.com/tuian/goshadow/internal/slab"
	"github.com/tuian/goshadow/internal/socks5"
)

// Resolver is the slice of *resolver.Resolver a Processor actually
// needs. Kept as an interface, like chooser.ServerChooser, so tests
// can drive HandleDNSResolved directly without a live UDP socket.
type Resolver interface {
	Resolve(hostname string, waiter slab.Token)
	RemoveCaller(waiter slab.Token)
}

// Role mirrors config.Role as the two concrete processor behaviors;
// kept distinct from config.Role so this package doesn't import the
// whole configuration surface for one field.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Stage is the processor's position in the state machine of spec
// §4.E, switched on exhaustively everywhere it matters rather than
// hidden behind macro-expanded control flow.
type Stage int

const (
	StageInit Stage = iota
	StageAddr
	StageUDPAssoc
	StageDNS
	StageConnecting
	StageStream
	StageDestroyed
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageAddr:
		return "addr"
	case StageUDPAssoc:
		return "udp_assoc"
	case StageDNS:
		return "dns"
	case StageConnecting:
		return "connecting"
	case StageStream:
		return "stream"
	case StageDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ProcessResult reports what a dispatched event did to a session. It
// exists for observability and tests; destruction itself always
// happens synchronously, inside the call that decided it was
// necessary, never as a side effect the caller has to remember to
// perform.
type ProcessResult struct {
	Failed bool
	Tokens []slab.Token
}

func success() ProcessResult { return ProcessResult{} }

func (p *Processor) failed() ProcessResult {
	return ProcessResult{Failed: true, Tokens: []slab.Token{p.localToken, p.remoteToken}}
}

// Processor is one session: the state described in spec §4.E's Data
// Model, plus the collaborators (resolver, chooser, reactor,
// registrar) it was constructed with.
type Processor struct {
	role  Role
	stage Stage

	localToken  slab.Token
	remoteToken slab.Token

	localFD  int
	remoteFD int

	clientAddr config.Endpoint // the accepted local peer's address, set at construction
	serverAddr config.Endpoint // the requested destination (from the SOCKS/wire header)
	peerRelay  config.Endpoint // client role only: the peer relay we dial

	outToLocal  []byte
	outToRemote []byte
	localOpen   bool // false once the local side has seen EOF/hup, half-close bookkeeping
	remoteOpen  bool

	enc *cipher.Encryptor

	res      Resolver
	chooser  chooser.ServerChooser // consulted by client-role processors only
	reactorR reactor.Reactor

	lastActivity time.Time

	onDestroy func(local, remote slab.Token)

	log *zap.Logger
}

// NewProcessor constructs a session already listening on localFD
// (accepted by the relay, registered as localToken) and pre-allocates
// remoteToken for the socket that will exist once the destination is
// known. onDestroy is called exactly once, when the session tears
// itself down, so the relay can remove both tokens from its slab.
func NewProcessor(
	role Role,
	localFD int,
	localToken, remoteToken slab.Token,
	clientAddr config.Endpoint,
	cfg config.Config,
	res Resolver,
	ch chooser.ServerChooser,
	reactorR reactor.Reactor,
	onDestroy func(local, remote slab.Token),
	log *zap.Logger,
) (*Processor, error) {
	enc, err := cipher.New(cfg.Password, cfg.Method)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitEncryptorFailed, err)
	}

	// A client-role session's local socket speaks SOCKS5 to the
	// application and must negotiate a method first. A server-role
	// session's local socket is the already-established link from the
	// peer relay: its first bytes are directly the (encrypted) address
	// block, with no method-selection step of its own.
	initialStage := StageInit
	if role == RoleServer {
		initialStage = StageAddr
	}

	p := &Processor{
		role:         role,
		stage:        initialStage,
		localToken:   localToken,
		remoteToken:  remoteToken,
		localFD:      localFD,
		remoteFD:     -1,
		clientAddr:   clientAddr,
		enc:          enc,
		res:          res,
		chooser:      ch,
		reactorR:     reactorR,
		localOpen:    true,
		remoteOpen:   false,
		lastActivity: time.Now(),
		onDestroy:    onDestroy,
		log:          log,
	}
	return p, nil
}

// IdleSince reports when this session last did anything, for the
// relay's idle-timeout sweep.
func (p *Processor) IdleSince() time.Time { return p.lastActivity }

func (p *Processor) touch() { p.lastActivity = time.Now() }

// cryptoBoundary reports whether the socket named by isLocal is the
// encryption boundary for this role (spec §4.E invariant 6): the
// client encrypts/decrypts traffic on its remote socket (the link to
// the peer relay); the server does the same on its local socket (the
// same link, seen from the other end).
func (p *Processor) cryptoBoundary(isLocal bool) bool {
	if p.role == RoleClient {
		return !isLocal
	}
	return isLocal
}

// Process dispatches one reactor event for token to the appropriate
// handler. Destruction, if warranted, has already happened by the
// time this returns.
func (p *Processor) Process(token slab.Token, ev reactor.Events) ProcessResult {
	if p.stage == StageDestroyed {
		return success()
	}
	p.touch()

	isLocal := token == p.localToken

	if ev&reactor.Hup != 0 || ev&reactor.Err != 0 {
		p.log.Debug("socket hup/err", zap.Bool("local", isLocal), zap.Stringer("stage", p.stage))
		p.Destroy()
		return p.failed()
	}

	// Local data that arrives before the remote connect completes is
	// simply buffered by handleStageConnecting below; only the remote
	// socket's writable event is special-cased while connecting.
	if !isLocal && p.stage == StageConnecting && ev&reactor.Writable != 0 {
		return p.onConnectWritable()
	}

	if ev&reactor.Writable != 0 {
		res := p.onWritable(isLocal)
		if res.Failed {
			return res
		}
	}
	if ev&reactor.Readable != 0 {
		res := p.onReadable(isLocal)
		if res.Failed {
			return res
		}
	}
	return success()
}

// onReadable reads once from the named socket and dispatches the
// result to the stage-appropriate handler.
func (p *Processor) onReadable(isLocal bool) ProcessResult {
	fd := p.remoteFD
	if isLocal {
		fd = p.localFD
	}

	buf := make([]byte, 32*1024)
	n, wouldBlock, eof, err := rawsock.Read(fd, buf)
	if wouldBlock {
		return success()
	}
	if err != nil {
		p.log.Error("socket read failed", zap.Bool("local", isLocal), zap.Error(err))
		p.Destroy()
		return p.failed()
	}
	if eof {
		p.log.Debug("socket eof", zap.Bool("local", isLocal), zap.Stringer("stage", p.stage))
		p.Destroy()
		return p.failed()
	}

	raw := buf[:n]
	if isLocal {
		metrics.BytesRelayed.WithLabelValues("from_local").Add(float64(n))
	} else {
		metrics.BytesRelayed.WithLabelValues("from_remote").Add(float64(n))
	}

	var data []byte
	if p.cryptoBoundary(isLocal) {
		pt, derr := p.enc.Decrypt(raw)
		if derr != nil {
			p.log.Warn("decrypt failed, destroying session", zap.Error(fmt.Errorf("%w: %v", ErrDecryptFailed, derr)))
			p.Destroy()
			return p.failed()
		}
		data = pt
	} else {
		data = raw
	}
	if len(data) == 0 {
		return success() // e.g. salt-only fragment buffered by the cipher
	}

	if !isLocal {
		// Remote-read data always flows straight to the local socket,
		// regardless of stage: by the time remote_sock exists the
		// handshake on the local side is long finished.
		return p.writeToSock(true, data)
	}

	switch p.stage {
	case StageInit:
		return p.handleStageInit(data)
	case StageAddr:
		return p.handleStageAddr(data)
	case StageConnecting:
		return p.handleStageConnecting(data)
	case StageStream:
		return p.handleStageStream(data)
	default:
		return success()
	}
}

// onWritable flushes whatever is buffered for the named socket.
func (p *Processor) onWritable(isLocal bool) ProcessResult {
	buf := &p.outToRemote
	if isLocal {
		buf = &p.outToLocal
	}
	if len(*buf) == 0 {
		return success()
	}
	return p.flush(isLocal, buf)
}

// flush writes as much of *buf as the socket accepts right now,
// toggling the reactor's writable interest based on whether anything
// is left over. This is the core of spec §4.E's write-path invariant:
// a short write is buffered, not retried inline, and the caller learns
// about the remainder only through a later writable event.
func (p *Processor) flush(isLocal bool, buf *[]byte) ProcessResult {
	fd := p.remoteFD
	tok := p.remoteToken
	if isLocal {
		fd = p.localFD
		tok = p.localToken
	}

	n, wouldBlock, err := rawsock.Write(fd, *buf)
	if err != nil {
		p.log.Error("socket write failed", zap.Bool("local", isLocal), zap.Error(err))
		p.Destroy()
		return p.failed()
	}
	if wouldBlock {
		n = 0
	}

	if n > 0 {
		if isLocal {
			metrics.BytesRelayed.WithLabelValues("to_local").Add(float64(n))
		} else {
			metrics.BytesRelayed.WithLabelValues("to_remote").Add(float64(n))
		}
	}

	*buf = (*buf)[n:]

	interest := reactor.Readable | reactor.Basic
	if len(*buf) > 0 {
		interest |= reactor.Writable
	}
	if err := p.reactorR.Reregister(tok, fd, interest); err != nil {
		p.log.Error("reregister failed", zap.Error(err))
		p.Destroy()
		return p.failed()
	}
	return success()
}

// writeToSock is the write-side counterpart of onReadable: it
// encrypts data if the destination socket is this role's encryption
// boundary, appends it to that socket's buffer, and attempts an
// immediate flush.
func (p *Processor) writeToSock(isLocal bool, data []byte) ProcessResult {
	if len(data) == 0 {
		return success()
	}

	out := data
	if p.cryptoBoundary(isLocal) {
		ct, err := p.enc.Encrypt(data)
		if err != nil {
			p.log.Error("encrypt failed", zap.Error(fmt.Errorf("%w: %v", ErrEncryptFailed, err)))
			p.Destroy()
			return p.failed()
		}
		out = ct
	}

	buf := &p.outToRemote
	if isLocal {
		buf = &p.outToLocal
	}
	*buf = append(*buf, out...)
	return p.flush(isLocal, buf)
}

func (p *Processor) handleStageInit(data []byte) ProcessResult {
	switch socks5.CheckMethods(data) {
	case socks5.AuthSuccess:
		res := p.writeToSock(true, socks5.SelectionReplySuccess)
		if res.Failed {
			return res
		}
		p.stage = StageAddr
		return success()
	case socks5.AuthNoAcceptableMethods:
		_ = p.writeToSock(true, socks5.SelectionReplyNoAcceptableMethods)
		p.log.Debug("no acceptable socks5 method offered")
		p.Destroy()
		return p.failed()
	default:
		p.log.Debug("malformed socks5 method-selection header")
		p.Destroy()
		return p.failed()
	}
}

func (p *Processor) handleStageAddr(data []byte) ProcessResult {
	var addrBlock []byte

	if p.role == RoleClient {
		if len(data) < 2 {
			p.Destroy()
			return p.failed()
		}
		switch data[1] {
		case socks5.CmdConnect:
			if len(data) < 4 {
				p.Destroy()
				return p.failed()
			}
			addrBlock = data[3:]
		case socks5.CmdUDPAssociate:
			p.log.Info("udp associate requested, not supported")
			p.stage = StageUDPAssoc
			p.Destroy()
			return p.failed()
		default:
			p.log.Debug("unsupported socks5 command", zap.Int("cmd", int(data[1])))
			p.Destroy()
			return p.failed()
		}
	} else {
		addrBlock = data
	}

	addr, err := socks5.ParseAddress(addrBlock)
	if err != nil {
		p.log.Debug("malformed address header", zap.Error(err))
		p.Destroy()
		return p.failed()
	}

	p.serverAddr = config.Endpoint{Host: addr.Host, Port: addr.Port}
	p.stage = StageDNS
	p.log.Info("session addressed",
		zap.Stringer("client", p.clientAddr),
		zap.Stringer("server", p.serverAddr),
		zap.Bool("is_client_role", p.role == RoleClient))

	if p.role == RoleClient {
		res := p.writeToSock(true, socks5.ConnectSuccessReply)
		if res.Failed {
			return res
		}
		p.outToRemote = append(p.outToRemote, addrBlock...)

		target := p.chooser.Choose()
		if target.Host == "" {
			p.log.Warn("no peer relay available", zap.Error(ErrNoServerAvailable))
			p.Destroy()
			return p.failed()
		}
		p.peerRelay = target
		metrics.DNSQueries.Inc()
		p.res.Resolve(target.Host, p.remoteToken)
		return success()
	}

	if len(addrBlock) > addr.Length {
		p.outToRemote = append(p.outToRemote, addrBlock[addr.Length:]...)
	}
	metrics.DNSQueries.Inc()
	p.res.Resolve(addr.Host, p.remoteToken)
	return success()
}

func (p *Processor) handleStageConnecting(data []byte) ProcessResult {
	p.outToRemote = append(p.outToRemote, data...)
	return success()
}

func (p *Processor) handleStageStream(data []byte) ProcessResult {
	return p.writeToSock(false, data)
}

// HandleDNSResolved implements resolver.Caller. It is invoked directly
// by the shared Resolver, not through the relay's dispatch loop, so any
// destruction decided here must go through the same onDestroy path
// Process uses for its own failures.
func (p *Processor) HandleDNSResolved(hostname, ip string, err error) {
	if p.stage == StageDestroyed {
		return
	}
	p.touch()

	if err != nil {
		p.log.Warn("dns resolution failed", zap.String("host", hostname), zap.Error(err))
		metrics.DNSTimeouts.Inc()
		p.Destroy()
		return
	}

	port := p.serverAddr.Port
	if p.role == RoleClient {
		port = p.peerRelay.Port
	}

	fd, inProgress, cerr := rawsock.ConnectNonblocking(ip, port)
	if cerr != nil {
		p.log.Warn("connect failed", zap.String("host", ip), zap.Error(cerr))
		p.Destroy()
		return
	}

	p.remoteFD = fd
	p.remoteOpen = true
	p.stage = StageConnecting

	interest := reactor.Readable | reactor.Writable | reactor.Basic
	if err := p.reactorR.Register(p.remoteToken, fd, interest); err != nil {
		p.log.Error("register remote socket failed", zap.Error(err))
		p.Destroy()
		return
	}

	if !inProgress {
		// Connected synchronously (e.g. to a loopback address); the
		// reactor will still deliver a writable event immediately since
		// the socket is writable, so onConnectWritable runs the same
		// completion logic either way.
		return
	}
}

// onConnectWritable fires once the non-blocking connect started in
// HandleDNSResolved completes, successfully or not.
func (p *Processor) onConnectWritable() ProcessResult {
	if err := rawsock.ConnectError(p.remoteFD); err != nil {
		p.log.Warn("remote connect failed", zap.Error(fmt.Errorf("%w: %v", ErrConnectFailed, err)))
		p.Destroy()
		return p.failed()
	}

	p.stage = StageStream
	p.log.Debug("remote connected", zap.Stringer("server", p.serverAddr))

	if len(p.outToRemote) > 0 {
		// Everything buffered before the connect completed is still
		// plaintext; send it through the write path so it is encrypted
		// when the remote socket is this role's crypto boundary.
		pending := p.outToRemote
		p.outToRemote = nil
		if res := p.writeToSock(false, pending); res.Failed {
			return res
		}
	} else {
		if err := p.reactorR.Reregister(p.remoteToken, p.remoteFD, reactor.Readable|reactor.Basic); err != nil {
			p.log.Error("reregister failed", zap.Error(err))
			p.Destroy()
			return p.failed()
		}
	}
	return success()
}

// Destroy tears the session down. It is idempotent: every internal
// failure path calls it directly, and the relay's idle-timeout sweep
// may also call it, so nothing here may assume it runs exactly once
// except by checking stage first.
func (p *Processor) Destroy() {
	if p.stage == StageDestroyed {
		return
	}

	metrics.SessionsDestroyed.WithLabelValues(p.stage.String()).Inc()
	p.stage = StageDestroyed

	if p.localOpen {
		_ = p.reactorR.Deregister(p.localFD)
		_ = rawsock.Close(p.localFD)
		p.localOpen = false
	}
	if p.remoteOpen {
		_ = p.reactorR.Deregister(p.remoteFD)
		_ = rawsock.Close(p.remoteFD)
		p.remoteOpen = false
	}
	p.res.RemoveCaller(p.remoteToken)

	if p.onDestroy != nil {
		p.onDestroy(p.localToken, p.remoteToken)
		p.onDestroy = nil
	}
}
