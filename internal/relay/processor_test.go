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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tuian/goshadow/internal/chooser"
	"github.com/tuian/goshadow/internal/cipher"
	"github.com/tuian/goshadow/internal/config"
	"github.com/tuian/goshadow/internal/reactor"
	"github.com/tuian/goshadow/internal/slab"
)

// socketpair returns two ends of a connected, non-blocking AF_UNIX
// stream socket, standing in for a TCP connection in tests: the
// processor under test only ever does read(2)/write(2)/connect(2) on
// a plain fd, so it can't tell the difference.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func readAll(t *testing.T, fd int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return out
		}
		require.NoError(t, err)
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

// fakeResolver records every Resolve call and lets the test deliver a
// result whenever it wants, decoupling processor tests from the real
// UDP resolver's timing.
type fakeResolver struct {
	resolved []string
	removed  []slab.Token
}

func (f *fakeResolver) Resolve(hostname string, waiter slab.Token) {
	f.resolved = append(f.resolved, hostname)
}
func (f *fakeResolver) RemoveCaller(waiter slab.Token) { f.removed = append(f.removed, waiter) }

func testConfig() config.Config {
	return config.Config{
		Role:     config.RoleClient,
		Password: "correct horse battery staple",
		Method:   "aes-256-gcm",
		Server:   config.Endpoint{Host: "198.51.100.1", Port: 9000},
		Local:    config.Endpoint{Host: "127.0.0.1", Port: 1080},
	}
}

func newTestProcessor(t *testing.T, role Role) (p *Processor, localPeer int, remoteFD *int, fr *fakeResolver) {
	t.Helper()
	localFD, localPeer := socketpair(t)

	fake := reactor.NewFake()
	fr = &fakeResolver{}
	var destroyedTokens []slab.Token
	onDestroy := func(local, remote slab.Token) {
		destroyedTokens = append(destroyedTokens, local, remote)
	}

	cfg := testConfig()
	cfg.Role = config.RoleClient
	if role == RoleServer {
		cfg.Role = config.RoleServer
	}

	pr, err := NewProcessor(role, localFD, 1, 2, config.Endpoint{Host: "127.0.0.1", Port: 55555},
		cfg, fr, chooser.NewStatic(cfg.Server), fake, onDestroy, zap.NewNop())
	require.NoError(t, err)
	return pr, localPeer, &pr.remoteFD, fr
}

func TestClientHandshakeThroughConnect(t *testing.T) {
	p, localPeer, _, fr := newTestProcessor(t, RoleClient)

	// Method selection: offer no-auth, expect "05 00" back.
	hello := []byte{0x05, 0x01, 0x00}
	n, err := unix.Write(localPeer, hello)
	require.NoError(t, err)
	require.Equal(t, len(hello), n)

	res := p.Process(p.localToken, reactor.Readable)
	require.False(t, res.Failed)
	require.Equal(t, StageAddr, p.stage)
	require.Equal(t, []byte{0x05, 0x00}, readAll(t, localPeer))

	// CONNECT request for example.test:443.
	req := []byte{0x05, 0x01, 0x00, 0x03, 12}
	req = append(req, []byte("example.test")...)
	req = append(req, 0x01, 0xBB)

	n, err = unix.Write(localPeer, req)
	require.NoError(t, err)
	require.Equal(t, len(req), n)

	res = p.Process(p.localToken, reactor.Readable)
	require.False(t, res.Failed)
	require.Equal(t, StageDNS, p.stage)
	require.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x10, 0x10}, readAll(t, localPeer))
	require.Equal(t, []string{p.peerRelay.Host}, fr.resolved)

	// Simulate DNS resolution completing, which starts a non-blocking
	// connect to a real listener.
	remoteListenFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(remoteListenFD)
	require.NoError(t, unix.Bind(remoteListenFD, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(remoteListenFD, 1))
	addr, err := unix.Getsockname(remoteListenFD)
	require.NoError(t, err)
	port := addr.(*unix.SockaddrInet4).Port

	p.peerRelay.Port = uint16(port)
	p.HandleDNSResolved(p.peerRelay.Host, "127.0.0.1", nil)
	require.Equal(t, StageConnecting, p.stage)

	require.Eventually(t, func() bool {
		_, _, _, wouldBlock, acceptErr := acceptOnce(remoteListenFD)
		return acceptErr == nil && !wouldBlock
	}, time.Second, 5*time.Millisecond)
}

func acceptOnce(listenFD int) (fd int, peer string, port uint16, wouldBlock bool, err error) {
	nfd, _, acceptErr := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if acceptErr == unix.EAGAIN || acceptErr == unix.EWOULDBLOCK {
		return 0, "", 0, true, nil
	}
	if acceptErr != nil {
		return 0, "", 0, false, acceptErr
	}
	unix.Close(nfd)
	return nfd, "", 0, false, nil
}

func TestMethodSelectionNoAcceptableMethodsDestroysSession(t *testing.T) {
	p, localPeer, _, _ := newTestProcessor(t, RoleClient)

	hello := []byte{0x05, 0x01, 0x01} // only GSSAPI offered
	_, err := unix.Write(localPeer, hello)
	require.NoError(t, err)

	res := p.Process(p.localToken, reactor.Readable)
	require.True(t, res.Failed)
	require.Equal(t, StageDestroyed, p.stage)
	require.Equal(t, []byte{0x05, 0xFF}, readAll(t, localPeer))
}

func TestDestroyIsIdempotent(t *testing.T) {
	p, _, _, fr := newTestProcessor(t, RoleClient)

	p.Destroy()
	require.Equal(t, StageDestroyed, p.stage)
	firstRemoved := len(fr.removed)

	p.Destroy() // must not panic or double-notify
	require.Equal(t, firstRemoved, len(fr.removed))
}

func TestLocalEOFDestroysSession(t *testing.T) {
	p, localPeer, _, _ := newTestProcessor(t, RoleClient)
	unix.Close(localPeer)

	res := p.Process(p.localToken, reactor.Readable)
	require.True(t, res.Failed)
	require.Equal(t, StageDestroyed, p.stage)
}

func TestServerRoleBuffersAddressTrailingBytes(t *testing.T) {
	cfg := testConfig()
	p, localPeer, _, fr := newTestProcessor(t, RoleServer)

	// Server-role Addr stage reads the raw address block (no SOCKS
	// command byte) plus whatever stream bytes follow it in the same
	// read, which must be buffered for the eventual remote socket. The
	// server's local socket is this role's crypto boundary (spec §4.E
	// invariant 6), so the peer relay's bytes arrive encrypted, just
	// like the real wire protocol.
	block := []byte{0x03, 12}
	block = append(block, []byte("example.test")...)
	block = append(block, 0x01, 0xBB)
	block = append(block, []byte("trailing")...)

	enc, err := cipher.New(cfg.Password, cfg.Method)
	require.NoError(t, err)
	ciphertext, err := enc.Encrypt(block)
	require.NoError(t, err)

	n, err := unix.Write(localPeer, ciphertext)
	require.NoError(t, err)
	require.Equal(t, len(ciphertext), n)

	res := p.Process(p.localToken, reactor.Readable)
	require.False(t, res.Failed)
	require.Equal(t, StageDNS, p.stage)
	require.Equal(t, []byte("trailing"), p.outToRemote)
	require.Equal(t, []string{"example.test"}, fr.resolved)
}
