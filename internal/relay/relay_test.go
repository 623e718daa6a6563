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

package relay_test

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tuian/goshadow/internal/cipher"
	"github.com/tuian/goshadow/internal/config"
	"github.com/tuian/goshadow/internal/relay"
)

// startEchoServer accepts one connection and echoes back whatever it
// reads, standing in for the real destination a server-role session
// connects out to.
func startEchoServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ln.Addr()
}

func ipv4AddressBlock(addr *net.TCPAddr) []byte {
	block := []byte{0x01} // AddrTypeIPv4
	block = append(block, addr.IP.To4()...)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(addr.Port))
	return append(block, portBytes[:]...)
}

// TestServerRoleRelaysEncryptedRoundTrip exercises the full wire
// protocol from the server role's side: a pretend peer relay connects,
// sends an encrypted address block plus a data chunk, and expects the
// destination's echoed reply back, encrypted under its own salt.
func TestServerRoleRelaysEncryptedRoundTrip(t *testing.T) {
	const password = "correct horse battery staple"
	const method = cipher.MethodAES256GCM

	echoAddr := startEchoServer(t).(*net.TCPAddr)

	cfg := config.Config{
		Role:     config.RoleServer,
		Password: password,
		Method:   method,
		Local:    config.Endpoint{Host: "127.0.0.1", Port: 0},
		Server:   config.Endpoint{Host: "127.0.0.1", Port: 1}, // unused on the server role's data path
		Timeout:  60,
	}

	r, err := relay.New(cfg, 64, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	host, port, err := r.ListenAddr()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	require.NoError(t, err)
	defer conn.Close()

	enc, err := cipher.New(password, method)
	require.NoError(t, err)

	plaintext := append(ipv4AddressBlock(echoAddr), []byte("hello relay")...)
	ciphertext, err := enc.Encrypt(plaintext)
	require.NoError(t, err)

	_, err = conn.Write(ciphertext)
	require.NoError(t, err)

	var plainOut []byte
	require.Eventually(t, func() bool {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		if n > 0 {
			pt, derr := enc.Decrypt(buf[:n])
			if derr == nil {
				plainOut = append(plainOut, pt...)
			}
		}
		return string(plainOut) == "hello relay"
	}, 3*time.Second, 20*time.Millisecond)
}
