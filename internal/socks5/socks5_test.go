package socks5_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuian/goshadow/internal/socks5"
)

func TestCheckMethodsSuccess(t *testing.T) {
	// offers GSSAPI (0x01) and no-auth (0x00)
	data := []byte{0x05, 0x02, 0x01, 0x00}
	require.Equal(t, socks5.AuthSuccess, socks5.CheckMethods(data))
}

func TestCheckMethodsNoAcceptable(t *testing.T) {
	data := []byte{0x05, 0x01, 0x02} // only username/password offered
	require.Equal(t, socks5.AuthNoAcceptableMethods, socks5.CheckMethods(data))
}

func TestCheckMethodsBadVersion(t *testing.T) {
	data := []byte{0x04, 0x01, 0x00}
	require.Equal(t, socks5.AuthBadHeader, socks5.CheckMethods(data))
}

func TestCheckMethodsTooShort(t *testing.T) {
	require.Equal(t, socks5.AuthBadHeader, socks5.CheckMethods([]byte{0x05, 0x01}))
}

func TestCheckMethodsLengthMismatch(t *testing.T) {
	// claims 2 methods but only supplies 1
	data := []byte{0x05, 0x02, 0x00}
	require.Equal(t, socks5.AuthBadHeader, socks5.CheckMethods(data))
}

// TestCheckMethodsAnyPrefixSplit is spec §8 property 2: for any split
// of a valid hello across reads, the parser must accept iff the full
// concatenation is valid. Method selection itself isn't incremental
// (the caller is expected to wait for len(data) bytes before calling),
// so this exercises that every strict prefix of a valid hello is
// correctly rejected as too short rather than misparsed.
func TestCheckMethodsAnyPrefixSplit(t *testing.T) {
	full := []byte{0x05, 0x03, 0x00, 0x01, 0x02}
	for n := 0; n < len(full); n++ {
		got := socks5.CheckMethods(full[:n])
		require.Equal(t, socks5.AuthBadHeader, got, "prefix of length %d must not be accepted", n)
	}
	require.Equal(t, socks5.AuthSuccess, socks5.CheckMethods(full))
}

func TestParseAddressIPv4(t *testing.T) {
	data := []byte{socks5.AddrTypeIPv4, 127, 0, 0, 1, 0x00, 0x50}
	addr, err := socks5.ParseAddress(data)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", addr.Host)
	require.Equal(t, uint16(80), addr.Port)
	require.Equal(t, len(data), addr.Length)
}

func TestParseAddressDomain(t *testing.T) {
	host := "localhost"
	data := append([]byte{socks5.AddrTypeDomain, byte(len(host))}, host...)
	data = append(data, 0x00, 0x50)

	addr, err := socks5.ParseAddress(data)
	require.NoError(t, err)
	require.Equal(t, host, addr.Host)
	require.Equal(t, uint16(80), addr.Port)
	require.Equal(t, len(data), addr.Length)
}

func TestParseAddressIPv6(t *testing.T) {
	ip := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	data := append([]byte{socks5.AddrTypeIPv6}, ip...)
	data = append(data, 0x1F, 0x90)

	addr, err := socks5.ParseAddress(data)
	require.NoError(t, err)
	require.Equal(t, "::1", addr.Host)
	require.Equal(t, uint16(8080), addr.Port)
}

func TestParseAddressTruncated(t *testing.T) {
	data := []byte{socks5.AddrTypeIPv4, 127, 0, 0, 1} // missing port
	_, err := socks5.ParseAddress(data)
	require.ErrorIs(t, err, socks5.ErrBadHeader)
}

func TestParseAddressUnknownType(t *testing.T) {
	_, err := socks5.ParseAddress([]byte{0x7F, 0, 0})
	require.ErrorIs(t, err, socks5.ErrBadHeader)
}
