package cipher_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuian/goshadow/internal/cipher"
)

func roundTrip(t *testing.T, method string, chunks [][]byte) {
	t.Helper()

	enc, err := cipher.New("correct horse battery staple", method)
	require.NoError(t, err)
	dec, err := cipher.New("correct horse battery staple", method)
	require.NoError(t, err)

	var wire bytes.Buffer
	for _, chunk := range chunks {
		ct, err := enc.Encrypt(chunk)
		require.NoError(t, err)
		wire.Write(ct)
	}

	var got bytes.Buffer
	// Feed the decryptor one byte at a time to exercise salt buffering
	// and chunk reassembly across arbitrary TCP read boundaries.
	wireBytes := wire.Bytes()
	for i := 0; i < len(wireBytes); i++ {
		pt, err := dec.Decrypt(wireBytes[i : i+1])
		require.NoError(t, err)
		got.Write(pt)
	}

	var want bytes.Buffer
	for _, chunk := range chunks {
		want.Write(chunk)
	}
	require.Equal(t, want.Bytes(), got.Bytes())
}

func TestRoundTripAllMethods(t *testing.T) {
	chunks := [][]byte{
		[]byte("GET / HTTP/1.1\r\n"),
		[]byte(""),
		bytes.Repeat([]byte{0x42}, 40000), // exceeds maxChunkSize, forces multiple AEAD chunks
		[]byte("trailer"),
	}

	for _, method := range []string{
		cipher.MethodAES256GCM,
		cipher.MethodChacha20IETFPoly1305,
		cipher.MethodAES256CFB,
	} {
		t.Run(method, func(t *testing.T) {
			roundTrip(t, method, chunks)
		})
	}
}

func TestDecryptBuffersPartialSalt(t *testing.T) {
	enc, err := cipher.New("pw", cipher.MethodAES256GCM)
	require.NoError(t, err)
	dec, err := cipher.New("pw", cipher.MethodAES256GCM)
	require.NoError(t, err)

	ct, err := enc.Encrypt([]byte("hello"))
	require.NoError(t, err)

	// Feed fewer bytes than the salt length; must not error, must
	// return no plaintext yet.
	out, err := dec.Decrypt(ct[:10])
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = dec.Decrypt(ct[10:])
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))
}

func TestDecryptFailsOnCorruption(t *testing.T) {
	enc, err := cipher.New("pw", cipher.MethodChacha20IETFPoly1305)
	require.NoError(t, err)
	dec, err := cipher.New("pw", cipher.MethodChacha20IETFPoly1305)
	require.NoError(t, err)

	ct, err := enc.Encrypt([]byte("hello, world"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF // corrupt the final AEAD tag byte

	_, err = dec.Decrypt(ct)
	require.ErrorIs(t, err, cipher.ErrDecryptFailed)
}

func TestUnknownMethod(t *testing.T) {
	_, err := cipher.New("pw", "not-a-real-cipher")
	require.ErrorIs(t, err, cipher.ErrUnknownMethod)
}
