package obfuscator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMaskedRoundTrip(t *testing.T) {
	a := NewMaskedConn(listen(t), "secret")
	b := NewMaskedConn(listen(t), "secret")

	_, err := a.WriteTo([]byte("hello over udp"), b.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello over udp", string(buf[:n]))
	assert.Equal(t, a.LocalAddr().String(), from.String())
}

func TestMaskedDropsForeignDatagrams(t *testing.T) {
	raw := listen(t)
	wrong := NewMaskedConn(listen(t), "other secret")
	b := NewMaskedConn(listen(t), "secret")
	good := NewMaskedConn(listen(t), "secret")

	_, err := raw.WriteTo([]byte("probe"), b.LocalAddr())
	require.NoError(t, err)
	_, err = raw.WriteTo([]byte("a much longer unauthenticated probe"), b.LocalAddr())
	require.NoError(t, err)
	_, err = wrong.WriteTo([]byte("wrong key"), b.LocalAddr())
	require.NoError(t, err)
	_, err = good.WriteTo([]byte("right key"), b.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "right key", string(buf[:n]))
	assert.Equal(t, uint64(3), b.Dropped())
}

func TestMaskedWireBytesDiffer(t *testing.T) {
	a := NewMaskedConn(listen(t), "secret")
	raw := listen(t)

	_, err := a.WriteTo([]byte("plaintext"), raw.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := raw.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, len("plaintext")+HeaderLen, n)
	assert.NotContains(t, string(buf[:n]), "plaintext")
}
