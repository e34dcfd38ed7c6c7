// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package obfuscator

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	SaltLen   = 8
	TagLen    = 8
	HeaderLen = SaltLen + TagLen

	bufferSize = 2048
)

// MaskedConn wraps the UDP socket under the QUIC transport. Every datagram is
// XOR-masked and carries a salt plus a truncated HMAC; datagrams from peers that
// do not share the secret are dropped silently, so the port does not answer
// probes.
type MaskedConn struct {
	net.PacketConn
	key     []byte
	authKey []byte
	pool    sync.Pool

	dropped atomic.Uint64
}

// NewMaskedConn derives the masking and authentication keys from secret.
func NewMaskedConn(conn net.PacketConn, secret string) *MaskedConn {
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("lesocket-mask-v1"))

	key := make([]byte, 32)
	authKey := make([]byte, 32)
	io.ReadFull(kdf, key)
	io.ReadFull(kdf, authKey)

	return &MaskedConn{
		PacketConn: conn,
		key:        key,
		authKey:    authKey,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, bufferSize)
				return &b
			},
		},
	}
}

// Dropped counts datagrams rejected for a bad or missing header.
func (c *MaskedConn) Dropped() uint64 { return c.dropped.Load() }

// xor applies the rolling mask, offset by the datagram's salt.
func (c *MaskedConn) xor(p []byte, salt []byte) {
	kLen := len(c.key)
	offset := int(binary.BigEndian.Uint32(salt[:4]) % uint32(kLen))
	for i := range p {
		p[i] ^= c.key[(i+offset)%kLen]
	}
}

func (c *MaskedConn) tag(salt, masked []byte) []byte {
	mac := hmac.New(sha256.New, c.authKey)
	mac.Write(salt)
	mac.Write(masked)
	return mac.Sum(nil)[:TagLen]
}

func (c *MaskedConn) buffer(size int) (*[]byte, []byte) {
	bp := c.pool.Get().(*[]byte)
	if cap(*bp) < size {
		b := make([]byte, size)
		return bp, b
	}
	return bp, (*bp)[:size]
}

// ReadFrom returns the next authentic datagram, unmasked.
func (c *MaskedConn) ReadFrom(p []byte) (int, net.Addr, error) {
	bp, buf := c.buffer(len(p) + HeaderLen)
	defer c.pool.Put(bp)

	for {
		n, addr, err := c.PacketConn.ReadFrom(buf)
		if err != nil {
			return 0, addr, err
		}
		if n < HeaderLen {
			c.dropped.Add(1)
			continue
		}

		salt := buf[:SaltLen]
		tag := buf[SaltLen:HeaderLen]
		payload := buf[HeaderLen:n]
		if !hmac.Equal(tag, c.tag(salt, payload)) {
			c.dropped.Add(1)
			continue
		}

		c.xor(payload, salt)
		return copy(p, payload), addr, nil
	}
}

// WriteTo masks p and prefixes the header.
func (c *MaskedConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	bp, buf := c.buffer(len(p) + HeaderLen)
	defer c.pool.Put(bp)

	salt := buf[:SaltLen]
	if _, err := rand.Read(salt); err != nil {
		return 0, err
	}
	payload := buf[HeaderLen:]
	copy(payload, p)
	c.xor(payload, salt)
	copy(buf[SaltLen:HeaderLen], c.tag(salt, payload))

	if _, err := c.PacketConn.WriteTo(buf, addr); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *MaskedConn) LocalAddr() net.Addr                { return c.PacketConn.LocalAddr() }
func (c *MaskedConn) SetDeadline(t time.Time) error      { return c.PacketConn.SetDeadline(t) }
func (c *MaskedConn) SetReadDeadline(t time.Time) error  { return c.PacketConn.SetReadDeadline(t) }
func (c *MaskedConn) SetWriteDeadline(t time.Time) error { return c.PacketConn.SetWriteDeadline(t) }
func (c *MaskedConn) Close() error                       { return c.PacketConn.Close() }

func (c *MaskedConn) SetReadBuffer(bytes int) error {
	if u, ok := c.PacketConn.(interface{ SetReadBuffer(int) error }); ok {
		return u.SetReadBuffer(bytes)
	}
	return nil
}

func (c *MaskedConn) SetWriteBuffer(bytes int) error {
	if u, ok := c.PacketConn.(interface{ SetWriteBuffer(int) error }); ok {
		return u.SetWriteBuffer(bytes)
	}
	return nil
}
