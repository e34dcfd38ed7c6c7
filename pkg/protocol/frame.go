package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxVarintLen32 bounds the length prefix: a frame length fits in 32 bits.
	MaxVarintLen32 = 5
	// DefaultMaxFrame is the largest payload accepted unless configured otherwise.
	DefaultMaxFrame = 1 << 20
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameReader is what ReadFrame needs: byte-wise access for the prefix and
// bulk reads for the payload. *bufio.Reader satisfies it.
type FrameReader interface {
	io.Reader
	io.ByteReader
}

// AppendFrame appends payload to b behind its varint length prefix.
func AppendFrame(b, payload []byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(payload)))
	return append(b, payload...)
}

// WriteFrame writes a single length-prefixed frame with one Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, MaxVarintLen32+len(payload))
	_, err := w.Write(AppendFrame(buf, payload))
	return err
}

// ReadFrame reads the next length-prefixed frame. max <= 0 means DefaultMaxFrame.
func ReadFrame(r FrameReader, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > uint64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, max)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
