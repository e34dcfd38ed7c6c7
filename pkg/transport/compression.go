package transport

import (
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
)

var ErrUnknownCompression = errors.New("unknown compression format")

// Compression selects a stream compression applied beneath the framing.
type Compression string

const (
	CompressionNone   Compression = ""
	CompressionSnappy Compression = "SNAPPY"
	CompressionZlib   Compression = "ZLIB"
)

// ParseCompression looks a format up by its key, ignoring case. "" and "none"
// disable compression.
func ParseCompression(key string) (Compression, error) {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "", "NONE":
		return CompressionNone, nil
	case string(CompressionSnappy):
		return CompressionSnappy, nil
	case string(CompressionZlib):
		return CompressionZlib, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCompression, key)
	}
}

type flushWriter interface {
	io.Writer
	Flush() error
}

type plainWriter struct{ io.Writer }

func (plainWriter) Flush() error { return nil }

func (c Compression) newWriter(w io.Writer) flushWriter {
	switch c {
	case CompressionSnappy:
		return snappy.NewBufferedWriter(w)
	case CompressionZlib:
		return zlib.NewWriter(w)
	default:
		return plainWriter{w}
	}
}

// newReader may block until the peer's stream header arrives.
func (c Compression) newReader(r io.Reader) (io.Reader, error) {
	switch c {
	case CompressionSnappy:
		return snappy.NewReader(r), nil
	case CompressionZlib:
		return zlib.NewReader(r)
	default:
		return r, nil
	}
}
