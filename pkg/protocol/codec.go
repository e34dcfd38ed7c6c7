// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package protocol

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the wire schema.
const (
	fieldCorrelationID protowire.Number = 1
	fieldLoginRequest  protowire.Number = 2
	fieldLoginResponse protowire.Number = 3
	fieldDataUpdate    protowire.Number = 4

	fieldLogin    protowire.Number = 1
	fieldPassword protowire.Number = 2

	fieldResult protowire.Number = 1

	fieldLabel protowire.Number = 1
)

const DefaultCharset = "UTF-8"

var ErrEmptyMessage = errors.New("message has no payload")

// Codec turns Messages into protobuf-encoded bytes and back. String fields are
// transcoded to and from the configured charset.
type Codec struct {
	charset string
	enc     encoding.Encoding
}

// NewCodec resolves charset by its IANA/WHATWG name. An empty name means UTF-8.
func NewCodec(charset string) (*Codec, error) {
	if charset == "" {
		charset = DefaultCharset
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return &Codec{charset: strings.ToUpper(charset), enc: enc}, nil
}

// MustCodec is NewCodec for names known to be valid.
func MustCodec(charset string) *Codec {
	c, err := NewCodec(charset)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Codec) Charset() string { return c.charset }

func (c *Codec) Marshal(m *Message) ([]byte, error) {
	if m == nil {
		return nil, ErrEmptyMessage
	}
	var b []byte
	var err error
	if b, err = c.appendString(b, fieldCorrelationID, m.CorrelationID); err != nil {
		return nil, err
	}

	if m.LoginRequest != nil {
		var sub []byte
		if sub, err = c.appendString(sub, fieldLogin, m.LoginRequest.Login); err != nil {
			return nil, err
		}
		if sub, err = c.appendString(sub, fieldPassword, m.LoginRequest.Password); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldLoginRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if m.LoginResponse != nil {
		var sub []byte
		if m.LoginResponse.Result != 0 {
			sub = protowire.AppendTag(sub, fieldResult, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(int64(m.LoginResponse.Result)))
		}
		b = protowire.AppendTag(b, fieldLoginResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if m.DataUpdate != nil {
		var sub []byte
		if sub, err = c.appendString(sub, fieldLabel, m.DataUpdate.Label); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldDataUpdate, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b, nil
}

// Unmarshal decodes a message. Unknown fields are skipped; a message without any
// recognised payload decodes successfully and reports MessageTypeUnknown.
func (c *Codec) Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch {
		case num == fieldCorrelationID && typ == protowire.BytesType:
			m.CorrelationID, err = c.decodeString(v)
		case num == fieldLoginRequest && typ == protowire.BytesType:
			m.LoginRequest, err = c.decodeLoginRequest(v)
		case num == fieldLoginResponse && typ == protowire.BytesType:
			m.LoginResponse, err = decodeLoginResponse(v)
		case num == fieldDataUpdate && typ == protowire.BytesType:
			m.DataUpdate, err = c.decodeDataUpdate(v)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Codec) decodeLoginRequest(b []byte) (*LoginRequest, error) {
	req := &LoginRequest{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		var err error
		switch num {
		case fieldLogin:
			req.Login, err = c.decodeString(v)
		case fieldPassword:
			req.Password, err = c.decodeString(v)
		}
		return err
	})
	return req, err
}

func decodeLoginResponse(b []byte) (*LoginResponse, error) {
	resp := &LoginResponse{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != fieldResult || typ != protowire.VarintType {
			return nil
		}
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return protowire.ParseError(n)
		}
		resp.Result = LoginResult(int32(x))
		return nil
	})
	return resp, err
}

func (c *Codec) decodeDataUpdate(b []byte) (*DataUpdate, error) {
	upd := &DataUpdate{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != fieldLabel || typ != protowire.BytesType {
			return nil
		}
		var err error
		upd.Label, err = c.decodeString(v)
		return err
	})
	return upd, err
}

func (c *Codec) appendString(b []byte, num protowire.Number, s string) ([]byte, error) {
	if s == "" {
		return b, nil
	}
	encoded, err := c.enc.NewEncoder().String(s)
	if err != nil {
		return nil, fmt.Errorf("encode field %d as %s: %w", num, c.charset, err)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, encoded), nil
}

func (c *Codec) decodeString(v []byte) (string, error) {
	decoded, err := c.enc.NewDecoder().Bytes(v)
	if err != nil {
		return "", fmt.Errorf("decode %s string: %w", c.charset, err)
	}
	return string(decoded), nil
}

// walk calls fn for every field of b. For length-delimited fields v is the
// payload, for varints v holds the raw varint bytes.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				v = b[:n]
			}
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
