// Package emn decodes OMA Email Notification (EMN) push messages encoded as
// WBXML. Only the minimal profile used by carriers is supported: a single
// <emn> element carrying a mailbox attribute and an optional timestamp.
package emn

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/charmap"
)

// ContentType is the push content type carrying a WBXML encoded EMN.
const ContentType = "application/vnd.wap.emn+wbxml"

const (
	headerLen = 4 // version, public id, charset, string table length

	tokenMask      = 0x3F
	tokenWithAttrs = 0x80

	tagEMN = 0x05

	attrTimestamp = 0x05
	attrMailbox   = 0x06 // mailbox="
	attrMailboxAt = 0x07 // mailbox="mailat:

	inlineString = 0x03
	opaqueData   = 0xC3
	stringEnd    = 0x00
	tokenEnd     = 0x01
)

// Attribute value tokens standing in for common domain suffixes.
var domainSuffixes = map[byte]string{
	0x85: ".com",
	0x86: ".edu",
	0x87: ".net",
	0x88: ".org",
}

var (
	ErrTooShort            = errors.New("emn: message too short")
	ErrTagMismatch         = errors.New("emn: expected emn tag with attributes")
	ErrAttributeMismatch   = errors.New("emn: expected mailbox attribute")
	ErrMissingInlineString = errors.New("emn: expected inline string")
	ErrUnterminatedString  = errors.New("emn: unterminated mailbox string")
	ErrEmptyAddress        = errors.New("emn: empty mailbox address")
)

// DecodeError reports where decoding stopped. Err is one of the package
// sentinel errors.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// cursor is a read position over an immutable buffer. Reads past the end
// return ErrTooShort instead of panicking.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) fail(err error) error {
	return &DecodeError{Offset: c.pos, Err: err}
}

func (c *cursor) peek() (byte, error) {
	if c.pos < 0 || c.pos >= len(c.buf) {
		return 0, c.fail(ErrTooShort)
	}
	return c.buf[c.pos], nil
}

func (c *cursor) next() (byte, error) {
	b, err := c.peek()
	if err != nil {
		return 0, err
	}
	c.pos++
	return b, nil
}

func (c *cursor) skip(n int) error {
	if n < 0 || n > len(c.buf)-c.pos {
		return c.fail(ErrTooShort)
	}
	c.pos += n
	return nil
}

// Decode extracts the mailbox address from a WBXML encoded EMN message such as
//
//	<emn mailbox="mailat:bob@example.com" timestamp="2008-06-30T15:17:00Z"/>
//
// Any malformed or truncated input yields an error wrapping one of the
// package sentinel errors. Decode does not retain data.
func Decode(data []byte) (string, error) {
	c := &cursor{buf: data}

	if err := c.skip(headerLen); err != nil {
		return "", err
	}

	tag, err := c.next()
	if err != nil {
		return "", err
	}
	if tag&tokenMask != tagEMN || tag&tokenWithAttrs != tokenWithAttrs {
		c.pos--
		return "", c.fail(ErrTagMismatch)
	}

	// the timestamp may be put before the mailbox
	if err := skipTimestamp(c); err != nil {
		return "", err
	}

	// only mailbox="..." and mailbox="mailat:..." are accepted, other URI
	// schemes are not trusted
	attr, err := c.peek()
	if err != nil {
		return "", err
	}
	if code := attr & tokenMask; code != attrMailbox && code != attrMailboxAt {
		return "", c.fail(ErrAttributeMismatch)
	}
	c.pos++

	marker, err := c.peek()
	if err != nil {
		return "", err
	}
	if marker != inlineString {
		return "", c.fail(ErrMissingInlineString)
	}
	c.pos++

	rest := c.buf[c.pos:]
	n := bytes.IndexByte(rest, stringEnd)
	if n < 0 {
		return "", c.fail(ErrUnterminatedString)
	}
	if n == 0 {
		return "", c.fail(ErrEmptyAddress)
	}

	address, err := charmap.ISO8859_1.NewDecoder().Bytes(rest[:n])
	if err != nil {
		return "", fmt.Errorf("emn: decode mailbox: %w", err)
	}
	c.pos += n + 1

	// a suffix left out of the inline string may follow as a single token
	if b, err := c.peek(); err == nil {
		if suffix, ok := domainSuffixes[b]; ok {
			return string(address) + suffix, nil
		}
	}

	return string(address), nil
}

func skipTimestamp(c *cursor) error {
	attr, err := c.peek()
	if err != nil {
		return err
	}
	if attr&tokenMask != attrTimestamp {
		return nil
	}
	c.pos++

	marker, err := c.peek()
	if err != nil {
		return err
	}
	if marker != opaqueData {
		return nil
	}
	c.pos++

	length, err := c.next()
	if err != nil {
		return err
	}
	return c.skip(int(length))
}
