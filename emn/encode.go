package emn

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/encoding/charmap"
)

// header: WBXML 1.3, public id 0x0D (EMN 1.0), charset, no string table
var header = [headerLen]byte{0x03, 0x0D, charsetUTF8, 0x00}

// IANA MIBenum values for the header charset byte.
const (
	charsetLatin1 = 0x04
	charsetUTF8   = 0x6A
)

// Notification is the content of an EMN message.
type Notification struct {
	Mailbox string
	// MailAt selects the mailbox="mailat: attribute start token.
	MailAt bool
	// Timestamp is encoded at second precision in UTC. The zero value omits
	// the attribute.
	Timestamp time.Time
	// CompressSuffix replaces a trailing .com, .edu, .net or .org with its
	// single byte token.
	CompressSuffix bool
}

// Encode builds the WBXML token stream for n. The output is accepted by
// Decode and yields n.Mailbox.
func Encode(n Notification) ([]byte, error) {
	if n.Mailbox == "" {
		return nil, errors.New("emn: mailbox is empty")
	}

	mailbox := n.Mailbox
	var suffixToken byte
	if n.CompressSuffix {
		for token, suffix := range domainSuffixes {
			if len(mailbox) > len(suffix) && strings.HasSuffix(mailbox, suffix) {
				mailbox = strings.TrimSuffix(mailbox, suffix)
				suffixToken = token
				break
			}
		}
	}

	text, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(mailbox))
	if err != nil {
		return nil, fmt.Errorf("emn: encode mailbox: %w", err)
	}
	for _, b := range text {
		if b == stringEnd {
			return nil, errors.New("emn: mailbox contains NUL")
		}
	}

	out := make([]byte, 0, headerLen+len(text)+16)
	out = append(out, header[:]...)
	// ASCII is valid UTF-8; anything else was written as ISO-8859-1
	for _, b := range text {
		if b >= 0x80 {
			out[2] = charsetLatin1
			break
		}
	}
	out = append(out, tagEMN|tokenWithAttrs)

	attr := byte(attrMailbox)
	if n.MailAt {
		attr = attrMailboxAt
	}
	out = append(out, attr, inlineString)
	out = append(out, text...)
	out = append(out, stringEnd)
	if suffixToken != 0 {
		out = append(out, suffixToken)
	}

	if !n.Timestamp.IsZero() {
		if y := n.Timestamp.UTC().Year(); y < 0 || y > 9999 {
			return nil, fmt.Errorf("emn: timestamp year %d out of range", y)
		}
		stamp := encodeTimestamp(n.Timestamp)
		out = append(out, attrTimestamp, opaqueData, byte(len(stamp)))
		out = append(out, stamp...)
	}

	return append(out, tokenEnd), nil
}

// encodeTimestamp packs t as BCD digits YYYY MM DD hh mm ss, dropping
// trailing zero bytes.
func encodeTimestamp(t time.Time) []byte {
	t = t.UTC()
	digits := fmt.Sprintf("%04d%02d%02d%02d%02d%02d",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())

	out := make([]byte, len(digits)/2)
	for i := range out {
		out[i] = (digits[2*i]-'0')<<4 | (digits[2*i+1] - '0')
	}
	for len(out) > 0 && out[len(out)-1] == 0 {
		out = out[:len(out)-1]
	}
	return out
}

// ParseHex decodes a hex dump of a message. Case and whitespace are ignored.
func ParseHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("emn: parse hex: %w", err)
	}
	return data, nil
}
