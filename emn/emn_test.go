package emn

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	emailFirst               = "030D6A00850703656D61696C40616464726573732E636F6D0005C30620100804084401"
	timestampFirst           = "030d6a008505c3062010080409560703656d61696c40616464726573732e636f6d0001"
	emailFirstDotComEncoded  = "030D6A00850703656D61696C4061646472657373008505C30620100804084401"
	invalidEMNTag            = "030D6A00360703656D61696C40616464726573732E636F6D0005C30620100804084401"
	missingInlineStringTag   = "030D6A00850785656D61696C40616464726573732E636F6D0005C30620100804084401"
	truncatedAfterInlineStr  = "030D6A00850703"
	missingNull              = "030D6A00850703656D61696C40616464726573732E636F6D05C30620100804084401"
	emptyMailbox             = "030D6A0085070300"
	plainMailboxAttr         = "030D6A00850603626F62406578616D706C652E6F72670001"
	tagWithoutAttributes     = "030D6A00050703656D61696C40616464726573732E636F6D0001"
	unknownAttribute         = "030D6A00850803656D61696C40616464726573732E636F6D0001"
	timestampWithoutOpaque   = "030D6A0085050703626F62406578616D706C650087"
	timestampLengthOverflow  = "030D6A008505C3FF2010"
	headerOnly               = "030D6A00"
	latin1Mailbox            = "030D6A00850703E96D696C406578616D706C652E6672000001"
	suffixAfterNulUnknown    = "030D6A00850703626F62406578616D706C650089"
	suffixAtEndOfBufferNoNul = "030D6A00850703626F62"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		hex     string
		want    string
		wantErr error
	}{
		{name: "email first", hex: emailFirst, want: "email@address.com"},
		{name: "timestamp first", hex: timestampFirst, want: "email@address.com"},
		{name: "dot com encoded", hex: emailFirstDotComEncoded, want: "email@address.com"},
		{name: "plain mailbox attribute", hex: plainMailboxAttr, want: "bob@example.org"},
		{name: "timestamp without opaque data", hex: timestampWithoutOpaque, want: "bob@example.net"},
		{name: "latin1 mailbox", hex: latin1Mailbox, want: "émil@example.fr"},
		{name: "unknown suffix token ignored", hex: suffixAfterNulUnknown, want: "bob@example"},
		{name: "invalid emn tag", hex: invalidEMNTag, wantErr: ErrTagMismatch},
		{name: "tag without attributes", hex: tagWithoutAttributes, wantErr: ErrTagMismatch},
		{name: "unknown attribute", hex: unknownAttribute, wantErr: ErrAttributeMismatch},
		{name: "missing inline string tag", hex: missingInlineStringTag, wantErr: ErrMissingInlineString},
		{name: "truncated after inline string", hex: truncatedAfterInlineStr, wantErr: ErrUnterminatedString},
		{name: "missing null", hex: missingNull, wantErr: ErrUnterminatedString},
		{name: "no terminator at end of buffer", hex: suffixAtEndOfBufferNoNul, wantErr: ErrUnterminatedString},
		{name: "empty mailbox", hex: emptyMailbox, wantErr: ErrEmptyAddress},
		{name: "timestamp length overflow", hex: timestampLengthOverflow, wantErr: ErrTooShort},
		{name: "header only", hex: headerOnly, wantErr: ErrTooShort},
		{name: "empty", hex: "", wantErr: ErrTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := ParseHex(tt.hex)
			require.NoError(t, err)

			got, err := Decode(data)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_ErrorOffset(t *testing.T) {
	data, err := ParseHex(missingInlineStringTag)
	require.NoError(t, err)

	_, err = Decode(data)
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, 6, decodeErr.Offset)
	assert.Contains(t, err.Error(), "offset 6")
}

func TestDecode_Truncations(t *testing.T) {
	data, err := ParseHex(timestampFirst)
	require.NoError(t, err)

	// every strict prefix that cuts before the terminating NUL must fail
	nul := len(data) - 2
	for i := 0; i < nul; i++ {
		got, err := Decode(data[:i])
		assert.Errorf(t, err, "prefix of %d bytes decoded to %q", i, got)
	}

	got, err := Decode(data[:nul+1])
	require.NoError(t, err)
	assert.Equal(t, "email@address.com", got)
}

func TestDecode_Idempotent(t *testing.T) {
	data, err := ParseHex(emailFirstDotComEncoded)
	require.NoError(t, err)
	orig := append([]byte(nil), data...)

	first, err1 := Decode(data)
	second, err2 := Decode(data)
	assert.Equal(t, first, second)
	assert.Equal(t, err1, err2)
	assert.Equal(t, orig, data, "input must not be modified")
}

func TestEncode_HeaderCharset(t *testing.T) {
	ascii, err := Encode(Notification{Mailbox: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, byte(0x6A), ascii[2], "ASCII mailbox keeps the UTF-8 charset")

	latin1, err := Encode(Notification{Mailbox: "émil@example.fr", MailAt: true})
	require.NoError(t, err)
	assert.Equal(t, byte(0x04), latin1[2], "non-ASCII mailbox is declared ISO-8859-1")
	assert.Contains(t, string(latin1), "\xe9mil@")

	got, err := Decode(latin1)
	require.NoError(t, err)
	assert.Equal(t, "émil@example.fr", got)
}

func TestDecode_Concurrent(t *testing.T) {
	fixtures := map[string]string{
		emailFirst:              "email@address.com",
		timestampFirst:          "email@address.com",
		emailFirstDotComEncoded: "email@address.com",
		plainMailboxAttr:        "bob@example.org",
		latin1Mailbox:           "émil@example.fr",
		missingNull:             "",
		emptyMailbox:            "",
	}

	inputs := make(map[string][]byte, len(fixtures))
	for hexStr := range fixtures {
		data, err := ParseHex(hexStr)
		require.NoError(t, err)
		inputs[hexStr] = data
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers*len(fixtures))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for hexStr, want := range fixtures {
					got, err := Decode(inputs[hexStr])
					if got != want || (want == "") != (err != nil) {
						errs <- fmt.Errorf("%s: got %q, %v; want %q", hexStr, got, err, want)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestEncodeDecode(t *testing.T) {
	stamp := time.Date(2010, 8, 4, 9, 56, 0, 0, time.UTC)
	tests := []struct {
		name string
		n    Notification
	}{
		{name: "plain", n: Notification{Mailbox: "bob@example.com"}},
		{name: "mailat", n: Notification{Mailbox: "bob@example.com", MailAt: true}},
		{name: "timestamp", n: Notification{Mailbox: "bob@example.edu", Timestamp: stamp}},
		{name: "compressed suffix", n: Notification{Mailbox: "bob@example.org", CompressSuffix: true}},
		{name: "compressed without known suffix", n: Notification{Mailbox: "bob@example.de", CompressSuffix: true}},
		{name: "latin1", n: Notification{Mailbox: "jürgen@example.de", MailAt: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.n)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.n.Mailbox, got)
		})
	}
}

func TestEncode_MatchesFixture(t *testing.T) {
	want, err := ParseHex(emailFirstDotComEncoded)
	require.NoError(t, err)

	got, err := Encode(Notification{
		Mailbox:        "email@address.com",
		MailAt:         true,
		Timestamp:      time.Date(2010, 8, 4, 8, 44, 0, 0, time.UTC),
		CompressSuffix: true,
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEncode_Errors(t *testing.T) {
	_, err := Encode(Notification{})
	assert.Error(t, err)

	_, err = Encode(Notification{Mailbox: "bob\x00@example.com"})
	assert.Error(t, err)

	_, err = Encode(Notification{Mailbox: "bob@例え.jp"})
	assert.Error(t, err)
}

func TestParseHex(t *testing.T) {
	got, err := ParseHex("03 0d\n6A00")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x0D, 0x6A, 0x00}, got)

	_, err = ParseHex("0x03")
	assert.Error(t, err)
}

func FuzzDecode(f *testing.F) {
	for _, s := range []string{emailFirst, timestampFirst, emailFirstDotComEncoded, missingNull, timestampLengthOverflow} {
		data, err := ParseHex(s)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(data)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		got, err := Decode(data)
		if err == nil && got == "" {
			t.Fatalf("successful decode returned empty address for %x", data)
		}
		if err != nil && got != "" {
			t.Fatalf("failed decode returned address %q", got)
		}
	})
}

func BenchmarkDecode(b *testing.B) {
	data, err := ParseHex(timestampFirst)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(data); err != nil {
			b.Fatal(err)
		}
	}
}
