package push

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/emn-to-imap/emn"
	"github.com/dhcgn/emn-to-imap/model"
)

const emailFirst = "030D6A00850703656D61696C40616464726573732E636F6D0005C30620100804084401"

func collect(t *testing.T, reader Reader) ([]model.Envelope, error) {
	t.Helper()

	out := make(chan model.Envelope, 16)
	done := make(chan error, 1)
	go func() {
		done <- reader.Stream(context.Background(), out)
		close(out)
	}()

	var envelopes []model.Envelope
	for env := range out {
		envelopes = append(envelopes, env)
	}
	return envelopes, <-done
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestJSONLStream(t *testing.T) {
	content := strings.Join([]string{
		`{"id":"p1","content_type":"application/vnd.wap.emn+wbxml","data":"` + emailFirst + `","received_at":"2026-10-19T06:00:00Z"}`,
		``,
		`{"content_type":"text/plain","data":"68656c6c6f"}`,
	}, "\n")
	path := writeFile(t, "pushes.jsonl", content)

	reader, err := NewReader(Options{Path: path}, nil)
	require.NoError(t, err)

	envelopes, err := collect(t, reader)
	require.NoError(t, err)
	require.Len(t, envelopes, 2)

	first := envelopes[0].Push
	assert.Equal(t, "p1", first.ID)
	assert.Equal(t, emn.ContentType, first.ContentType)
	assert.Equal(t, time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC), first.ReceivedAt.UTC())
	assert.Equal(t, Hash(first.Data), first.Hash)

	addr, err := emn.Decode(first.Data)
	require.NoError(t, err)
	assert.Equal(t, "email@address.com", addr)

	second := envelopes[1].Push
	assert.Equal(t, "push-2", second.ID)
	assert.Equal(t, []byte("hello"), second.Data)
}

func TestJSONLStream_BadHex(t *testing.T) {
	path := writeFile(t, "pushes.jsonl", `{"content_type":"x","data":"zz"}`)

	reader, err := NewReader(Options{Path: path, Format: FormatJSONL}, nil)
	require.NoError(t, err)

	envelopes, err := collect(t, reader)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.ErrorContains(t, envelopes[0].Err, "line 1")
}

func mboxEntry(id, contentType string, data []byte) string {
	return fmt.Sprintf("From push@gateway Mon Oct 19 06:00:00 2026\n"+
		"Message-Id: <%s>\n"+
		"Date: Mon, 19 Oct 2026 06:00:00 +0000\n"+
		"Content-Type: %s\n"+
		"Content-Transfer-Encoding: base64\n"+
		"\n"+
		"%s\n\n", id, contentType, base64.StdEncoding.EncodeToString(data))
}

func TestMboxStream(t *testing.T) {
	data, err := emn.Encode(emn.Notification{Mailbox: "bob@example.com", MailAt: true})
	require.NoError(t, err)

	content := mboxEntry("a@gateway", emn.ContentType, data) +
		mboxEntry("b@gateway", "application/vnd.wap.sic", []byte{0x01, 0x02})
	path := writeFile(t, "pushes.mbox", content)

	reader, err := NewReader(Options{Path: path, Format: FormatAuto}, nil)
	require.NoError(t, err)

	envelopes, err := collect(t, reader)
	require.NoError(t, err)
	require.Len(t, envelopes, 2)

	first := envelopes[0]
	require.NoError(t, first.Err)
	assert.Equal(t, "a@gateway", first.Push.ID)
	assert.Equal(t, emn.ContentType, first.Push.ContentType)
	assert.Equal(t, data, first.Push.Data)
	assert.False(t, first.Push.ReceivedAt.IsZero())

	assert.Equal(t, "application/vnd.wap.sic", envelopes[1].Push.ContentType)

	count, err := Count(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCount_JSONL(t *testing.T) {
	path := writeFile(t, "pushes.jsonl", "{}\n\n{}\n{}\n")
	count, err := Count(Options{Path: path, Format: FormatJSONL})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	_, err = Count(Options{Path: Stdin})
	assert.Error(t, err)
}

func TestResolveFormat(t *testing.T) {
	tests := []struct {
		path, format, want string
		wantErr            bool
	}{
		{path: "a.mbox", format: "", want: FormatMbox},
		{path: "a.MBOX", format: FormatAuto, want: FormatMbox},
		{path: "a.jsonl", format: FormatAuto, want: FormatJSONL},
		{path: "-", format: FormatMbox, want: FormatMbox},
		{path: "a.mbox", format: FormatJSONL, want: FormatJSONL},
		{path: "a", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ResolveFormat(tt.path, tt.format)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownFormat)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s/%s", tt.path, tt.format)
	}
}

func TestNewReader_EmptyPath(t *testing.T) {
	_, err := NewReader(Options{Path: "  "}, nil)
	assert.Error(t, err)
}
