package push

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message"
	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/emn-to-imap/emn"
	"github.com/dhcgn/emn-to-imap/model"
	"github.com/dhcgn/emn-to-imap/runner"
)

// Source formats.
const (
	FormatAuto  = "auto"
	FormatJSONL = "jsonl"
	FormatMbox  = "mbox"
)

// Stdin is the source path that reads pushes from standard input.
const Stdin = "-"

var ErrUnknownFormat = errors.New("unknown push source format")

type Options struct {
	Path   string
	Format string
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

// ResolveFormat maps FormatAuto to a concrete format based on the file extension.
func ResolveFormat(path, format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatAuto:
		if strings.EqualFold(filepath.Ext(path), ".mbox") {
			return FormatMbox, nil
		}
		return FormatJSONL, nil
	case FormatJSONL:
		return FormatJSONL, nil
	case FormatMbox:
		return FormatMbox, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("push source path is empty")
	}
	format, err := ResolveFormat(path, opts.Format)
	if err != nil {
		return nil, err
	}

	base := source{path: path, logger: logger}
	if format == FormatMbox {
		return &mboxReader{source: base}, nil
	}
	return &jsonlReader{source: base}, nil
}

type source struct {
	path   string
	logger *slog.Logger
}

func (s source) open() (io.ReadCloser, error) {
	if s.path == Stdin {
		return io.NopCloser(os.Stdin), nil
	}
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open push source: %w", err)
	}
	return file, nil
}

func (s source) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if s.logger != nil {
		s.logger.Error("push stream error", "path", s.path, "err", err)
	}
	return emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// jsonlRecord is one push per line. Data is hex encoded.
type jsonlRecord struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	Data        string    `json:"data"`
	ReceivedAt  time.Time `json:"received_at,omitempty"`
}

type jsonlReader struct {
	source
}

func (j *jsonlReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	rc, err := j.open()
	if err != nil {
		return err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	idx := 0
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		idx++

		var record jsonlRecord
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			return j.emitError(ctx, out, fmt.Errorf("line %d: %w", line, err))
		}
		data, err := emn.ParseHex(record.Data)
		if err != nil {
			return j.emitError(ctx, out, fmt.Errorf("line %d: %w", line, err))
		}

		msg := newPush(idx, record.ID, record.ContentType, data, record.ReceivedAt)
		if err := emitEnvelope(ctx, out, model.Envelope{Push: msg}); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return j.emitError(ctx, out, fmt.Errorf("read push source: %w", err))
	}
	return nil
}

// mboxReader reads pushes captured as MIME messages: the Content-Type header
// is the push content type and the decoded body is the payload.
type mboxReader struct {
	source
}

func (m *mboxReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	rc, err := m.open()
	if err != nil {
		return err
	}
	defer rc.Close()

	reader := mboxlib.NewReader(rc)
	for idx := 1; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return m.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
		}

		msg, err := parsePushMessage(idx, msgReader)
		if err != nil {
			return m.emitError(ctx, out, fmt.Errorf("message %d parse: %w", idx, err))
		}

		if err := emitEnvelope(ctx, out, model.Envelope{Push: msg}); err != nil {
			return err
		}
	}
}

func parsePushMessage(idx int, r io.Reader) (model.PushMessage, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return model.PushMessage{}, err
	}

	data, err := io.ReadAll(entity.Body)
	if err != nil {
		return model.PushMessage{}, fmt.Errorf("read body: %w", err)
	}

	id := strings.Trim(strings.TrimSpace(entity.Header.Get("Message-Id")), " <>")

	var receivedAt time.Time
	if date := entity.Header.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			receivedAt = t
		}
	}

	return newPush(idx, id, entity.Header.Get("Content-Type"), data, receivedAt), nil
}

func newPush(idx int, id, contentType string, data []byte, receivedAt time.Time) model.PushMessage {
	if id == "" {
		id = fmt.Sprintf("push-%d", idx)
	}
	return model.PushMessage{
		ID:          id,
		ContentType: strings.TrimSpace(contentType),
		Data:        data,
		ReceivedAt:  receivedAt,
		Hash:        Hash(data),
	}
}

// Hash identifies a push payload for duplicate detection.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

type Producer struct {
	reader Reader
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("push", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.ClosePushes()
	return p.reader.Stream(ctx, p.runner.PushWriter())
}

// Count returns the number of pushes in a source. Standard input cannot be counted.
func Count(opts Options) (int, error) {
	if opts.Path == Stdin {
		return 0, fmt.Errorf("cannot count pushes on stdin")
	}
	format, err := ResolveFormat(opts.Path, opts.Format)
	if err != nil {
		return 0, err
	}

	file, err := os.Open(opts.Path)
	if err != nil {
		return 0, fmt.Errorf("open push source: %w", err)
	}
	defer file.Close()

	count := 0
	if format == FormatMbox {
		reader := mboxlib.NewReader(file)
		for {
			msgReader, err := reader.NextMessage()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return count, nil
				}
				return 0, err
			}
			if _, err := io.Copy(io.Discard, msgReader); err != nil {
				return 0, err
			}
			count++
		}
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return count, nil
}
