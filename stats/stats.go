package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StagePush     Stage = "push"
	StageDispatch Stage = "dispatch"
	StageIMAP     Stage = "imap"
)

type EventType string

const (
	EventTypeReceived       EventType = "received"
	EventTypeIgnored        EventType = "ignored"
	EventTypeDecodeFailed   EventType = "decode_failed"
	EventTypeFiltered       EventType = "filtered"
	EventTypeDuplicate      EventType = "duplicate"
	EventTypeUnknownAccount EventType = "unknown_account"
	EventTypeEnqueued       EventType = "enqueued"
	EventTypeChecked        EventType = "checked"
	EventTypeDryRunCheck    EventType = "dry_run_checked"
	EventTypeError          EventType = "error"
)

type Event struct {
	Stage   Stage
	Type    EventType
	PushID  string
	Address string
	Err     error
	Detail  string
}

type Summary struct {
	Received        int
	Ignored         int
	DecodeFailed    int
	Filtered        int
	Duplicates      int
	UnknownAccounts int
	Enqueued        int
	Checked         int
	DryRunChecked   int
	Errors          int
	LastError       error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"received", s.Received,
		"ignored", s.Ignored,
		"decodeFailed", s.DecodeFailed,
		"filtered", s.Filtered,
		"duplicates", s.Duplicates,
		"unknownAccounts", s.UnknownAccounts,
		"enqueued", s.Enqueued,
		"checked", s.Checked,
		"dryRunChecked", s.DryRunChecked,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeReceived:
		c.summary.Received++
	case EventTypeIgnored:
		c.summary.Ignored++
	case EventTypeDecodeFailed:
		c.summary.DecodeFailed++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeUnknownAccount:
		c.summary.UnknownAccounts++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeChecked:
		c.summary.Checked++
	case EventTypeDryRunCheck:
		c.summary.DryRunChecked++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
