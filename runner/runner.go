package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/emn-to-imap/accounts"
	"github.com/dhcgn/emn-to-imap/config"
	"github.com/dhcgn/emn-to-imap/emn"
	"github.com/dhcgn/emn-to-imap/filter"
	"github.com/dhcgn/emn-to-imap/model"
	"github.com/dhcgn/emn-to-imap/state"
	"github.com/dhcgn/emn-to-imap/stats"
)

type StageFunc func(context.Context) error

type stage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pushes chan model.Envelope
	checks chan model.CheckRequest

	stages      []stage
	subscribers []*subscriber

	tracker   state.Tracker
	directory accounts.Directory
	filter    *filter.Filter

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closePushesOnce sync.Once
	closeChecksOnce sync.Once
	closeEventsOnce sync.Once
	since           time.Time
}

// New builds a pipeline whose dispatch stage decodes pushes and matches them
// against directory. Stages and subscribers run once Start is called.
func New(ctx context.Context, cfg config.Config, directory accounts.Directory, logger *slog.Logger) (*Runner, error) {
	if directory == nil {
		return nil, fmt.Errorf("account directory must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	f, err := filter.New(filter.Options{
		IncludeAddress: cfg.IncludeAddress,
		ExcludeAddress: cfg.ExcludeAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("address filter: %w", err)
	}

	tracker, err := state.NewFileTracker(state.Options{
		Dir:       cfg.StateDir,
		Persist:   !cfg.DryRun,
		Retention: cfg.StateRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}
	snap := tracker.Snapshot()
	logger.Info("state loaded", "path", tracker.Path(), "checked", snap.Processed, "addresses", snap.Addresses, "expired", snap.Expired)

	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		pushes:    make(chan model.Envelope, 32),
		checks:    make(chan model.CheckRequest, 32),
		tracker:   tracker,
		directory: directory,
		filter:    f,
	}

	r.AddStage("dispatch", r.dispatch)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// FilterStats returns the address filter hit counts. Read it after Start
// returns.
func (r *Runner) FilterStats() filter.Stats {
	return r.filter.GetStats()
}

func (r *Runner) PushWriter() chan<- model.Envelope {
	return r.pushes
}

func (r *Runner) ClosePushes() {
	r.closePushesOnce.Do(func() {
		close(r.pushes)
	})
}

func (r *Runner) Checks() <-chan model.CheckRequest {
	return r.checks
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{
		name:   name,
		fn:     fn,
		events: make(chan stats.Event, 128),
	})
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Start runs all stages and blocks until they finish or one fails.
func (r *Runner) Start() error {
	r.since = time.Now()

	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(r.ctx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, st := range r.stages {
		r.workWG.Add(1)
		go func(st stage) {
			defer r.workWG.Done()
			if err := st.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", st.name, err))
			}
		}(st)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.logFilterStats()

	r.cancel()

	if closer, ok := r.tracker.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.fail(fmt.Errorf("close state: %w", err))
		}
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) logFilterStats() {
	fs := r.filter.GetStats()
	for i, pattern := range fs.IncludePatterns {
		r.logger.Info("include-address pattern", "pattern", pattern, "hits", fs.IncludeHits[i])
	}
	for i, pattern := range fs.ExcludePatterns {
		r.logger.Info("exclude-address pattern", "pattern", pattern, "hits", fs.ExcludeHits[i])
	}
}

// IsEMN reports whether contentType names a WBXML encoded EMN. Parameters
// and case are ignored.
func IsEMN(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(contentType)
	}
	return strings.EqualFold(mediaType, emn.ContentType)
}

func (r *Runner) dispatch(ctx context.Context) error {
	defer r.closeChecks()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.pushes:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StagePush, Type: stats.EventTypeError, Err: envelope.Err})
				r.fail(fmt.Errorf("push envelope: %w", envelope.Err))
				continue
			}

			msg := envelope.Push
			r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeReceived, PushID: msg.ID})

			if !IsEMN(msg.ContentType) {
				r.logger.Debug("ignoring push", "pushID", msg.ID, "contentType", msg.ContentType)
				r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeIgnored, PushID: msg.ID, Detail: msg.ContentType})
				continue
			}

			address, err := emn.Decode(msg.Data)
			if err != nil {
				r.logger.Debug("emn decode failed", "pushID", msg.ID, "size", len(msg.Data), "err", err)
				r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeDecodeFailed, PushID: msg.ID, Err: err})
				continue
			}

			if !r.filter.Allows(address) {
				r.logger.Debug("address filtered", "pushID", msg.ID, "address", address)
				r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeFiltered, PushID: msg.ID, Address: address})
				continue
			}

			// copies within this run are resolved by the checker, which only
			// marks a hash after a successful check
			if r.tracker.AlreadyProcessed(msg.Hash) {
				r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeDuplicate, PushID: msg.ID, Address: address})
				continue
			}

			account, err := r.directory.Lookup(ctx, address)
			if errors.Is(err, accounts.ErrNotFound) {
				r.logger.Info("no account for emn", "pushID", msg.ID, "address", address)
				r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeUnknownAccount, PushID: msg.ID, Address: address})
				continue
			}
			if err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeError, PushID: msg.ID, Address: address, Err: err})
				return err
			}

			req := model.CheckRequest{
				PushID:  msg.ID,
				Hash:    msg.Hash,
				Address: address,
				Account: account,
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.checks <- req:
				r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeEnqueued, PushID: msg.ID, Address: address})
			}
		}
	}
}

func (r *Runner) closeChecks() {
	r.closeChecksOnce.Do(func() {
		close(r.checks)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
