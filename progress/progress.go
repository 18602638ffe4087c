package progress

import (
	"context"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/emn-to-imap/stats"
)

// Bar manages a progress bar for tracking push processing.
type Bar struct {
	pb       *pterm.ProgressbarPrinter
	total    int
	received int
	mu       sync.Mutex
	enabled  bool
}

// New creates a new progress bar if logLevel is "info" and total is known.
func New(total int, logLevel string) *Bar {
	bar := &Bar{
		total:   total,
		enabled: logLevel == "info" && total > 0,
	}

	if bar.enabled {
		pb, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Processing pushes").
			Start()
		if err != nil {
			bar.enabled = false
			return bar
		}
		bar.pb = pb
		pterm.Info.Printf("Pushes in source: %d\n", total)
	}

	return bar
}

// Enabled reports whether the bar renders anything.
func (b *Bar) Enabled() bool {
	return b != nil && b.enabled
}

// Update advances the bar on every received push.
func (b *Bar) Update(evt stats.Event) {
	if !b.Enabled() || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeReceived:
		b.received++
		b.pb.Increment()
		if evt.PushID != "" {
			displayID := evt.PushID
			if len(displayID) > 40 {
				displayID = displayID[:37] + "..."
			}
			b.pb.UpdateTitle("Processing: " + displayID)
		}
	case stats.EventTypeChecked, stats.EventTypeDryRunCheck:
		pterm.Success.Printf("Mail check triggered for %s\n", evt.Address)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.Enabled() || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// Subscriber is a stats subscriber that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter prints a summary table after the run when the bar is enabled.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	started   time.Time
}

// NewReporter subscribes the bar and a summary collector to stream. It does
// nothing when the bar is disabled.
func NewReporter(stream stats.EventStream, bar *Bar) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		started:   time.Now(),
	}

	if bar.Enabled() {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (r *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)

	summary := r.collector.Snapshot()
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", time.Since(r.started))
	pterm.Info.Printf("Received: %d\n", summary.Received)
	pterm.Info.Printf("Ignored (not EMN): %d\n", summary.Ignored)
	pterm.Info.Printf("Decode failures: %d\n", summary.DecodeFailed)
	pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
	pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
	pterm.Info.Printf("Unknown accounts: %d\n", summary.UnknownAccounts)
	pterm.Info.Printf("Checked: %d\n", summary.Checked)
	pterm.Info.Printf("Dry-run checked: %d\n", summary.DryRunChecked)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	return nil
}
