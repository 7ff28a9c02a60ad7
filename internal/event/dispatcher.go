package event

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink receives lifecycle events. Implementations belong to external
// consumers (reporting, analytics); a failed delivery is retried on the
// next dispatch cycle.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Outbox lists undelivered events and records delivery outcomes.
type Outbox interface {
	ListPending(ctx context.Context, limit int) ([]Event, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, deliveryErr string) error
}

// Dispatcher drains the event outbox to a sink in the background.
// Events are marked delivered only after the sink accepts them, so a
// crash between delivery and marking re-delivers (at-least-once).
type Dispatcher struct {
	outbox   Outbox
	sink     Sink
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	batch    int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher polling the outbox every interval.
func NewDispatcher(outbox Outbox, sink Sink, logger *slog.Logger, interval, timeout time.Duration, batch int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Dispatcher{
		outbox:   outbox,
		sink:     sink,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		batch:    batch,
		done:     make(chan struct{}),
	}
}

// Start launches the background dispatch loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.done:
				return
			case <-ticker.C:
				d.Drain(context.Background())
			}
		}
	}()
}

// Close stops the dispatch loop after the current cycle finishes.
func (d *Dispatcher) Close() {
	close(d.done)
	d.wg.Wait()
}

// Drain delivers all currently pending events once. Exposed so callers
// (and tests) can flush without waiting for the poll interval.
func (d *Dispatcher) Drain(ctx context.Context) {
	events, err := d.outbox.ListPending(ctx, d.batch)
	if err != nil {
		d.logger.Error("listing pending events", "error", err)
		return
	}

	for _, ev := range events {
		deliverCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.sink.Deliver(deliverCtx, ev)
		cancel()

		if err != nil {
			d.logger.Warn("event delivery failed",
				"event_id", ev.ID, "event_type", ev.Type,
				"allocation_id", ev.AllocationID, "attempts", ev.Attempts+1,
				"error", err)
			if markErr := d.outbox.MarkFailed(ctx, ev.ID, err.Error()); markErr != nil {
				d.logger.Error("marking event failed", "event_id", ev.ID, "error", markErr)
			}
			continue
		}

		if err := d.outbox.MarkDelivered(ctx, ev.ID); err != nil {
			// Event will be re-delivered; consumers de-duplicate.
			d.logger.Error("marking event delivered", "event_id", ev.ID, "error", err)
		}
	}
}

// LogSink writes events to the logger. Default sink when no external
// consumer is wired in.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("allocation event",
		"event_type", ev.Type,
		"allocation_id", ev.AllocationID,
		"resource_id", ev.ResourceID,
		"project_id", ev.ProjectID,
		"actor", ev.Actor)
	return nil
}
