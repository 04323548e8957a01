package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"milestoneescrow/timeline"
)

// Source yields committed, unpublished timeline events. store.Store satisfies it.
type Source interface {
	PendingEvents(ctx context.Context, limit int) ([]timeline.Event, error)
	MarkPublished(ctx context.Context, eventIDs []string) error
}

// Publisher delivers one event downstream. Delivery is at-least-once; the
// event id travels with the message so consumers can deduplicate.
type Publisher interface {
	Publish(ctx context.Context, ev timeline.Event) error
}

// Relay drains the outbox into a Publisher. It only ever reads committed
// events, so a transition that rolled back is never announced.
type Relay struct {
	source    Source
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
	batch     int
}

func NewRelay(source Source, publisher Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		logger:    logger.With("component", "outbox"),
		interval:  time.Second,
		batch:     100,
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batch = n
	}
	return r
}

// Drain publishes one batch and returns how many events went out. It stops at
// the first publish failure; everything before it is marked published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	events, err := r.source.PendingEvents(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("outbox: load pending: %w", err)
	}

	published := make([]string, 0, len(events))
	var pubErr error
	for _, ev := range events {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			pubErr = fmt.Errorf("outbox: publish %s (deal %d seq %d): %w", ev.ID, ev.DealID, ev.Seq, err)
			break
		}
		published = append(published, ev.ID)
	}

	if len(published) > 0 {
		if err := r.source.MarkPublished(ctx, published); err != nil {
			return 0, fmt.Errorf("outbox: mark published: %w", err)
		}
	}
	return len(published), pubErr
}

// Run drains on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		for {
			n, err := r.Drain(ctx)
			if err != nil {
				r.logger.WarnContext(ctx, "outbox drain failed", "error", err)
				break
			}
			if n < r.batch {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
