package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/events"
)

// Clock returns the current instant. Services truncate to microseconds so
// values round-trip through both stores unchanged.
type Clock func() time.Time

// SystemClock is the default Clock.
func SystemClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Announcer pushes human-facing notifications for ledger events.
type Announcer interface {
	NotifyEvent(ctx context.Context, e domain.LedgerEvent) error
}

// EventSink fans committed ledger events out to the signal bus and the
// announcer. Every failure is logged and swallowed: events describe
// mutations that have already committed. A nil *EventSink is a no-op.
type EventSink struct {
	bus       domain.SignalBus
	announcer Announcer
	timeout   time.Duration
	logger    *slog.Logger
}

// NewEventSink creates an EventSink. Either dependency may be nil.
func NewEventSink(bus domain.SignalBus, announcer Announcer, logger *slog.Logger) *EventSink {
	return &EventSink{
		bus:       bus,
		announcer: announcer,
		timeout:   10 * time.Second,
		logger:    logger.With(slog.String("component", "event_sink")),
	}
}

// Emit publishes e on its channel and appends it to the ledger stream.
// Notifications are sent asynchronously.
func (s *EventSink) Emit(ctx context.Context, e domain.LedgerEvent) {
	if s == nil {
		return
	}

	if s.bus != nil {
		payload, err := events.Encode(e)
		if err != nil {
			s.logger.WarnContext(ctx, "event_sink: encode failed",
				slog.String("type", string(e.Type)),
				slog.String("error", err.Error()),
			)
			return
		}
		if err := s.bus.Publish(ctx, e.Channel(), payload); err != nil {
			s.logger.WarnContext(ctx, "event_sink: publish failed",
				slog.String("channel", e.Channel()),
				slog.String("error", err.Error()),
			)
		}
		if err := s.bus.StreamAppend(ctx, domain.StreamLedgerEvents, payload); err != nil {
			s.logger.WarnContext(ctx, "event_sink: stream append failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if s.announcer != nil {
		go func() {
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
			defer cancel()
			if err := s.announcer.NotifyEvent(nctx, e); err != nil {
				s.logger.WarnContext(nctx, "event_sink: notify failed",
					slog.String("type", string(e.Type)),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// txFailure wraps an error returned from Ledger.InTx. Domain errors keep
// their identity; anything else is a store failure and is reported as
// ErrTransactionFailed with the cause attached.
func txFailure(op string, err error) error {
	if domain.IsDomainError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(domain.ErrTransactionFailed, err))
}
