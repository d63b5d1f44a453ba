// Package notify announces ledger events (settlements, deadline closures) on
// Telegram and Discord. Senders can be filtered by event type so a channel
// only receives the announcements it cares about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// Field is one labelled value of an announcement, such as the winning side
// of a settlement.
type Field struct {
	Name  string
	Value string
}

// Announcement is a rendered notification. Senders decide the layout: the
// Discord sender posts an embed, Telegram a Markdown message.
type Announcement struct {
	Event   string
	Title   string
	Message string
	Fields  []Field
	At      time.Time
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers one announcement.
	Send(ctx context.Context, a Announcement) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. It maintains a set
// of allowed event types; Notify only forwards announcements whose event is in
// the allowed set, while NotifyAll bypasses the filter for process lifecycle
// messages.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded by Notify.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends an announcement to all senders only if its event is in the
// allowed list. If no events were configured (empty list), all events pass.
func (n *Notifier) Notify(ctx context.Context, a Announcement) error {
	if len(n.events) > 0 && !n.events[a.Event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", a.Event),
		)
		return nil
	}

	return n.dispatch(ctx, a)
}

// NotifyAll sends an announcement to all senders regardless of its event.
func (n *Notifier) NotifyAll(ctx context.Context, a Announcement) error {
	return n.dispatch(ctx, a)
}

// NotifyEvent renders a ledger event and forwards it through Notify. Events
// with no announcement (individual wagers) are dropped.
func (n *Notifier) NotifyEvent(ctx context.Context, e domain.LedgerEvent) error {
	a, ok := Render(e)
	if !ok {
		return nil
	}
	return n.Notify(ctx, a)
}

// Render builds the announcement for e.
func Render(e domain.LedgerEvent) (Announcement, bool) {
	a := Announcement{Event: string(e.Type), At: e.At}
	switch e.Type {
	case domain.EventMarketSettled:
		a.Title = "Market settled"
		a.Message = fmt.Sprintf("Market %s resolved for side %s.", e.MarketID, e.WinningSide)
		if e.LateRefunds > 0 {
			a.Message += fmt.Sprintf(" %d late bet(s) refunded.", e.LateRefunds)
		}
		a.Fields = []Field{
			{Name: "Winning side", Value: string(e.WinningSide)},
			{Name: "Pools", Value: fmt.Sprintf("A=%d B=%d", e.PoolA, e.PoolB)},
			{Name: "Late refunds", Value: strconv.Itoa(e.LateRefunds)},
			{Name: "Residual", Value: strconv.FormatInt(e.Residual, 10)},
		}
		return a, true
	case domain.EventMarketsClosed:
		if len(e.MarketIDs) == 0 {
			return Announcement{}, false
		}
		a.Title = "Betting closed"
		a.Message = fmt.Sprintf("Deadline passed for %d market(s): %s", len(e.MarketIDs), strings.Join(e.MarketIDs, ", "))
		return a, true
	case domain.EventMarketCreated:
		a.Title = "New market"
		a.Message = fmt.Sprintf("Market %s is open for wagers.", e.MarketID)
		return a, true
	}
	return Announcement{}, false
}

// dispatch delivers to every sender; one sender failing does not stop the
// others, and all failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, a Announcement) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", a.Title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
