// Package notify delivers user-facing messages after a ledger commit. Messages
// are fanned out to every registered Sender (inbox, webhook, live stream).
// Delivery is best-effort: callers log failures and never roll back the
// commit that produced them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

// Emitter is what ledger flows depend on.
type Emitter interface {
	Notify(ctx context.Context, accountID, title, body string, severity model.Severity) error
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers n. Implementations must not retain n.
	Send(ctx context.Context, n *model.Notification) error
	// Name returns a short identifier for logs and metrics (e.g. "webhook").
	Name() string
}

// Notifier dispatches notifications to one or more Senders.
type Notifier struct {
	senders []Sender
	logger  *slog.Logger
	now     func() time.Time
}

// NewNotifier creates a Notifier that delivers to the given senders.
func NewNotifier(senders []Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		senders: senders,
		logger:  logger.With(slog.String("component", "notifier")),
		now:     time.Now,
	}
}

// Notify builds a notification and sends it through every sender. A single
// sender failure does not prevent delivery to the rest; failures are joined
// into the returned error.
func (n *Notifier) Notify(ctx context.Context, accountID, title, body string, severity model.Severity) error {
	if len(n.senders) == 0 {
		return nil
	}
	msg := &model.Notification{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Title:     title,
		Body:      body,
		Severity:  severity,
		CreatedAt: n.now().UTC(),
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			metrics.NotificationFailures.WithLabelValues(s.Name()).Inc()
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("account_id", accountID),
				slog.String("err", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, string, model.Severity) error { return nil }

var (
	_ Emitter = (*Notifier)(nil)
	_ Emitter = Nop{}
)
