package notify

import (
	"context"

	"github.com/sweepline/billing/internal/logging"
)

// LogNotifier writes notifications to the context logger. It stands in for
// the broker when AMQP_URL is unset.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	logging.L(ctx).Info("notification",
		"kind", n.Kind,
		"recipient", n.Recipient,
		"notification_id", n.ID,
		"data", n.Data,
	)
	return nil
}
