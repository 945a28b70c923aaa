// Package notify is the outbound notification port. The billing engines only
// decide that a recipient must hear about something; rendering the message
// is somebody else's job, so a notification is a kind plus structured data.
package notify

import (
	"context"
	"time"
)

// Kind names a notification. Kinds double as AMQP routing keys.
type Kind string

const (
	KindLeadChargeSucceeded      Kind = "lead_charge.succeeded"
	KindLeadChargeFailed         Kind = "lead_charge.failed"
	KindPaymentFailed            Kind = "subscription.payment_failed"
	KindFinalWarning             Kind = "subscription.final_warning"
	KindDowngraded               Kind = "subscription.downgraded"
	KindPaymentRecovered         Kind = "subscription.payment_recovered"
	KindSubscriptionUnattributed Kind = "subscription.unattributed"
	KindDisputeOpened            Kind = "dispute.opened"
	KindDisputeOpenedOps         Kind = "dispute.opened.ops"
	KindDisputeUnattributed      Kind = "dispute.unattributed"
	KindDisputeClosed            Kind = "dispute.closed"
)

// Notification is a single message to a single recipient.
type Notification struct {
	ID         string                 `json:"id"`
	Recipient  string                 `json:"recipient"`
	Kind       Kind                   `json:"kind"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// ProviderRecipient is the recipient reference for a provider account.
func ProviderRecipient(providerID string) string {
	return "provider:" + providerID
}
