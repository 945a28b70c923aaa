package notify

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweepline/billing/internal/idgen"
	"github.com/sweepline/billing/internal/logging"
)

var notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "notify",
	Name:      "notifications_total",
	Help:      "Notification sends by kind and result.",
}, []string{"kind", "result"})

func init() {
	prometheus.MustRegister(notificationsTotal)
}

const defaultSendTimeout = 5 * time.Second

// Dispatcher sends notifications on behalf of the billing engines.
// Send never returns an error: by the time a notification goes out the
// billing transition has committed, and a delivery failure must not undo or
// repeat it. Failures are logged and counted.
type Dispatcher struct {
	n       Notifier
	timeout time.Duration
	now     func() time.Time
}

// NewDispatcher wraps n.
func NewDispatcher(n Notifier) *Dispatcher {
	return &Dispatcher{n: n, timeout: defaultSendTimeout, now: time.Now}
}

// WithTimeout bounds each send.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	d.timeout = timeout
	return d
}

// Send delivers one notification, best effort. The caller's cancellation
// does not abort the send; only the dispatcher timeout does.
func (d *Dispatcher) Send(ctx context.Context, recipient string, kind Kind, data map[string]interface{}) {
	if d == nil || d.n == nil {
		return
	}
	n := Notification{
		ID:         idgen.WithPrefix(idgen.PrefixNotify),
		Recipient:  recipient,
		Kind:       kind,
		Data:       data,
		OccurredAt: d.now().UTC(),
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	if err := d.n.Notify(sendCtx, n); err != nil {
		notificationsTotal.WithLabelValues(string(kind), "error").Inc()
		logging.L(ctx).Warn("notification failed", "kind", kind, "recipient", recipient, "error", err)
		return
	}
	notificationsTotal.WithLabelValues(string(kind), "sent").Inc()
}
