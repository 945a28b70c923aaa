package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Compile-time check that AMQPPublisher implements Notifier.
var _ Notifier = (*AMQPPublisher)(nil)

// AMQPPublisher publishes notifications to a durable topic exchange with the
// notification kind as routing key, so consumers bind to "dispute.*" and
// similar patterns.
type AMQPPublisher struct {
	url         string
	exchange    string
	dialTimeout time.Duration

	// redial admits one reconnect at a time. It is a channel so waiters
	// can give up when their context ends.
	redial chan struct{}

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// DefaultDialTimeout bounds the TCP dial plus AMQP handshake when the
// caller's context has no earlier deadline.
const DefaultDialTimeout = 10 * time.Second

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(amqpURL, exchange string) (*AMQPPublisher, error) {
	p, err := newAMQPPublisher(amqpURL, exchange)
	if err != nil {
		return nil, err
	}
	conn, ch, err := p.connect(DefaultDialTimeout)
	if err != nil {
		return nil, err
	}
	p.conn, p.channel = conn, ch
	return p, nil
}

func newAMQPPublisher(amqpURL, exchange string) (*AMQPPublisher, error) {
	clean, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{
		url:         clean,
		exchange:    exchange,
		dialTimeout: DefaultDialTimeout,
		redial:      make(chan struct{}, 1),
	}, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse AMQP_URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// connect opens a connection and channel. timeout covers the TCP dial and
// the AMQP handshake. It does not touch the publisher's fields.
func (p *AMQPPublisher) connect(timeout time.Duration) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	return conn, ch, nil
}

// dialTimeoutFor shortens the dial timeout to ctx's deadline.
func (p *AMQPPublisher) dialTimeoutFor(ctx context.Context) (time.Duration, error) {
	timeout := p.dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	return timeout, nil
}

// usableChannel returns the open channel, reconnecting if there is none.
// p.mu is not held while dialing, so a dead broker stalls only the callers
// that need a connection, each for at most its own deadline.
func (p *AMQPPublisher) usableChannel(ctx context.Context) (*amqp.Channel, error) {
	if ch := p.openChannel(); ch != nil {
		return ch, nil
	}

	select {
	case p.redial <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for amqp reconnect: %w", ctx.Err())
	}
	defer func() { <-p.redial }()

	// Another caller may have reconnected while this one waited.
	if ch := p.openChannel(); ch != nil {
		return ch, nil
	}

	timeout, err := p.dialTimeoutFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	conn, ch, err := p.connect(timeout)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.closeLocked()
	p.conn, p.channel = conn, ch
	p.mu.Unlock()
	return ch, nil
}

func (p *AMQPPublisher) openChannel() *amqp.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil || p.channel.IsClosed() {
		return nil
	}
	return p.channel
}

func (p *AMQPPublisher) dropChannel(ch *amqp.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == ch {
		p.closeLocked()
	}
}

// Notify publishes n as a persistent JSON message. A closed channel is
// reopened once before giving up. Reconnecting never outlives ctx.
func (p *AMQPPublisher) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.OccurredAt,
		Type:         string(n.Kind),
		Body:         body,
	}

	ch, err := p.usableChannel(ctx)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, string(n.Kind), false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		p.dropChannel(ch)
		if ch, err = p.usableChannel(ctx); err != nil {
			return err
		}
		err = ch.PublishWithContext(ctx, p.exchange, string(n.Kind), false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", n.Kind, err)
	}
	return nil
}

// Connected reports whether the publisher holds an open channel.
func (p *AMQPPublisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel != nil && !p.channel.IsClosed()
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
