package health

import (
	"context"
	"time"

	"github.com/sweepline/billing/internal/circuitbreaker"
)

const pingTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseChecker pings the database.
func DatabaseChecker(name string, db Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// CircuitChecker reports unhealthy while a breaker is open. A half-open
// breaker is probing and still counts as healthy.
func CircuitChecker(name string, state func() circuitbreaker.State) Checker {
	return func(context.Context) Status {
		s := state()
		return Status{Name: name, Healthy: s != circuitbreaker.StateOpen, Detail: s.String()}
	}
}

// ConnectionChecker wraps a connected-or-not probe, such as a message
// broker publisher's.
func ConnectionChecker(name string, connected func() bool) Checker {
	return func(context.Context) Status {
		if !connected() {
			return Status{Name: name, Healthy: false, Detail: "disconnected"}
		}
		return Status{Name: name, Healthy: true}
	}
}
