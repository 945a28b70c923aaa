// Package account holds the provider billing aggregate.
//
// ProviderAccount is the only shared mutable state in the billing core.
// Every mutation goes through Store.Transition, which applies a function to
// the current row under a per-account lock and persists the result
// atomically, so concurrent webhook deliveries for the same provider cannot
// interleave their read-modify-write.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound = errors.New("provider account not found")
	ErrAccountExists   = errors.New("provider account already exists")
	ErrUnknownTier     = errors.New("no fee or credit configuration for tier")
	// ErrNoChange may be returned by a transition function to skip the write.
	ErrNoChange = errors.New("no change")
	// ErrDisputeCountDecrease guards the lifetime dispute counter.
	ErrDisputeCountDecrease = errors.New("dispute count cannot decrease")
	// ErrEventApplied is returned by TransitionEvent for an event id that
	// already transitioned this store.
	ErrEventApplied = errors.New("event already applied")
)

// Tier is a provider's subscription plan.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// SubscriptionStatus mirrors the state of the recurring subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// DisputeStatus flags an account with unresolved chargebacks.
type DisputeStatus string

const (
	DisputeNone        DisputeStatus = "none"
	DisputeUnderReview DisputeStatus = "under_review"
)

// Account is a provider's billing state.
type Account struct {
	ID                 string             `json:"id"`
	Tier               Tier               `json:"tier"`
	PaymentCustomerRef string             `json:"paymentCustomerRef,omitempty"`
	LeadCreditsUsed    int                `json:"leadCreditsUsedThisPeriod"`
	PaymentFailures    int                `json:"paymentFailureCount"`
	GracePeriodEnd     *time.Time         `json:"gracePeriodEnd,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`
	DisputeCount       int                `json:"disputeCount"`
	DisputeStatus      DisputeStatus      `json:"disputeStatus"`
	LastPaymentAt      *time.Time         `json:"lastPaymentSucceededAt,omitempty"`
	Version            int64              `json:"version"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// InFailureEpisode reports whether a subscription payment failure is outstanding.
func (a *Account) InFailureEpisode() bool {
	return a.PaymentFailures > 0 || a.GracePeriodEnd != nil
}

// Validate checks the grace-period invariant: gracePeriodEnd is set iff
// the failure count is positive.
func (a *Account) Validate() error {
	if a.LeadCreditsUsed < 0 || a.PaymentFailures < 0 || a.DisputeCount < 0 {
		return fmt.Errorf("account %s: negative counter", a.ID)
	}
	if (a.GracePeriodEnd != nil) != (a.PaymentFailures > 0) {
		return fmt.Errorf("account %s: grace period set=%t with %d failures",
			a.ID, a.GracePeriodEnd != nil, a.PaymentFailures)
	}
	return nil
}

// clone returns a deep copy so transition functions never alias stored state.
func (a *Account) clone() *Account {
	cp := *a
	if a.GracePeriodEnd != nil {
		t := *a.GracePeriodEnd
		cp.GracePeriodEnd = &t
	}
	if a.LastPaymentAt != nil {
		t := *a.LastPaymentAt
		cp.LastPaymentAt = &t
	}
	return &cp
}

// TransitionFunc mutates an account in place. Returning an error aborts the
// transition without writing; ErrNoChange aborts without an error.
type TransitionFunc func(a *Account) error

// Store persists provider accounts.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*Account, error)
	// Transition applies fn to the current state of account id atomically
	// and returns the committed state.
	Transition(ctx context.Context, id string, fn TransitionFunc) (*Account, error)
	// TransitionEvent is Transition keyed by a provider event id. The id is
	// recorded in the same atomic write as the new state, so the event can
	// change the account at most once. A recorded id returns the current
	// state and ErrEventApplied without calling fn.
	TransitionEvent(ctx context.Context, id, eventID string, fn TransitionFunc) (*Account, error)
	// PruneAppliedEvents forgets event ids recorded before olderThan.
	PruneAppliedEvents(ctx context.Context, olderThan time.Time) (int64, error)
	// ResetLeadCredits zeroes the monthly usage counter on every account.
	ResetLeadCredits(ctx context.Context) (int64, error)
}

// RecordLeadUsage consumes one monthly lead credit after a claim.
func RecordLeadUsage(ctx context.Context, store Store, providerID string) (*Account, error) {
	return store.Transition(ctx, providerID, func(a *Account) error {
		a.LeadCreditsUsed++
		return nil
	})
}

// checkTransition enforces store-level invariants between the state read
// and the state a transition function produced.
func checkTransition(before, after *Account) error {
	if after.DisputeCount < before.DisputeCount {
		return ErrDisputeCountDecrease
	}
	if after.ID != before.ID {
		return fmt.Errorf("transition changed account id %s -> %s", before.ID, after.ID)
	}
	return nil
}
