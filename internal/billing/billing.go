// Package billing looks up team subscriptions.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// ErrNoSubscription is returned for teams without a subscription id.
var ErrNoSubscription = errors.New("billing: no subscription")

type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnpaid   Status = "unpaid"
	StatusOther    Status = "other"
)

// Lapsed reports whether the subscription no longer pays for the service.
func (s Status) Lapsed() bool {
	return s == StatusCanceled || s == StatusUnpaid
}

// Subscription is the billing state of a team.
type Subscription struct {
	ID               string
	Status           Status
	CurrentPeriodEnd time.Time
}

// Provider returns subscription state.
type Provider interface {
	Subscription(ctx context.Context, id string) (*Subscription, error)
}

// Stripe reads subscriptions through the Stripe API.
type Stripe struct {
	api *client.API
}

// NewStripe creates a provider for key. backends may be nil.
func NewStripe(key string, backends *stripe.Backends) *Stripe {
	api := &client.API{}
	api.Init(key, backends)
	return &Stripe{api: api}
}

func (s *Stripe) Subscription(ctx context.Context, id string) (*Subscription, error) {
	if id == "" {
		return nil, ErrNoSubscription
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}

	return &Subscription{
		ID:               sub.ID,
		Status:           statusOf(sub.Status),
		CurrentPeriodEnd: time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}, nil
}

func statusOf(s stripe.SubscriptionStatus) Status {
	switch s {
	case stripe.SubscriptionStatusActive:
		return StatusActive
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	case stripe.SubscriptionStatusPastDue:
		return StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return StatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return StatusUnpaid
	}
	return StatusOther
}
