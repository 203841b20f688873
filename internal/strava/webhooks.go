package strava

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Webhook object and aspect types.
const (
	ObjectActivity = "activity"
	ObjectAthlete  = "athlete"

	AspectCreate = "create"
	AspectUpdate = "update"
	AspectDelete = "delete"
)

// Event is a push notification delivered to the webhook callback.
type Event struct {
	ObjectType     string            `json:"object_type"`
	ObjectID       int64             `json:"object_id"`
	AspectType     string            `json:"aspect_type"`
	OwnerID        int64             `json:"owner_id"`
	SubscriptionID int64             `json:"subscription_id"`
	EventTime      int64             `json:"event_time"`
	Updates        map[string]string `json:"updates"`
}

// ActivityID is the event's activity id as stored locally.
func (e Event) ActivityID() string {
	return strconv.FormatInt(e.ObjectID, 10)
}

// Deauthorized reports whether the athlete revoked access.
func (e Event) Deauthorized() bool {
	return e.ObjectType == ObjectAthlete && e.Updates["authorized"] == "false"
}

// Subscription is a registered push subscription.
type Subscription struct {
	ID          int64  `json:"id"`
	CallbackURL string `json:"callback_url"`
}

// ListSubscriptions lists the application's push subscriptions.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/push_subscriptions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var subs []Subscription
	if err := c.do(req, &subs); err != nil {
		return nil, fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	return subs, nil
}

// CreateSubscription registers callbackURL for push events. Strava calls the
// callback with hub.challenge before answering.
func (c *Client) CreateSubscription(ctx context.Context, callbackURL, verifyToken string) (*Subscription, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("callback_url", callbackURL)
	form.Set("verify_token", verifyToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/push_subscriptions", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var sub Subscription
	if err := c.do(req, &sub); err != nil {
		return nil, fmt.Errorf("failed to create push subscription: %w", err)
	}
	return &sub, nil
}

// DeleteSubscription removes a push subscription.
func (c *Client) DeleteSubscription(ctx context.Context, id int64) error {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/push_subscriptions/%d?%s", c.cfg.BaseURL, id, q.Encode()), nil)
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("failed to delete push subscription %d: %w", id, err)
	}
	return nil
}

// EnsureSubscription makes callbackURL the only push subscription.
func (c *Client) EnsureSubscription(ctx context.Context, callbackURL, verifyToken string) (*Subscription, error) {
	subs, err := c.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.CallbackURL == callbackURL {
			return &sub, nil
		}
		if err := c.DeleteSubscription(ctx, sub.ID); err != nil {
			return nil, err
		}
	}
	return c.CreateSubscription(ctx, callbackURL, verifyToken)
}
