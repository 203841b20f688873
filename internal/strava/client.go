package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultBaseURL  = "https://www.strava.com/api/v3"
	DefaultOAuthURL = "https://www.strava.com/oauth"
)

var (
	ErrUnauthorized = errors.New("strava: unauthorized")
	ErrNotFound     = errors.New("strava: record not found")
	ErrRateLimited  = errors.New("strava: rate limit exceeded")
)

// APIError is a non-2xx answer from Strava.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
	Errors     []struct {
		Resource string `json:"resource"`
		Field    string `json:"field"`
		Code     string `json:"code"`
	} `json:"errors"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("strava: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("strava: %d %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Config holds the application credentials registered with Strava.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	BaseURL      string
	OAuthURL     string
}

// Client represents a Strava API client
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new Strava client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = DefaultOAuthURL
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ListOptions pages through an athlete's activities.
type ListOptions struct {
	After   time.Time
	Page    int
	PerPage int
}

// ListAthleteActivities lists the summaries of the token owner's activities.
func (c *Client) ListAthleteActivities(ctx context.Context, token string, opts ListOptions) ([]Activity, error) {
	q := url.Values{}
	if !opts.After.IsZero() {
		q.Set("after", strconv.FormatInt(opts.After.Unix(), 10))
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(opts.PerPage))
	}

	var activities []Activity
	if err := c.get(ctx, token, "/athlete/activities?"+q.Encode(), &activities); err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	return activities, nil
}

// GetActivity retrieves a detailed activity.
func (c *Client) GetActivity(ctx context.Context, token string, id string) (*Activity, error) {
	var activity Activity
	if err := c.get(ctx, token, "/activities/"+url.PathEscape(id), &activity); err != nil {
		return nil, fmt.Errorf("failed to get activity %s: %w", id, err)
	}
	return &activity, nil
}

// ListClubActivities lists recent activities of club members.
func (c *Client) ListClubActivities(ctx context.Context, token string, clubID int64, page, perPage int) ([]ClubActivity, error) {
	path := fmt.Sprintf("/clubs/%d/activities?page=%d&per_page=%d", clubID, page, perPage)

	var activities []ClubActivity
	if err := c.get(ctx, token, path, &activities); err != nil {
		return nil, fmt.Errorf("failed to list club %d activities: %w", clubID, err)
	}
	return activities, nil
}

// GetClub retrieves a club profile.
func (c *Client) GetClub(ctx context.Context, token string, clubID int64) (*Club, error) {
	var club Club
	if err := c.get(ctx, token, fmt.Sprintf("/clubs/%d", clubID), &club); err != nil {
		return nil, fmt.Errorf("failed to get club %d: %w", clubID, err)
	}
	return &club, nil
}

// AuthorizeURL is where users are sent to grant read access to their activities.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURL)
	q.Set("response_type", "code")
	q.Set("approval_prompt", "auto")
	q.Set("scope", "activity:read_all")
	q.Set("state", state)
	return c.cfg.OAuthURL + "/authorize?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	return c.token(ctx, form)
}

// RefreshToken obtains a fresh access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")
	return c.token(ctx, form)
}

func (c *Client) token(ctx context.Context, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OAuthURL+"/token", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token Token
	if err := c.do(req, &token); err != nil {
		return nil, fmt.Errorf("failed to obtain token: %w", err)
	}
	return &token, nil
}

func (c *Client) get(ctx context.Context, token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
