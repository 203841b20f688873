package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidState is returned for tampered or expired connect links.
var ErrInvalidState = errors.New("invalid or expired state")

// State identifies who asked to connect a Strava account, and where.
type State struct {
	TeamID      string `json:"team"`
	SlackUserID string `json:"user"`
	ChannelID   string `json:"channel,omitempty"`
	jwt.RegisteredClaims
}

// StateSigner signs and verifies OAuth state tokens
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner creates a signer with an HMAC secret
func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign returns the state as a signed token
func (s *StateSigner) Sign(state State) (string, error) {
	now := s.now()
	state.IssuedAt = jwt.NewNumericDate(now)
	state.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	state.Issuer = "slava"

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &state).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return token, nil
}

// Verify parses a token produced by Sign
func (s *StateSigner) Verify(tokenString string) (*State, error) {
	var state State
	token, err := jwt.ParseWithClaims(tokenString, &state, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer("slava"), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if state.TeamID == "" || state.SlackUserID == "" {
		return nil, ErrInvalidState
	}
	return &state, nil
}
