package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Background runs work that outlives the request which triggered it, such as
// webhook processing. Strava and Slack expect an answer within seconds.
type Background struct {
	wg      sync.WaitGroup
	timeout time.Duration
	log     zerolog.Logger
}

// NewBackground creates a runner whose jobs are cancelled after timeout
func NewBackground(timeout time.Duration, log zerolog.Logger) *Background {
	return &Background{timeout: timeout, log: log.With().Str("component", "background").Logger()}
}

// Go runs fn in its own goroutine with a fresh context.
func (b *Background) Go(name string, fn func(ctx context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error().Interface("panic", r).Str("job", name).Msg("background job panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			b.log.Error().Err(err).Str("job", name).Msg("background job failed")
		}
	}()
}

// Wait blocks until every started job returned.
func (b *Background) Wait() {
	b.wg.Wait()
}
