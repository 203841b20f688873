package workers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one sweep of a cadence.
type Task func(ctx context.Context) error

// CadenceWorker runs a task on a fixed interval. A sweep always finishes
// before the next tick is considered.
type CadenceWorker struct {
	name     string
	interval time.Duration
	task     Task
	log      zerolog.Logger

	mu    sync.RWMutex
	stats CadenceStats
}

// CadenceStats holds the outcome of the last sweep
type CadenceStats struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Runs         int           `json:"runs"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// NewCadenceWorker creates a worker running task every interval
func NewCadenceWorker(name string, interval time.Duration, task Task, log zerolog.Logger) *CadenceWorker {
	return &CadenceWorker{
		name:     name,
		interval: interval,
		task:     task,
		log:      log.With().Str("cadence", name).Logger(),
		stats:    CadenceStats{Name: name, Interval: interval},
	}
}

// Run sweeps until ctx is done. The first sweep starts one interval after
// Run is called.
func (w *CadenceWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("starting cadence")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("cadence stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps once and records the outcome.
func (w *CadenceWorker) RunOnce(ctx context.Context) {
	start := time.Now()
	err := w.task(ctx)
	elapsed := time.Since(start)

	w.mu.Lock()
	w.stats.Runs++
	w.stats.LastRun = &start
	w.stats.LastDuration = elapsed
	w.stats.LastError = ""
	if err != nil {
		w.stats.LastError = err.Error()
	}
	w.mu.Unlock()

	if err != nil {
		w.log.Error().Err(err).Dur("elapsed", elapsed).Msg("sweep failed")
		return
	}
	w.log.Debug().Dur("elapsed", elapsed).Msg("sweep completed")
}

// Stats returns the outcome of the last sweep
func (w *CadenceWorker) Stats() CadenceStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}
