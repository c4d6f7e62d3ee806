package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Engine drives a [Synchronizer]: a polling loop plus a round whenever an
// adapter reports new local changes. Create one with [NewEngine] and start it
// with [Engine.Run].
type Engine struct {
	sync         *Synchronizer
	pollInterval time.Duration
	log          *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(s *Synchronizer, pollInterval time.Duration, logger *slog.Logger) *Engine {
	return &Engine{sync: s, pollInterval: pollInterval, log: logger}
}

// RunOnce performs a single round and returns its statistics.
func (e *Engine) RunOnce(ctx context.Context) (Stats, error) {
	r := e.sync.Synchronize(ctx)
	err := r.Wait()
	return r.Stats(), err
}

func (e *Engine) round(ctx context.Context, trigger string) {
	_, err := e.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadySyncing):
		e.log.Debug("round skipped, already syncing", "trigger", trigger)
	case ctx.Err() != nil:
	default:
		e.log.Error("round failed", "trigger", trigger, "error", err)
	}
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	// Run an immediate first pass.
	e.round(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-e.sync.LocalChanges():
			e.log.Debug("local changes triggered a round")
			e.round(ctx, "local")
		case <-ticker.C:
			e.round(ctx, "poll")
		}
	}
}
