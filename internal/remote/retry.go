package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/njoerd114/zonesync/internal/model"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter, but only while fn fails with a retryable error (see [IsRetryable]).
// A server-requested RetryAfter overrides the computed delay.
func Retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, fmt.Errorf("retry cancelled: %w", err)
	}
	// last keeps fn's own error; backoff may hand back its wrappers.
	var last error
	op := func() (T, error) {
		res, err := fn()
		last = err
		if err == nil {
			return res, nil
		}
		if !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		if d := retryAfter(err); d > 0 {
			return res, backoff.RetryAfter(int((d + time.Second - 1) / time.Second))
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("retry cancelled: %w", err)
		}
		if last != nil {
			return res, last
		}
		return res, err
	}
	return res, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

// RetryingDatabase wraps a Database and retries transient transport
// failures of every call.
type RetryingDatabase struct {
	db          Database
	maxAttempts int
	log         *slog.Logger
}

// NewRetryingDatabase wraps db. maxAttempts <= 0 selects the default.
func NewRetryingDatabase(db Database, maxAttempts int, logger *slog.Logger) *RetryingDatabase {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &RetryingDatabase{db: db, maxAttempts: maxAttempts, log: logger}
}

func (r *RetryingDatabase) Scope() model.Scope { return r.db.Scope() }

func (r *RetryingDatabase) FetchDatabaseChanges(ctx context.Context, token model.ChangeToken) (*DatabaseChanges, error) {
	return retryCall(ctx, r, "fetch database changes", func() (*DatabaseChanges, error) {
		return r.db.FetchDatabaseChanges(ctx, token)
	})
}

func (r *RetryingDatabase) FetchZoneChanges(ctx context.Context, zone model.ZoneID, token model.ChangeToken, limit int) (*ZoneChanges, error) {
	return retryCall(ctx, r, "fetch zone changes", func() (*ZoneChanges, error) {
		return r.db.FetchZoneChanges(ctx, zone, token, limit)
	})
}

func (r *RetryingDatabase) ModifyRecords(ctx context.Context, save []*model.Record, del []model.RecordID) (*ModifyResult, error) {
	return retryCall(ctx, r, "modify records", func() (*ModifyResult, error) {
		return r.db.ModifyRecords(ctx, save, del)
	})
}

func (r *RetryingDatabase) ModifyZones(ctx context.Context, save []model.ZoneID, del []model.ZoneID) error {
	_, err := retryCall(ctx, r, "modify zones", func() (struct{}, error) {
		return struct{}{}, r.db.ModifyZones(ctx, save, del)
	})
	return err
}

func (r *RetryingDatabase) ModifySubscriptions(ctx context.Context, save []model.Subscription, del []string) error {
	_, err := retryCall(ctx, r, "modify subscriptions", func() (struct{}, error) {
		return struct{}{}, r.db.ModifySubscriptions(ctx, save, del)
	})
	return err
}

func retryCall[T any](ctx context.Context, r *RetryingDatabase, name string, fn func() (T, error)) (T, error) {
	attempt := 0
	return Retry(ctx, r.maxAttempts, func() (T, error) {
		attempt++
		res, err := fn()
		if err != nil && IsRetryable(err) && attempt < r.maxAttempts {
			r.log.Warn("remote call failed, retrying", "call", name, "attempt", attempt, "error", err)
		}
		return res, err
	})
}
