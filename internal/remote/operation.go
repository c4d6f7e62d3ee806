package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/njoerd114/zonesync/internal/model"
)

// ErrNotStarted is returned by Wait on an operation that was never started.
var ErrNotStarted = errors.New("operation not started")

// operation is the shared one-shot machinery: Start runs the body once on its
// own goroutine, Cancel aborts the in-flight call, and the completion runs
// exactly once before Wait returns.
type operation[T any] struct {
	body       func(ctx context.Context) (T, error)
	completion func(T, error)

	mu       sync.Mutex
	started  bool
	canceled bool
	cancel   context.CancelFunc
	done     chan struct{}
	result   T
	err      error
}

func newOperation[T any](body func(context.Context) (T, error), completion func(T, error)) *operation[T] {
	return &operation[T]{body: body, completion: completion, done: make(chan struct{})}
}

// Start runs the operation. Calling it more than once has no effect.
func (o *operation[T]) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	ctx, o.cancel = context.WithCancel(ctx)
	if o.canceled {
		o.cancel()
	}
	o.mu.Unlock()

	go func() {
		defer close(o.done)
		defer o.cancel()
		res, err := o.body(ctx)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		o.result, o.err = res, err
		if o.completion != nil {
			o.completion(res, err)
		}
	}()
}

// Cancel aborts the operation. A cancelled operation completes with an error
// wrapping context.Canceled.
func (o *operation[T]) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.canceled = true
	if o.cancel != nil {
		o.cancel()
	}
}

// Wait blocks until the operation has completed and returns its outcome.
func (o *operation[T]) Wait() (T, error) {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		var zero T
		return zero, ErrNotStarted
	}
	<-o.done
	return o.result, o.err
}

// Done is closed once the completion has run.
func (o *operation[T]) Done() <-chan struct{} { return o.done }

// ---------------------------------------------------------------------------

// FetchDatabaseChangesOperation drains the database change feed, following
// MoreComing, and completes with the merged changes and the final token.
type FetchDatabaseChangesOperation struct {
	*operation[*DatabaseChanges]
}

// NewFetchDatabaseChangesOperation creates the operation. completion may be nil.
func NewFetchDatabaseChangesOperation(db Database, token model.ChangeToken, completion func(*DatabaseChanges, error)) *FetchDatabaseChangesOperation {
	body := func(ctx context.Context) (*DatabaseChanges, error) {
		merged := &DatabaseChanges{Token: token}
		for {
			page, err := db.FetchDatabaseChanges(ctx, merged.Token)
			if err != nil {
				return merged, fmt.Errorf("fetching database changes: %w", err)
			}
			merged.Changed = append(merged.Changed, page.Changed...)
			merged.Deleted = append(merged.Deleted, page.Deleted...)
			merged.Token = page.Token
			if !page.MoreComing {
				return merged, nil
			}
			if err := ctx.Err(); err != nil {
				return merged, err
			}
		}
	}
	return &FetchDatabaseChangesOperation{newOperation(body, completion)}
}

// PageHandler consumes one page of zone changes. The operation only moves
// on to the next page after the handler returned nil, so the handler can
// persist the page's token once the page is durable.
type PageHandler func(ctx context.Context, page *ZoneChanges) error

// FetchZoneChangesOperation pages through one zone's change feed.
type FetchZoneChangesOperation struct {
	*operation[model.ChangeToken]
}

// NewFetchZoneChangesOperation creates the operation. It completes with the
// token of the last page handled successfully.
func NewFetchZoneChangesOperation(db Database, zone model.ZoneID, token model.ChangeToken, limit int, onPage PageHandler, completion func(model.ChangeToken, error)) *FetchZoneChangesOperation {
	body := func(ctx context.Context) (model.ChangeToken, error) {
		current := token
		for {
			page, err := db.FetchZoneChanges(ctx, zone, current, limit)
			if err != nil {
				return current, fmt.Errorf("fetching changes of zone %s: %w", zone, err)
			}
			if onPage != nil {
				if err := onPage(ctx, page); err != nil {
					return current, err
				}
			}
			current = page.Token
			if !page.MoreComing {
				return current, nil
			}
			if err := ctx.Err(); err != nil {
				return current, err
			}
		}
	}
	return &FetchZoneChangesOperation{newOperation(body, completion)}
}

// ModifyRecordsOperation saves and deletes one batch of records.
type ModifyRecordsOperation struct {
	*operation[*ModifyResult]
}

// NewModifyRecordsOperation creates the operation. completion may be nil.
func NewModifyRecordsOperation(db Database, save []*model.Record, del []model.RecordID, completion func(*ModifyResult, error)) *ModifyRecordsOperation {
	body := func(ctx context.Context) (*ModifyResult, error) {
		res, err := db.ModifyRecords(ctx, save, del)
		if err != nil {
			return nil, fmt.Errorf("modifying %d records, deleting %d: %w", len(save), len(del), err)
		}
		return res, nil
	}
	return &ModifyRecordsOperation{newOperation(body, completion)}
}

// ModifyZonesOperation creates and deletes zones.
type ModifyZonesOperation struct {
	*operation[struct{}]
}

// NewModifyZonesOperation creates the operation. completion may be nil.
func NewModifyZonesOperation(db Database, save, del []model.ZoneID, completion func(error)) *ModifyZonesOperation {
	body := func(ctx context.Context) (struct{}, error) {
		if err := db.ModifyZones(ctx, save, del); err != nil {
			return struct{}{}, fmt.Errorf("modifying zones: %w", err)
		}
		return struct{}{}, nil
	}
	return &ModifyZonesOperation{newOperation(body, dropResult(completion))}
}

// ModifySubscriptionsOperation saves and deletes subscriptions.
type ModifySubscriptionsOperation struct {
	*operation[struct{}]
}

// NewModifySubscriptionsOperation creates the operation. completion may be nil.
func NewModifySubscriptionsOperation(db Database, save []model.Subscription, del []string, completion func(error)) *ModifySubscriptionsOperation {
	body := func(ctx context.Context) (struct{}, error) {
		if err := db.ModifySubscriptions(ctx, save, del); err != nil {
			return struct{}{}, fmt.Errorf("modifying subscriptions: %w", err)
		}
		return struct{}{}, nil
	}
	return &ModifySubscriptionsOperation{newOperation(body, dropResult(completion))}
}

func dropResult(completion func(error)) func(struct{}, error) {
	if completion == nil {
		return nil
	}
	return func(_ struct{}, err error) { completion(err) }
}
