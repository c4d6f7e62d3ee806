package remote

import (
	"context"
	"sync"

	"github.com/njoerd114/zonesync/internal/model"
)

// fakeDatabase serves scripted pages and records calls.
type fakeDatabase struct {
	mu        sync.Mutex
	calls     int
	failures  []error
	dbPages   []*DatabaseChanges
	zonePages []*ZoneChanges
	tokens    []model.ChangeToken
	modify    *ModifyResult
	block     chan struct{}
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{}
}

func (f *fakeDatabase) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeDatabase) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// enter counts the call and returns a scripted failure, if any.
func (f *fakeDatabase) enter(token model.ChangeToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.tokens = append(f.tokens, token)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	return nil
}

func (f *fakeDatabase) Scope() model.Scope { return model.ScopePrivate }

func (f *fakeDatabase) FetchDatabaseChanges(_ context.Context, token model.ChangeToken) (*DatabaseChanges, error) {
	if err := f.enter(token); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dbPages) == 0 {
		return &DatabaseChanges{Token: token}, nil
	}
	page := f.dbPages[0]
	f.dbPages = f.dbPages[1:]
	return page, nil
}

func (f *fakeDatabase) FetchZoneChanges(_ context.Context, _ model.ZoneID, token model.ChangeToken, _ int) (*ZoneChanges, error) {
	if err := f.enter(token); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.zonePages) == 0 {
		return &ZoneChanges{Token: token}, nil
	}
	page := f.zonePages[0]
	f.zonePages = f.zonePages[1:]
	return page, nil
}

func (f *fakeDatabase) ModifyRecords(ctx context.Context, save []*model.Record, del []model.RecordID) (*ModifyResult, error) {
	if err := f.enter(nil); err != nil {
		return nil, err
	}
	f.mu.Lock()
	block := f.block
	res := f.modify
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res != nil {
		return res, nil
	}
	return &ModifyResult{Saved: save, Deleted: del}, nil
}

func (f *fakeDatabase) ModifyZones(context.Context, []model.ZoneID, []model.ZoneID) error {
	return f.enter(nil)
}

func (f *fakeDatabase) ModifySubscriptions(context.Context, []model.Subscription, []string) error {
	return f.enter(nil)
}
